package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradewatch/tradewatch/internal/ollama"
)

const defaultTimeout = 10 * time.Second

// Chatter is the structured chat call used for extraction. *ollama.Client
// satisfies it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

// Facts are the machine-readable values pulled out of a synthesized answer.
// Count and Value are nil when the answer states no such number.
type Facts struct {
	Count       *float64 `json:"count"`
	Value       *float64 `json:"value"`
	Unit        string   `json:"unit"`
	Items       []string `json:"items"`
	IsAnomalous bool     `json:"is_anomalous"`
}

// Map returns the facts that are present, keyed by field name. IsAnomalous
// is reported separately by the oracle and is not included.
func (f Facts) Map() map[string]any {
	m := map[string]any{}
	if f.Count != nil {
		m["count"] = *f.Count
	}
	if f.Value != nil {
		m["value"] = *f.Value
	}
	if f.Unit != "" && (f.Count != nil || f.Value != nil) {
		m["unit"] = f.Unit
	}
	if len(f.Items) > 0 {
		m["items"] = f.Items
	}
	return m
}

// Extractor turns a (question, answer) pair into Facts with a local model.
type Extractor struct {
	client  Chatter
	model   string
	timeout time.Duration
}

// NewExtractor creates an Extractor. timeout <= 0 selects 10s.
func NewExtractor(client Chatter, model string, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Extractor{client: client, model: model, timeout: timeout}
}

// Extract asks the model for the facts stated in answer. An empty answer
// yields zero Facts without a model call.
func (e *Extractor) Extract(ctx context.Context, question, answer string) (Facts, error) {
	if answer == "" {
		return Facts{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, BuildPrompt(question, answer), schema)
	if err != nil {
		return Facts{}, fmt.Errorf("fact extraction chat: %w", err)
	}
	obj, err := ollama.JSONObject(raw)
	if err != nil {
		return Facts{}, fmt.Errorf("fact extraction: %w", err)
	}
	var f Facts
	if err := json.Unmarshal([]byte(obj), &f); err != nil {
		return Facts{}, fmt.Errorf("decoding facts: %w", err)
	}
	return f, nil
}

var schema = &ollama.Schema{
	Type: "object",
	Properties: map[string]ollama.SchemaProperty{
		"count":        {Type: "number", Description: "Number of shipments, buyers, suppliers or records the answer reports; null if none is stated"},
		"value":        {Type: "number", Description: "Main monetary value, quantity or percentage change the answer reports; null if none is stated"},
		"unit":         {Type: "string", Description: "Unit of value, e.g. USD, kg, percent"},
		"items":        {Type: "array", Description: "Names of companies, countries or products the answer lists", Items: &ollama.SchemaProperty{Type: "string"}},
		"is_anomalous": {Type: "boolean", Description: "True only if the answer describes an unusual spike, drop or pattern"},
	},
	Required: []string{"count", "value", "items", "is_anomalous"},
}
