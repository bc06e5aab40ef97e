package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// BOLRateLimit is the default bill-of-lading request rate, per second.
const BOLRateLimit = 2.0

// Bill-of-lading data providers with a known response envelope.
const (
	ProviderTrademo      = "trademo"
	ProviderPanjiva      = "panjiva"
	ProviderImportGenius = "importgenius"
)

// Shipment is one bill-of-lading record. Field names vary by provider, so
// the record is kept as decoded.
type Shipment map[string]any

// Key identifies the shipment across fetches: the provider's own ID when
// present, otherwise a hash of the record.
func (s Shipment) Key() string {
	for _, k := range []string{"id", "shipment_id", "bol_number", "bill_of_lading_number"} {
		if v, ok := s[k]; ok && v != nil {
			if str := fmt.Sprint(v); str != "" {
				return "bol:" + str
			}
		}
	}
	// encoding/json sorts map keys, so the hash is stable.
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return "bol:" + hex.EncodeToString(sum[:12])
}

// Field returns the first non-empty string form of the given fields.
func (s Shipment) Field(keys ...string) string {
	for _, k := range keys {
		v, ok := s[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			if x != "" {
				return x
			}
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		default:
			return fmt.Sprint(x)
		}
	}
	return ""
}

// BOLClient fetches shipment records from a bill-of-lading data provider.
type BOLClient struct {
	provider string
	apiKey   string
	opts     options
	limiter  *rate.Limiter
}

// NewBOLClient creates a client for provider at baseURL.
func NewBOLClient(provider, baseURL, apiKey string, opts ...Option) *BOLClient {
	if provider == "" {
		provider = ProviderTrademo
	}
	o := buildOptions(baseURL, BOLRateLimit, append([]Option{WithBaseURL(baseURL)}, opts...))
	return &BOLClient{provider: provider, apiKey: apiKey, opts: o, limiter: newLimiter(o.limit)}
}

// Provider returns the configured provider name.
func (c *BOLClient) Provider() string { return c.provider }

// FetchShipments returns the shipments for hsCode recorded in the daysBack
// days before now.
func (c *BOLClient) FetchShipments(ctx context.Context, hsCode string, daysBack int, now time.Time) ([]Shipment, error) {
	if daysBack <= 0 {
		daysBack = 1
	}
	q := url.Values{}
	q.Set("hs_code", hsCode)
	q.Set("start_date", now.AddDate(0, 0, -daysBack).Format(time.DateOnly))
	q.Set("end_date", now.Format(time.DateOnly))
	q.Set("limit", "1000")

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.apiKey)

	c.opts.logger.Info("fetching B/L data", "hs_code", hsCode, "provider", c.provider, "days_back", daysBack)
	body, err := getJSON(ctx, c.opts.httpClient, c.limiter, "bill_of_lading", c.opts.baseURL+"/shipments", q, h)
	if err != nil {
		return nil, err
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding bill_of_lading response: %w", err)
	}
	return c.parseEnvelope(env)
}

// parseEnvelope picks the record list out of the provider's response.
func (c *BOLClient) parseEnvelope(env map[string]json.RawMessage) ([]Shipment, error) {
	var keys []string
	switch c.provider {
	case ProviderTrademo:
		keys = []string{"shipments"}
	case ProviderPanjiva:
		keys = []string{"records"}
	case ProviderImportGenius:
		keys = []string{"data"}
	default:
		keys = []string{"shipments", "records", "data"}
	}
	for _, k := range keys {
		raw, ok := env[k]
		if !ok {
			continue
		}
		var out []Shipment
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decoding %q list: %w", k, err)
		}
		return out, nil
	}
	return nil, nil
}
