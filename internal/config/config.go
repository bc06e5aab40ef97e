package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Ollama    OllamaConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Monitor   MonitorConfig
	Alerts    AlertsConfig
	Comtrade  ComtradeConfig
	BOL       BOLConfig
	Ingest    IngestConfig
}

type ServerConfig struct {
	Host     string
	Port     int `validate:"min=1,max=65535"`
	APIToken string
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

type OllamaConfig struct {
	BaseURL      string `validate:"required,url"`
	ChatModel    string `validate:"required"`
	EmbedModel   string `validate:"required"`
	FactsTimeout time.Duration
}

// LLMConfig configures answer synthesis through an OpenAI-compatible API.
type LLMConfig struct {
	APIKey      string
	BaseURL     string `validate:"required,url"`
	Model       string `validate:"required"`
	Temperature float64 `validate:"gte=0,lte=2"`
	// RateLimit caps oracle questions per second. Zero means unlimited.
	RateLimit float64 `validate:"gte=0"`
	Timeout   time.Duration
}

type RetrievalConfig struct {
	TopK             int `validate:"min=1,max=100"`
	MaxContextTokens int `validate:"min=256"`
	Rerank           bool
	RerankTimeout    time.Duration
	RerankThreshold  float64 `validate:"gte=0,lte=1"`
	// MinScore is the cosine similarity below which a retrieved chunk is
	// not used or cited. Negative disables the floor; 0 selects the oracle
	// default.
	MinScore float64 `validate:"gte=-1,lte=1"`
}

type MonitorConfig struct {
	Cooldown      time.Duration `validate:"gt=0"`
	Concurrency   int           `validate:"min=1,max=32"`
	OracleTimeout time.Duration `validate:"gt=0"`
	// RateLimit caps oracle calls per second within a cycle. Zero means
	// unlimited.
	RateLimit    float64 `validate:"gte=0"`
	Schedule     string  `validate:"required"`
	CycleTimeout time.Duration
	RulesFile    string
}

type AlertsConfig struct {
	SMTPHost        string
	SMTPPort        int `validate:"min=1,max=65535"`
	SMTPUsername    string
	SMTPPassword    string
	EmailFrom       string
	EmailTo         string
	SlackWebhookURL string
	DispatchTimeout time.Duration
}

// Recipients splits EmailTo on commas.
func (a AlertsConfig) Recipients() []string {
	var out []string
	for _, r := range strings.Split(a.EmailTo, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// EmailEnabled reports whether enough is configured to send email.
func (a AlertsConfig) EmailEnabled() bool {
	return a.SMTPHost != "" && a.EmailFrom != "" && len(a.Recipients()) > 0
}

type ComtradeConfig struct {
	APIKey    string
	BaseURL   string  `validate:"required,url"`
	RateLimit float64 `validate:"gte=0"`
}

// BOLConfig configures the bill-of-lading data provider. An empty BaseURL
// disables the source.
type BOLConfig struct {
	Provider  string `validate:"required"`
	BaseURL   string `validate:"omitempty,url"`
	APIKey    string
	RateLimit float64 `validate:"gte=0"`
	DaysBack  int     `validate:"min=1"`
}

type IngestConfig struct {
	HSCodesFile  string
	Schedule     string
	PollInterval time.Duration
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			ChatModel:    "llama3.2",
			EmbedModel:   "nomic-embed-text",
			FactsTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.1,
			Timeout:     60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:             10,
			MaxContextTokens: 4000,
			RerankTimeout:    5 * time.Second,
			MinScore:         0.5,
		},
		Monitor: MonitorConfig{
			Cooldown:      24 * time.Hour,
			Concurrency:   1,
			OracleTimeout: 2 * time.Minute,
			Schedule:      "@hourly",
			CycleTimeout:  30 * time.Minute,
		},
		Alerts: AlertsConfig{
			SMTPPort:        587,
			DispatchTimeout: time.Minute,
		},
		Comtrade: ComtradeConfig{
			BaseURL:   "https://comtradeapi.un.org/data/v1/get",
			RateLimit: 1,
		},
		BOL: BOLConfig{
			Provider:  "trademo",
			RateLimit: 2,
			DaysBack:  1,
		},
		Ingest: IngestConfig{
			Schedule:     "@daily",
			PollInterval: 500 * time.Millisecond,
		},
	}
}

// Load reads configuration from the JSON config file, then applies
// TRADEWATCH_* environment overrides. Secrets left empty are looked up in the
// secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretsFile{path: SecretsFilePath()})
}

// LoadForOracle is Load for commands that answer questions and therefore need
// the LLM API key.
func LoadForOracle() (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.RequireLLMKey(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RequireLLMKey fails with a hint when no LLM API key is configured.
func (c Config) RequireLLMKey() error {
	if c.LLM.APIKey != "" {
		return nil
	}
	return errors.New("missing required config: LLM API key. " +
		"Set it via environment variable TRADEWATCH_LLM_API_KEY " +
		"or run: tradewatch config set-secret llm.api_key <key>")
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks value ranges. The first problem is reported with its
// config key.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	fe := verrs[0]
	key := keyForField(fe.StructNamespace())
	if fe.Param() != "" {
		return fmt.Errorf("invalid config: %s=%v fails %s=%s", key, fe.Value(), fe.Tag(), fe.Param())
	}
	return fmt.Errorf("invalid config: %s=%v fails %s", key, fe.Value(), fe.Tag())
}
