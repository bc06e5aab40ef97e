package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	field   string // Config field path, for validation messages
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "TRADEWATCH_SERVER_HOST", field: "Server.Host",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "TRADEWATCH_SERVER_PORT", field: "Server.Port",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TRADEWATCH_SERVER_API_TOKEN", field: "Server.APIToken",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TRADEWATCH_STORAGE_DATA_DIR", field: "Storage.DataDir",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "TRADEWATCH_LOG_LEVEL", field: "Log.Level",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ollama.base_url", typ: kString, env: "TRADEWATCH_OLLAMA_BASE_URL", field: "Ollama.BaseURL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "TRADEWATCH_OLLAMA_CHAT_MODEL", field: "Ollama.ChatModel",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "TRADEWATCH_OLLAMA_EMBED_MODEL", field: "Ollama.EmbedModel",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.facts_timeout", typ: kDuration, env: "TRADEWATCH_OLLAMA_FACTS_TIMEOUT", field: "Ollama.FactsTimeout",
		apply:   func(cfg *Config, v any) { cfg.Ollama.FactsTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ollama.FactsTimeout },
	},
	{
		key: "llm.api_key", typ: kString, env: "TRADEWATCH_LLM_API_KEY", field: "LLM.APIKey",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.base_url", typ: kString, env: "TRADEWATCH_LLM_BASE_URL", field: "LLM.BaseURL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "TRADEWATCH_LLM_MODEL", field: "LLM.Model",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "TRADEWATCH_LLM_TEMPERATURE", field: "LLM.Temperature",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.rate_limit", typ: kFloat, env: "TRADEWATCH_LLM_RATE_LIMIT", field: "LLM.RateLimit",
		apply:   func(cfg *Config, v any) { cfg.LLM.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.RateLimit },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "TRADEWATCH_LLM_TIMEOUT", field: "LLM.Timeout",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "TRADEWATCH_RETRIEVAL_TOP_K", field: "Retrieval.TopK",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "TRADEWATCH_RETRIEVAL_MAX_CONTEXT_TOKENS", field: "Retrieval.MaxContextTokens",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "retrieval.rerank", typ: kBool, env: "TRADEWATCH_RETRIEVAL_RERANK", field: "Retrieval.Rerank",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.Rerank },
	},
	{
		key: "retrieval.rerank_timeout", typ: kDuration, env: "TRADEWATCH_RETRIEVAL_RERANK_TIMEOUT", field: "Retrieval.RerankTimeout",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "retrieval.rerank_threshold", typ: kFloat, env: "TRADEWATCH_RETRIEVAL_RERANK_THRESHOLD", field: "Retrieval.RerankThreshold",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankThreshold },
	},
	{
		key: "retrieval.min_score", typ: kFloat, env: "TRADEWATCH_RETRIEVAL_MIN_SCORE", field: "Retrieval.MinScore",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScore },
	},
	{
		key: "monitor.cooldown", typ: kDuration, env: "TRADEWATCH_MONITOR_COOLDOWN", field: "Monitor.Cooldown",
		apply:   func(cfg *Config, v any) { cfg.Monitor.Cooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Monitor.Cooldown },
	},
	{
		key: "monitor.concurrency", typ: kInt, env: "TRADEWATCH_MONITOR_CONCURRENCY", field: "Monitor.Concurrency",
		apply:   func(cfg *Config, v any) { cfg.Monitor.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Monitor.Concurrency },
	},
	{
		key: "monitor.oracle_timeout", typ: kDuration, env: "TRADEWATCH_MONITOR_ORACLE_TIMEOUT", field: "Monitor.OracleTimeout",
		apply:   func(cfg *Config, v any) { cfg.Monitor.OracleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Monitor.OracleTimeout },
	},
	{
		key: "monitor.rate_limit", typ: kFloat, env: "TRADEWATCH_MONITOR_RATE_LIMIT", field: "Monitor.RateLimit",
		apply:   func(cfg *Config, v any) { cfg.Monitor.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Monitor.RateLimit },
	},
	{
		key: "monitor.schedule", typ: kString, env: "TRADEWATCH_MONITOR_SCHEDULE", field: "Monitor.Schedule",
		apply:   func(cfg *Config, v any) { cfg.Monitor.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Monitor.Schedule },
	},
	{
		key: "monitor.cycle_timeout", typ: kDuration, env: "TRADEWATCH_MONITOR_CYCLE_TIMEOUT", field: "Monitor.CycleTimeout",
		apply:   func(cfg *Config, v any) { cfg.Monitor.CycleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Monitor.CycleTimeout },
	},
	{
		key: "monitor.rules_file", typ: kString, env: "TRADEWATCH_MONITOR_RULES_FILE", field: "Monitor.RulesFile",
		apply:   func(cfg *Config, v any) { cfg.Monitor.RulesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Monitor.RulesFile },
	},
	{
		key: "alerts.smtp_host", typ: kString, env: "TRADEWATCH_ALERTS_SMTP_HOST", field: "Alerts.SMTPHost",
		apply:   func(cfg *Config, v any) { cfg.Alerts.SMTPHost = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.SMTPHost },
	},
	{
		key: "alerts.smtp_port", typ: kInt, env: "TRADEWATCH_ALERTS_SMTP_PORT", field: "Alerts.SMTPPort",
		apply:   func(cfg *Config, v any) { cfg.Alerts.SMTPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Alerts.SMTPPort },
	},
	{
		key: "alerts.smtp_username", typ: kString, env: "TRADEWATCH_ALERTS_SMTP_USERNAME", field: "Alerts.SMTPUsername",
		apply:   func(cfg *Config, v any) { cfg.Alerts.SMTPUsername = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.SMTPUsername },
	},
	{
		key: "alerts.smtp_password", typ: kString, env: "TRADEWATCH_ALERTS_SMTP_PASSWORD", field: "Alerts.SMTPPassword",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Alerts.SMTPPassword = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.SMTPPassword },
	},
	{
		key: "alerts.email_from", typ: kString, env: "TRADEWATCH_ALERTS_EMAIL_FROM", field: "Alerts.EmailFrom",
		apply:   func(cfg *Config, v any) { cfg.Alerts.EmailFrom = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.EmailFrom },
	},
	{
		key: "alerts.email_to", typ: kString, env: "TRADEWATCH_ALERTS_EMAIL_TO", field: "Alerts.EmailTo",
		apply:   func(cfg *Config, v any) { cfg.Alerts.EmailTo = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.EmailTo },
	},
	{
		key: "alerts.slack_webhook_url", typ: kString, env: "TRADEWATCH_ALERTS_SLACK_WEBHOOK_URL", field: "Alerts.SlackWebhookURL",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Alerts.SlackWebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.SlackWebhookURL },
	},
	{
		key: "alerts.dispatch_timeout", typ: kDuration, env: "TRADEWATCH_ALERTS_DISPATCH_TIMEOUT", field: "Alerts.DispatchTimeout",
		apply:   func(cfg *Config, v any) { cfg.Alerts.DispatchTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Alerts.DispatchTimeout },
	},
	{
		key: "comtrade.api_key", typ: kString, env: "TRADEWATCH_COMTRADE_API_KEY", field: "Comtrade.APIKey",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Comtrade.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Comtrade.APIKey },
	},
	{
		key: "comtrade.base_url", typ: kString, env: "TRADEWATCH_COMTRADE_BASE_URL", field: "Comtrade.BaseURL",
		apply:   func(cfg *Config, v any) { cfg.Comtrade.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Comtrade.BaseURL },
	},
	{
		key: "comtrade.rate_limit", typ: kFloat, env: "TRADEWATCH_COMTRADE_RATE_LIMIT", field: "Comtrade.RateLimit",
		apply:   func(cfg *Config, v any) { cfg.Comtrade.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Comtrade.RateLimit },
	},
	{
		key: "bol.provider", typ: kString, env: "TRADEWATCH_BOL_PROVIDER", field: "BOL.Provider",
		apply:   func(cfg *Config, v any) { cfg.BOL.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.BOL.Provider },
	},
	{
		key: "bol.base_url", typ: kString, env: "TRADEWATCH_BOL_BASE_URL", field: "BOL.BaseURL",
		apply:   func(cfg *Config, v any) { cfg.BOL.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.BOL.BaseURL },
	},
	{
		key: "bol.api_key", typ: kString, env: "TRADEWATCH_BOL_API_KEY", field: "BOL.APIKey",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.BOL.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.BOL.APIKey },
	},
	{
		key: "bol.rate_limit", typ: kFloat, env: "TRADEWATCH_BOL_RATE_LIMIT", field: "BOL.RateLimit",
		apply:   func(cfg *Config, v any) { cfg.BOL.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.BOL.RateLimit },
	},
	{
		key: "bol.days_back", typ: kInt, env: "TRADEWATCH_BOL_DAYS_BACK", field: "BOL.DaysBack",
		apply:   func(cfg *Config, v any) { cfg.BOL.DaysBack = v.(int) },
		extract: func(cfg Config) any { return cfg.BOL.DaysBack },
	},
	{
		key: "ingest.hs_codes_file", typ: kString, env: "TRADEWATCH_INGEST_HS_CODES_FILE", field: "Ingest.HSCodesFile",
		apply:   func(cfg *Config, v any) { cfg.Ingest.HSCodesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.HSCodesFile },
	},
	{
		key: "ingest.schedule", typ: kString, env: "TRADEWATCH_INGEST_SCHEDULE", field: "Ingest.Schedule",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Schedule },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "TRADEWATCH_INGEST_POLL_INTERVAL", field: "Ingest.PollInterval",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// keyForField maps a validator namespace such as "Config.Server.Port" to its
// config key.
func keyForField(ns string) string {
	field := strings.TrimPrefix(ns, "Config.")
	for _, s := range specs {
		if s.field == field {
			return s.key
		}
	}
	return field
}

// parseValue converts raw to the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secret keys that are still empty from the secrets store.
func applySecrets(cfg *Config, store secretStore) {
	if store == nil {
		return
	}
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := store.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
