package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend.
type memBackend map[string]any

func (m memBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", true, errors.New("not a string")
	}
	return s, true, nil
}

func (m memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, isInt := v.(int)
	if !isInt {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (m memBackend) SetString(key, val string) error { m[key] = val; return nil }
func (m memBackend) SetInt(key string, val int) error { m[key] = val; return nil }
func (m memBackend) Delete(key string) error          { delete(m, key); return nil }

// mockSecrets is a test double for the secrets store.
type mockSecrets map[string]string

func (m mockSecrets) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when nothing is configured.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(memBackend{}, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.LLM.Model != "openai/gpt-4o-mini" || cfg.LLM.Temperature != 0.1 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Retrieval.TopK != 10 || cfg.Retrieval.MinScore != 0.5 {
		t.Errorf("Retrieval = %+v, want TopK 10 and MinScore 0.5", cfg.Retrieval)
	}
	if cfg.Monitor.Cooldown != 24*time.Hour || cfg.Monitor.Concurrency != 1 {
		t.Errorf("Monitor = %+v", cfg.Monitor)
	}
	if cfg.Comtrade.RateLimit != 1 || cfg.BOL.RateLimit != 2 {
		t.Errorf("rate limits = %v/%v", cfg.Comtrade.RateLimit, cfg.BOL.RateLimit)
	}
	if cfg.LLM.APIKey != "" {
		t.Error("Load must not require the LLM API key")
	}
}

// TestBackendValues verifies typed values are read from the config file backend.
func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := memBackend{
		"server.port":          5000,
		"monitor.cooldown":     "6h",
		"monitor.concurrency":  4,
		"retrieval.rerank":     "true",
		"llm.temperature":      "0.3",
		"alerts.email_to":      "a@example.com, b@example.com",
		"llm.api_key":          "ignored-secret-in-file",
		"retrieval.top_k":      20,
		"ollama.facts_timeout": "not-a-duration",
		"bol.base_url":         "https://api.trademo.example",
	}

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 || cfg.Monitor.Cooldown != 6*time.Hour || cfg.Monitor.Concurrency != 4 {
		t.Errorf("cfg = %+v / %+v", cfg.Server, cfg.Monitor)
	}
	if !cfg.Retrieval.Rerank || cfg.LLM.Temperature != 0.3 || cfg.Retrieval.TopK != 20 {
		t.Errorf("retrieval = %+v, llm = %+v", cfg.Retrieval, cfg.LLM)
	}
	if got := cfg.Alerts.Recipients(); len(got) != 2 || got[1] != "b@example.com" {
		t.Errorf("Recipients() = %v", got)
	}
	if cfg.LLM.APIKey != "" {
		t.Error("secrets must not be read from the config file")
	}
	if cfg.Ollama.FactsTimeout != 10*time.Second {
		t.Errorf("unparsable duration should keep the default, got %v", cfg.Ollama.FactsTimeout)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRADEWATCH_SERVER_PORT", "7000")
	t.Setenv("TRADEWATCH_LLM_API_KEY", "env-key")
	t.Setenv("TRADEWATCH_MONITOR_COOLDOWN", "90m")

	cfg, err := loadWith(memBackend{"server.port": 5000}, mockSecrets{"llm.api_key": "file-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("LLM.APIKey = %q, want env-key", cfg.LLM.APIKey)
	}
	if cfg.Monitor.Cooldown != 90*time.Minute {
		t.Errorf("Monitor.Cooldown = %v", cfg.Monitor.Cooldown)
	}
}

// TestSecretsFallback verifies the secrets file is consulted when no key is in env.
func TestSecretsFallback(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(memBackend{}, mockSecrets{"llm.api_key": "stored", "alerts.slack_webhook_url": "https://hooks.slack.com/x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "stored" || cfg.Alerts.SlackWebhookURL != "https://hooks.slack.com/x" {
		t.Errorf("secrets = %q, %q", cfg.LLM.APIKey, cfg.Alerts.SlackWebhookURL)
	}
}

// TestRequireLLMKey verifies a clear error when the API key is missing everywhere.
func TestRequireLLMKey(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(memBackend{}, mockSecrets{})
	if err != nil {
		t.Fatal(err)
	}
	err = cfg.RequireLLMKey()
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") || !strings.Contains(err.Error(), "TRADEWATCH_LLM_API_KEY") {
		t.Errorf("error = %q", err)
	}
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRADEWATCH_MONITOR_CONCURRENCY", "0")

	_, err := loadWith(memBackend{}, mockSecrets{})
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if !strings.Contains(err.Error(), "monitor.concurrency") {
		t.Errorf("error = %q, want it to name the key", err)
	}
}

func TestSetKey(t *testing.T) {
	b := memBackend{}

	if err := setKey(b, "monitor.concurrency", "3"); err != nil {
		t.Fatalf("setKey int: %v", err)
	}
	if b["monitor.concurrency"] != 3 {
		t.Errorf("stored = %#v", b["monitor.concurrency"])
	}
	if err := setKey(b, "monitor.cooldown", "12h"); err != nil {
		t.Fatalf("setKey duration: %v", err)
	}
	if err := setKey(b, "monitor.cooldown", "soon"); err == nil {
		t.Error("expected an error for an invalid duration")
	}
	if err := setKey(b, "server.port", "70000"); err == nil {
		t.Error("expected a validation error for port 70000")
	}
	if err := setKey(b, "llm.api_key", "x"); err == nil {
		t.Error("expected an error when setting a secret")
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected an error for an unknown key")
	}
	if err := setKey(b, "monitor.cooldown", ""); err != nil {
		t.Fatalf("clearing key: %v", err)
	}
	if _, ok := b["monitor.cooldown"]; ok {
		t.Error("empty value should delete the key")
	}
}

func TestSetSecretAndFileBackend(t *testing.T) {
	dir := t.TempDir()
	f := secretsFile{path: filepath.Join(dir, "secrets.json")}

	if err := setSecret(f, "comtrade.api_key", "ct-123"); err != nil {
		t.Fatalf("setSecret: %v", err)
	}
	if err := setSecret(f, "server.port", "1"); err == nil {
		t.Error("expected an error for a non-secret key")
	}
	got, err := f.Get("comtrade.api_key")
	if err != nil || got != "ct-123" {
		t.Errorf("Get = %q, %v", got, err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file mode = %v, want 0600", info.Mode().Perm())
	}

	fb := openFileBackend(filepath.Join(dir, "config.json"))
	if err := fb.SetInt("server.port", 4100); err != nil {
		t.Fatal(err)
	}
	reopened := openFileBackend(fb.path)
	if v, ok, err := reopened.GetInt("server.port"); err != nil || !ok || v != 4100 {
		t.Errorf("GetInt after reopen = %d, %v, %v", v, ok, err)
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-live"
	for _, k := range ShowAll(cfg) {
		if k.Key == "llm.api_key" && k.Value != "(set)" {
			t.Errorf("llm.api_key shown as %q", k.Value)
		}
		if strings.Contains(k.Value, "sk-live") {
			t.Errorf("secret leaked in %s", k.Key)
		}
	}
}
