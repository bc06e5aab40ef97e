package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// secretStore holds API keys outside the config file.
type secretStore interface {
	Get(key string) (string, error)
}

// SecretsFilePath returns the location of the secrets file,
// $XDG_DATA_HOME/tradewatch/secrets.json.
func SecretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "tradewatch", "secrets.json")
}

// secretsFile is a flat JSON object of secret config keys, readable only by
// the owner.
type secretsFile struct {
	path string
}

func (f secretsFile) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f secretsFile) Get(key string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return v, nil
}

func (f secretsFile) Set(key, value string) error {
	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	if value == "" {
		delete(secrets, key)
	} else {
		secrets[key] = value
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}
