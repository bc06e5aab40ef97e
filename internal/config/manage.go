package config

import (
	"fmt"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll returns all config key/value pairs from the current config. Secret
// values are reported only as set or unset.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		v := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if v != "" {
				v = "(set)"
			} else {
				v = "(unset)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  v,
			Secret: s.secret,
		})
	}
	return result
}

// SetKey writes a config key to the config file.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config set; use config set-secret or environment variable %s", key, s.env)
	}
	if value == "" {
		return b.Delete(key)
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	// Reject values that would make the next Load fail.
	cfg := defaults()
	s.apply(&cfg, v)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// SetSecret stores a secret key in the secrets file. An empty value removes
// it.
func SetSecret(key, value string) error {
	return setSecret(secretsFile{path: SecretsFilePath()}, key, value)
}

func setSecret(f secretsFile, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok || !s.secret {
		return fmt.Errorf("%q is not a secret key; valid secrets: %v", key, SecretKeys())
	}
	return f.Set(key, value)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// SecretKeys returns the names of the secret config keys.
func SecretKeys() []string {
	var keys []string
	for _, s := range specs {
		if s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
