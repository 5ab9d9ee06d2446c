package integrity

import (
	"fmt"
	"strings"
)

const defaultKeyID = "v1"

// Config is the keyring configuration read from the environment.
type Config struct {
	// Key is a single root key, used when Keys is empty.
	Key string `env:"LEDGER_EVENT_HMAC_KEY"`
	// Keys lists id=value pairs separated by commas.
	Keys  string `env:"LEDGER_EVENT_HMAC_KEYS"`
	KeyID string `env:"LEDGER_EVENT_HMAC_KEY_ID" envDefault:"v1"`
}

// NewKeyringFromConfig builds a keyring from cfg.
func NewKeyringFromConfig(cfg Config) (*Keyring, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		keyID = defaultKeyID
	}

	spec := strings.TrimSpace(cfg.Keys)
	if spec == "" {
		raw := strings.TrimSpace(cfg.Key)
		if raw == "" {
			return nil, fmt.Errorf("LEDGER_EVENT_HMAC_KEY is required")
		}
		return NewKeyring(map[string][]byte{keyID: []byte(raw)}, keyID)
	}

	keys := make(map[string][]byte)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id, value = strings.TrimSpace(id), strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid LEDGER_EVENT_HMAC_KEYS entry %q", entry)
		}
		keys[id] = []byte(value)
	}
	return NewKeyring(keys, keyID)
}
