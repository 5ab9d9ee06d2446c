package hmackey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Config holds configuration for event HMAC key generation.
type Config struct {
	Bytes int
	// KeyID, when set, emits a rotation entry for LEDGER_EVENT_HMAC_KEYS
	// instead of a single root key.
	KeyID string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes (default: 32)")
	fs.StringVar(&cfg.KeyID, "key-id", "", "key id for a rotation entry")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes env assignments to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if out == nil {
		return errors.New("output is required")
	}
	keyID := strings.TrimSpace(cfg.KeyID)
	if strings.ContainsAny(keyID, ",= ") {
		return fmt.Errorf("key id %q must not contain commas, spaces, or '='", keyID)
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	key := hex.EncodeToString(buf)
	if keyID == "" {
		_, err := fmt.Fprintf(out, "LEDGER_EVENT_HMAC_KEY=%s\n", key)
		return err
	}
	// Operators append the entry to the existing LEDGER_EVENT_HMAC_KEYS list.
	_, err := fmt.Fprintf(out, "LEDGER_EVENT_HMAC_KEYS=%s=%s\nLEDGER_EVENT_HMAC_KEY_ID=%s\n", keyID, key, keyID)
	return err
}
