package vault

import (
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Credentials are decrypted provider secrets. Every formatting path prints
// the keys only, so a stray log line or %v cannot leak a value.
type Credentials map[string]string

func (c Credentials) Get(key string) string {
	return c[key]
}

// Require returns the missing keys among names.
func (c Credentials) Require(names ...string) []string {
	var missing []string
	for _, n := range names {
		if strings.TrimSpace(c[n]) == "" {
			missing = append(missing, n)
		}
	}
	return missing
}

func (c Credentials) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + redacted
	}
	return "Credentials{" + strings.Join(parts, " ") + "}"
}

func (c Credentials) GoString() string {
	return c.String()
}

func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k := range c {
		enc.AddString(k, redacted)
	}
	return nil
}
