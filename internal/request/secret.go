package request

import (
	"log/slog"
	"strings"
)

const redacted = "********"

// Secret holds a credential that must never be printed, logged or persisted.
// Every formatting path renders a placeholder; Reveal is the only accessor.
type Secret struct {
	value string
}

// NewSecret wraps a raw credential.
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the raw credential.
func (s Secret) Reveal() string { return s.value }

// IsZero reports whether no credential was supplied.
func (s Secret) IsZero() bool { return strings.TrimSpace(s.value) == "" }

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalText keeps the credential out of JSON and YAML encodings.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Scrub replaces every occurrence of the credential in text.
func (s Secret) Scrub(text string) string {
	if s.value == "" {
		return text
	}
	return strings.ReplaceAll(text, s.value, redacted)
}
