// Package idgen generates request and event identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex characters of a random UUID
// (e.g. "req_", "evt_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s parses as a UUID. Client-supplied request IDs that
// are not UUIDs are replaced.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
