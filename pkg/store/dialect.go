package store

import (
	"strconv"
	"strings"
)

// Dialect abstracts the differences between the supported SQL engines.
// The coordinator logic itself is dialect-independent; backends supply
// placeholder style, locking syntax and error classification.
type Dialect interface {
	// Name is "postgres" or "sqlite"
	Name() string
	// Rebind rewrites '?' placeholders into the engine's style
	Rebind(query string) string
	// ClaimSuffix is appended to the candidate SELECT of the claim step
	// ("FOR UPDATE SKIP LOCKED" on engines with row locks)
	ClaimSuffix() string
	// CreateDDL returns the schema statements
	CreateDDL() []string
	// IsUniqueViolation reports a unique-constraint conflict
	IsUniqueViolation(err error) bool
	// IsSerializationFailure reports a transaction-level conflict the
	// caller should retry
	IsSerializationFailure(err error) bool
}

// RebindNumbered rewrites ? placeholders to $1..$n. Exported for the
// backend subpackages.
func RebindNumbered(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
