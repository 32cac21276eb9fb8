package ids

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrParse indicates a malformed identifier string
var ErrParse = errors.New("malformed identifier")

// ID is a 128-bit, time-prefixed identifier (UUIDv7). The high bits encode
// a millisecond timestamp so that lexicographic order approximates
// insertion order.
type ID struct {
	u uuid.UUID
}

var (
	genMu sync.Mutex
	last  uuid.UUID
)

// New returns a fresh ID. Successive IDs from one process are strictly
// monotone: each compares greater than the one before it.
func New() ID {
	genMu.Lock()
	defer genMu.Unlock()

	for {
		u, err := uuid.NewV7()
		if err != nil {
			// The only failure mode is the entropy source; fall back to
			// a counter bump on the previous ID rather than panic.
			u = last
			for i := len(u) - 1; i >= 6; i-- {
				u[i]++
				if u[i] != 0 {
					break
				}
			}
		}
		if bytes.Compare(u[:], last[:]) > 0 {
			last = u
			return ID{u: u}
		}
	}
}

// Nil is the zero identifier
var Nil = ID{}

// IsNil reports whether the ID is the zero value
func (id ID) IsNil() bool {
	return id.u == uuid.Nil
}

// String returns the canonical 36-character form
func (id ID) String() string {
	return id.u.String()
}

// Time returns the embedded millisecond timestamp
func (id ID) Time() time.Time {
	if id.IsNil() {
		return time.Time{}
	}
	ms := int64(id.u[0])<<40 | int64(id.u[1])<<32 | int64(id.u[2])<<24 |
		int64(id.u[3])<<16 | int64(id.u[4])<<8 | int64(id.u[5])
	return time.UnixMilli(ms).UTC()
}

// Compare orders two IDs lexicographically (≈ chronologically)
func (id ID) Compare(other ID) int {
	return bytes.Compare(id.u[:], other.u[:])
}

// Parse converts the canonical 36-character string form back to an ID.
// Returns ErrParse for any malformed input.
func Parse(s string) (ID, error) {
	if len(s) != 36 {
		return Nil, fmt.Errorf("%w: %q", ErrParse, s)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("%w: %q", ErrParse, s)
	}
	return ID{u: u}, nil
}

// MustParse is Parse that panics on error; intended for literals in tests
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// MarshalText implements encoding.TextMarshaler
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
