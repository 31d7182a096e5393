package keychain

// Secret wraps sensitive string data so its backing memory can be wiped once
// the value is no longer needed, and so it never leaks through formatting.

import "fmt"

// Secret holds a sensitive value. Call Zero when done with it; use an
// immediate `defer s.Zero()` on every read path. Formatting a Secret with
// %v/%s/%#v prints a redaction marker, never the value.
type Secret struct {
	data []byte
}

// NewSecret wraps a sensitive string.
func NewSecret(value string) *Secret {
	return &Secret{data: []byte(value)}
}

// Value returns the secret as a string. The returned string is a copy; avoid
// storing it beyond the immediate use (passing it to an HTTP client is fine,
// assigning it to a long-lived struct defeats Zero).
func (s *Secret) Value() string {
	if s == nil {
		return ""
	}
	return string(s.data)
}

// IsEmpty reports whether the secret holds no data.
func (s *Secret) IsEmpty() bool {
	return s == nil || len(s.data) == 0
}

// Zero overwrites the secret's backing memory. Best effort: copies handed out
// by Value are not tracked. Safe to call repeatedly and on nil.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = s.data[:0]
}

// String implements fmt.Stringer without revealing the value.
func (s *Secret) String() string {
	return "[REDACTED]"
}

// GoString keeps %#v from dumping the underlying bytes.
func (s *Secret) GoString() string {
	return "keychain.Secret{[REDACTED]}"
}

// Format implements fmt.Formatter so every verb redacts.
func (s *Secret) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, "[REDACTED]")
}
