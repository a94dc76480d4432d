package secret

import (
	"crypto/subtle"
	"fmt"
	"io"
	"sync"
)

// Redacted is printed in place of secret material.
const Redacted = "[REDACTED]"

// Secret holds resolved secret material in memory. It is never persisted and
// every formatting or marshaling path yields Redacted. Release zeroes the
// backing buffer; a released Secret behaves like an empty one.
type Secret struct {
	mu       sync.Mutex
	b        []byte
	released bool
}

// New copies b into a new Secret. The caller keeps ownership of b and should
// zero it when done.
func New(b []byte) *Secret {
	c := make([]byte, len(b))
	copy(c, b)
	return &Secret{b: c}
}

// Use calls fn with the secret bytes. fn must not retain the slice.
func (s *Secret) Use(fn func([]byte) error) error {
	if s == nil {
		return fn(nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.b)
}

// Reveal returns the secret as a string. Only for handing the value to client
// libraries that take passwords as strings (e.g. a directory bind).
func (s *Secret) Reveal() string {
	var out string
	_ = s.Use(func(b []byte) error {
		out = string(b)
		return nil
	})
	return out
}

// Clone returns an independent handle with its own copy of the bytes.
func (s *Secret) Clone() *Secret {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := New(s.b)
	c.released = s.released
	return c
}

// Release zeroes the secret. Safe to call more than once and on nil.
func (s *Secret) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
	s.released = true
}

// Released reports whether Release was called.
func (s *Secret) Released() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Len returns the length of the secret material.
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.b)
}

// Equal compares two secrets in constant time.
func (s *Secret) Equal(o *Secret) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s == o {
		return true
	}
	var a, b []byte
	s.mu.Lock()
	a = append(a, s.b...)
	s.mu.Unlock()
	o.mu.Lock()
	b = append(b, o.b...)
	o.mu.Unlock()
	eq := subtle.ConstantTimeCompare(a, b) == 1
	zero(a)
	zero(b)
	return eq
}

func (s *Secret) String() string   { return Redacted }
func (s *Secret) GoString() string { return Redacted }

// Format makes every fmt verb print Redacted, including %x and %#v.
func (s *Secret) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, Redacted)
}

func (s *Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + Redacted + `"`), nil }

func (s *Secret) MarshalText() ([]byte, error) { return []byte(Redacted), nil }

func (s *Secret) MarshalYAML() (interface{}, error) { return Redacted, nil }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
