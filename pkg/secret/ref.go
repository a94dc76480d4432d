package secret

import (
	"fmt"
	"strings"
)

// Source discriminates where a secret reference points.
type Source string

const (
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceKeyring Source = "keyring"
	// SourceLiteral marks a secret that appeared inline in a settings source.
	// It is wrapped immediately and never echoed back.
	SourceLiteral Source = "literal"
)

// Ref is a reference to secret material. A literal Ref carries an already
// wrapped Secret; every other kind only names its location.
type Ref struct {
	Source   Source
	Location string
	literal  *Secret
}

// ParseRef parses "file:<path>", "env:<NAME>" or "keyring:<service>/<user>".
func ParseRef(s string) (Ref, error) {
	source, location, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || location == "" {
		return Ref{}, fmt.Errorf("secret reference %q must have the form <source>:<location>", s)
	}
	switch Source(source) {
	case SourceFile, SourceEnv:
		return Ref{Source: Source(source), Location: location}, nil
	case SourceKeyring:
		if _, _, ok := splitKeyring(location); !ok {
			return Ref{}, fmt.Errorf("keyring reference %q must have the form keyring:<service>/<user>", s)
		}
		return Ref{Source: SourceKeyring, Location: location}, nil
	default:
		return Ref{}, fmt.Errorf("unknown secret source %q (expected file, env or keyring)", source)
	}
}

// LiteralRef wraps an inline secret value. The string itself should not be
// kept by the caller.
func LiteralRef(v string) Ref {
	return Ref{Source: SourceLiteral, literal: New([]byte(v))}
}

func (r Ref) IsZero() bool {
	return r.Source == ""
}

// String never contains literal secret material.
func (r Ref) String() string {
	switch r.Source {
	case "":
		return ""
	case SourceLiteral:
		return string(SourceLiteral) + ":" + Redacted
	default:
		return string(r.Source) + ":" + r.Location
	}
}

func (r Ref) MarshalYAML() (interface{}, error) { return r.String(), nil }

func (r Ref) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Equal reports whether two references resolve from the same place. Literal
// references compare their wrapped values in constant time.
func (r Ref) Equal(o Ref) bool {
	if r.Source != o.Source || r.Location != o.Location {
		return false
	}
	if r.Source == SourceLiteral {
		return r.literal.Equal(o.literal)
	}
	return true
}

// Release zeroes a wrapped literal. It is a no-op for location references.
func (r Ref) Release() {
	r.literal.Release()
}

func splitKeyring(location string) (service, user string, ok bool) {
	i := strings.LastIndex(location, "/")
	if i <= 0 || i == len(location)-1 {
		return "", "", false
	}
	return location[:i], location[i+1:], true
}
