package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/telekom/omnibus-reconciler/pkg/secret"
	"github.com/telekom/omnibus-reconciler/pkg/settings"
)

// Reason classifies a connection failure.
type Reason string

const (
	ReasonCAUnreadable Reason = "ca_unreadable"
	ReasonTimeout      Reason = "timeout"
	ReasonTLS          Reason = "tls"
	ReasonBindRejected Reason = "bind_rejected"
	ReasonNetwork      Reason = "network"
)

// ConnectionError reports a failure to connect or bind to a directory
// server. It never carries the bind credential.
type ConnectionError struct {
	Server string
	Reason Reason
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("directory %s: %s: %v", e.Server, e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Dialer opens sessions against a directory server.
type Dialer interface {
	Dial(ctx context.Context, srv settings.DirectoryServer, password *secret.Secret) (Session, error)
}

// Session is a bound connection. Implementations abort in-flight searches
// when ctx is cancelled.
type Session interface {
	Users(ctx context.Context) ([]Entry, error)
	Groups(ctx context.Context) ([]Entry, error)
	Close() error
}

// Entry is one directory object. Attribute names are stored lower-cased.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// NewEntry builds an Entry, lower-casing attribute names.
func NewEntry(dn string, attrs map[string][]string) Entry {
	e := Entry{DN: dn, Attributes: make(map[string][]string, len(attrs))}
	for k, v := range attrs {
		key := strings.ToLower(k)
		e.Attributes[key] = append(e.Attributes[key], v...)
	}
	return e
}

// Values returns every non-empty value of attr.
func (e Entry) Values(attr string) []string {
	var out []string
	for _, v := range e.Attributes[strings.ToLower(attr)] {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// First returns the first value found, trying attrs in order.
func (e Entry) First(attrs ...string) string {
	for _, a := range attrs {
		if vs := e.Values(a); len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// Group is a directory group with its members, which are either DNs
// (groupOfNames, groupOfUniqueNames, AD group) or bare uids (posixGroup).
type Group struct {
	DN         string
	Name       string
	MemberDNs  []string
	MemberUIDs []string
}

// GroupFromEntry reads a group entry.
func GroupFromEntry(e Entry) Group {
	g := Group{DN: e.DN, Name: e.First("cn")}
	if g.Name == "" {
		g.Name = firstRDNValue(e.DN)
	}
	g.MemberDNs = append(g.MemberDNs, e.Values("member")...)
	g.MemberDNs = append(g.MemberDNs, e.Values("uniqueMember")...)
	g.MemberUIDs = e.Values("memberUid")
	return g
}

// Disabled reports whether an Active Directory account carries the
// ACCOUNTDISABLE bit.
func (e Entry) Disabled() bool {
	uac, err := strconv.Atoi(e.First("userAccountControl"))
	if err != nil {
		return false
	}
	return uac&0x2 == 0x2
}

const (
	// adDisabledFilter excludes accounts with the ACCOUNTDISABLE bit set.
	adDisabledFilter = "(!(userAccountControl:1.2.840.113556.1.4.803:=2))"
	groupFilter      = "(|(objectClass=groupOfNames)(objectClass=groupOfUniqueNames)(objectClass=posixGroup)(objectClass=group))"
)

// UserFilter builds the search filter for the users of srv.
func UserFilter(srv settings.DirectoryServer) string {
	parts := []string{"(" + srv.UIDAttribute + "=*)"}
	if f := settings.NormalizeFilter(srv.UserFilter); f != "" {
		parts = append(parts, f)
	}
	if srv.ActiveDirectory {
		parts = append(parts, adDisabledFilter)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(&" + strings.Join(parts, "") + ")"
}

// GroupFilter is the search filter for groups.
func GroupFilter() string {
	return groupFilter
}

// UserAttributes lists the attributes fetched for users.
func UserAttributes(srv settings.DirectoryServer) []string {
	attrs := []string{srv.UIDAttribute}
	attrs = append(attrs, srv.Attributes.Username...)
	attrs = append(attrs, srv.Attributes.Email...)
	attrs = append(attrs, srv.Attributes.Name, srv.Attributes.FirstName, srv.Attributes.LastName)
	if srv.ActiveDirectory {
		attrs = append(attrs, "userAccountControl")
	}
	return unique(attrs)
}

// GroupAttributes lists the attributes fetched for groups.
func GroupAttributes() []string {
	return []string{"cn", "member", "uniqueMember", "memberUid"}
}

func unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		k := strings.ToLower(strings.TrimSpace(s))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

func firstRDNValue(dn string) string {
	first, _, _ := strings.Cut(dn, ",")
	_, v, ok := strings.Cut(first, "=")
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
