package identity

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("identity: not found")
	// ErrConflict is returned when a username or identity is already taken.
	ErrConflict = errors.New("identity: conflict")
)

// State is the account state of a local user.
type State string

const (
	StateActive  State = "active"
	StateBlocked State = "blocked"
	// StateLDAPBlocked marks users blocked because they vanished from the
	// directory. A later full sync that finds them again reactivates them.
	StateLDAPBlocked State = "ldap_blocked"
)

// User is a local account linked to a directory identity.
type User struct {
	ID        int64  `json:"id" yaml:"id"`
	Username  string `json:"username" yaml:"username"`
	Email     string `json:"email" yaml:"email"`
	Name      string `json:"name" yaml:"name"`
	Provider  string `json:"provider" yaml:"provider"`
	ExternUID string `json:"extern_uid" yaml:"extern_uid"`
	State     State  `json:"state" yaml:"state"`
	Admin     bool   `json:"admin" yaml:"admin"`
}

// Store is the persistence boundary of directory sync.
type Store interface {
	UserByIdentity(ctx context.Context, provider, externUID string) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	UsersByProvider(ctx context.Context, provider string) ([]User, error)
	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error

	GroupMembers(ctx context.Context, provider, group string) ([]int64, error)
	SetGroupMembers(ctx context.Context, provider, group string, userIDs []int64) error
}

func sortIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupIDs(ids []int64) []int64 {
	sorted := sortIDs(ids)
	out := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			out = append(out, id)
		}
	}
	return out
}
