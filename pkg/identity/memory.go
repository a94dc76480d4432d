package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	users  map[int64]User
	groups map[string][]int64
	writes int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: map[int64]User{}, groups: map[string][]int64{}}
}

func groupKey(provider, group string) string {
	return provider + "\x00" + strings.ToLower(group)
}

func (m *MemoryStore) UserByIdentity(_ context.Context, provider, externUID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Provider == provider && strings.EqualFold(u.ExternUID, externUID) {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			u := u
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UsersByProvider(_ context.Context, provider string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, u := range m.users {
		if u.Provider == provider {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return fmt.Errorf("%w: username %q", ErrConflict, u.Username)
		}
		if existing.Provider == u.Provider && strings.EqualFold(existing.ExternUID, u.ExternUID) {
			return fmt.Errorf("%w: identity %s", ErrConflict, u.ExternUID)
		}
	}
	m.nextID++
	u.ID = m.nextID
	m.users[u.ID] = *u
	m.writes++
	return nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range m.users {
		if id != u.ID && strings.EqualFold(existing.Username, u.Username) {
			return fmt.Errorf("%w: username %q", ErrConflict, u.Username)
		}
	}
	m.users[u.ID] = *u
	m.writes++
	return nil
}

func (m *MemoryStore) GroupMembers(_ context.Context, provider, group string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortIDs(m.groups[groupKey(provider, group)]), nil
}

func (m *MemoryStore) SetGroupMembers(_ context.Context, provider, group string, userIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range userIDs {
		if _, ok := m.users[id]; !ok {
			return fmt.Errorf("%w: user %d", ErrNotFound, id)
		}
	}
	key := groupKey(provider, group)
	if len(userIDs) == 0 {
		delete(m.groups, key)
	} else {
		m.groups[key] = dedupIDs(userIDs)
	}
	m.writes++
	return nil
}

// Writes returns the number of successful mutations.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// UserCount returns the number of users across all providers.
func (m *MemoryStore) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}
