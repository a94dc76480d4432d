package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUsers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := &User{Username: "jdoe", Email: "jdoe@example.com", Provider: "ldapmain", ExternUID: "uid=jdoe,dc=example,dc=com", State: StateActive}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.Equal(t, int64(1), u.ID)

	got, err := s.UserByIdentity(ctx, "ldapmain", "UID=jdoe,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", got.Username)

	got, err = s.UserByUsername(ctx, "JDOE")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.UserByIdentity(ctx, "ldapother", u.ExternUID)
	assert.True(t, errors.Is(err, ErrNotFound))

	dup := &User{Username: "jdoe", Provider: "ldapother", ExternUID: "x"}
	assert.True(t, errors.Is(s.CreateUser(ctx, dup), ErrConflict))

	got.State = StateLDAPBlocked
	require.NoError(t, s.UpdateUser(ctx, got))
	users, err := s.UsersByProvider(ctx, "ldapmain")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, StateLDAPBlocked, users[0].State)

	assert.True(t, errors.Is(s.UpdateUser(ctx, &User{ID: 42}), ErrNotFound))
	assert.Equal(t, 2, s.Writes())
	assert.Equal(t, 1, s.UserCount())
}

func TestMemoryStoreGroups(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := &User{Username: "a", Provider: "ldapmain", ExternUID: "uid=a"}
	b := &User{Username: "b", Provider: "ldapmain", ExternUID: "uid=b"}
	require.NoError(t, s.CreateUser(ctx, a))
	require.NoError(t, s.CreateUser(ctx, b))

	require.NoError(t, s.SetGroupMembers(ctx, "ldapmain", "Admins", []int64{b.ID, a.ID, b.ID}))
	ids, err := s.GroupMembers(ctx, "ldapmain", "admins")
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, ids)

	assert.True(t, errors.Is(s.SetGroupMembers(ctx, "ldapmain", "admins", []int64{99}), ErrNotFound))

	require.NoError(t, s.SetGroupMembers(ctx, "ldapmain", "admins", nil))
	ids, err = s.GroupMembers(ctx, "ldapmain", "admins")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
