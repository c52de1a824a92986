package users

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create(User{ID: "u1", Username: "dana"}, "hunter2"))

	user, err := store.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "dana", user.Username)

	user, err = store.GetByName("dana")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
}

func TestGetUnknown(t *testing.T) {
	store := NewStore()

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByName("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthenticate(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create(User{ID: "u1", Username: "dana"}, "hunter2"))

	user, err := store.Authenticate("dana", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = store.Authenticate("dana", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = store.Authenticate("ghost", "hunter2")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAuthenticateDisabled(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create(User{ID: "u1", Username: "dana", Disabled: true}, "hunter2"))

	_, err := store.Authenticate("dana", "hunter2")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestSeed(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Seed())

	for _, name := range []string{"alice", "bob", "charlie"} {
		user, err := store.Authenticate(name, name)
		require.NoError(t, err, "seed user %s", name)
		assert.Equal(t, name, user.Username)
	}
}
