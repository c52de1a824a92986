package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyGuest(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)

	ident, token, err := issuer.IssueGuest()
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Len(t, ident.ID, 32)
	assert.Contains(t, ident.Name, "guest-")

	got, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, got.ID)
	assert.Equal(t, ident.Name, got.Name)
	assert.WithinDuration(t, ident.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestVerifyMalformedToken(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)

	for _, tok := range []string{"", "garbage", "a.b.c"} {
		_, err := issuer.Verify(tok)
		assert.ErrorIs(t, err, ErrTokenInvalid, "token %q", tok)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := NewIssuer([]byte("secret-one"), time.Hour)
	other := NewIssuer([]byte("secret-two"), time.Hour)

	_, token, err := issuer.IssueGuest()
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyExpiredToken(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Minute)

	// Issue in the past, verify in the present.
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	_, token, err := issuer.IssueGuest()
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestGuestIDsAreUnique(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ident, _, err := issuer.IssueGuest()
		require.NoError(t, err)
		require.False(t, seen[ident.ID], "duplicate guest id %s", ident.ID)
		seen[ident.ID] = true
	}
}

func TestIssueForKeepsIdentity(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)

	ident, token, err := issuer.IssueFor("7a92c202", "alice")
	require.NoError(t, err)
	assert.Equal(t, "7a92c202", ident.ID)

	got, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "7a92c202", got.ID)
	assert.Equal(t, "alice", got.Name)
}
