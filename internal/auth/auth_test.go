package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truthgate/gateway/internal/domain"
)

func TestVerifyPasswordAcceptsCorrectCredentials(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	users := []domain.LocalUser{{Username: "alice", PasswordHash: hash}}

	assert.True(t, VerifyPassword(users, "alice", "correct horse battery staple"))
	assert.False(t, VerifyPassword(users, "alice", "wrong password"))
}

func TestVerifyPasswordRejectsUnknownUserWithoutDisclosing(t *testing.T) {
	hash, err := HashPassword("whatever")
	require.NoError(t, err)
	users := []domain.LocalUser{{Username: "alice", PasswordHash: hash}}

	assert.False(t, VerifyPassword(users, "bob", "anything"))
}

func TestVerifyAdminKeyChecksEveryHash(t *testing.T) {
	hash1, err := HashPassword("key-one")
	require.NoError(t, err)
	hash2, err := HashPassword("key-two")
	require.NoError(t, err)
	keys := []domain.HashedAdminKey{{Hash: hash1}, {Hash: hash2}}

	assert.True(t, VerifyAdminKey(keys, "key-one"))
	assert.True(t, VerifyAdminKey(keys, "key-two"))
	assert.False(t, VerifyAdminKey(keys, "key-three"))
	assert.False(t, VerifyAdminKey(keys, ""))
}

func TestRotatingKeyAcceptsCurrentAndPreviousDuringGraceWindow(t *testing.T) {
	k, err := NewRotatingKey(time.Hour)
	require.NoError(t, err)

	first := k.Current()
	assert.True(t, k.Valid(first))

	require.NoError(t, k.rotate())
	second := k.Current()
	assert.NotEqual(t, first, second)

	assert.True(t, k.Valid(second), "current key must validate")
	assert.True(t, k.Valid(first), "immediately-previous key must still validate")
	assert.False(t, k.Valid("some-stale-key"))
}

func TestRotatingKeyMaybeRotateOnlyWhenDue(t *testing.T) {
	k, err := NewRotatingKey(time.Hour)
	require.NoError(t, err)
	before := k.Current()

	require.NoError(t, k.MaybeRotate())
	assert.Equal(t, before, k.Current(), "not due yet, should not rotate")

	k.interval = 0
	k.generatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, k.MaybeRotate())
	assert.NotEqual(t, before, k.Current())
}
