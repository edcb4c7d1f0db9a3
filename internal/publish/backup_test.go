package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	plaintext := []byte("super secret ipns key export")
	saltB64, cipherB64, err := seal(plaintext, "correct horse battery staple")
	require.NoError(t, err)

	got, err := unseal(saltB64, cipherB64, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestUnsealWrongPassphraseFails(t *testing.T) {
	saltB64, cipherB64, err := seal([]byte("payload"), "right-passphrase")
	require.NoError(t, err)

	_, err = unseal(saltB64, cipherB64, "wrong-passphrase")
	assert.Error(t, err)
}

func TestUnsealTamperedCiphertextFails(t *testing.T) {
	saltB64, cipherB64, err := seal([]byte("payload"), "passphrase")
	require.NoError(t, err)

	tampered := cipherB64[:len(cipherB64)-4] + "AAAA"
	_, err = unseal(saltB64, tampered, "passphrase")
	assert.Error(t, err)
}
