package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveEncryptionKey(t *testing.T) {
	k1, err := DeriveEncryptionKey("secret")
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := DeriveEncryptionKey("secret")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	_, err = DeriveEncryptionKey("")
	assert.Error(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	key, _ := DeriveEncryptionKey("secret")

	enc, err := encrypt(key, "hello")
	require.NoError(t, err)
	assert.NotEqual(t, "hello", enc)

	enc2, err := encrypt(key, "hello")
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2, "nonce must differ")

	plain, err := decrypt(key, enc)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	key, _ := DeriveEncryptionKey("secret")
	plain, err := decrypt(key, "not-hex!")
	require.NoError(t, err)
	assert.Equal(t, "not-hex!", plain)
}
