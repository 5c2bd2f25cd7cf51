package encryption

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSAEncryption_RoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair(MinKeyBits)
	require.NoError(t, err)

	r := NewRSAEncryption()
	ciphertext, err := r.Encrypt([]byte("123456"), pub)
	require.NoError(t, err)
	assert.Len(t, ciphertext, MinKeyBits/8)

	plaintext, err := r.Decrypt(ciphertext, priv)
	require.NoError(t, err)
	assert.Equal(t, "123456", string(plaintext))
}

func TestRSAEncryption_WrongKey(t *testing.T) {
	_, pub, err := GenerateKeyPair(MinKeyBits)
	require.NoError(t, err)
	otherPriv, _, err := GenerateKeyPair(MinKeyBits)
	require.NoError(t, err)

	r := NewRSAEncryption()
	ciphertext, err := r.Encrypt([]byte("123456"), pub)
	require.NoError(t, err)

	_, err = r.Decrypt(ciphertext, otherPriv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestRSAEncryption_BadPEM(t *testing.T) {
	r := NewRSAEncryption()

	_, err := r.Encrypt([]byte("x"), []byte("not pem"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode PEM block")

	_, err = r.Decrypt([]byte("x"), []byte("not pem"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode PEM block")
}

func TestGenerateKeyPair_RejectsWeakSize(t *testing.T) {
	_, _, err := GenerateKeyPair(1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RSA key too weak")
}

func TestLoadOrGenerateKeyPair(t *testing.T) {
	priv, pub, err := LoadOrGenerateKeyPair("")
	require.NoError(t, err)
	require.NotEmpty(t, priv)

	path := filepath.Join(t.TempDir(), "otp.pem")
	require.NoError(t, os.WriteFile(path, priv, 0o600))

	loadedPriv, loadedPub, err := LoadOrGenerateKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, priv, loadedPriv)
	assert.Equal(t, pub, loadedPub)

	_, _, err = LoadOrGenerateKeyPair(filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
}
