package localKeyGenerator

import (
	"context"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator"
	"github.com/Crossmint/signer-bridge-go/pkg/logger"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *LocalKeyGenerator {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: true})
	require.NoError(t, err)
	return NewLocalKeyGenerator(l)
}

func Test_LocalKeyGenerator(t *testing.T) {
	generator := setup(t)
	ctx := context.Background()

	t.Run("Should report the local backend", func(t *testing.T) {
		assert.Equal(t, persistence.BackendLocal, generator.Backend())
		assert.True(t, generator.Supports(keyGenerator.KeyTypeSecp256k1))
		assert.True(t, generator.Supports(keyGenerator.KeyTypeEd25519))
		assert.False(t, generator.Supports("rsa"))
	})

	t.Run("Should generate a secp256k1 key and sign a digest", func(t *testing.T) {
		key, err := generator.GenerateKey(ctx, keyGenerator.KeyTypeSecp256k1, "signer-1-evm")
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(key.KeyID, "local-key-"))
		assert.Len(t, key.PublicKey, 65)
		assert.Len(t, key.PrivateKey, 32)

		record := key.Record("evm")
		digest := crypto.Keccak256([]byte("hello"))
		sig, err := generator.Sign(ctx, record, digest)
		require.NoError(t, err)
		require.Len(t, sig, 65)
		assert.Contains(t, []byte{27, 28}, sig[64])

		recoverable := append([]byte(nil), sig...)
		recoverable[64] -= 27
		recovered, err := crypto.Ecrecover(digest, recoverable)
		require.NoError(t, err)
		assert.Equal(t, key.PublicKey, recovered)
	})

	t.Run("Should generate an ed25519 key and sign a message", func(t *testing.T) {
		key, err := generator.GenerateKey(ctx, keyGenerator.KeyTypeEd25519, "signer-1-solana")
		require.NoError(t, err)
		assert.Len(t, key.PublicKey, ed25519.PublicKeySize)

		msg := []byte("any length message")
		sig, err := generator.Sign(ctx, key.Record("solana"), msg)
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(key.PublicKey, msg, sig))
	})

	t.Run("Should generate unique keys", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 5; i++ {
			key, err := generator.GenerateKey(ctx, keyGenerator.KeyTypeSecp256k1, "k")
			require.NoError(t, err)
			assert.False(t, seen[key.KeyID])
			seen[key.KeyID] = true
		}
	})

	t.Run("Should reject bad input", func(t *testing.T) {
		_, err := generator.GenerateKey(ctx, "rsa", "k")
		require.Error(t, err)

		key, err := generator.GenerateKey(ctx, keyGenerator.KeyTypeSecp256k1, "k")
		require.NoError(t, err)
		_, err = generator.Sign(ctx, key.Record("evm"), []byte("short"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "32 bytes")

		_, err = generator.Sign(ctx, &persistence.KeyRecord{KeyID: "x", KeyType: keyGenerator.KeyTypeEd25519}, []byte("m"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no local private key")

		_, err = generator.Sign(ctx, nil, []byte("m"))
		require.Error(t, err)
	})
}

func Test_Router(t *testing.T) {
	local := setup(t)
	ctx := context.Background()

	_, err := keyGenerator.NewRouter()
	require.Error(t, err)

	router, err := keyGenerator.NewRouter(local)
	require.NoError(t, err)
	assert.True(t, router.Supports(keyGenerator.KeyTypeEd25519))

	key, err := router.GenerateKey(ctx, keyGenerator.KeyTypeEd25519, "k")
	require.NoError(t, err)
	sig, err := router.Sign(ctx, key.Record("solana"), []byte("m"))
	require.NoError(t, err)
	assert.Len(t, sig, ed25519.SignatureSize)

	_, err = router.Sign(ctx, &persistence.KeyRecord{Backend: persistence.BackendAWSKMS}, []byte("m"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key generator for backend")

	addr, err := keyGenerator.EVMAddress(mustSecpKey(t, router).PublicKey)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "0x"))
	assert.Len(t, addr, 42)
}

func mustSecpKey(t *testing.T, g keyGenerator.IKeyGenerator) *keyGenerator.GeneratedKey {
	key, err := g.GenerateKey(context.Background(), keyGenerator.KeyTypeSecp256k1, "k")
	require.NoError(t, err)
	return key
}
