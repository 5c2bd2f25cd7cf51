package localKeyGenerator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalKeyGenerator creates keys in process. The private key travels back in
// GeneratedKey and is persisted alongside the signer record, so any replica
// with access to the store can sign.
type LocalKeyGenerator struct {
	logger *zap.Logger
}

var _ keyGenerator.IKeyGenerator = (*LocalKeyGenerator)(nil)

func NewLocalKeyGenerator(logger *zap.Logger) *LocalKeyGenerator {
	return &LocalKeyGenerator{logger: logger}
}

func (l *LocalKeyGenerator) Backend() string {
	return persistence.BackendLocal
}

func (l *LocalKeyGenerator) Supports(keyType string) bool {
	return keyType == keyGenerator.KeyTypeSecp256k1 || keyType == keyGenerator.KeyTypeEd25519
}

func (l *LocalKeyGenerator) GenerateKey(ctx context.Context, keyType string, keyName string) (*keyGenerator.GeneratedKey, error) {
	keyID := fmt.Sprintf("local-key-%s", uuid.New().String())

	var pub, priv []byte
	switch keyType {
	case keyGenerator.KeyTypeSecp256k1:
		sk, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secp256k1 key: %w", err)
		}
		pub = crypto.FromECDSAPub(&sk.PublicKey)
		priv = crypto.FromECDSA(sk)
	case keyGenerator.KeyTypeEd25519:
		edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		pub = edPub
		priv = edPriv.Seed()
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}

	l.logger.Sugar().Debugw("Generated local signing key",
		"key_name", keyName,
		"key_id", keyID,
		"key_type", keyType,
	)

	return &keyGenerator.GeneratedKey{
		KeyType:    keyType,
		Backend:    persistence.BackendLocal,
		KeyID:      keyID,
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

func (l *LocalKeyGenerator) Sign(ctx context.Context, key *persistence.KeyRecord, message []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("key record cannot be nil")
	}
	if len(key.PrivateKey) == 0 {
		return nil, fmt.Errorf("key %s has no local private key", key.KeyID)
	}

	switch key.KeyType {
	case keyGenerator.KeyTypeSecp256k1:
		if len(message) != 32 {
			return nil, fmt.Errorf("hash must be exactly 32 bytes, got %d", len(message))
		}
		sk, err := crypto.ToECDSA(key.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load secp256k1 key %s: %w", key.KeyID, err)
		}
		sig, err := crypto.Sign(message, sk)
		if err != nil {
			return nil, fmt.Errorf("failed to sign message with key %s: %w", key.KeyID, err)
		}
		sig[64] += 27
		return sig, nil
	case keyGenerator.KeyTypeEd25519:
		if len(key.PrivateKey) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid ed25519 seed length %d", len(key.PrivateKey))
		}
		return ed25519.Sign(ed25519.NewKeyFromSeed(key.PrivateKey), message), nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", key.KeyType)
	}
}
