package keyGenerator

import (
	"context"
	"fmt"

	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key types a generator may support.
const (
	KeyTypeSecp256k1 = "secp256k1"
	KeyTypeEd25519   = "ed25519"
)

// GeneratedKey is a freshly created signing key. PrivateKey is only set by
// backends that hand custody to the caller.
type GeneratedKey struct {
	KeyType    string
	Backend    string
	KeyID      string
	PublicKey  []byte
	PrivateKey []byte
}

// Record converts the key into the persisted form for a chain layer.
func (g *GeneratedKey) Record(chainLayer string) *persistence.KeyRecord {
	return &persistence.KeyRecord{
		ChainLayer: chainLayer,
		KeyType:    g.KeyType,
		Backend:    g.Backend,
		KeyID:      g.KeyID,
		PublicKey:  append([]byte(nil), g.PublicKey...),
		PrivateKey: append([]byte(nil), g.PrivateKey...),
	}
}

// EVMAddress derives the checksummed address of a 65-byte uncompressed
// secp256k1 public key.
func EVMAddress(publicKey []byte) (string, error) {
	pub, err := crypto.UnmarshalPubkey(publicKey)
	if err != nil {
		return "", fmt.Errorf("invalid secp256k1 public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// IKeyGenerator creates and signs with keys held by one backend.
//
// For secp256k1 keys Sign takes a 32-byte digest and returns a 65-byte
// [R || S || V] signature with V in {27, 28}. For ed25519 keys Sign takes the
// raw message and returns a 64-byte signature.
type IKeyGenerator interface {
	Backend() string
	Supports(keyType string) bool
	GenerateKey(ctx context.Context, keyType string, keyName string) (*GeneratedKey, error)
	Sign(ctx context.Context, key *persistence.KeyRecord, message []byte) ([]byte, error)
}

// Router dispatches to the first generator that supports a key type for new
// keys, and to the generator named by the record's backend for signing.
type Router struct {
	generators []IKeyGenerator
}

// NewRouter returns a Router trying generators in order.
func NewRouter(generators ...IKeyGenerator) (*Router, error) {
	if len(generators) == 0 {
		return nil, fmt.Errorf("at least one key generator is required")
	}
	for _, g := range generators {
		if g == nil {
			return nil, fmt.Errorf("key generator cannot be nil")
		}
	}
	return &Router{generators: generators}, nil
}

func (r *Router) Backend() string {
	return "router"
}

func (r *Router) Supports(keyType string) bool {
	for _, g := range r.generators {
		if g.Supports(keyType) {
			return true
		}
	}
	return false
}

func (r *Router) GenerateKey(ctx context.Context, keyType string, keyName string) (*GeneratedKey, error) {
	for _, g := range r.generators {
		if g.Supports(keyType) {
			return g.GenerateKey(ctx, keyType, keyName)
		}
	}
	return nil, fmt.Errorf("no key generator supports key type %q", keyType)
}

func (r *Router) Sign(ctx context.Context, key *persistence.KeyRecord, message []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("key record cannot be nil")
	}
	for _, g := range r.generators {
		if g.Backend() == key.Backend {
			return g.Sign(ctx, key, message)
		}
	}
	return nil, fmt.Errorf("no key generator for backend %q", key.Backend)
}
