package awsKms

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/asn1"
	"fmt"
	"math/big"
	"testing"

	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeKMS holds secp256k1 keys in memory and answers like KMS: DER
// SubjectPublicKeyInfo for public keys, DER (r, s) for signatures.
type fakeKMS struct {
	keys    map[string]*ecdsa.PrivateKey
	aliases map[string]string
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{keys: map[string]*ecdsa.PrivateKey{}, aliases: map[string]string{}}
}

func (f *fakeKMS) CreateKey(ctx context.Context, in *kms.CreateKeyInput, _ ...func(*kms.Options)) (*kms.CreateKeyOutput, error) {
	if in.KeySpec != types.KeySpecEccSecgP256k1 {
		return nil, fmt.Errorf("unexpected key spec %s", in.KeySpec)
	}
	sk, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("key-%d", len(f.keys)+1)
	f.keys[id] = sk
	return &kms.CreateKeyOutput{KeyMetadata: &types.KeyMetadata{KeyId: aws.String(id)}}, nil
}

func (f *fakeKMS) CreateAlias(ctx context.Context, in *kms.CreateAliasInput, _ ...func(*kms.Options)) (*kms.CreateAliasOutput, error) {
	f.aliases[aws.ToString(in.AliasName)] = aws.ToString(in.TargetKeyId)
	return &kms.CreateAliasOutput{}, nil
}

func (f *fakeKMS) GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	sk, ok := f.keys[aws.ToString(in.KeyId)]
	if !ok {
		return nil, fmt.Errorf("NotFoundException")
	}
	der, err := asn1.Marshal(asn1EcPublicKey{
		EcPublicKeyInfo: asn1EcPublicKeyInfo{
			Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1},
			Parameters: asn1.ObjectIdentifier{1, 3, 132, 0, 10},
		},
		PublicKey: asn1.BitString{Bytes: crypto.FromECDSAPub(&sk.PublicKey), BitLength: 65 * 8},
	})
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{PublicKey: der}, nil
}

func (f *fakeKMS) Sign(ctx context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	sk, ok := f.keys[aws.ToString(in.KeyId)]
	if !ok {
		return nil, fmt.Errorf("NotFoundException")
	}
	// KMS does not normalize S, so neither does the fake.
	r, s, err := ecdsa.Sign(rand.Reader, sk, in.Message)
	if err != nil {
		return nil, err
	}
	der, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: der}, nil
}

func TestAWSKMSKeyGenerator(t *testing.T) {
	fake := newFakeKMS()
	gen := newWithClient(fake, Options{Region: "us-east-1", Environment: "test", AliasPrefix: "signer-bridge/"}, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, persistence.BackendAWSKMS, gen.Backend())
	assert.True(t, gen.Supports(keyGenerator.KeyTypeSecp256k1))
	assert.False(t, gen.Supports(keyGenerator.KeyTypeEd25519))

	key, err := gen.GenerateKey(ctx, keyGenerator.KeyTypeSecp256k1, "signer-1-evm")
	require.NoError(t, err)
	assert.Equal(t, "key-1", key.KeyID)
	assert.Len(t, key.PublicKey, 65)
	assert.Empty(t, key.PrivateKey)
	assert.Equal(t, "key-1", fake.aliases["alias/signer-bridge/signer-1-evm"])

	for i := 0; i < 10; i++ {
		digest := crypto.Keccak256([]byte(fmt.Sprintf("message %d", i)))
		sig, err := gen.Sign(ctx, key.Record("evm"), digest)
		require.NoError(t, err)
		require.Len(t, sig, 65)

		s := new(big.Int).SetBytes(sig[32:64])
		assert.True(t, s.Cmp(secp256k1HalfN) <= 0, "S must be low")

		recoverable := append([]byte(nil), sig...)
		recoverable[64] -= 27
		recovered, err := crypto.Ecrecover(digest, recoverable)
		require.NoError(t, err)
		assert.Equal(t, key.PublicKey, recovered)
	}
}

func TestAWSKMSKeyGenerator_Rejects(t *testing.T) {
	gen := newWithClient(newFakeKMS(), Options{}, zap.NewNop())
	ctx := context.Background()

	_, err := gen.GenerateKey(ctx, keyGenerator.KeyTypeEd25519, "k")
	require.Error(t, err)

	_, err = gen.Sign(ctx, &persistence.KeyRecord{KeyType: keyGenerator.KeyTypeSecp256k1, KeyID: "missing"}, make([]byte, 32))
	require.Error(t, err)

	_, err = gen.Sign(ctx, &persistence.KeyRecord{KeyType: keyGenerator.KeyTypeSecp256k1, KeyID: "k"}, []byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")

	_, err = parsePublicKeyDER([]byte("junk"))
	require.Error(t, err)
}
