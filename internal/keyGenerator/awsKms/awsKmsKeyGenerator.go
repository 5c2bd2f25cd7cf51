package awsKms

import (
	"context"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// kmsAPI is the subset of the KMS client the generator calls.
type kmsAPI interface {
	CreateKey(ctx context.Context, in *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, in *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// Options configures key creation.
type Options struct {
	Region string
	// Environment is written into the Environment tag of every key.
	Environment string
	// AliasPrefix is prepended to key names when creating aliases. Empty
	// disables aliases.
	AliasPrefix string
}

// AWSKMSKeyGenerator keeps secp256k1 signer keys inside AWS KMS. The private
// half never leaves KMS. ed25519 keys are not supported.
type AWSKMSKeyGenerator struct {
	logger    *zap.Logger
	kmsClient kmsAPI
	opts      Options
}

var _ keyGenerator.IKeyGenerator = (*AWSKMSKeyGenerator)(nil)

func NewAWSKMSKeyGenerator(awsCfg aws.Config, opts Options, logger *zap.Logger) *AWSKMSKeyGenerator {
	return newWithClient(kms.NewFromConfig(awsCfg), opts, logger)
}

func newWithClient(client kmsAPI, opts Options, logger *zap.Logger) *AWSKMSKeyGenerator {
	return &AWSKMSKeyGenerator{
		logger:    logger,
		kmsClient: client,
		opts:      opts,
	}
}

func (a *AWSKMSKeyGenerator) Backend() string {
	return persistence.BackendAWSKMS
}

func (a *AWSKMSKeyGenerator) Supports(keyType string) bool {
	return keyType == keyGenerator.KeyTypeSecp256k1
}

func (a *AWSKMSKeyGenerator) GenerateKey(ctx context.Context, keyType string, keyName string) (*keyGenerator.GeneratedKey, error) {
	if !a.Supports(keyType) {
		return nil, fmt.Errorf("aws kms does not support key type %q", keyType)
	}

	keyRes, err := a.createSigningKey(ctx, keyName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create secp256k1 key %s in region %s", keyName, a.opts.Region)
	}
	keyID := aws.ToString(keyRes.KeyMetadata.KeyId)

	if a.opts.AliasPrefix != "" {
		alias := a.opts.AliasPrefix + keyName
		if err := a.createKeyAlias(ctx, keyID, alias); err != nil {
			return nil, errors.Wrapf(err, "failed to create alias %s for key %s in region %s", alias, keyID, a.opts.Region)
		}
	}

	pub, err := a.publicKey(ctx, keyID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get public key for key %s in region %s", keyID, a.opts.Region)
	}

	a.logger.Sugar().Infow("Created KMS signing key",
		"key_name", keyName,
		"key_id", keyID,
		"region", a.opts.Region,
	)

	return &keyGenerator.GeneratedKey{
		KeyType:   keyType,
		Backend:   persistence.BackendAWSKMS,
		KeyID:     keyID,
		PublicKey: pub,
	}, nil
}

func (a *AWSKMSKeyGenerator) Sign(ctx context.Context, key *persistence.KeyRecord, message []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("key record cannot be nil")
	}
	if !a.Supports(key.KeyType) {
		return nil, fmt.Errorf("aws kms does not support key type %q", key.KeyType)
	}
	return a.signDigest(ctx, key.KeyID, key.PublicKey, message)
}

func (a *AWSKMSKeyGenerator) createSigningKey(ctx context.Context, keyName string) (*kms.CreateKeyOutput, error) {
	input := &kms.CreateKeyInput{
		KeyUsage:    types.KeyUsageTypeSignVerify,
		KeySpec:     types.KeySpecEccSecgP256k1,
		Description: aws.String(fmt.Sprintf("secp256k1 signer key - %s", keyName)),
		Tags: []types.Tag{
			{TagKey: aws.String("Name"), TagValue: aws.String(keyName)},
			{TagKey: aws.String("Environment"), TagValue: aws.String(a.opts.Environment)},
			{TagKey: aws.String("Purpose"), TagValue: aws.String("signer-bridge")},
			{TagKey: aws.String("Curve"), TagValue: aws.String("secp256k1")},
		},
	}

	result, err := a.kmsClient.CreateKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS key: %w", err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return nil, fmt.Errorf("KMS returned no key id")
	}
	return result, nil
}

func (a *AWSKMSKeyGenerator) createKeyAlias(ctx context.Context, keyID, aliasName string) error {
	_, err := a.kmsClient.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String("alias/" + aliasName),
		TargetKeyId: aws.String(keyID),
	})
	if err != nil {
		return fmt.Errorf("failed to create key alias: %w", err)
	}
	return nil
}

// publicKey fetches the key and returns it as a 65-byte uncompressed point.
func (a *AWSKMSKeyGenerator) publicKey(ctx context.Context, keyID string) ([]byte, error) {
	out, err := a.kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return parsePublicKeyDER(out.PublicKey)
}

type asn1EcSig struct {
	R asn1.RawValue
	S asn1.RawValue
}

type asn1EcPublicKey struct {
	EcPublicKeyInfo asn1EcPublicKeyInfo
	PublicKey       asn1.BitString
}

type asn1EcPublicKeyInfo struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.ObjectIdentifier
}

// parsePublicKeyDER unwraps the SubjectPublicKeyInfo KMS returns.
// crypto/x509 does not know secp256k1, hence the manual ASN.1.
func parsePublicKeyDER(der []byte) ([]byte, error) {
	var spki asn1EcPublicKey
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("failed to parse ASN.1 public key: %w", err)
	}
	if _, err := crypto.UnmarshalPubkey(spki.PublicKey.Bytes); err != nil {
		return nil, fmt.Errorf("invalid secp256k1 public key: %w", err)
	}
	return spki.PublicKey.Bytes, nil
}

var (
	secp256k1N, _  = new(big.Int).SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// signDigest asks KMS for a DER signature over digest, normalizes S to the
// lower half of the curve order and finds the recovery id matching pub.
func (a *AWSKMSKeyGenerator) signDigest(ctx context.Context, keyID string, pub []byte, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("hash must be exactly 32 bytes, got %d", len(digest))
	}

	if len(pub) == 0 {
		var err error
		if pub, err = a.publicKey(ctx, keyID); err != nil {
			return nil, err
		}
	}

	out, err := a.kmsClient.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyID),
		Message:          digest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
		MessageType:      types.MessageTypeDigest,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "kms sign failed for key %s", keyID)
	}

	var der asn1EcSig
	if _, err := asn1.Unmarshal(out.Signature, &der); err != nil {
		return nil, fmt.Errorf("failed to parse KMS signature: %w", err)
	}

	r := new(big.Int).SetBytes(der.R.Bytes)
	s := new(big.Int).SetBytes(der.S.Bytes)
	if s.Cmp(secp256k1HalfN) > 0 {
		s = new(big.Int).Sub(secp256k1N, s)
	}

	sig := make([]byte, 65)
	r.FillBytes(sig[0:32])
	s.FillBytes(sig[32:64])

	for recoveryID := byte(0); recoveryID < 4; recoveryID++ {
		sig[64] = recoveryID
		recovered, err := crypto.Ecrecover(digest, sig)
		if err != nil {
			a.logger.Sugar().Debugw("Ecrecover failed", "recovery_id", recoveryID, "error", err)
			continue
		}
		if string(recovered) == string(pub) {
			sig[64] = 27 + recoveryID
			return sig, nil
		}
	}

	return nil, fmt.Errorf("could not determine valid recovery ID - signature recovery failed")
}
