// Package attestation issues and verifies the documents a remote signer
// service hands to the host so the host can trust the RSA key it encrypts
// OTPs with.
//
// A document binds the service's RSA public key, a host supplied challenge and
// an issue time under a secp256k1 signature:
//
//	digest    = keccak256(abi.encode(publicKey, signer, challenge, issuedAt))
//	signature = secp256k1 [R || S || V], V in {27, 28}
//
// The host checks that the signature recovers to the claimed signer address,
// that the signer is one it trusts, that the challenge is the one it sent and
// that the document is fresh.
package attestation

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultMaxAge bounds how old a document may be when verified.
const DefaultMaxAge = 5 * time.Minute

// Document is the attestationDocument of a get-attestation response.
type Document struct {
	// PublicKey is the PEM encoded RSA key OTPs are encrypted to.
	PublicKey string `json:"publicKey"`
	// Signer is the 0x address of the attestation key.
	Signer string `json:"signer"`
	// Challenge echoes the host's challenge.
	Challenge string `json:"challenge"`
	// IssuedAt is a Unix timestamp in seconds.
	IssuedAt int64 `json:"issuedAt"`
	// Signature is the 0x hex [R || S || V] signature over Digest.
	Signature string `json:"signature"`
}

// ToMap converts the document for the wire.
func (d *Document) ToMap() (map[string]any, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attestation document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attestation document: %w", err)
	}
	return m, nil
}

// DocumentFromMap reads a document received on the wire.
func DocumentFromMap(m map[string]any) (*Document, error) {
	if m == nil {
		return nil, fmt.Errorf("attestation document is missing")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attestation document: %w", err)
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("malformed attestation document: %w", err)
	}
	return &d, nil
}

var digestArgs = func() abi.Arguments {
	stringType, _ := abi.NewType("string", "", nil)
	addressType, _ := abi.NewType("address", "", nil)
	uint64Type, _ := abi.NewType("uint64", "", nil)
	return abi.Arguments{
		{Type: stringType},
		{Type: addressType},
		{Type: stringType},
		{Type: uint64Type},
	}
}()

// Digest is the 32-byte hash the signature covers.
func (d *Document) Digest() ([]byte, error) {
	if !common.IsHexAddress(d.Signer) {
		return nil, fmt.Errorf("invalid signer address %q", d.Signer)
	}
	if d.IssuedAt < 0 {
		return nil, fmt.Errorf("invalid issuedAt %d", d.IssuedAt)
	}
	packed, err := digestArgs.Pack(d.PublicKey, common.HexToAddress(d.Signer), d.Challenge, uint64(d.IssuedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to encode attestation document: %w", err)
	}
	return crypto.Keccak256(packed), nil
}

// Issuer signs documents with one attestation key.
type Issuer struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	publicKey string
	now       func() time.Time
}

// NewIssuer signs with the hex encoded secp256k1 key, or a fresh key when
// keyHex is empty. rsaPublicKeyPEM is the key every document attests.
func NewIssuer(keyHex string, rsaPublicKeyPEM string) (*Issuer, error) {
	if strings.TrimSpace(rsaPublicKeyPEM) == "" {
		return nil, fmt.Errorf("rsa public key is required")
	}

	var key *ecdsa.PrivateKey
	var err error
	if keyHex == "" {
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attestation key: %w", err)
	}

	return &Issuer{
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		publicKey: rsaPublicKeyPEM,
		now:       time.Now,
	}, nil
}

// Address is the checksummed address hosts should trust.
func (i *Issuer) Address() string {
	return i.address.Hex()
}

// PublicKey returns the attested RSA key.
func (i *Issuer) PublicKey() string {
	return i.publicKey
}

// Issue signs a new document for challenge.
func (i *Issuer) Issue(challenge string) (*Document, error) {
	doc := &Document{
		PublicKey: i.publicKey,
		Signer:    i.address.Hex(),
		Challenge: challenge,
		IssuedAt:  i.now().Unix(),
	}
	digest, err := doc.Digest()
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, i.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation document: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	doc.Signature = hexutil.Encode(sig)
	return doc, nil
}

// VerifierOptions configure document checks.
type VerifierOptions struct {
	// Trusted lists acceptable signer addresses. Empty accepts any signer
	// whose signature verifies.
	Trusted []string
	// MaxAge defaults to DefaultMaxAge.
	MaxAge time.Duration
	// FutureSkew tolerates issuer clocks running ahead.
	FutureSkew time.Duration
}

// Verifier checks documents on the host side.
type Verifier struct {
	trusted    map[common.Address]struct{}
	maxAge     time.Duration
	futureSkew time.Duration
	now        func() time.Time
}

func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	v := &Verifier{
		trusted:    make(map[common.Address]struct{}, len(opts.Trusted)),
		maxAge:     opts.MaxAge,
		futureSkew: opts.FutureSkew,
		now:        time.Now,
	}
	if v.maxAge <= 0 {
		v.maxAge = DefaultMaxAge
	}
	for _, addr := range opts.Trusted {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid trusted address %q", addr)
		}
		v.trusted[common.HexToAddress(addr)] = struct{}{}
	}
	return v, nil
}

// Verify checks doc against the challenge the host sent. An empty
// expectedChallenge skips the challenge check.
func (v *Verifier) Verify(doc *Document, expectedChallenge string) error {
	if doc == nil {
		return fmt.Errorf("attestation document is missing")
	}
	if strings.TrimSpace(doc.PublicKey) == "" {
		return fmt.Errorf("attestation document has no public key")
	}
	if doc.Signature == "" {
		return fmt.Errorf("attestation document has no signature")
	}
	if expectedChallenge != "" && doc.Challenge != expectedChallenge {
		return fmt.Errorf("attestation challenge mismatch")
	}

	signer, err := RecoverSigner(doc)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer.Hex(), doc.Signer) {
		return fmt.Errorf("attestation signature does not match signer %s", doc.Signer)
	}
	if len(v.trusted) > 0 {
		if _, ok := v.trusted[signer]; !ok {
			return fmt.Errorf("attestation signer %s is not trusted", signer.Hex())
		}
	}

	issued := time.Unix(doc.IssuedAt, 0)
	age := v.now().Sub(issued)
	if age < -v.futureSkew {
		return fmt.Errorf("attestation issued in the future")
	}
	if age > v.maxAge {
		return fmt.Errorf("attestation expired (age: %v, max: %v)", age, v.maxAge)
	}
	return nil
}

// RecoverSigner returns the address that produced doc's signature.
func RecoverSigner(doc *Document) (common.Address, error) {
	sig, err := hexutil.Decode(doc.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid attestation signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid attestation signature length: %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	digest, err := doc.Digest()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover attestation signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
