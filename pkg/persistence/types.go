package persistence

import (
	"errors"
	"time"
)

// ErrSubjectConflict is returned when saving a signer whose subject already
// owns a different signer.
var ErrSubjectConflict = errors.New("subject already owns a signer")

// Key backends a KeyRecord can live in.
const (
	BackendLocal  = "local"
	BackendAWSKMS = "awsKms"
)

// KeyRecord is one chain layer's signing key for a signer.
type KeyRecord struct {
	// ChainLayer is "solana" or "evm".
	ChainLayer string `json:"chainLayer"`

	// KeyType is "ed25519" or "secp256k1".
	KeyType string `json:"keyType"`

	// Backend names the key generator that owns the private half.
	Backend string `json:"backend"`

	// KeyID identifies the key inside its backend (a KMS key id, or a uuid for
	// local keys).
	KeyID string `json:"keyId"`

	// PublicKey is the raw public key: 32 bytes for ed25519, 65-byte
	// uncompressed point for secp256k1.
	PublicKey []byte `json:"publicKey"`

	// PrivateKey is only set for the local backend.
	PrivateKey []byte `json:"privateKey,omitempty"`
}

// SignerRecord is everything the remote signer service knows about one user's
// signer.
type SignerRecord struct {
	// SignerID is the primary key.
	SignerID string `json:"signerId"`

	// Subject is the JWT subject that owns the signer. It is unique across
	// signers and used to look up the signer for authenticated requests.
	Subject string `json:"subject"`

	// AuthID is the identifier the host supplied at creation (for example
	// "email:user@example.com").
	AuthID string `json:"authId"`

	// Keys maps chain layer to key.
	Keys map[string]*KeyRecord `json:"keys"`

	// DeviceVerified flips to true after a successful OTP exchange. Until then
	// the signer reports the new-device status and refuses to sign.
	DeviceVerified bool `json:"deviceVerified"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Key returns the key for a chain layer, or nil.
func (s *SignerRecord) Key(chainLayer string) *KeyRecord {
	if s == nil || s.Keys == nil {
		return nil
	}
	return s.Keys[chainLayer]
}

// Clone returns a deep copy.
func (s *SignerRecord) Clone() *SignerRecord {
	if s == nil {
		return nil
	}
	out := *s
	out.Keys = make(map[string]*KeyRecord, len(s.Keys))
	for layer, k := range s.Keys {
		if k == nil {
			continue
		}
		kc := *k
		kc.PublicKey = append([]byte(nil), k.PublicKey...)
		if k.PrivateKey != nil {
			kc.PrivateKey = append([]byte(nil), k.PrivateKey...)
		}
		out.Keys[layer] = &kc
	}
	return &out
}

// OTPSession is an outstanding one-time-password challenge for a signer.
type OTPSession struct {
	// SignerID is the primary key; a signer has at most one open session.
	SignerID string `json:"signerId"`

	// CodeHash is the SHA-256 of the issued code.
	CodeHash []byte `json:"codeHash"`

	// StartTime is the Unix timestamp when the code was issued.
	StartTime int64 `json:"startTime"`

	// Attempts counts failed verifications.
	Attempts int `json:"attempts"`
}

// IsExpired reports whether the session is older than timeout at now.
func (s *OTPSession) IsExpired(now time.Time, timeout time.Duration) bool {
	if s == nil {
		return true
	}
	return now.Unix()-s.StartTime > int64(timeout/time.Second)
}

// Clone returns a deep copy.
func (s *OTPSession) Clone() *OTPSession {
	if s == nil {
		return nil
	}
	out := *s
	out.CodeHash = append([]byte(nil), s.CodeHash...)
	return &out
}

// ServiceState is operational state of the remote signer service that must
// survive restarts.
type ServiceState struct {
	// ServiceStartTime is the Unix timestamp of the last start.
	ServiceStartTime int64 `json:"serviceStartTime"`

	// AttestationAddress is the Ethereum address of the key that signs
	// attestation documents. A restart with a different key is logged.
	AttestationAddress string `json:"attestationAddress"`
}
