// Package encryption wraps the RSA-OAEP scheme the client uses to seal OTP
// codes for the attested signer service.
package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// MinKeyBits is the smallest modulus Encrypt and Decrypt accept.
const MinKeyBits = 2048

// RSAEncryption seals and opens short payloads with RSA-OAEP (SHA-256).
type RSAEncryption struct {
	minBits int
}

// NewRSAEncryption returns an instance that rejects keys under MinKeyBits.
func NewRSAEncryption() *RSAEncryption {
	return &RSAEncryption{minBits: MinKeyBits}
}

// Encrypt seals plaintext for the PEM (PKIX) encoded public key.
func (e *RSAEncryption) Encrypt(plaintext, publicKeyPEM []byte) ([]byte, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	if err := e.checkSize(pub.N.BitLen()); err != nil {
		return nil, err
	}
	return encrypt(plaintext, pub)
}

// Decrypt opens ciphertext with the PEM (PKCS#1 or PKCS#8) private key.
func (e *RSAEncryption) Decrypt(ciphertext, privateKeyPEM []byte) ([]byte, error) {
	priv, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	if err := e.checkSize(priv.N.BitLen()); err != nil {
		return nil, err
	}
	return decrypt(ciphertext, priv)
}

// EncryptForTesting is Encrypt without the key size check.
func (e *RSAEncryption) EncryptForTesting(plaintext, publicKeyPEM []byte) ([]byte, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return encrypt(plaintext, pub)
}

// DecryptForTesting is Decrypt without the key size check.
func (e *RSAEncryption) DecryptForTesting(ciphertext, privateKeyPEM []byte) ([]byte, error) {
	priv, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return decrypt(ciphertext, priv)
}

func (e *RSAEncryption) checkSize(bits int) error {
	if bits < e.minBits {
		return fmt.Errorf("RSA key too weak: %d bits (minimum %d)", bits, e.minBits)
	}
	return nil
}

func encrypt(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return ciphertext, nil
}

func decrypt(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// ParsePublicKey decodes a PEM "PUBLIC KEY" block.
func ParsePublicKey(publicKeyPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return pub, nil
}

// ParsePrivateKey decodes a PEM private key in PKCS#1 or PKCS#8 form.
func ParsePrivateKey(privateKeyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return priv, nil
}

// GenerateKeyPair creates a PEM encoded key pair of at least MinKeyBits.
func GenerateKeyPair(bits int) (privateKeyPEM, publicKeyPEM []byte, err error) {
	if bits < MinKeyBits {
		return nil, nil, fmt.Errorf("RSA key too weak: %d bits (minimum %d)", bits, MinKeyBits)
	}
	return GenerateKeyPairForTesting(bits)
}

// GenerateKeyPairForTesting is GenerateKeyPair without the size floor.
func GenerateKeyPairForTesting(bits int) (privateKeyPEM, publicKeyPEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})

	publicKeyPEM, err = MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return privateKeyPEM, publicKeyPEM, nil
}

// MarshalPublicKey encodes pub as a PEM "PUBLIC KEY" block.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// LoadOrGenerateKeyPair reads a PEM private key from path, or generates a
// fresh MinKeyBits pair when path is empty.
func LoadOrGenerateKeyPair(path string) (privateKeyPEM, publicKeyPEM []byte, err error) {
	if path == "" {
		return GenerateKeyPair(MinKeyBits)
	}

	privateKeyPEM, err = os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read RSA key file: %w", err)
	}
	priv, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, nil, err
	}
	if priv.N.BitLen() < MinKeyBits {
		return nil, nil, fmt.Errorf("RSA key too weak: %d bits (minimum %d)", priv.N.BitLen(), MinKeyBits)
	}
	publicKeyPEM, err = MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return privateKeyPEM, publicKeyPEM, nil
}
