package encryption

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	fuzzPrivKeyPEM []byte
	fuzzPubKeyPEM  []byte
)

func init() {
	// 1024-bit keys keep fuzzing fast; Encrypt/Decrypt refuse them.
	priv, pub, err := GenerateKeyPairForTesting(1024)
	if err == nil {
		fuzzPrivKeyPEM = priv
		fuzzPubKeyPEM = pub
	}
}

// OAEP with SHA-256 on a 1024-bit modulus carries at most 62 bytes.
const fuzzMaxPlaintext = 62

func FuzzRSAEncryptDecrypt(f *testing.F) {
	if fuzzPrivKeyPEM == nil {
		f.Skip("failed to generate RSA keypair for fuzzing")
	}

	f.Add([]byte("000000"))
	f.Add([]byte("999999"))
	f.Add([]byte{})
	f.Add(make([]byte, fuzzMaxPlaintext))

	f.Fuzz(func(t *testing.T, otp []byte) {
		if len(otp) > fuzzMaxPlaintext {
			otp = otp[:fuzzMaxPlaintext]
		}

		r := NewRSAEncryption()
		sealed, err := r.EncryptForTesting(otp, fuzzPubKeyPEM)
		require.NoError(t, err)

		opened, err := r.DecryptForTesting(sealed, fuzzPrivKeyPEM)
		require.NoError(t, err)
		require.Equal(t, len(otp), len(opened))
		if len(otp) > 0 {
			require.Equal(t, otp, opened)
		}
	})
}

func FuzzRSARejectsWeakKeys(f *testing.F) {
	if fuzzPubKeyPEM == nil {
		f.Skip("failed to generate RSA keypair for fuzzing")
	}
	f.Add([]byte("123456"))

	f.Fuzz(func(t *testing.T, otp []byte) {
		if len(otp) > fuzzMaxPlaintext {
			otp = otp[:fuzzMaxPlaintext]
		}

		_, err := NewRSAEncryption().Encrypt(otp, fuzzPubKeyPEM)
		require.Error(t, err)
		require.Contains(t, err.Error(), "RSA key too weak")

		_, err = NewRSAEncryption().Decrypt([]byte{1}, fuzzPrivKeyPEM)
		require.Error(t, err)
		require.Contains(t, err.Error(), "RSA key too weak")
	})
}
