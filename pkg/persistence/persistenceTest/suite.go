// Package persistenceTest holds the behavioral suite every ISignerPersistence
// backend must pass.
package persistenceTest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) persistence.ISignerPersistence

// NewSigner builds a signer record with one evm and one solana key.
func NewSigner(id, subject string, createdAt int64) *persistence.SignerRecord {
	return &persistence.SignerRecord{
		SignerID: id,
		Subject:  subject,
		AuthID:   "email:" + subject + "@example.com",
		Keys: map[string]*persistence.KeyRecord{
			"evm": {
				ChainLayer: "evm",
				KeyType:    "secp256k1",
				Backend:    persistence.BackendLocal,
				KeyID:      id + "-evm",
				PublicKey:  []byte{0x04, 1, 2, 3},
				PrivateKey: []byte{9, 9, 9},
			},
			"solana": {
				ChainLayer: "solana",
				KeyType:    "ed25519",
				Backend:    persistence.BackendAWSKMS,
				KeyID:      "arn:aws:kms:us-east-1:000000000000:key/" + id,
				PublicKey:  []byte{7, 7, 7},
			},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// RunSuite runs the shared behavioral tests against a backend.
func RunSuite(t *testing.T, newBackend Factory) {
	open := func(t *testing.T) persistence.ISignerPersistence {
		p := newBackend(t)
		t.Cleanup(func() { _ = p.Close() })
		return p
	}

	t.Run("SaveAndLoadSigner", func(t *testing.T) {
		p := open(t)
		signer := NewSigner("signer-1", "user-1", 100)

		require.NoError(t, p.SaveSigner(signer))

		loaded, err := p.LoadSigner("signer-1")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, signer, loaded)

		bySubject, err := p.LoadSignerBySubject("user-1")
		require.NoError(t, err)
		require.NotNil(t, bySubject)
		assert.Equal(t, "signer-1", bySubject.SignerID)
	})

	t.Run("LoadSigner_NotFound", func(t *testing.T) {
		p := open(t)

		loaded, err := p.LoadSigner("missing")
		require.NoError(t, err)
		assert.Nil(t, loaded)

		bySubject, err := p.LoadSignerBySubject("missing")
		require.NoError(t, err)
		assert.Nil(t, bySubject)
	})

	t.Run("SaveSigner_Invalid", func(t *testing.T) {
		p := open(t)

		err := p.SaveSigner(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nil SignerRecord")

		err = p.SaveSigner(&persistence.SignerRecord{Subject: "user"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signerId")
	})

	t.Run("SaveSigner_SubjectConflict", func(t *testing.T) {
		p := open(t)
		require.NoError(t, p.SaveSigner(NewSigner("signer-1", "user-1", 100)))

		err := p.SaveSigner(NewSigner("signer-2", "user-1", 200))
		require.Error(t, err)
		assert.True(t, errors.Is(err, persistence.ErrSubjectConflict))

		loaded, err := p.LoadSigner("signer-2")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("SaveSigner_Update", func(t *testing.T) {
		p := open(t)
		signer := NewSigner("signer-1", "user-1", 100)
		require.NoError(t, p.SaveSigner(signer))

		signer.DeviceVerified = true
		signer.UpdatedAt = 150
		require.NoError(t, p.SaveSigner(signer))

		loaded, err := p.LoadSigner("signer-1")
		require.NoError(t, err)
		assert.True(t, loaded.DeviceVerified)
		assert.Equal(t, int64(150), loaded.UpdatedAt)
	})

	t.Run("SaveSigner_SubjectChangeReindexes", func(t *testing.T) {
		p := open(t)
		signer := NewSigner("signer-1", "user-1", 100)
		require.NoError(t, p.SaveSigner(signer))

		signer.Subject = "user-2"
		require.NoError(t, p.SaveSigner(signer))

		old, err := p.LoadSignerBySubject("user-1")
		require.NoError(t, err)
		assert.Nil(t, old)

		current, err := p.LoadSignerBySubject("user-2")
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, "signer-1", current.SignerID)

		// the released subject can be claimed by another signer
		require.NoError(t, p.SaveSigner(NewSigner("signer-2", "user-1", 200)))
	})

	t.Run("ListSigners", func(t *testing.T) {
		p := open(t)

		empty, err := p.ListSigners()
		require.NoError(t, err)
		assert.Empty(t, empty)

		require.NoError(t, p.SaveSigner(NewSigner("c", "user-c", 300)))
		require.NoError(t, p.SaveSigner(NewSigner("b", "user-b", 100)))
		require.NoError(t, p.SaveSigner(NewSigner("a", "user-a", 100)))

		signers, err := p.ListSigners()
		require.NoError(t, err)
		require.Len(t, signers, 3)
		assert.Equal(t, "a", signers[0].SignerID)
		assert.Equal(t, "b", signers[1].SignerID)
		assert.Equal(t, "c", signers[2].SignerID)
	})

	t.Run("DeleteSigner", func(t *testing.T) {
		p := open(t)
		require.NoError(t, p.SaveSigner(NewSigner("signer-1", "user-1", 100)))

		require.NoError(t, p.DeleteSigner("signer-1"))

		loaded, err := p.LoadSigner("signer-1")
		require.NoError(t, err)
		assert.Nil(t, loaded)

		bySubject, err := p.LoadSignerBySubject("user-1")
		require.NoError(t, err)
		assert.Nil(t, bySubject)

		// idempotent
		require.NoError(t, p.DeleteSigner("signer-1"))
	})

	t.Run("OTPSessions", func(t *testing.T) {
		p := open(t)
		session := &persistence.OTPSession{
			SignerID:  "signer-1",
			CodeHash:  []byte{1, 2, 3},
			StartTime: time.Now().Unix(),
			Attempts:  1,
		}

		require.NoError(t, p.SaveOTPSession(session))

		loaded, err := p.LoadOTPSession("signer-1")
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, session, loaded)

		require.NoError(t, p.SaveOTPSession(&persistence.OTPSession{SignerID: "signer-2", CodeHash: []byte{4}}))
		sessions, err := p.ListOTPSessions()
		require.NoError(t, err)
		assert.Len(t, sessions, 2)

		require.NoError(t, p.DeleteOTPSession("signer-1"))
		loaded, err = p.LoadOTPSession("signer-1")
		require.NoError(t, err)
		assert.Nil(t, loaded)
		require.NoError(t, p.DeleteOTPSession("signer-1"))

		err = p.SaveOTPSession(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nil OTPSession")
	})

	t.Run("ServiceState", func(t *testing.T) {
		p := open(t)

		state, err := p.LoadServiceState()
		require.NoError(t, err)
		assert.Nil(t, state)

		saved := &persistence.ServiceState{ServiceStartTime: 1234, AttestationAddress: "0xabc"}
		require.NoError(t, p.SaveServiceState(saved))

		state, err = p.LoadServiceState()
		require.NoError(t, err)
		assert.Equal(t, saved, state)

		err = p.SaveServiceState(nil)
		require.Error(t, err)
	})

	t.Run("DeepCopy_Mutation", func(t *testing.T) {
		p := open(t)
		signer := NewSigner("signer-1", "user-1", 100)
		require.NoError(t, p.SaveSigner(signer))

		signer.Keys["evm"].PublicKey[0] = 0xff
		signer.DeviceVerified = true

		loaded, err := p.LoadSigner("signer-1")
		require.NoError(t, err)
		assert.Equal(t, byte(0x04), loaded.Keys["evm"].PublicKey[0])
		assert.False(t, loaded.DeviceVerified)

		loaded.Keys["evm"].PublicKey[0] = 0xee
		again, err := p.LoadSigner("signer-1")
		require.NoError(t, err)
		assert.Equal(t, byte(0x04), again.Keys["evm"].PublicKey[0])
	})

	t.Run("Close", func(t *testing.T) {
		p := newBackend(t)
		require.NoError(t, p.HealthCheck())

		require.NoError(t, p.Close())
		require.NoError(t, p.Close())

		err := p.HealthCheck()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "closed")

		err = p.SaveSigner(NewSigner("signer-1", "user-1", 100))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "closed")

		_, err = p.LoadSigner("signer-1")
		require.Error(t, err)
		_, err = p.ListOTPSessions()
		require.Error(t, err)
	})

	t.Run("ThreadSafety", func(t *testing.T) {
		p := open(t)

		const workers = 8
		const perWorker = 10
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					id := fmt.Sprintf("signer-%d-%d", w, i)
					assert.NoError(t, p.SaveSigner(NewSigner(id, "subject-"+id, int64(i))))
					_, err := p.LoadSigner(id)
					assert.NoError(t, err)
					_, err = p.ListSigners()
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		signers, err := p.ListSigners()
		require.NoError(t, err)
		assert.Len(t, signers, workers*perWorker)
	})
}
