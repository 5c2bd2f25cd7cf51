package memory

import (
	"fmt"
	"sync"

	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"go.uber.org/zap"
)

// MemoryPersistence is an in-memory implementation of ISignerPersistence.
// This implementation is intended for TESTING ONLY.
//
// All data is stored in memory and will be lost when the process exits.
// Thread-safe using sync.RWMutex for concurrent access.
// Deep copies data to prevent external mutation.
type MemoryPersistence struct {
	mu sync.RWMutex

	// Signer storage: signerID -> SignerRecord
	signers map[string]*persistence.SignerRecord

	// Subject index: subject -> signerID
	subjects map[string]string

	// OTP sessions: signerID -> OTPSession
	otpSessions map[string]*persistence.OTPSession

	serviceState *persistence.ServiceState

	closed bool
}

// NewMemoryPersistence creates a new in-memory persistence layer.
// Logs a loud warning since this should only be used for testing.
func NewMemoryPersistence(logger *zap.Logger) *MemoryPersistence {
	if logger != nil {
		logger.Sugar().Warnw("Using in-memory persistence - ALL SIGNERS WILL BE LOST ON RESTART",
			"hint", "set SIGNER_BRIDGE_PERSISTENCE_TYPE=badger or redis for anything but tests")
	}

	return &MemoryPersistence{
		signers:     make(map[string]*persistence.SignerRecord),
		subjects:    make(map[string]string),
		otpSessions: make(map[string]*persistence.OTPSession),
	}
}

// SaveSigner persists a signer record.
func (m *MemoryPersistence) SaveSigner(signer *persistence.SignerRecord) error {
	if signer == nil {
		return fmt.Errorf("cannot save nil SignerRecord")
	}
	if signer.SignerID == "" {
		return fmt.Errorf("cannot save SignerRecord without signerId")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	if owner, ok := m.subjects[signer.Subject]; ok && owner != signer.SignerID {
		return fmt.Errorf("%w: %s", persistence.ErrSubjectConflict, signer.Subject)
	}
	if previous, ok := m.signers[signer.SignerID]; ok && previous.Subject != signer.Subject {
		delete(m.subjects, previous.Subject)
	}

	// Deep copy to prevent external mutation
	m.signers[signer.SignerID] = signer.Clone()
	if signer.Subject != "" {
		m.subjects[signer.Subject] = signer.SignerID
	}

	return nil
}

// LoadSigner retrieves a signer by id.
func (m *MemoryPersistence) LoadSigner(signerID string) (*persistence.SignerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	signer, exists := m.signers[signerID]
	if !exists {
		return nil, nil // Not found is not an error
	}

	return signer.Clone(), nil
}

// LoadSignerBySubject retrieves the signer owned by subject.
func (m *MemoryPersistence) LoadSignerBySubject(subject string) (*persistence.SignerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	signerID, exists := m.subjects[subject]
	if !exists {
		return nil, nil
	}

	return m.signers[signerID].Clone(), nil
}

// ListSigners returns all signers in creation order.
func (m *MemoryPersistence) ListSigners() ([]*persistence.SignerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	result := make([]*persistence.SignerRecord, 0, len(m.signers))
	for _, signer := range m.signers {
		result = append(result, signer.Clone())
	}
	persistence.SortSigners(result)

	return result, nil
}

// DeleteSigner removes a signer.
func (m *MemoryPersistence) DeleteSigner(signerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	if signer, ok := m.signers[signerID]; ok {
		if m.subjects[signer.Subject] == signerID {
			delete(m.subjects, signer.Subject)
		}
		delete(m.signers, signerID)
	}
	return nil
}

// SaveOTPSession persists an OTP challenge.
func (m *MemoryPersistence) SaveOTPSession(session *persistence.OTPSession) error {
	if session == nil {
		return fmt.Errorf("cannot save nil OTPSession")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.otpSessions[session.SignerID] = session.Clone()
	return nil
}

// LoadOTPSession retrieves an OTP challenge.
func (m *MemoryPersistence) LoadOTPSession(signerID string) (*persistence.OTPSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	session, exists := m.otpSessions[signerID]
	if !exists {
		return nil, nil
	}

	return session.Clone(), nil
}

// DeleteOTPSession removes an OTP challenge.
func (m *MemoryPersistence) DeleteOTPSession(signerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	delete(m.otpSessions, signerID)
	return nil
}

// ListOTPSessions returns all OTP challenges.
func (m *MemoryPersistence) ListOTPSessions() ([]*persistence.OTPSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	result := make([]*persistence.OTPSession, 0, len(m.otpSessions))
	for _, session := range m.otpSessions {
		result = append(result, session.Clone())
	}

	return result, nil
}

// SaveServiceState persists service operational state.
func (m *MemoryPersistence) SaveServiceState(state *persistence.ServiceState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil ServiceState")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	copied := *state
	m.serviceState = &copied
	return nil
}

// LoadServiceState retrieves service operational state.
func (m *MemoryPersistence) LoadServiceState() (*persistence.ServiceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	// Return nil if no state has been saved yet (first run)
	if m.serviceState == nil {
		return nil, nil
	}

	copied := *m.serviceState
	return &copied, nil
}

// Close shuts down the persistence layer.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck verifies the persistence layer is operational.
func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return nil
}
