package persistence

// ISignerPersistence defines the interface for persisting signer service state
// across restarts. All implementations must be thread-safe as the service
// answers requests concurrently.
//
// The interface supports:
// - Signer records (save, load by id or owner, list, delete)
// - OTP sessions for new-device verification
// - Service operational state
// - Lifecycle management (close, health check)
type ISignerPersistence interface {
	// Signer Management

	// SaveSigner persists a signer record, replacing any record with the same
	// SignerID and indexing it by Subject.
	SaveSigner(signer *SignerRecord) error

	// LoadSigner retrieves a signer by id.
	// Returns nil if the signer doesn't exist, error only on storage failure.
	LoadSigner(signerID string) (*SignerRecord, error)

	// LoadSignerBySubject retrieves the signer owned by a JWT subject.
	// Returns nil if none exists, error only on storage failure.
	LoadSignerBySubject(subject string) (*SignerRecord, error)

	// ListSigners returns all signers sorted by CreatedAt, then SignerID.
	// Returns empty slice if none exist, error only on storage failure.
	ListSigners() ([]*SignerRecord, error)

	// DeleteSigner removes a signer and its subject index entry.
	// Idempotent - returns nil if the signer doesn't exist.
	DeleteSigner(signerID string) error

	// OTP Session Management

	// SaveOTPSession persists a challenge, replacing any open one for the
	// same signer.
	SaveOTPSession(session *OTPSession) error

	// LoadOTPSession retrieves the open challenge for a signer.
	// Returns nil if none exists, error only on storage failure.
	LoadOTPSession(signerID string) (*OTPSession, error)

	// DeleteOTPSession removes a challenge.
	// Idempotent - returns nil if it doesn't exist.
	DeleteOTPSession(signerID string) error

	// ListOTPSessions returns all open challenges. Used at startup to purge
	// expired ones.
	ListOTPSessions() ([]*OTPSession, error)

	// Service Operational State

	// SaveServiceState persists operational state, overwriting any existing.
	SaveServiceState(state *ServiceState) error

	// LoadServiceState retrieves operational state.
	// Returns nil state if none exists (first run), error only on storage failure.
	LoadServiceState() (*ServiceState, error)

	// Lifecycle Management

	// Close cleanly shuts down the persistence layer.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations should return errors.
	Close() error

	// HealthCheck verifies the persistence layer is operational.
	// Returns nil if healthy, error describing the problem if not.
	HealthCheck() error
}
