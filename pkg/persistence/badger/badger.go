package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Key prefixes for namespacing
const (
	keyPrefixSigner      = "signer:"
	keyPrefixSubject     = "subject:"
	keyPrefixOTPSession  = "otp:"
	keyServiceState      = "servicestate:main"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// BadgerPersistence is a disk-backed persistence implementation using Badger.
// Suitable for a single signer service instance.
type BadgerPersistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewBadgerPersistence opens (or creates) a Badger database at dataPath.
// Writes are synced to disk and a background goroutine runs value log GC.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if dataPath == "" {
		return nil, fmt.Errorf("data path cannot be empty")
	}

	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = newZapBadgerLogger(logger)
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPersistence{
		db:     db,
		logger: logger,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", absPath)

	return bp, nil
}

func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		existing, err := getValue(txn, keySchemaVersion)
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if existing == nil {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if string(existing) != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existing, currentSchemaVersion)
		}
		return nil
	})
}

func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(gcDiscardRatio)
			if err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// getValue returns a copy of the value at key, or nil when the key is absent.
func getValue(txn *badgerdb.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// scanPrefix calls fn with every value under prefix.
func scanPrefix(txn *badgerdb.Txn, prefix string, fn func(key string, val []byte) error) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(item.Key()), val); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerPersistence) checkOpen() error {
	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}

// SaveSigner persists a signer record. The subject ownership check and both
// writes happen in one transaction.
func (b *BadgerPersistence) SaveSigner(signer *persistence.SignerRecord) error {
	if signer == nil {
		return fmt.Errorf("cannot save nil SignerRecord")
	}
	if signer.SignerID == "" {
		return fmt.Errorf("cannot save SignerRecord without signerId")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := persistence.MarshalSignerRecord(signer)
	if err != nil {
		return fmt.Errorf("failed to marshal SignerRecord: %w", err)
	}

	key := keyPrefixSigner + signer.SignerID
	subjectKey := keyPrefixSubject + signer.Subject

	return b.db.Update(func(txn *badgerdb.Txn) error {
		owner, err := getValue(txn, subjectKey)
		if err != nil {
			return err
		}
		if owner != nil && string(owner) != signer.SignerID {
			return fmt.Errorf("%w: %s", persistence.ErrSubjectConflict, signer.Subject)
		}

		raw, err := getValue(txn, key)
		if err != nil {
			return err
		}
		if raw != nil {
			if previous, err := persistence.UnmarshalSignerRecord(raw); err == nil &&
				previous.Subject != "" && previous.Subject != signer.Subject {
				if err := txn.Delete([]byte(keyPrefixSubject + previous.Subject)); err != nil {
					return err
				}
			}
		}

		if err := txn.Set([]byte(key), data); err != nil {
			return err
		}
		if signer.Subject != "" {
			return txn.Set([]byte(subjectKey), []byte(signer.SignerID))
		}
		return nil
	})
}

// LoadSigner retrieves a signer by id.
func (b *BadgerPersistence) LoadSigner(signerID string) (*persistence.SignerRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var signer *persistence.SignerRecord
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		signer, err = loadSigner(txn, signerID)
		return err
	})
	return signer, err
}

func loadSigner(txn *badgerdb.Txn, signerID string) (*persistence.SignerRecord, error) {
	raw, err := getValue(txn, keyPrefixSigner+signerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load SignerRecord: %w", err)
	}
	if raw == nil {
		return nil, nil // Not found is not an error
	}
	return persistence.UnmarshalSignerRecord(raw)
}

// LoadSignerBySubject retrieves the signer owned by subject.
func (b *BadgerPersistence) LoadSignerBySubject(subject string) (*persistence.SignerRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var signer *persistence.SignerRecord
	err := b.db.View(func(txn *badgerdb.Txn) error {
		signerID, err := getValue(txn, keyPrefixSubject+subject)
		if err != nil || signerID == nil {
			return err
		}
		signer, err = loadSigner(txn, string(signerID))
		return err
	})
	return signer, err
}

// ListSigners returns all signers in creation order.
func (b *BadgerPersistence) ListSigners() ([]*persistence.SignerRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	signers := make([]*persistence.SignerRecord, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		return scanPrefix(txn, keyPrefixSigner, func(key string, val []byte) error {
			signer, err := persistence.UnmarshalSignerRecord(val)
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal SignerRecord, skipping", "key", key, "error", err)
				return nil
			}
			signers = append(signers, signer)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list signers: %w", err)
	}

	persistence.SortSigners(signers)
	return signers, nil
}

// DeleteSigner removes a signer and its subject index entry.
func (b *BadgerPersistence) DeleteSigner(signerID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		signer, err := loadSigner(txn, signerID)
		if err != nil || signer == nil {
			return err
		}
		if signer.Subject != "" {
			owner, err := getValue(txn, keyPrefixSubject+signer.Subject)
			if err != nil {
				return err
			}
			if string(owner) == signerID {
				if err := txn.Delete([]byte(keyPrefixSubject + signer.Subject)); err != nil {
					return err
				}
			}
		}
		return txn.Delete([]byte(keyPrefixSigner + signerID))
	})
}

// SaveOTPSession persists an OTP challenge.
func (b *BadgerPersistence) SaveOTPSession(session *persistence.OTPSession) error {
	if session == nil {
		return fmt.Errorf("cannot save nil OTPSession")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := persistence.MarshalOTPSession(session)
	if err != nil {
		return fmt.Errorf("failed to marshal OTPSession: %w", err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(keyPrefixOTPSession+session.SignerID), data)
	})
}

// LoadOTPSession retrieves an OTP challenge.
func (b *BadgerPersistence) LoadOTPSession(signerID string) (*persistence.OTPSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var session *persistence.OTPSession
	err := b.db.View(func(txn *badgerdb.Txn) error {
		raw, err := getValue(txn, keyPrefixOTPSession+signerID)
		if err != nil || raw == nil {
			return err
		}
		session, err = persistence.UnmarshalOTPSession(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load OTPSession: %w", err)
	}
	return session, nil
}

// DeleteOTPSession removes an OTP challenge.
func (b *BadgerPersistence) DeleteOTPSession(signerID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(keyPrefixOTPSession + signerID))
	})
}

// ListOTPSessions returns all OTP challenges.
func (b *BadgerPersistence) ListOTPSessions() ([]*persistence.OTPSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	sessions := make([]*persistence.OTPSession, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		return scanPrefix(txn, keyPrefixOTPSession, func(key string, val []byte) error {
			session, err := persistence.UnmarshalOTPSession(val)
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal OTPSession, skipping", "key", key, "error", err)
				return nil
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list OTP sessions: %w", err)
	}
	return sessions, nil
}

// SaveServiceState persists service operational state.
func (b *BadgerPersistence) SaveServiceState(state *persistence.ServiceState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil ServiceState")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := persistence.MarshalServiceState(state)
	if err != nil {
		return fmt.Errorf("failed to marshal ServiceState: %w", err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(keyServiceState), data)
	})
}

// LoadServiceState retrieves service operational state.
func (b *BadgerPersistence) LoadServiceState() (*persistence.ServiceState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var state *persistence.ServiceState
	err := b.db.View(func(txn *badgerdb.Txn) error {
		raw, err := getValue(txn, keyServiceState)
		if err != nil || raw == nil {
			return err
		}
		state, err = persistence.UnmarshalServiceState(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load ServiceState: %w", err)
	}
	return state, nil
}

// Close stops the GC loop and closes the database. Idempotent.
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Info("Badger persistence closed")
	return nil
}

// HealthCheck verifies the database is readable and carries a schema version.
func (b *BadgerPersistence) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		v, err := getValue(txn, keySchemaVersion)
		if err != nil {
			return fmt.Errorf("failed to verify schema version: %w", err)
		}
		if v == nil {
			return fmt.Errorf("schema version not found - database may not be properly initialized")
		}
		return nil
	})
}
