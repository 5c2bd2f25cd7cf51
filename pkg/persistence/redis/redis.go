package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis keys. Every key is prefixed with RedisConfig.KeyPrefix when set.
const (
	keyPrefixSigner       = "signer-bridge:signer:"
	keyPrefixSubject      = "signer-bridge:subject:"
	keyPrefixOTPSession   = "signer-bridge:otp:"
	keyServiceState       = "signer-bridge:servicestate:main"
	keySchemaVersion      = "signer-bridge:metadata:schema_version"
	currentSchemaVersion  = "v1"

	// index sets back the List* operations
	keySetSigners     = "signer-bridge:signers:index"
	keySetOTPSessions = "signer-bridge:otp:index"
)

// RedisPersistence is a persistence implementation using Redis.
// Provides durable, distributed storage suitable for cloud-native deployments
// where several signer service replicas share state.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	mu        sync.RWMutex
	closed    bool
}

// RedisConfig selects the Redis server and key namespace.
type RedisConfig struct {
	Address  string // host:port
	Password string
	DB       int
	// KeyPrefix namespaces every key: "tenant-a:" stores signers under
	// "tenant-a:signer-bridge:signer:<id>".
	KeyPrefix string
}

// NewRedisPersistence connects to Redis and checks the stored schema version.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized", "address", cfg.Address, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)

	return rp, nil
}

func (r *RedisPersistence) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

// initSchema writes the schema version on an empty database and rejects a mismatch.
func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if err == redis.Nil {
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}

	return nil
}

func (r *RedisPersistence) checkOpen() error {
	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}

// SaveSigner persists a signer record and its subject index entry. The
// subject check and the write run in one WATCH transaction.
func (r *RedisPersistence) SaveSigner(signer *persistence.SignerRecord) error {
	if signer == nil {
		return fmt.Errorf("cannot save nil SignerRecord")
	}
	if signer.SignerID == "" {
		return fmt.Errorf("cannot save SignerRecord without signerId")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	ctx := context.Background()
	data, err := persistence.MarshalSignerRecord(signer)
	if err != nil {
		return fmt.Errorf("failed to marshal SignerRecord: %w", err)
	}

	key := r.prefixKey(keyPrefixSigner + signer.SignerID)
	subjectKey := r.prefixKey(keyPrefixSubject + signer.Subject)
	indexKey := r.prefixKey(keySetSigners)

	txf := func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, subjectKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil && owner != signer.SignerID {
			return fmt.Errorf("%w: %s", persistence.ErrSubjectConflict, signer.Subject)
		}

		var previousSubject string
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if previous, err := persistence.UnmarshalSignerRecord(raw); err == nil {
				previousSubject = previous.Subject
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, indexKey, signer.SignerID)
			if previousSubject != "" && previousSubject != signer.Subject {
				pipe.Del(ctx, r.prefixKey(keyPrefixSubject+previousSubject))
			}
			if signer.Subject != "" {
				pipe.Set(ctx, subjectKey, signer.SignerID, 0)
			}
			return nil
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, subjectKey, key); err != nil {
		return fmt.Errorf("failed to save SignerRecord: %w", err)
	}
	return nil
}

// LoadSigner retrieves a signer by id.
func (r *RedisPersistence) LoadSigner(signerID string) (*persistence.SignerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	return r.loadSigner(context.Background(), signerID)
}

func (r *RedisPersistence) loadSigner(ctx context.Context, signerID string) (*persistence.SignerRecord, error) {
	data, err := r.client.Get(ctx, r.prefixKey(keyPrefixSigner+signerID)).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load SignerRecord: %w", err)
	}

	signer, err := persistence.UnmarshalSignerRecord(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal SignerRecord: %w", err)
	}
	return signer, nil
}

// LoadSignerBySubject retrieves the signer owned by subject.
func (r *RedisPersistence) LoadSignerBySubject(subject string) (*persistence.SignerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	signerID, err := r.client.Get(ctx, r.prefixKey(keyPrefixSubject+subject)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subject: %w", err)
	}

	return r.loadSigner(ctx, signerID)
}

// ListSigners returns all signers in creation order.
func (r *RedisPersistence) ListSigners() ([]*persistence.SignerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	indexKey := r.prefixKey(keySetSigners)

	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list signer ids: %w", err)
	}
	if len(ids) == 0 {
		return []*persistence.SignerRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.prefixKey(keyPrefixSigner + id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch SignerRecords: %w", err)
	}

	signers := make([]*persistence.SignerRecord, 0, len(values))
	for i, val := range values {
		if val == nil {
			// stale index entry
			r.client.SRem(ctx, indexKey, ids[i])
			continue
		}

		data, ok := val.(string)
		if !ok {
			r.logger.Sugar().Warnw("Unexpected value type for SignerRecord", "key", keys[i])
			continue
		}

		signer, err := persistence.UnmarshalSignerRecord([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal SignerRecord, skipping", "key", keys[i], "error", err)
			continue
		}
		signers = append(signers, signer)
	}

	persistence.SortSigners(signers)
	return signers, nil
}

// DeleteSigner removes a signer and its subject index entry.
func (r *RedisPersistence) DeleteSigner(signerID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	ctx := context.Background()
	signer, err := r.loadSigner(ctx, signerID)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.prefixKey(keyPrefixSigner+signerID))
	pipe.SRem(ctx, r.prefixKey(keySetSigners), signerID)
	if signer != nil && signer.Subject != "" {
		subjectKey := r.prefixKey(keyPrefixSubject + signer.Subject)
		owner, err := r.client.Get(ctx, subjectKey).Result()
		if err == nil && owner == signerID {
			pipe.Del(ctx, subjectKey)
		}
	}

	_, err = pipe.Exec(ctx)
	return err
}

// SaveOTPSession persists an OTP challenge.
func (r *RedisPersistence) SaveOTPSession(session *persistence.OTPSession) error {
	if session == nil {
		return fmt.Errorf("cannot save nil OTPSession")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	ctx := context.Background()
	data, err := persistence.MarshalOTPSession(session)
	if err != nil {
		return fmt.Errorf("failed to marshal OTPSession: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.prefixKey(keyPrefixOTPSession+session.SignerID), data, 0)
	pipe.SAdd(ctx, r.prefixKey(keySetOTPSessions), session.SignerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save OTPSession: %w", err)
	}
	return nil
}

// LoadOTPSession retrieves an OTP challenge.
func (r *RedisPersistence) LoadOTPSession(signerID string) (*persistence.OTPSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(context.Background(), r.prefixKey(keyPrefixOTPSession+signerID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load OTPSession: %w", err)
	}

	session, err := persistence.UnmarshalOTPSession(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTPSession: %w", err)
	}
	return session, nil
}

// DeleteOTPSession removes an OTP challenge.
func (r *RedisPersistence) DeleteOTPSession(signerID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	ctx := context.Background()
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.prefixKey(keyPrefixOTPSession+signerID))
	pipe.SRem(ctx, r.prefixKey(keySetOTPSessions), signerID)

	_, err := pipe.Exec(ctx)
	return err
}

// ListOTPSessions returns all OTP challenges.
func (r *RedisPersistence) ListOTPSessions() ([]*persistence.OTPSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	indexKey := r.prefixKey(keySetOTPSessions)

	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list OTP session ids: %w", err)
	}
	if len(ids) == 0 {
		return []*persistence.OTPSession{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.prefixKey(keyPrefixOTPSession + id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OTPSessions: %w", err)
	}

	sessions := make([]*persistence.OTPSession, 0, len(values))
	for i, val := range values {
		if val == nil {
			r.client.SRem(ctx, indexKey, ids[i])
			continue
		}

		data, ok := val.(string)
		if !ok {
			r.logger.Sugar().Warnw("Unexpected value type for OTPSession", "key", keys[i])
			continue
		}

		session, err := persistence.UnmarshalOTPSession([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal OTPSession, skipping", "key", keys[i], "error", err)
			continue
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// SaveServiceState persists service operational state.
func (r *RedisPersistence) SaveServiceState(state *persistence.ServiceState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil ServiceState")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := persistence.MarshalServiceState(state)
	if err != nil {
		return fmt.Errorf("failed to marshal ServiceState: %w", err)
	}

	return r.client.Set(context.Background(), r.prefixKey(keyServiceState), data, 0).Err()
}

// LoadServiceState retrieves service operational state.
func (r *RedisPersistence) LoadServiceState() (*persistence.ServiceState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(context.Background(), r.prefixKey(keyServiceState)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ServiceState: %w", err)
	}

	state, err := persistence.UnmarshalServiceState(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ServiceState: %w", err)
	}
	return state, nil
}

// Close closes the Redis client. Calling it twice is a no-op.
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil // Already closed, idempotent
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

// HealthCheck pings Redis.
func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	_, err := r.client.Get(ctx, r.prefixKey(keySchemaVersion)).Result()
	if err == redis.Nil {
		return fmt.Errorf("schema version not found - database may not be properly initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to verify schema version: %w", err)
	}

	return nil
}
