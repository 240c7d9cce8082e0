package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key prefixes for namespacing in Redis
const (
	keyPrefixSubmission   = "relay:submission:"
	keyPrefixSenderIndex  = "relay:submissions:index:"
	keySchemaVersion      = "relay:metadata:schema_version"
	currentSchemaVersion  = "v1"
	maxOptimisticAttempts = 10
)

// RedisPersistence is a journal backed by Redis, suitable for relays running
// several replicas against one store.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	mu        sync.RWMutex
	closed    bool
}

var _ persistence.ISubmissionJournal = (*RedisPersistence)(nil)

// RedisConfig holds the configuration for connecting to Redis
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string
	// Password is the optional Redis password
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to every key, e.g. "myapp:" yields "myapp:relay:submission:...".
	KeyPrefix string
}

// NewRedisPersistence connects to Redis and validates the schema version.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

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

	logger.Sugar().Infow("Redis journal initialized", "address", cfg.Address, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)

	return rp, nil
}

// prefixKey adds the custom key prefix (if configured) to a key
func (r *RedisPersistence) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

func (r *RedisPersistence) submissionKey(senderID string, nonce uint64) string {
	return r.prefixKey(keyPrefixSubmission + persistence.SubmissionKey(senderID, nonce))
}

func (r *RedisPersistence) indexKey(senderID string) string {
	return r.prefixKey(keyPrefixSenderIndex + senderID)
}

// initSchema initializes or validates the schema version
func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if errors.Is(err, redis.Nil) {
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

// RecordSubmission merges rec into the stored record using an optimistic WATCH transaction.
func (r *RedisPersistence) RecordSubmission(rec *persistence.SubmissionRecord) (*persistence.SubmissionRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot record nil SubmissionRecord")
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SubmissionRecord: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx := context.Background()
	key := r.submissionKey(rec.SenderID, rec.Nonce)
	indexKey := r.indexKey(rec.SenderID)

	var merged *persistence.SubmissionRecord
	txf := func(tx *redis.Tx) error {
		var existing *persistence.SubmissionRecord
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			existing, err = persistence.UnmarshalSubmissionRecord(data)
			if err != nil {
				return err
			}
		}

		merged = persistence.MergeSubmission(existing, rec, time.Now().UTC())
		encoded, err := persistence.MarshalSubmissionRecord(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.SAdd(ctx, indexKey, strconv.FormatUint(rec.Nonce, 10))
			return nil
		})
		return err
	}

	for i := 0; i < maxOptimisticAttempts; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return merged, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("failed to record SubmissionRecord: %w", err)
	}
	return nil, fmt.Errorf("failed to record SubmissionRecord: too many concurrent writers")
}

// LoadSubmission retrieves a record, nil if missing.
func (r *RedisPersistence) LoadSubmission(senderID string, nonce uint64) (*persistence.SubmissionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	data, err := r.client.Get(context.Background(), r.submissionKey(senderID, nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load SubmissionRecord: %w", err)
	}
	return persistence.UnmarshalSubmissionRecord(data)
}

// ListSubmissions returns every record for senderID sorted by nonce.
func (r *RedisPersistence) ListSubmissions(senderID string) ([]*persistence.SubmissionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx := context.Background()
	indexKey := r.indexKey(senderID)

	members, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list submission nonces: %w", err)
	}
	if len(members) == 0 {
		return []*persistence.SubmissionRecord{}, nil
	}

	nonces := make([]uint64, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			r.logger.Sugar().Warnw("Invalid nonce in submission index, skipping", "key", indexKey, "member", m)
			continue
		}
		nonces = append(nonces, n)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })

	keys := make([]string, len(nonces))
	for i, n := range nonces {
		keys[i] = r.submissionKey(senderID, n)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch SubmissionRecords: %w", err)
	}

	records := make([]*persistence.SubmissionRecord, 0, len(values))
	for i, val := range values {
		if val == nil {
			// Key was in index but doesn't exist - clean up index
			r.client.SRem(ctx, indexKey, strconv.FormatUint(nonces[i], 10))
			continue
		}

		data, ok := val.(string)
		if !ok {
			r.logger.Sugar().Warnw("Unexpected value type for SubmissionRecord", "key", keys[i])
			continue
		}

		rec, err := persistence.UnmarshalSubmissionRecord([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal SubmissionRecord, skipping",
				"key", keys[i], "error", err)
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// DeleteSubmission removes a record and its index entry.
func (r *RedisPersistence) DeleteSubmission(senderID string, nonce uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx := context.Background()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.submissionKey(senderID, nonce))
	pipe.SRem(ctx, r.indexKey(senderID), strconv.FormatUint(nonce, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete SubmissionRecord: %w", err)
	}
	return nil
}

// Close shuts down the journal
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis journal closed")
	return nil
}

// HealthCheck verifies the journal is operational
func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	_, err := r.client.Get(ctx, r.prefixKey(keySchemaVersion)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("schema version not found - database may not be properly initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to verify schema version: %w", err)
	}

	return nil
}
