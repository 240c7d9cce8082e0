package badger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Key prefixes for namespacing
const (
	keyPrefixSubmission  = "submission:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"

	maxConflictRetries = 5
)

// BadgerPersistence is a disk-backed journal using Badger.
// Provides durable storage with ACID guarantees.
type BadgerPersistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

var _ persistence.ISubmissionJournal = (*BadgerPersistence)(nil)

// NewBadgerPersistence opens a Badger journal at dataPath with SyncWrites enabled.
// A background goroutine is started for garbage collection.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
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

	logger.Sugar().Infow("Badger journal initialized", "path", absPath)

	return bp, nil
}

// initSchema initializes or validates the schema version
func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		err = item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}

		return nil
	})
}

// runGC runs periodic garbage collection in the background
func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func submissionKey(senderID string, nonce uint64) []byte {
	return []byte(keyPrefixSubmission + persistence.SubmissionKey(senderID, nonce))
}

func readRecord(item *badgerdb.Item) (*persistence.SubmissionRecord, error) {
	var data []byte
	err := item.Value(func(val []byte) error {
		data = append([]byte{}, val...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}
	return persistence.UnmarshalSubmissionRecord(data)
}

// RecordSubmission merges rec into the stored record in one read-write transaction,
// retrying on transaction conflicts.
func (b *BadgerPersistence) RecordSubmission(rec *persistence.SubmissionRecord) (*persistence.SubmissionRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot record nil SubmissionRecord")
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SubmissionRecord: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	key := submissionKey(rec.SenderID, rec.Nonce)
	var merged *persistence.SubmissionRecord
	update := func(txn *badgerdb.Txn) error {
		var existing *persistence.SubmissionRecord
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badgerdb.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			existing, err = readRecord(item)
			if err != nil {
				return err
			}
		}

		merged = persistence.MergeSubmission(existing, rec, time.Now().UTC())
		data, err := persistence.MarshalSubmissionRecord(merged)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	}

	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = b.db.Update(update)
		if !errors.Is(err, badgerdb.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record SubmissionRecord: %w", err)
	}
	return merged, nil
}

// LoadSubmission retrieves a record, nil if missing.
func (b *BadgerPersistence) LoadSubmission(senderID string, nonce uint64) (*persistence.SubmissionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var rec *persistence.SubmissionRecord
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(submissionKey(senderID, nonce))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err = readRecord(item)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load SubmissionRecord: %w", err)
	}
	return rec, nil
}

// ListSubmissions returns all records for senderID. Keys are zero padded so
// iteration order is nonce order.
func (b *BadgerPersistence) ListSubmissions(senderID string) ([]*persistence.SubmissionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	records := []*persistence.SubmissionRecord{}
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixSubmission + senderID + ":")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rec, err := readRecord(item)
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal SubmissionRecord, skipping",
					"key", string(item.Key()), "error", err)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list SubmissionRecords: %w", err)
	}
	return records, nil
}

// DeleteSubmission removes a record.
func (b *BadgerPersistence) DeleteSubmission(senderID string, nonce uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(submissionKey(senderID, nonce))
	})
}

// Close shuts down the journal
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

	b.logger.Sugar().Info("Badger journal closed")
	return nil
}

// HealthCheck verifies the journal is operational
func (b *BadgerPersistence) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("schema version not found - database may be corrupted")
		}
		return err
	})
}
