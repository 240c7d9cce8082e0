package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
)

// MemoryPersistence is an in-memory implementation of ISubmissionJournal.
//
// All data is lost when the process exits; use badger or redis when records must
// survive a restart. Thread-safe using sync.RWMutex. Copies records in and out
// to prevent external mutation.
type MemoryPersistence struct {
	mu sync.RWMutex

	// sender -> nonce -> record
	submissions map[string]map[uint64]*persistence.SubmissionRecord

	closed bool
	now    func() time.Time
}

var _ persistence.ISubmissionJournal = (*MemoryPersistence)(nil)

// NewMemoryPersistence creates a new in-memory journal.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		submissions: make(map[string]map[uint64]*persistence.SubmissionRecord),
		now:         time.Now,
	}
}

// RecordSubmission merges rec into the stored record.
func (m *MemoryPersistence) RecordSubmission(rec *persistence.SubmissionRecord) (*persistence.SubmissionRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot record nil SubmissionRecord")
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SubmissionRecord: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	bySender, ok := m.submissions[rec.SenderID]
	if !ok {
		bySender = make(map[uint64]*persistence.SubmissionRecord)
		m.submissions[rec.SenderID] = bySender
	}
	merged := persistence.MergeSubmission(bySender[rec.Nonce], rec, m.now().UTC())
	bySender[rec.Nonce] = merged

	out := *merged
	return &out, nil
}

// LoadSubmission retrieves a record, nil if missing.
func (m *MemoryPersistence) LoadSubmission(senderID string, nonce uint64) (*persistence.SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	rec, ok := m.submissions[senderID][nonce]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// ListSubmissions returns all records for senderID sorted by nonce.
func (m *MemoryPersistence) ListSubmissions(senderID string) ([]*persistence.SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	records := make([]*persistence.SubmissionRecord, 0, len(m.submissions[senderID]))
	for _, rec := range m.submissions[senderID] {
		out := *rec
		records = append(records, &out)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Nonce < records[j].Nonce
	})
	return records, nil
}

// DeleteSubmission removes a record.
func (m *MemoryPersistence) DeleteSubmission(senderID string, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	if bySender, ok := m.submissions[senderID]; ok {
		delete(bySender, nonce)
		if len(bySender) == 0 {
			delete(m.submissions, senderID)
		}
	}
	return nil
}

// Close marks the journal as closed.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.submissions = nil
	return nil
}

// HealthCheck reports whether the journal is open.
func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}
