package badger

import (
	"sync"
	"testing"

	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBadger(t *testing.T, dir string) *BadgerPersistence {
	t.Helper()
	bp, err := NewBadgerPersistence(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return bp
}

func TestBadgerPersistence_RecordAndLoad(t *testing.T) {
	bp := newTestBadger(t, t.TempDir())
	defer func() { _ = bp.Close() }()

	stored, err := bp.RecordSubmission(&persistence.SubmissionRecord{
		SenderID:     "alice.near",
		Nonce:        5,
		ReceiverID:   "shop.near",
		EnvelopeHash: "abcd",
		State:        persistence.StateSubmitted,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)

	loaded, err := bp.LoadSubmission("alice.near", 5)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "shop.near", loaded.ReceiverID)
	assert.Equal(t, persistence.StateSubmitted, loaded.State)
	assert.True(t, stored.CreatedAt.Equal(loaded.CreatedAt))

	missing, err := bp.LoadSubmission("alice.near", 6)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBadgerPersistence_SucceededIsSticky(t *testing.T) {
	bp := newTestBadger(t, t.TempDir())
	defer func() { _ = bp.Close() }()

	_, err := bp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: persistence.StateSubmitted})
	require.NoError(t, err)
	_, err = bp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: persistence.StateSucceeded, TxHash: "tx1"})
	require.NoError(t, err)
	_, err = bp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: persistence.StateSubmitted})
	require.NoError(t, err)
	stored, err := bp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: persistence.StateRejected, LedgerKind: "NonceConflict"})
	require.NoError(t, err)

	assert.Equal(t, persistence.StateSucceeded, stored.State)
	assert.Equal(t, "tx1", stored.TxHash)
	assert.Equal(t, 2, stored.Attempts)
}

func TestBadgerPersistence_ListIsNonceOrdered(t *testing.T) {
	bp := newTestBadger(t, t.TempDir())
	defer func() { _ = bp.Close() }()

	for _, nonce := range []uint64{100, 9, 10} {
		_, err := bp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: nonce, State: persistence.StateSucceeded})
		require.NoError(t, err)
	}
	// shares a prefix with alice.near but must not be listed
	_, err := bp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near.sub", Nonce: 1, State: persistence.StateSucceeded})
	require.NoError(t, err)

	list, err := bp.ListSubmissions("alice.near")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uint64{9, 10, 100}, []uint64{list[0].Nonce, list[1].Nonce, list[2].Nonce})

	require.NoError(t, bp.DeleteSubmission("alice.near", 10))
	list, err = bp.ListSubmissions("alice.near")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestBadgerPersistence_Reopen(t *testing.T) {
	dir := t.TempDir()
	bp := newTestBadger(t, dir)
	_, err := bp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: 3, State: persistence.StateTimeout, TxHash: "tx3"})
	require.NoError(t, err)
	require.NoError(t, bp.Close())
	require.NoError(t, bp.Close())

	bp = newTestBadger(t, dir)
	defer func() { _ = bp.Close() }()
	require.NoError(t, bp.HealthCheck())

	loaded, err := bp.LoadSubmission("alice.near", 3)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, persistence.StateTimeout, loaded.State)
	assert.Equal(t, "tx3", loaded.TxHash)
}

func TestBadgerPersistence_Closed(t *testing.T) {
	bp := newTestBadger(t, t.TempDir())
	require.NoError(t, bp.Close())

	assert.Error(t, bp.HealthCheck())
	_, err := bp.LoadSubmission("alice.near", 1)
	assert.Error(t, err)
	_, err = bp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", State: persistence.StateSubmitted})
	assert.Error(t, err)
}

func TestBadgerPersistence_ConcurrentAttempts(t *testing.T) {
	bp := newTestBadger(t, t.TempDir())
	defer func() { _ = bp.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bp.RecordSubmission(&persistence.SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: persistence.StateSubmitted})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := bp.LoadSubmission("alice.near", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Attempts)
}
