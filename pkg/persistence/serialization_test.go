package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionRecord_Serialization(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := &SubmissionRecord{
		SenderID:     "alice.near",
		Nonce:        7,
		ReceiverID:   "shop.near",
		EnvelopeHash: "abcd",
		TxHash:       "9xQe",
		State:        StateTimeout,
		Error:        "submission timeout",
		Attempts:     2,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	data, err := MarshalSubmissionRecord(rec)
	require.NoError(t, err)
	loaded, err := UnmarshalSubmissionRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)

	_, err = MarshalSubmissionRecord(nil)
	assert.Error(t, err)
	_, err = UnmarshalSubmissionRecord(nil)
	assert.Error(t, err)
	_, err = UnmarshalSubmissionRecord([]byte("{"))
	assert.Error(t, err)
}

func TestSubmissionKey_Ordering(t *testing.T) {
	assert.Less(t, SubmissionKey("alice.near", 9), SubmissionKey("alice.near", 10))
	assert.Equal(t, "alice.near:00000000000000000042", SubmissionKey("alice.near", 42))
}

func TestMergeSubmission(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)

	submitted := MergeSubmission(nil, &SubmissionRecord{SenderID: "alice.near", Nonce: 1, ReceiverID: "shop.near", State: StateSubmitted}, t0)
	assert.Equal(t, 1, submitted.Attempts)
	assert.Equal(t, t0, submitted.CreatedAt)

	succeeded := MergeSubmission(submitted, &SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: StateSucceeded, TxHash: "tx1"}, t1)
	assert.Equal(t, StateSucceeded, succeeded.State)
	assert.Equal(t, 1, succeeded.Attempts)
	assert.Equal(t, "shop.near", succeeded.ReceiverID)
	assert.Equal(t, t0, succeeded.CreatedAt)

	t.Run("success is sticky", func(t *testing.T) {
		retry := MergeSubmission(succeeded, &SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: StateSubmitted}, t2)
		assert.Equal(t, StateSucceeded, retry.State)
		assert.Equal(t, 2, retry.Attempts)

		rejected := MergeSubmission(retry, &SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: StateRejected, LedgerKind: "NonceConflict", TxHash: "tx2"}, t2)
		assert.Equal(t, StateSucceeded, rejected.State)
		assert.Equal(t, "tx1", rejected.TxHash)
		assert.Empty(t, rejected.LedgerKind)
		assert.Equal(t, 2, rejected.Attempts)
		assert.Equal(t, t2, rejected.UpdatedAt)
	})

	t.Run("timeout keeps tx hash until replaced", func(t *testing.T) {
		timeout := MergeSubmission(submitted, &SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: StateTimeout, TxHash: "tx1"}, t1)
		failed := MergeSubmission(timeout, &SubmissionRecord{SenderID: "alice.near", Nonce: 1, State: StateFailed}, t2)
		assert.Equal(t, StateFailed, failed.State)
		assert.Equal(t, "tx1", failed.TxHash)
	})
}
