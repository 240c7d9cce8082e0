package persistence

import (
	"fmt"
	"time"
)

// SubmissionState is the lifecycle state of a relayed envelope.
type SubmissionState string

const (
	// StateSubmitted is written before the relayer transaction is broadcast.
	StateSubmitted SubmissionState = "submitted"
	StateSucceeded SubmissionState = "succeeded"
	// StateRejected means the ledger refused the transaction definitively.
	StateRejected SubmissionState = "rejected"
	// StateTimeout means the outcome is unknown; TxHash can be used to re-query the ledger.
	StateTimeout SubmissionState = "timeout"
	// StateFailed covers everything else, including an unreachable ledger.
	StateFailed SubmissionState = "failed"
)

// Settled reports whether the state is final. Submitted and timeout records may still change.
func (s SubmissionState) Settled() bool {
	return s == StateSucceeded || s == StateRejected || s == StateFailed
}

// SubmissionRecord is what the relay knows about one delegate envelope.
type SubmissionRecord struct {
	SenderID     string          `json:"senderId"`
	Nonce        uint64          `json:"nonce"`
	ReceiverID   string          `json:"receiverId"`
	EnvelopeHash string          `json:"envelopeHash"`
	TxHash       string          `json:"txHash,omitempty"`
	State        SubmissionState `json:"state"`
	LedgerKind   string          `json:"ledgerKind,omitempty"`
	Error        string          `json:"error,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (r *SubmissionRecord) Validate() error {
	if r.SenderID == "" {
		return fmt.Errorf("sender id is required")
	}
	switch r.State {
	case StateSubmitted, StateSucceeded, StateRejected, StateTimeout, StateFailed:
		return nil
	default:
		return fmt.Errorf("unknown submission state %q", r.State)
	}
}

// SubmissionKey is the storage key suffix for a record. Nonces are zero padded
// so lexical order matches numeric order.
func SubmissionKey(senderID string, nonce uint64) string {
	return fmt.Sprintf("%s:%020d", senderID, nonce)
}

// MergeSubmission computes the record stored after incoming is recorded on top of existing.
//
//   - Every StateSubmitted write counts one relay attempt.
//   - A succeeded record is never replaced by a later non-success; later attempts only
//     bump its attempt counter.
//   - Otherwise incoming replaces existing, keeping CreatedAt and the attempt count,
//     and keeping the known TxHash when incoming has none.
func MergeSubmission(existing, incoming *SubmissionRecord, now time.Time) *SubmissionRecord {
	merged := *incoming
	merged.UpdatedAt = now
	if existing == nil {
		merged.CreatedAt = now
		merged.Attempts = 1
		return &merged
	}

	attempts := existing.Attempts
	if incoming.State == StateSubmitted {
		attempts++
	}

	if existing.State == StateSucceeded && incoming.State != StateSucceeded {
		kept := *existing
		kept.Attempts = attempts
		kept.UpdatedAt = now
		return &kept
	}

	merged.CreatedAt = existing.CreatedAt
	merged.Attempts = attempts
	if merged.TxHash == "" {
		merged.TxHash = existing.TxHash
	}
	if merged.EnvelopeHash == "" {
		merged.EnvelopeHash = existing.EnvelopeHash
	}
	if merged.ReceiverID == "" {
		merged.ReceiverID = existing.ReceiverID
	}
	return &merged
}
