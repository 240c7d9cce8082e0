package persistence

// ISubmissionJournal records what the relay did with each (sender, nonce) envelope.
// All implementations must be thread-safe as relay requests are concurrent.
//
// The interface supports:
// - Recording relay attempts with merge semantics (see MergeSubmission)
// - Lookup of a single record and listing per sender
// - Lifecycle management (close, health check)
type ISubmissionJournal interface {
	// RecordSubmission merges rec into the stored record for (rec.SenderID, rec.Nonce)
	// atomically and returns the stored result.
	RecordSubmission(rec *SubmissionRecord) (*SubmissionRecord, error)

	// LoadSubmission retrieves a record.
	// Returns nil if it doesn't exist, error only on storage failure.
	LoadSubmission(senderID string, nonce uint64) (*SubmissionRecord, error)

	// ListSubmissions returns every record for senderID sorted by nonce (ascending).
	// Returns empty slice if none exist, error only on storage failure.
	ListSubmissions(senderID string) ([]*SubmissionRecord, error)

	// DeleteSubmission removes a record.
	// Idempotent - returns nil if it doesn't exist.
	DeleteSubmission(senderID string, nonce uint64) error

	// Close cleanly shuts down the journal.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations should return errors.
	Close() error

	// HealthCheck verifies the journal is operational.
	HealthCheck() error
}
