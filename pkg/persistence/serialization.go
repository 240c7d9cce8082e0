package persistence

import (
	"encoding/json"
	"fmt"
)

// MarshalSubmissionRecord serializes a SubmissionRecord to JSON bytes.
func MarshalSubmissionRecord(rec *SubmissionRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot marshal nil SubmissionRecord")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SubmissionRecord to JSON: %w", err)
	}

	return data, nil
}

// UnmarshalSubmissionRecord deserializes a SubmissionRecord from JSON bytes.
func UnmarshalSubmissionRecord(data []byte) (*SubmissionRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var rec SubmissionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to SubmissionRecord: %w", err)
	}

	return &rec, nil
}
