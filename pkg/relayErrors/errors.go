package relayErrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoAccountFound is returned when key discovery exhausts every candidate key.
	// Terminal: the caller must supply different keys or register an account first.
	ErrNoAccountFound = errors.New("no account found for key")

	// ErrMalformedEnvelope is returned for any structural decode failure of a relay envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrSubmissionTimeout means the ledger call exceeded its deadline with an unknown outcome.
	// The transaction may have landed; re-query the ledger before resubmitting.
	ErrSubmissionTimeout = errors.New("submission timeout")

	// ErrConfigurationMissing is a fatal startup error.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrInvalidSignature is returned when a delegate signature does not verify against its declared key.
	ErrInvalidSignature = errors.New("invalid delegate signature")

	// ErrDelegateExpired is returned when the delegate max block height is not above the current height.
	ErrDelegateExpired = errors.New("delegate expired")

	// ErrAccountCreationRejected is the soft failure of account creation (account exists or was refused).
	ErrAccountCreationRejected = errors.New("account creation rejected")

	// ErrLedgerUnavailable means the ledger could not be reached after bounded retries.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrInvalidRequest covers request bodies that are not envelopes but still fail validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSubmissionNotFound is returned when the relay has no record for a (sender, nonce) pair.
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrSubmissionUnsettled is returned when removing a record whose outcome is not final yet.
	ErrSubmissionUnsettled = errors.New("submission not settled")
)

// Kind classifies a relay failure for callers of the HTTP endpoint.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindUnauthorized      Kind = "unauthorized"
	KindRateLimited       Kind = "rate_limited"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindLedgerRejection   Kind = "ledger_rejection"
	KindSubmissionTimeout Kind = "submission_timeout"
	KindLedgerUnavailable Kind = "ledger_unavailable"
	KindInternal          Kind = "internal"
)

// ErrorBody is the JSON body of every non-2xx relay response.
type ErrorBody struct {
	Status      int             `json:"status"`
	Kind        Kind            `json:"kind"`
	Message     string          `json:"message"`
	LedgerKind  string          `json:"ledgerKind,omitempty"`
	LedgerError json.RawMessage `json:"ledgerError,omitempty"`
	// Completed holds the outcomes of batch envelopes relayed before the failing one.
	Completed json.RawMessage `json:"completed,omitempty"`
}

// RelayRejectedError is returned by the client when the relay answered with a non-success status.
type RelayRejectedError struct {
	StatusCode  int
	Kind        Kind
	LedgerKind  string
	Message     string
	LedgerError json.RawMessage
	Completed   json.RawMessage
}

func (e *RelayRejectedError) Error() string {
	if e.LedgerKind != "" {
		return fmt.Sprintf("relay rejected (%d %s/%s): %s", e.StatusCode, e.Kind, e.LedgerKind, e.Message)
	}
	return fmt.Sprintf("relay rejected (%d %s): %s", e.StatusCode, e.Kind, e.Message)
}

// Is lets callers match the client-side error against the server-side sentinel it represents.
func (e *RelayRejectedError) Is(target error) bool {
	switch target {
	case ErrSubmissionTimeout:
		return e.Kind == KindSubmissionTimeout
	case ErrAccountCreationRejected:
		return e.Kind == KindConflict
	case ErrLedgerUnavailable:
		return e.Kind == KindLedgerUnavailable
	case ErrSubmissionNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// NewRelayRejectedError builds a RelayRejectedError from a decoded error body.
// A body that could not be decoded still yields an error carrying the status and raw text.
func NewRelayRejectedError(statusCode int, body []byte) *RelayRejectedError {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Message == "" {
		return &RelayRejectedError{
			StatusCode: statusCode,
			Kind:       KindForStatus(statusCode),
			Message:    string(body),
		}
	}
	kind := eb.Kind
	if kind == "" {
		kind = KindForStatus(statusCode)
	}
	return &RelayRejectedError{
		StatusCode:  statusCode,
		Kind:        kind,
		LedgerKind:  eb.LedgerKind,
		Message:     eb.Message,
		LedgerError: eb.LedgerError,
		Completed:   eb.Completed,
	}
}

// KindForStatus is the fallback classification when a response carries no kind.
func KindForStatus(statusCode int) Kind {
	switch statusCode {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusUnprocessableEntity:
		return KindLedgerRejection
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return KindLedgerUnavailable
	case http.StatusGatewayTimeout:
		return KindSubmissionTimeout
	default:
		return KindInternal
	}
}
