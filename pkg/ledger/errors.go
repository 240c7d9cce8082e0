package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tidwall/gjson"
)

// ErrAccessKeyNotFound is returned when the queried access key does not exist.
var ErrAccessKeyNotFound = errors.New("access key not found")

// RejectionKind classifies a ledger rejection.
type RejectionKind string

const (
	NonceConflict           RejectionKind = "NonceConflict"
	DelegateExpired         RejectionKind = "DelegateExpired"
	InvalidSignature        RejectionKind = "InvalidSignature"
	InsufficientPermissions RejectionKind = "InsufficientPermissions"
	ActionFailed            RejectionKind = "ActionFailed"
	InvalidTransaction      RejectionKind = "InvalidTransaction"
)

// RejectionError is a definitive ledger refusal. Native holds the ledger's own error object.
type RejectionError struct {
	Kind    RejectionKind
	Native  json.RawMessage
	Outcome *ExecutionOutcome
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger rejected transaction (%s): %s", e.Kind, string(e.Native))
}

// UnavailableError means the request never got a ledger answer and can be resent as is.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v", relayErrors.ErrLedgerUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == relayErrors.ErrLedgerUnavailable
}

// IsRetryable reports whether err is a transport failure that never reached the ledger.
func IsRetryable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

var actionErrorKinds = map[string]RejectionKind{
	"DelegateActionInvalidNonce":                 NonceConflict,
	"DelegateActionNonceTooLarge":                NonceConflict,
	"DelegateActionExpired":                      DelegateExpired,
	"DelegateActionInvalidSignature":             InvalidSignature,
	"DelegateActionAccessKeyError":               InsufficientPermissions,
	"DelegateActionSenderDoesNotMatchTxReceiver": InvalidTransaction,
}

// ClassifyFailure maps a native failure object (status.Failure or RPC error data) to a RejectionKind.
func ClassifyFailure(native []byte) RejectionKind {
	root := gjson.ParseBytes(native)
	if inner := root.Get("TxExecutionError"); inner.Exists() {
		root = inner
	}
	if root.Get("InvalidTxError").Exists() {
		return InvalidTransaction
	}
	kind := root.Get("ActionError.kind")
	if !kind.Exists() {
		return ActionFailed
	}
	if k, ok := actionErrorKinds[variantName(kind)]; ok {
		return k
	}
	return ActionFailed
}

// variantName returns the enum variant of a serialized ledger error: unit variants
// are plain strings, struct variants are single-key objects.
func variantName(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var name string
	v.ForEach(func(key, _ gjson.Result) bool {
		name = key.String()
		return false
	})
	return name
}

// classifyCallError turns an RPC call error into one of: *RejectionError,
// an error wrapping relayErrors.ErrSubmissionTimeout, *UnavailableError, or a plain wrapped error.
// Only methods that may have carried a transaction to the ledger report timeouts as
// ErrSubmissionTimeout; a timed out read is *UnavailableError.
func classifyCallError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(method, fmt.Errorf("%s exceeded its deadline: %w", method, err))
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s cancelled: %w", method, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusGatewayTimeout || httpErr.StatusCode == http.StatusRequestTimeout:
			return timeoutError(method, fmt.Errorf("%s returned HTTP %d: %w", method, httpErr.StatusCode, err))
		case httpErr.StatusCode >= 500:
			return &UnavailableError{Err: fmt.Errorf("%s returned HTTP %d: %w", method, httpErr.StatusCode, err)}
		default:
			return fmt.Errorf("%s returned HTTP %d: %w", method, httpErr.StatusCode, err)
		}
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		native, _ := json.Marshal(dataErr.ErrorData())
		if isTimeoutData(native) || strings.Contains(dataErr.Error(), "TIMEOUT_ERROR") {
			return timeoutError(method, fmt.Errorf("%s: %s", method, string(native)))
		}
		if gjson.GetBytes(native, "TxExecutionError").Exists() || gjson.GetBytes(native, "InvalidTxError").Exists() {
			return &RejectionError{Kind: ClassifyFailure(native), Native: native}
		}
		return fmt.Errorf("%s failed: %w", method, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return timeoutError(method, fmt.Errorf("%s: %w", method, err))
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		return &UnavailableError{Err: fmt.Errorf("%s: %w", method, err)}
	}
	return fmt.Errorf("%s failed: %w", method, err)
}

// submitMethods may have delivered a transaction before timing out.
var submitMethods = map[string]bool{
	"broadcast_tx_commit": true,
	"tx":                  true,
}

func timeoutError(method string, err error) error {
	if submitMethods[method] {
		return fmt.Errorf("%w: %v", relayErrors.ErrSubmissionTimeout, err)
	}
	return &UnavailableError{Err: err}
}

func isTimeoutData(native []byte) bool {
	d := gjson.ParseBytes(native)
	return d.Type == gjson.String && strings.Contains(strings.ToLower(d.String()), "timeout")
}
