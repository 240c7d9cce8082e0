package ledger

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ExecutionOutcome is the ledger's final execution outcome, kept as the exact
// JSON the ledger returned so it can be forwarded verbatim.
type ExecutionOutcome struct {
	raw json.RawMessage
}

func NewExecutionOutcome(raw []byte) *ExecutionOutcome {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &ExecutionOutcome{raw: cp}
}

func (o *ExecutionOutcome) Raw() json.RawMessage {
	return o.raw
}

func (o *ExecutionOutcome) MarshalJSON() ([]byte, error) {
	if len(o.raw) == 0 {
		return []byte("null"), nil
	}
	return o.raw, nil
}

func (o *ExecutionOutcome) UnmarshalJSON(b []byte) error {
	if !json.Valid(b) {
		return fmt.Errorf("invalid execution outcome JSON")
	}
	o.raw = append(o.raw[:0], b...)
	return nil
}

// TransactionHash returns the base58 hash of the outer transaction.
func (o *ExecutionOutcome) TransactionHash() string {
	if h := gjson.GetBytes(o.raw, "transaction.hash"); h.Exists() {
		return h.String()
	}
	return gjson.GetBytes(o.raw, "transaction_outcome.id").String()
}

// Failure returns the native failure object, or nil when the outcome did not fail.
func (o *ExecutionOutcome) Failure() json.RawMessage {
	f := gjson.GetBytes(o.raw, "status.Failure")
	if !f.Exists() {
		return nil
	}
	return json.RawMessage(f.Raw)
}

func (o *ExecutionOutcome) IsFailure() bool {
	return o.Failure() != nil
}

// SuccessValue returns the decoded return value of the last receipt, if any.
func (o *ExecutionOutcome) SuccessValue() ([]byte, bool) {
	v := gjson.GetBytes(o.raw, "status.SuccessValue")
	if !v.Exists() {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(v.String())
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// ReceiptReceivers lists the executor of every receipt in execution order.
func (o *ExecutionOutcome) ReceiptReceivers() []string {
	var out []string
	gjson.GetBytes(o.raw, "receipts_outcome.#.outcome.executor_id").ForEach(func(_, value gjson.Result) bool {
		out = append(out, value.String())
		return true
	})
	return out
}

// SignerID is the account that signed the outer transaction.
func (o *ExecutionOutcome) SignerID() string {
	return gjson.GetBytes(o.raw, "transaction.signer_id").String()
}

// ReceiverID is the receiver of the outer transaction.
func (o *ExecutionOutcome) ReceiverID() string {
	return gjson.GetBytes(o.raw, "transaction.receiver_id").String()
}
