package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

// MockLedger is an in-process JSON-RPC ledger node for tests.
// It implements status, query (view_access_key), broadcast_tx_commit and tx,
// enforces access key nonces for outer transactions and delegate actions,
// and can inject gateway failures and timeouts.
type MockLedger struct {
	server *httptest.Server
	logger *zap.Logger

	mu          sync.Mutex
	chainID     string
	height      uint64
	accessKeys  map[string]uint64
	accounts    map[string]bool
	outcomes    map[string]json.RawMessage
	submitted   []*delegate.SignedTransaction
	gatewayErrs map[string][]int
	timeouts    int
	broadcasts  int
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Name    string `json:"name,omitempty"`
	Cause   any    `json:"cause,omitempty"`
}

// NewMockLedger starts a mock ledger at the given height. It is closed with the test.
func NewMockLedger(t *testing.T, logger *zap.Logger, height uint64) *MockLedger {
	m := &MockLedger{
		logger:     logger,
		chainID:    "localnet",
		height:     height,
		accessKeys: make(map[string]uint64),
		accounts:   make(map[string]bool),
		outcomes:   make(map[string]json.RawMessage),

		gatewayErrs: make(map[string][]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *MockLedger) URL() string {
	return m.server.URL
}

// AddAccessKey registers an account with an access key at the given nonce.
func (m *MockLedger) AddAccessKey(accountID string, pk keys.PublicKey, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = true
	m.accessKeys[accessKeyID(accountID, pk.String())] = nonce
}

func (m *MockLedger) AccessKeyNonce(accountID string, pk keys.PublicKey) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.accessKeys[accessKeyID(accountID, pk.String())]
	return n, ok
}

func (m *MockLedger) HasAccount(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[accountID]
}

func (m *MockLedger) SetHeight(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = height
}

// FailNextBroadcasts makes the next n broadcasts fail with the given HTTP status
// before reaching the ledger.
func (m *MockLedger) FailNextBroadcasts(status, n int) {
	m.failNext("broadcast_tx_commit", status, n)
}

// FailNextQueries makes the next n access key queries fail with the given HTTP status.
func (m *MockLedger) FailNextQueries(status, n int) {
	m.failNext("query", status, n)
}

// FailNextTxLookups makes the next n tx status lookups fail with the given HTTP status.
func (m *MockLedger) FailNextTxLookups(status, n int) {
	m.failNext("tx", status, n)
}

func (m *MockLedger) failNext(method string, status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.gatewayErrs[method] = append(m.gatewayErrs[method], status)
	}
}

// TimeoutNextBroadcasts makes the next n broadcasts execute but answer with a ledger timeout.
func (m *MockLedger) TimeoutNextBroadcasts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts += n
}

func (m *MockLedger) BroadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts
}

// Submitted returns every transaction that reached the ledger, in order.
func (m *MockLedger) Submitted() []*delegate.SignedTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*delegate.SignedTransaction, len(m.submitted))
	copy(out, m.submitted)
	return out
}

func (m *MockLedger) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Method == "broadcast_tx_commit" {
		m.broadcasts++
	}
	if pending := m.gatewayErrs[req.Method]; len(pending) > 0 {
		m.gatewayErrs[req.Method] = pending[1:]
		http.Error(w, http.StatusText(pending[0]), pending[0])
		return
	}

	var (
		result any
		rerr   *rpcError
	)
	switch req.Method {
	case "status":
		result = m.status()
	case "query":
		result, rerr = m.query(req.Params)
	case "broadcast_tx_commit":
		result, rerr = m.broadcast(req.Params)
	case "tx":
		result, rerr = m.tx(req.Params)
	default:
		rerr = &rpcError{Code: -32601, Message: "Method not found", Data: req.Method}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rerr != nil {
		resp["error"] = rerr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *MockLedger) status() any {
	return map[string]any{
		"chain_id": m.chainID,
		"sync_info": map[string]any{
			"latest_block_hash":   blockHash(m.height),
			"latest_block_height": m.height,
		},
	}
}

func (m *MockLedger) query(params json.RawMessage) (any, *rpcError) {
	var p []string
	if err := json.Unmarshal(params, &p); err != nil || len(p) != 2 {
		return nil, &rpcError{Code: -32602, Message: "Invalid params"}
	}
	parts := strings.SplitN(p[0], "/", 3)
	if len(parts) != 3 || parts[0] != "access_key" {
		return nil, &rpcError{Code: -32602, Message: "Invalid params", Data: p[0]}
	}
	accountID, publicKey := parts[1], parts[2]
	nonce, ok := m.accessKeys[accessKeyID(accountID, publicKey)]
	if !ok {
		return nil, &rpcError{
			Code:    -32000,
			Message: "Server error",
			Name:    "HANDLER_ERROR",
			Cause:   map[string]any{"name": "UNKNOWN_ACCESS_KEY"},
			Data:    fmt.Sprintf("access key %s does not exist while viewing", publicKey),
		}
	}
	return map[string]any{
		"nonce":        nonce,
		"permission":   "FullAccess",
		"block_height": m.height,
		"block_hash":   blockHash(m.height),
	}, nil
}

func (m *MockLedger) tx(params json.RawMessage) (any, *rpcError) {
	var p []string
	if err := json.Unmarshal(params, &p); err != nil || len(p) != 2 {
		return nil, &rpcError{Code: -32602, Message: "Invalid params"}
	}
	outcome, ok := m.outcomes[p[0]]
	if !ok {
		return nil, &rpcError{
			Code:    -32000,
			Message: "Server error",
			Name:    "HANDLER_ERROR",
			Cause:   map[string]any{"name": "UNKNOWN_TRANSACTION"},
			Data:    fmt.Sprintf("Transaction %s doesn't exist", p[0]),
		}
	}
	return outcome, nil
}

func (m *MockLedger) broadcast(params json.RawMessage) (any, *rpcError) {
	var p []string
	if err := json.Unmarshal(params, &p); err != nil || len(p) != 1 {
		return nil, &rpcError{Code: -32602, Message: "Invalid params"}
	}
	raw, err := base64.StdEncoding.DecodeString(p[0])
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "Invalid params", Data: err.Error()}
	}
	st, err := delegate.DecodeSignedTransaction(raw)
	if err != nil {
		return nil, invalidTx("InvalidTransaction")
	}
	tx := st.Transaction

	hash := tx.Hash()
	ok, _ := tx.PublicKey.Verify(hash[:], st.Signature)
	if !ok {
		return nil, invalidTx("InvalidSignature")
	}
	signerKey := accessKeyID(tx.SignerID, tx.PublicKey.String())
	akNonce, exists := m.accessKeys[signerKey]
	if !exists {
		return nil, invalidTx(map[string]any{"InvalidAccessKeyError": map[string]any{
			"AccessKeyNotFound": map[string]any{"account_id": tx.SignerID, "public_key": tx.PublicKey.String()},
		}})
	}
	if tx.Nonce <= akNonce {
		return nil, invalidTx(map[string]any{"InvalidNonce": map[string]any{"tx_nonce": tx.Nonce, "ak_nonce": akNonce}})
	}
	m.accessKeys[signerKey] = tx.Nonce
	m.submitted = append(m.submitted, st)

	txHash := st.HashString()
	receivers := []string{tx.ReceiverID}
	var (
		failure      any
		successValue []byte
	)
	for i, action := range tx.Actions {
		switch a := action.(type) {
		case *delegate.SignedDelegate:
			kind, recv := m.applyDelegate(a)
			if kind != nil {
				failure = map[string]any{"ActionError": map[string]any{"index": i, "kind": kind}}
			} else {
				receivers = append(receivers, recv)
			}
		case *delegate.FunctionCall:
			if a.MethodName == "create_account" {
				successValue = m.applyCreateAccount(a.Args)
			}
		}
		if failure != nil {
			break
		}
	}

	status := map[string]any{"SuccessValue": base64.StdEncoding.EncodeToString(successValue)}
	if failure != nil {
		status = map[string]any{"Failure": failure}
	}
	receipts := make([]any, 0, len(receivers))
	for i, recv := range receivers {
		receipts = append(receipts, map[string]any{
			"id":      receiptID(txHash, i),
			"outcome": map[string]any{"executor_id": recv, "status": status},
		})
	}
	outcome, _ := json.Marshal(map[string]any{
		"status": status,
		"transaction": map[string]any{
			"hash":        txHash,
			"signer_id":   tx.SignerID,
			"receiver_id": tx.ReceiverID,
			"public_key":  tx.PublicKey.String(),
			"nonce":       tx.Nonce,
		},
		"transaction_outcome": map[string]any{
			"id":      txHash,
			"outcome": map[string]any{"executor_id": tx.SignerID, "status": map[string]any{"SuccessReceiptId": receiptID(txHash, 0)}},
		},
		"receipts_outcome": receipts,
	})
	m.outcomes[txHash] = outcome

	if m.timeouts > 0 {
		m.timeouts--
		return nil, &rpcError{
			Code:    -32000,
			Message: "Server error",
			Name:    "HANDLER_ERROR",
			Cause:   map[string]any{"name": "TIMEOUT_ERROR"},
			Data:    "Timeout",
		}
	}
	return json.RawMessage(outcome), nil
}

func (m *MockLedger) applyDelegate(sd *delegate.SignedDelegate) (any, string) {
	da := sd.DelegateAction
	if err := sd.VerifySignature(); err != nil {
		return "DelegateActionInvalidSignature", ""
	}
	if da.MaxBlockHeight < m.height {
		return map[string]any{"DelegateActionExpired": map[string]any{}}, ""
	}
	key := accessKeyID(da.SenderID, da.PublicKey.String())
	akNonce, ok := m.accessKeys[key]
	if !ok {
		return map[string]any{"DelegateActionAccessKeyError": map[string]any{
			"AccessKeyNotFound": map[string]any{"account_id": da.SenderID, "public_key": da.PublicKey.String()},
		}}, ""
	}
	if da.Nonce <= akNonce {
		return map[string]any{"DelegateActionInvalidNonce": map[string]any{"delegate_nonce": da.Nonce, "ak_nonce": akNonce}}, ""
	}
	m.accessKeys[key] = da.Nonce
	return nil, da.ReceiverID
}

func (m *MockLedger) applyCreateAccount(args []byte) []byte {
	var a struct {
		NewAccountID string `json:"new_account_id"`
		NewPublicKey string `json:"new_public_key"`
	}
	if err := json.Unmarshal(args, &a); err != nil || m.accounts[a.NewAccountID] {
		return []byte("false")
	}
	pk, err := keys.ParsePublicKey(a.NewPublicKey)
	if err != nil {
		return []byte("false")
	}
	m.accounts[a.NewAccountID] = true
	m.accessKeys[accessKeyID(a.NewAccountID, pk.String())] = m.height * 1_000_000
	return []byte("true")
}

func invalidTx(detail any) *rpcError {
	return &rpcError{
		Code:    -32000,
		Message: "Server error",
		Name:    "HANDLER_ERROR",
		Cause:   map[string]any{"name": "INVALID_TRANSACTION"},
		Data:    map[string]any{"TxExecutionError": map[string]any{"InvalidTxError": detail}},
	}
}

func accessKeyID(accountID, publicKey string) string {
	return accountID + "|" + publicKey
}

func blockHash(height uint64) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], height)
	h := sha256.Sum256(b[:])
	return base58.Encode(h[:])
}

func receiptID(txHash string, i int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", txHash, i)))
	return base58.Encode(h[:])
}
