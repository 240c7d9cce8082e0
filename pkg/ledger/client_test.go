package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"github.com/Layr-Labs/near-relay-go/pkg/testutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), &ClientConfig{RPCURL: url, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func signedTransfer(t *testing.T, key *keys.KeyPair, nonce uint64, blockHash [32]byte) *delegate.SignedTransaction {
	t.Helper()
	st, err := delegate.SignTransaction(delegate.Transaction{
		SignerID:   "relayer.near",
		PublicKey:  key.PublicKey(),
		Nonce:      nonce,
		ReceiverID: "bob.near",
		BlockHash:  blockHash,
		Actions:    []delegate.Action{delegate.TransferAction(uint256.NewInt(1))},
	}, key)
	require.NoError(t, err)
	return st
}

func Test_ClientStatusAndAccessKey(t *testing.T) {
	l := zaptest.NewLogger(t)
	mock := testutil.NewMockLedger(t, l, 500)
	key, err := keys.NewKeyPairFromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	mock.AddAccessKey("relayer.near", key.PublicKey(), 40)

	c := newTestClient(t, mock.URL())
	ctx := context.Background()

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), status.LatestBlockHeight)
	assert.Equal(t, "localnet", status.ChainID)
	assert.NotEqual(t, [32]byte{}, status.LatestBlockHash)

	ak, err := c.AccessKey(ctx, "relayer.near", key.PublicKey().String())
	require.NoError(t, err)
	assert.Equal(t, uint64(40), ak.Nonce)

	_, err = c.AccessKey(ctx, "nobody.near", key.PublicKey().String())
	assert.ErrorIs(t, err, ErrAccessKeyNotFound)
}

func Test_ClientBroadcast(t *testing.T) {
	l := zaptest.NewLogger(t)
	mock := testutil.NewMockLedger(t, l, 500)
	key, err := keys.NewKeyPairFromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	mock.AddAccessKey("relayer.near", key.PublicKey(), 40)

	c := newTestClient(t, mock.URL())
	ctx := context.Background()
	status, err := c.Status(ctx)
	require.NoError(t, err)

	st := signedTransfer(t, key, 41, status.LatestBlockHash)
	outcome, err := c.BroadcastTxCommit(ctx, st.Encode())
	require.NoError(t, err)
	assert.Equal(t, st.HashString(), outcome.TransactionHash())
	assert.Equal(t, "relayer.near", outcome.SignerID())
	assert.Equal(t, "bob.near", outcome.ReceiverID())
	assert.False(t, outcome.IsFailure())
	assert.Contains(t, outcome.ReceiptReceivers(), "bob.near")

	t.Run("replayed nonce is an invalid transaction", func(t *testing.T) {
		_, err := c.BroadcastTxCommit(ctx, st.Encode())
		var rejection *RejectionError
		require.ErrorAs(t, err, &rejection)
		assert.Equal(t, InvalidTransaction, rejection.Kind)
		assert.Contains(t, string(rejection.Native), "InvalidNonce")
		assert.False(t, IsRetryable(err))
	})

	t.Run("lookup by hash", func(t *testing.T) {
		found, err := c.TxStatus(ctx, st.HashString(), "relayer.near")
		require.NoError(t, err)
		assert.JSONEq(t, string(outcome.Raw()), string(found.Raw()))
	})

	t.Run("gateway failure is retryable", func(t *testing.T) {
		mock.FailNextBroadcasts(http.StatusServiceUnavailable, 1)
		_, err := c.BroadcastTxCommit(ctx, signedTransfer(t, key, 42, status.LatestBlockHash).Encode())
		assert.True(t, IsRetryable(err))
		assert.ErrorIs(t, err, relayErrors.ErrLedgerUnavailable)
	})

	t.Run("gateway timeout is ambiguous", func(t *testing.T) {
		mock.FailNextBroadcasts(http.StatusGatewayTimeout, 1)
		_, err := c.BroadcastTxCommit(ctx, signedTransfer(t, key, 42, status.LatestBlockHash).Encode())
		assert.ErrorIs(t, err, relayErrors.ErrSubmissionTimeout)
		assert.False(t, IsRetryable(err))
	})

	t.Run("ledger timeout after execution", func(t *testing.T) {
		mock.TimeoutNextBroadcasts(1)
		late := signedTransfer(t, key, 42, status.LatestBlockHash)
		_, err := c.BroadcastTxCommit(ctx, late.Encode())
		require.ErrorIs(t, err, relayErrors.ErrSubmissionTimeout)

		found, err := c.TxStatus(ctx, late.HashString(), "relayer.near")
		require.NoError(t, err)
		assert.Equal(t, late.HashString(), found.TransactionHash())
	})
}

func Test_ClientUnreachable(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.Status(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, relayErrors.ErrLedgerUnavailable))
}

func Test_ClientParamsShape(t *testing.T) {
	var (
		mu     sync.Mutex
		params = make(map[string]string)
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		params[req.Method] = string(req.Params)
		mu.Unlock()

		var result string
		switch req.Method {
		case "query":
			result = `{"nonce":7,"permission":"FullAccess","block_height":10,"block_hash":"11111111111111111111111111111111"}`
		default:
			result = `{"status":{"SuccessValue":""},"transaction":{"hash":"9mC4Kk","signer_id":"relayer.near","receiver_id":"bob.near"},"receipts_outcome":[]}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	key, err := keys.NewKeyPairFromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	pk := key.PublicKey().String()
	signed := []byte{1, 2, 3, 4}

	ak, err := c.AccessKey(ctx, "relayer.near", pk)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ak.Nonce)

	_, err = c.BroadcastTxCommit(ctx, signed)
	require.NoError(t, err)

	_, err = c.TxStatus(ctx, "9mC4Kk", "relayer.near")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	tests := []struct {
		method string
		want   string
	}{
		{"query", `["access_key/relayer.near/` + pk + `",""]`},
		{"broadcast_tx_commit", `["` + base64.StdEncoding.EncodeToString(signed) + `"]`},
		{"tx", `["9mC4Kk","relayer.near"]`},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			require.Contains(t, params, tt.method)
			assert.JSONEq(t, tt.want, params[tt.method])
		})
	}
}

func Test_ClientReadTimeoutsAreUnavailable(t *testing.T) {
	l := zaptest.NewLogger(t)
	mock := testutil.NewMockLedger(t, l, 500)
	key, err := keys.NewKeyPairFromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	mock.AddAccessKey("relayer.near", key.PublicKey(), 40)
	c := newTestClient(t, mock.URL())

	t.Run("gateway timeout on query", func(t *testing.T) {
		mock.FailNextQueries(http.StatusGatewayTimeout, 1)
		_, err := c.AccessKey(context.Background(), "relayer.near", key.PublicKey().String())
		require.Error(t, err)
		assert.ErrorIs(t, err, relayErrors.ErrLedgerUnavailable)
		assert.NotErrorIs(t, err, relayErrors.ErrSubmissionTimeout)
		assert.True(t, IsRetryable(err))
	})

	t.Run("deadline on status", func(t *testing.T) {
		release := make(chan struct{})
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(slow.Close)
		t.Cleanup(func() { close(release) })

		sc := newTestClient(t, slow.URL)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := sc.Status(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, relayErrors.ErrLedgerUnavailable)
		assert.NotErrorIs(t, err, relayErrors.ErrSubmissionTimeout)
	})
}

func Test_ClassifyFailure(t *testing.T) {
	tests := []struct {
		name   string
		native string
		want   RejectionKind
	}{
		{"delegate nonce", `{"ActionError":{"index":0,"kind":{"DelegateActionInvalidNonce":{"delegate_nonce":5,"ak_nonce":5}}}}`, NonceConflict},
		{"delegate expired unit variant", `{"ActionError":{"index":0,"kind":"DelegateActionExpired"}}`, DelegateExpired},
		{"delegate signature", `{"ActionError":{"index":0,"kind":"DelegateActionInvalidSignature"}}`, InvalidSignature},
		{"delegate key", `{"ActionError":{"index":0,"kind":{"DelegateActionAccessKeyError":{"AccessKeyNotFound":{}}}}}`, InsufficientPermissions},
		{"outer invalid tx", `{"TxExecutionError":{"InvalidTxError":{"InvalidNonce":{"tx_nonce":1,"ak_nonce":2}}}}`, InvalidTransaction},
		{"contract panic", `{"ActionError":{"index":0,"kind":{"FunctionCallError":{"ExecutionError":"panicked"}}}}`, ActionFailed},
		{"unknown shape", `{"Something":"else"}`, ActionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure([]byte(tt.native)))
		})
	}
}

func Test_ExecutionOutcomeAccessors(t *testing.T) {
	raw := []byte(`{"status":{"SuccessValue":"ZmFsc2U="},"transaction":{"hash":"abc","signer_id":"relayer.near","receiver_id":"testnet"},"receipts_outcome":[{"outcome":{"executor_id":"testnet"}},{"outcome":{"executor_id":"relayer.near"}}]}`)
	o := NewExecutionOutcome(raw)

	value, ok := o.SuccessValue()
	require.True(t, ok)
	assert.Equal(t, "false", string(value))
	assert.Equal(t, "abc", o.TransactionHash())
	assert.Equal(t, []string{"testnet", "relayer.near"}, o.ReceiptReceivers())
	assert.Nil(t, o.Failure())

	encoded, err := o.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, raw, encoded)
}
