package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/indexer"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/ledger"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence/memory"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"github.com/Layr-Labs/near-relay-go/pkg/relayer"
	"github.com/Layr-Labs/near-relay-go/pkg/server"
	"github.com/Layr-Labs/near-relay-go/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testHeight = 2000

type fixture struct {
	mock     *testutil.MockLedger
	client   *Client
	unbound  *keys.KeyPair
	bound    *keys.KeyPair
	requests *atomic.Int32
}

// newFixture runs client -> relay server -> mock ledger, with "bob.near" registered to the bound key at nonce 7.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := zaptest.NewLogger(t)
	mock := testutil.NewMockLedger(t, l, testHeight)

	relayerKey := testutil.CreateTestKey(t, 1)
	unbound := testutil.CreateTestKey(t, 2)
	bound := testutil.CreateTestKey(t, 3)
	mock.AddAccessKey("relayer.testnet", relayerKey.PublicKey(), 0)
	mock.AddAccessKey("bob.near", bound.PublicKey(), 7)

	ledgerClient, err := ledger.NewClient(context.Background(), &ledger.ClientConfig{RPCURL: mock.URL(), Logger: l})
	require.NoError(t, err)
	t.Cleanup(ledgerClient.Close)

	identity, err := relayer.NewRelayerIdentity("relayer.testnet", relayerKey, "testnet")
	require.NoError(t, err)
	r, err := relayer.NewRelayer(&relayer.Config{AccountCreatorID: "testnet"}, identity, ledgerClient, memory.NewMemoryPersistence(), nil, l)
	require.NoError(t, err)

	requests := &atomic.Int32{}
	handler := server.NewServer(&server.Config{}, r, nil, nil, nil, l).GetHandler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests.Add(1)
		handler.ServeHTTP(w, req)
	}))
	t.Cleanup(ts.Close)

	index := indexer.StaticIndex{bound.PublicKey().String(): {"bob.near"}}
	c, err := NewClient(&Config{RelayURL: ts.URL + "/relay"}, index, ledgerClient, l)
	require.NoError(t, err)

	return &fixture{mock: mock, client: c, unbound: unbound, bound: bound, requests: requests}
}

func newLedgerClient(t *testing.T) *ledger.Client {
	l := zaptest.NewLogger(t)
	mock := testutil.NewMockLedger(t, l, testHeight)
	c, err := ledger.NewClient(context.Background(), &ledger.ClientConfig{RPCURL: mock.URL(), Logger: l})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func mintActions(t *testing.T) []delegate.Action {
	mint, err := delegate.NewMintAction("nft.examples.testnet", "https://example.com/a.png", "")
	require.NoError(t, err)
	return []delegate.Action{mint}
}

func Test_RelayTransaction_EndToEnd(t *testing.T) {
	f := newFixture(t)

	result, err := f.client.RelayTransaction(context.Background(), RelayRequest{
		Keys:       []keys.SigningKey{f.unbound, f.bound},
		ReceiverID: "shop.near",
		Actions:    mintActions(t),
	})
	require.NoError(t, err)

	assert.Equal(t, "bob.near", result.SenderID)
	assert.True(t, f.bound.PublicKey().Equal(result.PublicKey))
	assert.Equal(t, uint64(8), result.Nonce)
	assert.Equal(t, uint64(testHeight+DefaultBlockHeightTTL), result.MaxBlockHeight)
	assert.Contains(t, result.Outcome.ReceiptReceivers(), "shop.near")
	assert.Equal(t, []State{StateIdle, StateResolving, StateSigning, StateEncoding, StateAwaiting, StateCompleted}, result.States)

	submitted := f.mock.Submitted()
	require.Len(t, submitted, 1)
	sd, ok := submitted[0].Transaction.Actions[0].(*delegate.SignedDelegate)
	require.True(t, ok)
	assert.Equal(t, result.Envelope, delegate.EncodeSignedDelegate(sd), "server decoded the exact envelope the client signed")

	nonce, ok := f.mock.AccessKeyNonce("bob.near", f.bound.PublicKey())
	require.True(t, ok)
	assert.Equal(t, uint64(8), nonce)
}

func Test_RelayTransaction_NoAccount(t *testing.T) {
	f := newFixture(t)

	result, err := f.client.RelayTransaction(context.Background(), RelayRequest{
		Keys:       []keys.SigningKey{f.unbound},
		ReceiverID: "shop.near",
		Actions:    mintActions(t),
	})
	assert.ErrorIs(t, err, relayErrors.ErrNoAccountFound)
	assert.Equal(t, []State{StateIdle, StateResolving, StateFailed}, result.States)
	assert.Equal(t, int32(0), f.requests.Load(), "nothing is sent to the relay")
}

func Test_RelayTransaction_UsernameMismatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.RelayTransaction(context.Background(), RelayRequest{
		Keys:       []keys.SigningKey{f.bound},
		Username:   "alice.near",
		ReceiverID: "shop.near",
		Actions:    mintActions(t),
	})
	assert.ErrorIs(t, err, relayErrors.ErrNoAccountFound)
}

func Test_SendEnvelope_RejectedIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.client.RelayTransaction(ctx, RelayRequest{
		Keys:       []keys.SigningKey{f.bound},
		ReceiverID: "shop.near",
		Actions:    mintActions(t),
	})
	require.NoError(t, err)
	before := f.requests.Load()

	_, err = f.client.SendEnvelope(ctx, result.Envelope)
	var rejected *relayErrors.RelayRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Equal(t, relayErrors.KindLedgerRejection, rejected.Kind)
	assert.Equal(t, string(ledger.NonceConflict), rejected.LedgerKind)
	assert.NotEmpty(t, rejected.LedgerError)
	assert.Equal(t, before+1, f.requests.Load(), "exactly one request per call")
}

func Test_RelayBatch(t *testing.T) {
	f := newFixture(t)

	outcomes, err := f.client.RelayBatch(context.Background(), []keys.SigningKey{f.bound}, "bob.near", []RelayItem{
		{ReceiverID: "shop.near", Actions: mintActions(t)},
		{ReceiverID: "market.near", Actions: mintActions(t)},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Contains(t, outcomes[1].ReceiptReceivers(), "market.near")

	nonce, _ := f.mock.AccessKeyNonce("bob.near", f.bound.PublicKey())
	assert.Equal(t, uint64(9), nonce)
}

func Test_SendEnvelopes_PartialBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.client.RelayTransaction(ctx, RelayRequest{
		Keys:       []keys.SigningKey{f.bound},
		ReceiverID: "shop.near",
		Actions:    mintActions(t),
	})
	require.NoError(t, err)

	binding, err := f.client.Discover(ctx, []keys.SigningKey{f.bound}, "bob.near")
	require.NoError(t, err)
	signed, err := f.client.SignDelegates(ctx, binding, []RelayItem{{ReceiverID: "market.near", Actions: mintActions(t)}})
	require.NoError(t, err)

	outcomes, err := f.client.SendEnvelopes(ctx, [][]byte{
		delegate.EncodeSignedDelegate(signed[0]),
		first.Envelope,
	})
	var rejected *relayErrors.RelayRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, relayErrors.KindLedgerRejection, rejected.Kind)
	require.Len(t, outcomes, 1)
	assert.Contains(t, outcomes[0].ReceiptReceivers(), "market.near")
}

func Test_CreateAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pk := testutil.CreateTestKey(t, 8).PublicKey()

	outcome, err := f.client.CreateAccount(ctx, "carol.testnet", pk)
	require.NoError(t, err)
	value, ok := outcome.SuccessValue()
	require.True(t, ok)
	assert.Equal(t, "true", string(value))

	_, err = f.client.CreateAccount(ctx, "carol.testnet", pk)
	assert.ErrorIs(t, err, relayErrors.ErrAccountCreationRejected)
}

func Test_LookupSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.client.RelayTransaction(ctx, RelayRequest{
		Keys:       []keys.SigningKey{f.bound},
		ReceiverID: "shop.near",
		Actions:    mintActions(t),
	})
	require.NoError(t, err)

	rec, err := f.client.LookupSubmission(ctx, "bob.near", result.Nonce)
	require.NoError(t, err)
	assert.Equal(t, persistence.StateSucceeded, rec.State)
	assert.Equal(t, result.Outcome.TransactionHash(), rec.TxHash)

	_, err = f.client.LookupSubmission(ctx, "bob.near", 999)
	assert.ErrorIs(t, err, relayErrors.ErrSubmissionNotFound)

	recs, err := f.client.ListSubmissions(ctx, "bob.near")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, result.Nonce, recs[0].Nonce)

	recs, err = f.client.ListSubmissions(ctx, "nobody.near")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func Test_Client_NonJSONErrorAndTimeout(t *testing.T) {
	l := zaptest.NewLogger(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c, err := NewClient(&Config{RelayURL: ts.URL + "/relay", RelayTimeout: 50 * time.Millisecond}, indexer.StaticIndex{}, newLedgerClient(t), l)
	require.NoError(t, err)

	_, err = c.SendEnvelope(context.Background(), []byte{1})
	var rejected *relayErrors.RelayRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusInternalServerError, rejected.StatusCode)
	assert.Equal(t, relayErrors.KindInternal, rejected.Kind)
	assert.Contains(t, rejected.Message, "upstream exploded")

	c.cfg.RelayURL = ts.URL + "/slow"
	_, err = c.SendEnvelope(context.Background(), []byte{1})
	assert.ErrorIs(t, err, relayErrors.ErrSubmissionTimeout)
}

func Test_NewClient(t *testing.T) {
	l := zaptest.NewLogger(t)
	reader := newLedgerClient(t)

	_, err := NewClient(&Config{}, indexer.StaticIndex{}, reader, l)
	assert.ErrorIs(t, err, relayErrors.ErrConfigurationMissing)

	c, err := NewClient(&Config{RelayURL: "https://relay.example.com/relay?x=1"}, indexer.StaticIndex{}, reader, l)
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com/create-account", c.cfg.CreateAccountURL)
	assert.Equal(t, "https://relay.example.com/submissions", c.cfg.SubmissionsURL)
	assert.Equal(t, uint64(DefaultBlockHeightTTL), c.cfg.BlockHeightTTL)
}

func Test_ByteArraysJSON(t *testing.T) {
	b, err := byteArrays{{1, 2}, {255}}.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "[[1,2],[255]]", string(b))
}
