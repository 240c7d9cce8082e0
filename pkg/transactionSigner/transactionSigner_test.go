package transactionSigner

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/ledger"
	"github.com/Layr-Labs/near-relay-go/pkg/metrics"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"github.com/Layr-Labs/near-relay-go/pkg/testutil"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	mock    *testutil.MockLedger
	key     *keys.KeyPair
	signer  *TransactionSigner
	metrics *metrics.RelayMetrics
}

func newFixture(t *testing.T, maxRetries uint64) *fixture {
	t.Helper()
	l := zaptest.NewLogger(t)
	mock := testutil.NewMockLedger(t, l, 1000)
	key, err := keys.NewKeyPairFromSeed(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	mock.AddAccessKey("relayer.near", key.PublicKey(), 40)
	mock.AddAccessKey("bob.near", key.PublicKey(), 0)

	client, err := ledger.NewClient(context.Background(), &ledger.ClientConfig{RPCURL: mock.URL(), Logger: l})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	m, err := metrics.NewRelayMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	signer, err := NewTransactionSigner(&SignerConfig{
		AccountID: "relayer.near",
		Key:       key,
		Retry: RetryConfig{
			MaxRetries:      maxRetries,
			InitialBackoff:  time.Millisecond,
			MaxBackoff:      5 * time.Millisecond,
			BackoffMultiple: 2,
		},
		SubmitTimeout: 5 * time.Second,
		Metrics:       m,
	}, client, l)
	require.NoError(t, err)
	return &fixture{mock: mock, key: key, signer: signer, metrics: m}
}

func transfer() []delegate.Action {
	return []delegate.Action{delegate.TransferAction(uint256.NewInt(5))}
}

func Test_SignAndSendTransaction(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	sub, err := f.signer.SignAndSendTransaction(ctx, "bob.near", transfer())
	require.NoError(t, err)
	assert.Equal(t, uint64(41), sub.Nonce)
	assert.Equal(t, 1, sub.Attempts)
	assert.Equal(t, sub.TxHash, sub.Outcome.TransactionHash())

	sub, err = f.signer.SignAndSendTransaction(ctx, "bob.near", transfer())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), sub.Nonce)

	submitted := f.mock.Submitted()
	require.Len(t, submitted, 2)
	assert.Equal(t, "relayer.near", submitted[0].Transaction.SignerID)
	assert.Equal(t, "bob.near", submitted[0].Transaction.ReceiverID)
}

func Test_SignAndSendTransactionRetriesSameBytes(t *testing.T) {
	f := newFixture(t, 3)
	f.mock.FailNextBroadcasts(http.StatusBadGateway, 2)

	sub, err := f.signer.SignAndSendTransaction(context.Background(), "bob.near", transfer())
	require.NoError(t, err)
	assert.Equal(t, 3, sub.Attempts)
	assert.Equal(t, 3, f.mock.BroadcastCount())
	require.Len(t, f.mock.Submitted(), 1)
	assert.Equal(t, sub.TxHash, f.mock.Submitted()[0].HashString())
}

func Test_SignAndSendTransactionGivesUp(t *testing.T) {
	f := newFixture(t, 2)
	f.mock.FailNextBroadcasts(http.StatusServiceUnavailable, 10)

	sub, err := f.signer.SignAndSendTransaction(context.Background(), "bob.near", transfer())
	require.Error(t, err)
	assert.ErrorIs(t, err, relayErrors.ErrLedgerUnavailable)
	require.NotNil(t, sub)
	assert.Equal(t, 3, sub.Attempts)
	assert.Empty(t, f.mock.Submitted())
}

func Test_SignAndSendTransactionTimeoutIsNotRetried(t *testing.T) {
	f := newFixture(t, 3)
	f.mock.TimeoutNextBroadcasts(1)

	sub, err := f.signer.SignAndSendTransaction(context.Background(), "bob.near", transfer())
	require.ErrorIs(t, err, relayErrors.ErrSubmissionTimeout)
	require.NotNil(t, sub)
	assert.Equal(t, 1, sub.Attempts)
	assert.NotEmpty(t, sub.TxHash)
	assert.Equal(t, 1, f.mock.BroadcastCount())
}

func Test_SignAndSendTransactionResyncsNonce(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.signer.SignAndSendTransaction(ctx, "bob.near", transfer())
	require.NoError(t, err)

	// another process used the relayer key meanwhile
	f.mock.AddAccessKey("relayer.near", f.key.PublicKey(), 100)

	_, err = f.signer.SignAndSendTransaction(ctx, "bob.near", transfer())
	var rejection *ledger.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, ledger.InvalidTransaction, rejection.Kind)

	sub, err := f.signer.SignAndSendTransaction(ctx, "bob.near", transfer())
	require.NoError(t, err)
	assert.Equal(t, uint64(101), sub.Nonce)
}

func Test_NewTransactionSignerValidation(t *testing.T) {
	l := zaptest.NewLogger(t)
	key, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	_, err = NewTransactionSigner(nil, nil, l)
	assert.Error(t, err)
	_, err = NewTransactionSigner(&SignerConfig{AccountID: "Bad Account", Key: key}, &ledger.Client{}, l)
	assert.Error(t, err)
	_, err = NewTransactionSigner(&SignerConfig{AccountID: "relayer.near"}, &ledger.Client{}, l)
	assert.Error(t, err)
	_, err = NewTransactionSigner(&SignerConfig{AccountID: "relayer.near", Key: key}, nil, l)
	assert.Error(t, err)
}
