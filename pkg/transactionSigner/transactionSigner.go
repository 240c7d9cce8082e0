package transactionSigner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/ledger"
	"github.com/Layr-Labs/near-relay-go/pkg/metrics"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ITransactionSigner signs outer transactions as the relayer and submits them to the ledger
type ITransactionSigner interface {
	// SignAndSendTransaction wraps actions in a relayer transaction to receiverID and submits it.
	// The returned Submission is non-nil whenever a transaction was signed, even on error.
	SignAndSendTransaction(ctx context.Context, receiverID string, actions []delegate.Action) (*Submission, error)

	// AccountID returns the account that signs and pays for transactions
	AccountID() string

	// PublicKey returns the relayer's access key
	PublicKey() keys.PublicKey
}

// RetryConfig configures resubmission after transport failures
type RetryConfig struct {
	MaxRetries      uint64
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxRetries:      3,
	InitialBackoff:  200 * time.Millisecond,
	MaxBackoff:      5 * time.Second,
	BackoffMultiple: 2.0,
}

const DefaultSubmitTimeout = 60 * time.Second

type SignerConfig struct {
	AccountID     string
	Key           keys.SigningKey
	Retry         RetryConfig
	SubmitTimeout time.Duration
	Metrics       *metrics.RelayMetrics
}

// Submission describes one signed transaction and what the ledger said about it.
type Submission struct {
	TxHash   string
	Nonce    uint64
	Attempts int
	Outcome  *ledger.ExecutionOutcome
}

// TransactionSigner holds the relayer key and its outer nonce cache.
type TransactionSigner struct {
	accountID     string
	key           keys.SigningKey
	ledgerClient  ledger.ILedgerClient
	retry         RetryConfig
	submitTimeout time.Duration
	metrics       *metrics.RelayMetrics
	logger        *zap.Logger

	nonceMu sync.Mutex
	nonce   uint64
}

var _ ITransactionSigner = (*TransactionSigner)(nil)

func NewTransactionSigner(cfg *SignerConfig, ledgerClient ledger.ILedgerClient, logger *zap.Logger) (*TransactionSigner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := delegate.ValidateAccountID(cfg.AccountID); err != nil {
		return nil, fmt.Errorf("invalid relayer account: %w", err)
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("signing key cannot be nil")
	}
	if ledgerClient == nil {
		return nil, fmt.Errorf("ledger client cannot be nil")
	}
	retry := cfg.Retry
	if retry.InitialBackoff <= 0 {
		retry = DefaultRetryConfig
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &TransactionSigner{
		accountID:     cfg.AccountID,
		key:           cfg.Key,
		ledgerClient:  ledgerClient,
		retry:         retry,
		submitTimeout: timeout,
		metrics:       cfg.Metrics,
		logger:        logger,
	}, nil
}

func (s *TransactionSigner) AccountID() string {
	return s.accountID
}

func (s *TransactionSigner) PublicKey() keys.PublicKey {
	return s.key.PublicKey()
}

// SignAndSendTransaction signs once and resubmits the same bytes on transport failures only.
// A deadline or ledger timeout is returned as relayErrors.ErrSubmissionTimeout without retrying.
func (s *TransactionSigner) SignAndSendTransaction(ctx context.Context, receiverID string, actions []delegate.Action) (*Submission, error) {
	status, err := s.ledgerClient.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger status: %w", err)
	}
	nonce, err := s.nextNonce(ctx)
	if err != nil {
		return nil, err
	}

	signed, err := delegate.SignTransaction(delegate.Transaction{
		SignerID:   s.accountID,
		PublicKey:  s.key.PublicKey(),
		Nonce:      nonce,
		ReceiverID: receiverID,
		BlockHash:  status.LatestBlockHash,
		Actions:    actions,
	}, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign relayer transaction: %w", err)
	}
	encoded := signed.Encode()
	sub := &Submission{TxHash: signed.HashString(), Nonce: nonce}

	s.logger.Sugar().Infow("Submitting relayer transaction",
		"tx_hash", sub.TxHash,
		"receiver_id", receiverID,
		"nonce", nonce,
		"actions", len(actions),
	)

	start := time.Now()
	op := func() error {
		sub.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
		defer cancel()

		outcome, err := s.ledgerClient.BroadcastTxCommit(attemptCtx, encoded)
		sub.Outcome = outcome
		if err == nil {
			return nil
		}
		if ledger.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.IncRetries()
		s.logger.Sugar().Warnw("Ledger unreachable, resubmitting identical transaction",
			"tx_hash", sub.TxHash,
			"attempt", sub.Attempts,
			"wait", wait,
			"error", err,
		)
	}

	err = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.retry.MaxRetries), ctx), notify)
	elapsed := time.Since(start)
	if err == nil {
		s.metrics.ObserveSubmission(metrics.ResultSuccess, elapsed)
		s.logger.Sugar().Infow("Relayer transaction executed", "tx_hash", sub.TxHash, "attempts", sub.Attempts)
		return sub, nil
	}

	var rejection *ledger.RejectionError
	switch {
	case errors.As(err, &rejection):
		s.metrics.ObserveSubmission(metrics.ResultRejected, elapsed)
		if rejection.Kind == ledger.InvalidTransaction {
			s.invalidateNonce()
		}
		s.logger.Sugar().Infow("Ledger rejected relayer transaction",
			"tx_hash", sub.TxHash,
			"kind", rejection.Kind,
		)
	case errors.Is(err, relayErrors.ErrSubmissionTimeout), errors.Is(err, context.DeadlineExceeded):
		s.metrics.ObserveSubmission(metrics.ResultTimeout, elapsed)
		s.logger.Sugar().Warnw("Relayer transaction outcome unknown", "tx_hash", sub.TxHash, "error", err)
		if !errors.Is(err, relayErrors.ErrSubmissionTimeout) {
			err = fmt.Errorf("%w: %v", relayErrors.ErrSubmissionTimeout, err)
		}
	case ledger.IsRetryable(err):
		s.metrics.ObserveSubmission(metrics.ResultUnavailable, elapsed)
		s.logger.Sugar().Errorw("Ledger unreachable after retries", "tx_hash", sub.TxHash, "attempts", sub.Attempts, "error", err)
	default:
		s.metrics.ObserveSubmission(metrics.ResultError, elapsed)
		s.invalidateNonce()
		s.logger.Sugar().Errorw("Relayer transaction failed", "tx_hash", sub.TxHash, "error", err)
	}
	return sub, err
}

func (s *TransactionSigner) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialBackoff
	b.MaxInterval = s.retry.MaxBackoff
	b.Multiplier = s.retry.BackoffMultiple
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// nextNonce returns the next outer transaction nonce, reading the access key on a cold cache.
func (s *TransactionSigner) nextNonce(ctx context.Context) (uint64, error) {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	if s.nonce == 0 {
		ak, err := s.ledgerClient.AccessKey(ctx, s.accountID, s.key.PublicKey().String())
		if err != nil {
			return 0, fmt.Errorf("failed to read relayer access key: %w", err)
		}
		s.nonce = ak.Nonce
	}
	s.nonce++
	return s.nonce, nil
}

func (s *TransactionSigner) invalidateNonce() {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	s.nonce = 0
}
