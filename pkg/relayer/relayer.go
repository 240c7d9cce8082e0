package relayer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/ledger"
	"github.com/Layr-Labs/near-relay-go/pkg/metrics"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"github.com/Layr-Labs/near-relay-go/pkg/transactionSigner"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

const (
	DefaultMaxEnvelopeBytes = 64 * 1024
	DefaultMaxBatchSize     = 16

	// CreateAccountGas is attached to the account creator's create_account call.
	CreateAccountGas = 300 * delegate.TGas
)

// Config tunes the relay pipeline. Zero values fall back to defaults.
type Config struct {
	MaxEnvelopeBytes int
	MaxBatchSize     int
	Retry            transactionSigner.RetryConfig
	SubmitTimeout    time.Duration

	// AccountCreatorID is the contract whose create_account method CreateAccount calls.
	AccountCreatorID string

	// SubmitToSender addresses the outer transaction to the delegate's sender instead of its receiver.
	SubmitToSender bool
}

// Relayer decodes client envelopes, countersigns them as the RelayerIdentity and submits them.
type Relayer struct {
	config   Config
	identity *RelayerIdentity
	ledger   ledger.ILedgerClient
	signer   transactionSigner.ITransactionSigner
	journal  persistence.ISubmissionJournal
	metrics  *metrics.RelayMetrics
	logger   *zap.Logger
}

func NewRelayer(
	cfg *Config,
	identity *RelayerIdentity,
	ledgerClient ledger.ILedgerClient,
	journal persistence.ISubmissionJournal,
	m *metrics.RelayMetrics,
	logger *zap.Logger,
) (*Relayer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if identity == nil {
		return nil, fmt.Errorf("relayer identity cannot be nil")
	}
	if ledgerClient == nil {
		return nil, fmt.Errorf("ledger client cannot be nil")
	}
	if journal == nil {
		return nil, fmt.Errorf("submission journal cannot be nil")
	}

	c := *cfg
	if c.MaxEnvelopeBytes <= 0 {
		c.MaxEnvelopeBytes = DefaultMaxEnvelopeBytes
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.AccountCreatorID != "" {
		if err := delegate.ValidateAccountID(c.AccountCreatorID); err != nil {
			return nil, fmt.Errorf("invalid account creator id: %w", err)
		}
	}

	signer, err := transactionSigner.NewTransactionSigner(&transactionSigner.SignerConfig{
		AccountID:     identity.accountID,
		Key:           identity.key,
		Retry:         c.Retry,
		SubmitTimeout: c.SubmitTimeout,
		Metrics:       m,
	}, ledgerClient, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction signer: %w", err)
	}

	return &Relayer{
		config:   c,
		identity: identity,
		ledger:   ledgerClient,
		signer:   signer,
		journal:  journal,
		metrics:  m,
		logger:   logger,
	}, nil
}

func (r *Relayer) Identity() *RelayerIdentity {
	return r.identity
}

func (r *Relayer) MaxEnvelopeBytes() int {
	return r.config.MaxEnvelopeBytes
}

func (r *Relayer) MaxBatchSize() int {
	return r.config.MaxBatchSize
}

// Relay runs one envelope through accept, decode, validate, countersign and submit.
// A ledger failure is returned as *ledger.RejectionError carrying the outcome.
func (r *Relayer) Relay(ctx context.Context, raw []byte) (*ledger.ExecutionOutcome, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", relayErrors.ErrMalformedEnvelope)
	}
	if len(raw) > r.config.MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: envelope is %d bytes, limit is %d", relayErrors.ErrMalformedEnvelope, len(raw), r.config.MaxEnvelopeBytes)
	}

	sd, err := delegate.DecodeSignedDelegate(raw)
	if err != nil {
		return nil, err
	}
	da := sd.DelegateAction

	if err := sd.VerifySignature(); err != nil {
		if !errors.Is(err, keys.ErrUnsupportedKeyType) {
			r.logger.Sugar().Infow("Rejecting delegate with bad signature", "sender_id", da.SenderID, "nonce", da.Nonce)
			return nil, fmt.Errorf("%w: sender %s", relayErrors.ErrInvalidSignature, da.SenderID)
		}
		r.logger.Sugar().Debugw("Delegate key type not verifiable locally, deferring to ledger",
			"sender_id", da.SenderID,
			"key_type", da.PublicKey.Type,
		)
	}

	status, err := r.ledger.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger height: %w", err)
	}
	if da.MaxBlockHeight <= status.LatestBlockHeight {
		return nil, fmt.Errorf("%w: max block height %d, current height %d",
			relayErrors.ErrDelegateExpired, da.MaxBlockHeight, status.LatestBlockHeight)
	}

	receiverID := da.ReceiverID
	if r.config.SubmitToSender {
		receiverID = da.SenderID
	}

	envelopeHash := sha256.Sum256(raw)
	base := persistence.SubmissionRecord{
		SenderID:     da.SenderID,
		Nonce:        da.Nonce,
		ReceiverID:   da.ReceiverID,
		EnvelopeHash: hex.EncodeToString(envelopeHash[:]),
	}
	r.record(base, persistence.StateSubmitted, nil, nil)

	r.logger.Sugar().Infow("Relaying delegate",
		"sender_id", da.SenderID,
		"receiver_id", da.ReceiverID,
		"nonce", da.Nonce,
		"max_block_height", da.MaxBlockHeight,
		"actions", len(da.Actions),
	)

	sub, err := r.signer.SignAndSendTransaction(ctx, receiverID, []delegate.Action{sd})
	state := submissionState(sub, err)
	r.record(base, state, sub, err)
	if err != nil {
		return nil, err
	}
	return sub.Outcome, nil
}

// RelayBatch relays envelopes in order and stops at the first failure.
// Outcomes of the envelopes that completed before the failure are returned with the error.
func (r *Relayer) RelayBatch(ctx context.Context, envelopes [][]byte) ([]*ledger.ExecutionOutcome, error) {
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("%w: empty batch", relayErrors.ErrMalformedEnvelope)
	}
	if len(envelopes) > r.config.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d envelopes, limit is %d", relayErrors.ErrMalformedEnvelope, len(envelopes), r.config.MaxBatchSize)
	}

	outcomes := make([]*ledger.ExecutionOutcome, 0, len(envelopes))
	for i, raw := range envelopes {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcome, err := r.Relay(ctx, raw)
		if err != nil {
			return outcomes, fmt.Errorf("envelope %d: %w", i, err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

type createAccountArgs struct {
	NewAccountID string `json:"new_account_id"`
	NewPublicKey string `json:"new_public_key"`
}

// CreateAccount asks the network's account creator contract to create accountID with publicKey
// as a full access key. A false return value is relayErrors.ErrAccountCreationRejected.
func (r *Relayer) CreateAccount(ctx context.Context, accountID, publicKey string) (*ledger.ExecutionOutcome, error) {
	if r.config.AccountCreatorID == "" {
		return nil, fmt.Errorf("account creation is not configured for network %s", r.identity.network)
	}
	if err := delegate.ValidateAccountID(accountID); err != nil {
		return nil, fmt.Errorf("%w: account id: %v", relayErrors.ErrInvalidRequest, err)
	}
	pk, err := keys.ParsePublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", relayErrors.ErrInvalidRequest, err)
	}

	action, err := delegate.FunctionCallAction("create_account", createAccountArgs{
		NewAccountID: accountID,
		NewPublicKey: pk.String(),
	}, CreateAccountGas, uint256.NewInt(0))
	if err != nil {
		return nil, err
	}

	r.logger.Sugar().Infow("Creating account", "account_id", accountID, "creator_id", r.config.AccountCreatorID)

	sub, err := r.signer.SignAndSendTransaction(ctx, r.config.AccountCreatorID, []delegate.Action{action})
	if err != nil {
		return nil, err
	}
	value, ok := sub.Outcome.SuccessValue()
	if ok && string(value) == "false" {
		r.logger.Sugar().Infow("Account creation refused", "account_id", accountID, "tx_hash", sub.TxHash)
		return sub.Outcome, fmt.Errorf("%w: %s", relayErrors.ErrAccountCreationRejected, accountID)
	}
	return sub.Outcome, nil
}

// LookupSubmission returns the journal record for (senderID, nonce). A timeout record with a
// known transaction hash is settled against the ledger first.
func (r *Relayer) LookupSubmission(ctx context.Context, senderID string, nonce uint64) (*persistence.SubmissionRecord, error) {
	rec, err := r.journal.LoadSubmission(senderID, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s nonce %d", relayErrors.ErrSubmissionNotFound, senderID, nonce)
	}
	if rec.State != persistence.StateTimeout || rec.TxHash == "" {
		return rec, nil
	}

	_, err = r.ledger.TxStatus(ctx, rec.TxHash, r.identity.accountID)
	var settled *persistence.SubmissionRecord
	var rejection *ledger.RejectionError
	switch {
	case err == nil:
		settled = &persistence.SubmissionRecord{SenderID: senderID, Nonce: nonce, State: persistence.StateSucceeded}
	case errors.As(err, &rejection):
		settled = &persistence.SubmissionRecord{
			SenderID:   senderID,
			Nonce:      nonce,
			State:      persistence.StateRejected,
			LedgerKind: string(rejection.Kind),
			Error:      rejection.Error(),
		}
	default:
		r.logger.Sugar().Infow("Timed out submission still unresolved", "tx_hash", rec.TxHash, "error", err)
		return rec, nil
	}

	stored, err := r.journal.RecordSubmission(settled)
	if err != nil {
		return nil, fmt.Errorf("failed to record settled submission: %w", err)
	}
	r.logger.Sugar().Infow("Settled timed out submission", "tx_hash", rec.TxHash, "state", stored.State)
	return stored, nil
}

// ListSubmissions returns every journal record for senderID by ascending nonce.
func (r *Relayer) ListSubmissions(ctx context.Context, senderID string) ([]*persistence.SubmissionRecord, error) {
	recs, err := r.journal.ListSubmissions(senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	if recs == nil {
		recs = []*persistence.SubmissionRecord{}
	}
	return recs, nil
}

// ForgetSubmission removes a settled record from the journal. Submitted and timeout
// records are kept until their outcome is known.
func (r *Relayer) ForgetSubmission(ctx context.Context, senderID string, nonce uint64) error {
	rec, err := r.LookupSubmission(ctx, senderID, nonce)
	if err != nil {
		return err
	}
	if !rec.State.Settled() {
		return fmt.Errorf("%w: %s nonce %d is %s", relayErrors.ErrSubmissionUnsettled, senderID, nonce, rec.State)
	}
	if err := r.journal.DeleteSubmission(senderID, nonce); err != nil {
		return fmt.Errorf("failed to delete submission: %w", err)
	}
	r.logger.Sugar().Infow("Removed submission", "sender_id", senderID, "nonce", nonce, "state", rec.State)
	return nil
}

// Health checks the journal and that the ledger answers.
func (r *Relayer) Health(ctx context.Context) error {
	if err := r.journal.HealthCheck(); err != nil {
		return fmt.Errorf("journal unhealthy: %w", err)
	}
	if _, err := r.ledger.Status(ctx); err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}
	return nil
}

// submissionState maps a submit result to its journal state. Without a signed
// transaction there is nothing to look up, so no failure is recorded as a timeout.
func submissionState(sub *transactionSigner.Submission, err error) persistence.SubmissionState {
	var rejection *ledger.RejectionError
	switch {
	case err == nil:
		return persistence.StateSucceeded
	case errors.As(err, &rejection):
		return persistence.StateRejected
	case sub != nil && sub.TxHash != "" && errors.Is(err, relayErrors.ErrSubmissionTimeout):
		return persistence.StateTimeout
	default:
		return persistence.StateFailed
	}
}

// record writes to the journal. Journal failures are logged and do not fail the relay.
func (r *Relayer) record(base persistence.SubmissionRecord, state persistence.SubmissionState, sub *transactionSigner.Submission, err error) {
	rec := base
	rec.State = state
	if sub != nil {
		rec.TxHash = sub.TxHash
	}
	if err != nil {
		rec.Error = err.Error()
		var rejection *ledger.RejectionError
		if errors.As(err, &rejection) {
			rec.LedgerKind = string(rejection.Kind)
		}
	}
	if _, jerr := r.journal.RecordSubmission(&rec); jerr != nil {
		r.logger.Sugar().Errorw("Failed to record submission",
			"sender_id", rec.SenderID,
			"nonce", rec.Nonce,
			"state", rec.State,
			"error", jerr,
		)
	}
}
