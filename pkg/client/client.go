package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/discovery"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/ledger"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"go.uber.org/zap"
)

const (
	DefaultBlockHeightTTL = 120
	DefaultRelayTimeout   = 60 * time.Second
	DefaultIndexTimeout   = 10 * time.Second

	maxResponseBytes = 4 << 20
)

// State is a step of one relay attempt.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateSigning   State = "signing"
	StateEncoding  State = "encoding"
	StateAwaiting  State = "awaiting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Config holds the configuration for the relay client
type Config struct {
	// RelayURL receives envelopes. CreateAccountURL and SubmissionsURL default to
	// /create-account and /submissions on the same host.
	RelayURL         string
	CreateAccountURL string
	SubmissionsURL   string

	BlockHeightTTL uint64
	RelayTimeout   time.Duration
	IndexTimeout   time.Duration

	// BearerToken is sent with every relay request when set.
	BearerToken string
	HTTPClient  *http.Client
}

// RelayRequest is one set of actions to execute gaslessly.
type RelayRequest struct {
	Keys       []keys.SigningKey
	Username   string
	ReceiverID string
	Actions    []delegate.Action
}

// RelayItem is one delegate of a batch; all items share the discovered sender.
type RelayItem struct {
	ReceiverID string
	Actions    []delegate.Action
}

// RelayResult describes a completed relay attempt.
type RelayResult struct {
	SenderID       string
	PublicKey      keys.PublicKey
	Nonce          uint64
	MaxBlockHeight uint64
	Envelope       []byte
	Outcome        *ledger.ExecutionOutcome
	States         []State
}

// Client builds, signs and submits delegate envelopes on behalf of a key holder.
// It never retries a submission; resubmitting is the caller's decision.
type Client struct {
	cfg        Config
	index      discovery.AccountIndex
	ledger     ledger.Reader
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg *Config, index discovery.AccountIndex, reader ledger.Reader, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("%w: relay URL", relayErrors.ErrConfigurationMissing)
	}
	if index == nil {
		return nil, fmt.Errorf("account index cannot be nil")
	}
	if reader == nil {
		return nil, fmt.Errorf("ledger reader cannot be nil")
	}

	c := *cfg
	var err error
	if c.CreateAccountURL == "" {
		if c.CreateAccountURL, err = siblingURL(c.RelayURL, "/create-account"); err != nil {
			return nil, err
		}
	}
	if c.SubmissionsURL == "" {
		if c.SubmissionsURL, err = siblingURL(c.RelayURL, "/submissions"); err != nil {
			return nil, err
		}
	}
	if c.BlockHeightTTL == 0 {
		c.BlockHeightTTL = DefaultBlockHeightTTL
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = DefaultRelayTimeout
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = DefaultIndexTimeout
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		cfg:        c,
		index:      index,
		ledger:     reader,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func siblingURL(relayURL, path string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

// attempt tracks and logs the state of one relay attempt.
type attempt struct {
	logger *zap.Logger
	states []State
}

func newAttempt(logger *zap.Logger) *attempt {
	return &attempt{logger: logger, states: []State{StateIdle}}
}

func (a *attempt) enter(s State, kv ...any) {
	a.states = append(a.states, s)
	a.logger.Sugar().Infow("Relay state changed", append([]any{"state", s}, kv...)...)
}

func (a *attempt) fail(err error) error {
	from := a.states[len(a.states)-1]
	a.states = append(a.states, StateFailed)
	a.logger.Sugar().Warnw("Relay attempt failed", "state", from, "error", err)
	return err
}

// failResult records the failure and returns the result with the full state trail.
func (a *attempt) failResult(result *RelayResult, err error) (*RelayResult, error) {
	err = a.fail(err)
	result.States = a.states
	return result, err
}

// Discover finds the first candidate key registered to an account, bounded by IndexTimeout.
func (c *Client) Discover(ctx context.Context, candidates []keys.SigningKey, username string) (*discovery.Binding, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.IndexTimeout)
	defer cancel()
	return discovery.Discover(ctx, c.index, candidates, username)
}

// RelayTransaction resolves the sender, signs a delegate for req.Actions and sends it to the relay.
func (c *Client) RelayTransaction(ctx context.Context, req RelayRequest) (*RelayResult, error) {
	a := newAttempt(c.logger)
	result := &RelayResult{}

	a.enter(StateResolving, "candidates", len(req.Keys), "username", req.Username)
	binding, err := c.Discover(ctx, req.Keys, req.Username)
	if err != nil {
		return a.failResult(result, err)
	}
	result.SenderID = binding.AccountID
	result.PublicKey = binding.PublicKey

	a.enter(StateSigning, "sender_id", binding.AccountID, "public_key", binding.PublicKey)
	signed, err := c.SignDelegates(ctx, binding, []RelayItem{{ReceiverID: req.ReceiverID, Actions: req.Actions}})
	if err != nil {
		return a.failResult(result, err)
	}
	sd := signed[0]
	result.Nonce = sd.DelegateAction.Nonce
	result.MaxBlockHeight = sd.DelegateAction.MaxBlockHeight

	a.enter(StateEncoding, "nonce", result.Nonce, "max_block_height", result.MaxBlockHeight)
	result.Envelope = delegate.EncodeSignedDelegate(sd)

	a.enter(StateAwaiting, "relay_url", c.cfg.RelayURL, "bytes", len(result.Envelope))
	outcome, err := c.SendEnvelope(ctx, result.Envelope)
	if err != nil {
		return a.failResult(result, err)
	}
	result.Outcome = outcome

	a.enter(StateCompleted, "tx_hash", outcome.TransactionHash())
	result.States = a.states
	return result, nil
}

// RelayBatch resolves the sender once and relays one delegate per item with consecutive nonces.
// The relay stops at the first failing delegate.
func (c *Client) RelayBatch(ctx context.Context, candidates []keys.SigningKey, username string, items []RelayItem) ([]*ledger.ExecutionOutcome, error) {
	a := newAttempt(c.logger)

	a.enter(StateResolving, "candidates", len(candidates), "username", username)
	binding, err := c.Discover(ctx, candidates, username)
	if err != nil {
		return nil, a.fail(err)
	}

	a.enter(StateSigning, "sender_id", binding.AccountID, "delegates", len(items))
	signed, err := c.SignDelegates(ctx, binding, items)
	if err != nil {
		return nil, a.fail(err)
	}

	a.enter(StateEncoding)
	envelopes := make([][]byte, len(signed))
	for i, sd := range signed {
		envelopes[i] = delegate.EncodeSignedDelegate(sd)
	}

	a.enter(StateAwaiting, "relay_url", c.cfg.RelayURL)
	outcomes, err := c.SendEnvelopes(ctx, envelopes)
	if err != nil {
		return outcomes, a.fail(err)
	}
	a.enter(StateCompleted, "outcomes", len(outcomes))
	return outcomes, nil
}

// SignDelegates signs one delegate per item for the bound sender. Nonces start at the access key
// nonce plus one and validity ends BlockHeightTTL blocks after the current height.
func (c *Client) SignDelegates(ctx context.Context, binding *discovery.Binding, items []RelayItem) ([]*delegate.SignedDelegate, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: nothing to sign", relayErrors.ErrInvalidRequest)
	}
	ak, err := c.ledger.AccessKey(ctx, binding.AccountID, binding.PublicKey.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read sender access key: %w", err)
	}
	status, err := c.ledger.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger height: %w", err)
	}

	signed := make([]*delegate.SignedDelegate, len(items))
	for i, item := range items {
		sd, err := delegate.SignDelegate(delegate.DelegateAction{
			SenderID:       binding.AccountID,
			ReceiverID:     item.ReceiverID,
			Actions:        item.Actions,
			Nonce:          ak.Nonce + 1 + uint64(i),
			MaxBlockHeight: status.LatestBlockHeight + c.cfg.BlockHeightTTL,
			PublicKey:      binding.PublicKey,
		}, binding.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to sign delegate %d: %w", i, err)
		}
		signed[i] = sd
	}
	return signed, nil
}

// SendEnvelope posts one raw envelope to the relay.
func (c *Client) SendEnvelope(ctx context.Context, envelope []byte) (*ledger.ExecutionOutcome, error) {
	var outcome ledger.ExecutionOutcome
	if err := c.do(ctx, http.MethodPost, c.cfg.RelayURL, "application/octet-stream", envelope, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// SendEnvelopes posts an ordered batch as a JSON array of byte arrays.
// When the relay stops at a failing envelope, the outcomes of the envelopes before it
// are returned with the error.
func (c *Client) SendEnvelopes(ctx context.Context, envelopes [][]byte) ([]*ledger.ExecutionOutcome, error) {
	body, err := json.Marshal(byteArrays(envelopes))
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	var outcomes []*ledger.ExecutionOutcome
	if err := c.do(ctx, http.MethodPost, c.cfg.RelayURL, "application/json", body, &outcomes); err != nil {
		var rejected *relayErrors.RelayRejectedError
		if errors.As(err, &rejected) && len(rejected.Completed) > 0 {
			var completed []*ledger.ExecutionOutcome
			if uerr := json.Unmarshal(rejected.Completed, &completed); uerr != nil {
				c.logger.Sugar().Warnw("Failed to parse completed outcomes", "error", uerr)
				return nil, err
			}
			return completed, err
		}
		return nil, err
	}
	return outcomes, nil
}

type createAccountRequest struct {
	AccountID string `json:"accountId"`
	PublicKey string `json:"publicKey"`
}

// CreateAccount asks the relay to create accountID with publicKey as its full access key.
func (c *Client) CreateAccount(ctx context.Context, accountID string, publicKey keys.PublicKey) (*ledger.ExecutionOutcome, error) {
	body, err := json.Marshal(createAccountRequest{AccountID: accountID, PublicKey: publicKey.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	c.logger.Sugar().Infow("Requesting account creation", "account_id", accountID, "url", c.cfg.CreateAccountURL)

	var outcome ledger.ExecutionOutcome
	if err := c.do(ctx, http.MethodPost, c.cfg.CreateAccountURL, "application/json", body, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// LookupSubmission fetches what the relay recorded for (senderID, nonce).
func (c *Client) LookupSubmission(ctx context.Context, senderID string, nonce uint64) (*persistence.SubmissionRecord, error) {
	u := fmt.Sprintf("%s/%s/%d", strings.TrimSuffix(c.cfg.SubmissionsURL, "/"), url.PathEscape(senderID), nonce)
	var rec persistence.SubmissionRecord
	if err := c.do(ctx, http.MethodGet, u, "", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSubmissions fetches every record the relay holds for senderID.
func (c *Client) ListSubmissions(ctx context.Context, senderID string) ([]*persistence.SubmissionRecord, error) {
	u := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.cfg.SubmissionsURL, "/"), url.PathEscape(senderID))
	var recs []*persistence.SubmissionRecord
	if err := c.do(ctx, http.MethodGet, u, "", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Client) do(ctx context.Context, method, target, contentType string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RelayTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no response from relay within %s", relayErrors.ErrSubmissionTimeout, c.cfg.RelayTimeout)
		}
		return fmt.Errorf("failed to reach relay: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read relay response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return relayErrors.NewRelayRejectedError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse relay response: %w", err)
	}
	return nil
}

// byteArrays marshals as arrays of numbers rather than base64 strings.
type byteArrays [][]byte

func (b byteArrays) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, env := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		for j, v := range env {
			if j > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(&buf, "%d", v)
		}
		buf.WriteByte(']')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
