package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

const DefaultRequestTimeout = 30 * time.Second

// Reader is the read side of the ledger used by clients and the relayer.
type Reader interface {
	Status(ctx context.Context) (*Status, error)
	AccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyView, error)
}

// Submitter broadcasts signed transactions and looks them up again.
type Submitter interface {
	BroadcastTxCommit(ctx context.Context, signedTx []byte) (*ExecutionOutcome, error)
	TxStatus(ctx context.Context, txHash, senderID string) (*ExecutionOutcome, error)
}

// ILedgerClient is everything the relay needs from the ledger.
type ILedgerClient interface {
	Reader
	Submitter
}

// ClientConfig holds the configuration for the ledger JSON-RPC client
type ClientConfig struct {
	RPCURL     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to a ledger node over JSON-RPC.
type Client struct {
	rpcURL string
	rpc    *rpc.Client
	logger *zap.Logger
}

var _ ILedgerClient = (*Client)(nil)

// Status is the subset of the node status the relay uses.
type Status struct {
	ChainID           string
	LatestBlockHeight uint64
	LatestBlockHash   [32]byte
}

type statusResponse struct {
	ChainID  string `json:"chain_id"`
	SyncInfo struct {
		LatestBlockHash   string `json:"latest_block_hash"`
		LatestBlockHeight uint64 `json:"latest_block_height"`
	} `json:"sync_info"`
}

// AccessKeyView is an access key as seen at BlockHeight.
type AccessKeyView struct {
	Nonce       uint64          `json:"nonce"`
	Permission  json.RawMessage `json:"permission"`
	BlockHeight uint64          `json:"block_height"`
	BlockHash   string          `json:"block_hash"`
	Error       string          `json:"error,omitempty"`
}

// NewClient dials the ledger RPC endpoint.
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}

	c, err := rpc.DialOptions(ctx, cfg.RPCURL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger RPC %s: %w", cfg.RPCURL, err)
	}
	return &Client{rpcURL: cfg.RPCURL, rpc: c, logger: cfg.Logger}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// Status returns the latest block height and hash.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var res statusResponse
	if err := c.rpc.CallContext(ctx, &res, "status"); err != nil {
		return nil, classifyCallError("status", err)
	}
	hash, err := decodeBlockHash(res.SyncInfo.LatestBlockHash)
	if err != nil {
		return nil, err
	}
	return &Status{
		ChainID:           res.ChainID,
		LatestBlockHeight: res.SyncInfo.LatestBlockHeight,
		LatestBlockHash:   hash,
	}, nil
}

// AccessKey reads accountID's access key publicKey at the latest block.
// The positional query form is used since the rpc client always sends params as an array.
func (c *Client) AccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyView, error) {
	var res AccessKeyView
	if err := c.rpc.CallContext(ctx, &res, "query", AccessKeyQueryPath(accountID, publicKey), ""); err != nil {
		if isUnknownAccessKey(err) {
			return nil, fmt.Errorf("%w: %s for %s", ErrAccessKeyNotFound, publicKey, accountID)
		}
		return nil, classifyCallError("query", err)
	}
	if res.Error != "" {
		if strings.Contains(res.Error, "does not exist") {
			return nil, fmt.Errorf("%w: %s for %s", ErrAccessKeyNotFound, publicKey, accountID)
		}
		return nil, fmt.Errorf("query access key failed: %s", res.Error)
	}
	return &res, nil
}

// BroadcastTxCommit submits a signed transaction and waits for its final outcome.
// An outcome whose status is a failure is returned together with a *RejectionError.
func (c *Client) BroadcastTxCommit(ctx context.Context, signedTx []byte) (*ExecutionOutcome, error) {
	var raw json.RawMessage
	encoded := base64.StdEncoding.EncodeToString(signedTx)
	if err := c.rpc.CallContext(ctx, &raw, "broadcast_tx_commit", encoded); err != nil {
		return nil, classifyCallError("broadcast_tx_commit", err)
	}
	return outcomeOrRejection(raw)
}

// TxStatus looks up a previously submitted transaction.
func (c *Client) TxStatus(ctx context.Context, txHash, senderID string) (*ExecutionOutcome, error) {
	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, "tx", txHash, senderID); err != nil {
		return nil, classifyCallError("tx", err)
	}
	return outcomeOrRejection(raw)
}

// AccessKeyQueryPath is the positional "query" path for one access key.
func AccessKeyQueryPath(accountID, publicKey string) string {
	return "access_key/" + accountID + "/" + publicKey
}

func outcomeOrRejection(raw json.RawMessage) (*ExecutionOutcome, error) {
	outcome := NewExecutionOutcome(raw)
	if failure := outcome.Failure(); failure != nil {
		return outcome, &RejectionError{Kind: ClassifyFailure(failure), Native: failure, Outcome: outcome}
	}
	return outcome, nil
}

func isUnknownAccessKey(err error) bool {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return false
	}
	data, _ := json.Marshal(dataErr.ErrorData())
	return strings.Contains(string(data), "does not exist") || strings.Contains(dataErr.Error(), "UNKNOWN_ACCESS_KEY")
}

func decodeBlockHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base58.Decode(s)
	if err != nil {
		return out, fmt.Errorf("invalid block hash %q: %w", s, err)
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("block hash %q must be %d bytes, got %d", s, len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}
