package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout           = 10 * time.Second
	DefaultRequestsPerSecond = 5
	DefaultBurst             = 5

	maxResponseBytes = 1 << 20
)

// Config holds the configuration for the HTTP account index
type Config struct {
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// HTTPIndex queries a public-key to account index over HTTP
type HTTPIndex struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type publicKeyResponse struct {
	PublicKey  string   `json:"public_key"`
	AccountIDs []string `json:"account_ids"`
}

// NewHTTPIndex creates a rate limited index client
func NewHTTPIndex(cfg *Config) (*HTTPIndex, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("index base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid index base URL: %w", err)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPIndex{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: client,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     cfg.Logger,
	}, nil
}

// AccountsByPublicKey returns every account that has publicKey as an access key.
// An empty result is not an error.
func (h *HTTPIndex) AccountsByPublicKey(ctx context.Context, publicKey string) ([]string, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("index rate limit wait: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v0/public_key/%s", h.baseURL, url.PathEscape(publicKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read index response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded publicKeyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode index response: %w", err)
	}
	h.logger.Sugar().Debugw("Index lookup",
		"public_key", publicKey,
		"accounts", len(decoded.AccountIDs),
	)
	return decoded.AccountIDs, nil
}

// StaticIndex is an in-memory index for tests and local setups.
type StaticIndex map[string][]string

func (s StaticIndex) AccountsByPublicKey(_ context.Context, publicKey string) ([]string, error) {
	return s[publicKey], nil
}
