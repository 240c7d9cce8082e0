package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/auth"
	"github.com/Layr-Labs/near-relay-go/pkg/ledger"
	"github.com/Layr-Labs/near-relay-go/pkg/metrics"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
	"github.com/Layr-Labs/near-relay-go/pkg/rateLimiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

/*
Server exposes the relay over HTTP.

Relay Flow:
  POST / and POST /relay:
    - Body: raw envelope bytes (application/octet-stream), a JSON array of byte
      values (one envelope) or a JSON array of such arrays (ordered batch)
    - Each envelope is decoded, checked, countersigned by the relayer and
      submitted to the delegate's receiver
    - Response: the ledger's execution outcome, or an array of outcomes

  POST /create-account:
    - Request: { accountId, publicKey }
    - Calls create_account on the network's account creator contract
    - 409 when the contract refuses

  GET /submissions/{sender}/{nonce}:
    - Returns what the relay recorded for a delegate, settling timed out
      submissions against the ledger first

  GET /submissions/{sender}:
    - Every record for the sender by ascending nonce

  DELETE /submissions/{sender}/{nonce}:
    - Removes a settled record; 409 while the outcome is still unknown

Errors:
  - Every non-2xx response is { status, kind, message, ledgerKind?, ledgerError?, completed? }
  - A failed batch lists the outcomes of the envelopes relayed before the failure in completed

Middleware (outermost first):
  - CORS
  - Request id and access log
  - Bearer token auth (relay routes only)
  - Rate limit per token subject, or per remote IP without auth (relay routes only)
*/

// RelayService is the relay pipeline the server fronts.
type RelayService interface {
	Relay(ctx context.Context, raw []byte) (*ledger.ExecutionOutcome, error)
	RelayBatch(ctx context.Context, envelopes [][]byte) ([]*ledger.ExecutionOutcome, error)
	CreateAccount(ctx context.Context, accountID, publicKey string) (*ledger.ExecutionOutcome, error)
	LookupSubmission(ctx context.Context, senderID string, nonce uint64) (*persistence.SubmissionRecord, error)
	ListSubmissions(ctx context.Context, senderID string) ([]*persistence.SubmissionRecord, error)
	ForgetSubmission(ctx context.Context, senderID string, nonce uint64) error
	Health(ctx context.Context) error
	MaxEnvelopeBytes() int
	MaxBatchSize() int
}

const (
	DefaultRequestTimeout = 90 * time.Second
	maxCreateAccountBytes = 4 * 1024
)

type Config struct {
	Port           int
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// RequestTimeout bounds the work done for one request, including ledger retries.
	RequestTimeout time.Duration
}

// Server handles HTTP requests for the relay
type Server struct {
	relay          RelayService
	verifier       auth.TokenVerifier
	limiter        *rateLimiter.MapLimiter
	metrics        *metrics.RelayMetrics
	logger         *zap.Logger
	requestTimeout time.Duration
	httpServer     *http.Server
}

// NewServer wires routes and middleware. verifier, m and gatherer may be nil.
func NewServer(
	cfg *Config,
	relay RelayService,
	verifier auth.TokenVerifier,
	m *metrics.RelayMetrics,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	s := &Server{
		relay:          relay,
		verifier:       verifier,
		limiter:        rateLimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 0),
		metrics:        m,
		logger:         logger,
		requestTimeout: timeout,
	}

	mux := http.NewServeMux()

	// Relay endpoints
	mux.Handle("POST /{$}", s.protected(s.handleRelay))
	mux.Handle("POST /relay", s.protected(s.handleRelay))
	mux.Handle("POST /create-account", s.protected(s.handleCreateAccount))
	mux.Handle("GET /submissions/{sender}", s.protected(s.handleListSubmissions))
	mux.Handle("GET /submissions/{sender}/{nonce}", s.protected(s.handleGetSubmission))
	mux.Handle("DELETE /submissions/{sender}/{nonce}", s.protected(s.handleDeleteSubmission))

	// Operational endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	if gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(gatherer))
	}

	var handler http.Handler = mux
	handler = s.accessLog(handler)
	handler = newCORS(cfg.CORSOrigins).Handler(handler)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func newCORS(origins []string) *cors.Cors {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Accept", "Content-Type", "X-Requested-With", "Authorization"},
		ExposedHeaders: []string{requestIDHeader},
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("Starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx is done
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}
