package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/Layr-Labs/near-relay-go/pkg/auth"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
)

const (
	routeRelay         = "relay"
	routeCreateAccount = "create_account"
	routeSubmission    = "submission"
)

// CreateAccountRequest is the body of POST /create-account.
type CreateAccountRequest struct {
	AccountID string `json:"accountId"`
	PublicKey string `json:"publicKey"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.requestTimeout)
}

// handleRelay handles POST / and POST /relay
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	maxEnvelope := int64(s.relay.MaxEnvelopeBytes())
	// A JSON byte array spends at most four characters per byte.
	limit := maxEnvelope*int64(s.relay.MaxBatchSize())*4 + 4096
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, routeRelay, fmt.Errorf("%w: request body over %d bytes", relayErrors.ErrMalformedEnvelope, limit))
			return
		}
		s.writeError(w, r, routeRelay, fmt.Errorf("%w: failed to read body: %v", relayErrors.ErrInvalidRequest, err))
		return
	}

	envelopes, batch, err := parseRelayBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		s.writeError(w, r, routeRelay, err)
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	s.logger.Sugar().Debugw("Relay request",
		"request_id", RequestID(ctx),
		"subject", subject(ctx),
		"envelopes", len(envelopes),
		"batch", batch,
	)

	if !batch {
		outcome, err := s.relay.Relay(ctx, envelopes[0])
		if err != nil {
			s.writeError(w, r, routeRelay, err)
			return
		}
		s.writeJSON(w, r, routeRelay, outcome)
		return
	}

	outcomes, err := s.relay.RelayBatch(ctx, envelopes)
	if err != nil {
		s.writeBatchError(w, r, routeRelay, err, outcomes)
		return
	}
	s.writeJSON(w, r, routeRelay, outcomes)
}

// parseRelayBody accepts raw envelope bytes, a JSON byte array or a JSON array of byte arrays.
// Elements may also be base64 strings.
func parseRelayBody(contentType string, body []byte) ([][]byte, bool, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)
	isJSON := mediaType == "application/json" ||
		(mediaType != "application/octet-stream" && len(trimmed) > 0 && trimmed[0] == '[')

	if !isJSON {
		if len(body) == 0 {
			return nil, false, fmt.Errorf("%w: empty body", relayErrors.ErrMalformedEnvelope)
		}
		return [][]byte{body}, false, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, false, fmt.Errorf("%w: body is not a JSON array: %v", relayErrors.ErrInvalidRequest, err)
	}
	if len(items) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", relayErrors.ErrMalformedEnvelope)
	}

	first := bytes.TrimSpace(items[0])
	if len(first) > 0 && (first[0] == '[' || first[0] == '"') {
		envelopes := make([][]byte, len(items))
		for i, item := range items {
			env, err := decodeEnvelopeJSON(item)
			if err != nil {
				return nil, true, fmt.Errorf("envelope %d: %w", i, err)
			}
			envelopes[i] = env
		}
		return envelopes, true, nil
	}

	env, err := decodeEnvelopeJSON(trimmed)
	if err != nil {
		return nil, false, err
	}
	return [][]byte{env}, false, nil
}

func decodeEnvelopeJSON(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", relayErrors.ErrInvalidRequest, err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: envelope is not base64: %v", relayErrors.ErrInvalidRequest, err)
		}
		return b, nil
	}

	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("%w: envelope is not a byte array: %v", relayErrors.ErrInvalidRequest, err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: value %d at index %d is not a byte", relayErrors.ErrInvalidRequest, v, i)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// handleCreateAccount handles POST /create-account
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateAccountBytes)).Decode(&req); err != nil {
		s.writeError(w, r, routeCreateAccount, fmt.Errorf("%w: failed to parse request: %v", relayErrors.ErrInvalidRequest, err))
		return
	}
	if req.AccountID == "" || req.PublicKey == "" {
		s.writeError(w, r, routeCreateAccount, fmt.Errorf("%w: accountId and publicKey are required", relayErrors.ErrInvalidRequest))
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	outcome, err := s.relay.CreateAccount(ctx, req.AccountID, req.PublicKey)
	if err != nil {
		s.writeError(w, r, routeCreateAccount, err)
		return
	}
	s.writeJSON(w, r, routeCreateAccount, outcome)
}

// handleGetSubmission handles GET /submissions/{sender}/{nonce}
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sender := r.PathValue("sender")
	nonce, err := strconv.ParseUint(r.PathValue("nonce"), 10, 64)
	if err != nil || sender == "" {
		s.writeError(w, r, routeSubmission, fmt.Errorf("%w: invalid sender or nonce", relayErrors.ErrInvalidRequest))
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	rec, err := s.relay.LookupSubmission(ctx, sender, nonce)
	if err != nil {
		s.writeError(w, r, routeSubmission, err)
		return
	}
	s.writeJSON(w, r, routeSubmission, rec)
}

// handleListSubmissions handles GET /submissions/{sender}
func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	sender := r.PathValue("sender")
	if sender == "" {
		s.writeError(w, r, routeSubmission, fmt.Errorf("%w: sender is required", relayErrors.ErrInvalidRequest))
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	recs, err := s.relay.ListSubmissions(ctx, sender)
	if err != nil {
		s.writeError(w, r, routeSubmission, err)
		return
	}
	s.writeJSON(w, r, routeSubmission, recs)
}

// handleDeleteSubmission handles DELETE /submissions/{sender}/{nonce}
func (s *Server) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) {
	sender := r.PathValue("sender")
	nonce, err := strconv.ParseUint(r.PathValue("nonce"), 10, 64)
	if err != nil || sender == "" {
		s.writeError(w, r, routeSubmission, fmt.Errorf("%w: invalid sender or nonce", relayErrors.ErrInvalidRequest))
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()

	if err := s.relay.ForgetSubmission(ctx, sender, nonce); err != nil {
		s.writeError(w, r, routeSubmission, err)
		return
	}
	s.metrics.ObserveRequest(routeSubmission, "success")
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.relay.Health(ctx); err != nil {
		s.logger.Sugar().Warnw("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func subject(ctx context.Context) string {
	if claims, ok := ctx.Value(claimsKey).(*auth.Claims); ok && claims != nil {
		return claims.Subject
	}
	return ""
}
