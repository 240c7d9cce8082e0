package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Layr-Labs/near-relay-go/pkg/ledger"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
)

// Upstream failures carry transport detail such as the RPC URL, so their bodies use fixed
// messages and the detail is only logged.
const (
	msgLedgerUnavailable = "ledger unavailable"
	msgSubmissionTimeout = "submission outcome unknown; look up the submission before resubmitting"
)

// errorBody maps a relay error to its HTTP status and body. Internal and upstream errors never echo their text.
func errorBody(err error) relayErrors.ErrorBody {
	var rejection *ledger.RejectionError
	if errors.As(err, &rejection) {
		return relayErrors.ErrorBody{
			Status:      http.StatusUnprocessableEntity,
			Kind:        relayErrors.KindLedgerRejection,
			Message:     fmt.Sprintf("ledger rejected transaction (%s)", rejection.Kind),
			LedgerKind:  string(rejection.Kind),
			LedgerError: rejection.Native,
		}
	}

	body := relayErrors.ErrorBody{Message: err.Error()}
	switch {
	case errors.Is(err, relayErrors.ErrMalformedEnvelope),
		errors.Is(err, relayErrors.ErrInvalidSignature),
		errors.Is(err, relayErrors.ErrDelegateExpired),
		errors.Is(err, relayErrors.ErrInvalidRequest):
		body.Status, body.Kind = http.StatusBadRequest, relayErrors.KindValidation
	case errors.Is(err, relayErrors.ErrAccountCreationRejected),
		errors.Is(err, relayErrors.ErrSubmissionUnsettled):
		body.Status, body.Kind = http.StatusConflict, relayErrors.KindConflict
	case errors.Is(err, relayErrors.ErrSubmissionNotFound):
		body.Status, body.Kind = http.StatusNotFound, relayErrors.KindNotFound
	case errors.Is(err, relayErrors.ErrSubmissionTimeout):
		body.Status, body.Kind = http.StatusGatewayTimeout, relayErrors.KindSubmissionTimeout
		body.Message = msgSubmissionTimeout
	case errors.Is(err, relayErrors.ErrLedgerUnavailable):
		body.Status, body.Kind = http.StatusBadGateway, relayErrors.KindLedgerUnavailable
		body.Message = msgLedgerUnavailable
	default:
		body.Status, body.Kind = http.StatusInternalServerError, relayErrors.KindInternal
		body.Message = "internal error"
	}
	return body
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, route string, err error) {
	s.writeMappedError(w, r, route, err, errorBody(err))
}

// writeBatchError reports a batch failure together with the outcomes relayed before it.
func (s *Server) writeBatchError(w http.ResponseWriter, r *http.Request, route string, err error, completed []*ledger.ExecutionOutcome) {
	body := errorBody(err)
	if len(completed) > 0 {
		encoded, merr := json.Marshal(completed)
		if merr != nil {
			s.logger.Sugar().Warnw("Failed to encode completed outcomes", "request_id", RequestID(r.Context()), "error", merr)
		} else {
			body.Completed = encoded
		}
	}
	s.writeMappedError(w, r, route, err, body)
}

func (s *Server) writeMappedError(w http.ResponseWriter, r *http.Request, route string, err error, body relayErrors.ErrorBody) {
	if body.Status >= http.StatusInternalServerError {
		s.logger.Sugar().Errorw("Request failed", "request_id", RequestID(r.Context()), "route", route, "error", err)
	} else {
		s.logger.Sugar().Infow("Request rejected", "request_id", RequestID(r.Context()), "route", route, "kind", body.Kind, "error", err)
	}
	s.metrics.ObserveRequest(route, string(body.Kind))
	s.writeErrorBody(w, r, body)
}

func (s *Server) writeErrorBody(w http.ResponseWriter, r *http.Request, body relayErrors.ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Sugar().Warnw("Failed to encode error body", "request_id", RequestID(r.Context()), "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, route string, v any) {
	s.metrics.ObserveRequest(route, "success")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Sugar().Warnw("Failed to encode response", "request_id", RequestID(r.Context()), "route", route, "error", err)
	}
}
