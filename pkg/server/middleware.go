package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/auth"
	"github.com/Layr-Labs/near-relay-go/pkg/rateLimiter"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	claimsKey
)

// RequestID returns the id assigned to the request by the access log middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// accessLog tags each request with an id and logs it once it completes.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.Sugar().Infow("HTTP request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// rateLimit keys callers by token subject once authenticated, else by remote IP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(rateLimiter.ClientKey(r, subject(r.Context())), time.Now()) {
			s.writeErrorBody(w, r, relayErrors.ErrorBody{
				Status:  http.StatusTooManyRequests,
				Kind:    relayErrors.KindRateLimited,
				Message: "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// protected requires a valid bearer token when a verifier is configured, then applies the rate limit.
func (s *Server) protected(h http.HandlerFunc) http.Handler {
	limited := s.rateLimit(h)
	if s.verifier == nil {
		return limited
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err == nil {
			var claims *auth.Claims
			claims, err = s.verifier.VerifyToken(r.Context(), token)
			if err == nil {
				limited.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
				return
			}
		}
		s.logger.Sugar().Infow("Rejected unauthenticated request", "request_id", RequestID(r.Context()), "error", err)
		w.Header().Set("WWW-Authenticate", "Bearer")
		s.writeErrorBody(w, r, relayErrors.ErrorBody{
			Status:  http.StatusUnauthorized,
			Kind:    relayErrors.KindUnauthorized,
			Message: err.Error(),
		})
	})
}
