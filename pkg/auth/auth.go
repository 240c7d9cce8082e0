package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"go.uber.org/zap"
)

const DefaultRefreshInterval = 15 * time.Minute

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid bearer token")
)

type TokenVerifier interface {
	VerifyToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims is what the relay keeps from a verified token.
type Claims struct {
	Subject string
	Issuer  string
}

type JWTVerifierConfig struct {
	JWKSURL         string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
}

// JWTVerifier checks relay bearer tokens against a JWKS that is refreshed in the background.
type JWTVerifier struct {
	logger   *zap.Logger
	keySet   jwk.Set
	issuer   string
	audience string
}

var _ TokenVerifier = (*JWTVerifier)(nil)

func NewJWTVerifier(ctx context.Context, cfg *JWTVerifierConfig, logger *zap.Logger) (*JWTVerifier, error) {
	if cfg == nil || cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	logger.Sugar().Debugw("Creating JWK cache", "jwks_url", cfg.JWKSURL, "refresh_interval", interval)
	keySet, err := NewJWKCache(ctx, cfg.JWKSURL, interval)
	if err != nil {
		return nil, err
	}
	logger.Sugar().Infow("Bearer token verification enabled", "issuer", cfg.Issuer, "audience", cfg.Audience)

	return NewJWTVerifierWithKeySet(keySet, cfg.Issuer, cfg.Audience, logger), nil
}

// NewJWTVerifierWithKeySet verifies against a fixed key set.
func NewJWTVerifierWithKeySet(keySet jwk.Set, issuer, audience string, logger *zap.Logger) *JWTVerifier {
	return &JWTVerifier{
		logger:   logger,
		keySet:   keySet,
		issuer:   issuer,
		audience: audience,
	}
}

// NewJWKCache registers jwksURL with a constant refresh interval and fetches it once.
func NewJWKCache(ctx context.Context, jwksURL string, refreshInterval time.Duration) (jwk.Set, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create jwk cache: %w", err)
	}

	if err := cache.Register(ctx, jwksURL, jwk.WithConstantInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register jwk location: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch on startup: %w", err)
	}

	return cache.CachedSet(jwksURL)
}

func (v *JWTVerifier) VerifyToken(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	keySet, err := filterKeySetForToken(tokenString, v.keySet, v.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{}
	if sub, ok := token.Subject(); ok {
		claims.Subject = sub
	}
	if iss, ok := token.Issuer(); ok {
		claims.Issuer = iss
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return strings.TrimSpace(token), nil
}

// filterKeySetForToken keeps only the keys whose algorithm matches the token header.
// Some issuers publish the same key id under several algorithms.
func filterKeySetForToken(tokenString string, keySet jwk.Set, logger *zap.Logger) (jwk.Set, error) {
	msg, err := jws.Parse([]byte(tokenString))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWS message: %w", err)
	}
	if len(msg.Signatures()) == 0 {
		return nil, fmt.Errorf("token has no signatures")
	}
	header := msg.Signatures()[0].ProtectedHeaders()

	tokenAlg, ok := header.Algorithm()
	if !ok {
		return nil, fmt.Errorf("token does not specify an algorithm")
	}

	filtered := jwk.NewSet()
	for i := 0; i < keySet.Len(); i++ {
		key, ok := keySet.Key(i)
		if !ok {
			continue
		}
		if keyAlg, ok := key.Algorithm(); ok && keyAlg == tokenAlg {
			_ = filtered.AddKey(key)
		}
	}

	if filtered.Len() == 0 {
		return nil, fmt.Errorf("no keys found in JWKS matching algorithm %s", tokenAlg)
	}
	logger.Sugar().Debugw("Filtered JWKS", "original_count", keySet.Len(), "filtered_count", filtered.Len())
	return filtered, nil
}
