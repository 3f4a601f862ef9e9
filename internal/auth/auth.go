// Package auth validates OAuth2 bearer tokens presented to the document API
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation failures returned by ValidateToken and ValidateRequest
var (
	ErrNoToken           = errors.New("no authorization token provided")
	ErrInvalidToken      = errors.New("invalid authorization token")
	ErrTokenExpired      = errors.New("token has expired")
	ErrInvalidAudience   = errors.New("invalid audience")
	ErrInvalidIssuer     = errors.New("invalid issuer")
	ErrInsufficientScope = errors.New("insufficient scope")
)

// Config holds the accepted token issuer
type Config struct {
	Issuer        string
	Audience      string
	JWKSUrl       string
	RequiredScope string
}

// Claims represents the JWT claims we care about
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// HasScope checks the space separated scope claim
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}

// Authenticator checks RS256/384/512 tokens against the issuer's key set
type Authenticator struct {
	config *Config
	parser *jwt.Parser
	keys   *keySet
}

// NewAuthenticator creates a new JWT authenticator
func NewAuthenticator(cfg *Config, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Authenticator{
		config: cfg,
		parser: jwt.NewParser(opts...),
		keys:   newKeySet(cfg.JWKSUrl, logger.With("component", "auth")),
	}
}

// IsEnabled returns true if OAuth2 authentication is configured
func (a *Authenticator) IsEnabled() bool {
	return a.config.Issuer != ""
}

// ValidateRequest extracts and validates the JWT from an HTTP request
func (a *Authenticator) ValidateRequest(r *http.Request) (*Claims, error) {
	token := extractBearerToken(r)
	if token == "" {
		return nil, ErrNoToken
	}
	return a.ValidateToken(r.Context(), token)
}

// ValidateToken validates a JWT and returns its claims
func (a *Authenticator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, a.keys.keyfunc(ctx))
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return nil, ErrInvalidIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, ErrInvalidAudience
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if a.config.RequiredScope != "" && !claims.HasScope(a.config.RequiredScope) {
		return nil, ErrInsufficientScope
	}
	return &claims, nil
}

// extractBearerToken returns the credentials of a "Bearer" Authorization
// header, or ""
func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type claimsKey struct{}

// ClaimsFromContext returns the claims stored by ContextWithClaims, or nil
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey{}).(*Claims)
	return claims
}

// ContextWithClaims attaches validated claims to ctx
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}
