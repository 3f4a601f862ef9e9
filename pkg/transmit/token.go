package transmit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/sirosfoundation/go-hostlink/pkg/credential"
)

// TokenManager owns bearer tokens for json_bearer credentials.
//
// Tokens are cached in memory per credential ID and written back into the
// credential's extension map. The memory entry is only trusted while the
// credential still carries a token and its login identity is unchanged.
// Logins and refreshes for the same credential are coalesced, so concurrent
// transmissions share one exchange.
type TokenManager struct {
	deps   Deps
	logger *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	owner identity
	token credential.Token
}

// identity is what a token was issued for. A change to any field means the
// token belongs to another account or server.
type identity struct {
	username string
	password string
	auth     string
	refresh  string
}

// flightKey coalesces exchanges for one credential and identity
func flightKey(op string, cred *credential.Credential) string {
	id := identityOf(cred)
	return strings.Join([]string{op, cred.ID, id.username, id.password, id.auth, id.refresh}, "\x00")
}

func identityOf(cred *credential.Credential) identity {
	return identity{
		username: cred.Username,
		password: cred.Password,
		auth:     cred.AuthEndpoint(),
		refresh:  cred.RefreshEndpoint(),
	}
}

// NewTokenManager creates a token manager
func NewTokenManager(deps Deps, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		deps:   deps.withDefaults(),
		logger: logger.With("component", "token_manager"),
		cache:  make(map[string]cacheEntry),
	}
}

// GetValidToken returns a cached token that stays valid beyond the safety
// margin, or logs in for a new one
func (m *TokenManager) GetValidToken(ctx context.Context, cred *credential.Credential) (string, error) {
	if tok, ok := m.cached(cred); ok && tok.ValidAt(m.deps.now()) {
		return tok.AccessToken, nil
	}
	return m.Login(ctx, cred)
}

// Login performs a full login regardless of the cache
func (m *TokenManager) Login(ctx context.Context, cred *credential.Credential) (string, error) {
	return m.exchangeOnce(ctx, "login", cred, m.login)
}

// RefreshToken exchanges the cached refresh token when a refresh endpoint is
// configured. Any refresh failure falls back to a full login.
func (m *TokenManager) RefreshToken(ctx context.Context, cred *credential.Credential) (string, error) {
	cached, _ := m.cached(cred)
	return m.exchangeOnce(ctx, "refresh", cred, func(ctx context.Context, cred *credential.Credential) (credential.Token, error) {
		endpoint := cred.RefreshEndpoint()
		if cached.RefreshToken != "" && endpoint != "" {
			tok, err := m.refresh(ctx, cred, endpoint, cached.RefreshToken)
			if err == nil {
				m.logger.Info("token refreshed", "credential", cred.ServiceName)
				return tok, nil
			}
			m.logger.Warn("token refresh failed, logging in again", "credential", cred.ServiceName, "error", err)
		}
		return m.login(ctx, cred)
	})
}

// exchangeOnce coalesces fn with concurrent calls for the same credential.
// The shared exchange runs detached from any one caller's cancellation and
// is bounded by the credential's timeout; each caller still stops waiting
// when its own ctx ends.
func (m *TokenManager) exchangeOnce(ctx context.Context, op string, cred *credential.Credential, fn func(context.Context, *credential.Credential) (credential.Token, error)) (string, error) {
	snapshot := cred.Clone()
	ch := m.group.DoChan(flightKey(op, cred), func() (any, error) {
		ctx, cancel := m.detach(ctx, snapshot)
		defer cancel()

		tok, err := fn(ctx, snapshot)
		if err != nil {
			return "", err
		}
		m.store(ctx, snapshot, tok)
		return tok.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			m.logger.Debug(op+" shared with concurrent caller", "credential", cred.ServiceName)
		}
		if res.Err != nil {
			return "", res.Err
		}
		access := res.Val.(string)
		m.adopt(cred, access)
		return access, nil
	}
}

// ClearToken drops the cached token from memory and from the credential
func (m *TokenManager) ClearToken(ctx context.Context, cred *credential.Credential) error {
	m.forget(cred.ID)

	cred.ClearCachedToken()
	if m.deps.Credentials == nil {
		return nil
	}
	if err := m.deps.Credentials.PatchCredentialConfig(ctx, cred.ID, nil, credential.TokenKeys()); err != nil {
		return fmt.Errorf("clearing cached token: %w", err)
	}
	return nil
}

// detach runs a coalesced exchange without the first caller's cancellation,
// bounded by the credential's timeout instead
func (m *TokenManager) detach(ctx context.Context, cred *credential.Credential) (context.Context, context.CancelFunc) {
	timeout := cred.Timeout()
	if timeout <= 0 {
		timeout = m.deps.Timeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// cached returns the newer of the credential's token and the in-memory one.
// The memory entry only counts when it was issued for the credential's
// current identity; a stale entry is dropped.
func (m *TokenManager) cached(cred *credential.Credential) (credential.Token, bool) {
	tok, ok := cred.CachedToken()

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, found := m.cache[cred.ID]
	if !found {
		return tok, ok
	}
	if entry.owner != identityOf(cred) {
		delete(m.cache, cred.ID)
		return tok, ok
	}
	if ok && !entry.token.ExpiresAt.After(tok.ExpiresAt) {
		return tok, true
	}
	if entry.token.RefreshToken == "" {
		entry.token.RefreshToken = tok.RefreshToken
	}
	return entry.token, true
}

// adopt copies the token an exchange produced into the caller's credential
func (m *TokenManager) adopt(cred *credential.Credential, access string) {
	m.mu.Lock()
	entry, ok := m.cache[cred.ID]
	m.mu.Unlock()
	if ok && entry.token.AccessToken == access && entry.owner == identityOf(cred) {
		cred.SetCachedToken(entry.token)
	}
}

func (m *TokenManager) forget(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}

// store caches tok unless it is already expired and persists it into the
// credential's extension map. Persistence failures are logged; the token
// stays usable for this process.
func (m *TokenManager) store(ctx context.Context, cred *credential.Credential, tok credential.Token) {
	log := m.logger.With("credential", cred.ServiceName)

	if !tok.ExpiresAt.After(m.deps.now()) {
		log.Warn("token already expired, not caching", "expires_at", tok.ExpiresAt)
		return
	}

	if tok.RefreshToken == "" {
		prev, _ := m.cached(cred)
		tok.RefreshToken = prev.RefreshToken
	}
	m.mu.Lock()
	m.cache[cred.ID] = cacheEntry{owner: identityOf(cred), token: tok}
	m.mu.Unlock()

	if m.deps.Credentials == nil {
		return
	}
	if err := m.deps.Credentials.PatchCredentialConfig(ctx, cred.ID, credential.TokenPatch(tok), nil); err != nil {
		log.Warn("failed to persist cached token", "error", err)
	}
}

func (m *TokenManager) login(ctx context.Context, cred *credential.Credential) (credential.Token, error) {
	endpoint := cred.AuthEndpoint()
	if endpoint == "" {
		return credential.Token{}, newError(KindInvalidCredentialConfig, "%s is not set", credential.KeyAuthEndpoint)
	}

	password, err := m.deps.decryptPassword(cred)
	if err != nil {
		return credential.Token{}, err
	}

	body, err := json.Marshal(map[string]string{
		"username": cred.Username,
		"password": password,
	})
	if err != nil {
		return credential.Token{}, fmt.Errorf("encoding login request: %w", err)
	}

	m.logger.Info("logging in", "credential", cred.ServiceName, "endpoint", endpoint)
	return m.exchange(ctx, cred, endpoint, body, "login")
}

func (m *TokenManager) refresh(ctx context.Context, cred *credential.Credential, endpoint, refreshToken string) (credential.Token, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return credential.Token{}, fmt.Errorf("encoding refresh request: %w", err)
	}
	return m.exchange(ctx, cred, endpoint, body, "refresh")
}

// exchange posts a token request and extracts the token from the response
func (m *TokenManager) exchange(ctx context.Context, cred *credential.Credential, endpoint string, body []byte, op string) (credential.Token, error) {
	client, err := m.deps.clientFor(cred, m.logger)
	if err != nil {
		return credential.Token{}, err
	}

	resp, err := client.Post(ctx, endpoint, body, map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	})
	if err != nil {
		return credential.Token{}, fmt.Errorf("%s request to %s: %w", op, endpoint, err)
	}

	// an unavailable auth server is a server error, not a rejection
	if resp.StatusCode >= http.StatusInternalServerError {
		return credential.Token{}, &Error{
			Kind:       KindHTTP,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s returned HTTP %d", op, resp.StatusCode),
			Body:       Excerpt(string(resp.Body)),
		}
	}
	if !resp.OK() {
		return credential.Token{}, &Error{
			Kind:       KindAuthFailure,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s returned HTTP %d", op, resp.StatusCode),
			Body:       Excerpt(string(resp.Body)),
		}
	}

	var fields map[string]any
	if len(strings.TrimSpace(string(resp.Body))) == 0 {
		return credential.Token{}, newError(KindAuthFailure, "%s response is empty", op)
	}
	if err := json.Unmarshal(resp.Body, &fields); err != nil {
		return credential.Token{}, &Error{Kind: KindAuthFailure, Message: op + " response is not a JSON object", Err: err}
	}
	if len(fields) == 0 {
		return credential.Token{}, newError(KindAuthFailure, "%s response is empty", op)
	}

	field := cred.TokenField()
	access, _ := fields[field].(string)
	if access == "" {
		return credential.Token{}, newError(KindAuthFailure, "%s response has no %q field (fields present: %s)",
			op, field, strings.Join(sortedKeys(fields), ", "))
	}

	tok := credential.Token{
		AccessToken: access,
		ExpiresAt:   m.expiry(cred, fields, access),
	}
	tok.RefreshToken, _ = fields[cred.RefreshTokenField()].(string)
	return tok, nil
}

// expiry resolves the token lifetime: expires_in, then the JWT exp claim,
// then the credential's token_expiry, then DefaultTokenLifetime
func (m *TokenManager) expiry(cred *credential.Credential, fields map[string]any, access string) time.Time {
	now := m.deps.now()

	if secs, ok := numeric(fields["expires_in"]); ok && secs > 0 {
		return now.Add(time.Duration(secs) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	if d := cred.TokenExpiry(); d > 0 {
		return now.Add(d)
	}
	return now.Add(credential.DefaultTokenLifetime)
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
