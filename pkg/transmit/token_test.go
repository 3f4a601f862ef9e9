package transmit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-hostlink/pkg/credential"
	"github.com/sirosfoundation/go-hostlink/pkg/retry"
)

// authServer issues tokens from login and refresh endpoints
type authServer struct {
	logins    atomic.Int32
	refreshes atomic.Int32
	delay     time.Duration

	// accounts maps usernames to passwords; nil accepts only TPSDEMO
	accounts map[string]string

	loginStatus   int
	refreshStatus int
	loginBody     map[string]any
	refreshBody   map[string]any
}

func (a *authServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		n := a.logins.Add(1)
		if a.delay > 0 {
			time.Sleep(a.delay)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		accounts := a.accounts
		if accounts == nil {
			accounts = map[string]string{"TPSDEMO": "demo123"}
		}
		if want, ok := accounts[req["username"]]; !ok || req["password"] != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if a.loginStatus != 0 {
			w.WriteHeader(a.loginStatus)
			return
		}
		body := a.loginBody
		if body == nil {
			body = map[string]any{"access_token": "login-" + string(rune('0'+n)), "expires_in": 3600, "refresh_token": "r" + string(rune('0'+n))}
		}
		json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		a.refreshes.Add(1)
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if a.refreshStatus != 0 {
			w.WriteHeader(a.refreshStatus)
			return
		}
		body := a.refreshBody
		if body == nil {
			body = map[string]any{"access_token": "refreshed-" + req["refresh_token"], "expires_in": 3600}
		}
		json.NewEncoder(w).Encode(body)
	})
	return mux
}

func newTokenFixture(t *testing.T, auth *authServer) (*TokenManager, *fakeRepo, *credential.Credential, string) {
	t.Helper()
	srv := httptest.NewServer(auth.handler())
	t.Cleanup(srv.Close)

	cred := bearerCredential("https://example/api", srv.URL+"/login")
	repo := newFakeRepo(cred)
	m := NewTokenManager(testDeps(repo, nil), testLogger())
	return m, repo, cred.Clone(), srv.URL
}

func TestTokenManager_ReusesValidToken(t *testing.T) {
	auth := &authServer{}
	m, _, cred, _ := newTokenFixture(t, auth)
	cred.SetCachedToken(credential.Token{AccessToken: "cached", ExpiresAt: testNow.Add(10 * time.Minute)})

	tok, err := m.GetValidToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
	assert.Zero(t, auth.logins.Load())
}

func TestTokenManager_LogsInWithinSafetyMargin(t *testing.T) {
	auth := &authServer{}
	m, repo, cred, _ := newTokenFixture(t, auth)
	cred.SetCachedToken(credential.Token{AccessToken: "cached", ExpiresAt: testNow.Add(4 * time.Minute)})

	tok, err := m.GetValidToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok)
	assert.EqualValues(t, 1, auth.logins.Load())

	stored, ok := repo.stored(cred.ID).CachedToken()
	require.True(t, ok)
	assert.Equal(t, "login-1", stored.AccessToken)
	assert.Equal(t, "r1", stored.RefreshToken)
	assert.True(t, testNow.Add(time.Hour).Equal(stored.ExpiresAt))

	// second call is served from memory
	tok, err = m.GetValidToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok)
	assert.EqualValues(t, 1, auth.logins.Load())
}

func TestTokenManager_ConcurrentCallersShareLogin(t *testing.T) {
	auth := &authServer{delay: 50 * time.Millisecond}
	m, _, cred, _ := newTokenFixture(t, auth)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background(), cred.Clone())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, auth.logins.Load())
	for _, tok := range tokens {
		assert.Equal(t, "login-1", tok)
	}
}

func TestTokenManager_MissingTokenField(t *testing.T) {
	auth := &authServer{loginBody: map[string]any{"token": "abc", "status": "ok"}}
	m, _, cred, _ := newTokenFixture(t, auth)

	_, err := m.GetValidToken(context.Background(), cred)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuthFailure))
	assert.Contains(t, err.Error(), `"access_token"`)
	assert.Contains(t, err.Error(), "status, token")
}

func TestTokenManager_CustomTokenField(t *testing.T) {
	auth := &authServer{loginBody: map[string]any{"token": "abc", "jwt_refresh": "rr"}}
	m, _, cred, _ := newTokenFixture(t, auth)
	cred.AdditionalConfig[credential.KeyTokenField] = "token"
	cred.AdditionalConfig[credential.KeyRefreshTokenField] = "jwt_refresh"

	tok, err := m.GetValidToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	cached, ok := cred.CachedToken()
	require.True(t, ok)
	assert.Equal(t, "rr", cached.RefreshToken)
}

func TestTokenManager_LoginRejected(t *testing.T) {
	auth := &authServer{loginStatus: http.StatusUnauthorized}
	m, _, cred, _ := newTokenFixture(t, auth)

	_, err := m.GetValidToken(context.Background(), cred)
	require.Error(t, err)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindAuthFailure, terr.Kind)
	assert.Equal(t, 401, terr.HTTPStatus())
}

func TestTokenManager_ExpiryResolution(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": testNow.Add(2 * time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   map[string]any
		config map[string]any
		want   time.Time
	}{
		{"expires_in", map[string]any{"access_token": "a", "expires_in": 600}, nil, testNow.Add(10 * time.Minute)},
		{"expires_in string", map[string]any{"access_token": "a", "expires_in": "900"}, nil, testNow.Add(15 * time.Minute)},
		{"jwt exp", map[string]any{"access_token": signed}, nil, testNow.Add(2 * time.Hour)},
		{"configured expiry", map[string]any{"access_token": "a"}, map[string]any{credential.KeyTokenExpiry: 7200}, testNow.Add(2 * time.Hour)},
		{"default", map[string]any{"access_token": "a"}, nil, testNow.Add(credential.DefaultTokenLifetime)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &authServer{loginBody: tt.body}
			m, _, cred, _ := newTokenFixture(t, auth)
			for k, v := range tt.config {
				cred.AdditionalConfig[k] = v
			}

			_, err := m.GetValidToken(context.Background(), cred)
			require.NoError(t, err)

			cached, ok := cred.CachedToken()
			require.True(t, ok)
			assert.True(t, tt.want.Equal(cached.ExpiresAt), "got %v want %v", cached.ExpiresAt, tt.want)
		})
	}
}

func TestTokenManager_ExpiredTokenNotCached(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": testNow.Add(-time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	auth := &authServer{loginBody: map[string]any{"access_token": signed}}
	m, repo, cred, _ := newTokenFixture(t, auth)

	tok, err := m.GetValidToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, signed, tok)

	_, ok := repo.stored(cred.ID).CachedToken()
	assert.False(t, ok)
}

func TestTokenManager_RefreshUsesRefreshEndpoint(t *testing.T) {
	auth := &authServer{}
	m, _, cred, base := newTokenFixture(t, auth)
	cred.AdditionalConfig[credential.KeyRefreshEndpoint] = base + "/refresh"
	cred.SetCachedToken(credential.Token{AccessToken: "old", ExpiresAt: testNow.Add(time.Hour), RefreshToken: "r9"})

	tok, err := m.RefreshToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-r9", tok)
	assert.EqualValues(t, 1, auth.refreshes.Load())
	assert.Zero(t, auth.logins.Load())

	// the refresh response carried no refresh token, so the old one is kept
	cached, _ := cred.CachedToken()
	assert.Equal(t, "r9", cached.RefreshToken)
}

func TestTokenManager_RefreshFailureFallsBackToLogin(t *testing.T) {
	auth := &authServer{refreshStatus: http.StatusInternalServerError}
	m, _, cred, base := newTokenFixture(t, auth)
	cred.AdditionalConfig[credential.KeyRefreshEndpoint] = base + "/refresh"
	cred.SetCachedToken(credential.Token{AccessToken: "old", ExpiresAt: testNow.Add(time.Hour), RefreshToken: "r9"})

	tok, err := m.RefreshToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok)
	assert.EqualValues(t, 1, auth.refreshes.Load())
	assert.EqualValues(t, 1, auth.logins.Load())
}

func TestTokenManager_RefreshWithoutEndpointLogsIn(t *testing.T) {
	auth := &authServer{}
	m, _, cred, _ := newTokenFixture(t, auth)
	cred.SetCachedToken(credential.Token{AccessToken: "old", ExpiresAt: testNow.Add(time.Hour), RefreshToken: "r9"})

	tok, err := m.RefreshToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok)
	assert.Zero(t, auth.refreshes.Load())
}

func TestTokenManager_ClearToken(t *testing.T) {
	auth := &authServer{}
	m, repo, cred, _ := newTokenFixture(t, auth)

	_, err := m.GetValidToken(context.Background(), cred)
	require.NoError(t, err)

	require.NoError(t, m.ClearToken(context.Background(), cred))
	_, ok := cred.CachedToken()
	assert.False(t, ok)
	_, ok = repo.stored(cred.ID).CachedToken()
	assert.False(t, ok)

	_, err = m.GetValidToken(context.Background(), cred)
	require.NoError(t, err)
	assert.EqualValues(t, 2, auth.logins.Load())
}

func TestTokenManager_EditedCredentialLogsInAgain(t *testing.T) {
	auth := &authServer{accounts: map[string]string{"TPSDEMO": "demo123", "TPSBARU": "baru456"}}
	m, _, cred, _ := newTokenFixture(t, auth)

	tok, err := m.GetValidToken(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok)

	// an admin swaps the account; the stored record loses its token
	edited := cred.Clone()
	edited.Username = "TPSBARU"
	edited.Password = "enc:baru456"
	edited.ClearCachedToken()

	tok, err = m.GetValidToken(context.Background(), edited)
	require.NoError(t, err)
	assert.Equal(t, "login-2", tok)
	assert.EqualValues(t, 2, auth.logins.Load())

	// the refresh token of the old account is not offered either
	cached, ok := edited.CachedToken()
	require.True(t, ok)
	assert.Equal(t, "r2", cached.RefreshToken)
}

func TestTokenManager_MemoryTokenNeedsSameIdentity(t *testing.T) {
	auth := &authServer{accounts: map[string]string{"TPSDEMO": "demo123", "TPSBARU": "demo123"}}
	m, _, cred, _ := newTokenFixture(t, auth)

	_, err := m.GetValidToken(context.Background(), cred)
	require.NoError(t, err)

	// a stale copy loaded before the login is served from memory
	stale := cred.Clone()
	stale.ClearCachedToken()
	tok, err := m.GetValidToken(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok)
	assert.EqualValues(t, 1, auth.logins.Load())

	renamed := stale.Clone()
	renamed.Username = "TPSBARU"
	tok, err = m.GetValidToken(context.Background(), renamed)
	require.NoError(t, err)
	assert.Equal(t, "login-2", tok)
}

func TestTokenManager_LoginServerUnavailableIsRetried(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			auth := &authServer{loginStatus: status}
			m, _, cred, _ := newTokenFixture(t, auth)
			handler := retry.New(&retry.Config{
				MaxAttempts: 3,
				Sleep:       func(context.Context, time.Duration) error { return nil },
			}, testLogger())

			_, err := retry.Do(context.Background(), handler, func(ctx context.Context, _ int) (string, error) {
				return m.GetValidToken(ctx, cred)
			})
			require.Error(t, err)
			assert.True(t, IsKind(err, KindHTTP))
			assert.Equal(t, status, retry.StatusOf(err))
			assert.EqualValues(t, 3, auth.logins.Load())
		})
	}
}

func TestTokenManager_CancelledCallerDoesNotFailOthers(t *testing.T) {
	auth := &authServer{delay: 150 * time.Millisecond}
	m, _, cred, _ := newTokenFixture(t, auth)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.GetValidToken(first, cred.Clone())
		firstErr <- err
	}()

	require.Eventually(t, func() bool { return auth.logins.Load() == 1 }, time.Second, 5*time.Millisecond)
	second := make(chan string, 1)
	go func() {
		tok, err := m.GetValidToken(context.Background(), cred.Clone())
		assert.NoError(t, err)
		second <- tok
	}()
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	assert.Equal(t, "login-1", <-second)
	assert.EqualValues(t, 1, auth.logins.Load())
}
