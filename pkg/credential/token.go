package credential

import (
	"time"
)

// TokenSafetyMargin is how long before expiry a cached token stops being reused
const TokenSafetyMargin = 5 * time.Minute

// DefaultTokenLifetime applies when neither the server nor the credential states one
const DefaultTokenLifetime = 24 * time.Hour

// Token is a bearer token cached inside the credential's extension map
type Token struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
}

// ValidAt reports whether the token may be reused at now. A token expiring
// within TokenSafetyMargin is treated as expired.
func (t Token) ValidAt(now time.Time) bool {
	if t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Sub(now) > TokenSafetyMargin
}

// CachedToken reads the cached token fields from the extension map
func (c *Credential) CachedToken() (Token, bool) {
	access := c.ConfigString(KeyCachedToken)
	if access == "" {
		return Token{}, false
	}
	tok := Token{
		AccessToken:  access,
		RefreshToken: c.ConfigString(KeyCachedRefreshToken),
	}
	switch v := c.AdditionalConfig[KeyTokenExpiresAt].(type) {
	case time.Time:
		tok.ExpiresAt = v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Token{}, false
		}
		tok.ExpiresAt = t
	default:
		return Token{}, false
	}
	return tok, true
}

// TokenPatch returns the extension map entries representing tok. An empty
// refresh token is omitted so that a previously cached one survives.
func TokenPatch(tok Token) map[string]any {
	patch := map[string]any{
		KeyCachedToken:    tok.AccessToken,
		KeyTokenExpiresAt: tok.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if tok.RefreshToken != "" {
		patch[KeyCachedRefreshToken] = tok.RefreshToken
	}
	return patch
}

// TokenKeys lists every extension map key owned by the token cache
func TokenKeys() []string {
	return []string{KeyCachedToken, KeyCachedRefreshToken, KeyTokenExpiresAt}
}

// SetCachedToken writes tok into the extension map
func (c *Credential) SetCachedToken(tok Token) {
	if c.AdditionalConfig == nil {
		c.AdditionalConfig = make(map[string]any)
	}
	for k, v := range TokenPatch(tok) {
		c.AdditionalConfig[k] = v
	}
}

// ClearCachedToken removes the cached token fields
func (c *Credential) ClearCachedToken() {
	for _, k := range TokenKeys() {
		delete(c.AdditionalConfig, k)
	}
}
