// Package storagetest holds the behaviour every storage.Store must satisfy
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/pkg/credential"
)

// Run exercises a store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("credentials", func(t *testing.T) { testCredentials(t, newStore(t)) })
	t.Run("credential config patch", func(t *testing.T) { testPatch(t, newStore(t)) })
	t.Run("credential usage", func(t *testing.T) { testUsage(t, newStore(t)) })
	t.Run("credential update keeps managed fields", func(t *testing.T) { testUpdateKeepsManaged(t, newStore(t)) })
	t.Run("documents", func(t *testing.T) { testDocuments(t, newStore(t)) })
	t.Run("attempts", func(t *testing.T) { testAttempts(t, newStore(t)) })
}

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newCredential(name string, st credential.ServiceType, active bool, created time.Time) *credential.Credential {
	return &credential.Credential{
		ServiceName: name,
		ServiceType: st,
		Username:    "TPSDEMO",
		Password:    "ciphertext",
		EndpointURL: "https://example/" + name,
		IsActive:    active,
		AdditionalConfig: map[string]any{
			credential.KeyAuthEndpoint: "https://example/login",
		},
		CreatedAt: created,
	}
}

func testCredentials(t *testing.T, s storage.Store) {
	ctx := context.Background()

	newer := newCredential("soap-newer", credential.ServiceTypeSOAPXML, true, base.Add(time.Hour))
	older := newCredential("soap-older", credential.ServiceTypeSOAPXML, true, base)
	inactive := newCredential("soap-off", credential.ServiceTypeSOAPXML, false, base)
	bearer := newCredential("json", credential.ServiceTypeJSONBearer, true, base)

	for _, c := range []*credential.Credential{newer, older, inactive, bearer} {
		require.NoError(t, s.CreateCredential(ctx, c))
		require.NotEmpty(t, c.ID)
	}

	dup := newCredential("soap-older", credential.ServiceTypeSOAPXML, true, base)
	assert.ErrorIs(t, s.CreateCredential(ctx, dup), storage.ErrDuplicate)

	got, err := s.GetCredential(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, "soap-older", got.ServiceName)
	assert.Equal(t, "ciphertext", got.Password)
	assert.Equal(t, "https://example/login", got.AuthEndpoint())
	assert.True(t, base.Equal(got.CreatedAt))

	_, err = s.GetCredential(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	active, err := s.FindActiveByServiceType(ctx, credential.ServiceTypeSOAPXML)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "soap-older", active[0].ServiceName)
	assert.Equal(t, "soap-newer", active[1].ServiceName)

	all, err := s.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	got.EndpointURL = "https://example/changed"
	got.IsActive = false
	require.NoError(t, s.UpdateCredential(ctx, got))

	active, err = s.FindActiveByServiceType(ctx, credential.ServiceTypeSOAPXML)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "soap-newer", active[0].ServiceName)

	reloaded, err := s.GetCredential(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example/changed", reloaded.EndpointURL)

	missing := newCredential("ghost", credential.ServiceTypeSOAPXML, true, base)
	missing.ID = "missing"
	assert.ErrorIs(t, s.UpdateCredential(ctx, missing), storage.ErrNotFound)
}

func testPatch(t *testing.T, s storage.Store) {
	ctx := context.Background()

	c := newCredential("json", credential.ServiceTypeJSONBearer, true, base)
	require.NoError(t, s.CreateCredential(ctx, c))

	exp := base.Add(time.Hour)
	tok := credential.Token{AccessToken: "abc", ExpiresAt: exp, RefreshToken: "r1"}
	require.NoError(t, s.PatchCredentialConfig(ctx, c.ID, credential.TokenPatch(tok), nil))

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	cached, ok := got.CachedToken()
	require.True(t, ok)
	assert.Equal(t, "abc", cached.AccessToken)
	assert.Equal(t, "r1", cached.RefreshToken)
	assert.True(t, exp.Equal(cached.ExpiresAt))
	assert.Equal(t, "https://example/login", got.AuthEndpoint(), "other keys survive a patch")

	require.NoError(t, s.PatchCredentialConfig(ctx, c.ID, nil, credential.TokenKeys()))
	got, err = s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	_, ok = got.CachedToken()
	assert.False(t, ok)
	assert.Equal(t, "https://example/login", got.AuthEndpoint())

	assert.ErrorIs(t, s.PatchCredentialConfig(ctx, "missing", map[string]any{"a": "b"}, nil), storage.ErrNotFound)
}

func testUsage(t *testing.T, s storage.Store) {
	ctx := context.Background()

	c := newCredential("soap", credential.ServiceTypeSOAPXML, true, base)
	require.NoError(t, s.CreateCredential(ctx, c))

	first := base.Add(time.Minute)
	require.NoError(t, s.RecordUsage(ctx, c.ID, first))
	require.NoError(t, s.RecordUsage(ctx, c.ID, first.Add(time.Minute)))

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.UsageCount)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, first.Add(time.Minute).Equal(*got.LastUsedAt))

	assert.ErrorIs(t, s.RecordUsage(ctx, "missing", first), storage.ErrNotFound)
}

func testUpdateKeepsManaged(t *testing.T, s storage.Store) {
	ctx := context.Background()

	c := newCredential("json", credential.ServiceTypeJSONBearer, true, base)
	require.NoError(t, s.CreateCredential(ctx, c))

	// an admin loads the record before transmissions touch it
	edit, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)

	used := base.Add(time.Minute)
	require.NoError(t, s.RecordUsage(ctx, c.ID, used))
	require.NoError(t, s.RecordUsage(ctx, c.ID, used))
	tok := credential.Token{AccessToken: "live", ExpiresAt: base.Add(time.Hour), RefreshToken: "r1"}
	require.NoError(t, s.PatchCredentialConfig(ctx, c.ID, credential.TokenPatch(tok), nil))

	edit.EndpointURL = "https://example/changed"
	edit.AdditionalConfig[credential.KeyTimeout] = 60
	edit.AdditionalConfig[credential.KeyCachedToken] = "forged"
	require.NoError(t, s.UpdateCredential(ctx, edit))
	assert.EqualValues(t, 2, edit.UsageCount)

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example/changed", got.EndpointURL)
	assert.EqualValues(t, 2, got.UsageCount)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, used.Equal(*got.LastUsedAt))
	assert.True(t, base.Equal(got.CreatedAt))
	assert.Equal(t, 60*time.Second, got.Timeout())
	assert.Equal(t, "https://example/login", got.AuthEndpoint())

	cached, ok := got.CachedToken()
	require.True(t, ok)
	assert.Equal(t, "live", cached.AccessToken)
	assert.Equal(t, "r1", cached.RefreshToken)
}

func testDocuments(t *testing.T, s storage.Store) {
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		d := &storage.Document{
			Number:  fmt.Sprintf("DOC-%d", i),
			Kind:    "cocotangki",
			Payload: map[string]any{"tank": fmt.Sprintf("T%d", i), "volume": 1200.5},
		}
		require.NoError(t, s.CreateDocument(ctx, d))
		assert.Equal(t, storage.DocumentStatusDraft, d.Status)
		ids = append(ids, d.ID)
		time.Sleep(2 * time.Millisecond)
	}

	got, err := s.GetDocument(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "DOC-0", got.Number)
	assert.Equal(t, "T0", got.Payload["tank"])
	assert.EqualValues(t, 1200.5, got.Payload["volume"])

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	sentAt := base.Add(2 * time.Hour)
	require.NoError(t, s.UpdateTransmissionStatus(ctx, ids[1], &storage.TransmissionUpdate{
		Status:   storage.DocumentStatusSent,
		Format:   "xml",
		Response: "OK: accepted",
		SentAt:   &sentAt,
	}))
	require.NoError(t, s.UpdateTransmissionStatus(ctx, ids[2], &storage.TransmissionUpdate{
		Status:    storage.DocumentStatusError,
		Format:    "json",
		LastError: "HTTP 503 Service Unavailable",
	}))

	sent, err := s.GetDocument(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusSent, sent.Status)
	assert.Equal(t, "xml", sent.TransmissionFormat)
	assert.Equal(t, "OK: accepted", sent.Response)
	require.NotNil(t, sent.SentAt)
	assert.True(t, sentAt.Equal(*sent.SentAt))

	all, err := s.ListDocuments(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "newest first")

	errored, err := s.ListDocuments(ctx, &storage.DocumentFilter{Status: storage.DocumentStatusError})
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, "HTTP 503 Service Unavailable", errored[0].LastError)

	page, err := s.ListDocuments(ctx, &storage.DocumentFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	assert.ErrorIs(t, s.UpdateTransmissionStatus(ctx, "missing", &storage.TransmissionUpdate{Status: storage.DocumentStatusSent}), storage.ErrNotFound)
}

func testAttempts(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordAttempt(ctx, &storage.Attempt{
			DocumentID:  "doc-1",
			Attempt:     i,
			Format:      "xml",
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			Duration:    150 * time.Millisecond,
			Success:     i == 3,
			StatusCode:  503,
			ErrorKind:   "http_error",
			Error:       "HTTP 503 Service Unavailable",
			PayloadSize: 512,
		}))
	}
	require.NoError(t, s.RecordAttempt(ctx, &storage.Attempt{DocumentID: "doc-2", Attempt: 1, StartedAt: base}))

	attempts, err := s.ListAttempts(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Attempt)
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, 150*time.Millisecond, a.Duration)
		assert.Equal(t, 512, a.PayloadSize)
	}
	assert.True(t, attempts[2].Success)
	assert.Equal(t, 503, attempts[0].StatusCode)

	none, err := s.ListAttempts(ctx, "doc-missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}
