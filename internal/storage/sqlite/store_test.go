package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/internal/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), &Config{Path: filepath.Join(t.TempDir(), "hostlink.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestNewStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hostlink.db")

	s, err := NewStore(ctx, &Config{Path: path})
	require.NoError(t, err)
	doc := &storage.Document{Number: "DOC-1", Kind: "cocotangki"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.Close(ctx))

	// migrations already applied must be skipped
	s, err = NewStore(ctx, &Config{Path: path})
	require.NoError(t, err)
	defer s.Close(ctx)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "DOC-1", got.Number)
	assert.NoError(t, s.Ping(ctx))
}
