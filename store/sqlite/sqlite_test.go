package sqlite

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/davsync/store"
	"github.com/cyp0633/davsync/store/storetest"
)

// testLogger writes store activity to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), testLogger(t))
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := Open(ctx, path, testLogger(t))
	require.NoError(t, err)
	a := &store.Account{Name: "acct", Origin: "https://example.com"}
	require.NoError(t, s.SaveAccount(ctx, a))
	c := &store.Collection{AccountID: a.ID, Service: store.CardDAV, URL: "https://example.com/card/"}
	require.NoError(t, s.SaveCollection(ctx, c))
	require.NoError(t, s.SaveItem(ctx, &store.Item{CollectionID: c.ID, UID: "u", Body: []byte("BEGIN:VCARD")}))
	require.NoError(t, s.Close())

	// Migrations are already applied; a second open must be a no-op.
	s, err = Open(ctx, path, testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	it, err := s.GetItemByUID(ctx, c.ID, "u")
	require.NoError(t, err)
	assert.Equal(t, "BEGIN:VCARD", string(it.Body))
}

func TestForeignKeys(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "fk.db"), testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	err = s.SaveCollection(ctx, &store.Collection{AccountID: 42, Service: store.CalDAV, URL: "https://x/"})
	assert.Error(t, err, "collection requires an existing account")
}
