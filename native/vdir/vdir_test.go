package vdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/davsync/guard"
	"github.com/cyp0633/davsync/native"
)

const card = "BEGIN:VCARD\r\nVERSION:3.0\r\nUID:card-1\r\nFN:John Doe\r\nEND:VCARD\r\n"

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "vdir"), nil)
	require.NoError(t, err)
	return s
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	col, err := s.EnsureCollection(ctx, native.CollectionSpec{Service: "carddav", DisplayName: "Contacts", Color: "#ff0000"})
	require.NoError(t, err)
	name, err := os.ReadFile(filepath.Join(s.root, col, "displayname"))
	require.NoError(t, err)
	assert.Equal(t, "Contacts\n", string(name))

	id, err := s.Upsert(ctx, col, &native.Record{UID: "card-1", Body: []byte(card)})
	require.NoError(t, err)
	assert.Equal(t, "card-1", id)
	assert.FileExists(t, filepath.Join(s.root, col, "card-1.vcf"))

	got, err := s.Get(ctx, col, id)
	require.NoError(t, err)
	assert.Equal(t, "card-1", got.UID)
	assert.Equal(t, card, string(got.Body))
	assert.False(t, got.Dirty)

	byUID, err := s.FindByUID(ctx, col, "card-1")
	require.NoError(t, err)
	assert.Equal(t, id, byUID.ID)

	require.NoError(t, s.Delete(ctx, col, id))
	require.NoError(t, s.Delete(ctx, col, id))
	_, err = s.Get(ctx, col, id)
	assert.ErrorIs(t, err, native.ErrNotFound)
	assert.False(t, s.SupportsDirty())
}

func TestUnsafeUIDGetsDerivedID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	col, _ := s.EnsureCollection(ctx, native.CollectionSpec{Service: "caldav"})

	id, err := s.Upsert(ctx, col, &native.Record{UID: "../escape", Body: []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")})
	require.NoError(t, err)
	assert.NotContains(t, id, "/")
	assert.FileExists(t, filepath.Join(s.root, col, id+".ics"))

	again, err := s.Upsert(ctx, col, &native.Record{UID: "../escape", Body: []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")})
	require.NoError(t, err)
	assert.Equal(t, id, again, "derived ids are stable")
}

func TestListSkipsMetadataAndTemp(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	col, _ := s.EnsureCollection(ctx, native.CollectionSpec{Service: "carddav", DisplayName: "x"})
	dir := filepath.Join(s.root, col)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-123"), []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.vcf"), []byte(card), 0o600))

	recs, err := s.List(ctx, col)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)

	future := time.Now().Add(time.Hour)
	recs, err = s.ListChangedSince(ctx, col, future)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestInvalidCollection(t *testing.T) {
	s := newStore(t)
	_, err := s.List(context.Background(), "../etc")
	assert.Error(t, err)
	_, err = s.List(context.Background(), "missing")
	assert.ErrorIs(t, err, native.ErrNotFound)
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newStore(t)
	col, err := s.EnsureCollection(ctx, native.CollectionSpec{Service: "carddav"})
	require.NoError(t, err)

	changes := make(chan guard.Change, 16)
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, func(c guard.Change) { changes <- c }) }()
	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(s.root, col, "edit.vcf"), []byte(card), 0o600))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.RecordID == "edit" {
				assert.Equal(t, col, c.CollectionID)
				cancel()
				assert.ErrorIs(t, <-done, context.Canceled)
				return
			}
		case <-deadline:
			t.Fatal("no change delivered")
		}
	}
}

func TestEnsureCollectionAdoptsByName(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	first, err := s.EnsureCollection(ctx, native.CollectionSpec{Service: "caldav", DisplayName: "Work"})
	require.NoError(t, err)
	again, err := s.EnsureCollection(ctx, native.CollectionSpec{Service: "caldav", DisplayName: "Work"})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}
