// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/davsync/store"
)

// Run exercises open against the store contract. open must return an empty
// store; it is called once per subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"accounts", testAccounts},
		{"collections", testCollections},
		{"item upsert by uid", testItemUpsert},
		{"item lists", testItemLists},
		{"href uniqueness", testHrefUnique},
		{"tombstone round trip", testTombstone},
		{"conflicts", testConflicts},
		{"purge", testPurge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func seed(t *testing.T, s store.Store) (*store.Account, *store.Collection) {
	t.Helper()
	ctx := context.Background()
	a := &store.Account{Name: "personal", Origin: "https://dav.example.com", Username: "alice"}
	require.NoError(t, s.SaveAccount(ctx, a))
	c := &store.Collection{
		AccountID:   a.ID,
		Service:     store.CalDAV,
		URL:         "https://dav.example.com/calendars/alice/work/",
		DisplayName: "Work",
		SyncEnabled: true,
	}
	require.NoError(t, s.SaveCollection(ctx, c))
	return a, c
}

func testAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := &store.Account{Name: "personal", Origin: "https://dav.example.com", Username: "alice"}
	require.NoError(t, s.SaveAccount(ctx, a))
	require.NotZero(t, a.ID)

	checked := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.CalendarBase = "https://dav.example.com/dav/"
	a.CalendarHome = "https://dav.example.com/dav/calendars/alice/"
	a.EndpointsCheckedAt = checked
	firstID := a.ID
	require.NoError(t, s.SaveAccount(ctx, a))
	assert.Equal(t, firstID, a.ID, "save by name updates in place")

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, a.CalendarHome, got.Home(store.CalDAV))
	assert.Empty(t, got.Home(store.CardDAV))
	assert.True(t, checked.Equal(got.EndpointsCheckedAt))

	byName, err := s.GetAccountByName(ctx, "personal")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byName.ID)

	_, err = s.GetAccountByName(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAccount(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveAccount(ctx, &store.Account{Name: "work", Origin: "https://other"}))
	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "personal", all[0].Name)
}

func testCollections(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, c := seed(t, s)

	c.ChangeToken = "ctag-2"
	c.NativeID = "native-1"
	c.CanWrite = true
	c.Unlisted = true
	id := c.ID
	require.NoError(t, s.SaveCollection(ctx, c))
	assert.Equal(t, id, c.ID, "save by url updates in place")

	got, err := s.GetCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "ctag-2", got.ChangeToken)
	assert.Equal(t, store.CalDAV, got.Service)
	assert.True(t, got.CanWrite)
	assert.False(t, got.CanDelete)
	assert.True(t, got.SyncEnabled)
	assert.True(t, got.Unlisted)

	byNative, err := s.FindCollectionByNativeID(ctx, "native-1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byNative.ID)
	_, err = s.FindCollectionByNativeID(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	other := &store.Collection{AccountID: a.ID, Service: store.CardDAV, URL: "https://dav.example.com/addressbooks/alice/main/"}
	require.NoError(t, s.SaveCollection(ctx, other))
	list, err := s.ListCollections(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, c.ID, list[0].ID)

	_, err = s.GetCollection(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testItemUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, c := seed(t, s)

	it := &store.Item{CollectionID: c.ID, UID: "u1", Body: []byte("BEGIN:VCALENDAR"), Dirty: true}
	require.NoError(t, s.SaveItem(ctx, it))
	require.NotZero(t, it.ID)
	firstID := it.ID

	again := &store.Item{CollectionID: c.ID, UID: "u1", Href: "/c/u1.ics", ETag: "e1", Body: []byte("v2")}
	require.NoError(t, s.SaveItem(ctx, again))
	assert.Equal(t, firstID, again.ID, "one item per uid per collection")

	got, err := s.GetItemByUID(ctx, c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got.Body))
	assert.Equal(t, "e1", got.ETag)
	assert.False(t, got.Dirty)
	assert.False(t, got.UpdatedAt.IsZero())

	_, err = s.GetItemByUID(ctx, c.ID, "other")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Error(t, s.SaveItem(ctx, &store.Item{CollectionID: c.ID}), "uid is required")
}

func testItemLists(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, c := seed(t, s)

	for _, it := range []*store.Item{
		{CollectionID: c.ID, UID: "a", Href: "/a.ics"},
		{CollectionID: c.ID, UID: "b", Href: "/b.ics", Dirty: true},
		{CollectionID: c.ID, UID: "c", Dirty: true},
	} {
		require.NoError(t, s.SaveItem(ctx, it))
	}

	all, err := s.ListItems(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	dirty, err := s.ListDirtyItems(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, dirty, 2)
	assert.Equal(t, "b", dirty[0].UID)
	assert.Equal(t, "c", dirty[1].UID)
}

func testHrefUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, c := seed(t, s)

	require.NoError(t, s.SaveItem(ctx, &store.Item{CollectionID: c.ID, UID: "a", Href: "/x.ics"}))
	err := s.SaveItem(ctx, &store.Item{CollectionID: c.ID, UID: "b", Href: "/x.ics"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	// Items without an href do not collide.
	require.NoError(t, s.SaveItem(ctx, &store.Item{CollectionID: c.ID, UID: "c"}))
	require.NoError(t, s.SaveItem(ctx, &store.Item{CollectionID: c.ID, UID: "d"}))
}

func testTombstone(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, c := seed(t, s)

	when := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	it := &store.Item{CollectionID: c.ID, UID: "gone", Href: "/gone.ics", ETag: "e", DeletedAt: &when, Dirty: true, NativeID: "n1"}
	require.NoError(t, s.SaveItem(ctx, it))

	got, err := s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted())
	assert.True(t, when.Equal(*got.DeletedAt))
	assert.Equal(t, "n1", got.NativeID)

	got.DeletedAt = nil
	require.NoError(t, s.SaveItem(ctx, got))
	got, err = s.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted(), "a user edit resurrects the item")
}

func testConflicts(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, c := seed(t, s)

	require.NoError(t, s.SaveItem(ctx, &store.Item{CollectionID: c.ID, UID: "ok"}))
	require.NoError(t, s.SaveItem(ctx, &store.Item{CollectionID: c.ID, UID: "clash", Dirty: true, Conflict: store.RemoteChanged}))

	b := &store.Account{Name: "second", Origin: "https://b"}
	require.NoError(t, s.SaveAccount(ctx, b))
	bc := &store.Collection{AccountID: b.ID, Service: store.CardDAV, URL: "https://b/card/"}
	require.NoError(t, s.SaveCollection(ctx, bc))
	require.NoError(t, s.SaveItem(ctx, &store.Item{CollectionID: bc.ID, UID: "x", Conflict: store.RemoteDeleted}))

	mine, err := s.ListConflicts(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "clash", mine[0].UID)
	assert.Equal(t, store.RemoteChanged, mine[0].Conflict)

	all, err := s.ListConflicts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, c := seed(t, s)

	it := &store.Item{CollectionID: c.ID, UID: "p"}
	require.NoError(t, s.SaveItem(ctx, it))
	require.NoError(t, s.PurgeItem(ctx, it.ID))
	_, err := s.GetItem(ctx, it.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.PurgeItem(ctx, it.ID), store.ErrNotFound)
}
