package engine_test

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/davsync/engine"
	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/davtest"
	"github.com/cyp0633/davsync/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSyncAccountRefreshesStaleEndpoints(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	f := newFixture(t, fixtureConfig{opts: func(o *engine.Options) {
		o.Now = clk.Now
		o.EndpointTTL = time.Hour
		o.Workers = 2
	}})
	home := f.srv.AddCollection(davtest.CalDAV, "home", "Home")
	f.srv.Put(f.path, "a.ics", event("a", "Work item"))
	f.srv.Put(home, "b.ics", event("b", "Home item"))

	reports, err := f.eng.SyncAccount(f.ctx, f.account.ID).Get()
	require.NoError(t, err)
	require.Len(t, reports, 1, "endpoints are still fresh")

	clk.Advance(2 * time.Hour)
	reports, err = f.eng.SyncAccount(f.ctx, f.account.ID).Get()
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Less(t, reports[0].CollectionID, reports[1].CollectionID)
	for _, rep := range reports {
		assert.NoError(t, rep.Err)
	}

	cols, err := f.store.ListCollections(f.ctx, f.account.ID)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	for _, c := range cols {
		items, err := f.store.ListItems(f.ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, items, 1, c.URL)
	}

	a, err := f.store.GetAccount(f.ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), a.EndpointsCheckedAt)
	assert.NotEmpty(t, a.CalendarBase)
	assert.True(t, strings.HasSuffix(a.CalendarHome, f.srv.HomePath(davtest.CalDAV)))
}

func TestSyncAccountReportsFailedCollections(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.srv.Put(f.path, "a.ics", event("a", "Alpha"))

	other := &store.Collection{
		AccountID:   f.account.ID,
		Service:     store.CalDAV,
		URL:         f.srv.URL + f.srv.HomePath(davtest.CalDAV) + "missing/",
		SyncEnabled: true,
	}
	require.NoError(t, f.store.SaveCollection(f.ctx, other))

	reports, err := f.eng.SyncAccount(f.ctx, f.account.ID).Get()
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.NoError(t, reports[0].Err)
	assert.Equal(t, 1, reports[0].Upserted)
	assert.Equal(t, engine.Aborted, reports[1].Phase)
	assert.Equal(t, davresult.KindNotFound, davresult.KindOf(reports[1].Err))
}

func TestDiscoverKeepsSyncState(t *testing.T) {
	f := newFixture(t, fixtureConfig{native: true})
	f.srv.Put(f.path, "a.ics", event("a", "Alpha"))
	f.sync()
	before, err := f.store.GetCollection(f.ctx, f.col.ID)
	require.NoError(t, err)
	require.NotEmpty(t, before.ChangeToken)
	require.NotEmpty(t, before.NativeID)

	cols, err := f.eng.Discover(f.ctx, f.account.ID).Get()
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, before.ID, cols[0].ID)
	assert.Equal(t, before.ChangeToken, cols[0].ChangeToken)
	assert.Equal(t, before.NativeID, cols[0].NativeID)
	assert.True(t, cols[0].CanWrite)
}

func TestCreateCollection(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	col, err := f.eng.CreateCollection(f.ctx, f.account.ID, store.CalDAV, engine.CollectionSpec{
		DisplayName: "Travel",
		Color:       "#336699",
	})
	require.NoError(t, err)
	path := strings.TrimPrefix(col.URL, f.srv.URL)
	assert.Contains(t, f.srv.Collections(), path)
	assert.Equal(t, "Travel", f.srv.DisplayName(path))

	_, err = f.eng.EditItem(f.ctx, col.ID, event("trip", "Flight"))
	require.NoError(t, err)
	rep, err := f.eng.SyncCollection(f.ctx, col.ID).Get()
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Len(t, f.srv.Members(path), 1)
}

func TestRenameCollection(t *testing.T) {
	f := newFixture(t, fixtureConfig{native: true})
	f.sync()
	nid := f.nativeID()

	require.NoError(t, f.eng.RenameCollection(f.ctx, f.col.ID, "Office"))
	assert.Equal(t, "Office", f.srv.DisplayName(f.path))
	col, err := f.store.GetCollection(f.ctx, f.col.ID)
	require.NoError(t, err)
	assert.Equal(t, "Office", col.DisplayName)
	assert.Equal(t, "Office", f.native.DisplayName(nid))
}

func TestRelistedCollectionIsEnabledAgain(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	var gap atomic.Bool
	f.srv.Hook("PROPFIND", func(w http.ResponseWriter, r *http.Request, _ []byte) bool {
		if r.Header.Get("Depth") != "1" || r.URL.Path != f.srv.HomePath(davtest.CalDAV) || !gap.CompareAndSwap(true, false) {
			return false
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><d:multistatus xmlns:d="DAV:"></d:multistatus>`))
		return true
	})

	gap.Store(true)
	_, err := f.eng.Discover(f.ctx, f.account.ID).Get()
	require.NoError(t, err)
	col, err := f.store.GetCollection(f.ctx, f.col.ID)
	require.NoError(t, err)
	assert.False(t, col.SyncEnabled)
	assert.True(t, col.Unlisted)

	_, err = f.eng.Discover(f.ctx, f.account.ID).Get()
	require.NoError(t, err)
	col, err = f.store.GetCollection(f.ctx, f.col.ID)
	require.NoError(t, err)
	assert.True(t, col.SyncEnabled)
	assert.False(t, col.Unlisted)

	f.srv.Put(f.path, "a.ics", event("a", "Alpha"))
	rep := f.sync()
	assert.Equal(t, 1, rep.Upserted)
}

func TestDisabledCollectionStaysDisabledWhenListed(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	col, err := f.store.GetCollection(f.ctx, f.col.ID)
	require.NoError(t, err)
	col.SyncEnabled = false
	require.NoError(t, f.store.SaveCollection(f.ctx, col))

	_, err = f.eng.Discover(f.ctx, f.account.ID).Get()
	require.NoError(t, err)
	col, err = f.store.GetCollection(f.ctx, f.col.ID)
	require.NoError(t, err)
	assert.False(t, col.SyncEnabled)
}
