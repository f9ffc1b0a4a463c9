package engine_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/davsync/engine"
	"github.com/cyp0633/davsync/internal/davtest"
	nativemem "github.com/cyp0633/davsync/native/memory"
	"github.com/cyp0633/davsync/store"
	"github.com/cyp0633/davsync/store/memory"
)

func event(uid, summary string) []byte {
	return eventAt(uid, summary, "20260110T090000Z")
}

func eventAt(uid, summary, start string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//davsync//test//EN\r\nBEGIN:VEVENT\r\n")
	if uid != "" {
		fmt.Fprintf(&b, "UID:%s\r\n", uid)
	}
	fmt.Fprintf(&b, "DTSTAMP:20260101T000000Z\r\nDTSTART:%s\r\nSUMMARY:%s\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n", start, summary)
	return []byte(b.String())
}

// countingStore counts writes to the wrapped store.
type countingStore struct {
	store.Store
	n atomic.Int32
}

func (s *countingStore) SaveItem(ctx context.Context, it *store.Item) error {
	s.n.Add(1)
	return s.Store.SaveItem(ctx, it)
}

func (s *countingStore) SaveCollection(ctx context.Context, c *store.Collection) error {
	s.n.Add(1)
	return s.Store.SaveCollection(ctx, c)
}

func (s *countingStore) PurgeItem(ctx context.Context, id int64) error {
	s.n.Add(1)
	return s.Store.PurgeItem(ctx, id)
}

func (s *countingStore) writes() int { return int(s.n.Load()) }
func (s *countingStore) reset()      { s.n.Store(0) }

// passwords is a Credentials whose password can be swapped mid-test.
type passwords struct {
	mu sync.Mutex
	pw string
}

func (p *passwords) Password(context.Context, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pw, nil
}

func (p *passwords) SetPassword(_ context.Context, _, pw string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pw = pw
	return nil
}

type notifierMock struct{ mock.Mock }

func (m *notifierMock) Notify(ev engine.ErrorEvent) { m.Called(ev) }

type fixture struct {
	t       *testing.T
	ctx     context.Context
	srv     *davtest.Server
	store   *countingStore
	native  *nativemem.Store
	creds   *passwords
	eng     *engine.Engine
	account *store.Account
	col     *store.Collection
	path    string
}

type fixtureConfig struct {
	server davtest.Config
	// native enables mirroring into an in-memory device store.
	native  bool
	devOpts nativemem.Options
	opts    func(*engine.Options)
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	srv := davtest.New(cfg.server)
	t.Cleanup(srv.Close)

	f := &fixture{
		t:     t,
		ctx:   ctx,
		srv:   srv,
		store: &countingStore{Store: memory.New()},
		creds: &passwords{pw: cfg.server.Password},
		path:  srv.AddCollection(davtest.CalDAV, "work", "Work"),
	}
	f.account = &store.Account{Name: "test", Origin: srv.URL, Username: cfg.server.Username}
	require.NoError(t, f.store.SaveAccount(ctx, f.account))

	opts := engine.Options{
		Store:   f.store,
		Clients: engine.BasicAuth(f.creds, nil, nil),
	}
	if cfg.native {
		f.native = nativemem.New(cfg.devOpts)
		opts.Native = f.native
		opts.MirrorNewCollections = true
	}
	if cfg.opts != nil {
		cfg.opts(&opts)
	}
	eng, err := engine.New(opts)
	require.NoError(t, err)
	f.eng = eng

	cols, err := eng.Discover(ctx, f.account.ID).Get()
	require.NoError(t, err)
	for _, c := range cols {
		if strings.HasSuffix(c.URL, f.path) {
			f.col = c
		}
	}
	require.NotNil(t, f.col, "discovery finds the collection")
	f.account, err = f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	return f
}

func (f *fixture) sync() *engine.Report {
	f.t.Helper()
	rep, err := f.eng.SyncCollection(f.ctx, f.col.ID).Get()
	require.NoError(f.t, err)
	return rep
}

func (f *fixture) item(uid string) *store.Item {
	f.t.Helper()
	it, err := f.store.GetItemByUID(f.ctx, f.col.ID, uid)
	require.NoError(f.t, err)
	return it
}

func (f *fixture) items() []*store.Item {
	f.t.Helper()
	items, err := f.store.ListItems(f.ctx, f.col.ID)
	require.NoError(f.t, err)
	return items
}

// nativeID returns the device collection the fixture mirrors into.
func (f *fixture) nativeID() string {
	f.t.Helper()
	col, err := f.store.GetCollection(f.ctx, f.col.ID)
	require.NoError(f.t, err)
	require.NotEmpty(f.t, col.NativeID)
	return col.NativeID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
