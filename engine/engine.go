// Package engine reconciles three authorities for every synced collection:
// the CalDAV/CardDAV server, the local durable store and an optional
// native device store.
//
// A pass runs PullDiscover, PullApply, PushDirty and MirrorNative in that
// order under the scope lock. Pull never overwrites an item with pending
// local changes, push relies only on conditional requests, and every native
// write happens under the self-write marker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/samber/mo"
	"golang.org/x/sync/singleflight"

	"github.com/cyp0633/davsync/davclient"
	"github.com/cyp0633/davsync/guard"
	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/native"
	"github.com/cyp0633/davsync/store"
)

// Defaults applied by New.
const (
	DefaultPageSize     = 50
	DefaultWorkers      = 4
	DefaultEndpointTTL  = 24 * time.Hour
	DefaultSurfaceAfter = 3
)

// Phase is a step of the per-collection state machine.
type Phase int

const (
	Idle Phase = iota
	PullDiscover
	PullApply
	PushDirty
	MirrorNative
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case PullDiscover:
		return "pull-discover"
	case PullApply:
		return "pull-apply"
	case PushDirty:
		return "push-dirty"
	case MirrorNative:
		return "mirror-native"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RemoteDeletedPolicy decides what happens to a locally edited item whose
// server copy disappeared.
type RemoteDeletedPolicy int

const (
	// Hold marks the item remote-deleted and waits for ResolveConflict.
	Hold RemoteDeletedPolicy = iota
	// Recreate clears the href so the next push creates the item again.
	Recreate
)

// ParseRemoteDeletedPolicy maps the configuration names "hold" and
// "recreate".
func ParseRemoteDeletedPolicy(s string) (RemoteDeletedPolicy, error) {
	switch s {
	case "", "hold":
		return Hold, nil
	case "recreate":
		return Recreate, nil
	}
	return 0, fmt.Errorf("engine: unknown remote deleted policy %q", s)
}

// Credentials is the password store consulted when building clients.
type Credentials interface {
	Password(ctx context.Context, account string) (string, error)
	SetPassword(ctx context.Context, account, password string) error
}

// ClientFactory returns a protocol client authenticated for account.
type ClientFactory func(ctx context.Context, account *store.Account) (httpclient.Client, error)

// BasicAuth builds clients that authenticate with the account's username
// and the password from creds. transport and logger may be nil.
func BasicAuth(creds Credentials, transport http.RoundTripper, logger *slog.Logger) ClientFactory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(ctx context.Context, a *store.Account) (httpclient.Client, error) {
		u, err := url.Parse(a.Origin)
		if err != nil {
			return nil, fmt.Errorf("engine: parsing origin of %s: %w", a.Name, err)
		}
		hc := &http.Client{Transport: transport}
		if a.Username != "" {
			pw, err := creds.Password(ctx, a.Name)
			if err != nil {
				return nil, davresult.New(davresult.KindAuthenticationFailed, "credentials "+a.Name, err)
			}
			hc.Transport = httpclient.NewBasicAuthTransport(a.Username, pw, transport, logger)
		}
		return httpclient.New(hc, *u, logger)
	}
}

// ErrorEvent is delivered to the Notifier for errors a user has to see.
type ErrorEvent struct {
	AccountID    int64
	CollectionID int64
	Kind         davresult.Kind
	Err          error
}

// Notifier is the presentation surface. It never drives the engine.
type Notifier interface {
	Notify(ev ErrorEvent)
}

type Options struct {
	Store    store.Store
	Clients  ClientFactory
	Native   native.Adapter
	Lock     *guard.ScopeLock
	LockMode guard.Mode
	// SelfWrite is raised around every native write. It is shared with the
	// Debouncer feeding ReverseSync.
	SelfWrite *guard.SelfWrite
	Notifier  Notifier
	Logger    *slog.Logger

	PageSize            int
	Workers             int
	EndpointTTL         time.Duration
	RemoteDeletedPolicy RemoteDeletedPolicy
	// SurfaceAfter is the number of consecutive transient failures of a
	// collection before they are reported to the Notifier.
	SurfaceAfter int
	// MirrorNewCollections enables mirroring for collections found by
	// discovery. Requires Native.
	MirrorNewCollections bool
	// Resolver enables DNS SRV lookups during endpoint discovery.
	Resolver davclient.DNSResolver

	// OnPhase, when set, is called as a pass enters each phase.
	OnPhase func(collectionID int64, p Phase)
	Now     func() time.Time
}

type Engine struct {
	store     store.Store
	clients   ClientFactory
	native    native.Adapter
	lock      *guard.ScopeLock
	mode      guard.Mode
	selfWrite *guard.SelfWrite
	notifier  Notifier
	logger    *slog.Logger

	pageSize     int
	workers      int
	endpointTTL  time.Duration
	policy       RemoteDeletedPolicy
	surfaceAfter int
	mirrorNew    bool
	onPhase      func(int64, Phase)
	now          func() time.Time
	resolver     davclient.DNSResolver

	refresh singleflight.Group

	mu       sync.Mutex
	failures map[guard.Scope]int
}

// New validates opts and fills in defaults.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Clients == nil {
		return nil, errors.New("engine: client factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Lock == nil {
		opts.Lock = guard.NewScopeLock(guard.PerAccount)
	}
	if opts.SelfWrite == nil {
		opts.SelfWrite = &guard.SelfWrite{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize > davclient.MaxMultigetHrefs {
		opts.PageSize = davclient.MaxMultigetHrefs
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.EndpointTTL <= 0 {
		opts.EndpointTTL = DefaultEndpointTTL
	}
	if opts.SurfaceAfter <= 0 {
		opts.SurfaceAfter = DefaultSurfaceAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:        opts.Store,
		clients:      opts.Clients,
		native:       opts.Native,
		lock:         opts.Lock,
		mode:         opts.LockMode,
		selfWrite:    opts.SelfWrite,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		pageSize:     opts.PageSize,
		workers:      opts.Workers,
		endpointTTL:  opts.EndpointTTL,
		policy:       opts.RemoteDeletedPolicy,
		surfaceAfter: opts.SurfaceAfter,
		mirrorNew:    opts.MirrorNewCollections && opts.Native != nil,
		onPhase:      opts.OnPhase,
		now:          opts.Now,
		resolver:     opts.Resolver,
		failures:     make(map[guard.Scope]int),
	}, nil
}

// ItemError records a per-item failure. The item keeps its pending state
// and is retried on the next pass.
type ItemError struct {
	UID  string
	Href string
	Op   string
	Err  error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.UID, e.Err)
}

// Report summarizes one pass.
type Report struct {
	AccountID    int64
	CollectionID int64
	Phase        Phase
	// ShortCircuit is set when the change token was unchanged and the
	// remote listing was skipped.
	ShortCircuit bool
	// Shared is set when concurrent callers were served by this one pass.
	Shared bool

	Fetched    int
	Upserted   int
	Tombstoned int
	Skipped    int

	Created int
	Updated int
	Deleted int
	Purged  int

	Mirrored      int
	NativeDeleted int
	// Imported and NativeRemoved count device edits and deletions taken
	// into the store.
	Imported      int
	NativeRemoved int

	// Conflicts lists the UIDs of items left with a conflict marker.
	Conflicts []string
	Errors    []ItemError
	// Err is the reason for an aborted pass.
	Err error

	started time.Time
}

func (r *Report) itemError(it *store.Item, op string, err error) {
	r.Errors = append(r.Errors, ItemError{UID: it.UID, Href: it.Href, Op: op, Err: err})
}

func (r *Report) conflict(uid string) {
	for _, c := range r.Conflicts {
		if c == uid {
			return
		}
	}
	r.Conflicts = append(r.Conflicts, uid)
}

// PassError is returned for an aborted pass. It carries the partial report.
type PassError struct {
	Report *Report
	Err    error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("sync of collection %d aborted in %s: %v", e.Report.CollectionID, e.Report.Phase, e.Err)
}

func (e *PassError) Unwrap() error { return e.Err }

// pass carries the state of one reconciliation run.
type pass struct {
	e       *Engine
	account *store.Account
	col     *store.Collection
	dav     davclient.DAVClient
	report  *Report
	logger  *slog.Logger
}

func (p *pass) enter(ph Phase) {
	p.report.Phase = ph
	p.logger.Info("phase", slog.String("phase", ph.String()))
	if p.e.onPhase != nil {
		p.e.onPhase(p.col.ID, ph)
	}
}

// SyncCollection runs one pass for a collection. A second request for a
// busy scope blocks or joins the running pass, depending on LockMode.
func (e *Engine) SyncCollection(ctx context.Context, collectionID int64) mo.Result[*Report] {
	col, err := e.store.GetCollection(ctx, collectionID)
	if err != nil {
		return davresult.Wrap[*Report]("sync", err)
	}
	scope := guard.Scope{AccountID: col.AccountID, CollectionID: col.ID}

	v, shared, err := e.lock.Run(ctx, scope, e.mode, func(ctx context.Context) (any, error) {
		return e.run(ctx, col.ID)
	})
	rep, _ := v.(*Report)
	if rep != nil && shared {
		cp := *rep
		cp.Shared = true
		rep = &cp
	}
	if err != nil {
		var pe *PassError
		if errors.As(err, &pe) && shared {
			err = &PassError{Report: rep, Err: pe.Err}
		}
		return davresult.Wrap[*Report]("sync", err)
	}
	return mo.Ok(rep)
}

// run executes a pass while the scope lock is held.
func (e *Engine) run(ctx context.Context, collectionID int64) (*Report, error) {
	col, err := e.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	account, err := e.store.GetAccount(ctx, col.AccountID)
	if err != nil {
		return nil, err
	}

	p := &pass{
		e:       e,
		account: account,
		col:     col,
		report:  &Report{AccountID: account.ID, CollectionID: col.ID, started: e.now()},
		logger: e.logger.With(
			slog.String("account", account.Name),
			slog.Int64("collection", col.ID),
		),
	}

	err = p.execute(ctx)
	if err != nil {
		p.report.Err = err
		p.report.Phase = Aborted
		p.logger.Error("pass aborted", slog.String("error", err.Error()))
		e.recordFailure(guard.Scope{AccountID: account.ID, CollectionID: col.ID}, err)
		return p.report, &PassError{Report: p.report, Err: err}
	}

	p.enter(Idle)
	e.resetFailures(guard.Scope{AccountID: account.ID, CollectionID: col.ID})
	p.logger.Info("pass complete",
		slog.Bool("short_circuit", p.report.ShortCircuit),
		slog.Int("fetched", p.report.Fetched),
		slog.Int("pushed", p.report.Created+p.report.Updated+p.report.Deleted),
		slog.Int("mirrored", p.report.Mirrored),
		slog.Int("conflicts", len(p.report.Conflicts)),
		slog.Int("errors", len(p.report.Errors)),
		slog.Duration("took", e.now().Sub(p.report.started)),
	)
	return p.report, nil
}

func (p *pass) execute(ctx context.Context) error {
	p.enter(PullDiscover)
	refreshed, err := p.e.ensureEndpoints(ctx, p.account)
	if err != nil {
		return err
	}
	if refreshed {
		if p.col, err = p.e.store.GetCollection(ctx, p.col.ID); err != nil {
			return err
		}
		if !p.col.SyncEnabled {
			return davresult.New(davresult.KindNotFound, "sync "+p.col.URL, errCollectionGone)
		}
	}

	hc, err := p.e.clients(ctx, p.account)
	if err != nil {
		return err
	}
	dav, err := davclient.NewDAVClient(hc, davclient.Service(p.col.Service), p.col.URL)
	if err != nil {
		return err
	}
	p.dav = dav

	// Native edits made since the last scan are taken into the store
	// first so the mirror phase cannot overwrite them.
	if p.mirrors() && p.col.NativeID != "" {
		if err := p.e.reverse(ctx, p.col, p.report); err != nil {
			return err
		}
	}

	if err := p.pull(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.enter(PushDirty)
	if err := p.push(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.mirrors() {
		p.enter(MirrorNative)
		if err := p.mirror(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *pass) mirrors() bool {
	return p.e.native != nil && p.col.MirrorEnabled
}

// fatal reports whether err ends the pass instead of just the item.
func fatal(err error) bool {
	switch davresult.KindOf(err) {
	case davresult.KindAuthenticationFailed, davresult.KindCanceled, davresult.KindNoService:
		return true
	}
	return false
}

// recordFailure counts consecutive failures per scope and surfaces the
// ones a user has to act on. A zero CollectionID stands for the account.
func (e *Engine) recordFailure(scope guard.Scope, err error) {
	kind := davresult.KindOf(err)
	if kind == davresult.KindCanceled {
		return
	}

	e.mu.Lock()
	e.failures[scope]++
	n := e.failures[scope]
	e.mu.Unlock()

	surface := kind == davresult.KindAuthenticationFailed || kind == davresult.KindNoService || n >= e.surfaceAfter
	if surface && e.notifier != nil {
		e.notifier.Notify(ErrorEvent{AccountID: scope.AccountID, CollectionID: scope.CollectionID, Kind: kind, Err: err})
	}
}

func (e *Engine) resetFailures(scope guard.Scope) {
	e.mu.Lock()
	delete(e.failures, scope)
	e.mu.Unlock()
}
