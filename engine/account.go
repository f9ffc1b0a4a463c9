package engine

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/mo"
	"golang.org/x/sync/errgroup"

	"github.com/cyp0633/davsync/davclient"
	"github.com/cyp0633/davsync/guard"
	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/native"
	"github.com/cyp0633/davsync/store"
)

var errCollectionGone = errors.New("collection no longer listed by the server")

// ensureEndpoints refreshes the account's endpoints and collections when
// they are unknown or older than EndpointTTL. It reports whether a refresh
// ran. Concurrent callers for one account share a single refresh.
func (e *Engine) ensureEndpoints(ctx context.Context, a *store.Account) (bool, error) {
	if !a.EndpointsCheckedAt.IsZero() && e.now().Sub(a.EndpointsCheckedAt) < e.endpointTTL {
		return false, nil
	}
	_, err, _ := e.refresh.Do(strconv.FormatInt(a.ID, 10), func() (any, error) {
		return e.discover(ctx, a)
	})
	if err != nil {
		return false, err
	}
	fresh, err := e.store.GetAccount(ctx, a.ID)
	if err != nil {
		return false, err
	}
	*a = *fresh
	return true, nil
}

// Discover runs endpoint discovery for an account regardless of its age and
// returns its collections.
func (e *Engine) Discover(ctx context.Context, accountID int64) mo.Result[[]*store.Collection] {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return davresult.Wrap[[]*store.Collection]("discover", err)
	}
	cols, err := e.discover(ctx, a)
	if err != nil {
		e.recordFailure(guard.Scope{AccountID: a.ID}, err)
		return davresult.Wrap[[]*store.Collection]("discover", err)
	}
	e.resetFailures(guard.Scope{AccountID: a.ID})
	return mo.Ok(cols)
}

func (e *Engine) discover(ctx context.Context, a *store.Account) ([]*store.Collection, error) {
	logger := e.logger.With(slog.String("account", a.Name))
	hc, err := e.clients(ctx, a)
	if err != nil {
		return nil, err
	}
	var opts []davclient.Option
	if e.resolver != nil {
		opts = append(opts, davclient.WithResolver(e.resolver))
	}
	d, err := davclient.NewDiscoverer(hc, a.Origin, logger, opts...)
	if err != nil {
		return nil, davresult.New(davresult.KindUnexpected, "discover "+a.Name, err)
	}

	epsRes := d.FindServices(ctx)
	if epsRes.IsError() {
		return nil, epsRes.Error()
	}
	eps := epsRes.MustGet()
	a.CalendarBase = eps.CalendarBase
	a.ContactsBase = eps.ContactsBase

	for _, svc := range []store.Service{store.CalDAV, store.CardDAV} {
		endpoint := a.Base(svc)
		if endpoint == "" {
			continue
		}
		dsvc := davclient.Service(svc)
		pr := d.FindPrincipal(ctx, dsvc, endpoint)
		if pr.IsError() {
			return nil, pr.Error()
		}
		principal := pr.MustGet()
		a.PrincipalURL = principal.PrincipalURL
		a.SetHome(svc, principal.HomeSetURL)
		if principal.DisplayName != "" {
			a.DisplayName = principal.DisplayName
		}

		listed := d.ListCollections(ctx, dsvc, principal.HomeSetURL)
		if listed.IsError() {
			return nil, listed.Error()
		}
		if err := e.mergeCollections(ctx, a, svc, listed.MustGet()); err != nil {
			return nil, err
		}
	}

	a.EndpointsCheckedAt = e.now()
	if err := e.store.SaveAccount(ctx, a); err != nil {
		return nil, err
	}
	logger.Info("endpoints refreshed",
		slog.String("caldav", a.CalendarBase),
		slog.String("carddav", a.ContactsBase),
	)
	return e.store.ListCollections(ctx, a.ID)
}

// mergeCollections folds a listing into the store. Known collections keep
// their change token, native id and flags. Collections the server stopped
// listing are disabled rather than deleted, and enabled again once listed.
func (e *Engine) mergeCollections(ctx context.Context, a *store.Account, svc store.Service, listed []davclient.CollectionInfo) error {
	known, err := e.store.ListCollections(ctx, a.ID)
	if err != nil {
		return err
	}
	byURL := make(map[string]*store.Collection)
	for _, c := range known {
		if c.Service == svc {
			byURL[collectionKey(c.URL)] = c
		}
	}

	seen := make(map[string]bool)
	for _, info := range listed {
		key := collectionKey(info.URL)
		seen[key] = true
		c, ok := byURL[key]
		if !ok {
			c = &store.Collection{
				AccountID:     a.ID,
				Service:       svc,
				URL:           info.URL,
				SyncEnabled:   true,
				MirrorEnabled: e.mirrorNew,
			}
			e.logger.Info("collection found", slog.String("account", a.Name), slog.String("url", info.URL))
		}
		if c.Unlisted {
			e.logger.Info("collection listed again", slog.String("account", a.Name), slog.String("url", c.URL))
			c.Unlisted = false
			c.SyncEnabled = true
		}
		c.DisplayName = info.DisplayName
		c.Description = info.Description
		c.Color = info.Color
		c.CanWrite = info.CanWrite
		c.CanDelete = info.CanDelete
		if err := e.store.SaveCollection(ctx, c); err != nil {
			return err
		}
	}

	for key, c := range byURL {
		if seen[key] || !c.SyncEnabled {
			continue
		}
		e.logger.Warn("collection gone from server", slog.String("account", a.Name), slog.String("url", c.URL))
		c.SyncEnabled = false
		c.Unlisted = true
		if err := e.store.SaveCollection(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func collectionKey(u string) string {
	return strings.TrimSuffix(u, "/")
}

// SyncAccount refreshes stale endpoints, then syncs every enabled collection
// of the account on at most Workers goroutines. A failed collection does not
// stop the others; its report carries the error and the result stays Ok.
func (e *Engine) SyncAccount(ctx context.Context, accountID int64) mo.Result[[]*Report] {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return davresult.Wrap[[]*Report]("sync account", err)
	}
	if _, err := e.ensureEndpoints(ctx, a); err != nil {
		e.recordFailure(guard.Scope{AccountID: a.ID}, err)
		return davresult.Wrap[[]*Report]("sync account "+a.Name, err)
	}
	cols, err := e.store.ListCollections(ctx, a.ID)
	if err != nil {
		return davresult.Wrap[[]*Report]("sync account "+a.Name, err)
	}

	var (
		mu      sync.Mutex
		reports []*Report
	)
	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, col := range cols {
		if !col.SyncEnabled {
			continue
		}
		g.Go(func() error {
			res := e.SyncCollection(ctx, col.ID)
			rep, err := res.Get()
			if err != nil {
				var pe *PassError
				if !errors.As(err, &pe) {
					rep = &Report{AccountID: a.ID, CollectionID: col.ID, Phase: Aborted, Err: err}
				} else {
					rep = pe.Report
				}
			}
			mu.Lock()
			reports = append(reports, rep)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return mo.Err[[]*Report](davresult.FromTransport("sync account "+a.Name, err))
	}
	slices.SortFunc(reports, func(x, y *Report) int { return cmp.Compare(x.CollectionID, y.CollectionID) })
	return mo.Ok(reports)
}

// CollectionSpec describes a collection to create on the server.
type CollectionSpec struct {
	DisplayName string
	Description string
	Color       string
	// Mirror enables mirroring into the native store.
	Mirror bool
}

// CreateCollection creates a calendar or address book below the account's
// home-set and records it.
func (e *Engine) CreateCollection(ctx context.Context, accountID int64, svc store.Service, spec CollectionSpec) (*store.Collection, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := e.ensureEndpoints(ctx, a); err != nil {
		return nil, err
	}
	home := a.Home(svc)
	if home == "" {
		return nil, davresult.New(davresult.KindNoService, "create collection", errors.New("no "+string(svc)+" home-set"))
	}
	hc, err := e.clients(ctx, a)
	if err != nil {
		return nil, err
	}
	res := davclient.MakeCollection(ctx, hc, davclient.Service(svc), home, davclient.CollectionProps{
		DisplayName: spec.DisplayName,
		Description: spec.Description,
		Color:       spec.Color,
	})
	if res.IsError() {
		return nil, res.Error()
	}
	col := &store.Collection{
		AccountID:     a.ID,
		Service:       svc,
		URL:           res.MustGet(),
		DisplayName:   spec.DisplayName,
		Description:   spec.Description,
		Color:         spec.Color,
		CanWrite:      true,
		CanDelete:     true,
		SyncEnabled:   true,
		MirrorEnabled: spec.Mirror && e.native != nil,
	}
	if err := e.store.SaveCollection(ctx, col); err != nil {
		return nil, err
	}
	e.logger.Info("collection created", slog.String("account", a.Name), slog.String("url", col.URL))
	return col, nil
}

// RenameCollection sets the display name on the server, then locally and in
// the native store.
func (e *Engine) RenameCollection(ctx context.Context, collectionID int64, name string) error {
	col, err := e.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	release, err := e.lock.Acquire(ctx, guard.Scope{AccountID: col.AccountID, CollectionID: col.ID})
	if err != nil {
		return err
	}
	defer release()

	a, err := e.store.GetAccount(ctx, col.AccountID)
	if err != nil {
		return err
	}
	hc, err := e.clients(ctx, a)
	if err != nil {
		return err
	}
	res := davclient.PatchProperties(ctx, hc, davclient.Service(col.Service), col.URL, davclient.CollectionProps{DisplayName: name})
	if res.IsError() {
		return res.Error()
	}
	col.DisplayName = name
	if err := e.store.SaveCollection(ctx, col); err != nil {
		return err
	}

	if e.native == nil || !col.MirrorEnabled || col.NativeID == "" {
		return nil
	}
	end := e.selfWrite.Begin()
	defer end()
	_, err = e.native.EnsureCollection(ctx, native.CollectionSpec{
		ID:          col.NativeID,
		Service:     string(col.Service),
		DisplayName: name,
		Color:       col.Color,
	})
	return err
}
