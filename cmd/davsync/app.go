package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/cyp0633/davsync/engine"
	"github.com/cyp0633/davsync/guard"
	"github.com/cyp0633/davsync/internal/config"
	"github.com/cyp0633/davsync/native"
	"github.com/cyp0633/davsync/native/vdir"
	"github.com/cyp0633/davsync/store"
	"github.com/cyp0633/davsync/store/sqlite"
)

var errLocked = errors.New("another davsync process is using the database")

// app is the wired engine for one command invocation.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	eng       *engine.Engine
	vdir      *vdir.Store
	selfWrite *guard.SelfWrite

	lock *flock.Flock
}

// stderrNotifier prints errors a user has to act on.
type stderrNotifier struct {
	w io.Writer
}

func (n stderrNotifier) Notify(ev engine.ErrorEvent) {
	if ev.CollectionID == 0 {
		fmt.Fprintf(n.w, "account %d: %s: %v\n", ev.AccountID, ev.Kind, ev.Err)
		return
	}
	fmt.Fprintf(n.w, "account %d collection %d: %s: %v\n", ev.AccountID, ev.CollectionID, ev.Kind, ev.Err)
}

// open takes the database lock, opens the store and builds the engine.
func (c *cli) open(ctx context.Context) (*app, error) {
	cfg := c.cfg
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring database lock: %w", err)
	}
	if !locked {
		return nil, errLocked
	}

	a := &app{cfg: cfg, logger: c.logger, lock: lock, selfWrite: &guard.SelfWrite{}}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	st, err := sqlite.Open(ctx, cfg.Database, c.logger)
	if err != nil {
		return nil, err
	}
	a.store = st

	var adapter native.Adapter
	if cfg.Native.Kind == "vdir" {
		if a.vdir, err = vdir.New(cfg.Native.Root, c.logger); err != nil {
			return nil, err
		}
		adapter = a.vdir
	}

	granularity, err := guard.ParseGranularity(cfg.LockScope)
	if err != nil {
		return nil, err
	}
	mode, err := guard.ParseMode(cfg.LockMode)
	if err != nil {
		return nil, err
	}
	policy, err := engine.ParseRemoteDeletedPolicy(cfg.RemoteDeletedPolicy)
	if err != nil {
		return nil, err
	}

	a.eng, err = engine.New(engine.Options{
		Store:                st,
		Clients:              engine.BasicAuth(config.NewEnvCredentials(cfg), nil, c.logger),
		Native:               adapter,
		Lock:                 guard.NewScopeLock(granularity),
		LockMode:             mode,
		SelfWrite:            a.selfWrite,
		Notifier:             stderrNotifier{w: os.Stderr},
		Logger:               c.logger,
		PageSize:             cfg.PageSize,
		Workers:              cfg.Workers,
		EndpointTTL:          cfg.EndpointLifetime(),
		RemoteDeletedPolicy:  policy,
		MirrorNewCollections: adapter != nil,
		Resolver:             net.DefaultResolver,
	})
	if err != nil {
		return nil, err
	}
	if err := a.syncAccounts(ctx); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.lock.Unlock())
	return errors.Join(errs...)
}

// syncAccounts makes the store agree with the [[accounts]] entries.
// Changing an origin forces endpoint discovery on the next pass.
func (a *app) syncAccounts(ctx context.Context) error {
	for _, ac := range a.cfg.Accounts {
		sa, err := a.store.GetAccountByName(ctx, ac.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			sa = &store.Account{Name: ac.Name}
		case err != nil:
			return err
		}
		if sa.ID != 0 && sa.Origin == ac.Origin && sa.Username == ac.Username {
			continue
		}
		if sa.Origin != ac.Origin {
			sa.EndpointsCheckedAt = time.Time{}
		}
		sa.Origin, sa.Username = ac.Origin, ac.Username
		if err := a.store.SaveAccount(ctx, sa); err != nil {
			return err
		}
	}
	return nil
}

// account resolves a configured account name to its stored row.
func (a *app) account(ctx context.Context, name string) (*store.Account, *config.Account, error) {
	ac, ok := a.cfg.Account(name)
	if !ok {
		return nil, nil, fmt.Errorf("unknown account %q", name)
	}
	sa, err := a.store.GetAccountByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return sa, ac, nil
}

// applyServices disables collections of services the account excludes.
// Clearing Unlisted keeps a later relisting from enabling them again.
func (a *app) applyServices(ctx context.Context, sa *store.Account, ac *config.Account) error {
	cols, err := a.store.ListCollections(ctx, sa.ID)
	if err != nil {
		return err
	}
	for _, col := range cols {
		if (col.SyncEnabled || col.Unlisted) && !ac.Syncs(string(col.Service)) {
			col.SyncEnabled = false
			col.Unlisted = false
			if err := a.store.SaveCollection(ctx, col); err != nil {
				return err
			}
		}
	}
	return nil
}
