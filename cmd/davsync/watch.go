package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyp0633/davsync/guard"
	"github.com/cyp0633/davsync/store"
)

const defaultInterval = 15 * time.Minute

func newWatchCmd(c *cli) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync periodically and push device edits as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := shutdownContext(cmd.Context(), c.logger)
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.watch(ctx, interval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", defaultInterval, "time between full syncs")
	return cmd
}

// watch runs periodic account syncs and, with a device store, feeds its
// notifications through the debouncer into reverse sync.
func (a *app) watch(ctx context.Context, interval time.Duration) error {
	names := make([]string, 0, len(a.cfg.Accounts))
	for _, ac := range a.cfg.Accounts {
		names = append(names, ac.Name)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := a.syncNamed(ctx, os.Stdout, names); err != nil {
				a.logger.Warn("sync failed", slog.String("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	if a.vdir != nil {
		d := guard.NewDebouncer(a.cfg.DebounceWindow(), a.selfWrite, a.onNativeChange, a.logger)
		g.Go(func() error { return d.Run(ctx) })
		g.Go(func() error {
			return a.vdir.Watch(ctx, func(c guard.Change) { d.Notify(c) })
		})
	}
	return g.Wait()
}

// onNativeChange takes device edits into the store, then pushes them.
func (a *app) onNativeChange(ctx context.Context, b guard.Batch) error {
	err := a.eng.ReverseSync(ctx, b)
	for _, nid := range b.Collections() {
		col, ferr := a.store.FindCollectionByNativeID(ctx, nid)
		if errors.Is(ferr, store.ErrNotFound) {
			continue
		}
		if ferr != nil {
			err = errors.Join(err, ferr)
			continue
		}
		if _, serr := a.eng.SyncCollection(ctx, col.ID).Get(); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return err
}

// shutdownContext cancels on the first SIGINT or SIGTERM and exits on the
// second.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit", slog.String("signal", sig.String()))
			os.Exit(1)
		case <-parent.Done():
		}
	}()
	return ctx
}
