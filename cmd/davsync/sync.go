package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cyp0633/davsync/engine"
	"github.com/cyp0633/davsync/store"
)

func newDiscoverCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "discover <account>",
		Short: "Refresh the endpoints and collections of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := shutdownContext(cmd.Context(), c.logger)
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sa, ac, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			if _, err := a.eng.Discover(ctx, sa.ID).Get(); err != nil {
				return err
			}
			if err := a.applyServices(ctx, sa, ac); err != nil {
				return err
			}
			return a.printCollections(ctx, cmd.OutOrStdout(), sa.ID)
		},
	}
}

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [account]",
		Short: "Run one pass for every enabled collection",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := shutdownContext(cmd.Context(), c.logger)
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			names := make([]string, 0, len(c.cfg.Accounts))
			if len(args) == 1 {
				names = append(names, args[0])
			} else {
				for _, ac := range c.cfg.Accounts {
					names = append(names, ac.Name)
				}
			}
			return a.syncNamed(ctx, cmd.OutOrStdout(), names)
		},
	}
}

// syncNamed syncs each account and prints its reports. Failing accounts do
// not stop the others.
func (a *app) syncNamed(ctx context.Context, w io.Writer, names []string) error {
	var errs []error
	for _, name := range names {
		sa, ac, err := a.account(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := a.applyServices(ctx, sa, ac); err != nil {
			errs = append(errs, err)
			continue
		}
		reports, err := a.eng.SyncAccount(ctx, sa.ID).Get()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		printReports(w, name, reports)
		for _, r := range reports {
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, r.Err))
			}
		}
	}
	return errors.Join(errs...)
}

func printReports(w io.Writer, account string, reports []*engine.Report) {
	headers := []string{"ACCOUNT", "COLLECTION", "PHASE", "FETCHED", "PUSHED", "MIRRORED", "CONFLICTS", "ERRORS"}
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, []string{
			account,
			strconv.FormatInt(r.CollectionID, 10),
			r.Phase.String(),
			strconv.Itoa(r.Fetched),
			strconv.Itoa(r.Created + r.Updated + r.Deleted),
			strconv.Itoa(r.Mirrored),
			strconv.Itoa(len(r.Conflicts)),
			strconv.Itoa(len(r.Errors)),
		})
	}
	printTable(w, headers, rows)
	for _, r := range reports {
		for _, ie := range r.Errors {
			fmt.Fprintf(w, "  %d: %v\n", r.CollectionID, ie)
		}
	}
}

func newCollectionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "collections <account>",
		Short: "List the known collections of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sa, _, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printCollections(ctx, cmd.OutOrStdout(), sa.ID)
		},
	}
}

func (a *app) printCollections(ctx context.Context, w io.Writer, accountID int64) error {
	cols, err := a.store.ListCollections(ctx, accountID)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(cols))
	for _, col := range cols {
		rows = append(rows, []string{
			strconv.FormatInt(col.ID, 10),
			string(col.Service),
			col.DisplayName,
			flags(col),
			col.URL,
		})
	}
	printTable(w, []string{"ID", "SERVICE", "NAME", "FLAGS", "URL"}, rows)
	return nil
}

func flags(col *store.Collection) string {
	var b []byte
	for _, f := range []struct {
		on bool
		c  byte
	}{
		{col.SyncEnabled, 's'},
		{col.MirrorEnabled, 'm'},
		{col.CanWrite, 'w'},
		{col.CanDelete, 'd'},
	} {
		if f.on {
			b = append(b, f.c)
		} else {
			b = append(b, '-')
		}
	}
	return string(b)
}

func newMkcolCmd(c *cli) *cobra.Command {
	var spec engine.CollectionSpec
	cmd := &cobra.Command{
		Use:   "mkcol <account> <caldav|carddav> <name>",
		Short: "Create a calendar or address book on the server",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := store.Service(args[1])
			if svc != store.CalDAV && svc != store.CardDAV {
				return fmt.Errorf("unknown service %q", args[1])
			}
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sa, _, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			spec.DisplayName = args[2]
			spec.Mirror = a.vdir != nil
			col, err := a.eng.CreateCollection(ctx, sa.ID, svc, spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", col.ID, col.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&spec.Description, "description", "", "collection description")
	cmd.Flags().StringVar(&spec.Color, "color", "", "calendar color, e.g. #3366ff")
	return cmd
}

func newRenameCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <collection-id> <name>",
		Short: "Change the display name of a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.eng.RenameCollection(ctx, id, args[1])
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
