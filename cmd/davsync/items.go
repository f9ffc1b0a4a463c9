package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cyp0633/davsync/engine"
	"github.com/cyp0633/davsync/store"
)

func newConflictsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List items whose pending change could not be applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.eng.Conflicts(ctx, 0)
			if err != nil {
				return err
			}
			printConflicts(cmd.OutOrStdout(), items)
			return nil
		},
	}
}

func printConflicts(w io.Writer, items []*store.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No conflicts.")
		return
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			strconv.FormatInt(it.ID, 10),
			strconv.FormatInt(it.CollectionID, 10),
			it.UID,
			string(it.Conflict),
		})
	}
	printTable(w, []string{"ID", "COLLECTION", "UID", "CONFLICT"}, rows)
}

func newResolveCmd(c *cli) *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve <item-id>",
		Short: "Resolve a conflict by keeping the local or the remote side",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := engine.ParseResolution(keep)
			if err != nil {
				return err
			}
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
			return a.eng.ResolveConflict(ctx, id, r)
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "side to keep: local or remote")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}

func newEditCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <collection-id> <file>",
		Short: "Store an event or contact as a local edit",
		Long:  "Reads an iCalendar or vCard file (- for stdin) and records it as a pending local change. It is pushed on the next sync.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var body []byte
			if args[1] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[1])
			}
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			it, err := a.eng.EditItem(ctx, id, body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", it.ID, it.UID)
			return nil
		},
	}
}

func newRmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <collection-id> <uid>",
		Short: "Delete an item locally; the deletion is pushed on the next sync",
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
			return a.eng.DeleteItem(ctx, id, args[1])
		},
	}
}
