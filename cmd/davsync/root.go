package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cyp0633/davsync/internal/config"
	"github.com/cyp0633/davsync/internal/logging"
)

var version = "dev"

// cli holds what PersistentPreRunE resolved for the subcommands.
type cli struct {
	configPath string
	verbose    bool

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "davsync",
		Short:         "Synchronize CalDAV and CardDAV collections",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.closeLog != nil {
				return c.closeLog()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newDiscoverCmd(c),
		newSyncCmd(c),
		newWatchCmd(c),
		newCollectionsCmd(c),
		newMkcolCmd(c),
		newRenameCmd(c),
		newConflictsCmd(c),
		newResolveCmd(c),
		newEditCmd(c),
		newRmCmd(c),
	)
	return cmd
}

func (c *cli) load() error {
	cfg, err := config.Resolve(c.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.verbose {
		cfg.LogLevel = "debug"
	}
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	c.cfg, c.logger, c.closeLog = cfg, logger, closeLog
	return nil
}

// printTable writes aligned columns.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}
	printRow(w, headers, widths)
	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
