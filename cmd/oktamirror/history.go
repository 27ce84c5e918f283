package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktamirror/oktamirror/internal/config"
	"github.com/oktamirror/oktamirror/internal/logging"
	"github.com/oktamirror/oktamirror/internal/metadata"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent sync runs for the configured tenant.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistory(cmd)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum rows to print")
}

func runHistory(cmd *cobra.Command) error {
	if _, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "history"}); err != nil {
		return err
	}
	cfg, err := config.LoadOptionalOkta()
	if err != nil {
		return err
	}

	meta, err := metadata.Open(cfg.MetaDBPath)
	if err != nil {
		return err
	}
	defer meta.Close()

	rows, err := meta.GetSyncHistory(cmd.Context(), cfg.TenantID, historyLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tUSERS\tGROUPS\tAPPS\tVERSION\tSYNC ID")
	for _, r := range rows {
		version := "-"
		if r.GraphDBVersion != nil {
			version = fmt.Sprintf("v%d", *r.GraphDBVersion)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			time.UnixMilli(r.StartTime).UTC().Format(time.RFC3339),
			r.Status, r.UsersCount, r.GroupsCount, r.AppsCount, version, r.ID)
	}
	return w.Flush()
}
