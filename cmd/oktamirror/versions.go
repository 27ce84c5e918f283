package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oktamirror/oktamirror/internal/config"
	"github.com/oktamirror/oktamirror/internal/graph"
	"github.com/oktamirror/oktamirror/internal/logging"
)

var versionsCleanup bool

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List graph snapshot versions on disk.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVersions(cmd)
	},
}

func init() {
	versionsCmd.Flags().BoolVar(&versionsCleanup, "cleanup", false,
		"remove every snapshot older than the current one")
}

func runVersions(cmd *cobra.Command) error {
	if _, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "versions"}); err != nil {
		return err
	}
	cfg, err := config.LoadOptionalOkta()
	if err != nil {
		return err
	}

	vm, err := graph.NewVersionManager(graphRoot(cfg), cfg.TenantID, cfg.KeepVersions)
	if err != nil {
		return err
	}
	if versionsCleanup {
		if err := vm.ForceCleanupOldVersions(); err != nil {
			return err
		}
	}

	versions, err := vm.Versions()
	if err != nil {
		return err
	}
	current := vm.CurrentVersion()
	out := cmd.OutOrStdout()
	for _, v := range versions {
		marker := " "
		if v == current {
			marker = "*"
		}
		fmt.Fprintf(out, "%s v%d\t%s\n", marker, v, filepath.Join(graphRoot(cfg), fmt.Sprintf("okta_v%d", v)))
	}
	return nil
}
