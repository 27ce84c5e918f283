package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oktamirror/oktamirror/internal/config"
	"github.com/oktamirror/oktamirror/internal/logging"
	syncer "github.com/oktamirror/oktamirror/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-off sync of the configured tenant and exit.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSyncOnce()
	},
}

func runSyncOnce() error {
	if _, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "sync"}); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := buildStack(cfg, &syncer.LogReporter{})
	if err != nil {
		return err
	}
	defer st.Close()

	syncID, err := st.meta.CreateSyncRecord(ctx, cfg.TenantID, "full")
	if err != nil {
		return err
	}

	syncErr := st.orch.Run(ctx, syncID)
	if syncErr == nil {
		return nil
	}
	// The orchestrator already logged the outcome.
	if errors.Is(syncErr, context.Canceled) {
		return &exitError{code: 130, err: syncErr, silent: true}
	}
	return &exitError{code: 1, err: syncErr, silent: true}
}
