package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktamirror/oktamirror/internal/config"
	httpapp "github.com/oktamirror/oktamirror/internal/http"
	"github.com/oktamirror/oktamirror/internal/logging"
	"github.com/oktamirror/oktamirror/internal/metrics"
	syncer "github.com/oktamirror/oktamirror/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync control API and, if configured, the metrics endpoint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	if _, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "serve"}); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(cfg, &syncer.LogReporter{})
	if err != nil {
		return err
	}
	defer st.Close()

	svc := syncer.NewService(st.meta)
	svc.RegisterTenant(cfg.TenantID, st.orch)

	srv := httpapp.NewEchoServer(&httpapp.Handlers{
		Syncs: svc,
		Versions: map[string]httpapp.GraphVersions{
			cfg.TenantID: st.versions,
		},
	})

	_, metricsErrCh := metrics.StartServer(ctx, cfg.MetricsAddr)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "addr", cfg.HTTPAddr)
		errCh <- srv.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// Stop an in-flight sync and let it record its terminal state.
		svc.CancelSync(cfg.TenantID)
		svc.Wait(cfg.TenantID)
		return nil
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-metricsErrCh:
		return err
	}
}
