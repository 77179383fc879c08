package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"modsync/internal"
	"modsync/pkg/api"
	"modsync/pkg/catalog"
	"modsync/pkg/credential"
	"modsync/repo"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Refresh the catalog periodically and serve the status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, config)
		},
	}
}

func runServe(ctx context.Context, cfg internal.Config) error {
	logger := internal.NewLogger("server")
	a, err := newApp(cfg, appOptions{publish: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.repo.Restore(ctx); err != nil {
		logger.Warn("catalog cache unavailable", "err", err)
	}

	go refreshLoop(ctx, a.repo, internal.Millis(cfg.Refresh.IntervalMS), internal.Millis(cfg.Refresh.DeadlineMS))

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           newMux(cfg, a),
		ReadTimeout:       internal.Millis(cfg.Server.ReadTimeoutMS),
		ReadHeaderTimeout: internal.Millis(cfg.Server.ReadHeaderMS),
		WriteTimeout:      internal.Millis(cfg.Server.WriteTimeoutMS),
		IdleTimeout:       internal.Millis(cfg.Server.IdleTimeoutMS),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr, "base_path", cfg.Server.BasePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	return nil
}

func newMux(cfg internal.Config, a *app) http.Handler {
	base := strings.TrimRight(cfg.Server.BasePath, "/")
	logger := internal.NewLogger("api")

	mux := http.NewServeMux()
	mux.Handle(base+"/modules", &api.ModulesHandler{Catalog: a.repo, Logger: logger})
	mux.Handle(base+"/modules/check", &api.CheckHandler{Checker: a.repo})
	mux.Handle(base+"/status", &api.StatusHandler{Catalog: a.repo})
	mux.Handle(base+"/refresh", &api.RefreshHandler{Refresher: a.repo, Logger: logger})
	if cfg.Server.MetricsEnabled {
		mux.Handle(cfg.Server.MetricsPath, expvar.Handler())
	}

	var handler http.Handler = mux
	if cfg.Server.MaxBodyBytes > 0 {
		handler = http.MaxBytesHandler(handler, cfg.Server.MaxBodyBytes)
	}
	return internal.NewRateLimitHandler(handler, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 10*time.Minute)
}

// refreshLoop refreshes immediately and then on every tick until ctx ends.
// Each cycle runs under its own deadline.
func refreshLoop(ctx context.Context, r *repo.Repository, interval, deadline time.Duration) {
	logger := internal.NewLogger("refresh")
	run := func() {
		cycleCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		delta, err := r.Refresh(cycleCtx)
		switch {
		case errors.Is(err, credential.ErrBlockaded):
			logger.Debug("refresh skipped", "reason", err)
		case err != nil:
			logger.Warn("refresh failed", "err", err)
		case !delta.Empty():
			logger.Info("catalog changed", "changed", len(delta.Changed), "removed", len(delta.Removed))
		}
	}

	run()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

type syncResult struct {
	Repository string           `json:"repository"`
	Modules    int              `json:"modules"`
	Changed    []catalog.Module `json:"changed"`
	Removed    []string         `json:"removed"`
}

func newSyncCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one refresh and print the delta as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(config, appOptions{publish: publish})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), internal.Millis(config.Refresh.DeadlineMS))
			defer cancel()
			if err := a.repo.Restore(ctx); err != nil {
				internal.NewLogger("sync").Warn("catalog cache unavailable", "err", err)
			}
			delta, err := a.repo.Refresh(ctx)
			if err != nil {
				return err
			}

			out := syncResult{
				Repository: config.Repository.ID,
				Modules:    len(a.repo.Modules()),
				Changed:    make([]catalog.Module, 0, len(delta.Changed)),
				Removed:    make([]string, 0, len(delta.Removed)),
			}
			for _, mod := range delta.Changed {
				out.Changed = append(out.Changed, mod.Redacted())
			}
			for _, mod := range delta.Removed {
				out.Removed = append(out.Removed, mod.ID)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish delta events through the configured drivers")
	return cmd
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Prepare credentials and print their state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(config, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), internal.Millis(config.Refresh.DeadlineMS))
			defer cancel()
			ensureErr := a.creds.Ensure(ctx)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "environment: %s\n", a.creds.Environment())
			fmt.Fprintf(w, "host:        %s\n", a.creds.Host())
			fmt.Fprintf(w, "device id:   %s\n", a.creds.DeviceID())
			fmt.Fprintf(w, "catalog url: %s\n", credential.HideToken(a.repo.CatalogURL()))
			if until := a.creds.BlockadeUntil(); !until.IsZero() {
				fmt.Fprintf(w, "blockade:    %s\n", until.Format(time.RFC3339))
			}
			if ensureErr != nil {
				return ensureErr
			}
			fmt.Fprintln(w, "token:       valid")
			return nil
		},
	}
}
