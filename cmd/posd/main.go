package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/tillu-pos/terminal-sync/internal/config"
	"github.com/tillu-pos/terminal-sync/internal/conflict"
	"github.com/tillu-pos/terminal-sync/internal/connectivity"
	"github.com/tillu-pos/terminal-sync/internal/engine"
	"github.com/tillu-pos/terminal-sync/internal/handlers"
	"github.com/tillu-pos/terminal-sync/internal/remote"
	"github.com/tillu-pos/terminal-sync/internal/store"
)

func setupRouter(svc *engine.Service, st *store.Store) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, svc, st)

	return r
}

func run(cfgPath string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open offline store: %w", err)
	}
	defer st.Close()

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout.Std(), logger)
	monitor := connectivity.NewMonitor(client, cfg.Probe.Interval.Std(), cfg.Probe.Freshness.Std(), logger)
	resolver := conflict.NewResolver(st, client, logger)
	svc := engine.NewService(st, client, monitor, resolver, engine.Config{
		SyncInterval: cfg.Sync.Interval.Std(),
		MaxRetries:   cfg.Sync.MaxRetries,
		BackoffBase:  cfg.Sync.BackoffBase.Std(),
		BackoffCap:   cfg.Sync.BackoffCap.Std(),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)
	syncDone := svc.StartAutoSync(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: setupRouter(svc, st),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("terminal sync daemon listening",
			"addr", cfg.ListenAddr, "remote", cfg.Remote.BaseURL, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	// An in-flight submission is allowed to finish: losing a success
	// response would risk a duplicate submission on the next start. The
	// shutdown window is longer than the per-request timeout for that
	// reason.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Remote.Timeout.Std()+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}

	// the auto-sync loop finishes the record it is on before exiting
	<-syncDone

	logger.Info("terminal sync daemon stopped")
	return nil
}

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "posd",
		Short: "POS terminal offline-first order sync daemon",
		Long: `posd keeps the terminal taking orders with no connectivity: orders are
queued in a local durable store and reconciled with the central order server
exactly once when connectivity returns.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	rootCmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML config file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
