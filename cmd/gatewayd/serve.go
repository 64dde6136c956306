package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcphub/gateway/internal/backend"
	"github.com/mcphub/gateway/internal/config"
	"github.com/mcphub/gateway/internal/db"
	"github.com/mcphub/gateway/internal/httpapi"
	"github.com/mcphub/gateway/internal/idmap"
	"github.com/mcphub/gateway/internal/logging"
	"github.com/mcphub/gateway/internal/multiplex"
	"github.com/mcphub/gateway/internal/protocol"
	"github.com/mcphub/gateway/internal/registry"
	"github.com/mcphub/gateway/internal/session"
)

func serveCommand() *cobra.Command {
	var (
		verbose          bool
		addr             string
		databaseURL      string
		registryPath     string
		backendTimeout   time.Duration
		retryAttempts    int
		retryBackoffBase time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway's HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var overrides config.Overrides
			flags := cmd.Flags()
			if flags.Changed("addr") {
				overrides.Addr = &addr
			}
			if flags.Changed("database-url") {
				overrides.DatabaseURL = &databaseURL
			}
			if flags.Changed("registry-path") {
				overrides.RegistryPath = &registryPath
			}
			if flags.Changed("backend-timeout") {
				overrides.BackendTimeout = &backendTimeout
			}
			if flags.Changed("retry-attempts") {
				overrides.RetryAttempts = &retryAttempts
			}
			if flags.Changed("retry-backoff-base") {
				overrides.RetryBackoffBase = &retryBackoffBase
			}
			return runServe(cmd.Context(), verbose, overrides)
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level development logging")
	cmd.Flags().StringVar(&addr, "addr", "", "override GATEWAY_ADDR")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "override DATABASE_URL")
	cmd.Flags().StringVar(&registryPath, "registry-path", "", "override REGISTRY_PATH")
	cmd.Flags().DurationVar(&backendTimeout, "backend-timeout", 0, "override BACKEND_TIMEOUT")
	cmd.Flags().IntVar(&retryAttempts, "retry-attempts", 0, "override RETRY_ATTEMPTS")
	cmd.Flags().DurationVar(&retryBackoffBase, "retry-backoff-base", 0, "override RETRY_BACKOFF_BASE")

	return cmd
}

func runServe(ctx context.Context, verbose bool, overrides config.Overrides) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	settings, err := config.FromEnv()
	if err != nil {
		return err
	}
	settings = overrides.Apply(settings)

	reg, err := registry.Load(settings.RegistryPath)
	if err != nil {
		return err
	}

	dao, err := db.New(settings.DatabaseURL)
	if err != nil {
		return err
	}
	defer dao.Close()

	conns := backend.NewManager(settings.BackendTimeout, settings.RetryAttempts, settings.RetryBackoffBase)
	defer conns.CloseAll()

	sessions := session.NewManager(dao, reg, conns, logger)
	sessions.LoadPersistedSessions(ctx)

	ids := idmap.New()
	mux := multiplex.New(sessions)
	proto := protocol.New(sessions, mux, ids, logger)
	server := httpapi.New(sessions, proto, logger)

	httpServer := &http.Server{
		Addr:    settings.Addr,
		Handler: server.Router(),
	}

	logger.Info("starting gateway", zap.String("addr", settings.Addr), zap.String("registry", settings.RegistryPath))

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
