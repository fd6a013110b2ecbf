package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/agent-stream/internal/config"
	"github.com/tjfontaine/agent-stream/internal/normalize"
	"github.com/tjfontaine/agent-stream/internal/server"
	"github.com/tjfontaine/agent-stream/internal/stream"
	"github.com/tjfontaine/agent-stream/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcript service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != 0 {
				a.cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cmd)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the configured listen port")
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command) error {
	cfg, logger := a.cfg, a.logger

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(telemetry.Options{
			ServiceName:  cfg.Telemetry.ServiceName,
			AgentBaseURL: cfg.Agent.BaseURL,
			StorageType:  cfg.Storage.Type,
			SampleRatio:  cfg.Telemetry.SampleRatio,
		}, cmd.ErrOrStderr(), logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []server.HandlerOption{
		server.WithHandlerLogger(logger),
		server.WithAgentPath(cfg.Agent.Path),
		server.WithNormalizeOptions(normalizeOptions(cfg)...),
	}
	if cfg.Agent.BaseURL != "" {
		opts = append(opts, server.WithGuard(stream.NewGuard(newDispatcher(cfg, logger))))
	} else {
		logger.Warn("agent.base_url not set; stream routes are disabled")
	}

	srv := server.New(server.Options{
		Port:        cfg.Server.Port,
		Timeout:     cfg.Server.Timeout,
		ServiceName: cfg.Telemetry.ServiceName,
		Logger:      logger,
	}, server.NewHandlers(store, opts...))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server shutdown complete")
	return <-errCh
}

func newDispatcher(cfg *config.Config, logger *slog.Logger) *stream.Dispatcher {
	return stream.New(
		stream.WithBaseURL(cfg.Agent.BaseURL),
		stream.WithAPIKey(cfg.Agent.APIKey),
		stream.WithUserAgent(cfg.Agent.UserAgent),
		stream.WithLogger(logger),
	)
}

func normalizeOptions(cfg *config.Config) []normalize.Option {
	if cfg.Normalize.LegacyFallback {
		return []normalize.Option{normalize.WithLegacyFallback()}
	}
	return nil
}
