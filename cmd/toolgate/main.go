package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/toolgate/internal/audit"
	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/alexjbarnes/toolgate/internal/clients"
	"github.com/alexjbarnes/toolgate/internal/config"
	"github.com/alexjbarnes/toolgate/internal/dispatch"
	"github.com/alexjbarnes/toolgate/internal/instrumentation"
	"github.com/alexjbarnes/toolgate/internal/logging"
	"github.com/alexjbarnes/toolgate/internal/mcpserver"
	"github.com/alexjbarnes/toolgate/internal/rpc"
	"github.com/alexjbarnes/toolgate/internal/server"
	"github.com/alexjbarnes/toolgate/internal/session"
	"github.com/alexjbarnes/toolgate/internal/tokenstore"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const appName = "toolgate"

var Version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "OAuth-protected streaming gateway for JSON-RPC tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "hash-secret",
			Short: "Read a client secret from stdin and print its bcrypt hash",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return hashSecret(cmd)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				cmd.Println(Version)
			},
		},
	)

	return root
}

func hashSecret(cmd *cobra.Command) error {
	fmt.Fprint(cmd.ErrOrStderr(), "Enter client secret: ")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return fmt.Errorf("no input")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(scanner.Text()), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing secret: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(hash))

	return nil
}

func run(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("toolgate starting",
		slog.String("version", Version),
		slog.String("server_url", cfg.ServerURL),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := cfg.LoadClients()
	if err != nil {
		return fmt.Errorf("loading clients: %w", err)
	}

	registry, err := clients.NewRegistry(list)
	if err != nil {
		return fmt.Errorf("loading clients: %w", err)
	}

	metricsCfg := instrumentation.Config{Enabled: cfg.MetricsEnabled}

	var metricsHandler http.Handler

	if cfg.MetricsEnabled {
		exporter, err := instrumentation.NewPrometheusExporter()
		if err != nil {
			return err
		}
		defer func() {
			if err := exporter.Shutdown(context.Background()); err != nil {
				logger.Warn("metrics shutdown failed", slog.String("error", err.Error()))
			}
		}()

		metricsCfg.MeterProvider = exporter.MeterProvider()
		metricsHandler = exporter.Handler()

		logger.Info("metrics enabled", slog.String("path", instrumentation.MetricsPath))
	}

	metrics, err := instrumentation.New(metricsCfg)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	dispatchOpts := []dispatch.Option{dispatch.WithMetrics(metrics)}

	var auditLog *audit.Log
	if cfg.AuditDBPath != "" {
		auditLog, err = audit.Open(cfg.AuditDBPath)
		if err != nil {
			return err
		}
		defer auditLog.Close()

		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(auditLog))
	}

	provider := auth.NewProvider(auth.Config{
		ServerURL:       cfg.ServerURL,
		SupportedScopes: cfg.SupportedScopes,
		DefaultScope:    cfg.DefaultScope,
		CodeTTL:         cfg.CodeTTL,
		TokenTTL:        cfg.TokenTTL,
		AllowPlainPKCE:  cfg.AllowPlainPKCE,
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
	}, store, registry, logger.With(slog.String("service", "oauth")), metrics)

	dispatcher := dispatch.New(logger.With(slog.String("service", "dispatch")), dispatchOpts...)

	tools := mcpserver.New(&mcp.Implementation{Name: appName, Version: Version}, "", logger)
	if err := mcpserver.RegisterBuiltinTools(tools, nil); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}

	tools.Register(dispatcher)
	logger.Info("methods registered", slog.Any("methods", dispatcher.Methods()))

	manager := session.NewManager(session.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
		DispatchTimeout:   cfg.DispatchTimeout,
		MaxConcurrent:     cfg.MaxConcurrentDispatch,
		QueueSize:         cfg.QueueSize,
		Greeting:          rpc.NewNotification(mcpserver.MethodInitialized, tools.Capabilities()),
	}, dispatcher, logger.With(slog.String("service", "session")), metrics)

	sessCfg := manager.Config()
	logger.Info("sessions configured",
		slog.Duration("keepalive", sessCfg.KeepaliveInterval),
		slog.Duration("dispatch_timeout", sessCfg.DispatchTimeout),
		slog.Int("max_concurrent", sessCfg.MaxConcurrent),
		slog.Int("queue_size", sessCfg.QueueSize),
	)

	handler := session.NewHandler(manager, provider, logger)
	handler.OriginPatterns = cfg.WSOriginPatterns

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Provider: provider,
			Sessions: handler,
			Logger:   logger,
			AppName:  appName,
			Metrics:  metricsHandler,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.Int("clients", registry.Len()),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Streams never finish on their own, so close sessions first.
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("session shutdown incomplete", slog.String("error", err.Error()))
		}

		return srv.Shutdown(shutdownCtx)
	})

	if cfg.ClientsFile != "" {
		g.Go(func() error {
			return registry.Watch(gctx, cfg.ClientsFile, logger)
		})
	}

	if auditLog != nil {
		g.Go(func() error {
			return pruneAudit(gctx, auditLog, cfg.AuditRetention, logger)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tokenstore.Store, error) {
	if cfg.RedisURL == "" {
		logger.Info("token store: memory")
		return tokenstore.NewMemory(), nil
	}

	store, err := tokenstore.NewRedisFromURL(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger.Info("token store: redis", slog.String("prefix", cfg.RedisKeyPrefix))

	return store, nil
}

// pruneAudit drops audit entries older than retention once an hour.
func pruneAudit(ctx context.Context, l *audit.Log, retention time.Duration, logger *slog.Logger) error {
	if retention <= 0 {
		return nil
	}

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := l.Prune(time.Now().Add(-retention))
		if err != nil {
			logger.Warn("audit prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("audit pruned", slog.Int("removed", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
