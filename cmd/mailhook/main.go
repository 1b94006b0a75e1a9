package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mailhook-dev/mailhook/internal/config"
	"github.com/mailhook-dev/mailhook/internal/dispatch"
	"github.com/mailhook-dev/mailhook/internal/errclass"
	"github.com/mailhook-dev/mailhook/internal/mailparse"
	"github.com/mailhook-dev/mailhook/internal/observability"
	"github.com/mailhook-dev/mailhook/internal/queue"
	"github.com/mailhook-dev/mailhook/internal/ratelimit"
	"github.com/mailhook-dev/mailhook/internal/router"
	"github.com/mailhook-dev/mailhook/internal/scheduler"
	"github.com/mailhook-dev/mailhook/internal/smtp"
	"github.com/mailhook-dev/mailhook/internal/storage"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// forceExitTimeout bounds how long shutdown waits for in-flight deliveries.
const forceExitTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		configPath := serveCmd.String("config", "", "config file path (optional)")
		serveCmd.Parse(os.Args[2:])
		runServe(*configPath)
	case "version":
		fmt.Printf("mailhook %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mailhook - SMTP to webhook relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mailhook serve [--config path]   Start the relay")
	fmt.Println("  mailhook version                 Print version")
}

func runServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging, cfg.Tracing.Endpoint != "")
	slog.SetDefault(logger)
	logger.Info("starting mailhook", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing is optional; without an endpoint the no-op provider stays.
	if cfg.Tracing.Endpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
			ServiceName: "mailhook",
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			logger.Error("initializing tracer", "error", err)
			os.Exit(1)
		}
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shCancel()
			shutdownTracer(shCtx)
		}()
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	sched := scheduler.New()

	// Durable queue.
	store, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		logger.Error("opening durable queue", "error", err)
		os.Exit(1)
	}

	// Attachment storage tier.
	encKey, err := cfg.Storage.DecodeEncryptionKey()
	if err != nil {
		logger.Error("decoding storage encryption key", "error", err)
		os.Exit(1)
	}
	local, err := storage.NewLocalStore(cfg.Storage.LocalPath, encKey)
	if err != nil {
		logger.Error("opening local attachment storage", "error", err)
		os.Exit(1)
	}

	var objects storage.ObjectStore
	if cfg.Storage.S3.Configured() {
		s3, err := storage.NewS3Store(storage.S3Config{
			Region:          cfg.Storage.S3.Region,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			Bucket:          cfg.Storage.S3.Bucket,
			Endpoint:        cfg.Storage.S3.Endpoint,
			UsePathStyle:    cfg.Storage.S3.ForcePathStyle,
		})
		if err != nil {
			logger.Error("creating s3 store", "error", err)
			os.Exit(1)
		}
		objects = s3
		logger.Info("primary attachment store configured", "bucket", cfg.Storage.S3.Bucket)
	} else {
		logger.Warn("primary attachment store not configured, attachments stage locally")
	}

	tier := storage.NewTier(objects, local, storage.TierConfig{
		MaxFileSize:   cfg.Storage.MaxFileSize,
		RetryInterval: cfg.Storage.S3.RetryInterval,
		MaxRetries:    cfg.Storage.S3.MaxRetries,
		Retention:     cfg.Storage.Retention(),
	}, sched, metrics, logger)
	if err := tier.Start(); err != nil {
		logger.Error("starting attachment storage tier", "error", err)
		os.Exit(1)
	}

	// Router and dispatcher.
	rt := router.New(cfg.Webhook.Rules, cfg.Webhook.URL, cfg.Webhook.AllowInsecureHTTP, logger)
	dispatcher := dispatch.New(store, rt, sched, dispatch.Config{
		Concurrency: cfg.Webhook.Concurrency,
		Timeout:     cfg.Webhook.Timeout,
		RetryDelay:  cfg.Webhook.RetryDelay,
		Secret:      cfg.Webhook.Secret,
		UserAgent:   "mailhook/" + Version,
		QueueDepth:  cfg.Webhook.MaxQueueSize + cfg.Webhook.Concurrency,
	}, metrics, logger)
	dispatcher.Start(ctx)

	// Replay tasks that survived the previous run.
	ids, err := store.ListIDs()
	if err != nil {
		logger.Error("listing durable tasks for replay", "error", err)
		os.Exit(1)
	}
	for _, id := range ids {
		dispatcher.Enqueue(id)
	}
	if len(ids) > 0 {
		logger.Info("replayed durable tasks", "count", len(ids))
	}

	// SMTP ingestion.
	limiter := ratelimit.New(cfg.SMTP.RateLimitWindow, cfg.SMTP.RateLimitMaxConnections)
	policy := smtp.NewPolicy(smtp.PolicyConfig{
		AllowedClients:          cfg.SMTP.AllowedClients,
		TrustedRelayIPs:         cfg.SMTP.TrustedRelayIPs,
		RequireTrustedRelay:     cfg.SMTP.RequireTrustedRelay,
		AllowedSenderDomains:    cfg.SMTP.AllowedSenderDomains,
		AllowedRecipientDomains: cfg.SMTP.AllowedRecipientDomains,
		RequiredAuthResults:     cfg.SMTP.RequiredAuthResults,
	}, limiter)
	parser := mailparse.New(tier, logger)
	backend := smtp.NewBackend(policy, parser, store, dispatcher, smtp.BackendConfig{
		MaxQueueSize: cfg.Webhook.MaxQueueSize,
		MaxClients:   cfg.SMTP.MaxClients,
	}, metrics, logger)

	smtpServer, err := smtp.NewServer(smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.ListenAddr(),
		Domain:          cfg.SMTP.Domain,
		Secure:          cfg.SMTP.Secure,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
		ReadTimeout:     cfg.SMTP.SocketTimeout,
		WriteTimeout:    cfg.SMTP.SocketTimeout,
		TLSCert:         cfg.SMTP.TLSCert,
		TLSKey:          cfg.SMTP.TLSKey,
	}, backend, logger)
	if err != nil {
		logger.Error("creating SMTP server", "error", err)
		os.Exit(1)
	}

	// Ops HTTP surface.
	opsServer := observability.NewOpsServer(cfg.Ops.Addr, registry, func() observability.HealthStats {
		durable, _ := store.Len()
		return observability.HealthStats{
			PendingTasks:  dispatcher.Pending(),
			DurableTasks:  durable,
			StagedUploads: tier.PendingDrain(),
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting SMTP server",
			"addr", cfg.SMTP.ListenAddr(),
			"secure", cfg.SMTP.Secure,
		)
		err := smtp.Listen(smtpServer, cfg.SMTP.Secure)
		if err == nil || gctx.Err() != nil {
			return nil
		}
		if errclass.IsRecoverable(err) {
			logger.Warn("SMTP server stopped on recoverable error", "error", err)
			return nil
		}
		return fmt.Errorf("smtp server: %w", err)
	})

	g.Go(func() error {
		logger.Info("starting ops server", "addr", cfg.Ops.Addr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		// Stop accepting mail; in-flight sessions finish on their own.
		if err := smtpServer.Close(); err != nil {
			logger.Warn("closing SMTP server", "error", err)
		}

		// Deferred retries must not outlive the process.
		sched.Stop()
		tier.Stop()

		drainCtx := context.Background()
		if dispatcher.AwaitDrain(drainCtx, forceExitTimeout) {
			logger.Info("dispatcher drained")
		} else {
			logger.Warn("forcing exit with pending tasks, they will replay on next start",
				"pending", dispatcher.Pending(),
			)
		}

		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		if err := opsServer.Shutdown(shCtx); err != nil {
			logger.Warn("ops server shutdown", "error", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("mailhook stopped")
}

// setupLogger creates a slog.Logger based on the logging config, wrapped
// with trace correlation when tracing is enabled.
func setupLogger(cfg config.LoggingConfig, tracing bool) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	if tracing {
		handler = observability.NewTracingHandler(handler)
	}

	return slog.New(handler)
}
