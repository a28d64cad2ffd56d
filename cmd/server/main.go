package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"mr-review-orchestrator/internal/ai"
	"mr-review-orchestrator/internal/breaker"
	"mr-review-orchestrator/internal/config"
	"mr-review-orchestrator/internal/contextsvc"
	"mr-review-orchestrator/internal/notify"
	"mr-review-orchestrator/internal/orchestrator"
	"mr-review-orchestrator/internal/pipeline"
	"mr-review-orchestrator/internal/poller"
	"mr-review-orchestrator/internal/scm"
	"mr-review-orchestrator/internal/store"
	"mr-review-orchestrator/internal/webhook"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {

	// Local development convenience; real deployments set env directly
	_ = godotenv.Load()

	// Load configuration first
	cfg := config.LoadConfig()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Setup structured logging with configurable level, format, and output
	logger, logCleanup := setupLogger(cfg)
	defer logCleanup()
	slog.SetDefault(logger)

	// Initialize storage
	repo, err := store.NewSQLiteRepository(cfg.Storage.DSN)
	if err != nil {
		slog.Error("init storage failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	// Initialize collaborator clients
	scmClient := scm.NewHTTPClient(cfg.SourceControl.BaseURL, cfg.SourceControl.Token, cfg.SourceControl.Timeout)

	var provider contextsvc.Provider = contextsvc.Noop{}
	if cfg.Context.Endpoint != "" {
		provider = contextsvc.NewHTTPProvider(cfg.Context.Endpoint, cfg.Context.Token, cfg.Context.Timeout)
	}

	aiClient := openai.NewClient(
		option.WithBaseURL(cfg.AI.Endpoint),
		option.WithAPIKey(cfg.AI.APIKey),
	)
	reviewer := ai.NewOpenAIReviewer(&aiClient, cfg.AI.Model, cfg.AI.Temperature, cfg.AI.Timeout)

	// Verify AI backend connection
	if err := reviewer.Ping(context.Background()); err != nil {
		slog.Error("ai reviewer health check failed", "error", err)
		os.Exit(1)
	}

	var sink notify.Sink
	if cfg.Notify.Endpoint != "" {
		sink = notify.NewHTTPSink(cfg.Notify.Endpoint, cfg.Notify.Timeout)
	}

	// Wire the breaker in front of the AI backend
	brk := breaker.New(breaker.Config{
		Window:           cfg.Breaker.Window,
		MinCalls:         cfg.Breaker.MinCalls,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		HalfOpenMax:      cfg.Breaker.HalfOpenMax,
	})

	pipe := pipeline.New(scmClient, provider, reviewer, brk, sink)

	// Orchestrator with its bounded worker pool
	pool := orchestrator.NewWorkerPool(cfg.Review.Workers, cfg.Review.QueueSize)
	pool.Start()
	orch := orchestrator.New(repo, pipe, pool, cfg.Review.MaxAttempts, cfg.Review.Timeout)

	// Discovery poller
	pollerCtx, stopPoller := context.WithCancel(context.Background())
	p := poller.New(poller.Config{
		Enabled:         cfg.Poller.Enabled,
		Interval:        cfg.Poller.Interval,
		LookbackMinutes: cfg.Poller.LookbackMinutes,
		PerProjectLimit: cfg.Poller.PerProjectLimit,
		MaxConcurrency:  cfg.Poller.MaxConcurrency,
		Projects:        cfg.SourceControl.Projects,
	}, scmClient, orch)
	go p.Run(pollerCtx)

	// Webhook ingestor
	webhookHandler := webhook.NewHandler(orch, cfg.Server.WebhookSecret, cfg.Server.MaxBodySize)

	// Setup HTTP server
	mux := http.NewServeMux()
	mux.Handle("/webhook", webhookHandler)

	// Liveness probe (Kubernetes: startup/liveness)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness probe (Kubernetes: readiness)
	// Storage is the only hard dependency the process cannot work without.
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := repo.ListStaleRunning(ctx, 24*time.Hour); err != nil {
			slog.Warn("storage unhealthy", "error", err)
			http.Error(w, "Storage Unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})

	// Breaker health probe: reports AI backend circuit state
	mux.HandleFunc("/health/breaker", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(brk.Snapshot())
	})

	// Add root path handler to catch misconfiguration (e.g. omitted /webhook in URL)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			slog.Warn("received request at root path",
				"path", r.URL.Path,
				"method", r.Method,
				"msg", "please configure webhook URL to path '/webhook'",
			)
		}
		http.NotFound(w, r)
	})

	// Prometheus Metrics Endpoint
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server start failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("server stopping")

	// Stop producing new work first
	stopPoller()

	// Give the server 5 seconds to shutdown gracefully
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown forced", "error", err)
		os.Exit(1)
	}

	// Wait for in-flight reviews to record their outcomes
	slog.Info("waiting for in-flight reviews")
	done := make(chan struct{})
	go func() {
		orch.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("reviews completed")
		pool.Stop()
	case <-time.After(30 * time.Second):
		slog.Warn("review drain timeout, exiting")
	}

	// defer repo.Close() will handle storage cleanup (via WAL checkpoint)

	slog.Info("server stopped")
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	var writers []io.Writer
	var closers []io.Closer
	outputs := strings.Split(cfg.Log.Output, ",")

	for _, output := range outputs {
		output = strings.TrimSpace(output)
		if output == "" {
			continue
		}

		var w io.Writer
		switch output {
		case "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			// Use lumberjack for log rotation
			l := &lumberjack.Logger{
				Filename:   output,
				MaxSize:    cfg.Log.Rotation.MaxSize,
				MaxBackups: cfg.Log.Rotation.MaxBackups,
				MaxAge:     cfg.Log.Rotation.MaxAge,
				Compress:   cfg.Log.Rotation.Compress,
			}
			w = l
			closers = append(closers, l)
		}
		writers = append(writers, w)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	multiWriter := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(multiWriter, opts)
	} else {
		handler = slog.NewTextHandler(multiWriter, opts)
	}

	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	return slog.New(handler), cleanup
}
