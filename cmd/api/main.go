// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/config"
	"github.com/capitalize-ai/inbox/internal/directory"
	"github.com/capitalize-ai/inbox/internal/handler"
	"github.com/capitalize-ai/inbox/internal/memlog"
	natsclient "github.com/capitalize-ai/inbox/internal/nats"
	"github.com/capitalize-ai/inbox/internal/service"
	"github.com/capitalize-ai/inbox/pkg/logger"
	"github.com/capitalize-ai/inbox/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var log *logger.Logger
	var err error
	if cfg.Development {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server",
		zap.String("message_log", cfg.MessageLog),
		zap.String("directory", cfg.Directory),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "inbox", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	ready := map[string]handler.Pinger{}

	// Message log
	var msgLog service.MessageLog
	switch cfg.MessageLog {
	case "memory":
		msgLog = service.AdaptLog[*memlog.Feed](memlog.New())
	case "nats":
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()

		opts := natsclient.DefaultStreamOptions()
		opts.MaxAge = cfg.StreamMaxAge
		opts.Replicas = cfg.StreamReplicas
		opts.Memory = cfg.StreamInMemory
		streamManager := natsclient.NewStreamManager(natsClient, opts)
		if err := streamManager.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		go reportStreamStats(ctx, streamManager, cfg.StreamStatsTick, log)

		msgLog = service.AdaptLog[*natsclient.Feed](streamManager)
		ready["nats"] = handler.PingFunc(func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
	default:
		return fmt.Errorf("unknown MESSAGE_LOG %q", cfg.MessageLog)
	}

	// Conversation directory
	var dir directory.Directory
	switch cfg.Directory {
	case "memory":
		dir = directory.NewMemory()
	case "redis":
		rdb, err := directory.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rdb.Close()
		dir = rdb
		ready["redis"] = rdb
	default:
		return fmt.Errorf("unknown DIRECTORY %q", cfg.Directory)
	}

	// Initialize services
	userSvc := service.NewUserService(dir, log)
	conversationSvc := service.NewConversationService(dir, log)
	messageSvc := service.NewMessageService(msgLog, conversationSvc, userSvc, log)

	router := handler.NewRouter(handler.RouterConfig{
		Conversations:     conversationSvc,
		Messages:          messageSvc,
		Users:             userSvc,
		Ready:             ready,
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Heartbeat:         cfg.StreamHeartbeat,
		Logger:            log,
	})

	// Create HTTP server. WriteTimeout stays zero by default so live feeds
	// are not cut off.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func reportStreamStats(ctx context.Context, sm *natsclient.StreamManager, every time.Duration, log *logger.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sm.ReportStats(ctx); err != nil {
				log.Debug("failed to report stream stats", zap.Error(err))
			}
		}
	}
}
