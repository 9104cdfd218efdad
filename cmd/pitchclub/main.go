// Package main запускает HTTP-сервер сервиса баллов pitchclub.
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

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pitchclub-ledger/internal/config"
	"github.com/mmeshcher/pitchclub-ledger/internal/handler"
	"github.com/mmeshcher/pitchclub-ledger/internal/middleware"
	"github.com/mmeshcher/pitchclub-ledger/internal/notify"
	"github.com/mmeshcher/pitchclub-ledger/internal/outbox"
	"github.com/mmeshcher/pitchclub-ledger/internal/payment"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository/memory"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository/postgres"
	"github.com/mmeshcher/pitchclub-ledger/internal/service"
)

type store interface {
	service.Store
	repository.Outbox
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is empty, using in-memory store")
		return memory.New(), nil
	}
	pg, err := postgres.New(ctx, cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil {
		sugar.Debugw("no .env file, reading environment only", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	svc := service.NewService(st, logger)
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, tokens will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)

	var verifier *payment.Verifier
	if cfg.PaymentWebhookSecret != "" {
		verifier = payment.NewVerifier(cfg.PaymentWebhookSecret, payment.DefaultTolerance)
	} else {
		sugar.Warn("PAYMENT_WEBHOOK_SECRET is empty, payment webhooks are disabled")
	}

	h := handler.NewHandler(svc, logger, authMiddleware, verifier, cfg.CORSOrigins)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Доставка уведомлений из outbox
	if cfg.NotifyAddress != "" {
		relay := outbox.NewRelay(st, notify.NewClient(cfg.NotifyAddress, logger), outbox.Config{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxAttempts:  cfg.Outbox.MaxAttempts,
			RetryBackoff: cfg.Outbox.RetryBackoff,
			LeaseTTL:     cfg.Outbox.LeaseTTL,
		}, logger)
		g.Go(func() error {
			return relay.Run(ctx)
		})
	} else {
		sugar.Warn("NOTIFY_ADDRESS is empty, notifications stay in outbox")
	}

	g.Go(func() error {
		sugar.Infow("starting pitchclub ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
