// Package outbox доставляет уведомления, записанные в одной транзакции с изменением баланса.
//
// Доставка выполняется не менее одного раза: событие арендуется, отправляется
// и подтверждается. Если процесс упал между отправкой и подтверждением, аренда
// истекает и событие отправляется повторно с тем же идентификатором.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/notify"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
)

const maxRetryDelay = 30 * time.Minute

// Sender отправляет событие получателю.
type Sender interface {
	Send(ctx context.Context, ev model.OutboxEvent) error
}

// Config задаёт параметры доставки.
type Config struct {
	Consumer     string
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	LeaseTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = "relay"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	return c
}

// Relay периодически забирает события из outbox и отправляет их.
type Relay struct {
	store  repository.Outbox
	sender Sender
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewRelay создаёт доставщик событий.
func NewRelay(store repository.Outbox, sender Sender, cfg Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:  store,
		sender: sender,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("outbox"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run запускает доставку по расписанию и блокируется до отмены ctx.
// Следующий проход не начинается, пока не закончился предыдущий.
func (r *Relay) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(r.cfg.PollInterval),
		gocron.NewTask(func(ctx context.Context) {
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Outbox pass failed", zap.Error(err))
			}
		}),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule outbox job: %w", err)
	}

	r.logger.Info("Outbox relay started",
		zap.String("consumer", r.cfg.Consumer),
		zap.Duration("poll_interval", r.cfg.PollInterval),
	)
	s.Start()

	<-ctx.Done()

	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	r.logger.Info("Outbox relay stopped")
	return nil
}

// RunOnce выполняет один проход доставки и возвращает число доставленных событий.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.LeaseOutbox(ctx, r.cfg.Consumer, r.cfg.BatchSize, r.now(), r.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease outbox: %w", err)
	}

	delivered := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if r.deliver(ctx, ev) {
			delivered++
		}
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, ev model.OutboxEvent) bool {
	log := r.logger.With(
		zap.String("event_id", ev.ID.String()),
		zap.String("event_type", ev.EventType),
		zap.Int("attempt", ev.AttemptCount+1),
	)

	sendErr := r.sender.Send(ctx, ev)
	if sendErr == nil {
		if err := r.store.MarkOutboxDelivered(ctx, ev.ID, r.cfg.Consumer, r.now()); err != nil {
			r.logMarkError(log, err)
			return false
		}
		log.Debug("Event delivered")
		return true
	}

	attempt := ev.AttemptCount + 1
	dead := notify.IsPermanent(sendErr) || attempt >= r.cfg.MaxAttempts

	delay := r.retryDelay(attempt)
	if hint := notify.RetryAfter(sendErr); hint > delay {
		delay = hint
	}

	if err := r.store.MarkOutboxFailed(ctx, ev.ID, r.cfg.Consumer, sendErr.Error(), r.now().Add(delay), dead); err != nil {
		r.logMarkError(log, err)
		return false
	}

	if dead {
		log.Error("Event moved to dead letter", zap.Error(sendErr))
	} else {
		log.Warn("Event delivery failed, will retry", zap.Error(sendErr), zap.Duration("retry_in", delay))
	}
	return false
}

func (r *Relay) logMarkError(log *zap.Logger, err error) {
	if errors.Is(err, model.ErrStaleState) {
		log.Warn("Outbox lease lost before acknowledgement", zap.Error(err))
		return
	}
	log.Error("Failed to acknowledge outbox event", zap.Error(err))
}

// retryDelay возвращает экспоненциальную задержку перед попыткой attempt+1.
func (r *Relay) retryDelay(attempt int) time.Duration {
	b := retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(r.cfg.RetryBackoff))

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
