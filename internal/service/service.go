// Package service реализует журнал баллов и кредитов и жизненный цикл заявок на награды.
//
// Каждая операция записи выполняется одной транзакцией хранилища: изменение
// остатка, запись журнала, резерв экземпляра, аудит и событие outbox
// фиксируются вместе или не фиксируются вовсе.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
)

// Store описывает контракт хранилища, используемый сервисом.
type Store interface {
	repository.Queries
	Close() error
	WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error
}

// Service содержит бизнес-логику журнала и заявок.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService создаёт сервис поверх указанного хранилища.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Result: итог операции с остатком: новые остатки и созданная запись журнала.
// Replayed означает, что операция уже была выполнена ранее и запись возвращена без изменений.
type Result struct {
	Balance  model.Balance     `json:"balance"`
	Entry    model.LedgerEntry `json:"entry"`
	Replayed bool              `json:"replayed,omitempty"`
}

type posting struct {
	userID      string
	currency    model.Currency
	typ         model.LedgerType
	delta       int64
	ref         model.Ref
	event       string
	description string
}

// post меняет остаток на delta и добавляет запись журнала в той же транзакции.
// Отрицательная delta списывается только условным UPDATE.
func (s *Service) post(ctx context.Context, tx repository.Tx, p posting) (Result, error) {
	var (
		before, after int64
		err           error
	)
	if p.delta < 0 {
		before, after, err = tx.DebitIfSufficient(ctx, p.userID, p.currency, -p.delta)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return Result{}, &model.InsufficientBalanceError{Currency: p.currency, Current: 0, Required: -p.delta}
			}
			return Result{}, err
		}
	} else {
		before, after, err = tx.Credit(ctx, p.userID, p.currency, p.delta)
		if err != nil {
			return Result{}, err
		}
	}

	entry := model.LedgerEntry{
		ID:            uuid.New(),
		UserID:        p.userID,
		Currency:      p.currency,
		Type:          p.typ,
		Amount:        p.delta,
		BalanceBefore: before,
		BalanceAfter:  after,
		Ref:           p.ref,
		Event:         p.event,
		Description:   p.description,
		CreatedAt:     s.now(),
	}
	if err := tx.AppendLedger(ctx, entry); err != nil {
		return Result{}, err
	}

	balance, err := tx.GetBalance(ctx, p.userID)
	if err != nil {
		return Result{}, fmt.Errorf("read balance after posting: %w", err)
	}
	return Result{Balance: balance, Entry: entry}, nil
}

// emit ставит уведомление в outbox. Доставка выполняется отдельно и не влияет на транзакцию.
func (s *Service) emit(ctx context.Context, tx repository.Tx, eventType, userID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	now := s.now()
	return tx.EnqueueOutbox(ctx, model.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		UserID:        userID,
		Payload:       body,
		Status:        model.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
}
