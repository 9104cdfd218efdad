// Package repository описывает контракт хранилища журнала баллов и кредитов.
//
// Все изменения выполняются внутри Tx. Решения, входные данные которых могут
// измениться конкурентно, выражены условием самой записи: реализация обязана
// выполнять их одним условным UPDATE и сообщать результат по числу затронутых строк.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
)

// DefaultListLimit ограничивает выдачу списков, если лимит не задан.
const DefaultListLimit = 100

// Queries содержит операции чтения, доступные как вне, так и внутри транзакции.
type Queries interface {
	GetBalance(ctx context.Context, userID string) (model.Balance, error)
	ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
	SumLedger(ctx context.Context, userID string, currency model.Currency) (int64, error)
	// FindLedgerByRef возвращает запись заданного типа с заданной ссылкой или model.ErrNotFound.
	FindLedgerByRef(ctx context.Context, typ model.LedgerType, ref model.Ref) (model.LedgerEntry, error)

	GetRewardItem(ctx context.Context, id uuid.UUID) (model.RewardItem, error)
	ListRewardItems(ctx context.Context, activeOnly bool) ([]model.RewardItem, error)

	GetRedemption(ctx context.Context, id uuid.UUID) (model.Redemption, error)
	ListRedemptions(ctx context.Context, userID string, limit int) ([]model.Redemption, error)
	ListAudit(ctx context.Context, redemptionID uuid.UUID) ([]model.AuditEntry, error)
	ListBadges(ctx context.Context, userID string) ([]model.Badge, error)
}

// Tx: атомарная единица работы. Либо все изменения фиксируются, либо ни одно.
type Tx interface {
	Queries

	// Credit увеличивает остаток, создавая аккаунт при необходимости.
	Credit(ctx context.Context, userID string, currency model.Currency, amount int64) (before, after int64, err error)
	// DebitIfSufficient списывает amount только если остаток не меньше amount.
	// При нехватке возвращает *model.InsufficientBalanceError, при отсутствии аккаунта model.ErrNotFound.
	DebitIfSufficient(ctx context.Context, userID string, currency model.Currency, amount int64) (before, after int64, err error)
	AppendLedger(ctx context.Context, entry model.LedgerEntry) error

	CreateRewardItem(ctx context.Context, item model.RewardItem) error
	// ReserveCopy резервирует один экземпляр, если награда активна и есть остаток.
	// Возвращает model.ErrNotFound, model.ErrRewardInactive или model.ErrOutOfStock.
	ReserveCopy(ctx context.Context, itemID uuid.UUID) (model.RewardItem, error)
	// ReleaseCopy освобождает экземпляр при copies_redeemed > 0, иначе model.ErrStaleState.
	ReleaseCopy(ctx context.Context, itemID uuid.UUID) error

	CreateRedemption(ctx context.Context, r model.Redemption) error
	// TransitionRedemption меняет статус только если текущий статус входит в u.From.
	// Возвращает model.ErrAlreadyProcessed, если статус уже другой, и
	// model.ErrStaleState, если заявка исчезла.
	TransitionRedemption(ctx context.Context, u RedemptionUpdate) (model.Redemption, error)
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	// GrantBadge выдаёт значок. Повторная выдача не считается ошибкой и возвращает false.
	GrantBadge(ctx context.Context, userID, code string, at time.Time) (bool, error)

	EnqueueOutbox(ctx context.Context, event model.OutboxEvent) error
}

// RedemptionUpdate описывает охраняемый переход статуса заявки.
type RedemptionUpdate struct {
	ID         uuid.UUID
	From       []model.RedemptionStatus
	To         model.RedemptionStatus
	ReviewedBy string
	Reason     string
	Notes      string
	At         time.Time
}

// Outbox описывает очередь уведомлений для фонового доставщика.
type Outbox interface {
	// LeaseOutbox арендует готовые к доставке события, включая события с истёкшей арендой.
	LeaseOutbox(ctx context.Context, consumer string, limit int, now time.Time, ttl time.Duration) ([]model.OutboxEvent, error)
	MarkOutboxDelivered(ctx context.Context, id uuid.UUID, consumer string, at time.Time) error
	// MarkOutboxFailed возвращает событие в очередь на nextAttempt или помечает его DEAD.
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, consumer, lastErr string, nextAttempt time.Time, dead bool) error
}

// NormalizeLimit приводит лимит выдачи к допустимому диапазону.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}
