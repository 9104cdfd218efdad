package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
	"github.com/mmeshcher/pitchclub-ledger/internal/validation"
)

// RewardItemParams описывает новую позицию каталога.
// Для значка без BadgeCode код выводится из названия.
type RewardItemParams struct {
	Name            string
	RewardType      model.RewardType
	BadgeCode       string
	PointsCost      int64
	CopiesAvailable *int64
}

// TransitionParams описывает запрос на смену статуса заявки.
// Если OwnerID задан, заявка должна принадлежать этому пользователю.
type TransitionParams struct {
	RedemptionID uuid.UUID
	To           model.RedemptionStatus
	ActorID      string
	OwnerID      string
	Reason       string
	Notes        string
}

// GrantParams описывает выдачу награды администратором без списания баллов.
type GrantParams struct {
	UserID       string
	RewardItemID uuid.UUID
	ActorID      string
	Notes        string
}

// RedemptionResult: итог создания заявки.
type RedemptionResult struct {
	Redemption model.Redemption  `json:"redemption"`
	Balance    model.Balance     `json:"balance"`
	Entry      model.LedgerEntry `json:"entry"`
}

type redemptionNotice struct {
	Redemption model.Redemption       `json:"redemption"`
	OldStatus  model.RedemptionStatus `json:"old_status,omitempty"`
	Refunded   int64                  `json:"refunded,omitempty"`
}

// CreateRewardItem добавляет награду в каталог.
func (s *Service) CreateRewardItem(ctx context.Context, p RewardItemParams) (model.RewardItem, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return model.RewardItem{}, fmt.Errorf("%w: reward name is empty", model.ErrInvalidReference)
	}
	badgeCode := strings.TrimSpace(p.BadgeCode)
	switch p.RewardType {
	case model.RewardBadge:
		if badgeCode == "" {
			badgeCode = strings.ReplaceAll(slug.Make(name), "_", "-")
		}
		if !validation.IsValidBadgeCode(badgeCode) {
			return model.RewardItem{}, fmt.Errorf("%w: invalid badge code %q", model.ErrInvalidReference, badgeCode)
		}
	case model.RewardPhysical, model.RewardDigital:
		badgeCode = ""
	default:
		return model.RewardItem{}, fmt.Errorf("%w: unknown reward type %q", model.ErrInvalidCause, p.RewardType)
	}
	if p.PointsCost < 0 {
		return model.RewardItem{}, model.ErrInvalidAmount
	}
	if p.CopiesAvailable != nil && *p.CopiesAvailable < 0 {
		return model.RewardItem{}, model.ErrInvalidAmount
	}

	item := model.RewardItem{
		ID:              uuid.New(),
		Name:            name,
		RewardType:      p.RewardType,
		BadgeCode:       badgeCode,
		PointsCost:      p.PointsCost,
		CopiesAvailable: p.CopiesAvailable,
		IsActive:        true,
		CreatedAt:       s.now(),
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateRewardItem(ctx, item)
	})
	if err != nil {
		return model.RewardItem{}, fmt.Errorf("create reward item: %w", err)
	}
	return item, nil
}

// GetRewardItem возвращает позицию каталога.
func (s *Service) GetRewardItem(ctx context.Context, id uuid.UUID) (model.RewardItem, error) {
	return s.store.GetRewardItem(ctx, id)
}

// ListRewardItems возвращает каталог. activeOnly скрывает снятые позиции.
func (s *Service) ListRewardItems(ctx context.Context, activeOnly bool) ([]model.RewardItem, error) {
	items, err := s.store.ListRewardItems(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list reward items: %w", err)
	}
	return items, nil
}

// Redeem создаёт заявку: резервирует экземпляр, списывает баллы и записывает
// аудит одной транзакцией. Баллы списываются сразу, до рассмотрения заявки.
func (s *Service) Redeem(ctx context.Context, userID string, itemID uuid.UUID) (RedemptionResult, error) {
	if strings.TrimSpace(userID) == "" {
		return RedemptionResult{}, fmt.Errorf("%w: user id is empty", model.ErrInvalidReference)
	}

	var res RedemptionResult
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		item, err := tx.ReserveCopy(ctx, itemID)
		if err != nil {
			return err
		}

		now := s.now()
		r := model.Redemption{
			ID:           uuid.New(),
			UserID:       userID,
			RewardItemID: item.ID,
			PointsSpent:  item.PointsCost,
			Status:       model.RedemptionPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		posted, err := s.post(ctx, tx, posting{
			userID:      userID,
			currency:    model.CurrencyPoints,
			typ:         model.LedgerSpent,
			delta:       -item.PointsCost,
			ref:         model.RedemptionRef(r.ID),
			description: "Redeemed " + item.Name,
		})
		if err != nil {
			return err
		}

		if err := tx.CreateRedemption(ctx, r); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, model.AuditEntry{
			RedemptionID: r.ID,
			Action:       model.AuditCreated,
			NewStatus:    r.Status,
			ChangedBy:    userID,
		}, map[string]any{"points_spent": r.PointsSpent, "reward_item_id": item.ID}); err != nil {
			return err
		}

		res = RedemptionResult{Redemption: r, Balance: posted.Balance, Entry: posted.Entry}
		return s.emit(ctx, tx, model.NotifyRedemptionCreated, userID, redemptionNotice{Redemption: r})
	})
	if err != nil {
		return RedemptionResult{}, fmt.Errorf("redeem %s: %w", itemID, err)
	}

	s.logger.Info("Redemption created",
		zap.String("user_id", userID),
		zap.String("redemption_id", res.Redemption.ID.String()),
		zap.Int64("points_spent", res.Redemption.PointsSpent),
	)
	return res, nil
}

// Approve переводит заявку в APPROVED.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actorID, notes string) (model.Redemption, error) {
	return s.Transition(ctx, TransitionParams{RedemptionID: id, To: model.RedemptionApproved, ActorID: actorID, Notes: notes})
}

// Decline отклоняет заявку и возвращает баллы и экземпляр.
func (s *Service) Decline(ctx context.Context, id uuid.UUID, actorID, reason string) (model.Redemption, error) {
	return s.Transition(ctx, TransitionParams{RedemptionID: id, To: model.RedemptionDeclined, ActorID: actorID, Reason: reason})
}

// Fulfill отмечает выдачу награды.
func (s *Service) Fulfill(ctx context.Context, id uuid.UUID, actorID, notes string) (model.Redemption, error) {
	return s.Transition(ctx, TransitionParams{RedemptionID: id, To: model.RedemptionFulfilled, ActorID: actorID, Notes: notes})
}

// Cancel отменяет собственную заявку пользователя.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, userID, reason string) (model.Redemption, error) {
	return s.Transition(ctx, TransitionParams{RedemptionID: id, To: model.RedemptionCancelled, ActorID: userID, OwnerID: userID, Reason: reason})
}

// Transition выполняет охраняемую смену статуса. Из двух конкурирующих запросов
// изменение применяет ровно один, второй получает model.ErrAlreadyProcessed.
// Отклонение и отмена возвращают баллы и экземпляр в той же транзакции.
func (s *Service) Transition(ctx context.Context, p TransitionParams) (model.Redemption, error) {
	if !p.To.Valid() || p.To == model.RedemptionPending {
		return model.Redemption{}, &model.InvalidTransitionError{To: p.To}
	}
	if strings.TrimSpace(p.ActorID) == "" {
		return model.Redemption{}, fmt.Errorf("%w: actor is required", model.ErrInvalidReference)
	}

	var (
		updated  model.Redemption
		old      model.RedemptionStatus
		refunded int64
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.GetRedemption(ctx, p.RedemptionID)
		if err != nil {
			return err
		}
		if p.OwnerID != "" && current.UserID != p.OwnerID {
			return model.ErrNotFound
		}
		if !model.CanTransition(current.Status, p.To) {
			if current.Status.ReleasesReservation() && p.To.ReleasesReservation() {
				// заявку уже отклонил или отменил другой запрос
				return fmt.Errorf("%w: redemption is %s", model.ErrAlreadyProcessed, current.Status)
			}
			return &model.InvalidTransitionError{From: current.Status, To: p.To}
		}

		// Условие на прочитанный статус: журнал аудита фиксирует именно тот
		// переход, который выполнило обновление.
		updated, err = tx.TransitionRedemption(ctx, repository.RedemptionUpdate{
			ID:         p.RedemptionID,
			From:       []model.RedemptionStatus{current.Status},
			To:         p.To,
			ReviewedBy: p.ActorID,
			Reason:     p.Reason,
			Notes:      p.Notes,
			At:         s.now(),
		})
		if err != nil {
			return err
		}
		old = current.Status
		refunded = 0

		if p.To.ReleasesReservation() {
			if err := tx.ReleaseCopy(ctx, updated.RewardItemID); err != nil {
				return err
			}
			if updated.PointsSpent > 0 {
				res, err := s.refund(ctx, tx, RefundParams{
					UserID:      updated.UserID,
					Currency:    model.CurrencyPoints,
					Amount:      updated.PointsSpent,
					Ref:         model.RedemptionRef(updated.ID),
					Description: "Redemption " + strings.ToLower(string(p.To)),
				})
				if err != nil {
					return err
				}
				if !res.Replayed {
					refunded = res.Entry.Amount
				}
			}
		}

		if err := s.audit(ctx, tx, model.AuditEntry{
			RedemptionID: updated.ID,
			Action:       model.AuditStatusChanged,
			OldStatus:    old,
			NewStatus:    updated.Status,
			ChangedBy:    p.ActorID,
			Reason:       p.Reason,
		}, refundMetadata(refunded)); err != nil {
			return err
		}

		if p.To == model.RedemptionFulfilled {
			if err := s.applyFulfillment(ctx, tx, updated, p.ActorID); err != nil {
				return err
			}
		}

		return s.emit(ctx, tx, model.NotifyRedemptionStatus, updated.UserID,
			redemptionNotice{Redemption: updated, OldStatus: old, Refunded: refunded})
	})
	if err != nil {
		return model.Redemption{}, fmt.Errorf("transition redemption %s to %s: %w", p.RedemptionID, p.To, err)
	}

	s.logger.Info("Redemption status changed",
		zap.String("redemption_id", updated.ID.String()),
		zap.String("from", string(old)),
		zap.String("to", string(updated.Status)),
		zap.String("actor", p.ActorID),
		zap.Int64("refunded", refunded),
	)
	return updated, nil
}

// Grant выдаёт награду без списания баллов: заявка сразу создаётся в FULFILLED,
// в журнал пишется нулевая запись REWARD_GRANTED, в аудит MANUAL_GRANT.
func (s *Service) Grant(ctx context.Context, p GrantParams) (model.Redemption, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return model.Redemption{}, fmt.Errorf("%w: user id is empty", model.ErrInvalidReference)
	}
	if strings.TrimSpace(p.ActorID) == "" {
		return model.Redemption{}, fmt.Errorf("%w: actor is required", model.ErrInvalidReference)
	}

	var r model.Redemption
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		item, err := tx.GetRewardItem(ctx, p.RewardItemID)
		if err != nil {
			return err
		}

		now := s.now()
		r = model.Redemption{
			ID:           uuid.New(),
			UserID:       p.UserID,
			RewardItemID: item.ID,
			Status:       model.RedemptionFulfilled,
			ReviewedBy:   p.ActorID,
			ReviewedAt:   &now,
			Notes:        p.Notes,
			FulfilledAt:  &now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if _, err := s.post(ctx, tx, posting{
			userID:      p.UserID,
			currency:    model.CurrencyPoints,
			typ:         model.LedgerRewardGranted,
			delta:       0,
			ref:         model.RedemptionRef(r.ID),
			description: "Granted " + item.Name,
		}); err != nil {
			return err
		}
		if err := tx.CreateRedemption(ctx, r); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, model.AuditEntry{
			RedemptionID: r.ID,
			Action:       model.AuditManualGrant,
			NewStatus:    r.Status,
			ChangedBy:    p.ActorID,
			Reason:       p.Notes,
		}, map[string]any{"reward_item_id": item.ID}); err != nil {
			return err
		}
		if err := s.applyFulfillment(ctx, tx, r, p.ActorID); err != nil {
			return err
		}
		return s.emit(ctx, tx, model.NotifyRewardGranted, p.UserID, redemptionNotice{Redemption: r})
	})
	if err != nil {
		return model.Redemption{}, fmt.Errorf("grant reward %s: %w", p.RewardItemID, err)
	}

	s.logger.Info("Reward granted",
		zap.String("user_id", p.UserID),
		zap.String("redemption_id", r.ID.String()),
		zap.String("actor", p.ActorID),
	)
	return r, nil
}

// GetRedemption возвращает заявку. Если ownerID задан, чужая заявка считается отсутствующей.
func (s *Service) GetRedemption(ctx context.Context, id uuid.UUID, ownerID string) (model.Redemption, error) {
	r, err := s.store.GetRedemption(ctx, id)
	if err != nil {
		return model.Redemption{}, err
	}
	if ownerID != "" && r.UserID != ownerID {
		return model.Redemption{}, model.ErrNotFound
	}
	return r, nil
}

// ListRedemptions возвращает заявки пользователя или все заявки при пустом userID.
func (s *Service) ListRedemptions(ctx context.Context, userID string, limit int) ([]model.Redemption, error) {
	res, err := s.store.ListRedemptions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	return res, nil
}

// ListAudit возвращает историю заявки в порядке записи.
func (s *Service) ListAudit(ctx context.Context, redemptionID uuid.UUID) ([]model.AuditEntry, error) {
	if _, err := s.store.GetRedemption(ctx, redemptionID); err != nil {
		return nil, err
	}
	res, err := s.store.ListAudit(ctx, redemptionID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return res, nil
}

// ListBadges возвращает значки пользователя.
func (s *Service) ListBadges(ctx context.Context, userID string) ([]model.Badge, error) {
	res, err := s.store.ListBadges(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	return res, nil
}

// applyFulfillment выдаёт значок за награду типа BADGE. Повторная выдача того же значка не аудируется.
func (s *Service) applyFulfillment(ctx context.Context, tx repository.Tx, r model.Redemption, actorID string) error {
	item, err := tx.GetRewardItem(ctx, r.RewardItemID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: reward item %s vanished", model.ErrStaleState, r.RewardItemID)
		}
		return err
	}
	if item.RewardType != model.RewardBadge || item.BadgeCode == "" {
		return nil
	}

	created, err := tx.GrantBadge(ctx, r.UserID, item.BadgeCode, s.now())
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.audit(ctx, tx, model.AuditEntry{
		RedemptionID: r.ID,
		Action:       model.AuditBadgeGranted,
		NewStatus:    r.Status,
		ChangedBy:    actorID,
	}, map[string]any{"badge_code": item.BadgeCode})
}

func (s *Service) audit(ctx context.Context, tx repository.Tx, entry model.AuditEntry, metadata map[string]any) error {
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		entry.Metadata = raw
	}
	entry.ID = uuid.New()
	entry.CreatedAt = s.now()
	return tx.AppendAudit(ctx, entry)
}

func refundMetadata(refunded int64) map[string]any {
	if refunded == 0 {
		return nil
	}
	return map[string]any{"points_refunded": refunded}
}
