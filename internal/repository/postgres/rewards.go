package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
)

const rewardColumns = `id, name, reward_type, badge_code, points_cost,
	copies_available, copies_redeemed, is_active, created_at`

const redemptionColumns = `id, user_id, reward_item_id, points_spent, status, reviewed_by, reviewed_at,
	rejection_reason, notes, fulfilled_at, created_at, updated_at`

// CreateRewardItem добавляет позицию в каталог наград.
func (t *pgTx) CreateRewardItem(ctx context.Context, item model.RewardItem) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO reward_items (`+rewardColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.Name, string(item.RewardType), item.BadgeCode, item.PointsCost,
		item.CopiesAvailable, item.CopiesRedeemed, item.IsActive, item.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: reward item %s", model.ErrDuplicate, item.ID)
		}
		return fmt.Errorf("insert reward item: %w", err)
	}
	return nil
}

// GetRewardItem возвращает позицию каталога.
func (q queries) GetRewardItem(ctx context.Context, id uuid.UUID) (model.RewardItem, error) {
	row := q.q.QueryRow(ctx, `SELECT `+rewardColumns+` FROM reward_items WHERE id = $1`, id)
	item, err := scanRewardItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RewardItem{}, model.ErrNotFound
		}
		return model.RewardItem{}, err
	}
	return item, nil
}

// ListRewardItems возвращает каталог в порядке добавления.
func (q queries) ListRewardItems(ctx context.Context, activeOnly bool) ([]model.RewardItem, error) {
	rows, err := q.q.Query(ctx,
		`SELECT `+rewardColumns+`
		 FROM reward_items
		 WHERE is_active OR NOT $1::boolean
		 ORDER BY created_at, name`,
		activeOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("select reward items: %w", err)
	}
	defer rows.Close()

	var res []model.RewardItem
	for rows.Next() {
		item, err := scanRewardItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ReserveCopy резервирует экземпляр условным UPDATE: два параллельных
// запроса на последний экземпляр не могут оба затронуть строку.
func (t *pgTx) ReserveCopy(ctx context.Context, itemID uuid.UUID) (model.RewardItem, error) {
	row := t.q.QueryRow(ctx,
		`UPDATE reward_items SET copies_redeemed = copies_redeemed + 1
		 WHERE id = $1
		   AND is_active
		   AND (copies_available IS NULL OR copies_redeemed < copies_available)
		 RETURNING `+rewardColumns,
		itemID,
	)
	item, err := scanRewardItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.RewardItem{}, fmt.Errorf("reserve copy: %w", err)
	}

	current, err := t.GetRewardItem(ctx, itemID)
	if err != nil {
		return model.RewardItem{}, err
	}
	if !current.IsActive {
		return model.RewardItem{}, model.ErrRewardInactive
	}
	return model.RewardItem{}, model.ErrOutOfStock
}

// ReleaseCopy освобождает зарезервированный экземпляр.
func (t *pgTx) ReleaseCopy(ctx context.Context, itemID uuid.UUID) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE reward_items SET copies_redeemed = copies_redeemed - 1
		 WHERE id = $1 AND copies_redeemed > 0`,
		itemID,
	)
	if err != nil {
		return fmt.Errorf("release copy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: release copy of %s", model.ErrStaleState, itemID)
	}
	return nil
}

func scanRewardItem(row scanner) (model.RewardItem, error) {
	var (
		item       model.RewardItem
		rewardType string
	)
	err := row.Scan(&item.ID, &item.Name, &rewardType, &item.BadgeCode, &item.PointsCost,
		&item.CopiesAvailable, &item.CopiesRedeemed, &item.IsActive, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RewardItem{}, err
		}
		return model.RewardItem{}, fmt.Errorf("scan reward item: %w", err)
	}
	item.RewardType = model.RewardType(rewardType)
	return item, nil
}

// CreateRedemption сохраняет новую заявку.
func (t *pgTx) CreateRedemption(ctx context.Context, r model.Redemption) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO redemptions (`+redemptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.UserID, r.RewardItemID, r.PointsSpent, string(r.Status), r.ReviewedBy, r.ReviewedAt,
		r.RejectionReason, r.Notes, r.FulfilledAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: redemption %s", model.ErrDuplicate, r.ID)
		}
		return fmt.Errorf("insert redemption: %w", err)
	}
	return nil
}

// GetRedemption возвращает заявку по идентификатору.
func (q queries) GetRedemption(ctx context.Context, id uuid.UUID) (model.Redemption, error) {
	row := q.q.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE id = $1`, id)
	r, err := scanRedemption(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Redemption{}, model.ErrNotFound
		}
		return model.Redemption{}, err
	}
	return r, nil
}

// ListRedemptions возвращает заявки пользователя, а при пустом userID: все заявки.
func (q queries) ListRedemptions(ctx context.Context, userID string, limit int) ([]model.Redemption, error) {
	rows, err := q.q.Query(ctx,
		`SELECT `+redemptionColumns+`
		 FROM redemptions
		 WHERE $1::text = '' OR user_id = $1::text
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, repository.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// TransitionRedemption выполняет охраняемый переход: предыдущий статус входит в WHERE.
func (t *pgTx) TransitionRedemption(ctx context.Context, u repository.RedemptionUpdate) (model.Redemption, error) {
	from := make([]string, 0, len(u.From))
	for _, s := range u.From {
		from = append(from, string(s))
	}

	row := t.q.QueryRow(ctx,
		`UPDATE redemptions SET
			status = $2::text,
			updated_at = $3::timestamptz,
			reviewed_by = CASE WHEN $4::text <> '' THEN $4::text ELSE reviewed_by END,
			reviewed_at = CASE WHEN $4::text <> '' THEN $3::timestamptz ELSE reviewed_at END,
			rejection_reason = CASE WHEN $5::text <> '' THEN $5::text ELSE rejection_reason END,
			notes = CASE WHEN $6::text <> '' THEN $6::text ELSE notes END,
			fulfilled_at = CASE WHEN $2::text = 'FULFILLED' THEN $3::timestamptz ELSE fulfilled_at END
		 WHERE id = $1 AND status = ANY($7::text[])
		 RETURNING `+redemptionColumns,
		u.ID, string(u.To), u.At, u.ReviewedBy, u.Reason, u.Notes, from,
	)
	r, err := scanRedemption(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Redemption{}, fmt.Errorf("transition redemption: %w", err)
	}

	var exists bool
	if err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM redemptions WHERE id = $1)`, u.ID,
	).Scan(&exists); err != nil {
		return model.Redemption{}, fmt.Errorf("check redemption: %w", err)
	}
	if !exists {
		return model.Redemption{}, fmt.Errorf("%w: redemption %s vanished", model.ErrStaleState, u.ID)
	}
	return model.Redemption{}, model.ErrAlreadyProcessed
}

func scanRedemption(row scanner) (model.Redemption, error) {
	var (
		r      model.Redemption
		status string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.RewardItemID, &r.PointsSpent, &status, &r.ReviewedBy, &r.ReviewedAt,
		&r.RejectionReason, &r.Notes, &r.FulfilledAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Redemption{}, err
		}
		return model.Redemption{}, fmt.Errorf("scan redemption: %w", err)
	}
	r.Status = model.RedemptionStatus(status)
	return r, nil
}

// AppendAudit добавляет запись журнала аудита.
func (t *pgTx) AppendAudit(ctx context.Context, a model.AuditEntry) error {
	var metadata []byte
	if len(a.Metadata) > 0 {
		metadata = a.Metadata
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO redemption_audit_log
			(id, redemption_id, action_type, old_status, new_status, changed_by, reason, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.RedemptionID, string(a.Action), string(a.OldStatus), string(a.NewStatus),
		a.ChangedBy, a.Reason, metadata, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit возвращает историю заявки в хронологическом порядке.
func (q queries) ListAudit(ctx context.Context, redemptionID uuid.UUID) ([]model.AuditEntry, error) {
	rows, err := q.q.Query(ctx,
		`SELECT id, redemption_id, action_type, old_status, new_status, changed_by, reason, metadata, created_at
		 FROM redemption_audit_log
		 WHERE redemption_id = $1
		 ORDER BY created_at, id`,
		redemptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select audit log: %w", err)
	}
	defer rows.Close()

	var res []model.AuditEntry
	for rows.Next() {
		var (
			a                    model.AuditEntry
			action, oldSt, newSt string
			metadata             []byte
		)
		if err := rows.Scan(&a.ID, &a.RedemptionID, &action, &oldSt, &newSt,
			&a.ChangedBy, &a.Reason, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		a.Action = model.AuditAction(action)
		a.OldStatus = model.RedemptionStatus(oldSt)
		a.NewStatus = model.RedemptionStatus(newSt)
		a.Metadata = metadata
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GrantBadge выдаёт значок один раз на пару (user_id, badge_code).
func (t *pgTx) GrantBadge(ctx context.Context, userID, code string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO user_badges (user_id, badge_code, awarded_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, badge_code) DO NOTHING`,
		userID, code, at,
	)
	if err != nil {
		return false, fmt.Errorf("grant badge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListBadges возвращает значки пользователя.
func (q queries) ListBadges(ctx context.Context, userID string) ([]model.Badge, error) {
	rows, err := q.q.Query(ctx,
		`SELECT user_id, badge_code, awarded_at FROM user_badges WHERE user_id = $1 ORDER BY badge_code`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select badges: %w", err)
	}
	defer rows.Close()

	var res []model.Badge
	for rows.Next() {
		var b model.Badge
		if err := rows.Scan(&b.UserID, &b.Code, &b.AwardedAt); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		res = append(res, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
