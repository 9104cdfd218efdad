package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
)

const outboxColumns = `id, event_type, user_id, payload, status, attempt_count, next_attempt_at,
	lease_owner, lease_expires_at, last_error, delivered_at, created_at`

// EnqueueOutbox записывает событие в той же транзакции, что и изменение баланса.
func (t *pgTx) EnqueueOutbox(ctx context.Context, ev model.OutboxEvent) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO outbox_events (id, event_type, user_id, payload, status, attempt_count, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		ev.ID, ev.EventType, ev.UserID, []byte(ev.Payload), string(model.OutboxPending), ev.NextAttemptAt, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// LeaseOutbox арендует готовые события. SKIP LOCKED позволяет нескольким
// доставщикам работать параллельно, не получая одно событие дважды.
func (s *Store) LeaseOutbox(ctx context.Context, consumer string, limit int, now time.Time, ttl time.Duration) ([]model.OutboxEvent, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE outbox_events SET
			status = $1,
			lease_owner = $2,
			lease_expires_at = $3
		 WHERE id IN (
			SELECT id FROM outbox_events
			WHERE (status = $4 AND next_attempt_at <= $5)
			   OR (status = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at <= $5)
			ORDER BY created_at, id
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		string(model.OutboxLeased), consumer, now.Add(ttl),
		string(model.OutboxPending), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lease outbox events: %w", err)
	}
	defer rows.Close()

	var res []model.OutboxEvent
	for rows.Next() {
		var (
			ev      model.OutboxEvent
			status  string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.UserID, &payload, &status, &ev.AttemptCount,
			&ev.NextAttemptAt, &ev.LeaseOwner, &ev.LeaseExpiresAt, &ev.LastError, &ev.DeliveredAt,
			&ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		ev.Status = model.OutboxStatus(status)
		ev.Payload = payload
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// MarkOutboxDelivered отмечает доставку, если аренда всё ещё принадлежит consumer.
func (s *Store) MarkOutboxDelivered(ctx context.Context, id uuid.UUID, consumer string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET
			status = $3,
			delivered_at = $4,
			lease_owner = '',
			lease_expires_at = NULL
		 WHERE id = $1 AND lease_owner = $2 AND status = $5`,
		id, consumer, string(model.OutboxDelivered), at, string(model.OutboxLeased),
	)
	if err != nil {
		return fmt.Errorf("mark outbox delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: outbox lease %s lost", model.ErrStaleState, id)
	}
	return nil
}

// MarkOutboxFailed фиксирует неудачную попытку и планирует следующую.
func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, consumer, lastErr string, nextAttempt time.Time, dead bool) error {
	status := model.OutboxPending
	if dead {
		status = model.OutboxDead
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET
			status = $3,
			attempt_count = attempt_count + 1,
			last_error = $4,
			next_attempt_at = $5,
			lease_owner = '',
			lease_expires_at = NULL
		 WHERE id = $1 AND lease_owner = $2 AND status = $6`,
		id, consumer, string(status), lastErr, nextAttempt, string(model.OutboxLeased),
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: outbox lease %s lost", model.ErrStaleState, id)
	}
	return nil
}
