package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
)

const ledgerColumns = `id, user_id, currency, type, amount, balance_before, balance_after,
	ref_kind, ref_id, event, description, created_at`

// GetBalance возвращает оба остатка аккаунта.
func (q queries) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	b := model.Balance{UserID: userID}
	err := q.q.QueryRow(ctx,
		`SELECT points, credit_balance FROM accounts WHERE user_id = $1`,
		userID,
	).Scan(&b.Points, &b.Credits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Balance{}, model.ErrNotFound
		}
		return model.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// Credit увеличивает остаток одной командой, создавая аккаунт при первом начислении.
func (t *pgTx) Credit(ctx context.Context, userID string, currency model.Currency, amount int64) (int64, int64, error) {
	col, err := balanceColumn(currency)
	if err != nil {
		return 0, 0, err
	}

	var after int64
	err = t.q.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO accounts (user_id, %[1]s) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE
		 SET %[1]s = accounts.%[1]s + EXCLUDED.%[1]s, updated_at = now()
		 RETURNING %[1]s`, col),
		userID, amount,
	).Scan(&after)
	if err != nil {
		return 0, 0, fmt.Errorf("credit %s: %w", col, err)
	}
	return after - amount, after, nil
}

// DebitIfSufficient списывает amount условным UPDATE. Повторное чтение после
// неудачи нужно только для отчёта об остатке и не участвует в решении.
func (t *pgTx) DebitIfSufficient(ctx context.Context, userID string, currency model.Currency, amount int64) (int64, int64, error) {
	col, err := balanceColumn(currency)
	if err != nil {
		return 0, 0, err
	}

	var after int64
	err = t.q.QueryRow(ctx, fmt.Sprintf(
		`UPDATE accounts SET %[1]s = %[1]s - $2, updated_at = now()
		 WHERE user_id = $1 AND %[1]s >= $2
		 RETURNING %[1]s`, col),
		userID, amount,
	).Scan(&after)
	if err == nil {
		return after + amount, after, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("debit %s: %w", col, err)
	}

	var current int64
	err = t.q.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM accounts WHERE user_id = $1`, col),
		userID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, model.ErrNotFound
		}
		return 0, 0, fmt.Errorf("read %s after failed debit: %w", col, err)
	}
	return 0, 0, &model.InsufficientBalanceError{Currency: currency, Current: current, Required: amount}
}

// AppendLedger добавляет запись журнала. Повтор платежа даёт model.ErrDuplicate.
func (t *pgTx) AppendLedger(ctx context.Context, e model.LedgerEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger_entries (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.UserID, string(e.Currency), string(e.Type), e.Amount, e.BalanceBefore, e.BalanceAfter,
		string(e.Ref.Kind), e.Ref.ID, e.Event, e.Description, e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ledger %s %s", model.ErrDuplicate, e.Type, e.Ref)
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// ListLedger возвращает последние записи журнала пользователя.
func (q queries) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := q.q.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, repository.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// SumLedger возвращает знаковую сумму записей журнала в указанной валюте.
func (q queries) SumLedger(ctx context.Context, userID string, currency model.Currency) (int64, error) {
	var sum int64
	err := q.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM ledger_entries WHERE user_id = $1 AND currency = $2`,
		userID, string(currency),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return sum, nil
}

// FindLedgerByRef ищет запись по типу и ссылке.
func (q queries) FindLedgerByRef(ctx context.Context, typ model.LedgerType, ref model.Ref) (model.LedgerEntry, error) {
	row := q.q.QueryRow(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries
		 WHERE type = $1 AND ref_kind = $2 AND ref_id = $3
		 ORDER BY created_at
		 LIMIT 1`,
		string(typ), string(ref.Kind), ref.ID,
	)
	e, err := scanLedger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerEntry{}, model.ErrNotFound
		}
		return model.LedgerEntry{}, err
	}
	return e, nil
}

func scanLedger(row scanner) (model.LedgerEntry, error) {
	var (
		e        model.LedgerEntry
		currency string
		typ      string
		refKind  string
	)
	err := row.Scan(&e.ID, &e.UserID, &currency, &typ, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&refKind, &e.Ref.ID, &e.Event, &e.Description, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerEntry{}, err
		}
		return model.LedgerEntry{}, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.Currency = model.Currency(currency)
	e.Type = model.LedgerType(typ)
	e.Ref.Kind = model.RefKind(refKind)
	return e, nil
}
