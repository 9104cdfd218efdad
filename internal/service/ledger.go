package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
)

// AwardParams описывает начисление за активность на платформе.
type AwardParams struct {
	UserID   string
	Currency model.Currency
	Amount   int64
	Event    string
	Ref      model.Ref
}

// SpendParams описывает списание на продвижение или другую цель.
type SpendParams struct {
	UserID      string
	Currency    model.Currency
	Amount      int64
	Cause       model.LedgerType
	Ref         model.Ref
	Description string
}

// PurchaseParams описывает зачисление купленных кредитов по подтверждённому платежу.
type PurchaseParams struct {
	UserID      string
	Currency    model.Currency
	Amount      int64
	PaymentID   string
	Description string
}

// RefundParams описывает возврат ранее списанной суммы.
type RefundParams struct {
	UserID      string
	Currency    model.Currency
	Amount      int64
	Ref         model.Ref
	Description string
}

// AdjustParams описывает ручную корректировку остатка администратором.
type AdjustParams struct {
	UserID   string
	Currency model.Currency
	Delta    int64
	ActorID  string
	Reason   string
}

type ledgerNotice struct {
	Entry   model.LedgerEntry `json:"entry"`
	Balance model.Balance     `json:"balance"`
}

// Award начисляет положительную сумму. По умолчанию начисляются баллы.
func (s *Service) Award(ctx context.Context, p AwardParams) (Result, error) {
	if p.Currency == "" {
		p.Currency = model.CurrencyPoints
	}
	if err := validateAccount(p.UserID, p.Currency); err != nil {
		return Result{}, err
	}
	if p.Amount <= 0 {
		return Result{}, model.ErrInvalidAmount
	}
	if err := p.Ref.Validate(); err != nil {
		return Result{}, err
	}

	return s.postAndNotify(ctx, posting{
		userID:   p.UserID,
		currency: p.Currency,
		typ:      model.LedgerEarned,
		delta:    p.Amount,
		ref:      p.Ref,
		event:    p.Event,
	}, model.NotifyPointsAwarded)
}

// AwardForEvent начисляет баллы по таблице model.PointRules.
func (s *Service) AwardForEvent(ctx context.Context, userID string, event model.PlatformEvent, ref model.Ref) (Result, error) {
	amount, ok := model.PointRules[event]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown platform event %q", model.ErrInvalidCause, event)
	}
	return s.Award(ctx, AwardParams{
		UserID:   userID,
		Currency: model.CurrencyPoints,
		Amount:   amount,
		Event:    string(event),
		Ref:      ref,
	})
}

// Spend списывает сумму, если остатка хватает. По умолчанию списываются кредиты.
// Ссылка должна соответствовать причине: продвижение питча ссылается на питч,
// спонсорство на клуб.
func (s *Service) Spend(ctx context.Context, p SpendParams) (Result, error) {
	if p.Currency == "" {
		p.Currency = model.CurrencyCredits
	}
	if p.Cause == "" {
		p.Cause = model.LedgerSpent
	}
	if err := validateAccount(p.UserID, p.Currency); err != nil {
		return Result{}, err
	}
	if p.Amount <= 0 {
		return Result{}, model.ErrInvalidAmount
	}
	if !p.Cause.IsSpendCause() {
		return Result{}, fmt.Errorf("%w: %s is not a spend cause", model.ErrInvalidCause, p.Cause)
	}
	if err := validateRef(p.Cause, p.Ref); err != nil {
		return Result{}, err
	}
	if p.Ref.Kind == model.RefRedemption {
		// списания по заявкам проводит только Redeem
		return Result{}, fmt.Errorf("%w: redemption references are reserved", model.ErrInvalidReference)
	}

	return s.postAndNotify(ctx, posting{
		userID:      p.UserID,
		currency:    p.Currency,
		typ:         p.Cause,
		delta:       -p.Amount,
		ref:         p.Ref,
		description: p.Description,
	}, model.NotifyBalanceSpent)
}

// Purchase зачисляет купленные кредиты (или баллы, если валюта указана явно).
// Операция идемпотентна по PaymentID: повторная доставка того же платежа
// возвращает исходную запись с Replayed.
func (s *Service) Purchase(ctx context.Context, p PurchaseParams) (Result, error) {
	if p.Currency == "" {
		p.Currency = model.CurrencyCredits
	}
	if err := validateAccount(p.UserID, p.Currency); err != nil {
		return Result{}, err
	}
	if p.Amount <= 0 {
		return Result{}, model.ErrInvalidAmount
	}
	ref := model.PaymentRef(strings.TrimSpace(p.PaymentID))
	if err := ref.Validate(); err != nil {
		return Result{}, err
	}

	var res Result
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		existing, err := tx.FindLedgerByRef(ctx, model.LedgerPurchase, ref)
		if err == nil {
			balance, err := tx.GetBalance(ctx, existing.UserID)
			if err != nil {
				return err
			}
			res = Result{Balance: balance, Entry: existing, Replayed: true}
			return nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		res, err = s.post(ctx, tx, posting{
			userID:      p.UserID,
			currency:    p.Currency,
			typ:         model.LedgerPurchase,
			delta:       p.Amount,
			ref:         ref,
			description: p.Description,
		})
		if err != nil {
			return err
		}
		return s.emit(ctx, tx, model.NotifyCreditsPurchased, p.UserID, ledgerNotice{Entry: res.Entry, Balance: res.Balance})
	})
	if errors.Is(err, model.ErrDuplicate) {
		// параллельная доставка того же платежа успела зафиксироваться первой
		return s.GetPurchase(ctx, ref.ID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("purchase %s: %w", ref.ID, err)
	}

	if res.Replayed && (res.Entry.UserID != p.UserID || res.Entry.Amount != p.Amount) {
		s.logger.Warn("Replayed purchase differs from recorded one",
			zap.String("payment_id", ref.ID),
			zap.String("recorded_user", res.Entry.UserID),
			zap.Int64("recorded_amount", res.Entry.Amount),
			zap.String("requested_user", p.UserID),
			zap.Int64("requested_amount", p.Amount),
		)
	}
	return res, nil
}

// GetPurchase возвращает результат ранее проведённой покупки.
func (s *Service) GetPurchase(ctx context.Context, paymentID string) (Result, error) {
	ref := model.PaymentRef(strings.TrimSpace(paymentID))
	if err := ref.Validate(); err != nil {
		return Result{}, err
	}

	entry, err := s.store.FindLedgerByRef(ctx, model.LedgerPurchase, ref)
	if err != nil {
		return Result{}, err
	}
	balance, err := s.store.GetBalance(ctx, entry.UserID)
	if err != nil {
		return Result{}, err
	}
	return Result{Balance: balance, Entry: entry, Replayed: true}, nil
}

// Refund возвращает баллы, списанные за отклонённую или отменённую заявку.
// Ссылка указывает на заявку, сумма не может превышать исходное списание.
// Операция идемпотентна по ссылке: повторный вызов возвращает исходную
// запись с Replayed и ничего не зачисляет.
func (s *Service) Refund(ctx context.Context, p RefundParams) (Result, error) {
	if p.Currency == "" {
		p.Currency = model.CurrencyPoints
	}
	if err := validateAccount(p.UserID, p.Currency); err != nil {
		return Result{}, err
	}
	if p.Amount <= 0 {
		return Result{}, model.ErrInvalidAmount
	}
	if p.Ref.IsZero() {
		return Result{}, fmt.Errorf("%w: refund must reference the original operation", model.ErrInvalidReference)
	}
	if err := validateRef(model.LedgerRewardRefunded, p.Ref); err != nil {
		return Result{}, err
	}

	var res Result
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		res, err = s.refund(ctx, tx, p)
		if err != nil || res.Replayed {
			return err
		}
		return s.emit(ctx, tx, model.NotifyBalanceRefunded, p.UserID, ledgerNotice{Entry: res.Entry, Balance: res.Balance})
	})
	if errors.Is(err, model.ErrDuplicate) {
		// параллельный возврат по той же ссылке зафиксировался первым
		return s.recordedRefund(ctx, p.Ref)
	}
	if err != nil {
		return Result{}, fmt.Errorf("refund %s: %w", p.Ref, err)
	}
	return res, nil
}

// refund проводит возврат внутри транзакции tx. Заявка по ссылке должна быть
// отклонена или отменена.
func (s *Service) refund(ctx context.Context, tx repository.Tx, p RefundParams) (Result, error) {
	existing, err := tx.FindLedgerByRef(ctx, model.LedgerRewardRefunded, p.Ref)
	if err == nil {
		if existing.UserID != p.UserID {
			return Result{}, fmt.Errorf("%w: %s was refunded to another user", model.ErrInvalidReference, p.Ref)
		}
		if existing.Amount != p.Amount {
			s.logger.Warn("Replayed refund differs from recorded one",
				zap.String("ref", p.Ref.String()),
				zap.String("user_id", p.UserID),
				zap.Int64("recorded_amount", existing.Amount),
				zap.Int64("requested_amount", p.Amount),
			)
		}
		balance, err := tx.GetBalance(ctx, existing.UserID)
		if err != nil {
			return Result{}, err
		}
		return Result{Balance: balance, Entry: existing, Replayed: true}, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return Result{}, err
	}

	id, err := uuid.Parse(p.Ref.ID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s is not a redemption id", model.ErrInvalidReference, p.Ref)
	}
	red, err := tx.GetRedemption(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: redemption %s does not exist", model.ErrInvalidReference, id)
	}
	if err != nil {
		return Result{}, err
	}
	if red.UserID != p.UserID {
		return Result{}, fmt.Errorf("%w: redemption %s belongs to another user", model.ErrInvalidReference, id)
	}
	if !red.Status.ReleasesReservation() {
		return Result{}, fmt.Errorf("%w: redemption %s is %s", model.ErrInvalidReference, id, red.Status)
	}

	spent, err := tx.FindLedgerByRef(ctx, model.LedgerSpent, p.Ref)
	if errors.Is(err, model.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: nothing was spent on %s", model.ErrInvalidReference, p.Ref)
	}
	if err != nil {
		return Result{}, err
	}
	if spent.UserID != p.UserID || spent.Currency != p.Currency || p.Amount > -spent.Amount {
		return Result{}, fmt.Errorf("%w: refund of %d %s exceeds the original debit of %d %s",
			model.ErrInvalidAmount, p.Amount, p.Currency, -spent.Amount, spent.Currency)
	}

	return s.post(ctx, tx, posting{
		userID:      p.UserID,
		currency:    p.Currency,
		typ:         model.LedgerRewardRefunded,
		delta:       p.Amount,
		ref:         p.Ref,
		description: p.Description,
	})
}

func (s *Service) recordedRefund(ctx context.Context, ref model.Ref) (Result, error) {
	entry, err := s.store.FindLedgerByRef(ctx, model.LedgerRewardRefunded, ref)
	if err != nil {
		return Result{}, fmt.Errorf("refund %s: %w", ref, err)
	}
	balance, err := s.store.GetBalance(ctx, entry.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("refund %s: %w", ref, err)
	}
	return Result{Balance: balance, Entry: entry, Replayed: true}, nil
}

// Adjust применяет ручную корректировку. Отрицательная корректировка подчиняется
// тому же условному списанию, что и обычные траты.
func (s *Service) Adjust(ctx context.Context, p AdjustParams) (Result, error) {
	if err := validateAccount(p.UserID, p.Currency); err != nil {
		return Result{}, err
	}
	if p.Delta == 0 {
		return Result{}, model.ErrInvalidAmount
	}
	if strings.TrimSpace(p.ActorID) == "" {
		return Result{}, fmt.Errorf("%w: actor is required", model.ErrInvalidReference)
	}

	res, err := s.postAndNotify(ctx, posting{
		userID:      p.UserID,
		currency:    p.Currency,
		typ:         model.LedgerAdminAdjustment,
		delta:       p.Delta,
		ref:         model.AdminRef(p.ActorID),
		description: p.Reason,
	}, model.NotifyBalanceAdjusted)
	if err != nil {
		return Result{}, err
	}

	s.logger.Info("Balance adjusted",
		zap.String("user_id", p.UserID),
		zap.String("currency", string(p.Currency)),
		zap.Int64("delta", p.Delta),
		zap.String("actor", p.ActorID),
	)
	return res, nil
}

// GetBalance возвращает остатки пользователя. Пользователь без операций имеет нулевые остатки.
func (s *Service) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	if strings.TrimSpace(userID) == "" {
		return model.Balance{}, fmt.Errorf("%w: user id is empty", model.ErrInvalidReference)
	}

	b, err := s.store.GetBalance(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Balance{UserID: userID}, nil
	}
	if err != nil {
		return model.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// ListLedger возвращает журнал пользователя, новые записи первыми.
func (s *Service) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	entries, err := s.store.ListLedger(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	return entries, nil
}

// Reconcile сверяет материализованные остатки с суммой журнала по обеим валютам.
func (s *Service) Reconcile(ctx context.Context, userID string) ([]model.Reconciliation, error) {
	var res []model.Reconciliation
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		balance, err := tx.GetBalance(ctx, userID)
		if errors.Is(err, model.ErrNotFound) {
			balance = model.Balance{UserID: userID}
		} else if err != nil {
			return err
		}

		res = res[:0]
		for _, c := range []model.Currency{model.CurrencyPoints, model.CurrencyCredits} {
			sum, err := tx.SumLedger(ctx, userID, c)
			if err != nil {
				return err
			}
			res = append(res, model.Reconciliation{
				UserID:    userID,
				Currency:  c,
				Balance:   balance.Of(c),
				LedgerSum: sum,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", userID, err)
	}

	for _, r := range res {
		if !r.Consistent() {
			s.logger.Error("Balance does not match ledger",
				zap.String("user_id", r.UserID),
				zap.String("currency", string(r.Currency)),
				zap.Int64("balance", r.Balance),
				zap.Int64("ledger_sum", r.LedgerSum),
			)
		}
	}
	return res, nil
}

func (s *Service) postAndNotify(ctx context.Context, p posting, eventType string) (Result, error) {
	var res Result
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		res, err = s.post(ctx, tx, p)
		if err != nil {
			return err
		}
		return s.emit(ctx, tx, eventType, p.userID, ledgerNotice{Entry: res.Entry, Balance: res.Balance})
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", strings.ToLower(string(p.typ)), p.currency, err)
	}
	return res, nil
}

func validateAccount(userID string, currency model.Currency) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is empty", model.ErrInvalidReference)
	}
	if !currency.Valid() {
		return fmt.Errorf("%w: unknown currency %q", model.ErrInvalidCause, currency)
	}
	return nil
}

func validateRef(cause model.LedgerType, ref model.Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	want := model.ExpectedRefKind(cause)
	if want == model.RefNone {
		return nil
	}
	if ref.Kind != want {
		return fmt.Errorf("%w: %s requires a %s reference", model.ErrInvalidReference, cause, want)
	}
	return nil
}
