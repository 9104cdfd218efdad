package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := NewService(store, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick time.Duration
	)
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick += time.Millisecond
		return base.Add(tick)
	}
	return svc, store
}

func award(t *testing.T, svc *Service, userID string, currency model.Currency, amount int64) {
	t.Helper()
	_, err := svc.Award(context.Background(), AwardParams{UserID: userID, Currency: currency, Amount: amount})
	require.NoError(t, err)
}

func assertReconciled(t *testing.T, svc *Service, userID string) {
	t.Helper()
	recs, err := svc.Reconcile(context.Background(), userID)
	require.NoError(t, err)
	for _, r := range recs {
		assert.Truef(t, r.Consistent(), "%s balance %d, ledger sum %d", r.Currency, r.Balance, r.LedgerSum)
	}
}

func TestAward_CreatesAccountAndLedgerEntry(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	res, err := svc.Award(ctx, AwardParams{UserID: "u1", Amount: 50, Event: "SIGNUP"})
	require.NoError(t, err)

	assert.Equal(t, int64(50), res.Balance.Points)
	assert.Equal(t, int64(0), res.Balance.Credits)
	assert.Equal(t, model.LedgerEarned, res.Entry.Type)
	assert.Equal(t, model.CurrencyPoints, res.Entry.Currency)
	assert.Equal(t, int64(0), res.Entry.BalanceBefore)
	assert.Equal(t, int64(50), res.Entry.BalanceAfter)

	events := store.OutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.NotifyPointsAwarded, events[0].EventType)
	assert.Equal(t, "u1", events[0].UserID)
}

func TestAward_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    AwardParams
		want error
	}{
		{name: "zero amount", p: AwardParams{UserID: "u1", Amount: 0}, want: model.ErrInvalidAmount},
		{name: "negative amount", p: AwardParams{UserID: "u1", Amount: -5}, want: model.ErrInvalidAmount},
		{name: "empty user", p: AwardParams{Amount: 5}, want: model.ErrInvalidReference},
		{name: "unknown currency", p: AwardParams{UserID: "u1", Currency: "GOLD", Amount: 5}, want: model.ErrInvalidCause},
		{name: "bad ref", p: AwardParams{UserID: "u1", Amount: 5, Ref: model.Ref{Kind: "planet", ID: "x"}}, want: model.ErrInvalidReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Award(ctx, tt.p)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAwardForEvent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.AwardForEvent(ctx, "u1", model.EventReferral, model.ActivityRef("ref-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Balance.Points)
	assert.Equal(t, "REFERRAL", res.Entry.Event)

	_, err = svc.AwardForEvent(ctx, "u1", "DANCED", model.Ref{})
	assert.ErrorIs(t, err, model.ErrInvalidCause)
}

func TestSpend_InsufficientBalanceLeavesStateUntouched(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	award(t, svc, "u1", model.CurrencyCredits, 30)

	_, err := svc.Spend(ctx, SpendParams{
		UserID: "u1",
		Amount: 31,
		Cause:  model.LedgerBoostPitch,
		Ref:    model.PitchRef("p1"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	var ibe *model.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.Equal(t, int64(30), ibe.Current)
	assert.Equal(t, int64(31), ibe.Required)

	b, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Credits)

	entries, err := svc.ListLedger(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, store.OutboxEvents(), 1)
}

func TestSpend_UnknownAccountIsInsufficient(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Spend(context.Background(), SpendParams{UserID: "ghost", Amount: 1})
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
}

func TestSpend_ExactBalance(t *testing.T) {
	svc, _ := newTestService(t)
	award(t, svc, "u1", model.CurrencyCredits, 40)

	res, err := svc.Spend(context.Background(), SpendParams{
		UserID: "u1",
		Amount: 40,
		Cause:  model.LedgerSponsorClub,
		Ref:    model.ClubRef("c1"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance.Credits)
	assert.Equal(t, int64(-40), res.Entry.Amount)
	assert.Equal(t, model.LedgerSponsorClub, res.Entry.Type)
	assert.Equal(t, model.ClubRef("c1"), res.Entry.Ref)
}

func TestSpend_CauseAndReferenceChecks(t *testing.T) {
	svc, _ := newTestService(t)
	award(t, svc, "u1", model.CurrencyCredits, 100)
	ctx := context.Background()

	_, err := svc.Spend(ctx, SpendParams{UserID: "u1", Amount: 5, Cause: model.LedgerBoostPitch, Ref: model.ClubRef("c1")})
	assert.ErrorIs(t, err, model.ErrInvalidReference)

	_, err = svc.Spend(ctx, SpendParams{UserID: "u1", Amount: 5, Cause: model.LedgerPurchase})
	assert.ErrorIs(t, err, model.ErrInvalidCause)

	_, err = svc.Spend(ctx, SpendParams{UserID: "u1", Amount: 0})
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	b, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Credits)
}

func TestSpend_ConcurrentNeverOverdraws(t *testing.T) {
	svc, _ := newTestService(t)
	award(t, svc, "u1", model.CurrencyCredits, 100)

	const workers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failed    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Spend(context.Background(), SpendParams{UserID: "u1", Amount: 10})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if errors.Is(err, model.ErrInsufficientBalance) {
				failed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, workers-10, failed)

	b, err := svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Credits)
	assertReconciled(t, svc, "u1")
}

func TestPurchase_IsIdempotentByPayment(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first, err := svc.Purchase(ctx, PurchaseParams{UserID: "u1", Amount: 500, PaymentID: "pi_1"})
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(500), first.Balance.Credits)

	second, err := svc.Purchase(ctx, PurchaseParams{UserID: "u1", Amount: 500, PaymentID: "pi_1"})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, int64(500), second.Balance.Credits)

	got, err := svc.GetPurchase(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, got.Entry.ID)

	assert.Len(t, store.OutboxEvents(), 1)
	assertReconciled(t, svc, "u1")
}

func TestPurchase_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	svc, _ := newTestService(t)

	const deliveries = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		replayed int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Purchase(context.Background(), PurchaseParams{UserID: "u1", Amount: 200, PaymentID: "pi_race"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Replayed {
				replayed++
			} else {
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Equal(t, deliveries-1, replayed)

	b, err := svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), b.Credits)
}

func TestPurchase_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Purchase(ctx, PurchaseParams{UserID: "u1", Amount: 100, PaymentID: "  "})
	assert.ErrorIs(t, err, model.ErrInvalidReference)

	_, err = svc.Purchase(ctx, PurchaseParams{UserID: "u1", Amount: 0, PaymentID: "pi_2"})
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = svc.GetPurchase(ctx, "pi_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRefund_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	award(t, svc, "u1", model.CurrencyPoints, 100)
	item := newItem(t, svc, RewardItemParams{PointsCost: 40})

	pending, err := svc.Redeem(ctx, "u1", item.ID)
	require.NoError(t, err)

	tests := []struct {
		name string
		p    RefundParams
		want error
	}{
		{name: "no reference", p: RefundParams{UserID: "u1", Amount: 10}, want: model.ErrInvalidReference},
		{name: "pitch reference", p: RefundParams{UserID: "u1", Amount: 10, Ref: model.PitchRef("p1")}, want: model.ErrInvalidReference},
		{name: "unknown redemption", p: RefundParams{UserID: "u1", Amount: 10, Ref: model.RedemptionRef(uuid.New())}, want: model.ErrInvalidReference},
		{name: "open redemption", p: RefundParams{UserID: "u1", Amount: 40, Ref: model.RedemptionRef(pending.Redemption.ID)}, want: model.ErrInvalidReference},
		{name: "zero amount", p: RefundParams{UserID: "u1", Ref: model.RedemptionRef(pending.Redemption.ID)}, want: model.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Refund(ctx, tt.p)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	b, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), b.Points)
	assertReconciled(t, svc, "u1")
}

func TestRefund_AfterDeclineIsReplayed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	award(t, svc, "u1", model.CurrencyPoints, 100)
	item := newItem(t, svc, RewardItemParams{PointsCost: 50, CopiesAvailable: copies(1)})

	res, err := svc.Redeem(ctx, "u1", item.ID)
	require.NoError(t, err)
	_, err = svc.Decline(ctx, res.Redemption.ID, "admin-1", "no stock")
	require.NoError(t, err)

	ref := model.RedemptionRef(res.Redemption.ID)
	for i := 0; i < 2; i++ {
		replay, err := svc.Refund(ctx, RefundParams{UserID: "u1", Amount: 50, Ref: ref})
		require.NoError(t, err)
		assert.True(t, replay.Replayed)
		assert.Equal(t, int64(100), replay.Balance.Points)
	}

	_, err = svc.Refund(ctx, RefundParams{UserID: "u2", Amount: 50, Ref: ref})
	assert.ErrorIs(t, err, model.ErrInvalidReference)

	b, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Points)
	assertReconciled(t, svc, "u1")
}

// seedUnrefunded записывает отклонённую заявку, по которой возврат ещё не проведён.
func seedUnrefunded(t *testing.T, svc *Service, store *memory.Store, userID string, spent int64) model.Ref {
	t.Helper()
	ctx := context.Background()
	award(t, svc, userID, model.CurrencyPoints, spent)

	id := uuid.New()
	ref := model.RedemptionRef(id)
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		before, after, err := tx.DebitIfSufficient(ctx, userID, model.CurrencyPoints, spent)
		if err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, model.LedgerEntry{
			ID: uuid.New(), UserID: userID, Currency: model.CurrencyPoints, Type: model.LedgerSpent,
			Amount: -spent, BalanceBefore: before, BalanceAfter: after, Ref: ref,
		}); err != nil {
			return err
		}
		return tx.CreateRedemption(ctx, model.Redemption{
			ID: id, UserID: userID, RewardItemID: uuid.New(), PointsSpent: spent, Status: model.RedemptionDeclined,
		})
	}))
	return ref
}

func TestRefund_BoundedByOriginalDebit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	ref := seedUnrefunded(t, svc, store, "u1", 50)

	_, err := svc.Refund(ctx, RefundParams{UserID: "u1", Amount: 60, Ref: ref})
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = svc.Refund(ctx, RefundParams{UserID: "u1", Currency: model.CurrencyCredits, Amount: 50, Ref: ref})
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	res, err := svc.Refund(ctx, RefundParams{UserID: "u1", Amount: 50, Ref: ref})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, model.LedgerRewardRefunded, res.Entry.Type)
	assert.Equal(t, int64(50), res.Balance.Points)

	again, err := svc.Refund(ctx, RefundParams{UserID: "u1", Amount: 50, Ref: ref})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Entry.ID, again.Entry.ID)
	assert.Equal(t, int64(50), again.Balance.Points)
	assertReconciled(t, svc, "u1")
}

func TestRefund_ConcurrentCreditsOnce(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	ref := seedUnrefunded(t, svc, store, "u1", 30)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Refund(ctx, RefundParams{UserID: "u1", Amount: 30, Ref: ref})
			if !assert.NoError(t, err) {
				return
			}
			if !res.Replayed {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	b, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Points)
}

func TestSpend_RejectsRedemptionReference(t *testing.T) {
	svc, _ := newTestService(t)
	award(t, svc, "u1", model.CurrencyCredits, 10)

	_, err := svc.Spend(context.Background(), SpendParams{UserID: "u1", Amount: 5, Ref: model.RedemptionRef(uuid.New())})
	assert.ErrorIs(t, err, model.ErrInvalidReference)
}

func TestAdjust(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	award(t, svc, "u1", model.CurrencyPoints, 20)

	res, err := svc.Adjust(ctx, AdjustParams{UserID: "u1", Currency: model.CurrencyPoints, Delta: -15, ActorID: "admin-1", Reason: "fraud"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Balance.Points)
	assert.Equal(t, model.AdminRef("admin-1"), res.Entry.Ref)
	assert.Equal(t, "fraud", res.Entry.Description)

	_, err = svc.Adjust(ctx, AdjustParams{UserID: "u1", Currency: model.CurrencyPoints, Delta: -6, ActorID: "admin-1"})
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	_, err = svc.Adjust(ctx, AdjustParams{UserID: "u1", Currency: model.CurrencyPoints, Delta: 0, ActorID: "admin-1"})
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = svc.Adjust(ctx, AdjustParams{UserID: "u1", Currency: model.CurrencyPoints, Delta: 3})
	assert.ErrorIs(t, err, model.ErrInvalidReference)

	assertReconciled(t, svc, "u1")
}

func TestGetBalance_UnknownUserIsZero(t *testing.T) {
	svc, _ := newTestService(t)

	b, err := svc.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, model.Balance{UserID: "nobody"}, b)
}

func TestListLedger_NewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	award(t, svc, "u1", model.CurrencyPoints, 1)
	award(t, svc, "u1", model.CurrencyPoints, 2)
	award(t, svc, "u1", model.CurrencyPoints, 3)

	entries, err := svc.ListLedger(context.Background(), "u1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Amount)
	assert.Equal(t, int64(2), entries[1].Amount)
}

func TestReconcile_UnknownUser(t *testing.T) {
	svc, _ := newTestService(t)

	recs, err := svc.Reconcile(context.Background(), "nobody")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.True(t, r.Consistent())
		assert.Equal(t, int64(0), r.Balance)
	}
}

type failingStore struct {
	*memory.Store
	err error
}

func (f failingStore) WithTx(context.Context, func(context.Context, repository.Tx) error) error {
	return f.err
}

func TestService_PropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection reset by peer")
	svc := NewService(failingStore{Store: memory.New(), err: boom}, nil)

	_, err := svc.Award(context.Background(), AwardParams{UserID: "u1", Amount: 5})
	assert.ErrorIs(t, err, boom)

	_, err = svc.Purchase(context.Background(), PurchaseParams{UserID: "u1", Amount: 5, PaymentID: "pi"})
	assert.ErrorIs(t, err, boom)
}
