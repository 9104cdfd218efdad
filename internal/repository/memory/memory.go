// Package memory реализует хранилище журнала в памяти процесса.
//
// Транзакции сериализуются мьютексом: состояние снимается перед выполнением
// функции и восстанавливается при ошибке или панике. Условные операции проверяют
// предусловие в момент записи так же, как WHERE в PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
)

type badgeKey struct {
	userID string
	code   string
}

type state struct {
	accounts    map[string]model.Balance
	ledger      []model.LedgerEntry
	items       map[uuid.UUID]model.RewardItem
	redemptions map[uuid.UUID]model.Redemption
	audit       []model.AuditEntry
	badges      map[badgeKey]model.Badge
	outbox      map[uuid.UUID]model.OutboxEvent
	outboxOrder []uuid.UUID
}

func newState() state {
	return state{
		accounts:    make(map[string]model.Balance),
		items:       make(map[uuid.UUID]model.RewardItem),
		redemptions: make(map[uuid.UUID]model.Redemption),
		badges:      make(map[badgeKey]model.Badge),
		outbox:      make(map[uuid.UUID]model.OutboxEvent),
	}
}

func (st *state) clone() state {
	c := state{
		accounts:    make(map[string]model.Balance, len(st.accounts)),
		ledger:      append([]model.LedgerEntry(nil), st.ledger...),
		items:       make(map[uuid.UUID]model.RewardItem, len(st.items)),
		redemptions: make(map[uuid.UUID]model.Redemption, len(st.redemptions)),
		audit:       append([]model.AuditEntry(nil), st.audit...),
		badges:      make(map[badgeKey]model.Badge, len(st.badges)),
		outbox:      make(map[uuid.UUID]model.OutboxEvent, len(st.outbox)),
		outboxOrder: append([]uuid.UUID(nil), st.outboxOrder...),
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.items {
		c.items[k] = v
	}
	for k, v := range st.redemptions {
		c.redemptions[k] = v
	}
	for k, v := range st.badges {
		c.badges[k] = v
	}
	for k, v := range st.outbox {
		c.outbox[k] = v
	}
	return c
}

// Store: потокобезопасное хранилище в памяти.
type Store struct {
	mu sync.Mutex
	st state
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{st: newState()}
}

// Close ничего не освобождает и существует для совместимости с PostgreSQL-хранилищем.
func (s *Store) Close() error { return nil }

// WithTx выполняет fn атомарно. При ошибке или панике все изменения fn откатываются.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	committed := false
	defer func() {
		if !committed {
			s.st = snapshot
		}
	}()

	if err := fn(ctx, &s.st); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetBalance(ctx, userID)
}

func (s *Store) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListLedger(ctx, userID, limit)
}

func (s *Store) SumLedger(ctx context.Context, userID string, currency model.Currency) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.SumLedger(ctx, userID, currency)
}

func (s *Store) FindLedgerByRef(ctx context.Context, typ model.LedgerType, ref model.Ref) (model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.FindLedgerByRef(ctx, typ, ref)
}

func (s *Store) GetRewardItem(ctx context.Context, id uuid.UUID) (model.RewardItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetRewardItem(ctx, id)
}

func (s *Store) ListRewardItems(ctx context.Context, activeOnly bool) ([]model.RewardItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListRewardItems(ctx, activeOnly)
}

func (s *Store) GetRedemption(ctx context.Context, id uuid.UUID) (model.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetRedemption(ctx, id)
}

func (s *Store) ListRedemptions(ctx context.Context, userID string, limit int) ([]model.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListRedemptions(ctx, userID, limit)
}

func (s *Store) ListAudit(ctx context.Context, redemptionID uuid.UUID) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListAudit(ctx, redemptionID)
}

func (s *Store) ListBadges(ctx context.Context, userID string) ([]model.Badge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListBadges(ctx, userID)
}

// Balances

func (st *state) GetBalance(_ context.Context, userID string) (model.Balance, error) {
	b, ok := st.accounts[userID]
	if !ok {
		return model.Balance{}, model.ErrNotFound
	}
	return b, nil
}

func (st *state) Credit(_ context.Context, userID string, currency model.Currency, amount int64) (int64, int64, error) {
	b := st.accounts[userID]
	b.UserID = userID
	before := b.Of(currency)
	after := before + amount
	if after < 0 {
		return 0, 0, fmt.Errorf("credit %s: balance would become negative", currency)
	}
	setBalance(&b, currency, after)
	st.accounts[userID] = b
	return before, after, nil
}

func (st *state) DebitIfSufficient(_ context.Context, userID string, currency model.Currency, amount int64) (int64, int64, error) {
	b, ok := st.accounts[userID]
	if !ok {
		return 0, 0, model.ErrNotFound
	}
	before := b.Of(currency)
	if before < amount {
		return 0, 0, &model.InsufficientBalanceError{Currency: currency, Current: before, Required: amount}
	}
	setBalance(&b, currency, before-amount)
	st.accounts[userID] = b
	return before, before - amount, nil
}

func setBalance(b *model.Balance, currency model.Currency, v int64) {
	if currency == model.CurrencyCredits {
		b.Credits = v
		return
	}
	b.Points = v
}

// Ledger

func (st *state) AppendLedger(_ context.Context, entry model.LedgerEntry) error {
	// платёж зачисляется и возврат проводится не более одного раза на ссылку
	if entry.Type == model.LedgerPurchase || entry.Type == model.LedgerRewardRefunded {
		for _, e := range st.ledger {
			if e.Type == entry.Type && e.Ref == entry.Ref {
				return fmt.Errorf("%w: %s %s", model.ErrDuplicate, strings.ToLower(string(entry.Type)), entry.Ref)
			}
		}
	}
	st.ledger = append(st.ledger, entry)
	return nil
}

func (st *state) ListLedger(_ context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	limit = repository.NormalizeLimit(limit)
	var res []model.LedgerEntry
	for i := len(st.ledger) - 1; i >= 0 && len(res) < limit; i-- {
		if st.ledger[i].UserID == userID {
			res = append(res, st.ledger[i])
		}
	}
	return res, nil
}

func (st *state) SumLedger(_ context.Context, userID string, currency model.Currency) (int64, error) {
	var sum int64
	for _, e := range st.ledger {
		if e.UserID == userID && e.Currency == currency {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (st *state) FindLedgerByRef(_ context.Context, typ model.LedgerType, ref model.Ref) (model.LedgerEntry, error) {
	for _, e := range st.ledger {
		if e.Type == typ && e.Ref == ref {
			return e, nil
		}
	}
	return model.LedgerEntry{}, model.ErrNotFound
}

// Rewards

func (st *state) CreateRewardItem(_ context.Context, item model.RewardItem) error {
	if _, ok := st.items[item.ID]; ok {
		return fmt.Errorf("%w: reward item %s", model.ErrDuplicate, item.ID)
	}
	st.items[item.ID] = item
	return nil
}

func (st *state) GetRewardItem(_ context.Context, id uuid.UUID) (model.RewardItem, error) {
	item, ok := st.items[id]
	if !ok {
		return model.RewardItem{}, model.ErrNotFound
	}
	return item, nil
}

func (st *state) ListRewardItems(_ context.Context, activeOnly bool) ([]model.RewardItem, error) {
	var res []model.RewardItem
	for _, item := range st.items {
		if activeOnly && !item.IsActive {
			continue
		}
		res = append(res, item)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].Name < res[j].Name
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (st *state) ReserveCopy(_ context.Context, itemID uuid.UUID) (model.RewardItem, error) {
	item, ok := st.items[itemID]
	switch {
	case !ok:
		return model.RewardItem{}, model.ErrNotFound
	case !item.IsActive:
		return model.RewardItem{}, model.ErrRewardInactive
	case !item.InStock():
		return model.RewardItem{}, model.ErrOutOfStock
	}
	item.CopiesRedeemed++
	st.items[itemID] = item
	return item, nil
}

func (st *state) ReleaseCopy(_ context.Context, itemID uuid.UUID) error {
	item, ok := st.items[itemID]
	if !ok || item.CopiesRedeemed <= 0 {
		return fmt.Errorf("%w: release copy of %s", model.ErrStaleState, itemID)
	}
	item.CopiesRedeemed--
	st.items[itemID] = item
	return nil
}

// Redemptions

func (st *state) CreateRedemption(_ context.Context, r model.Redemption) error {
	if _, ok := st.redemptions[r.ID]; ok {
		return fmt.Errorf("%w: redemption %s", model.ErrDuplicate, r.ID)
	}
	st.redemptions[r.ID] = r
	return nil
}

func (st *state) GetRedemption(_ context.Context, id uuid.UUID) (model.Redemption, error) {
	r, ok := st.redemptions[id]
	if !ok {
		return model.Redemption{}, model.ErrNotFound
	}
	return r, nil
}

func (st *state) ListRedemptions(_ context.Context, userID string, limit int) ([]model.Redemption, error) {
	limit = repository.NormalizeLimit(limit)
	var res []model.Redemption
	for _, r := range st.redemptions {
		if userID == "" || r.UserID == userID {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (st *state) TransitionRedemption(_ context.Context, u repository.RedemptionUpdate) (model.Redemption, error) {
	r, ok := st.redemptions[u.ID]
	if !ok {
		return model.Redemption{}, fmt.Errorf("%w: redemption %s vanished", model.ErrStaleState, u.ID)
	}
	if !containsStatus(u.From, r.Status) {
		return model.Redemption{}, model.ErrAlreadyProcessed
	}

	at := u.At
	r.Status = u.To
	r.UpdatedAt = at
	if u.ReviewedBy != "" {
		r.ReviewedBy = u.ReviewedBy
		r.ReviewedAt = &at
	}
	if u.Reason != "" {
		r.RejectionReason = u.Reason
	}
	if u.Notes != "" {
		r.Notes = u.Notes
	}
	if u.To == model.RedemptionFulfilled {
		r.FulfilledAt = &at
	}
	st.redemptions[u.ID] = r
	return r, nil
}

func containsStatus(set []model.RedemptionStatus, s model.RedemptionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (st *state) AppendAudit(_ context.Context, entry model.AuditEntry) error {
	st.audit = append(st.audit, entry)
	return nil
}

func (st *state) ListAudit(_ context.Context, redemptionID uuid.UUID) ([]model.AuditEntry, error) {
	var res []model.AuditEntry
	for _, a := range st.audit {
		if a.RedemptionID == redemptionID {
			res = append(res, a)
		}
	}
	return res, nil
}

func (st *state) GrantBadge(_ context.Context, userID, code string, at time.Time) (bool, error) {
	k := badgeKey{userID: userID, code: code}
	if _, ok := st.badges[k]; ok {
		return false, nil
	}
	st.badges[k] = model.Badge{UserID: userID, Code: code, AwardedAt: at}
	return true, nil
}

func (st *state) ListBadges(_ context.Context, userID string) ([]model.Badge, error) {
	var res []model.Badge
	for k, b := range st.badges {
		if k.userID == userID {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

// Outbox

func (st *state) EnqueueOutbox(_ context.Context, event model.OutboxEvent) error {
	if _, ok := st.outbox[event.ID]; ok {
		return fmt.Errorf("%w: outbox event %s", model.ErrDuplicate, event.ID)
	}
	st.outbox[event.ID] = event
	st.outboxOrder = append(st.outboxOrder, event.ID)
	return nil
}

// LeaseOutbox арендует готовые события в порядке постановки в очередь.
func (s *Store) LeaseOutbox(_ context.Context, consumer string, limit int, now time.Time, ttl time.Duration) ([]model.OutboxEvent, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expires := now.Add(ttl)
	var leased []model.OutboxEvent
	for _, id := range s.st.outboxOrder {
		if len(leased) >= limit {
			break
		}
		ev := s.st.outbox[id]
		due := ev.Status == model.OutboxPending && !ev.NextAttemptAt.After(now)
		expired := ev.Status == model.OutboxLeased && ev.LeaseExpiresAt != nil && !ev.LeaseExpiresAt.After(now)
		if !due && !expired {
			continue
		}
		ev.Status = model.OutboxLeased
		ev.LeaseOwner = consumer
		ev.LeaseExpiresAt = &expires
		s.st.outbox[id] = ev
		leased = append(leased, ev)
	}
	return leased, nil
}

// MarkOutboxDelivered отмечает доставку, если аренда всё ещё принадлежит consumer.
func (s *Store) MarkOutboxDelivered(_ context.Context, id uuid.UUID, consumer string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.st.outbox[id]
	if !ok || ev.Status != model.OutboxLeased || ev.LeaseOwner != consumer {
		return fmt.Errorf("%w: outbox lease %s lost", model.ErrStaleState, id)
	}
	ev.Status = model.OutboxDelivered
	ev.DeliveredAt = &at
	ev.LeaseOwner = ""
	ev.LeaseExpiresAt = nil
	s.st.outbox[id] = ev
	return nil
}

// MarkOutboxFailed фиксирует неудачную попытку доставки.
func (s *Store) MarkOutboxFailed(_ context.Context, id uuid.UUID, consumer, lastErr string, nextAttempt time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.st.outbox[id]
	if !ok || ev.Status != model.OutboxLeased || ev.LeaseOwner != consumer {
		return fmt.Errorf("%w: outbox lease %s lost", model.ErrStaleState, id)
	}
	ev.AttemptCount++
	ev.LastError = lastErr
	ev.NextAttemptAt = nextAttempt
	ev.LeaseOwner = ""
	ev.LeaseExpiresAt = nil
	ev.Status = model.OutboxPending
	if dead {
		ev.Status = model.OutboxDead
	}
	s.st.outbox[id] = ev
	return nil
}

// OutboxEvents возвращает копию очереди в порядке постановки. Используется в тестах и отладке.
func (s *Store) OutboxEvents() []model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]model.OutboxEvent, 0, len(s.st.outboxOrder))
	for _, id := range s.st.outboxOrder {
		res = append(res, s.st.outbox[id])
	}
	return res
}

var (
	_ repository.Tx      = (*state)(nil)
	_ repository.Queries = (*Store)(nil)
	_ repository.Outbox  = (*Store)(nil)
)
