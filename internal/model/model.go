// Package model содержит доменные сущности сервиса баллов и кредитов pitchclub.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Currency описывает вид внутренней валюты аккаунта.
type Currency string

const (
	// CurrencyPoints: баллы, начисляемые за активность и расходуемые на награды.
	CurrencyPoints Currency = "POINTS"
	// CurrencyCredits: кредиты, покупаемые за деньги и расходуемые на продвижение.
	CurrencyCredits Currency = "CREDITS"
)

// Valid сообщает, известна ли валюта.
func (c Currency) Valid() bool {
	switch c {
	case CurrencyPoints, CurrencyCredits:
		return true
	}
	return false
}

// Balance содержит материализованные остатки аккаунта пользователя.
type Balance struct {
	UserID  string `json:"user_id"`
	Points  int64  `json:"points"`
	Credits int64  `json:"credits"`
}

// Of возвращает остаток в указанной валюте.
func (b Balance) Of(c Currency) int64 {
	if c == CurrencyCredits {
		return b.Credits
	}
	return b.Points
}

// LedgerType описывает причину изменения баланса.
type LedgerType string

const (
	LedgerEarned          LedgerType = "EARNED"
	LedgerSpent           LedgerType = "SPENT"
	LedgerPurchase        LedgerType = "PURCHASE"
	LedgerRewardRefunded  LedgerType = "REWARD_REFUNDED"
	LedgerBoostPitch      LedgerType = "BOOST_PITCH"
	LedgerSponsorClub     LedgerType = "SPONSOR_CLUB"
	LedgerAdminAdjustment LedgerType = "ADMIN_ADJUSTMENT"
	LedgerRewardGranted   LedgerType = "REWARD_GRANTED"
)

// IsSpendCause сообщает, может ли тип записи быть причиной списания.
func (t LedgerType) IsSpendCause() bool {
	switch t {
	case LedgerSpent, LedgerBoostPitch, LedgerSponsorClub:
		return true
	}
	return false
}

// LedgerEntry: неизменяемая запись журнала операций по аккаунту.
// Amount знаковый: начисления положительны, списания отрицательны.
type LedgerEntry struct {
	ID            uuid.UUID  `json:"id"`
	UserID        string     `json:"user_id"`
	Currency      Currency   `json:"currency"`
	Type          LedgerType `json:"type"`
	Amount        int64      `json:"amount"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	Ref           Ref        `json:"ref"`
	Event         string     `json:"event,omitempty"`
	Description   string     `json:"description,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RewardType определяет побочный эффект выдачи награды.
type RewardType string

const (
	RewardBadge    RewardType = "BADGE"
	RewardPhysical RewardType = "PHYSICAL"
	RewardDigital  RewardType = "DIGITAL"
)

// RewardItem: позиция каталога наград.
// CopiesAvailable == nil означает неограниченный тираж.
type RewardItem struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	RewardType      RewardType `json:"reward_type"`
	BadgeCode       string     `json:"badge_code,omitempty"`
	PointsCost      int64      `json:"points_cost"`
	CopiesAvailable *int64     `json:"copies_available,omitempty"`
	CopiesRedeemed  int64      `json:"copies_redeemed"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
}

// InStock сообщает, остались ли свободные экземпляры.
func (r RewardItem) InStock() bool {
	return r.CopiesAvailable == nil || r.CopiesRedeemed < *r.CopiesAvailable
}

// Redemption: заявка пользователя на получение награды за баллы.
type Redemption struct {
	ID              uuid.UUID        `json:"id"`
	UserID          string           `json:"user_id"`
	RewardItemID    uuid.UUID        `json:"reward_item_id"`
	PointsSpent     int64            `json:"points_spent"`
	Status          RedemptionStatus `json:"status"`
	ReviewedBy      string           `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	FulfilledAt     *time.Time       `json:"fulfilled_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// AuditAction описывает вид записи аудита заявки.
type AuditAction string

const (
	AuditCreated       AuditAction = "CREATED"
	AuditStatusChanged AuditAction = "STATUS_CHANGED"
	AuditBadgeGranted  AuditAction = "BADGE_GRANTED"
	AuditManualGrant   AuditAction = "MANUAL_GRANT"
)

// AuditEntry: неизменяемая запись журнала аудита заявки.
type AuditEntry struct {
	ID           uuid.UUID        `json:"id"`
	RedemptionID uuid.UUID        `json:"redemption_id"`
	Action       AuditAction      `json:"action_type"`
	OldStatus    RedemptionStatus `json:"old_status,omitempty"`
	NewStatus    RedemptionStatus `json:"new_status,omitempty"`
	ChangedBy    string           `json:"changed_by"`
	Reason       string           `json:"reason,omitempty"`
	Metadata     json.RawMessage  `json:"metadata,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Badge: значок, выданный пользователю. Пара (UserID, Code) уникальна.
type Badge struct {
	UserID    string    `json:"user_id"`
	Code      string    `json:"code"`
	AwardedAt time.Time `json:"awarded_at"`
}

// Reconciliation сравнивает материализованный остаток с суммой журнала.
type Reconciliation struct {
	UserID    string   `json:"user_id"`
	Currency  Currency `json:"currency"`
	Balance   int64    `json:"balance"`
	LedgerSum int64    `json:"ledger_sum"`
}

// Consistent сообщает, совпадает ли остаток с журналом.
func (r Reconciliation) Consistent() bool {
	return r.Balance == r.LedgerSum
}
