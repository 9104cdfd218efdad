package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PlatformEvent: событие платформы, за которое начисляются баллы.
type PlatformEvent string

const (
	EventSignup         PlatformEvent = "SIGNUP"
	EventProfileDone    PlatformEvent = "PROFILE_COMPLETED"
	EventSwapCompleted  PlatformEvent = "SWAP_COMPLETED"
	EventPitchPublished PlatformEvent = "PITCH_PUBLISHED"
	EventClubCreated    PlatformEvent = "CLUB_CREATED"
	EventPollVoted      PlatformEvent = "POLL_VOTED"
	EventReviewWritten  PlatformEvent = "REVIEW_WRITTEN"
	EventReferral       PlatformEvent = "REFERRAL"
)

// PointRules задаёт количество баллов за событие платформы.
var PointRules = map[PlatformEvent]int64{
	EventSignup:         50,
	EventProfileDone:    25,
	EventSwapCompleted:  20,
	EventPitchPublished: 15,
	EventClubCreated:    30,
	EventPollVoted:      2,
	EventReviewWritten:  10,
	EventReferral:       100,
}

// Типы событий, публикуемых через outbox.
const (
	NotifyPointsAwarded     = "ledger.awarded"
	NotifyBalanceSpent      = "ledger.spent"
	NotifyCreditsPurchased  = "ledger.purchased"
	NotifyBalanceRefunded   = "ledger.refunded"
	NotifyBalanceAdjusted   = "ledger.adjusted"
	NotifyRedemptionCreated = "redemption.created"
	NotifyRedemptionStatus  = "redemption.status_changed"
	NotifyRewardGranted     = "redemption.granted"
)

// OutboxStatus описывает состояние доставки события.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxLeased    OutboxStatus = "LEASED"
	OutboxDelivered OutboxStatus = "DELIVERED"
	OutboxDead      OutboxStatus = "DEAD"
)

// OutboxEvent: уведомление, записанное в той же транзакции, что и изменение баланса.
type OutboxEvent struct {
	ID             uuid.UUID       `json:"id"`
	EventType      string          `json:"event_type"`
	UserID         string          `json:"user_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
