package model

import (
	"fmt"
	"strings"
)

// RefKind: вид сущности, вызвавшей изменение баланса.
type RefKind string

const (
	RefNone       RefKind = ""
	RefRedemption RefKind = "redemption"
	RefPitch      RefKind = "pitch"
	RefClub       RefKind = "club"
	RefPayment    RefKind = "payment"
	RefAdmin      RefKind = "admin"
	RefActivity   RefKind = "activity"
)

// Ref: ссылка на сущность-источник записи журнала.
// Нулевое значение означает отсутствие ссылки.
type Ref struct {
	Kind RefKind `json:"kind,omitempty"`
	ID   string  `json:"id,omitempty"`
}

func RedemptionRef(id fmt.Stringer) Ref { return Ref{Kind: RefRedemption, ID: id.String()} }
func PitchRef(id string) Ref            { return Ref{Kind: RefPitch, ID: id} }
func ClubRef(id string) Ref             { return Ref{Kind: RefClub, ID: id} }
func PaymentRef(id string) Ref          { return Ref{Kind: RefPayment, ID: id} }
func AdminRef(actorID string) Ref       { return Ref{Kind: RefAdmin, ID: actorID} }
func ActivityRef(id string) Ref         { return Ref{Kind: RefActivity, ID: id} }

// IsZero сообщает, что ссылка не задана.
func (r Ref) IsZero() bool {
	return r.Kind == RefNone && r.ID == ""
}

// Validate проверяет, что вид ссылки известен и идентификатор задан.
func (r Ref) Validate() error {
	switch r.Kind {
	case RefNone:
		if r.ID != "" {
			return fmt.Errorf("%w: id without kind", ErrInvalidReference)
		}
		return nil
	case RefRedemption, RefPitch, RefClub, RefPayment, RefAdmin, RefActivity:
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%w: %s id is empty", ErrInvalidReference, r.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidReference, r.Kind)
	}
}

func (r Ref) String() string {
	if r.IsZero() {
		return ""
	}
	return string(r.Kind) + ":" + r.ID
}

// ParseRef разбирает строку вида "kind:id".
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidReference, s)
	}
	ref := Ref{Kind: RefKind(kind), ID: id}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// ExpectedRefKind возвращает вид ссылки, обязательный для причины списания.
// RefNone означает, что подходит любая ссылка.
func ExpectedRefKind(cause LedgerType) RefKind {
	switch cause {
	case LedgerBoostPitch:
		return RefPitch
	case LedgerSponsorClub:
		return RefClub
	case LedgerPurchase:
		return RefPayment
	case LedgerRewardRefunded, LedgerRewardGranted:
		return RefRedemption
	default:
		return RefNone
	}
}
