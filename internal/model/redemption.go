package model

// RedemptionStatus описывает состояние заявки на награду.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "PENDING"
	RedemptionApproved  RedemptionStatus = "APPROVED"
	RedemptionDeclined  RedemptionStatus = "DECLINED"
	RedemptionFulfilled RedemptionStatus = "FULFILLED"
	RedemptionCancelled RedemptionStatus = "CANCELLED"
)

var redemptionTransitions = map[RedemptionStatus][]RedemptionStatus{
	RedemptionPending: {
		RedemptionApproved,
		RedemptionDeclined,
		RedemptionFulfilled,
		RedemptionCancelled,
	},
	RedemptionApproved: {
		RedemptionDeclined,
		RedemptionFulfilled,
		RedemptionCancelled,
	},
}

// Valid сообщает, известен ли статус.
func (s RedemptionStatus) Valid() bool {
	switch s {
	case RedemptionPending, RedemptionApproved, RedemptionDeclined, RedemptionFulfilled, RedemptionCancelled:
		return true
	}
	return false
}

// CanTransition сообщает, разрешён ли переход from -> to.
func CanTransition(from, to RedemptionStatus) bool {
	for _, next := range redemptionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReleasesReservation сообщает, что переход возвращает баллы и экземпляр награды.
func (s RedemptionStatus) ReleasesReservation() bool {
	return s == RedemptionDeclined || s == RedemptionCancelled
}
