package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound возвращается, если запрошенная сущность не существует.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance возвращается, если условное списание не затронуло ни одной строки.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOutOfStock возвращается, если у награды не осталось свободных экземпляров.
	ErrOutOfStock = errors.New("reward out of stock")
	// ErrRewardInactive возвращается при попытке получить снятую с каталога награду.
	ErrRewardInactive = errors.New("reward is not active")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса заявки.
	ErrInvalidTransition = errors.New("invalid redemption transition")
	// ErrAlreadyProcessed возвращается, если заявку уже обработал другой запрос.
	ErrAlreadyProcessed = errors.New("redemption already processed")
	// ErrStaleState возвращается, если охраняемое обновление не нашло ожидаемой строки
	// по причине, не связанной с бизнес-правилом. Запрос можно повторить целиком.
	ErrStaleState = errors.New("stale state, concurrent modification")
	// ErrDuplicate возвращается хранилищем при нарушении уникальности.
	ErrDuplicate = errors.New("duplicate record")
	// ErrInvalidAmount возвращается при неположительной сумме операции.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidReference возвращается при некорректной ссылке на сущность.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrInvalidCause возвращается, если тип записи не подходит для операции.
	ErrInvalidCause = errors.New("invalid ledger cause")
)

// InsufficientBalanceError содержит остаток и требуемую сумму для показа пользователю.
type InsufficientBalanceError struct {
	Currency Currency
	Current  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: current %d, required %d",
		e.Currency, e.Current, e.Required)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InvalidTransitionError описывает переход, запрещённый таблицей переходов.
type InvalidTransitionError struct {
	From RedemptionStatus
	To   RedemptionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid redemption transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsRetryable сообщает, что запрос можно безопасно повторить с начала.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleState)
}

// IsBusinessError сообщает, что ошибка: ожидаемый исход бизнес-правила.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrRewardInactive) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyProcessed)
}
