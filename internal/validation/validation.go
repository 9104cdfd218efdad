// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"

	"github.com/gosimple/slug"
)

const (
	maxIdentifierLen = 128
	maxBadgeCodeLen  = 64
	maxTextLen       = 1000
	// MaxAmount ограничивает сумму одной операции, чтобы суммы журнала не переполняли int64.
	MaxAmount int64 = 1_000_000_000
)

// IsValidIdentifier проверяет внешний идентификатор: пользователя, питча,
// клуба или платежа. Допускаются латинские буквы, цифры и символы _ - . : @
func IsValidIdentifier(id string) bool {
	if id == "" || len(id) > maxIdentifierLen {
		return false
	}

	for _, ch := range id {
		if ch > unicode.MaxASCII {
			return false
		}
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			continue
		}
		switch ch {
		case '_', '-', '.', ':', '@':
			continue
		}
		return false
	}

	return true
}

// IsValidBadgeCode проверяет код значка: строчные латинские буквы, цифры и дефис,
// без дефиса в начале и в конце.
func IsValidBadgeCode(code string) bool {
	if len(code) < 2 || len(code) > maxBadgeCodeLen {
		return false
	}
	return slug.IsSlug(code) && !strings.Contains(code, "_")
}

// IsValidAmount проверяет, что сумма положительна и не превышает MaxAmount.
func IsValidAmount(amount int64) bool {
	return amount > 0 && amount <= MaxAmount
}

// IsValidDelta проверяет ручную корректировку: ненулевая, по модулю не больше MaxAmount.
func IsValidDelta(delta int64) bool {
	if delta < 0 {
		delta = -delta
	}
	return IsValidAmount(delta)
}

// IsValidText проверяет свободный текст: причину, заметку или описание.
func IsValidText(s string) bool {
	if len(s) > maxTextLen {
		return false
	}
	for _, ch := range s {
		if unicode.IsControl(ch) && ch != '\n' && ch != '\t' {
			return false
		}
	}
	return true
}
