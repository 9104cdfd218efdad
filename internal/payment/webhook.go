// Package payment проверяет и разбирает вебхуки платёжного провайдера.
//
// Подпись совместима со схемой Stripe v1:
//
//	Stripe-Signature: t={timestamp},v1={signature}
//
// где signature = HMAC-SHA256(secret, "{timestamp}.{payload}").
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
)

// SignatureHeader: заголовок с подписью вебхука.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance: допустимое расхождение метки времени подписи.
const DefaultTolerance = 5 * time.Minute

// Типы событий, зачисляющих кредиты.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventCheckoutComplete = "checkout.session.completed"
)

var (
	// ErrInvalidSignature возвращается, если подпись отсутствует или не совпадает.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrSignatureExpired возвращается, если метка времени подписи вне допуска.
	ErrSignatureExpired = errors.New("webhook signature timestamp outside tolerance")
	// ErrUnsupportedEvent возвращается для событий, не влияющих на баланс.
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
	// ErrMalformedEvent возвращается, если в событии нет обязательных полей.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// Verifier проверяет подписи вебхуков общим секретом.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier создаёт проверку подписи. Нулевой tolerance заменяется DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify проверяет заголовок подписи для тела запроса.
// Достаточно совпадения любой из подписей v1, что позволяет ротацию секрета.
func (v *Verifier) Verify(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	ts, sigs, err := parseHeader(header)
	if err != nil {
		return err
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrSignatureExpired
	}

	expected := signature(ts, payload, v.secret)
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func parseHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}

	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}

	if ts == 0 {
		return 0, nil, fmt.Errorf("%w: no timestamp", ErrInvalidSignature)
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: no v1 signature", ErrInvalidSignature)
	}
	return ts, sigs, nil
}

func signature(ts int64, payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignHeader формирует значение заголовка подписи. Используется в тестах и утилитах.
func SignHeader(payload []byte, secret string, ts int64) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(signature(ts, payload, []byte(secret))))
}

// Event: конверт события провайдера.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type paymentObject struct {
	ID          string            `json:"id"`
	PaymentID   string            `json:"payment_intent"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// Payment: подтверждённая оплата, которую нужно зачислить.
type Payment struct {
	ID          string
	EventID     string
	UserID      string
	Currency    model.Currency
	Amount      int64
	Description string
}

// ParseEvent разбирает тело вебхука.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	return ev, nil
}

// Payment извлекает оплату из события. Пользователь и количество кредитов
// передаются в metadata как user_id и credits, валюта опционально как currency.
func (e Event) Payment() (Payment, error) {
	if e.Type != EventPaymentSucceeded && e.Type != EventCheckoutComplete {
		return Payment{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, e.Type)
	}

	var obj paymentObject
	if err := json.Unmarshal(e.Data.Object, &obj); err != nil {
		return Payment{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	// у сессии checkout идентификатор платежа лежит в payment_intent
	id := obj.ID
	if e.Type == EventCheckoutComplete && obj.PaymentID != "" {
		id = obj.PaymentID
	}
	if id == "" {
		return Payment{}, fmt.Errorf("%w: payment id is missing", ErrMalformedEvent)
	}

	userID := strings.TrimSpace(obj.Metadata["user_id"])
	if userID == "" {
		return Payment{}, fmt.Errorf("%w: metadata.user_id is missing", ErrMalformedEvent)
	}

	amount, err := strconv.ParseInt(strings.TrimSpace(obj.Metadata["credits"]), 10, 64)
	if err != nil || amount <= 0 {
		return Payment{}, fmt.Errorf("%w: metadata.credits must be a positive integer", ErrMalformedEvent)
	}

	currency := model.CurrencyCredits
	if c := strings.ToUpper(strings.TrimSpace(obj.Metadata["currency"])); c != "" {
		currency = model.Currency(c)
		if !currency.Valid() {
			return Payment{}, fmt.Errorf("%w: unknown currency %q", ErrMalformedEvent, c)
		}
	}

	return Payment{
		ID:          id,
		EventID:     e.ID,
		UserID:      userID,
		Currency:    currency,
		Amount:      amount,
		Description: obj.Description,
	}, nil
}
