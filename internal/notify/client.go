// Package notify доставляет события outbox во внешний сервис уведомлений.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultRetryMax = 2
)

// Client инкапсулирует HTTP-взаимодействие с сервисом уведомлений.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// Envelope: тело запроса, отправляемое сервису уведомлений.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// StatusError описывает ответ сервиса с неуспешным кодом.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("unexpected status: %d, retry after %s", e.Code, e.RetryAfter)
	}
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

// Permanent сообщает, что повтор не изменит результат.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusTooManyRequests &&
		e.Code != http.StatusRequestTimeout
}

// IsPermanent сообщает, что доставку события повторять бессмысленно.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// RetryAfter возвращает задержку, запрошенную сервисом, если она была.
func RetryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// NewClient создаёт клиент сервиса уведомлений по указанному адресу.
// Кратковременные сбои повторяются внутри одного вызова Send.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = defaultTimeout
	rc.RetryMax = defaultRetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if stdLog, err := zap.NewStdLogAt(logger.Named("notify"), zap.DebugLevel); err == nil {
		rc.Logger = stdLog
	} else {
		rc.Logger = nil
	}

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:    base,
		httpClient: rc,
	}
}

// Send отправляет событие. Идентификатор события передаётся как ключ
// идемпотентности, так что повторная доставка безопасна для получателя.
func (c *Client) Send(ctx context.Context, ev model.OutboxEvent) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}

	body, err := json.Marshal(Envelope{
		ID:        ev.ID.String(),
		Type:      ev.EventType,
		UserID:    ev.UserID,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/events", body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID.String())
	req.Header.Set("X-Event-Type", ev.EventType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// получатель уже принял событие с этим ключом
		return nil
	default:
		return &StatusError{Code: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
