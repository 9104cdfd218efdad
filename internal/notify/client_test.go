package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
)

func testEvent() model.OutboxEvent {
	return model.OutboxEvent{
		ID:        uuid.MustParse("7b1d3c8e-2f4a-4c55-9d0e-5a1b2c3d4e5f"),
		EventType: model.NotifyPointsAwarded,
		UserID:    "u1",
		Payload:   json.RawMessage(`{"amount":50}`),
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func fastClient(url string) *Client {
	c := NewClient(url, nil)
	c.httpClient.RetryWaitMin = time.Millisecond
	c.httpClient.RetryWaitMax = 5 * time.Millisecond
	return c
}

func TestSend_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/events" {
			t.Fatalf("path = %s, want /api/events", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "7b1d3c8e-2f4a-4c55-9d0e-5a1b2c3d4e5f" {
			t.Fatalf("Idempotency-Key = %q", got)
		}

		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type != model.NotifyPointsAwarded || env.UserID != "u1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		if string(env.Payload) != `{"amount":50}` {
			t.Fatalf("payload = %s", env.Payload)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := fastClient(ts.URL).Send(ctx, testEvent()); err != nil {
		t.Fatalf("Send error: %v", err)
	}
}

func TestSend_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := fastClient(ts.URL)
	c.httpClient.RetryMax = 0

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.Send(ctx, testEvent())
	if err == nil {
		t.Fatalf("expected error for 429")
	}
	if IsPermanent(err) {
		t.Fatalf("429 must not be permanent")
	}
	if d := RetryAfter(err); d < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", d)
	}
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := fastClient(ts.URL).Send(ctx, testEvent()); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestSend_PermanentFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := fastClient(ts.URL).Send(ctx, testEvent())
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSend_ConflictMeansDelivered(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	if err := fastClient(ts.URL).Send(context.Background(), testEvent()); err != nil {
		t.Fatalf("Send error: %v", err)
	}
}

func TestSend_NotConfigured(t *testing.T) {
	if err := NewClient("", nil).Send(context.Background(), testEvent()); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
