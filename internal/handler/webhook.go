package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/pitchclub-ledger/internal/payment"
	"github.com/mmeshcher/pitchclub-ledger/internal/service"
)

const maxWebhookBody = 64 << 10

type webhookResponse struct {
	Received bool            `json:"received"`
	Ignored  bool            `json:"ignored,omitempty"`
	Result   *service.Result `json:"result,omitempty"`
}

// PaymentWebhook зачисляет кредиты по подтверждённому платёжному событию.
// Без проверенной подписи кредиты не зачисляются никогда. Повторная доставка
// события возвращает исходный результат.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		badRequest(w)
		return
	}

	if h.verifier == nil {
		h.logger.Error("payment webhook received but no secret configured")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if err := h.verifier.Verify(body, r.Header.Get(payment.SignatureHeader)); err != nil {
		h.logger.Warn("payment webhook rejected", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := payment.ParseEvent(body)
	if err != nil {
		unprocessable(w)
		return
	}

	p, err := ev.Payment()
	if errors.Is(err, payment.ErrUnsupportedEvent) {
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Ignored: true})
		return
	}
	if err != nil {
		h.logger.Warn("payment webhook malformed", zap.String("eventID", ev.ID), zap.Error(err))
		unprocessable(w)
		return
	}

	res, err := h.service.Purchase(r.Context(), service.PurchaseParams{
		UserID:      p.UserID,
		Currency:    p.Currency,
		Amount:      p.Amount,
		PaymentID:   p.ID,
		Description: p.Description,
	})
	if err != nil {
		h.writeError(w, err, "purchase", zap.String("paymentID", p.ID), zap.String("eventID", p.EventID))
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Result: &res})
}
