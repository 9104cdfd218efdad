// Package handler содержит HTTP-обработчики API сервиса баллов pitchclub.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pitchclub-ledger/internal/middleware"
	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/payment"
	"github.com/mmeshcher/pitchclub-ledger/internal/service"
	"github.com/mmeshcher/pitchclub-ledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetBalance(ctx context.Context, userID string) (model.Balance, error)
	ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
	Reconcile(ctx context.Context, userID string) ([]model.Reconciliation, error)
	Award(ctx context.Context, p service.AwardParams) (service.Result, error)
	AwardForEvent(ctx context.Context, userID string, event model.PlatformEvent, ref model.Ref) (service.Result, error)
	Spend(ctx context.Context, p service.SpendParams) (service.Result, error)
	Purchase(ctx context.Context, p service.PurchaseParams) (service.Result, error)
	GetPurchase(ctx context.Context, paymentID string) (service.Result, error)
	Adjust(ctx context.Context, p service.AdjustParams) (service.Result, error)

	CreateRewardItem(ctx context.Context, p service.RewardItemParams) (model.RewardItem, error)
	ListRewardItems(ctx context.Context, activeOnly bool) ([]model.RewardItem, error)
	Redeem(ctx context.Context, userID string, itemID uuid.UUID) (service.RedemptionResult, error)
	Transition(ctx context.Context, p service.TransitionParams) (model.Redemption, error)
	Grant(ctx context.Context, p service.GrantParams) (model.Redemption, error)
	GetRedemption(ctx context.Context, id uuid.UUID, ownerID string) (model.Redemption, error)
	ListRedemptions(ctx context.Context, userID string, limit int) ([]model.Redemption, error)
	ListAudit(ctx context.Context, redemptionID uuid.UUID) ([]model.AuditEntry, error)
	ListBadges(ctx context.Context, userID string) ([]model.Badge, error)
}

// Handler реализует HTTP-обработчики API сервиса баллов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	verifier       *payment.Verifier
	corsOrigins    []string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, verifier *payment.Verifier, corsOrigins []string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		verifier:       verifier,
		corsOrigins:    corsOrigins,
	}
}

type errorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Currency string `json:"currency,omitempty"`
	Current  *int64 `json:"current,omitempty"`
	Required *int64 `json:"required,omitempty"`
}

// writeError отвечает кодом, соответствующим исходу бизнес-правила.
// Неожиданные ошибки логируются и отдаются как 500 без подробностей.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	var (
		status int
		resp   = errorResponse{Message: err.Error()}
	)

	var ibe *model.InsufficientBalanceError
	switch {
	case errors.As(err, &ibe):
		status, resp.Error = http.StatusPaymentRequired, "insufficient_balance"
		resp.Currency = string(ibe.Currency)
		resp.Current, resp.Required = &ibe.Current, &ibe.Required
	case errors.Is(err, model.ErrInsufficientBalance):
		status, resp.Error = http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, model.ErrNotFound):
		status, resp.Error = http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrOutOfStock):
		status, resp.Error = http.StatusConflict, "out_of_stock"
	case errors.Is(err, model.ErrRewardInactive):
		status, resp.Error = http.StatusConflict, "reward_inactive"
	case errors.Is(err, model.ErrAlreadyProcessed):
		status, resp.Error = http.StatusConflict, "already_processed"
	case errors.Is(err, model.ErrInvalidTransition):
		status, resp.Error = http.StatusConflict, "invalid_transition"
	case errors.Is(err, model.ErrStaleState):
		status, resp.Error = http.StatusConflict, "stale_state"
	case errors.Is(err, model.ErrDuplicate):
		status, resp.Error = http.StatusConflict, "duplicate"
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidReference),
		errors.Is(err, model.ErrInvalidCause):
		status, resp.Error = http.StatusUnprocessableEntity, "invalid_request"
	default:
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v) == nil
}

// decodeOptionalJSON допускает пустое тело, в том числе chunked без Content-Length.
func decodeOptionalJSON(r *http.Request, v any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	return err == nil || errors.Is(err, io.EOF)
}

func badRequest(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
}

func unprocessable(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
}

func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func queryLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

func parseCurrency(s string, fallback model.Currency) (model.Currency, bool) {
	if s == "" {
		return fallback, true
	}
	c := model.Currency(strings.ToUpper(s))
	return c, c.Valid()
}

func parseRef(s string) (model.Ref, bool) {
	ref, err := model.ParseRef(s)
	if err != nil {
		return model.Ref{}, false
	}
	if !ref.IsZero() && !validation.IsValidIdentifier(ref.ID) {
		return model.Ref{}, false
	}
	return ref, true
}

// GetBalance возвращает остатки текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get balance", zap.String("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// GetLedger возвращает журнал операций текущего пользователя.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(r)
	if !ok {
		badRequest(w)
		return
	}

	entries, err := h.service.ListLedger(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, err, "list ledger", zap.String("userID", userID))
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetBadges возвращает значки текущего пользователя.
func (h *Handler) GetBadges(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	badges, err := h.service.ListBadges(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "list badges", zap.String("userID", userID))
		return
	}

	if len(badges) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, badges)
}

type spendRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Cause       string `json:"cause"`
	Ref         string `json:"ref"`
	Description string `json:"description"`
}

// Spend списывает кредиты текущего пользователя на продвижение питча или спонсорство клуба.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req spendRequest
	if !decodeJSON(r, &req) {
		badRequest(w)
		return
	}

	currency, okCurrency := parseCurrency(req.Currency, model.CurrencyCredits)
	ref, okRef := parseRef(req.Ref)
	if !okCurrency || !okRef || !validation.IsValidAmount(req.Amount) || !validation.IsValidText(req.Description) {
		unprocessable(w)
		return
	}

	res, err := h.service.Spend(r.Context(), service.SpendParams{
		UserID:      userID,
		Currency:    currency,
		Amount:      req.Amount,
		Cause:       model.LedgerType(strings.ToUpper(req.Cause)),
		Ref:         ref,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, err, "spend", zap.String("userID", userID), zap.Int64("amount", req.Amount))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ListRewards возвращает активные позиции каталога.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListRewardItems(r.Context(), true)
	if err != nil {
		h.writeError(w, err, "list rewards")
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type redeemRequest struct {
	RewardItemID string `json:"reward_item_id"`
}

// Redeem создаёт заявку текущего пользователя на награду.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req redeemRequest
	if !decodeJSON(r, &req) {
		badRequest(w)
		return
	}
	itemID, err := uuid.Parse(req.RewardItemID)
	if err != nil {
		unprocessable(w)
		return
	}

	res, err := h.service.Redeem(r.Context(), userID, itemID)
	if err != nil {
		h.writeError(w, err, "redeem", zap.String("userID", userID), zap.String("rewardItemID", itemID.String()))
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// GetRedemptions возвращает заявки текущего пользователя.
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(r)
	if !ok {
		badRequest(w)
		return
	}

	list, err := h.service.ListRedemptions(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, err, "list redemptions", zap.String("userID", userID))
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetRedemption возвращает заявку текущего пользователя.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		badRequest(w)
		return
	}

	red, err := h.service.GetRedemption(r.Context(), id, userID)
	if err != nil {
		h.writeError(w, err, "get redemption", zap.String("redemptionID", id.String()))
		return
	}

	writeJSON(w, http.StatusOK, red)
}

type reviewRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

// CancelRedemption отменяет заявку текущего пользователя и возвращает баллы.
func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		badRequest(w)
		return
	}

	var req reviewRequest
	if !decodeOptionalJSON(r, &req) {
		badRequest(w)
		return
	}
	if !validation.IsValidText(req.Reason) {
		unprocessable(w)
		return
	}

	red, err := h.service.Transition(r.Context(), service.TransitionParams{
		RedemptionID: id,
		To:           model.RedemptionCancelled,
		ActorID:      userID,
		OwnerID:      userID,
		Reason:       req.Reason,
	})
	if err != nil {
		h.writeError(w, err, "cancel redemption", zap.String("redemptionID", id.String()))
		return
	}

	writeJSON(w, http.StatusOK, red)
}
