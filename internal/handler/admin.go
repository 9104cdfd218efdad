package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/service"
	"github.com/mmeshcher/pitchclub-ledger/internal/validation"
)

type awardRequest struct {
	UserID   string `json:"user_id"`
	Event    string `json:"event"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Ref      string `json:"ref"`
}

// Award начисляет баллы пользователю: по правилу события или на произвольную сумму.
func (h *Handler) Award(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if !decodeJSON(r, &req) {
		badRequest(w)
		return
	}

	currency, okCurrency := parseCurrency(req.Currency, model.CurrencyPoints)
	ref, okRef := parseRef(req.Ref)
	if !okCurrency || !okRef || !validation.IsValidIdentifier(req.UserID) {
		unprocessable(w)
		return
	}

	var (
		res service.Result
		err error
	)
	if req.Event != "" {
		res, err = h.service.AwardForEvent(r.Context(), req.UserID, model.PlatformEvent(strings.ToUpper(req.Event)), ref)
	} else {
		if !validation.IsValidAmount(req.Amount) {
			unprocessable(w)
			return
		}
		res, err = h.service.Award(r.Context(), service.AwardParams{
			UserID:   req.UserID,
			Currency: currency,
			Amount:   req.Amount,
			Ref:      ref,
		})
	}
	if err != nil {
		h.writeError(w, err, "award", zap.String("userID", req.UserID))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type adjustRequest struct {
	UserID   string `json:"user_id"`
	Currency string `json:"currency"`
	Delta    int64  `json:"delta"`
	Reason   string `json:"reason"`
}

// Adjust применяет ручную корректировку остатка.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	actorID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req adjustRequest
	if !decodeJSON(r, &req) {
		badRequest(w)
		return
	}

	currency, okCurrency := parseCurrency(req.Currency, "")
	if !okCurrency || currency == "" || !validation.IsValidIdentifier(req.UserID) ||
		!validation.IsValidDelta(req.Delta) || !validation.IsValidText(req.Reason) || strings.TrimSpace(req.Reason) == "" {
		unprocessable(w)
		return
	}

	res, err := h.service.Adjust(r.Context(), service.AdjustParams{
		UserID:   req.UserID,
		Currency: currency,
		Delta:    req.Delta,
		ActorID:  actorID,
		Reason:   req.Reason,
	})
	if err != nil {
		h.writeError(w, err, "adjust", zap.String("userID", req.UserID), zap.Int64("delta", req.Delta))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GetUserLedger возвращает журнал указанного пользователя.
func (h *Handler) GetUserLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !validation.IsValidIdentifier(userID) {
		badRequest(w)
		return
	}
	limit, ok := queryLimit(r)
	if !ok {
		badRequest(w)
		return
	}

	entries, err := h.service.ListLedger(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, err, "list user ledger", zap.String("userID", userID))
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type reconcileResponse struct {
	Consistent bool                   `json:"consistent"`
	Balances   []model.Reconciliation `json:"balances"`
}

// Reconcile сверяет остатки пользователя с журналом.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !validation.IsValidIdentifier(userID) {
		badRequest(w)
		return
	}

	recs, err := h.service.Reconcile(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "reconcile", zap.String("userID", userID))
		return
	}

	resp := reconcileResponse{Consistent: true, Balances: recs}
	for _, rec := range recs {
		if !rec.Consistent() {
			resp.Consistent = false
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPurchase возвращает результат покупки по идентификатору платежа.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	if !validation.IsValidIdentifier(paymentID) {
		badRequest(w)
		return
	}

	res, err := h.service.GetPurchase(r.Context(), paymentID)
	if err != nil {
		h.writeError(w, err, "get purchase", zap.String("paymentID", paymentID))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type rewardItemRequest struct {
	Name            string `json:"name"`
	RewardType      string `json:"reward_type"`
	BadgeCode       string `json:"badge_code"`
	PointsCost      int64  `json:"points_cost"`
	CopiesAvailable *int64 `json:"copies_available"`
}

// CreateRewardItem добавляет награду в каталог.
func (h *Handler) CreateRewardItem(w http.ResponseWriter, r *http.Request) {
	var req rewardItemRequest
	if !decodeJSON(r, &req) {
		badRequest(w)
		return
	}

	rewardType := model.RewardType(strings.ToUpper(req.RewardType))
	if rewardType == model.RewardBadge && req.BadgeCode != "" && !validation.IsValidBadgeCode(req.BadgeCode) {
		unprocessable(w)
		return
	}
	if !validation.IsValidText(req.Name) || req.PointsCost > validation.MaxAmount {
		unprocessable(w)
		return
	}

	item, err := h.service.CreateRewardItem(r.Context(), service.RewardItemParams{
		Name:            req.Name,
		RewardType:      rewardType,
		BadgeCode:       req.BadgeCode,
		PointsCost:      req.PointsCost,
		CopiesAvailable: req.CopiesAvailable,
	})
	if err != nil {
		h.writeError(w, err, "create reward item", zap.String("name", req.Name))
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

// ListAllRewards возвращает весь каталог, включая снятые позиции.
func (h *Handler) ListAllRewards(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListRewardItems(r.Context(), false)
	if err != nil {
		h.writeError(w, err, "list all rewards")
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// ListAllRedemptions возвращает заявки всех пользователей или одного, если задан user_id.
func (h *Handler) ListAllRedemptions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID != "" && !validation.IsValidIdentifier(userID) {
		badRequest(w)
		return
	}
	limit, ok := queryLimit(r)
	if !ok {
		badRequest(w)
		return
	}

	list, err := h.service.ListRedemptions(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, err, "list all redemptions")
		return
	}

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetAudit возвращает историю заявки.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		badRequest(w)
		return
	}

	entries, err := h.service.ListAudit(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "list audit", zap.String("redemptionID", id.String()))
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// ReviewRedemption возвращает обработчик перехода заявки в статус to.
func (h *Handler) ReviewRedemption(to model.RedemptionStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, ok := currentUser(w, r)
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
		if !validation.IsValidText(req.Reason) || !validation.IsValidText(req.Notes) {
			unprocessable(w)
			return
		}

		red, err := h.service.Transition(r.Context(), service.TransitionParams{
			RedemptionID: id,
			To:           to,
			ActorID:      actorID,
			Reason:       req.Reason,
			Notes:        req.Notes,
		})
		if err != nil {
			h.writeError(w, err, "review redemption",
				zap.String("redemptionID", id.String()), zap.String("to", string(to)))
			return
		}

		writeJSON(w, http.StatusOK, red)
	}
}

type grantRequest struct {
	UserID       string `json:"user_id"`
	RewardItemID string `json:"reward_item_id"`
	Notes        string `json:"notes"`
}

// Grant выдаёт награду пользователю без списания баллов.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	actorID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req grantRequest
	if !decodeJSON(r, &req) {
		badRequest(w)
		return
	}
	itemID, err := uuid.Parse(req.RewardItemID)
	if err != nil || !validation.IsValidIdentifier(req.UserID) || !validation.IsValidText(req.Notes) {
		unprocessable(w)
		return
	}

	red, err := h.service.Grant(r.Context(), service.GrantParams{
		UserID:       req.UserID,
		RewardItemID: itemID,
		ActorID:      actorID,
		Notes:        req.Notes,
	})
	if err != nil {
		h.writeError(w, err, "grant", zap.String("userID", req.UserID))
		return
	}

	writeJSON(w, http.StatusCreated, red)
}
