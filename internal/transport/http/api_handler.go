package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"daily-atlas-service/internal/app"
	"daily-atlas-service/internal/domain"
	"daily-atlas-service/internal/identity"
	"daily-atlas-service/internal/logger"
)

// APIHandler serves the progression, shop and identity endpoints.
type APIHandler struct {
	service *app.Service
	issuer  *identity.Issuer
	hub     *identity.Hub
	log     *logger.Logger
}

func NewAPIHandler(service *app.Service, issuer *identity.Issuer, hub *identity.Hub, log *logger.Logger) *APIHandler {
	return &APIHandler{service: service, issuer: issuer, hub: hub, log: logger.OrNop(log)}
}

func (h *APIHandler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("GET /api/progression", wrap(http.HandlerFunc(h.progression)))
	mux.Handle("GET /api/achievements", wrap(http.HandlerFunc(h.achievements)))
	mux.Handle("GET /api/shop", wrap(http.HandlerFunc(h.shop)))
	mux.Handle("POST /api/shop/purchase", wrap(http.HandlerFunc(h.purchase)))
	mux.Handle("POST /api/shop/equip", wrap(http.HandlerFunc(h.equip)))
	mux.Handle("POST /api/share", wrap(http.HandlerFunc(h.share)))
	mux.Handle("POST /api/link", wrap(http.HandlerFunc(h.link)))
	mux.Handle("GET /api/challenge/today", wrap(http.HandlerFunc(h.today)))
}

func (h *APIHandler) progression(w http.ResponseWriter, r *http.Request) {
	who, err := h.hub.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := h.service.Progression(r.Context(), who)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *APIHandler) achievements(w http.ResponseWriter, r *http.Request) {
	who, err := h.hub.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := h.service.Achievements(r.Context(), who)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"achievements": list})
}

func (h *APIHandler) shop(w http.ResponseWriter, r *http.Request) {
	who, err := h.hub.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	items, balance, err := h.service.Shop(r.Context(), who)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance, "items": items})
}

type purchaseRequest struct {
	ItemID string `json:"itemId"`
}

func (h *APIHandler) purchase(w http.ResponseWriter, r *http.Request) {
	who, err := h.hub.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ItemID == "" {
		badRequest(w, "itemId is required")
		return
	}
	res, err := h.service.Purchase(r.Context(), who, req.ItemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type equipRequest struct {
	Slot   domain.Slot `json:"slot"`
	ItemID string      `json:"itemId"`
}

func (h *APIHandler) equip(w http.ResponseWriter, r *http.Request) {
	who, err := h.hub.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req equipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	switch req.Slot {
	case domain.SlotTheme, domain.SlotBadge, domain.SlotFrame, domain.SlotTitle:
	default:
		badRequest(w, fmt.Sprintf("unknown slot %q", req.Slot))
		return
	}
	state, err := h.service.Equip(r.Context(), who, req.Slot, req.ItemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *APIHandler) share(w http.ResponseWriter, r *http.Request) {
	who, err := h.hub.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.service.RecordShare(r.Context(), who)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type linkRequest struct {
	AccountToken string `json:"accountToken"`
}

// link upgrades the calling anonymous identity to the account named by accountToken. The
// merge itself runs in the identity change listeners.
func (h *APIHandler) link(w http.ResponseWriter, r *http.Request) {
	who, err := h.hub.Current(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !who.Anonymous {
		badRequest(w, "caller is not anonymous")
		return
	}
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountToken == "" {
		badRequest(w, "accountToken is required")
		return
	}
	account, err := h.issuer.Verify(req.AccountToken)
	if err != nil {
		writeError(w, err)
		return
	}
	if account.Anonymous {
		badRequest(w, "accountToken names an anonymous identity")
		return
	}
	if err := h.hub.Notify(r.Context(), who, account); err != nil {
		h.fail(w, r, err)
		return
	}
	state, err := h.service.Progression(r.Context(), account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": account, "state": state})
}

func (h *APIHandler) today(w http.ResponseWriter, r *http.Request) {
	day, questions, err := h.service.TodayQuestions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dayIndex": day, "questions": questions})
}

func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := classify(err); status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, err)
}
