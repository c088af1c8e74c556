package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/catalog"
)

const maxRequestBodyBytes = 16 * 1024

type handlers struct {
	billing BillingService
	status  StatusService
	plans   PlanLister
	health  Pinger
	logger  zerolog.Logger
	onError func(w http.ResponseWriter, r *http.Request, err error)
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

type portalResponse struct {
	URL string `json:"url"`
}

type plansResponse struct {
	Plans []*billing.PlanCatalogEntry `json:"plans"`
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	view, err := h.status.GetStatus(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	ctx := billing.WithEmailHint(r.Context(), EmailFromContext(r.Context()))
	summary, err := h.billing.Refresh(ctx, userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	summary, err := h.billing.CancelAtPeriodEnd(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) billingPortal(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req portalRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}

	url, err := h.billing.PortalURL(r.Context(), userID, req.ReturnURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portalResponse{URL: url})
}

func (h *handlers) billingInfo(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	info, err := h.billing.BillingInfo(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.ListPlans(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if plans == nil {
		plans = []*billing.PlanCatalogEntry{}
	}
	writeJSON(w, http.StatusOK, plansResponse{Plans: plans})
}

// handleError maps engine errors to HTTP responses.
func (h *handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.onError != nil {
		h.onError(w, r, err)
		return
	}

	code, errType, message := classifyError(err)
	event := h.logger.Warn()
	if code >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).
		Str("path", r.URL.Path).
		Int("status", code).
		Msg("request failed")
	writeError(w, code, errType, message)
}

func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, billing.ErrUserNotFound):
		return http.StatusNotFound, "not_found", "user not found"
	case errors.Is(err, billing.ErrCustomerNotFound):
		return http.StatusNotFound, "not_found", "no billing account for user"
	case errors.Is(err, billing.ErrNoActiveSubscription):
		return http.StatusConflict, "no_active_subscription", "no active subscription"
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway, "provider_error", "billing provider unavailable, try again"
	case errors.Is(err, catalog.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "provider_unavailable", "billing provider unavailable, try again"
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable, "not_configured", "billing is not configured"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, errType, message string) {
	writeJSON(w, code, errorResponse{Error: errType, Message: message})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
