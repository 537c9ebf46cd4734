// Package httpapi exposes the orchestrator over HTTP and maps its typed
// error set onto response statuses.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuruai/orchestrator/internal/auth"
	"github.com/nuruai/orchestrator/internal/canonical"
	"github.com/nuruai/orchestrator/internal/orchestrator"
	"github.com/nuruai/orchestrator/internal/usage"
	"github.com/nuruai/orchestrator/pkg/ratelimit"
)

type Handler struct {
	orch    *orchestrator.Orchestrator
	store   usage.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

func NewHandler(orch *orchestrator.Orchestrator, store usage.Store, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		orch:    orch,
		store:   store,
		limiter: limiter,
		tracer:  tracer,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	allowed, err := h.limiter.Allow(ctx, tenantID)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	var req canonical.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	// The authenticated tenant always wins over whatever the body says.
	req.TenantID = tenantID
	if req.RequestID == "" {
		req.RequestID = auth.GetRequestID(ctx)
	}

	ctx, span := h.tracer.Start(ctx, "httpapi.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", req.RequestID),
		attribute.String("kind", string(req.Kind)),
	)

	result, err := h.orch.Submit(ctx, &req)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	var exhausted *orchestrator.ExhaustedError
	if errors.As(err, &exhausted) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    "all candidate providers failed",
			"attempts": exhausted.Attempts,
		})
		return
	}

	var status int
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoProvider):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrConstraintsUnsatisfiable),
		errors.Is(err, orchestrator.ErrLatencyUnsatisfiable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrBudgetExhausted):
		status = http.StatusPaymentRequired
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	records, err := h.store.ListByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	totalCost, err := h.store.TotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":         tenantID,
		"total_attempts":    len(records),
		"total_cost_micros": totalCost,
		"records":           records,
		"from":              from,
		"to":                to,
	})
}
