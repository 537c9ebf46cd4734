package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nuruai/orchestrator/internal/auth"
	"github.com/nuruai/orchestrator/internal/budget"
	"github.com/nuruai/orchestrator/internal/canonical"
	"github.com/nuruai/orchestrator/internal/health"
	"github.com/nuruai/orchestrator/internal/idempotency"
	"github.com/nuruai/orchestrator/internal/orchestrator"
	"github.com/nuruai/orchestrator/internal/registry"
	"github.com/nuruai/orchestrator/internal/usage"
	"github.com/nuruai/orchestrator/pkg/ratelimit"
)

type fakeAdapter struct {
	id   string
	cost int64
	err  error
}

func (f *fakeAdapter) Descriptor() canonical.Descriptor {
	return canonical.Descriptor{
		ProviderID:    f.id,
		Kinds:         []canonical.Kind{canonical.KindTextGen},
		BaseTimeoutMs: 5000,
	}
}

func (f *fakeAdapter) EstimateCost(_ *canonical.Request) int64 { return f.cost }

func (f *fakeAdapter) Invoke(_ context.Context, _ *canonical.Request) ([]byte, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return []byte("generated text"), f.cost, nil
}

// Mock limiter store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func setupTest(t *testing.T, caps budget.Caps, limiterAllowed bool, adapters ...canonical.Adapter) (*Handler, *usage.MemoryStore) {
	t.Helper()
	reg, err := registry.Build(adapters...)
	if err != nil {
		t.Fatalf("Registry build failed: %v", err)
	}
	tracker := health.NewTracker(health.Config{}, reg.Providers())
	ledger := budget.NewLedger(budget.PeriodDaily, caps)
	cache := idempotency.NewCache(time.Minute, 128)
	store := usage.NewMemoryStore()
	tracer := noop.NewTracerProvider().Tracer("test")
	orch := orchestrator.New(reg, tracker, ledger, cache, store, tracer, orchestrator.Config{})
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	return NewHandler(orch, store, limiter, tracer), store
}

func submitBody(t *testing.T, kind canonical.Kind, payload string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(canonical.Request{
		Kind:      kind,
		Payload:   []byte(payload),
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return bytes.NewReader(body)
}

func TestHandleSubmit_Unauthorized(t *testing.T) {
	h, _ := setupTest(t, budget.Caps{}, true, &fakeAdapter{id: "a", cost: 10})
	req := httptest.NewRequest("POST", "/v1/inference", nil)
	w := httptest.NewRecorder()

	h.HandleSubmit(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleSubmit_InvalidBody(t *testing.T) {
	h, _ := setupTest(t, budget.Caps{}, true, &fakeAdapter{id: "a", cost: 10})
	req := httptest.NewRequest("POST", "/v1/inference", strings.NewReader(`{invalid json}`))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleSubmit(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleSubmit_RateLimited(t *testing.T) {
	h, _ := setupTest(t, budget.Caps{}, false, &fakeAdapter{id: "a", cost: 10})
	req := httptest.NewRequest("POST", "/v1/inference", submitBody(t, canonical.KindTextGen, "hi"))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleSubmit(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestHandleSubmit_Success(t *testing.T) {
	h, store := setupTest(t, budget.Caps{}, true, &fakeAdapter{id: "a", cost: 10})
	req := httptest.NewRequest("POST", "/v1/inference", submitBody(t, canonical.KindTextGen, "hi"))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleSubmit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result canonical.Result
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if result.ProviderUsed != "a" {
		t.Errorf("Expected provider a, got %s", result.ProviderUsed)
	}
	if string(result.Payload) != "generated text" {
		t.Errorf("Unexpected payload: %s", result.Payload)
	}
	if recs := store.ByRequest("req-1"); len(recs) != 1 {
		t.Errorf("Expected one usage record, got %d", len(recs))
	}
}

func TestHandleSubmit_BudgetExhaustedIs402(t *testing.T) {
	h, _ := setupTest(t, budget.Caps{CapMicros: 5}, true, &fakeAdapter{id: "a", cost: 10})
	req := httptest.NewRequest("POST", "/v1/inference", submitBody(t, canonical.KindTextGen, "hi"))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleSubmit(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleSubmit_AllFailedIs502WithAttempts(t *testing.T) {
	failed := canonical.NewProviderError("a", canonical.FailureUpstream, errors.New("boom"))
	h, _ := setupTest(t, budget.Caps{}, true, &fakeAdapter{id: "a", cost: 10, err: failed})
	req := httptest.NewRequest("POST", "/v1/inference", submitBody(t, canonical.KindTextGen, "hi"))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleSubmit(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}
	var body struct {
		Attempts []orchestrator.AttemptFailure `json:"attempts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if len(body.Attempts) != 1 || body.Attempts[0].Provider != "a" {
		t.Errorf("Expected one attempt for a, got %+v", body.Attempts)
	}
}

func TestHandleSubmit_UnknownKindIs400(t *testing.T) {
	h, _ := setupTest(t, budget.Caps{}, true, &fakeAdapter{id: "a", cost: 10})
	req := httptest.NewRequest("POST", "/v1/inference", submitBody(t, "poetry", "hi"))
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleSubmit(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_ReturnsTenantRecords(t *testing.T) {
	h, store := setupTest(t, budget.Caps{}, true, &fakeAdapter{id: "a", cost: 10})
	store.Report(&usage.Record{
		TenantID:   "test-tenant",
		RequestID:  "r1",
		Provider:   "a",
		CostMicros: 10,
		Outcome:    usage.OutcomeSuccess,
	})
	store.Report(&usage.Record{
		TenantID:  "other-tenant",
		RequestID: "r2",
		Provider:  "a",
		Outcome:   usage.OutcomeSuccess,
	})

	req := httptest.NewRequest("GET", "/v1/usage", nil)
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body struct {
		TotalAttempts   int            `json:"total_attempts"`
		TotalCostMicros int64          `json:"total_cost_micros"`
		Records         []usage.Record `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if body.TotalAttempts != 1 || body.TotalCostMicros != 10 {
		t.Errorf("Expected 1 attempt costing 10, got %d/%d", body.TotalAttempts, body.TotalCostMicros)
	}
}

func TestHandleUsage_InvalidDate(t *testing.T) {
	h, _ := setupTest(t, budget.Caps{}, true, &fakeAdapter{id: "a", cost: 10})
	req := httptest.NewRequest("GET", "/v1/usage?from=yesterday", nil)
	req = req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}
