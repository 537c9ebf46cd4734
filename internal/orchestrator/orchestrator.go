// Package orchestrator routes canonical inference requests across the
// registered providers, falling back down a ranked candidate chain under
// the caller's latency budget and the tenant's spending caps.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuruai/orchestrator/internal/budget"
	"github.com/nuruai/orchestrator/internal/canonical"
	"github.com/nuruai/orchestrator/internal/health"
	"github.com/nuruai/orchestrator/internal/idempotency"
	"github.com/nuruai/orchestrator/internal/registry"
	"github.com/nuruai/orchestrator/internal/usage"
)

// State is one logical request's position in its lifecycle. Kept as
// explicit inspectable state rather than implied by control flow.
type State string

const (
	StatePending     State = "pending"
	StateSelecting   State = "selecting"
	StateDispatching State = "dispatching"
	StateRetrying    State = "retrying"
	StateSucceeded   State = "succeeded"
	StateExhausted   State = "exhausted"
)

type Config struct {
	// MaxAttempts bounds dispatches per logical request.
	MaxAttempts int
	// Rank overrides the candidate ordering policy. Defaults to the
	// health tracker's eligible / success-rate / p95 order.
	Rank func(candidates []canonical.Adapter) []canonical.Adapter
}

type Orchestrator struct {
	reg     *registry.Registry
	tracker *health.Tracker
	ledger  *budget.Ledger
	cache   *idempotency.Cache
	sink    usage.Sink
	tracer  trace.Tracer
	cfg     Config
}

func New(reg *registry.Registry, tracker *health.Tracker, ledger *budget.Ledger,
	cache *idempotency.Cache, sink usage.Sink, tracer trace.Tracer, cfg Config) *Orchestrator {

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	o := &Orchestrator{
		reg:     reg,
		tracker: tracker,
		ledger:  ledger,
		cache:   cache,
		sink:    sink,
		tracer:  tracer,
		cfg:     cfg,
	}
	if o.cfg.Rank == nil {
		o.cfg.Rank = tracker.Rank
	}
	return o
}

// Submit runs one logical request to completion. Duplicate submissions
// with the same request id collapse onto the first one's outcome without
// dispatching again.
func (o *Orchestrator) Submit(ctx context.Context, req *canonical.Request) (*canonical.Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	flight, winner := o.cache.Begin(req.RequestID)
	if !winner {
		return flight.Wait(ctx)
	}

	result, err := o.dispatch(ctx, req)
	o.cache.Finish(req.RequestID, flight, result, err)
	return result, err
}

func validate(req *canonical.Request) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	case !req.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	case len(req.Payload) == 0:
		return fmt.Errorf("%w: empty payload", ErrInvalidRequest)
	case req.TenantID == "":
		return fmt.Errorf("%w: missing tenant id", ErrInvalidRequest)
	case req.RequestID == "":
		return fmt.Errorf("%w: missing request id", ErrInvalidRequest)
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, req *canonical.Request) (*canonical.Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("request_id", req.RequestID),
		attribute.String("kind", string(req.Kind)),
	)
	state := StateSelecting
	defer func() { span.SetAttributes(attribute.String("final_state", string(state))) }()

	candidates := o.reg.Eligible(req.Kind)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: kind %s", ErrNoProvider, req.Kind)
	}

	filtered := make([]canonical.Adapter, 0, len(candidates))
	for _, a := range candidates {
		if req.Constraints.MaxCostMicros > 0 && a.EstimateCost(req) > req.Constraints.MaxCostMicros {
			continue
		}
		filtered = append(filtered, a)
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w: max cost %d micros below every estimate",
			ErrConstraintsUnsatisfiable, req.Constraints.MaxCostMicros)
	}

	// A latency budget no provider can meet fails here rather than with
	// a dispatch guaranteed to time out.
	if req.Constraints.MaxLatencyMs > 0 {
		satisfiable := false
		for _, a := range filtered {
			if a.Descriptor().MinLatencyMs <= req.Constraints.MaxLatencyMs {
				satisfiable = true
				break
			}
		}
		if !satisfiable {
			return nil, fmt.Errorf("%w: budget %dms", ErrLatencyUnsatisfiable, req.Constraints.MaxLatencyMs)
		}
	}

	var deadline time.Time
	if req.Constraints.MaxLatencyMs > 0 {
		deadline = time.Now().Add(time.Duration(req.Constraints.MaxLatencyMs) * time.Millisecond)
	}

	ranked := o.cfg.Rank(filtered)

	var failures []AttemptFailure
	attempts, budgetSkips := 0, 0

	for _, a := range ranked {
		if attempts >= o.cfg.MaxAttempts {
			break
		}
		d := a.Descriptor()

		if !o.tracker.IsEligible(d.ProviderID) {
			continue
		}

		// Remaining latency budget shrinks with every retry; the logical
		// request never outlives the caller's bound.
		timeout := time.Duration(d.BaseTimeoutMs) * time.Millisecond
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			if remaining.Milliseconds() < d.MinLatencyMs {
				continue
			}
			if remaining < timeout {
				timeout = remaining
			}
		}

		estimate := a.EstimateCost(req)
		res, ok := o.ledger.TryDebit(req.TenantID, estimate)
		if !ok {
			// Budget exhaustion is not a provider fault: no dispatch, no
			// health outcome, no usage record.
			budgetSkips++
			continue
		}

		state = StateDispatching
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		payload, actual, latency, err := o.invoke(attemptCtx, a, req)
		cancel()

		if err != nil {
			if rerr := o.ledger.Release(res); rerr != nil {
				return nil, fmt.Errorf("%w: release after failed dispatch: %v", ErrInternal, rerr)
			}
			if health.IsBreakerRejection(err) {
				// The breaker refused before anything was sent; treat as
				// a skip, not a dispatch attempt.
				attempts--
				continue
			}
			fk, detail := classify(d.ProviderID, err)
			o.sink.Report(&usage.Record{
				TenantID:    req.TenantID,
				RequestID:   req.RequestID,
				Attempt:     attempts,
				Provider:    d.ProviderID,
				Kind:        string(req.Kind),
				LatencyMs:   latency,
				Outcome:     usage.OutcomeFailure,
				FailureKind: string(fk),
				Detail:      detail,
			})
			failures = append(failures, AttemptFailure{Provider: d.ProviderID, Kind: fk, Detail: detail})
			state = StateRetrying
			continue
		}

		warnings, cerr := o.ledger.Commit(res, actual)
		if cerr != nil {
			return nil, fmt.Errorf("%w: commit: %v", ErrInternal, cerr)
		}
		o.sink.Report(&usage.Record{
			TenantID:   req.TenantID,
			RequestID:  req.RequestID,
			Attempt:    attempts,
			Provider:   d.ProviderID,
			Kind:       string(req.Kind),
			CostMicros: actual,
			LatencyMs:  latency,
			Outcome:    usage.OutcomeSuccess,
		})
		state = StateSucceeded
		return &canonical.Result{
			RequestID:    req.RequestID,
			ProviderUsed: d.ProviderID,
			CostMicros:   actual,
			LatencyMs:    latency,
			Payload:      payload,
			Warnings:     warnings,
		}, nil
	}

	state = StateExhausted
	if attempts == 0 {
		switch {
		case budgetSkips > 0:
			return nil, fmt.Errorf("%w: %d candidates skipped", ErrBudgetExhausted, budgetSkips)
		case req.Constraints.MaxLatencyMs > 0:
			return nil, fmt.Errorf("%w: budget %dms", ErrLatencyUnsatisfiable, req.Constraints.MaxLatencyMs)
		default:
			// Every candidate sat behind an open breaker.
			return nil, fmt.Errorf("%w: no currently eligible candidate for kind %s", ErrNoProvider, req.Kind)
		}
	}
	return nil, &ExhaustedError{Attempts: failures}
}

// invoke runs one dispatch under the provider's breaker and reports the
// outcome to the health window.
func (o *Orchestrator) invoke(ctx context.Context, a canonical.Adapter, req *canonical.Request) ([]byte, int64, int64, error) {
	d := a.Descriptor()
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch")
	span.SetAttributes(attribute.String("provider", d.ProviderID))
	defer span.End()

	var payload []byte
	var actual int64
	start := time.Now()
	err := o.tracker.Observe(d.ProviderID, func() error {
		p, c, err := a.Invoke(ctx, req)
		if err != nil {
			return err
		}
		if len(p) == 0 && d.EmptyResultIsFailure {
			return canonical.NewProviderError(d.ProviderID, canonical.FailureMalformed,
				errors.New("provider returned empty result"))
		}
		payload, actual = p, c
		return nil
	})
	return payload, actual, time.Since(start).Milliseconds(), err
}

func classify(providerID string, err error) (canonical.FailureKind, string) {
	var pe *canonical.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, pe.Err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return canonical.FailureTimeout, err.Error()
	}
	return canonical.ClassifyTransportError(providerID, err).Kind, err.Error()
}
