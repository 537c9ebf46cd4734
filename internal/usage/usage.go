// Package usage emits one append-only record per dispatch attempt for
// downstream billing and observability.
package usage

import (
	"context"
	"sync"
	"time"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record captures a single dispatch attempt, retries included. Records
// are never mutated after they are written.
type Record struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	RequestID   string    `json:"request_id"`
	Attempt     int       `json:"attempt"`
	Provider    string    `json:"provider"`
	Kind        string    `json:"kind"`
	CostMicros  int64     `json:"cost_micros"`
	LatencyMs   int64     `json:"latency_ms"`
	Outcome     Outcome   `json:"outcome"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	Append(ctx context.Context, rec *Record) error
	ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error)
	TotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (int64, error)
}

// Sink is the write-side handle the orchestrator holds.
type Sink interface {
	Report(rec *Record)
}

// MemoryStore keeps records in process. Used in tests and as the sink of
// last resort when no database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records = append(s.records, rec)
	return nil
}

// Report makes the memory store usable directly as a synchronous Sink.
func (s *MemoryStore) Report(rec *Record) {
	_ = s.Append(context.Background(), rec)
}

func (s *MemoryStore) ListByTenant(_ context.Context, tenantID string, from, to time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if r.TenantID != tenantID {
			continue
		}
		if r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) TotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	recs, _ := s.ListByTenant(ctx, tenantID, from, to)
	var total int64
	for _, r := range recs {
		if r.Outcome == OutcomeSuccess {
			total += r.CostMicros
		}
	}
	return total, nil
}

// ByRequest returns the records for one request id in append order.
func (s *MemoryStore) ByRequest(requestID string) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out
}
