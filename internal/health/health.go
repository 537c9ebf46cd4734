// Package health keeps a rolling view of every provider's recent
// behaviour and gates dispatch through a per-provider circuit breaker.
package health

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nuruai/orchestrator/internal/canonical"
)

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// ProbeSuccesses consecutive half-open successes close the breaker.
	ProbeSuccesses uint32
	// WindowSize bounds the per-provider outcome ring used for ranking.
	WindowSize int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeSuccesses == 0 {
		c.ProbeSuccesses = 2
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 64
	}
	return c
}

type outcome struct {
	success   bool
	latencyMs int64
}

type providerStats struct {
	mu     sync.Mutex
	ring   []outcome
	next   int
	filled int
}

func (s *providerStats) record(success bool, latencyMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = outcome{success: success, latencyMs: latencyMs}
	s.next = (s.next + 1) % len(s.ring)
	if s.filled < len(s.ring) {
		s.filled++
	}
}

// snapshot returns (successRate, p95 latency, observed). With no
// observations a provider is assumed healthy so new providers are not
// starved at cold start.
func (s *providerStats) snapshot() (float64, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filled == 0 {
		return 1.0, 0, false
	}
	var successes int
	latencies := make([]int64, 0, s.filled)
	for i := 0; i < s.filled; i++ {
		o := s.ring[i]
		if o.success {
			successes++
		}
		latencies = append(latencies, o.latencyMs)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (95*len(latencies) + 99) / 100
	if idx > 0 {
		idx--
	}
	return float64(successes) / float64(s.filled), latencies[idx], true
}

// Tracker owns one breaker and one outcome window per provider. It is
// injected into the orchestrator, never a package-level singleton, so
// independent orchestrators (and tests) cannot interfere.
type Tracker struct {
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker
	stats    map[string]*providerStats
}

func NewTracker(cfg Config, providerIDs []string) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(providerIDs)),
		stats:    make(map[string]*providerStats, len(providerIDs)),
	}
	for _, id := range providerIDs {
		threshold := cfg.FailureThreshold
		settings := gobreaker.Settings{
			Name:        id,
			MaxRequests: cfg.ProbeSuccesses,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}
		t.breakers[id] = gobreaker.NewCircuitBreaker(settings)
		t.stats[id] = &providerStats{ring: make([]outcome, cfg.WindowSize)}
	}
	return t
}

// Observe runs call under the provider's breaker and records the outcome
// in the ranking window. When the breaker rejects the call outright the
// window is untouched: nothing was actually attempted.
func (t *Tracker) Observe(providerID string, call func() error) error {
	cb, ok := t.breakers[providerID]
	if !ok {
		// Unknown providers run unguarded rather than erroring; the
		// tracker never raises its own failures to callers.
		return call()
	}
	start := time.Now()
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, call()
	})
	if IsBreakerRejection(err) {
		return err
	}
	t.RecordOutcome(providerID, err == nil, time.Since(start).Milliseconds())
	return err
}

// RecordOutcome feeds the ranking window directly. Breaker state is only
// driven through Observe.
func (t *Tracker) RecordOutcome(providerID string, success bool, latencyMs int64) {
	if s, ok := t.stats[providerID]; ok {
		s.record(success, latencyMs)
	}
}

// IsEligible reports whether the provider may receive traffic: closed
// and half-open breakers accept, open ones do not.
func (t *Tracker) IsEligible(providerID string) bool {
	cb, ok := t.breakers[providerID]
	if !ok {
		return true
	}
	return cb.State() != gobreaker.StateOpen
}

// IsBreakerRejection reports whether err means the breaker refused the
// call before it ran (open, or half-open with no probe slot left).
func IsBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Rank orders candidates for dispatch: eligible before ineligible, then
// empirical success rate descending, then recent p95 latency ascending.
// The sort is stable so ties keep the registry's cost order and routing
// stays deterministic.
func (t *Tracker) Rank(candidates []canonical.Adapter) []canonical.Adapter {
	type scored struct {
		adapter  canonical.Adapter
		eligible bool
		rate     float64
		p95      int64
	}
	scoredList := make([]scored, 0, len(candidates))
	for _, a := range candidates {
		id := a.Descriptor().ProviderID
		rate, p95 := 1.0, int64(0)
		if s, ok := t.stats[id]; ok {
			rate, p95, _ = s.snapshot()
		}
		scoredList = append(scoredList, scored{
			adapter:  a,
			eligible: t.IsEligible(id),
			rate:     rate,
			p95:      p95,
		})
	}
	sort.SliceStable(scoredList, func(i, j int) bool {
		a, b := scoredList[i], scoredList[j]
		if a.eligible != b.eligible {
			return a.eligible
		}
		if a.rate != b.rate {
			return a.rate > b.rate
		}
		return a.p95 < b.p95
	})
	ranked := make([]canonical.Adapter, len(scoredList))
	for i, s := range scoredList {
		ranked[i] = s.adapter
	}
	return ranked
}
