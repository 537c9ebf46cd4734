package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nuruai/orchestrator/internal/canonical"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

func newTestTracker(ids ...string) *Tracker {
	return NewTracker(Config{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		ProbeSuccesses:   1,
		WindowSize:       8,
	}, ids)
}

func TestObserve_OpensAfterConsecutiveFailures(t *testing.T) {
	tr := newTestTracker("p")

	if !tr.IsEligible("p") {
		t.Fatal("Provider should start eligible")
	}
	_ = tr.Observe("p", failing)
	if !tr.IsEligible("p") {
		t.Fatal("One failure should not open the breaker")
	}
	_ = tr.Observe("p", failing)
	if tr.IsEligible("p") {
		t.Fatal("Breaker should open after threshold failures")
	}
}

func TestObserve_ProbeFailureReopens(t *testing.T) {
	tr := newTestTracker("p")
	_ = tr.Observe("p", failing)
	_ = tr.Observe("p", failing)

	time.Sleep(60 * time.Millisecond)
	if !tr.IsEligible("p") {
		t.Fatal("Breaker should allow probes after cooldown")
	}

	_ = tr.Observe("p", failing)
	if tr.IsEligible("p") {
		t.Fatal("A single probe failure should reopen the breaker")
	}
}

func TestObserve_ProbeSuccessCloses(t *testing.T) {
	tr := newTestTracker("p")
	_ = tr.Observe("p", failing)
	_ = tr.Observe("p", failing)

	time.Sleep(60 * time.Millisecond)
	if err := tr.Observe("p", succeeding); err != nil {
		t.Fatalf("Probe should run after cooldown: %v", err)
	}
	if !tr.IsEligible("p") {
		t.Fatal("Breaker should close after a successful probe")
	}
	// A closed breaker tolerates a single failure again.
	_ = tr.Observe("p", failing)
	if !tr.IsEligible("p") {
		t.Fatal("Closed breaker should survive one failure")
	}
}

func TestObserve_RejectionWhileOpen(t *testing.T) {
	tr := newTestTracker("p")
	_ = tr.Observe("p", failing)
	_ = tr.Observe("p", failing)

	ran := false
	err := tr.Observe("p", func() error { ran = true; return nil })
	if !IsBreakerRejection(err) {
		t.Fatalf("Expected breaker rejection, got %v", err)
	}
	if ran {
		t.Fatal("Call must not run while the breaker is open")
	}
}

func TestNewTracker_ClampsNonPositiveConfig(t *testing.T) {
	tr := NewTracker(Config{
		Cooldown:   -time.Second,
		WindowSize: -5,
	}, []string{"p"})

	// A negative window must fall back to the default, not panic on a
	// negative-length ring.
	tr.RecordOutcome("p", true, 10)
	if !tr.IsEligible("p") {
		t.Fatal("Provider should be eligible under default settings")
	}
}

func TestObserve_UnknownProviderRunsUnguarded(t *testing.T) {
	tr := newTestTracker("p")
	if err := tr.Observe("unknown", succeeding); err != nil {
		t.Fatalf("Unknown provider call failed: %v", err)
	}
}

type rankAdapter struct {
	id string
}

func (f *rankAdapter) Descriptor() canonical.Descriptor {
	return canonical.Descriptor{ProviderID: f.id, Kinds: []canonical.Kind{canonical.KindTextGen}}
}
func (f *rankAdapter) EstimateCost(_ *canonical.Request) int64 { return 1 }
func (f *rankAdapter) Invoke(_ context.Context, _ *canonical.Request) ([]byte, int64, error) {
	return nil, 0, nil
}

func ranked(t *testing.T, tr *Tracker, ids ...string) []string {
	t.Helper()
	candidates := make([]canonical.Adapter, 0, len(ids))
	for _, id := range ids {
		candidates = append(candidates, &rankAdapter{id: id})
	}
	out := tr.Rank(candidates)
	got := make([]string, 0, len(out))
	for _, a := range out {
		got = append(got, a.Descriptor().ProviderID)
	}
	return got
}

func TestRank_SuccessRateDominates(t *testing.T) {
	tr := newTestTracker("flaky", "solid")
	tr.RecordOutcome("flaky", true, 10)
	tr.RecordOutcome("flaky", false, 10)
	tr.RecordOutcome("solid", true, 50)
	tr.RecordOutcome("solid", true, 50)

	got := ranked(t, tr, "flaky", "solid")
	if got[0] != "solid" || got[1] != "flaky" {
		t.Errorf("Expected [solid flaky], got %v", got)
	}
}

func TestRank_LatencyBreaksRateTies(t *testing.T) {
	tr := newTestTracker("slow", "fast")
	tr.RecordOutcome("slow", true, 500)
	tr.RecordOutcome("fast", true, 20)

	got := ranked(t, tr, "slow", "fast")
	if got[0] != "fast" {
		t.Errorf("Expected fast first, got %v", got)
	}
}

func TestRank_IneligibleLast(t *testing.T) {
	tr := newTestTracker("open", "fresh")
	_ = tr.Observe("open", failing)
	_ = tr.Observe("open", failing)

	got := ranked(t, tr, "open", "fresh")
	if got[0] != "fresh" || got[1] != "open" {
		t.Errorf("Expected [fresh open], got %v", got)
	}
}

func TestRank_NoDataIsNeutralAndStable(t *testing.T) {
	tr := newTestTracker("a", "b", "c")
	// No observations: the input (registry) order must be preserved.
	got := ranked(t, tr, "a", "b", "c")
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Expected registry order preserved, got %v", got)
	}
}
