// Package budget enforces per-tenant spend and volume caps through
// atomic reserve/commit/release accounting.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Period is the rollover boundary for tenant counters.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// ErrReservationSettled means a reservation was committed or released
// twice. That is a ledger invariant violation, not an environmental
// condition; callers must treat it as a bug.
var ErrReservationSettled = errors.New("budget: reservation already settled")

// Caps bounds one tenant for one period. A zero cap means unlimited.
type Caps struct {
	CapMicros   int64
	CapRequests int64
}

// Reservation holds estimated spend against a tenant's caps until the
// dispatch settles. Reservations keep the period they were opened under.
type Reservation struct {
	Token          string
	TenantID       string
	EstimateMicros int64

	acct        *account
	periodStart time.Time
	settled     bool
}

type account struct {
	mu sync.Mutex

	caps           Caps
	periodStart    time.Time
	spentMicros    int64
	reservedMicros int64
	requestCount   int64
}

// rollover resets the counters when the period boundary has passed.
// Open reservations belong to the period they were created in, so the
// reserved total resets with everything else. Caller holds a.mu.
func (a *account) rollover(start time.Time) {
	if start.After(a.periodStart) {
		a.periodStart = start
		a.spentMicros = 0
		a.reservedMicros = 0
		a.requestCount = 0
	}
}

// Ledger tracks spend per tenant. Each tenant has its own lock, so
// concurrent tenants never contend with each other.
type Ledger struct {
	period   Period
	defaults Caps
	accounts sync.Map // tenantID -> *account

	now func() time.Time
}

func NewLedger(period Period, defaults Caps) *Ledger {
	return &Ledger{period: period, defaults: defaults, now: time.Now}
}

func (l *Ledger) periodStart(t time.Time) time.Time {
	t = t.UTC()
	if l.period == PeriodMonthly {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (l *Ledger) acct(tenantID string) *account {
	if v, ok := l.accounts.Load(tenantID); ok {
		return v.(*account)
	}
	v, _ := l.accounts.LoadOrStore(tenantID, &account{
		caps:        l.defaults,
		periodStart: l.periodStart(l.now()),
	})
	return v.(*account)
}

// SetCaps overrides the caps for one tenant. Intended for startup
// configuration; takes effect for every subsequent reservation.
func (l *Ledger) SetCaps(tenantID string, caps Caps) {
	a := l.acct(tenantID)
	a.mu.Lock()
	a.caps = caps
	a.mu.Unlock()
}

// TryDebit atomically reserves estimateMicros against the tenant's caps.
// The check and the reservation happen under one lock so two concurrent
// requests can never both observe room and jointly overshoot the cap.
// A request slot is reserved along with the spend and handed back by
// Release, so failed attempts do not consume the volume cap.
func (l *Ledger) TryDebit(tenantID string, estimateMicros int64) (*Reservation, bool) {
	a := l.acct(tenantID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover(l.periodStart(l.now()))

	if a.caps.CapMicros > 0 && a.spentMicros+a.reservedMicros+estimateMicros > a.caps.CapMicros {
		return nil, false
	}
	if a.caps.CapRequests > 0 && a.requestCount+1 > a.caps.CapRequests {
		return nil, false
	}
	a.reservedMicros += estimateMicros
	a.requestCount++
	return &Reservation{
		Token:          uuid.New().String(),
		TenantID:       tenantID,
		EstimateMicros: estimateMicros,
		acct:           a,
		periodStart:    a.periodStart,
	}, true
}

// Commit replaces the reserved estimate with the real upstream cost.
// Reconciliation is refund-only: when the actual cost exceeds the
// estimate the overage is reported as a warning, never rejected, since
// the spend already happened upstream. Returned warnings are empty on a
// clean commit.
func (l *Ledger) Commit(res *Reservation, actualMicros int64) ([]string, error) {
	a := res.acct
	a.mu.Lock()
	defer a.mu.Unlock()
	if res.settled {
		return nil, ErrReservationSettled
	}
	res.settled = true
	a.rollover(l.periodStart(l.now()))

	// A reservation from a previous period settles into that period;
	// the current period's counters no longer track it.
	if !res.periodStart.Equal(a.periodStart) {
		return nil, nil
	}
	a.reservedMicros -= res.EstimateMicros
	a.spentMicros += actualMicros

	var warnings []string
	if actualMicros > res.EstimateMicros {
		warnings = append(warnings, fmt.Sprintf(
			"cost overage for tenant %s: estimated %d micros, actual %d micros",
			res.TenantID, res.EstimateMicros, actualMicros))
	}
	return warnings, nil
}

// Release refunds the full reservation, including its request slot.
// Called when dispatch failed before any upstream cost was incurred.
func (l *Ledger) Release(res *Reservation) error {
	a := res.acct
	a.mu.Lock()
	defer a.mu.Unlock()
	if res.settled {
		return ErrReservationSettled
	}
	res.settled = true
	a.rollover(l.periodStart(l.now()))

	if !res.periodStart.Equal(a.periodStart) {
		return nil
	}
	a.reservedMicros -= res.EstimateMicros
	a.requestCount--
	return nil
}

// Snapshot reports the tenant's counters for the current period.
func (l *Ledger) Snapshot(tenantID string) (spentMicros, reservedMicros, requestCount int64) {
	a := l.acct(tenantID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover(l.periodStart(l.now()))
	return a.spentMicros, a.reservedMicros, a.requestCount
}
