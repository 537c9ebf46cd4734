package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nuruai/orchestrator/internal/canonical"
)

// The closed error set surfaced to callers. Submit returns either a
// canonical result or exactly one of these; raw adapter errors never
// escape.
var (
	ErrInvalidRequest           = errors.New("invalid request")
	ErrNoProvider               = errors.New("no provider supports this request kind")
	ErrConstraintsUnsatisfiable = errors.New("no provider satisfies the request constraints")
	ErrLatencyUnsatisfiable     = errors.New("latency budget below any provider's minimum")
	ErrBudgetExhausted          = errors.New("tenant budget exhausted")
	ErrAllProvidersFailed       = errors.New("all candidate providers failed")
	// ErrInternal marks a ledger or registry invariant violation. It is
	// a bug, not an environmental condition, and is never retried.
	ErrInternal = errors.New("internal invariant violation")
)

// AttemptFailure is the observable reason one candidate failed.
type AttemptFailure struct {
	Provider string                `json:"provider"`
	Kind     canonical.FailureKind `json:"kind"`
	Detail   string                `json:"detail"`
}

// ExhaustedError carries the per-candidate failure reasons when every
// attempt failed. Matchable with errors.Is(err, ErrAllProvidersFailed).
type ExhaustedError struct {
	Attempts []AttemptFailure
}

func (e *ExhaustedError) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s(%s)", a.Provider, a.Kind))
	}
	return fmt.Sprintf("%v: %s", ErrAllProvidersFailed, strings.Join(reasons, ", "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}
