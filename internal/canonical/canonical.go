package canonical

import (
	"context"
)

// Kind identifies the class of inference work a request carries.
type Kind string

const (
	KindTextGen      Kind = "text_gen"
	KindSpeechToText Kind = "speech_to_text"
	KindTranslate    Kind = "translate"
	KindVision       Kind = "vision"
	KindEmbedding    Kind = "embedding"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTextGen, KindSpeechToText, KindTranslate, KindVision, KindEmbedding:
		return true
	}
	return false
}

// Constraints are caller-supplied bounds on a single logical request.
// Zero values mean "no constraint".
type Constraints struct {
	MaxLatencyMs     int64  `json:"max_latency_ms,omitempty"`
	MaxCostMicros    int64  `json:"max_cost_micros,omitempty"`
	RequiredLanguage string `json:"required_language,omitempty"`
}

// Request is the provider-agnostic form every caller submits.
// Immutable once constructed; RequestID doubles as the idempotency key.
type Request struct {
	Kind        Kind        `json:"kind"`
	Payload     []byte      `json:"payload"`
	Constraints Constraints `json:"constraints"`
	TenantID    string      `json:"tenant_id"`
	RequestID   string      `json:"request_id"`
}

// Result is the provider-agnostic response shape. Exactly one Result is
// produced per RequestID; retried deliveries return the same value.
type Result struct {
	RequestID    string   `json:"request_id"`
	ProviderUsed string   `json:"provider_used"`
	CostMicros   int64    `json:"cost_micros"`
	LatencyMs    int64    `json:"latency_ms"`
	Payload      []byte   `json:"payload"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Descriptor is an adapter's static registration record. Registered at
// process start and never mutated afterwards.
type Descriptor struct {
	ProviderID string
	Kinds      []Kind
	// BaseTimeoutMs caps a single dispatch to this provider.
	BaseTimeoutMs int64
	// MinLatencyMs is the fastest round trip this provider realistically
	// achieves; requests with a smaller latency budget are not dispatched.
	MinLatencyMs int64
	// EmptyResultIsFailure marks providers whose empty payload means the
	// call failed (e.g. a transcription with no transcript).
	EmptyResultIsFailure bool
}

func (d Descriptor) Supports(k Kind) bool {
	for _, dk := range d.Kinds {
		if dk == k {
			return true
		}
	}
	return false
}

// Adapter translates canonical requests into one upstream provider's
// wire format and back. Adapters own authentication, request shaping,
// and response parsing, and must surface every failure as a
// *ProviderError so routing stays provider-agnostic.
type Adapter interface {
	Descriptor() Descriptor
	EstimateCost(req *Request) int64
	Invoke(ctx context.Context, req *Request) (payload []byte, costMicros int64, err error)
}
