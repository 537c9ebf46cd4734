package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nuruai/orchestrator/internal/canonical"
)

// ErrConfig reports an invalid adapter set at construction time.
var ErrConfig = errors.New("registry: invalid configuration")

// probe payloads give cost models a representative input so the
// eligibility order can be fixed once at build time. Cost estimates are
// payload-dependent, so this order is an approximation for atypical
// payload sizes; the router re-checks each candidate's estimate against
// the request's own cost constraint before dispatch.
var probePayloads = map[canonical.Kind][]byte{
	canonical.KindTextGen:      []byte("probe"),
	canonical.KindSpeechToText: make([]byte, 16*1024),
	canonical.KindTranslate:    []byte("probe"),
	canonical.KindVision:       make([]byte, 64*1024),
	canonical.KindEmbedding:    []byte("probe"),
}

// Registry is the static capability catalog. It is built once at startup
// and read lock-free afterwards.
type Registry struct {
	adapters []canonical.Adapter
	byKind   map[canonical.Kind][]canonical.Adapter
}

// Build validates and indexes the adapter set. Two adapters sharing a
// provider id is a configuration bug, not a runtime condition.
func Build(adapters ...canonical.Adapter) (*Registry, error) {
	seen := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		id := a.Descriptor().ProviderID
		if id == "" {
			return nil, fmt.Errorf("%w: adapter with empty provider id", ErrConfig)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate provider id %q", ErrConfig, id)
		}
		seen[id] = true
	}

	r := &Registry{
		adapters: adapters,
		byKind:   make(map[canonical.Kind][]canonical.Adapter),
	}
	for kind, probe := range probePayloads {
		var eligible []canonical.Adapter
		for _, a := range adapters {
			if a.Descriptor().Supports(kind) {
				eligible = append(eligible, a)
			}
		}
		req := &canonical.Request{Kind: kind, Payload: probe}
		sort.SliceStable(eligible, func(i, j int) bool {
			ci, cj := eligible[i].EstimateCost(req), eligible[j].EstimateCost(req)
			if ci != cj {
				return ci < cj
			}
			return eligible[i].Descriptor().BaseTimeoutMs < eligible[j].Descriptor().BaseTimeoutMs
		})
		r.byKind[kind] = eligible
	}
	return r, nil
}

// Eligible returns the adapters able to serve kind, cheapest first. The
// returned slice is shared; callers must not mutate it.
func (r *Registry) Eligible(kind canonical.Kind) []canonical.Adapter {
	return r.byKind[kind]
}

// Providers lists every registered provider id in registration order.
func (r *Registry) Providers() []string {
	ids := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		ids = append(ids, a.Descriptor().ProviderID)
	}
	return ids
}
