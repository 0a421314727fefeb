// Package detector defines the pluggable detection interface and the
// registry the decision engine fans out over.
package detector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/promptgate/promptgate/pkg/types"
)

// FailurePolicy selects how the engine handles a detector error.
type FailurePolicy string

const (
	// TreatAsViolation substitutes a maximal score when the detector fails,
	// so an error can never let content through unexamined.
	TreatAsViolation FailurePolicy = "treat_as_violation"

	// Ignore drops the failed detector from aggregation.
	Ignore FailurePolicy = "ignore"
)

// ParseFailurePolicy maps a config string to a policy, defaulting to
// TreatAsViolation.
func ParseFailurePolicy(s string) FailurePolicy {
	if s == string(Ignore) {
		return Ignore
	}
	return TreatAsViolation
}

// Descriptor carries a detector's identity and engine-facing properties.
type Descriptor struct {
	// Name identifies the detector in signals, weights and metrics.
	Name string

	// Priority orders detectors in fan-out and in stable signal output.
	// Lower runs first.
	Priority int

	// Capability tags the detection technique, e.g. "regex" or "i18n".
	Capability string

	// OnError is the failure policy applied when Detect returns an error
	// or panics.
	OnError FailurePolicy
}

// Detector evaluates one normalized text and returns a signal in [0, 1].
// Implementations must be safe for concurrent use and must honor ctx
// cancellation on any blocking work.
type Detector interface {
	Descriptor() Descriptor
	Detect(ctx context.Context, text string, reqCtx map[string]string) (types.SignalScore, error)
}

// Registry holds the enabled detectors. It is populated during startup and
// sealed before serving; registration after sealing is a programming error.
type Registry struct {
	mu        sync.Mutex
	detectors map[string]Detector
	sealed    bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// Register adds a detector. Duplicate names and post-seal registration are
// rejected.
func (r *Registry) Register(d Detector) error {
	desc := d.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("detector has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry sealed, cannot register detector %q", desc.Name)
	}
	if _, exists := r.detectors[desc.Name]; exists {
		return fmt.Errorf("detector %q already registered", desc.Name)
	}
	r.detectors[desc.Name] = d
	return nil
}

// Seal freezes the registry. List is only safe to cache after sealing.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get returns a detector by name.
func (r *Registry) Get(name string) (Detector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.detectors[name]
	return d, ok
}

// List returns all detectors ordered by priority, name as tiebreak.
func (r *Registry) List() []Detector {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Detector, 0, len(r.detectors))
	for _, d := range r.detectors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Descriptor(), out[j].Descriptor()
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return di.Name < dj.Name
	})
	return out
}
