// Package health runs named dependency probes for the readiness endpoints.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Checker probes one dependency. A nil error means healthy.
type Checker func(ctx context.Context) error

// Status is the outcome of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type probe struct {
	name     string
	check    Checker
	critical bool
}

// Registry holds the probes in registration order.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a probe whose failure makes the service unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(probe{name: name, check: check, critical: true})
}

// RegisterOptional adds a probe that is reported but never fails readiness.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(probe{name: name, check: check})
}

func (r *Registry) add(p probe) {
	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// CheckAll runs every probe concurrently. healthy is false when any critical
// probe fails; statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	statuses = make([]Status, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			start := time.Now()
			err := p.check(ctx)
			st := Status{
				Name:      p.name,
				Healthy:   err == nil,
				Critical:  p.critical,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				st.Detail = err.Error()
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
