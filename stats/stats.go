// Package stats collects per-dispatch measurements: which service was
// called on behalf of which graph, which host served it, how long it took
// and what status came back. Measurements feed an in-memory recorder used
// by the stats endpoint and, optionally, a PostgreSQL sink.
package stats

import (
	"log"
	"sync"
	"time"
)

// Measurement describes one downstream dispatch.
type Measurement struct {
	Graph   string        `json:"graph"`
	Service string        `json:"service"`
	Host    string        `json:"host"`
	Status  int           `json:"status"`
	Elapsed time.Duration `json:"elapsed_ns"`
	// Synthetic marks replies routerd fabricated itself (transport errors,
	// timeouts, empty host pools) rather than received from a downstream.
	Synthetic bool      `json:"synthetic"`
	At        time.Time `json:"at"`
}

// Sink persists measurements.
type Sink interface {
	Record(Measurement) error
}

// ServiceStats are the in-memory aggregates kept per (graph, service).
type ServiceStats struct {
	Calls     uint64        `json:"calls"`
	Errors    uint64        `json:"errors"`
	Synthetic uint64        `json:"synthetic"`
	Total     time.Duration `json:"total_elapsed_ns"`
}

// Recorder aggregates measurements in memory and fans them out to sinks.
// Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	services map[string]map[string]*ServiceStats
	sinks    []Sink
}

// NewRecorder returns a recorder forwarding to the given sinks.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{
		services: make(map[string]map[string]*ServiceStats),
		sinks:    sinks,
	}
}

// Record folds a measurement into the aggregates and forwards it to every
// sink. Sink failures are logged, never propagated: stats must not affect
// request handling.
func (r *Recorder) Record(m Measurement) {
	r.mu.Lock()
	byService, ok := r.services[m.Graph]
	if !ok {
		byService = make(map[string]*ServiceStats)
		r.services[m.Graph] = byService
	}
	agg, ok := byService[m.Service]
	if !ok {
		agg = &ServiceStats{}
		byService[m.Service] = agg
	}

	agg.Calls++
	agg.Total += m.Elapsed
	if m.Status >= 500 {
		agg.Errors++
	}
	if m.Synthetic {
		agg.Synthetic++
	}
	r.mu.Unlock()

	for _, sink := range r.sinks {
		if err := sink.Record(m); err != nil {
			log.Printf("stats: sink error for %s/%s: %v", m.Graph, m.Service, err)
		}
	}
}

// Snapshot returns a copy of the aggregates keyed by graph then service.
func (r *Recorder) Snapshot() map[string]map[string]ServiceStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string]ServiceStats, len(r.services))
	for graphName, byService := range r.services {
		copied := make(map[string]ServiceStats, len(byService))
		for svc, agg := range byService {
			copied[svc] = *agg
		}
		out[graphName] = copied
	}
	return out
}
