package proxy

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/kainwinterheart/routerd/config"
	"github.com/kainwinterheart/routerd/graph"
	"github.com/kainwinterheart/routerd/hostpool"
	"github.com/kainwinterheart/routerd/stats"
)

// Options tune a graph handler.
type Options struct {
	// AllowNestedRequests accepts inbound requests that carry the nested
	// request marker. Off by default to stop fan-out loops between routers.
	AllowNestedRequests bool

	// CallTimeout bounds each downstream call.
	CallTimeout time.Duration

	// RequestTimeout bounds the whole inbound request. On expiry the
	// in-flight services get synthetic 504 parts and the response is sent
	// with whatever has accumulated.
	RequestTimeout time.Duration

	// PrepareOutgoing, when set, is applied to every outgoing request just
	// before dispatch. Embedders use it to stamp auth or tracing headers.
	PrepareOutgoing func(*http.Request)

	// Recorder receives one measurement per dispatch when set.
	Recorder *stats.Recorder
}

// Handler serves one named graph: it schedules downstream dispatches in
// dependency order and replies with the multipart aggregate. Handlers are
// shared by all requests routed to their graph.
type Handler struct {
	graph  *graph.Graph
	pool   *hostpool.Pool
	client *http.Client
	opts   Options
}

// NewHandler builds the handler for a compiled graph.
func NewHandler(g *graph.Graph, pool *hostpool.Pool, opts Options) *Handler {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = config.DefaultCallTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}

	return &Handler{
		graph: g,
		pool:  pool,
		// Per-call contexts carry the deadline; the transport pools
		// connections across requests.
		client: &http.Client{},
		opts:   opts,
	}
}

// Graph returns the handler's compiled graph.
func (h *Handler) Graph() *graph.Graph {
	return h.graph
}

// ServeHTTP drives one inbound request to finalization.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.opts.AllowNestedRequests && r.Header.Get(NestedRequestHeader) != "" {
		http.Error(w, "nested routerd requests are not allowed", http.StatusLoopDetected)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	h.run(w, r, newRequestState(h.graph), snapshotInbound(r, body))
}

// run is the scheduler event loop. It owns the request state: initial
// fan-out, one iteration per downstream completion, forced finalization on
// deadline, and suppression on client disconnect.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, state *requestState, inbound *inboundRequest) {
	if state.drained() {
		// Empty graph: finalize immediately with zero parts.
		h.finalize(w, state)
		return
	}

	if !h.dispatchReady(state, inbound) {
		h.abort(w, state, "no dispatchable service in a non-empty graph")
		return
	}

	deadline := time.NewTimer(h.opts.RequestTimeout)
	defer deadline.Stop()

	for {
		select {
		case rep := <-state.replies:
			h.onReply(state, rep)

			if state.drained() {
				h.finalize(w, state)
				return
			}
			if !h.dispatchReady(state, inbound) {
				h.abort(w, state, "scheduler stalled with services still pending")
				return
			}

		case <-deadline.C:
			h.expire(state)
			h.finalize(w, state)
			return

		case <-r.Context().Done():
			// Client is gone: suppress the write but let in-flight calls
			// complete. Their replies land in the buffered channel and are
			// dropped with the state.
			state.finalized.Store(true)
			return
		}
	}
}

// dispatchReady starts every service whose dependencies are all complete.
// It reports false when nothing is ready, nothing is in flight and services
// remain: a compiled graph is acyclic, so that can only be a scheduler bug.
func (h *Handler) dispatchReady(state *requestState, inbound *inboundRequest) bool {
	var ready []string
	for name, deps := range state.remaining {
		if len(deps) == 0 {
			ready = append(ready, name)
		}
	}

	if len(ready) == 0 {
		return len(state.remaining) == 0 || len(state.inProgress) > 0
	}

	for _, name := range ready {
		delete(state.remaining, name)
		state.inProgress[name] = struct{}{}

		svc, ok := h.graph.Service(name)
		if !ok {
			// Unreachable: remaining is a copy of the graph's own tree.
			log.Printf("routerd: graph %s: no such service %s", h.graph.Name(), name)
			continue
		}

		go h.dispatch(state, svc, inbound)
	}

	return true
}

// onReply folds one downstream completion into the state: the service
// leaves the in-progress set, its reply becomes a part under its own name,
// and its dependents lose one outstanding dependency.
func (h *Handler) onReply(state *requestState, rep reply) {
	if _, ok := state.inProgress[rep.service]; !ok {
		log.Printf("routerd: graph %s: unexpected reply from %s, dropped", h.graph.Name(), rep.service)
		return
	}
	delete(state.inProgress, rep.service)

	if err := state.parts.AddPart(rep.service, rep.payload); err != nil {
		// Impossible while the in-progress check holds; log loudly.
		log.Printf("routerd: graph %s: %v", h.graph.Name(), err)
		return
	}

	for dependent := range h.graph.Dependents(rep.service) {
		if deps, ok := state.remaining[dependent]; ok {
			delete(deps, rep.service)
		}
	}
}

// expire forces the request to completion at the deadline: in-flight
// services get synthetic 504 parts, pending ones are dropped.
func (h *Handler) expire(state *requestState) {
	for name := range state.inProgress {
		delete(state.inProgress, name)

		rep := reply{
			service:   name,
			payload:   syntheticReply(http.StatusGatewayTimeout, "request deadline exceeded"),
			status:    http.StatusGatewayTimeout,
			synthetic: true,
		}
		if h.opts.Recorder != nil {
			h.opts.Recorder.Record(h.measurement(rep))
		}
		if err := state.parts.AddPart(name, rep.payload); err != nil {
			log.Printf("routerd: graph %s: %v", h.graph.Name(), err)
		}
	}

	if len(state.remaining) > 0 {
		log.Printf("routerd: graph %s: deadline dropped %d pending services", h.graph.Name(), len(state.remaining))
		state.remaining = graph.Tree{}
	}
}

// finalize writes the aggregate exactly once.
func (h *Handler) finalize(w http.ResponseWriter, state *requestState) {
	if !state.finalized.CompareAndSwap(false, true) {
		return
	}

	contentType, body, err := state.parts.Serialize()
	if err != nil {
		log.Printf("routerd: graph %s: serializing response: %v", h.graph.Name(), err)
		http.Error(w, "failed to serialize response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Printf("routerd: graph %s: writing response: %v", h.graph.Name(), err)
	}
}

// abort reports a scheduler bug as a 500 without touching the downstream
// parts accumulated so far.
func (h *Handler) abort(w http.ResponseWriter, state *requestState, msg string) {
	log.Printf("routerd: graph %s: internal error: %s", h.graph.Name(), msg)
	if !state.finalized.CompareAndSwap(false, true) {
		return
	}
	http.Error(w, "internal routing error", http.StatusInternalServerError)
}

func (h *Handler) measurement(rep reply) stats.Measurement {
	return stats.Measurement{
		Graph:     h.graph.Name(),
		Service:   rep.service,
		Host:      rep.host,
		Status:    rep.status,
		Elapsed:   rep.elapsed,
		Synthetic: rep.synthetic,
		At:        time.Now(),
	}
}
