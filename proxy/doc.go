// Package proxy implements the request router core: for each inbound HTTP
// request it walks a compiled dependency graph, dispatches to downstream
// services in dependency order with at most one in-flight call per service,
// and aggregates the replies into a single multipart response.
//
// All per-request state is confined to the goroutine serving the inbound
// request. Dispatch goroutines communicate completions over a buffered
// channel drained only by that goroutine, so no locks guard the state.
package proxy
