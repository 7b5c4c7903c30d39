// Package graph compiles declarative dependency descriptions into immutable
// directed acyclic graphs of downstream services.
//
// A graph is compiled once at startup and shared read-only by every in-flight
// request. Per-request bookkeeping works on a cheap copy of the dependency
// tree obtained from CloneDeps.
package graph

import (
	"errors"
	"fmt"

	"github.com/kainwinterheart/routerd/config"
)

var (
	// ErrDuplicateService is returned when a graph declares a service twice.
	ErrDuplicateService = errors.New("service already present")
	// ErrUnknownHostGroup is returned when a service references a host group
	// the pool does not know.
	ErrUnknownHostGroup = errors.New("unknown hosts group")
	// ErrUnknownService is returned when a dependency references an
	// undeclared service.
	ErrUnknownService = errors.New("unknown service in dependency")
	// ErrSelfLoop is returned when a service depends on itself.
	ErrSelfLoop = errors.New("service depends on itself")
	// ErrCycle is returned when the dependencies contain a cycle.
	ErrCycle = errors.New("cycle in dependencies")
)

// Service is one node of a compiled graph: a named downstream endpoint.
type Service struct {
	// Name is unique within the graph and doubles as the chunk name of the
	// service's part in the aggregate response.
	Name string
	// HostsFrom is the host group the dispatcher picks hosts from.
	// Defaults to Name.
	HostsFrom string
	// Path overrides the outgoing request path. Empty means the inbound
	// request's path is reused.
	Path string
}

// Set is a set of service names.
type Set map[string]struct{}

// Tree maps a service name to a set of service names.
type Tree map[string]Set

// HostChecker is the part of the host pool graph compilation needs.
type HostChecker interface {
	Has(group string) bool
}

// Graph is an immutable compiled dependency graph.
type Graph struct {
	name        string
	services    map[string]Service
	tree        Tree // tree[a] = services a depends on
	reverseTree Tree // reverseTree[b] = services depending on b
}

// Compile validates a graph definition and builds the immutable Graph.
//
// It rejects duplicate services, references to unknown host groups,
// dependencies on unknown services, self-loops, and cycles. The cycle check
// is Kahn's algorithm run on a working copy of the edge sets.
func Compile(name string, def config.GraphDef, hosts HostChecker) (*Graph, error) {
	g := &Graph{
		name:        name,
		services:    make(map[string]Service, len(def.Services)),
		tree:        make(Tree, len(def.Services)),
		reverseTree: make(Tree),
	}

	for _, sd := range def.Services {
		svc := Service{
			Name:      sd.Name,
			HostsFrom: sd.HostsFrom,
			Path:      sd.Path,
		}
		if svc.HostsFrom == "" {
			svc.HostsFrom = svc.Name
		}

		if !hosts.Has(svc.HostsFrom) {
			return nil, fmt.Errorf("%s: %w: %s", name, ErrUnknownHostGroup, svc.HostsFrom)
		}
		if _, dup := g.services[svc.Name]; dup {
			return nil, fmt.Errorf("%s: %w: %s", name, ErrDuplicateService, svc.Name)
		}

		g.services[svc.Name] = svc
		g.tree[svc.Name] = make(Set)
	}

	for _, dep := range def.Deps {
		if dep.A == dep.B {
			return nil, fmt.Errorf("%s: %w: %s", name, ErrSelfLoop, dep.A)
		}
		if _, ok := g.services[dep.A]; !ok {
			return nil, fmt.Errorf("%s: %w: %s", name, ErrUnknownService, dep.A)
		}
		if _, ok := g.services[dep.B]; !ok {
			return nil, fmt.Errorf("%s: %w: %s", name, ErrUnknownService, dep.B)
		}

		g.tree[dep.A][dep.B] = struct{}{}
		if g.reverseTree[dep.B] == nil {
			g.reverseTree[dep.B] = make(Set)
		}
		g.reverseTree[dep.B][dep.A] = struct{}{}
	}

	if err := checkAcyclic(g.tree, g.reverseTree); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return g, nil
}

// checkAcyclic runs Kahn's algorithm on copies of the edge sets. Nodes with
// no outstanding dependencies are removed round by round; a round that
// removes nothing while work remains means a cycle.
func checkAcyclic(tree, reverseTree Tree) error {
	work := cloneTree(tree)
	reverse := cloneTree(reverseTree)

	for len(work) > 0 {
		var noDeps []string
		for name, deps := range work {
			if len(deps) == 0 {
				noDeps = append(noDeps, name)
			}
		}

		if len(noDeps) == 0 {
			return ErrCycle
		}

		for _, name := range noDeps {
			for dependent := range reverse[name] {
				delete(work[dependent], name)
			}
			delete(reverse, name)
			delete(work, name)
		}
	}

	return nil
}

func cloneTree(t Tree) Tree {
	out := make(Tree, len(t))
	for name, deps := range t {
		set := make(Set, len(deps))
		for dep := range deps {
			set[dep] = struct{}{}
		}
		out[name] = set
	}
	return out
}

// Name returns the graph's configured name.
func (g *Graph) Name() string {
	return g.name
}

// Len returns the number of services in the graph.
func (g *Graph) Len() int {
	return len(g.services)
}

// Service looks up a service by name.
func (g *Graph) Service(name string) (Service, bool) {
	svc, ok := g.services[name]
	return svc, ok
}

// Services returns the service table. Callers must not modify it.
func (g *Graph) Services() map[string]Service {
	return g.services
}

// Dependents returns the set of services that depend on name. Callers must
// not modify it.
func (g *Graph) Dependents(name string) Set {
	return g.reverseTree[name]
}

// CloneDeps returns a fresh mutable copy of the dependency tree for one
// request's bookkeeping.
func (g *Graph) CloneDeps() Tree {
	return cloneTree(g.tree)
}
