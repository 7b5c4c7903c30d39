// Package hostpool holds the static service host table and picks a host
// for each outgoing call.
package hostpool

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/atomic"
)

var (
	// ErrUnknownGroup is returned when no host group with the given name exists.
	ErrUnknownGroup = errors.New("unknown host group")
	// ErrEmptyGroup is returned when a host group has no hosts.
	ErrEmptyGroup = errors.New("host group has no hosts")
)

// Host is a single downstream address.
type Host struct {
	Addr string
	Port uint16
}

// String returns the host in "addr:port" form.
func (h Host) String() string {
	return h.Addr + ":" + strconv.Itoa(int(h.Port))
}

// ParseHost parses "addr:port". The port is required.
func ParseHost(s string) (Host, error) {
	colon := strings.LastIndex(s, ":")
	if colon < 0 {
		return Host{}, fmt.Errorf("%s has no port specified", s)
	}

	port, err := strconv.ParseUint(s[colon+1:], 10, 16)
	if err != nil || port == 0 {
		return Host{}, fmt.Errorf("%s has an invalid port", s)
	}

	return Host{Addr: s[:colon], Port: uint16(port)}, nil
}

type group struct {
	hosts []Host
	next  atomic.Uint64
}

// Pool is an immutable set of named host groups with a round-robin cursor
// per group. Safe for concurrent use.
type Pool struct {
	groups map[string]*group
}

// New builds a pool from the raw config table. Every group must be
// non-empty and every entry must carry a port.
func New(table map[string][]string) (*Pool, error) {
	pool := &Pool{groups: make(map[string]*group, len(table))}

	for name, raw := range table {
		if len(raw) == 0 {
			return nil, fmt.Errorf("%s: %w", name, ErrEmptyGroup)
		}

		hosts := make([]Host, 0, len(raw))
		for _, entry := range raw {
			host, err := ParseHost(entry)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			hosts = append(hosts, host)
		}

		pool.groups[name] = &group{hosts: hosts}
	}

	return pool, nil
}

// Has reports whether the pool knows the given group.
func (p *Pool) Has(name string) bool {
	_, ok := p.groups[name]
	return ok
}

// Groups returns the names of all host groups.
func (p *Pool) Groups() []string {
	names := make([]string, 0, len(p.groups))
	for name := range p.groups {
		names = append(names, name)
	}
	return names
}

// Pick returns the next host of a group, round-robin.
func (p *Pool) Pick(name string) (Host, error) {
	g, ok := p.groups[name]
	if !ok {
		return Host{}, fmt.Errorf("%s: %w", name, ErrUnknownGroup)
	}

	n := g.next.Inc() - 1
	return g.hosts[n%uint64(len(g.hosts))], nil
}
