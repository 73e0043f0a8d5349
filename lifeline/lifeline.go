// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lifeline defines the lifeline graphs along which idle hosts
// request work from their neighbors. A lifeline graph bounds the
// number of steal requests in flight: a host only ever asks the hosts
// returned by Lifelines, and at most once per outstanding request.
//
// Topologies are named, so that the coordinating process can refer to
// a topology by name when launching operations on remote hosts.
// Custom topologies must be registered with Register in every process.
package lifeline

import (
	"fmt"
	"sort"
	"sync"
)

// A Topology is a deterministic, total directed graph over hosts
// [0, n). Implementations must be stateless.
type Topology interface {
	// Name returns the name under which the topology is registered.
	Name() string

	// Lifelines returns the hosts that host h may request work from,
	// in a system of n hosts. It never includes h itself.
	Lifelines(h, n int) []int

	// Reverse returns the hosts that may request work from host h,
	// that is, the hosts k for which h is in Lifelines(k, n).
	Reverse(h, n int) []int
}

var (
	// Loop is the ring topology: every host requests work from its
	// successor.
	Loop Topology = loop{}
	// Hypercube connects hosts whose indices differ in exactly one
	// bit.
	Hypercube Topology = hypercube{}
)

var (
	mu         sync.Mutex
	topologies = map[string]Topology{}
)

func init() {
	Register(Loop)
	Register(Hypercube)
}

// Register registers the topology t under t.Name(). Register panics
// if the name is already taken.
func Register(t Topology) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := topologies[t.Name()]; ok {
		panic(fmt.Sprintf("lifeline.Register: topology %q registered twice", t.Name()))
	}
	topologies[t.Name()] = t
}

// Lookup returns the topology registered under the provided name.
func Lookup(name string) (Topology, bool) {
	mu.Lock()
	defer mu.Unlock()
	t, ok := topologies[name]
	return t, ok
}

// Names returns the names of all registered topologies.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	var names []string
	for name := range topologies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type loop struct{}

func (loop) Name() string { return "loop" }

func (loop) Lifelines(h, n int) []int {
	if n < 2 {
		return nil
	}
	return []int{(h + 1) % n}
}

func (loop) Reverse(h, n int) []int {
	if n < 2 {
		return nil
	}
	return []int{(h + n - 1) % n}
}

type hypercube struct{}

func (hypercube) Name() string { return "hypercube" }

func (hypercube) Lifelines(h, n int) []int {
	var hosts []int
	for bit := 1; bit < n; bit <<= 1 {
		if k := h ^ bit; k < n {
			hosts = append(hosts, k)
		}
	}
	return hosts
}

// Reverse returns the same hosts as Lifelines: the hypercube is
// self-inverse.
func (t hypercube) Reverse(h, n int) []int {
	return t.Lifelines(h, n)
}
