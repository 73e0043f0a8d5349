// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics lets actions record user-defined counters. Each
// operation owns a Scope on every host; actions find it through
// ContextScope. When the operation terminates, the hosts' scopes are
// merged into the operation's scope in the coordinating process.
//
// Metrics are identified by their creation order, so, like actions,
// they must be created deterministically in every process, typically
// as package-level variables.
package metrics

import (
	"sync"
)

var (
	mu sync.Mutex
	// next is the id of the next metric. Id 0 is reserved so that
	// zero-valued metrics are never mistaken for registered ones.
	next = 1
)

func newID() int {
	mu.Lock()
	defer mu.Unlock()
	id := next
	next++
	return id
}

// A Counter is a metric that accumulates an integer value.
type Counter struct {
	id int
}

// NewCounter creates and registers a new counter.
func NewCounter() Counter {
	return Counter{newID()}
}

// Value returns the counter's value in the provided scope.
func (c Counter) Value(scope *Scope) int64 {
	return scope.value(c.id)
}

// Incr adds n to the counter's value in the provided scope.
func (c Counter) Incr(scope *Scope, n int64) {
	if c.id == 0 {
		panic("metrics: counter used before NewCounter")
	}
	scope.add(c.id, n)
}
