// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/status"
	collections "github.com/handist/collections-sub000"
	"github.com/handist/collections-sub000/lifeline"
	"github.com/handist/collections-sub000/metrics"
)

// OpState is the lifecycle state of an Operation. States are ordered
// by progression.
type OpState int

const (
	// OpStaged is the state of a submitted operation that has not
	// yet been started, or whose dependencies have not terminated.
	OpStaged OpState = iota
	// OpReady indicates that the operation will be part of the next
	// batch launched on its collection.
	OpReady
	// OpInProgress is the state of an operation whose batch has been
	// launched.
	OpInProgress
	// OpTerminated indicates that the operation has visited every
	// element of its collection on every host.
	OpTerminated

	maxOpState
)

var opStates = [...]string{
	OpStaged:     "STAGED",
	OpReady:      "READY",
	OpInProgress: "INPROGRESS",
	OpTerminated: "TERMINATED",
}

// String returns the operation state's string name.
func (s OpState) String() string {
	if s < 0 || s >= maxOpState {
		return fmt.Sprintf("OpState(%d)", s)
	}
	return opStates[s]
}

// nextOperation is the identity of the next operation created.
var nextOperation uint64

// An Operation applies an action to every element of a distributed
// collection. Operations are submitted to a session, which runs them
// in batches: all ready operations on a collection are launched
// together and share the collection's work units, each unit being
// visited in priority order.
type Operation struct {
	id         uint64
	collection string
	action     *collections.Action
	topology   lifeline.Topology

	mu        sync.Mutex
	donec     chan struct{}
	state     OpState
	submitted bool
	priority  int64
	// after holds the operations that must terminate before this one
	// may become ready.
	after    []*Operation
	hooks    []func(*Operation)
	failures []error
	scope    metrics.Scope
	status   *status.Task
}

// An OpOption configures an Operation.
type OpOption func(op *Operation)

// OpTopology configures the lifeline topology used by the operation,
// overriding the session's.
func OpTopology(t lifeline.Topology) OpOption {
	return func(op *Operation) {
		op.topology = t
	}
}

// NewOperation returns a new operation that applies action to every
// element of the named collection. The operation does nothing until
// it is submitted to a session and started.
func NewOperation(collection string, action *collections.Action, opts ...OpOption) *Operation {
	op := &Operation{
		id:         atomic.AddUint64(&nextOperation, 1),
		collection: collection,
		action:     action,
		donec:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(op)
	}
	return op
}

// Collection returns the name of the collection the operation
// applies to.
func (op *Operation) Collection() string { return op.collection }

// State returns the operation's current state.
func (op *Operation) State() OpState {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Priority returns the priority assigned to the operation when it was
// submitted. Lower values run first.
func (op *Operation) Priority() int64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.priority
}

// OnTerminate registers a hook that is called once the operation has
// terminated, before Wait returns. Hooks registered after termination
// are called immediately.
func (op *Operation) OnTerminate(hook func(*Operation)) {
	op.mu.Lock()
	if op.state != OpTerminated {
		op.hooks = append(op.hooks, hook)
		op.mu.Unlock()
		return
	}
	op.mu.Unlock()
	hook(op)
}

// Wait blocks until the operation has terminated or the context is
// done.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.donec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures returns the errors raised by the operation's action on all
// hosts. It is complete once the operation has terminated.
func (op *Operation) Failures() []error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]error(nil), op.failures...)
}

// Scope returns the operation's metrics, merged from all hosts. It is
// complete once the operation has terminated.
func (op *Operation) Scope() *metrics.Scope {
	return &op.scope
}

func (op *Operation) String() string {
	name := "<nil>"
	if op.action != nil {
		name = op.action.Name()
	}
	return fmt.Sprintf("%s(%s)#%d", name, op.collection, op.id)
}

func (op *Operation) setState(state OpState) {
	op.mu.Lock()
	op.state = state
	op.mu.Unlock()
}

// Ready tells whether all of the operation's dependencies have
// terminated.
func (op *Operation) ready() bool {
	op.mu.Lock()
	after := op.after
	op.mu.Unlock()
	for _, dep := range after {
		if dep.State() != OpTerminated {
			return false
		}
	}
	return true
}

// Terminate marks the operation as terminated, records the failures
// and metrics gathered from the hosts, and runs the termination
// hooks.
func (op *Operation) terminate(failures []error, scopes []*metrics.Scope) {
	for _, scope := range scopes {
		op.scope.Merge(scope)
	}
	op.mu.Lock()
	if op.state == OpTerminated {
		op.mu.Unlock()
		return
	}
	op.state = OpTerminated
	op.failures = append(op.failures, failures...)
	hooks := op.hooks
	op.hooks = nil
	op.mu.Unlock()
	for _, hook := range hooks {
		hook(op)
	}
	close(op.donec)
}
