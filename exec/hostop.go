// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	collections "github.com/handist/collections-sub000"
	"github.com/handist/collections-sub000/ctxsync"
	"github.com/handist/collections-sub000/lifeline"
	"github.com/handist/collections-sub000/metrics"
)

// A hostOp is a host's view of an operation in progress.
type hostOp struct {
	opSpec
	action   *collections.Action
	topology lifeline.Topology
	pool     *workPool
	scope    metrics.Scope

	// remaining is the number of units on this host that have work
	// for the operation. It is updated atomically, through the pool.
	remaining int64

	mu   sync.Mutex
	cond *ctxsync.Cond
	// driving is set while a driver is blocked on the operation's
	// local completion.
	driving  bool
	failures []string
}

func newHostOp(spec opSpec, pool *workPool) (*hostOp, error) {
	action := collections.LookupAction(spec.Action)
	if action == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("action %q is not registered", spec.Action))
	}
	topo, ok := lifeline.Lookup(spec.Topology)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("lifeline topology %q is not registered", spec.Topology))
	}
	op := &hostOp{opSpec: spec, action: action, topology: topo, pool: pool}
	op.cond = ctxsync.NewCond(&op.mu)
	return op, nil
}

// Less orders operations by priority, then by identity.
func (op *hostOp) less(other *hostOp) bool {
	if op.Priority != other.Priority {
		return op.Priority < other.Priority
	}
	return op.ID < other.ID
}

// Apply invokes the operation's action over range r of col,
// converting panics into errors.
func (op *hostOp) apply(ctx context.Context, col collections.Collection, r collections.Range) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("panic while applying %s to %v: %v\n%s", op.Action, r, e, debug.Stack()))
		}
	}()
	if err = op.action.Apply(ctx, col, r); err != nil {
		err = errors.E(fmt.Sprintf("%s%v", op.Action, r), err)
	}
	return
}

// Fail records a failure of the operation on this host.
func (op *hostOp) fail(err error) {
	op.mu.Lock()
	op.failures = append(op.failures, err.Error())
	op.mu.Unlock()
}

// Signal wakes the operation's driver.
func (op *hostOp) signal() {
	op.mu.Lock()
	op.cond.Broadcast()
	op.mu.Unlock()
}

func (op *hostOp) String() string {
	return fmt.Sprintf("op%d(%s, priority %d)", op.ID, op.Action, op.Priority)
}

// opQueue is the set of operations active on a host, ordered by
// priority. Updates replace the underlying slice, so that a slice
// returned by list may be scanned without holding a lock.
type opQueue struct {
	ops []*hostOp
}

func (q *opQueue) insert(op *hostOp) {
	i := sort.Search(len(q.ops), func(i int) bool { return op.less(q.ops[i]) })
	ops := make([]*hostOp, 0, len(q.ops)+1)
	ops = append(ops, q.ops[:i]...)
	ops = append(ops, op)
	q.ops = append(ops, q.ops[i:]...)
}

func (q *opQueue) remove(op *hostOp) {
	for i := range q.ops {
		if q.ops[i] == op {
			ops := make([]*hostOp, 0, len(q.ops)-1)
			ops = append(ops, q.ops[:i]...)
			q.ops = append(ops, q.ops[i+1:]...)
			return
		}
	}
}

func (q *opQueue) list() []*hostOp { return q.ops }
