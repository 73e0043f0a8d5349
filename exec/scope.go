// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/handist/collections-sub000/ctxsync"
)

// scopeHome is the host that keeps the coordination scopes.
const scopeHome = 0

// A scopeTable keeps the coordination scope of every launched
// operation. A scope counts the activities that may still create work
// for its operation: the coordinator's launch and the drivers on every
// host. Each activity is registered (synchronously) before the
// activity that spawns it is released, so the count reaches zero only
// once the operation has globally terminated.
type scopeTable struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	counts map[uint64]int64
}

func newScopeTable() *scopeTable {
	t := &scopeTable{counts: make(map[uint64]int64)}
	t.cond = ctxsync.NewCond(&t.mu)
	return t
}

func (t *scopeTable) open(op uint64, n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counts[op]; ok {
		return errors.E(errors.Precondition, fmt.Sprintf("scope of operation %d opened twice", op))
	}
	t.counts[op] = n
	return nil
}

func (t *scopeTable) add(op uint64, delta int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[op]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("no scope for operation %d", op))
	}
	if n == 0 {
		return errors.E(errors.Precondition, fmt.Sprintf("scope of operation %d already terminated", op))
	}
	n += delta
	if n < 0 {
		log.Panicf("scope of operation %d: negative count %d", op, n)
	}
	t.counts[op] = n
	if n == 0 {
		t.cond.Broadcast()
	}
	return nil
}

// Wait blocks until the scope of op terminates.
func (t *scopeTable) wait(ctx context.Context, op uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counts[op]; !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("no scope for operation %d", op))
	}
	return t.cond.Block(ctx, func() bool { return t.counts[op] == 0 })
}

func (t *scopeTable) remove(op uint64) {
	t.mu.Lock()
	delete(t.counts, op)
	t.mu.Unlock()
}
