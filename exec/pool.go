// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	collections "github.com/handist/collections-sub000"
)

// DefaultMaxSteal is the default maximum number of work units handed
// out in answer to a single lifeline request.
const DefaultMaxSteal = 10

// A workPool holds the available work units of one collection on one
// host. The number of units that still have work for an operation is
// kept in the operation's remaining counter; counters are always
// incremented before the units they account for become visible, so
// that a counter never reads zero while work for its operation exists
// on the host.
//
// The available set is guarded by a read/write lock: readers only
// inspect it, while every operation that moves units in or out of the
// pool (assignment, split, steal) takes the write lock, so that a unit
// is never handed out twice.
type workPool struct {
	col collections.Collection

	mu    sync.RWMutex
	avail []*workUnit
}

func newWorkPool(col collections.Collection) *workPool {
	return &workPool{col: col}
}

// Assign removes and returns an available unit, or nil.
func (p *workPool) assign() *workUnit {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.avail)
	if n == 0 {
		return nil
	}
	u := p.avail[n-1]
	p.avail[n-1] = nil
	p.avail = p.avail[:n-1]
	return u
}

// Put makes u available again. Units that track no operation are
// dropped.
func (p *workPool) put(u *workUnit) {
	if len(u.ops) == 0 {
		return
	}
	p.mu.Lock()
	p.avail = append(p.avail, u)
	p.mu.Unlock()
}

// Size returns the number of available units.
func (p *workPool) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.avail)
}

// NewOperations partitions the local extent of the pool's collection
// into units that track every operation in ops from the beginning.
// It reports whether any unit was created. The available set must be
// empty: new operations may only be added when no other operation is
// in flight on the collection.
func (p *workPool) newOperations(ops []*hostOp) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.avail) != 0 {
		return false, errors.E(errors.Precondition,
			fmt.Sprintf("collection %s: new operations launched with %d units in flight", p.col.Name(), len(p.avail)))
	}
	var units []*workUnit
	for _, r := range p.col.Extent() {
		if r.Empty() {
			continue
		}
		units = append(units, newWorkUnit(p, r, ops))
	}
	for _, op := range ops {
		atomic.AddInt64(&op.remaining, int64(len(units)))
	}
	p.avail = append(p.avail, units...)
	return len(units) > 0, nil
}

// Merge adds units received from another host. Counts holds, for
// each operation, the number of units in units tracking it.
func (p *workPool) merge(counts map[*hostOp]int64, units []*workUnit) {
	for op, n := range counts {
		atomic.AddInt64(&op.remaining, n)
	}
	p.mu.Lock()
	p.avail = append(p.avail, units...)
	p.mu.Unlock()
}

// PutSplit makes available a unit carved out of a held unit. Gains
// are the operations that now have work in both halves.
func (p *workPool) putSplit(carved *workUnit, gains []*hostOp) {
	for _, op := range gains {
		atomic.AddInt64(&op.remaining, 1)
	}
	p.put(carved)
}

// Drain atomically removes up to limit available units.
func (p *workPool) drain(limit int) []*workUnit {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.avail)
	if n > limit {
		n = limit
	}
	units := make([]*workUnit, n)
	copy(units, p.avail[len(p.avail)-n:])
	for i := len(p.avail) - n; i < len(p.avail); i++ {
		p.avail[i] = nil
	}
	p.avail = p.avail[:len(p.avail)-n]
	return units
}

// Finish records that n units no longer have work for op. The
// operation's driver is woken when the last one is finished.
func (p *workPool) finish(op *hostOp, n int64) {
	switch left := atomic.AddInt64(&op.remaining, -n); {
	case left == 0:
		op.signal()
	case left < 0:
		log.Panicf("operation %d: negative unit count %d on collection %s", op.ID, left, p.col.Name())
	}
}

// countUnits returns, for each operation, the number of units tracking
// it.
func countUnits(units []*workUnit) map[*hostOp]int64 {
	counts := make(map[*hostOp]int64)
	for _, u := range units {
		for _, p := range u.ops {
			counts[p.op]++
		}
	}
	return counts
}
