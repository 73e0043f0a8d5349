// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"math"

	collections "github.com/handist/collections-sub000"
)

// progress is an operation's cursor within a work unit: the indices
// [unit.From, cursor) have been processed for the operation.
type progress struct {
	op     *hostOp
	cursor int64
}

// A workUnit is a contiguous range of a collection's local shard
// together with the progress of every operation that still has to
// visit some of it. A unit is either available in its pool or held
// by exactly one worker; it is never accessed concurrently.
type workUnit struct {
	pool *workPool
	r    collections.Range
	// ops is kept sorted by operation priority. An operation is
	// removed when its cursor reaches r.To.
	ops []*progress
}

func newWorkUnit(pool *workPool, r collections.Range, ops []*hostOp) *workUnit {
	u := &workUnit{pool: pool, r: r, ops: make([]*progress, len(ops))}
	for i, op := range ops {
		u.ops[i] = &progress{op, r.From}
	}
	u.sort()
	return u
}

func (u *workUnit) sort() {
	// Insertion sort: units track few operations.
	for i := 1; i < len(u.ops); i++ {
		for j := i; j > 0 && u.ops[j].op.less(u.ops[j-1].op); j-- {
			u.ops[j], u.ops[j-1] = u.ops[j-1], u.ops[j]
		}
	}
}

// Priority returns the lowest priority value among the operations
// tracked by u.
func (u *workUnit) priority() int64 {
	if len(u.ops) == 0 {
		return math.MaxInt64
	}
	return u.ops[0].op.Priority
}

// Choose returns the progress of the highest-priority operation
// tracked by u, or nil if u tracks no operation.
func (u *workUnit) choose() *progress {
	if len(u.ops) == 0 {
		return nil
	}
	return u.ops[0]
}

// Tracks tells whether u still has work for op.
func (u *workUnit) tracks(op *hostOp) bool {
	for _, p := range u.ops {
		if p.op == op {
			return true
		}
	}
	return false
}

// Process applies p's operation to the next q indices of u, or fewer
// if the unit ends first. When the operation reaches the end of the
// unit, it is removed from u and its pool is notified. Process
// reports whether u has more work for the operation.
func (u *workUnit) process(ctx context.Context, q int64, p *progress) bool {
	from := p.cursor
	to := from + q
	if to > u.r.To || to < from {
		to = u.r.To
	}
	p.cursor = to
	if err := p.op.apply(ctx, u.pool.col, collections.Range{From: from, To: to}); err != nil {
		p.op.fail(err)
	}
	if to < u.r.To {
		return true
	}
	for i := range u.ops {
		if u.ops[i] == p {
			u.ops = append(u.ops[:i], u.ops[i+1:]...)
			break
		}
	}
	u.pool.finish(p.op, 1)
	return false
}

// minCursor returns the smallest cursor among u's operations.
func (u *workUnit) minCursor() int64 {
	c := u.r.To
	for _, p := range u.ops {
		if p.cursor < c {
			c = p.cursor
		}
	}
	return c
}

// Splittable tells whether u is larger than q and has at least q
// unprocessed indices, and at least two, for some operation.
func (u *workUnit) splittable(q int64) bool {
	if len(u.ops) == 0 || u.r.Size() <= q {
		return false
	}
	left := u.r.To - u.minCursor()
	return left >= q && left >= 2
}

// Split carves the upper half of u's least-processed region into a
// new unit. Operations whose cursor lies below the midpoint keep
// their cursor in u and start from the midpoint in the carved unit;
// they are returned as gains since they now have one more unit to
// complete. Operations past the midpoint move to the carved unit.
func (u *workUnit) split(q int64) (carved *workUnit, gains []*hostOp) {
	if !u.splittable(q) {
		return nil, nil
	}
	lo := u.minCursor()
	mid := lo + (u.r.To-lo)/2
	carved = &workUnit{pool: u.pool, r: collections.Range{From: mid, To: u.r.To}}
	var stay []*progress
	for _, p := range u.ops {
		if p.cursor < mid {
			stay = append(stay, p)
			carved.ops = append(carved.ops, &progress{p.op, mid})
			gains = append(gains, p.op)
		} else {
			carved.ops = append(carved.ops, p)
		}
	}
	u.r.To = mid
	u.ops = stay
	return carved, gains
}

// State returns the wire form of u.
func (u *workUnit) state() unitState {
	st := unitState{
		Range:   u.r,
		Ops:     make([]uint64, len(u.ops)),
		Cursors: make([]int64, len(u.ops)),
	}
	for i, p := range u.ops {
		st.Ops[i] = p.op.ID
		st.Cursors[i] = p.cursor
	}
	return st
}

func (u *workUnit) String() string {
	return fmt.Sprintf("unit%v(%d ops)", u.r, len(u.ops))
}

// unitFromState reconstructs a unit received from another host,
// resolving operations through lookup.
func unitFromState(pool *workPool, st unitState, lookup func(uint64) *hostOp) (*workUnit, error) {
	if len(st.Ops) != len(st.Cursors) {
		return nil, fmt.Errorf("malformed unit %v: %d ops, %d cursors", st.Range, len(st.Ops), len(st.Cursors))
	}
	u := &workUnit{pool: pool, r: st.Range, ops: make([]*progress, len(st.Ops))}
	for i, id := range st.Ops {
		op := lookup(id)
		if op == nil {
			return nil, fmt.Errorf("unit %v tracks unknown operation %d", st.Range, id)
		}
		c := st.Cursors[i]
		if c < st.Range.From || c >= st.Range.To {
			return nil, fmt.Errorf("unit %v: cursor %d out of range", st.Range, c)
		}
		u.ops[i] = &progress{op, c}
	}
	u.sort()
	return u, nil
}
