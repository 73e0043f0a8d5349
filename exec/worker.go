// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/log"
	collections "github.com/handist/collections-sub000"
	"github.com/handist/collections-sub000/metrics"
	"github.com/handist/collections-sub000/stats"
)

// A workerSlot is one unit of a host's parallelism. It is owned by at
// most one worker goroutine at a time.
type workerSlot struct {
	index int
	// feed is set when the host's pools ran dry while work remained:
	// the worker should split its unit at the next opportunity.
	feed     int32
	granules stats.Int
	// ctxs holds the action context, including the per-worker
	// initializer value, of each operation the slot has worked on.
	ctxs map[uint64]context.Context
}

func newWorkerSlot(index int) *workerSlot {
	return &workerSlot{index: index, ctxs: make(map[uint64]context.Context)}
}

func (s *Scheduler) acquireSlot() *workerSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.idle)
	if n == 0 {
		return nil
	}
	slot := s.idle[n-1]
	s.idle = s.idle[:n-1]
	atomic.StoreInt32(&slot.feed, 0)
	for id := range slot.ctxs {
		if _, ok := s.ops[id]; !ok {
			delete(slot.ctxs, id)
		}
	}
	return slot
}

func (s *Scheduler) releaseSlot(slot *workerSlot) {
	s.mu.Lock()
	s.idle = append(s.idle, slot)
	s.mu.Unlock()
}

// TrySpawn starts a worker if a slot is idle and some pool has an
// available unit. If a slot is idle but no unit is available, the
// busy workers are asked to split their units.
func (s *Scheduler) trySpawn() bool {
	slot := s.acquireSlot()
	if slot == nil {
		return false
	}
	u := s.assign()
	if u == nil {
		s.releaseSlot(slot)
		s.reserveEmptied()
		return false
	}
	s.spawned.Add(1)
	go s.work(slot, u)
	return true
}

// ReserveEmptied asks every worker to split its unit.
func (s *Scheduler) reserveEmptied() {
	for _, slot := range s.slots {
		atomic.StoreInt32(&slot.feed, 1)
	}
}

// Retire returns the slot of an exiting worker. A unit may have been
// made available after the worker last looked, while the slot was
// still taken, so retire tries to start a replacement.
func (s *Scheduler) retire(slot *workerSlot) {
	s.releaseSlot(slot)
	s.trySpawn()
}

func (s *Scheduler) acquire(ctx context.Context) error {
	atomic.AddInt32(&s.waiting, 1)
	err := s.limiter.Acquire(ctx, 1)
	atomic.AddInt32(&s.waiting, -1)
	return err
}

// Yield lets tasks waiting for the limiter run. It returns false if
// the worker could not reacquire its token.
func (s *Scheduler) yield() bool {
	if atomic.LoadInt32(&s.waiting) == 0 {
		return true
	}
	s.limiter.Release(1)
	runtime.Gosched()
	return s.acquire(s.ctx) == nil
}

// Work is the worker loop. The worker processes the highest-priority
// operation of its unit one granule at a time. Between granules it
// spawns other workers, feeds its pool by splitting when asked to,
// yields to waiting tasks, and answers one pending lifeline request.
// When the operation is done with the unit, the unit goes back to its
// pool if other operations still need it, and the worker moves on to
// the next available unit. The worker exits when no unit is
// available.
func (s *Scheduler) work(slot *workerSlot, u *workUnit) {
	defer s.retire(slot)
	if err := s.acquire(s.ctx); err != nil {
		u.pool.put(u)
		return
	}
	held := true
	defer func() {
		if held {
			s.limiter.Release(1)
		}
	}()
	for {
		if u == nil {
			if u = s.assign(); u == nil {
				s.reserveEmptied()
				return
			}
		}
		p := u.choose()
		if p == nil {
			u = nil
			continue
		}
		// Account for the granule before processing it: processing the
		// last granule of an operation may terminate it globally.
		n := u.r.To - p.cursor
		if n > s.granularity {
			n = s.granularity
		}
		s.processed.Add(n)
		s.granules.Add(1)
		slot.granules.Add(1)
		u.process(s.workerContext(slot, p.op), s.granularity, p)

		s.trySpawn()
		if atomic.CompareAndSwapInt32(&slot.feed, 1, 0) {
			s.split(u)
		}
		if !s.yield() {
			held = false
			return
		}
		s.pollLifeline()
		if !u.tracks(p.op) {
			u.pool.put(u)
			u = nil
		}
	}
}

func (s *Scheduler) split(u *workUnit) {
	carved, gains := u.split(s.granularity)
	if carved == nil {
		log.Debug.Printf("host %d: %v is too small to split", s.host, u)
		return
	}
	s.splits.Add(1)
	u.pool.putSplit(carved, gains)
}

func (s *Scheduler) workerContext(slot *workerSlot, op *hostOp) context.Context {
	if ctx, ok := slot.ctxs[op.ID]; ok {
		return ctx
	}
	ctx := metrics.ScopedContext(s.ctx, &op.scope)
	ctx = collections.WithWorkerValue(ctx, op.action.NewWorkerValue())
	slot.ctxs[op.ID] = ctx
	return ctx
}
