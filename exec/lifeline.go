// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	collections "github.com/handist/collections-sub000"
)

// Lifeline edge states. An edge is established while a lifeline
// token sent along it is outstanding.
const (
	notEstablished int32 = iota
	established
)

// An edge is an outgoing lifeline of this host for one collection.
type edge struct {
	collection string
	host       int
}

func (s *Scheduler) edgeState(collection string, host int) *int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := edge{collection, host}
	state := s.edges[e]
	if state == nil {
		state = new(int32)
		s.edges[e] = state
	}
	return state
}

// Drive blocks until the host has no more work for op, then sends a
// lifeline token along each of the operation's lifelines that does
// not already carry one. The caller must have registered the driver
// in op's scope; drive releases it when done. At most one driver per
// operation blocks at a time: a driver arriving while another one is
// blocked exits immediately.
func (s *Scheduler) drive(op *hostOp) {
	defer s.done(op.ID)
	op.mu.Lock()
	if op.driving {
		op.mu.Unlock()
		return
	}
	op.driving = true
	err := op.cond.Block(s.ctx, func() bool { return atomic.LoadInt64(&op.remaining) == 0 })
	op.driving = false
	op.mu.Unlock()
	if err != nil {
		return
	}
	s.establishLifelines(op)
}

func (s *Scheduler) establishLifelines(op *hostOp) {
	col := op.pool.col.Name()
	s.mu.Lock()
	epoch := s.epochs[col]
	s.mu.Unlock()
	for _, h := range op.topology.Lifelines(s.host, s.numHosts) {
		state := s.edgeState(col, h)
		if !atomic.CompareAndSwapInt32(state, notEstablished, established) {
			continue
		}
		tok := lifelineToken{Collection: col, Thief: s.host, Epoch: epoch}
		if _, err := s.call(s.ctx, h, lifelineRequest{tok}); err != nil {
			log.Error.Printf("host %d: lifeline to host %d for %s: %v", s.host, h, col, err)
			atomic.StoreInt32(state, notEstablished)
			continue
		}
		s.lifelinesSent.Add(1)
		log.Debug.Printf("host %d: lifeline to host %d for %s (batch %d)", s.host, h, col, epoch)
	}
}

// Enqueue records a lifeline token received from a thief.
func (s *Scheduler) enqueue(tok lifelineToken) {
	s.mu.Lock()
	s.tokens = append(s.tokens, tok)
	s.mu.Unlock()
	// Make sure a worker is around to answer the request if there is
	// work to give.
	s.trySpawn()
}

func (s *Scheduler) dropStaleLocked(collection string, epoch uint64) {
	tokens := s.tokens[:0]
	for _, tok := range s.tokens {
		if tok.Collection == collection && tok.Epoch < epoch {
			s.lifelinesDropped.Add(1)
			continue
		}
		tokens = append(tokens, tok)
	}
	s.tokens = tokens
}

// PollLifeline takes one pending lifeline token and tries to answer
// it. Tokens from past batches are dropped. Tokens from future batches,
// and tokens whose collection has no available unit on this host, stay
// queued without being looked at again until that changes.
func (s *Scheduler) pollLifeline() {
	s.mu.Lock()
	for i, tok := range s.tokens {
		epoch := s.epochs[tok.Collection]
		if tok.Epoch < epoch {
			s.tokens = append(s.tokens[:i:i], s.tokens[i+1:]...)
			s.mu.Unlock()
			s.lifelinesDropped.Add(1)
			log.Debug.Printf("host %d: dropped stale lifeline from host %d (batch %d < %d)", s.host, tok.Thief, tok.Epoch, epoch)
			return
		}
		pool := s.pools[tok.Collection]
		if tok.Epoch > epoch || pool == nil || pool.size() == 0 {
			continue
		}
		s.tokens = append(s.tokens[:i:i], s.tokens[i+1:]...)
		s.mu.Unlock()
		if !s.answer(tok) {
			s.mu.Lock()
			s.tokens = append(s.tokens, tok)
			s.mu.Unlock()
		}
		return
	}
	s.mu.Unlock()
}

// Answer hands up to maxSteal available units to the token's thief.
// It returns false, and has no other effect, if there was nothing to
// give.
func (s *Scheduler) answer(tok lifelineToken) bool {
	s.mu.Lock()
	pool := s.pools[tok.Collection]
	s.mu.Unlock()
	if pool == nil {
		return false
	}
	units := pool.drain(s.maxSteal)
	if len(units) == 0 {
		return false
	}
	s.lifelinesAnswered.Add(1)
	s.unitsStolen.Add(int64(len(units)))
	go s.transfer(tok, pool, units)
	return true
}

// Transfer moves units, and the collection data they cover, to the
// thief. The units remain accounted to this host until the thief has
// taken them over, so the local drivers of their operations stay
// blocked throughout. If the transfer fails the units are lost; the
// loss is recorded as a failure of each affected operation.
func (s *Scheduler) transfer(tok lifelineToken, pool *workPool, units []*workUnit) {
	counts := countUnits(units)
	req := transferRequest{
		Collection: tok.Collection,
		Victim:     s.host,
		Units:      make([]unitState, len(units)),
		Counts:     make(map[uint64]int64, len(counts)),
	}
	ranges := make([]collections.Range, len(units))
	for i, u := range units {
		req.Units[i] = u.state()
		ranges[i] = u.r
	}
	for op, n := range counts {
		req.Counts[op.ID] = n
	}
	err := s.acquire(s.ctx)
	if err == nil {
		req.Data, err = pool.col.Export(ranges)
		s.limiter.Release(1)
	}
	if err == nil {
		_, err = s.call(s.ctx, tok.Thief, req)
	}
	if err != nil {
		s.transferFailures.Add(1)
		log.Error.Printf("host %d: transfer of %d units of %s to host %d failed: %v",
			s.host, len(units), tok.Collection, tok.Thief, err)
		for op, n := range counts {
			op.fail(errors.E(fmt.Sprintf("host %d: %d units lost in transfer to host %d", s.host, n, tok.Thief), err))
		}
	} else {
		log.Debug.Printf("host %d: gave %d units of %s to host %d", s.host, len(units), tok.Collection, tok.Thief)
	}
	for op, n := range counts {
		pool.finish(op, n)
	}
}

// Receive takes over units stolen from another host: it materializes
// their data, adds them to the pool, and registers a driver for each
// operation they carry before acknowledging the transfer. Once the
// units are in the pool they belong to this host, so later failures
// are logged here rather than reported to the victim.
func (s *Scheduler) receive(ctx context.Context, req transferRequest) error {
	s.mu.Lock()
	pool := s.pools[req.Collection]
	s.mu.Unlock()
	if pool == nil {
		return errors.E(errors.Precondition, fmt.Sprintf("host %d: no batch launched on %s", s.host, req.Collection))
	}
	units := make([]*workUnit, len(req.Units))
	for i, st := range req.Units {
		var err error
		if units[i], err = unitFromState(pool, st, s.lookup); err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("host %d: transfer from host %d", s.host, req.Victim), err)
		}
	}
	counts := countUnits(units)
	if len(counts) != len(req.Counts) {
		return errors.E(errors.Invalid, fmt.Sprintf("host %d: transfer from host %d: bad unit counts", s.host, req.Victim))
	}
	for op, n := range counts {
		if req.Counts[op.ID] != n {
			return errors.E(errors.Invalid, fmt.Sprintf("host %d: transfer from host %d: %d units for %v, expected %d",
				s.host, req.Victim, n, op, req.Counts[op.ID]))
		}
	}
	atomic.StoreInt32(s.edgeState(req.Collection, req.Victim), notEstablished)
	if err := s.acquire(ctx); err != nil {
		return err
	}
	err := pool.col.Import(req.Data)
	s.limiter.Release(1)
	if err != nil {
		return err
	}
	pool.merge(counts, units)
	s.unitsReceived.Add(int64(len(units)))
	for op := range counts {
		if err := s.fork(ctx, op.ID); err != nil {
			log.Error.Printf("host %d: register driver of %v after transfer from host %d: %v", s.host, op, req.Victim, err)
			op.fail(err)
			continue
		}
		go s.drive(op)
	}
	for i := 0; i < len(units) && s.trySpawn(); i++ {
	}
	return nil
}
