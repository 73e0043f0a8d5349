// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	collections "github.com/handist/collections-sub000"
	"github.com/handist/collections-sub000/stats"
)

// A Scheduler runs the operations launched on one host. It owns the
// host's work pools (one per collection), a fixed set of worker
// slots, the host's side of the lifeline graph, and, on the scope
// home, the coordination scopes of all operations.
//
// A host has at most one Scheduler; it is created by the host's setup
// message and lives until the session ends.
type Scheduler struct {
	host, numHosts int
	granularity    int64
	maxSteal       int
	transport      Transport

	ctx    context.Context
	cancel context.CancelFunc

	// limiter holds one token per unit of parallelism. Workers hold
	// a token while they run; transfers take one while they encode
	// or decode collection data.
	limiter *limiter.Limiter
	// waiting is the number of tasks blocked on the limiter.
	waiting int32

	shards initOnce
	scopes *scopeTable

	mu     sync.Mutex
	pools  map[string]*workPool
	ops    map[uint64]*hostOp
	queue  opQueue
	epochs map[string]uint64
	edges  map[edge]*int32
	tokens []lifelineToken
	slots  []*workerSlot
	idle   []*workerSlot

	stats                *stats.Map
	granules             *stats.Int
	processed            *stats.Int
	splits               *stats.Int
	spawned              *stats.Int
	lifelinesSent        *stats.Int
	lifelinesAnswered    *stats.Int
	lifelinesDropped     *stats.Int
	unitsStolen          *stats.Int
	unitsReceived        *stats.Int
	transferFailures     *stats.Int
	operationsLaunched   *stats.Int
	operationsTerminated *stats.Int
}

func newScheduler(setup setupRequest, transport Transport) (*Scheduler, error) {
	switch {
	case setup.NumHosts <= 0 || setup.Host < 0 || setup.Host >= setup.NumHosts:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid host %d of %d", setup.Host, setup.NumHosts))
	case transport.NumHosts() != setup.NumHosts:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("transport reaches %d hosts, expected %d", transport.NumHosts(), setup.NumHosts))
	case setup.Parallelism <= 0:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid parallelism %d", setup.Parallelism))
	case setup.Granularity <= 0:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid granularity %d", setup.Granularity))
	}
	s := &Scheduler{
		host:        setup.Host,
		numHosts:    setup.NumHosts,
		granularity: setup.Granularity,
		maxSteal:    setup.MaxSteal,
		transport:   transport,
		limiter:     limiter.New(),
		pools:       make(map[string]*workPool),
		ops:         make(map[uint64]*hostOp),
		epochs:      make(map[string]uint64),
		edges:       make(map[edge]*int32),
		stats:       stats.NewMap(),
	}
	if s.maxSteal <= 0 {
		s.maxSteal = DefaultMaxSteal
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.limiter.Release(setup.Parallelism)
	s.slots = make([]*workerSlot, setup.Parallelism)
	for i := range s.slots {
		s.slots[i] = newWorkerSlot(i)
	}
	s.idle = append(s.idle, s.slots...)
	if s.host == scopeHome {
		s.scopes = newScopeTable()
	}
	s.granules = s.stats.Int("granules")
	s.processed = s.stats.Int("indices.processed")
	s.splits = s.stats.Int("splits")
	s.spawned = s.stats.Int("workers.spawned")
	s.lifelinesSent = s.stats.Int("lifelines.sent")
	s.lifelinesAnswered = s.stats.Int("lifelines.answered")
	s.lifelinesDropped = s.stats.Int("lifelines.dropped")
	s.unitsStolen = s.stats.Int("units.stolen")
	s.unitsReceived = s.stats.Int("units.received")
	s.transferFailures = s.stats.Int("transfers.failed")
	s.operationsLaunched = s.stats.Int("operations.launched")
	s.operationsTerminated = s.stats.Int("operations.terminated")
	return s, nil
}

// Shutdown stops the scheduler's workers and drivers. In-flight
// operations are abandoned.
func (s *Scheduler) shutdown() {
	s.cancel()
}

// Handle dispatches a message received by the host.
func (s *Scheduler) handle(ctx context.Context, msg interface{}) (interface{}, error) {
	switch m := msg.(type) {
	case launchRequest:
		return s.launch(ctx, m)
	case startRequest:
		return nil, s.start(ctx, m.Op)
	case finishRequest:
		return s.finish(m.Op)
	case lifelineRequest:
		s.enqueue(m.Token)
		return nil, nil
	case transferRequest:
		return nil, s.receive(ctx, m)
	case scopeRequest:
		return nil, s.handleScope(ctx, m)
	case statsRequest:
		return statsReply{s.snapshot()}, nil
	case setupRequest:
		return nil, errors.E(errors.Precondition, fmt.Sprintf("host %d: scheduler already initialized", s.host))
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("host %d: unexpected message %T", s.host, msg))
	}
}

// Call sends msg to the provided host; messages to self are handled
// directly.
func (s *Scheduler) call(ctx context.Context, host int, msg interface{}) (interface{}, error) {
	if host == s.host {
		return s.handle(ctx, msg)
	}
	return s.transport.Call(ctx, host, msg)
}

// Collection returns this host's shard of the named collection,
// loading it on first use.
func (s *Scheduler) collection(name string) (collections.Collection, error) {
	v, err := s.shards.Do(name, func() (interface{}, error) {
		return collections.Load(name, s.host, s.numHosts)
	})
	if err != nil {
		return nil, err
	}
	return v.(collections.Collection), nil
}

// Launch starts a new batch of operations on a collection: it adds
// units for the batch to the collection's pool and resets the
// collection's lifeline state. A rejected launch leaves the host
// unchanged.
func (s *Scheduler) launch(ctx context.Context, req launchRequest) (launchReply, error) {
	col, err := s.collection(req.Collection)
	if err != nil {
		return launchReply{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.epochs[req.Collection]; req.Epoch <= cur {
		return launchReply{}, errors.E(errors.Precondition,
			fmt.Sprintf("host %d: batch %d of %s launched after batch %d", s.host, req.Epoch, req.Collection, cur))
	}
	pool := s.pools[req.Collection]
	if pool == nil {
		pool = newWorkPool(col)
	}
	ops := make([]*hostOp, len(req.Ops))
	for i, spec := range req.Ops {
		if _, ok := s.ops[spec.ID]; ok {
			return launchReply{}, errors.E(errors.Precondition, fmt.Sprintf("host %d: operation %d already launched", s.host, spec.ID))
		}
		if ops[i], err = newHostOp(spec, pool); err != nil {
			return launchReply{}, err
		}
	}
	// The new units stay out of reach of workers and thieves until the
	// operations are queued below, which happens under the same lock.
	newWork, err := pool.newOperations(ops)
	if err != nil {
		return launchReply{}, err
	}
	s.pools[req.Collection] = pool
	s.epochs[req.Collection] = req.Epoch
	for e, state := range s.edges {
		if e.collection == req.Collection {
			atomic.StoreInt32(state, notEstablished)
		}
	}
	s.dropStaleLocked(req.Collection, req.Epoch)
	for _, op := range ops {
		s.ops[op.ID] = op
		s.queue.insert(op)
	}
	s.operationsLaunched.Add(int64(len(ops)))
	log.Debug.Printf("host %d: launched batch %d of %s (%d operations, %d units)",
		s.host, req.Epoch, req.Collection, len(ops), pool.size())
	return launchReply{NewWork: newWork}, nil
}

// Start registers the operation's driver in its coordination scope
// and starts the host's first worker.
func (s *Scheduler) start(ctx context.Context, id uint64) error {
	op := s.lookup(id)
	if op == nil {
		return errors.E(errors.NotExist, fmt.Sprintf("host %d: operation %d not launched", s.host, id))
	}
	if err := s.fork(ctx, id); err != nil {
		return err
	}
	go s.drive(op)
	s.trySpawn()
	return nil
}

// Finish removes a globally terminated operation from the host and
// returns its failures and metrics.
func (s *Scheduler) finish(id uint64) (finishReply, error) {
	s.mu.Lock()
	op := s.ops[id]
	if op != nil {
		delete(s.ops, id)
		s.queue.remove(op)
	}
	s.mu.Unlock()
	if s.scopes != nil {
		s.scopes.remove(id)
	}
	if op == nil {
		return finishReply{}, errors.E(errors.NotExist, fmt.Sprintf("host %d: operation %d not launched", s.host, id))
	}
	if n := atomic.LoadInt64(&op.remaining); n != 0 {
		log.Error.Printf("host %d: %v finished with %d units remaining", s.host, op, n)
	}
	s.operationsTerminated.Add(1)
	op.mu.Lock()
	failures := append([]string(nil), op.failures...)
	op.mu.Unlock()
	return finishReply{Failures: failures, Scope: &op.scope}, nil
}

func (s *Scheduler) handleScope(ctx context.Context, req scopeRequest) error {
	if s.scopes == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("host %d does not keep coordination scopes", s.host))
	}
	switch req.Kind {
	case scopeOpen:
		return s.scopes.open(req.Op, req.Delta)
	case scopeAdd:
		return s.scopes.add(req.Op, req.Delta)
	case scopeWait:
		return s.scopes.wait(ctx, req.Op)
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("bad scope request %d", req.Kind))
	}
}

// Fork registers a new activity in the scope of op. It returns once
// the scope home has recorded it.
func (s *Scheduler) fork(ctx context.Context, op uint64) error {
	_, err := s.call(ctx, scopeHome, scopeRequest{Op: op, Kind: scopeAdd, Delta: 1})
	return err
}

// Done releases an activity previously registered by fork.
func (s *Scheduler) done(op uint64) {
	if _, err := s.call(s.ctx, scopeHome, scopeRequest{Op: op, Kind: scopeAdd, Delta: -1}); err != nil {
		log.Error.Printf("host %d: release scope of operation %d: %v", s.host, op, err)
	}
}

func (s *Scheduler) lookup(id uint64) *hostOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[id]
}

// ActiveOps returns the host's active operations in priority order.
func (s *Scheduler) activeOps() []*hostOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.list()
}

// Assign returns an available unit from the pool of the
// highest-priority operation that has one.
func (s *Scheduler) assign() *workUnit {
	for _, op := range s.activeOps() {
		if u := op.pool.assign(); u != nil {
			return u
		}
	}
	return nil
}

func (s *Scheduler) snapshot() stats.Values {
	vals := s.stats.Snapshot()
	for _, slot := range s.slots {
		vals[fmt.Sprintf("worker%d.granules", slot.index)] = slot.granules.Get()
	}
	return vals
}
