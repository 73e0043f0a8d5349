// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	collections "github.com/handist/collections-sub000"
	"github.com/handist/collections-sub000/lifeline"
	"github.com/handist/collections-sub000/stats"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DefaultGranularity is the default number of elements processed by
// a worker between two scheduling decisions.
const DefaultGranularity = 100

// Session is a load-balancing session over a fixed set of hosts. Each
// host runs a scheduler with the session's parallelism; operations
// submitted to the session are balanced across hosts by lifeline
// work stealing.
//
// Collections and actions must be registered before Start is called,
// and in the same way in every process, since hosts resolve them by
// name:
//
//	var (
//		_ = distcol.Define[int]("ints", 1<<20, 1<<10, distcol.Block, func(i int64) int { return int(i) })
//		double = distcol.ForEach("double", func(ctx context.Context, x *int) error {
//			*x *= 2
//			return nil
//		})
//	)
//
//	func main() {
//		sess, err := exec.Start(exec.Hosts(4))
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer sess.Shutdown()
//		failures, err := sess.StartAndWait(ctx, exec.NewOperation("ints", double))
//		...
//	}
type Session struct {
	context.Context
	cancel context.CancelFunc

	hosts       int
	p           int
	granularity int64
	maxSteal    int
	topology    lifeline.Topology
	status      *status.Status
	registry    prometheus.Registerer

	local     *localTransport
	machines  *bigmachineTransport
	transport Transport
	metrics   *sessionMetrics

	mu    sync.Mutex
	coord *coordinator
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session whose hosts all run in the current
// process. This is the default.
var Local Option = func(s *Session) {
	s.machines = nil
}

// Bigmachine configures a session whose hosts each run on a machine
// of the provided bigmachine system. If any params are provided, they
// are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.machines = newBigmachineTransport(system, params...)
	}
}

// Hosts configures the number of hosts in the session.
func Hosts(n int) Option {
	if n <= 0 {
		panic("exec.Hosts: n <= 0")
	}
	return func(s *Session) {
		s.hosts = n
	}
}

// Parallelism configures the number of workers on each host.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Granularity configures the number of elements a worker processes
// between two scheduling decisions. It is also the smallest unit size
// that may be split.
func Granularity(q int64) Option {
	if q <= 0 {
		panic("exec.Granularity: q <= 0")
	}
	return func(s *Session) {
		s.granularity = q
	}
}

// Topology configures the default lifeline topology of the session's
// operations.
func Topology(t lifeline.Topology) Option {
	return func(s *Session) {
		s.topology = t
	}
}

// MaxSteal configures the maximum number of work units given in
// answer to a single lifeline request.
func MaxSteal(n int) Option {
	if n <= 0 {
		panic("exec.MaxSteal: n <= 0")
	}
	return func(s *Session) {
		s.maxSteal = n
	}
}

// Status configures the session with a status object to which
// operation statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Registry configures the session to export scheduler metrics to the
// provided Prometheus registry.
func Registry(reg prometheus.Registerer) Option {
	return func(s *Session) {
		s.registry = reg
	}
}

// Start creates and starts a new session configured by the provided
// options: it sets up the scheduler of every host. The session lasts
// until Shutdown is called.
func Start(options ...Option) (*Session, error) {
	s := &Session{
		hosts:       1,
		p:           runtime.GOMAXPROCS(0),
		granularity: DefaultGranularity,
		maxSteal:    DefaultMaxSteal,
		topology:    lifeline.Hypercube,
	}
	for _, opt := range options {
		opt(s)
	}
	if _, ok := lifeline.Lookup(s.topology.Name()); !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("lifeline topology %q is not registered", s.topology.Name()))
	}
	s.Context, s.cancel = context.WithCancel(backgroundcontext.Get())
	var addrs []string
	if s.machines != nil {
		var group *status.Group
		if s.status != nil {
			group = s.status.Group("hosts")
		}
		if err := s.machines.start(s.Context, s.hosts, group); err != nil {
			s.machines.shutdown()
			s.cancel()
			return nil, err
		}
		s.transport = s.machines
		addrs = s.machines.addrs()
	} else {
		s.local = newLocalTransport(s.hosts)
		s.transport = s.local
	}
	g, ctx := errgroup.WithContext(s.Context)
	for h := 0; h < s.hosts; h++ {
		req := setupRequest{
			Host:        h,
			NumHosts:    s.hosts,
			Addrs:       addrs,
			Parallelism: s.p,
			Granularity: s.granularity,
			MaxSteal:    s.maxSteal,
		}
		g.Go(func() error {
			_, err := s.transport.Call(ctx, req.Host, req)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.Shutdown()
		return nil, err
	}
	if s.registry != nil {
		m, err := newSessionMetrics(s, s.registry)
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		s.metrics = m
	}
	s.coord = newCoordinator(s)
	log.Printf("session started: %d hosts, parallelism %d, granularity %d, lifeline %s",
		s.hosts, s.p, s.granularity, s.topology.Name())
	return s, nil
}

// Shutdown tears down the session's hosts. In-flight operations are
// abandoned. Using the session after Shutdown returns errors.
func (s *Session) Shutdown() {
	s.mu.Lock()
	s.coord = nil
	s.mu.Unlock()
	if s.local != nil {
		s.local.shutdown()
	}
	if s.machines != nil {
		s.machines.shutdown()
	}
	if s.metrics != nil {
		s.metrics.unregister()
	}
	s.cancel()
}

func (s *Session) coordinator() (*coordinator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coord == nil {
		return nil, errors.E(errors.Precondition, "session not initialized")
	}
	return s.coord, nil
}

// Hosts returns the number of hosts in the session.
func (s *Session) Hosts() int { return s.hosts }

// Parallelism returns the number of workers per host.
func (s *Session) Parallelism() int { return s.p }

// Status returns the session's status object, if any.
func (s *Session) Status() *status.Status { return s.status }

func (s *Session) topologyOf(op *Operation) lifeline.Topology {
	if op.topology != nil {
		return op.topology
	}
	return s.topology
}

// Submit stages the operation and assigns it the next priority.
// Operations submitted earlier have precedence over later ones.
func (s *Session) Submit(op *Operation) error {
	c, err := s.coordinator()
	if err != nil {
		return err
	}
	if op.topology != nil {
		if _, ok := lifeline.Lookup(op.topology.Name()); !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("lifeline topology %q is not registered", op.topology.Name()))
		}
	}
	return c.submit(op)
}

// ScheduleAfter makes operation after wait until operation before has
// terminated. Both operations must be on the same collection, and
// after must not have been started.
func (s *Session) ScheduleAfter(before, after *Operation) error {
	c, err := s.coordinator()
	if err != nil {
		return err
	}
	return c.scheduleAfter(before, after)
}

// Start launches every submitted operation that can run: for each
// collection with no batch in progress, the ready operations are
// launched together. Operations that cannot run yet are launched when
// the batch they wait for terminates. Start does not wait for the
// operations to terminate.
func (s *Session) Start() error {
	c, err := s.coordinator()
	if err != nil {
		return err
	}
	return c.start()
}

// StartAndWait submits op if it has not been submitted, starts the
// session's operations, and waits for op to terminate. It returns the
// failures raised by op's action on all hosts. The returned error is
// non-nil only if op could not be run or the context is done.
func (s *Session) StartAndWait(ctx context.Context, op *Operation) ([]error, error) {
	c, err := s.coordinator()
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	submitted := op.submitted
	op.mu.Unlock()
	if !submitted {
		if err := s.Submit(op); err != nil {
			return nil, err
		}
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	if err := op.Wait(ctx); err != nil {
		return nil, err
	}
	return op.Failures(), nil
}

// HostStats returns the scheduler statistics of every host.
func (s *Session) HostStats(ctx context.Context) ([]stats.Values, error) {
	if _, err := s.coordinator(); err != nil {
		return nil, err
	}
	vals := make([]stats.Values, s.hosts)
	g, ctx := errgroup.WithContext(ctx)
	for h := range vals {
		h := h
		g.Go(func() error {
			reply, err := s.transport.Call(ctx, h, statsRequest{Host: h})
			if err != nil {
				return err
			}
			vals[h] = reply.(statsReply).Values
			return nil
		})
	}
	return vals, g.Wait()
}

// Shard returns the shard of the named collection held by the
// provided host. It is available only for sessions whose hosts run in
// the current process.
func (s *Session) Shard(host int, name string) (collections.Collection, error) {
	if _, err := s.coordinator(); err != nil {
		return nil, err
	}
	if s.local == nil {
		return nil, errors.E(errors.NotSupported, "shards are only accessible on in-process hosts")
	}
	return s.local.shard(host, name)
}
