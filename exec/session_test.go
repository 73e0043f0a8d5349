// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	collections "github.com/handist/collections-sub000"
	"github.com/handist/collections-sub000/distcol"
	"github.com/handist/collections-sub000/lifeline"
	"github.com/handist/collections-sub000/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	log.AddFlags()
}

// visit records the sequence number at which each of two operations
// visited an element.
type visit struct {
	First, Second int64
}

var (
	sequence int64

	visits       = distcol.Define[visit]("exec.test.visits", 5000, 250, distcol.Hashed, func(int64) visit { return visit{} })
	skewedVisits = distcol.Define[visit]("exec.test.skewedvisits", 2000, 100, distcol.OnHost(0), func(int64) visit { return visit{} })
	emptyVisits  = distcol.Define[visit]("exec.test.emptyvisits", 0, 1, distcol.Block, func(int64) visit { return visit{} })
	otherVisits  = distcol.Define[visit]("exec.test.othervisits", 10, 5, distcol.Block, func(int64) visit { return visit{} })
	fourRanges   = distcol.Define[int]("exec.test.fourranges", 400, 100, distcol.Block, func(i int64) int { return int(i) })
	failingInts  = distcol.Define[int]("exec.test.failing", 100, 10, distcol.Block, func(i int64) int { return int(i) })

	visitFirst = distcol.ForEach("exec.test.first", func(ctx context.Context, v *visit) error {
		v.First = atomic.AddInt64(&sequence, 1)
		return nil
	})
	visitSecond = distcol.ForEach("exec.test.second", func(ctx context.Context, v *visit) error {
		v.Second = atomic.AddInt64(&sequence, 1)
		return nil
	})
	slowFirst = distcol.ForEach("exec.test.slowfirst", func(ctx context.Context, v *visit) error {
		time.Sleep(50 * time.Microsecond)
		v.First = atomic.AddInt64(&sequence, 1)
		return nil
	})
	// afterFirst fails for elements not yet visited by visitFirst.
	afterFirst = distcol.Each("exec.test.afterfirst", func(ctx context.Context, i int64, v visit) error {
		if v.First == 0 {
			return fmt.Errorf("element %d not visited", i)
		}
		return nil
	})

	elements      = metrics.NewCounter()
	countElements = distcol.Each("exec.test.countelements", func(ctx context.Context, i int64, v visit) error {
		elements.Incr(metrics.ContextScope(ctx), 1)
		return nil
	})

	processCalls int64
	countCalls   = collections.NewAction("exec.test.count", func(ctx context.Context, c collections.Collection, r collections.Range) error {
		atomic.AddInt64(&processCalls, 1)
		return nil
	})

	failSome = distcol.Each("exec.test.failsome", func(ctx context.Context, i int64, x int) error {
		switch i {
		case 7:
			return errors.E(errors.Invalid, "bad element")
		case 42:
			panic("element 42")
		}
		return nil
	})
)

func startSession(t *testing.T, options ...Option) *Session {
	t.Helper()
	sess, err := Start(options...)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func run(t *testing.T, sess *Session, op *Operation) {
	t.Helper()
	failures, err := sess.StartAndWait(context.Background(), op)
	if err != nil {
		t.Fatal(err)
	}
	for _, failure := range failures {
		t.Error(failure)
	}
}

// elementsOf returns the elements of a list gathered from all of the
// session's hosts, indexed by position.
func elementsOf(t *testing.T, sess *Session, name string, size int64) []visit {
	t.Helper()
	var (
		elems = make([]visit, size)
		seen  = make([]bool, size)
	)
	for h := 0; h < sess.Hosts(); h++ {
		c, err := sess.Shard(h, name)
		if err != nil {
			t.Fatal(err)
		}
		l := c.(*distcol.List[visit])
		for _, r := range l.Extent() {
			xs, err := l.Handle(r)
			if err != nil {
				t.Fatal(err)
			}
			for i, x := range xs {
				j := r.From + int64(i)
				if seen[j] {
					t.Fatalf("element %d held by two hosts", j)
				}
				seen[j] = true
				elems[j] = x
			}
		}
	}
	for i, ok := range seen {
		if !ok {
			t.Fatalf("element %d is lost", i)
		}
	}
	return elems
}

func TestSessionVisitsOnce(t *testing.T) {
	for _, hosts := range []int{1, 2, 4, 5} {
		t.Run(fmt.Sprintf("hosts=%d", hosts), func(t *testing.T) {
			sess := startSession(t, Hosts(hosts), Parallelism(3), Granularity(17))
			defer sess.Shutdown()
			counted := NewOperation(visits, countElements)
			run(t, sess, counted)
			if got, want := elements.Value(counted.Scope()), int64(5000); got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			run(t, sess, NewOperation(visits, visitFirst))
			for i, v := range elementsOf(t, sess, visits, 5000) {
				if v.First == 0 {
					t.Fatalf("element %d not visited", i)
				}
			}
		})
	}
}

func TestSessionSkewed(t *testing.T) {
	for _, topo := range []lifeline.Topology{lifeline.Loop, lifeline.Hypercube} {
		t.Run(topo.Name(), func(t *testing.T) {
			sess := startSession(t, Hosts(4), Parallelism(2), Granularity(10), Topology(topo))
			defer sess.Shutdown()
			op := NewOperation(skewedVisits, slowFirst)
			run(t, sess, op)
			for i, v := range elementsOf(t, sess, skewedVisits, 2000) {
				if v.First == 0 {
					t.Fatalf("element %d not visited", i)
				}
			}
			hosts, err := sess.HostStats(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			var received, processed int64
			for _, vals := range hosts {
				received += vals["units.received"]
				processed += vals["indices.processed"]
			}
			if received == 0 {
				t.Errorf("no work was stolen: %v", hosts)
			}
			if got, want := processed, int64(2000); got < want {
				t.Errorf("got %v, want at least %v", got, want)
			}
		})
	}
}

func TestSessionTwoHostLoop(t *testing.T) {
	sess := startSession(t, Hosts(2), Parallelism(1), Granularity(5), Topology(lifeline.Loop))
	defer sess.Shutdown()
	run(t, sess, NewOperation(skewedVisits, slowFirst, OpTopology(lifeline.Loop)))
	for i, v := range elementsOf(t, sess, skewedVisits, 2000) {
		if v.First == 0 {
			t.Fatalf("element %d not visited", i)
		}
	}
	hosts, err := sess.HostStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Host 1 starts empty: it sends a token to host 0 right away, and
	// one more each time it runs out of the units it was given. The
	// last token of each host is never answered.
	if hosts[0]["lifelines.answered"] == 0 {
		t.Errorf("host 0 never answered: %v", hosts)
	}
	for h := range hosts {
		other := hosts[1-h]
		if got, want := hosts[h]["lifelines.sent"], other["lifelines.answered"]+1; got != want {
			t.Errorf("host %d: sent %d lifelines, want %d", h, got, want)
		}
		if got, want := hosts[h]["units.received"], other["units.stolen"]; got != want {
			t.Errorf("host %d: got %v, want %v", h, got, want)
		}
		if got, max := hosts[h]["units.received"], int64(DefaultMaxSteal)*other["lifelines.answered"]; got > max {
			t.Errorf("host %d: received %d units in %d answers", h, got, other["lifelines.answered"])
		}
		if got := hosts[h]["transfers.failed"]; got != 0 {
			t.Errorf("host %d: %d failed transfers", h, got)
		}
	}
}

func TestSessionGranules(t *testing.T) {
	sess := startSession(t, Hosts(1), Parallelism(4), Granularity(100))
	defer sess.Shutdown()
	atomic.StoreInt64(&processCalls, 0)
	run(t, sess, NewOperation(fourRanges, countCalls))
	if got, want := atomic.LoadInt64(&processCalls), int64(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	hosts, err := sess.HostStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := hosts[0]["granules"], int64(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := hosts[0]["splits"], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionPriority(t *testing.T) {
	sess := startSession(t, Hosts(3), Parallelism(2), Granularity(13))
	defer sess.Shutdown()
	first, second := NewOperation(visits, visitFirst), NewOperation(visits, visitSecond)
	for _, op := range []*Operation{first, second} {
		if err := sess.Submit(op); err != nil {
			t.Fatal(err)
		}
	}
	if first.Priority() >= second.Priority() {
		t.Fatalf("priorities %d, %d", first.Priority(), second.Priority())
	}
	if err := sess.Start(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, op := range []*Operation{first, second} {
		if err := op.Wait(ctx); err != nil {
			t.Fatal(err)
		}
		if failures := op.Failures(); len(failures) != 0 {
			t.Fatal(failures)
		}
	}
	for i, v := range elementsOf(t, sess, visits, 5000) {
		if v.First == 0 || v.Second == 0 || v.First > v.Second {
			t.Fatalf("element %d visited out of order: %+v", i, v)
		}
	}
}

func TestSessionScheduleAfter(t *testing.T) {
	sess := startSession(t, Hosts(2), Parallelism(2), Granularity(7))
	defer sess.Shutdown()
	var (
		first = NewOperation(otherVisits, visitFirst)
		then  = NewOperation(otherVisits, afterFirst)
	)
	// Submitted in reverse order, so that without the dependency the
	// second operation would run first.
	if err := sess.Submit(then); err != nil {
		t.Fatal(err)
	}
	if err := sess.Submit(first); err != nil {
		t.Fatal(err)
	}
	if err := sess.ScheduleAfter(first, then); err != nil {
		t.Fatal(err)
	}
	var firstState OpState
	then.OnTerminate(func(*Operation) {
		firstState = first.State()
	})
	if err := sess.Start(); err != nil {
		t.Fatal(err)
	}
	if err := then.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if failures := then.Failures(); len(failures) != 0 {
		t.Error(failures)
	}
	if got, want := firstState, OpTerminated; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionHooks(t *testing.T) {
	sess := startSession(t, Hosts(2))
	defer sess.Shutdown()
	op := NewOperation(otherVisits, visitSecond)
	var (
		mu    sync.Mutex
		calls int
	)
	hook := func(o *Operation) {
		if o != op {
			t.Errorf("hook called with %v", o)
		}
		mu.Lock()
		calls++
		mu.Unlock()
	}
	op.OnTerminate(hook)
	if got, want := op.State(), OpState(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	run(t, sess, op)
	mu.Lock()
	if got, want := calls, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	mu.Unlock()
	// Hooks registered after termination run immediately.
	op.OnTerminate(hook)
	if got, want := calls, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := op.State(), OpTerminated; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionFailures(t *testing.T) {
	sess := startSession(t, Hosts(3), Parallelism(2), Granularity(4))
	defer sess.Shutdown()
	failures, err := sess.StartAndWait(context.Background(), NewOperation(failingInts, failSome))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(failures), 2; got != want {
		t.Fatalf("got %v, want %v: %v", got, want, failures)
	}
	var invalid, panicked int
	for _, err := range failures {
		msg := err.Error()
		if !strings.HasPrefix(msg, "host ") {
			t.Errorf("failure %q does not name its host", msg)
		}
		switch {
		case strings.Contains(msg, "bad element"):
			invalid++
		case strings.Contains(msg, "panic") && strings.Contains(msg, "element 42"):
			panicked++
		}
	}
	if invalid != 1 || panicked != 1 {
		t.Errorf("unexpected failures %v", failures)
	}
}

func TestSessionEmpty(t *testing.T) {
	sess := startSession(t, Hosts(3))
	defer sess.Shutdown()
	op := NewOperation(emptyVisits, visitFirst)
	run(t, sess, op)
	if got, want := op.State(), OpTerminated; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionErrors(t *testing.T) {
	sess := startSession(t, Hosts(2))
	op := NewOperation(otherVisits, visitFirst)
	if err := sess.Submit(op); err != nil {
		t.Fatal(err)
	}
	if err := sess.Submit(op); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
	if err := sess.Submit(NewOperation(otherVisits, nil)); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	other := NewOperation(visits, visitSecond)
	if err := sess.ScheduleAfter(other, op); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if err := sess.ScheduleAfter(op, op); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	run(t, sess, op)
	if err := sess.ScheduleAfter(NewOperation(otherVisits, visitSecond), op); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
	sess.Shutdown()
	if err := sess.Submit(NewOperation(otherVisits, visitSecond)); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
	if err := sess.Start(); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
	if _, err := sess.HostStats(context.Background()); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
}

type unregisteredTopology struct{}

func (unregisteredTopology) Name() string             { return "exec.test.unregistered" }
func (unregisteredTopology) Lifelines(h, n int) []int { return nil }
func (unregisteredTopology) Reverse(h, n int) []int   { return nil }

func TestSessionUnregisteredTopology(t *testing.T) {
	if _, err := Start(Topology(unregisteredTopology{})); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	sess := startSession(t)
	defer sess.Shutdown()
	op := NewOperation(otherVisits, visitFirst, OpTopology(unregisteredTopology{}))
	if err := sess.Submit(op); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestSessionStatus(t *testing.T) {
	var st status.Status
	sess := startSession(t, Hosts(2), Status(&st))
	defer sess.Shutdown()
	run(t, sess, NewOperation(otherVisits, visitFirst))
	if sess.Status() != &st {
		t.Error("wrong status")
	}
	if len(st.Groups()) == 0 {
		t.Error("no status reported")
	}
}

func TestSessionPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	sess := startSession(t, Hosts(2), Registry(reg))
	defer sess.Shutdown()
	run(t, sess, NewOperation(otherVisits, visitFirst))
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var terminated, granules float64
	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := make(map[string]string)
			for _, pair := range m.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			switch family.GetName() {
			case "glb_coordinator_operations":
				if labels["state"] == OpTerminated.String() {
					terminated += m.GetGauge().GetValue()
				}
			case "glb_scheduler_events_total":
				if labels["event"] == "granules" {
					granules += m.GetCounter().GetValue()
				}
			}
		}
	}
	if got, want := terminated, 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if granules == 0 {
		t.Error("no granules reported")
	}
}
