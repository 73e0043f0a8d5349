// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	collections "github.com/handist/collections-sub000"
)

func TestPoolNewOperations(t *testing.T) {
	pool := testPool(t,
		collections.Range{From: 0, To: 10},
		collections.Range{From: 20, To: 30},
		collections.Range{From: 50, To: 51})
	a, b := testOp(t, pool, 1, 1), testOp(t, pool, 2, 2)
	newWork, err := pool.newOperations([]*hostOp{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if !newWork {
		t.Error("expected new work")
	}
	if got, want := pool.size(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, op := range []*hostOp{a, b} {
		if got, want := op.remaining, int64(3); got != want {
			t.Errorf("%v: got %v, want %v", op, got, want)
		}
	}
	c := testOp(t, pool, 3, 3)
	if _, err := pool.newOperations([]*hostOp{c}); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
}

func TestPoolEmpty(t *testing.T) {
	pool := testPool(t)
	op := testOp(t, pool, 1, 1)
	newWork, err := pool.newOperations([]*hostOp{op})
	if err != nil {
		t.Fatal(err)
	}
	if newWork {
		t.Error("unexpected new work")
	}
	if pool.assign() != nil {
		t.Error("unexpected unit")
	}
}

func TestPoolDrain(t *testing.T) {
	var ranges []collections.Range
	for i := int64(0); i < 25; i++ {
		ranges = append(ranges, collections.Range{From: i * 10, To: i*10 + 10})
	}
	pool := testPool(t, ranges...)
	op := testOp(t, pool, 1, 1)
	if _, err := pool.newOperations([]*hostOp{op}); err != nil {
		t.Fatal(err)
	}
	var total int
	for _, want := range []int{DefaultMaxSteal, DefaultMaxSteal, 5, 0} {
		units := pool.drain(DefaultMaxSteal)
		if got := len(units); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		total += len(units)
		counts := countUnits(units)
		if got, want := counts[op], int64(len(units)); len(units) > 0 && got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if got, want := total, 25; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPoolSplitAccounting(t *testing.T) {
	pool := testPool(t, collections.Range{From: 0, To: 100})
	a, b := testOp(t, pool, 1, 1), testOp(t, pool, 2, 2)
	if _, err := pool.newOperations([]*hostOp{a, b}); err != nil {
		t.Fatal(err)
	}
	u := pool.assign()
	// Operation a is past the midpoint of what remains for b.
	u.ops[0].cursor = 80
	carved, gains := u.split(10)
	if carved == nil {
		t.Fatal("unit not split")
	}
	pool.putSplit(carved, gains)
	if got, want := a.remaining, int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b.remaining, int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if u.tracks(a) || !u.tracks(b) || !carved.tracks(a) || !carved.tracks(b) {
		t.Errorf("bad split: %v %v", u.state(), carved.state())
	}
	// A unit that tracks nothing is dropped.
	pool.put(&workUnit{pool: pool, r: collections.Range{From: 0, To: 1}})
	if got, want := pool.size(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPoolFinishSignals(t *testing.T) {
	pool := testPool(t, collections.Range{From: 0, To: 10}, collections.Range{From: 10, To: 20})
	op := testOp(t, pool, 1, 1)
	if _, err := pool.newOperations([]*hostOp{op}); err != nil {
		t.Fatal(err)
	}
	pool.finish(op, 1)
	if got, want := op.remaining, int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	pool.finish(op, 1)
	if got, want := op.remaining, int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	pool.finish(op, 1)
}

func TestPoolConcurrentAssign(t *testing.T) {
	var ranges []collections.Range
	for i := int64(0); i < 1000; i++ {
		ranges = append(ranges, collections.Range{From: i * 2, To: i*2 + 2})
	}
	pool := testPool(t, ranges...)
	op := testOp(t, pool, 1, 1)
	if _, err := pool.newOperations([]*hostOp{op}); err != nil {
		t.Fatal(err)
	}
	const N = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[collections.Range]int)
	)
	wg.Add(2 * N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			for pool.size() > 0 {
			}
		}()
		go func() {
			defer wg.Done()
			for {
				var units []*workUnit
				if u := pool.assign(); u != nil {
					units = append(units, u)
				}
				units = append(units, pool.drain(3)...)
				if len(units) == 0 {
					return
				}
				mu.Lock()
				for _, u := range units {
					seen[u.r]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if got, want := len(seen), len(ranges); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for r, n := range seen {
		if n != 1 {
			t.Errorf("unit %v handed out %d times", r, n)
		}
	}
}
