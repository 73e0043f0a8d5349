// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package glbtest provides utilities for testing actions and
// collections in local sessions. The utilities here are not
// optimized for performance; they are strictly intended for unit
// testing.
package glbtest

import (
	"context"
	"testing"

	"github.com/handist/collections-sub000/distcol"
	"github.com/handist/collections-sub000/exec"
)

// Start starts a local session configured by the provided options.
// The session is shut down when the test completes. Errors are
// reported as fatal to the provided t instance.
func Start(t testing.TB, options ...exec.Option) *exec.Session {
	t.Helper()
	sess, err := exec.Start(append([]exec.Option{exec.Local}, options...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Shutdown)
	return sess
}

// Run submits the provided operations to the session, starts them,
// and waits for all of them to terminate. Failures raised by the
// operations' actions are reported as errors to t.
func Run(t testing.TB, sess *exec.Session, ops ...*exec.Operation) {
	t.Helper()
	for _, op := range ops {
		if err := sess.Submit(op); err != nil {
			t.Fatal(err)
		}
	}
	if err := sess.Start(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, op := range ops {
		if err := op.Wait(ctx); err != nil {
			t.Fatal(err)
		}
		for _, err := range op.Failures() {
			t.Errorf("%v: %v", op, err)
		}
	}
}

// Elements gathers the elements of the named list from every host of
// the session, in index order. Elements held by no host or by more
// than one host are reported as fatal to t.
func Elements[T any](t testing.TB, sess *exec.Session, name string) []T {
	t.Helper()
	var (
		elems []T
		held  []int
	)
	for h := 0; h < sess.Hosts(); h++ {
		c, err := sess.Shard(h, name)
		if err != nil {
			t.Fatal(err)
		}
		l, ok := c.(*distcol.List[T])
		if !ok {
			t.Fatalf("collection %s is a %T", name, c)
		}
		for _, r := range l.Extent() {
			xs, err := l.Handle(r)
			if err != nil {
				t.Fatal(err)
			}
			for int64(len(elems)) < r.To {
				var zero T
				elems = append(elems, zero)
				held = append(held, 0)
			}
			for i, x := range xs {
				elems[r.From+int64(i)] = x
				held[r.From+int64(i)]++
			}
		}
	}
	for i, n := range held {
		if n != 1 {
			t.Fatalf("%s: element %d held by %d hosts", name, i, n)
		}
	}
	return elems
}
