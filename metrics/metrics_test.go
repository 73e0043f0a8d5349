// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics_test

import (
	"context"
	"testing"

	"github.com/handist/collections-sub000/metrics"
)

func TestCounter(t *testing.T) {
	var (
		a, b metrics.Scope
		c    = metrics.NewCounter()
	)
	c.Incr(&a, 2)
	if got, want := c.Value(&a), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	c.Incr(&b, 123)
	if got, want := c.Value(&a), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Value(&b), int64(123); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	a.Merge(&b)
	if got, want := c.Value(&a), int64(125); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestContextScope(t *testing.T) {
	var (
		scope metrics.Scope
		c     = metrics.NewCounter()
		ctx   = metrics.ScopedContext(context.Background(), &scope)
	)
	c.Incr(metrics.ContextScope(ctx), 7)
	if got, want := c.Value(&scope), int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	metrics.ContextScope(context.Background())
}

func TestUnregisteredCounter(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	var (
		c     metrics.Counter
		scope metrics.Scope
	)
	c.Incr(&scope, 1)
}
