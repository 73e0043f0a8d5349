// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides context-aware blocking primitives. They are
// used by the load balancer's operation drivers, which park on a
// condition for as long as their host has work left and must not
// occupy a worker while doing so.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable whose Wait can be abandoned through
// a context. The zero Cond is not usable; use NewCond.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond that uses l as its lock.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast wakes all current waiters. It must be called with the
// cond's lock held.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait atomically releases the cond's lock and suspends until the
// next Broadcast or until ctx is done; it reacquires the lock before
// returning. The returned error is ctx.Err() if the context completed
// first.
func (c *Cond) Wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}

// Block waits until done returns true. The predicate is evaluated
// with the cond's lock held, which must be held by the caller, and is
// re-evaluated after every Broadcast. Block returns early with the
// context's error if ctx completes first.
func (c *Cond) Block(ctx context.Context, done func() bool) error {
	for !done() {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
