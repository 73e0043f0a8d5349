// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/handist/collections-sub000/metrics"
	"golang.org/x/sync/errgroup"
)

// A coordinator tracks the operations submitted to a session and
// launches them in batches, at most one batch per collection at a
// time.
type coordinator struct {
	sess *Session

	mu           sync.Mutex
	batches      map[string]*batchState
	nextPriority int64
}

// batchState holds the operations of one collection.
type batchState struct {
	staged, ready, inProgress []*Operation
	epoch                     uint64
}

func newCoordinator(sess *Session) *coordinator {
	return &coordinator{sess: sess, batches: make(map[string]*batchState)}
}

func (c *coordinator) batch(collection string) *batchState {
	b := c.batches[collection]
	if b == nil {
		b = new(batchState)
		c.batches[collection] = b
	}
	return b
}

// Submit stages op and assigns its priority.
func (c *coordinator) submit(op *Operation) error {
	if op.action == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("operation on %s has no action", op.collection))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	op.mu.Lock()
	if op.submitted {
		op.mu.Unlock()
		return errors.E(errors.Precondition, fmt.Sprintf("operation %v submitted twice", op))
	}
	c.nextPriority++
	op.submitted = true
	op.priority = c.nextPriority
	op.state = OpStaged
	op.mu.Unlock()
	b := c.batch(op.collection)
	b.staged = append(b.staged, op)
	c.sess.metrics.setState(op, -1, OpStaged)
	return nil
}

// ScheduleAfter makes after wait for before to terminate.
func (c *coordinator) scheduleAfter(before, after *Operation) error {
	if before == after {
		return errors.E(errors.Invalid, fmt.Sprintf("operation %v cannot depend on itself", after))
	}
	if before.collection != after.collection {
		return errors.E(errors.Invalid, fmt.Sprintf("operations %v and %v are on different collections", before, after))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	after.mu.Lock()
	defer after.mu.Unlock()
	if after.state != OpStaged {
		return errors.E(errors.Precondition, fmt.Sprintf("operation %v is already %v", after, after.state))
	}
	after.after = append(after.after, before)
	return nil
}

// Start promotes the staged operations whose dependencies have
// terminated and launches a batch on every collection that has ready
// operations and no batch in progress.
func (c *coordinator) start() error {
	c.mu.Lock()
	names := make([]string, 0, len(c.batches))
	for name := range c.batches {
		names = append(names, name)
	}
	sort.Strings(names)
	type launch struct {
		collection string
		epoch      uint64
		ops        []*Operation
	}
	var launches []launch
	for _, name := range names {
		b := c.batches[name]
		c.promoteLocked(b)
		if len(b.inProgress) > 0 || len(b.ready) == 0 {
			continue
		}
		ops, err := c.launchLocked(name, b)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		launches = append(launches, launch{name, b.epoch, ops})
	}
	c.mu.Unlock()
	for _, l := range launches {
		go c.run(c.sess.Context, l.collection, l.epoch, l.ops)
	}
	return nil
}

func (c *coordinator) promoteLocked(b *batchState) {
	var staged []*Operation
	for _, op := range b.staged {
		if !op.ready() {
			staged = append(staged, op)
			continue
		}
		op.setState(OpReady)
		c.sess.metrics.setState(op, OpStaged, OpReady)
		b.ready = append(b.ready, op)
	}
	b.staged = staged
}

// LaunchLocked moves the ready operations of a collection in progress
// under a new batch epoch.
func (c *coordinator) launchLocked(collection string, b *batchState) ([]*Operation, error) {
	if len(b.inProgress) > 0 {
		return nil, errors.E(errors.Precondition,
			fmt.Sprintf("collection %s: batch %d is still in progress", collection, b.epoch))
	}
	ops := b.ready
	b.ready = nil
	b.inProgress = append([]*Operation(nil), ops...)
	b.epoch++
	for _, op := range ops {
		op.setState(OpInProgress)
		c.sess.metrics.setState(op, OpReady, OpInProgress)
	}
	return ops, nil
}

// Run runs a batch of operations to completion. The operations'
// scopes are opened first, holding one count on behalf of the
// coordinator. The batch is then launched on every host, and, if any
// host has work, each host registers a driver per operation. Only
// then is the coordinator's count released, so that a scope cannot
// terminate before every host has had a chance to join it.
func (c *coordinator) run(ctx context.Context, collection string, epoch uint64, ops []*Operation) {
	var (
		t     = c.sess.transport
		specs = make([]opSpec, len(ops))
		group *status.Group
	)
	if c.sess.status != nil {
		group = c.sess.status.Groupf("%s batch %d", collection, epoch)
	}
	for i, op := range ops {
		specs[i] = opSpec{
			ID:       op.id,
			Priority: op.Priority(),
			Action:   op.action.Name(),
			Topology: c.sess.topologyOf(op).Name(),
		}
		if group != nil {
			op.mu.Lock()
			op.status = group.Startf("%v", op)
			op.status.Print("launching")
			op.mu.Unlock()
		}
		if _, err := t.Call(ctx, scopeHome, scopeRequest{Op: op.id, Kind: scopeOpen, Delta: 1}); err != nil {
			c.abort(ctx, ops, err)
			return
		}
	}

	newWork := make([]bool, t.NumHosts())
	g, gctx := errgroup.WithContext(ctx)
	for h := range newWork {
		h := h
		g.Go(func() error {
			reply, err := t.Call(gctx, h, launchRequest{Collection: collection, Epoch: epoch, Ops: specs})
			if err != nil {
				return err
			}
			newWork[h] = reply.(launchReply).NewWork
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.abort(ctx, ops, err)
		return
	}
	var anyWork bool
	for _, ok := range newWork {
		anyWork = anyWork || ok
	}
	if anyWork {
		g, gctx := errgroup.WithContext(ctx)
		for h := range newWork {
			h := h
			g.Go(func() error {
				for _, op := range ops {
					if _, err := t.Call(gctx, h, startRequest{Op: op.id}); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			c.abort(ctx, ops, err)
			return
		}
	}
	log.Printf("%s: launched batch %d of %d operations on %d hosts", collection, epoch, len(ops), t.NumHosts())
	for _, op := range ops {
		if op.status != nil {
			op.status.Print("running")
		}
		if _, err := t.Call(ctx, scopeHome, scopeRequest{Op: op.id, Kind: scopeAdd, Delta: -1}); err != nil {
			c.abort(ctx, []*Operation{op}, err)
			continue
		}
		go c.await(ctx, op)
	}
}

// Await waits for the operation's scope to terminate and retires the
// operation.
func (c *coordinator) await(ctx context.Context, op *Operation) {
	if _, err := c.sess.transport.Call(ctx, scopeHome, scopeRequest{Op: op.id, Kind: scopeWait}); err != nil {
		c.abort(ctx, []*Operation{op}, err)
		return
	}
	failures, scopes, err := c.gather(ctx, op)
	if err != nil {
		failures = append(failures, err)
	}
	c.terminate(op, failures, scopes)
}

// Gather retires op from every host, collecting its failures and
// metrics.
func (c *coordinator) gather(ctx context.Context, op *Operation) ([]error, []*metrics.Scope, error) {
	var (
		t       = c.sess.transport
		replies = make([]finishReply, t.NumHosts())
		g, gctx = errgroup.WithContext(ctx)
	)
	for h := range replies {
		h := h
		g.Go(func() error {
			reply, err := t.Call(gctx, h, finishRequest{Op: op.id})
			if err != nil {
				return err
			}
			replies[h] = reply.(finishReply)
			return nil
		})
	}
	err := g.Wait()
	var (
		failures []error
		scopes   []*metrics.Scope
	)
	for h, reply := range replies {
		for _, msg := range reply.Failures {
			failures = append(failures, fmt.Errorf("host %d: %s", h, msg))
		}
		if reply.Scope != nil {
			scopes = append(scopes, reply.Scope)
		}
	}
	return failures, scopes, err
}

// Abort terminates operations whose batch could not be run.
func (c *coordinator) abort(ctx context.Context, ops []*Operation, err error) {
	log.Error.Printf("aborting %d operations: %v", len(ops), err)
	for _, op := range ops {
		failures, scopes, _ := c.gather(ctx, op)
		c.terminate(op, append(failures, err), scopes)
	}
}

// Terminate retires op: it leaves its collection's in-progress set,
// its hooks run, and the next batches are launched.
func (c *coordinator) terminate(op *Operation, failures []error, scopes []*metrics.Scope) {
	c.mu.Lock()
	b := c.batch(op.collection)
	for i := range b.inProgress {
		if b.inProgress[i] == op {
			b.inProgress = append(b.inProgress[:i], b.inProgress[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.sess.metrics.setState(op, OpInProgress, OpTerminated)
	if op.status != nil {
		op.status.Printf("terminated: %d failures", len(failures))
		op.status.Done()
	}
	op.terminate(failures, scopes)
	log.Debug.Printf("%v terminated with %d failures", op, len(failures))
	if err := c.start(); err != nil {
		log.Error.Printf("launch after %v: %v", op, err)
	}
}
