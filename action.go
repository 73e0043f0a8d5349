// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collections

import (
	"context"
	"fmt"
	"sync"
)

// ActionFunc is the body of a bulk operation. It is applied to
// successive, disjoint sub-ranges of a host's shard, possibly from
// many goroutines at once. Errors are collected by the operation;
// they do not stop it.
type ActionFunc func(ctx context.Context, c Collection, r Range) error

// An Action is a named ActionFunc, optionally with a per-worker
// initializer.
type Action struct {
	name string
	fn   ActionFunc
	init func() interface{}
}

var (
	actionsMu sync.Mutex
	actions   = make(map[string]*Action)
)

// NewAction registers and returns an action with the provided name.
// Since actions are looked up by name in every host, they must be
// created before the session starts, in the same way in every
// process. NewAction panics if the name is already taken.
func NewAction(name string, fn ActionFunc) *Action {
	actionsMu.Lock()
	defer actionsMu.Unlock()
	if _, ok := actions[name]; ok {
		panic(fmt.Sprintf("collections.NewAction: action %q registered twice", name))
	}
	a := &Action{name: name, fn: fn}
	actions[name] = a
	return a
}

// WorkerInit sets a per-worker initializer for the action: init is
// called once for each worker that applies the action, and its value
// is available to the action through WorkerValue. WorkerInit returns
// the action.
func (a *Action) WorkerInit(init func() interface{}) *Action {
	a.init = init
	return a
}

// Name returns the action's name.
func (a *Action) Name() string { return a.name }

// Apply invokes the action over range r of collection c.
func (a *Action) Apply(ctx context.Context, c Collection, r Range) error {
	return a.fn(ctx, c, r)
}

// NewWorkerValue returns a fresh per-worker value for the action, or
// nil if it has no initializer.
func (a *Action) NewWorkerValue() interface{} {
	if a.init == nil {
		return nil
	}
	return a.init()
}

// LookupAction returns the action registered under the provided name,
// or nil.
func LookupAction(name string) *Action {
	actionsMu.Lock()
	defer actionsMu.Unlock()
	return actions[name]
}

type workerKeyType struct{}

var workerKey workerKeyType

// WithWorkerValue returns a context carrying the per-worker value v.
func WithWorkerValue(ctx context.Context, v interface{}) context.Context {
	return context.WithValue(ctx, workerKey, v)
}

// WorkerValue returns the value produced by the action's worker
// initializer for the calling worker, or nil.
func WorkerValue(ctx context.Context) interface{} {
	return ctx.Value(workerKey)
}
