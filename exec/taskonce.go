// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"
	"sync/atomic"
)

// onceValue computes a value at most once.
type onceValue struct {
	mu    sync.Mutex
	done  uint32
	value interface{}
	err   error
}

func (o *onceValue) do(fn func() (interface{}, error)) (interface{}, error) {
	if atomic.LoadUint32(&o.done) == 1 {
		return o.value, o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if atomic.LoadUint32(&o.done) == 0 {
		o.value, o.err = fn()
		atomic.StoreUint32(&o.done, 1)
	}
	return o.value, o.err
}

// initOnce memoizes per-key initialization: the shard of each
// collection on a host, and the connection to each peer host.
type initOnce sync.Map

// Do returns the value computed by fn for key. Fn is invoked at
// most once per key, even under concurrent calls; its result,
// including any error, is returned to every caller until the key is
// forgotten.
func (t *initOnce) Do(key interface{}, fn func() (interface{}, error)) (interface{}, error) {
	v, _ := (*sync.Map)(t).LoadOrStore(key, new(onceValue))
	return v.(*onceValue).do(fn)
}

// Forget forgets the value associated with key, so that the next call
// to Do computes it again.
func (t *initOnce) Forget(key interface{}) {
	(*sync.Map)(t).Delete(key)
}
