// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	collections "github.com/handist/collections-sub000"
)

// localTransport runs all hosts in the current process. Messages are
// copied through gob on delivery, as they would be between
// processes, and handled in the caller's goroutine.
type localTransport struct {
	hosts []*hostService
}

func newLocalTransport(n int) *localTransport {
	t := &localTransport{hosts: make([]*hostService, n)}
	for i := range t.hosts {
		t.hosts[i] = &hostService{peers: t}
	}
	return t
}

func (t *localTransport) NumHosts() int { return len(t.hosts) }

func (t *localTransport) Call(ctx context.Context, host int, msg interface{}) (interface{}, error) {
	if host < 0 || host >= len(t.hosts) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("no host %d", host))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := roundtrip(msg)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("encode message for host %d", host), err)
	}
	reply, err := t.hosts[host].handle(ctx, msg)
	if err != nil {
		return nil, err
	}
	return roundtrip(reply)
}

func (t *localTransport) shutdown() {
	for _, h := range t.hosts {
		h.shutdown()
	}
}

// Shard returns the named collection's shard held by the provided
// host, loading it if needed.
func (t *localTransport) shard(host int, name string) (collections.Collection, error) {
	if host < 0 || host >= len(t.hosts) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("no host %d", host))
	}
	sched := t.hosts[host].scheduler()
	if sched == nil {
		return nil, errors.E(errors.Precondition, "scheduler not initialized")
	}
	return sched.collection(name)
}
