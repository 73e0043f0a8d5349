// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
)

func init() {
	gob.Register(&hostService{})
}

// A hostService is the endpoint of a host. It holds the host's
// scheduler, which exists between the host's setup message and the
// end of the session. On bigmachine hosts it is registered as the
// "Host" service.
type hostService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B
	// peers is the transport used by in-process hosts; bigmachine
	// hosts dial their peers from the addresses in the setup message.
	peers Transport

	mu    sync.Mutex
	sched *Scheduler
}

// Init implements bigmachine's service initialization.
func (h *hostService) Init(b *bigmachine.B) error {
	h.b = b
	return nil
}

// Handle delivers the message carried by req to the host's scheduler.
func (h *hostService) Handle(ctx context.Context, req envelope, reply *envelope) error {
	msg, err := h.handle(ctx, req.Msg)
	if err != nil {
		return err
	}
	reply.Msg = msg
	return nil
}

func (h *hostService) handle(ctx context.Context, msg interface{}) (interface{}, error) {
	if req, ok := msg.(setupRequest); ok {
		return nil, h.setup(req)
	}
	h.mu.Lock()
	sched := h.sched
	h.mu.Unlock()
	if sched == nil {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("scheduler not initialized (message %T)", msg))
	}
	return sched.handle(ctx, msg)
}

func (h *hostService) setup(req setupRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sched != nil {
		return errors.E(errors.Precondition, fmt.Sprintf("host %d: scheduler already initialized", req.Host))
	}
	peers := h.peers
	if peers == nil {
		if h.b == nil {
			return errors.E(errors.Invalid, "host has no transport")
		}
		peers = newMachineTransport(h.b, req.Addrs)
	}
	sched, err := newScheduler(req, peers)
	if err != nil {
		return err
	}
	h.sched = sched
	log.Printf("host %d of %d: scheduler started with parallelism %d", req.Host, req.NumHosts, req.Parallelism)
	return nil
}

// Shutdown tears down the host's scheduler. Later messages fail as if
// the host had never been set up.
func (h *hostService) shutdown() {
	h.mu.Lock()
	sched := h.sched
	h.sched = nil
	h.mu.Unlock()
	if sched != nil {
		sched.shutdown()
	}
}

// Scheduler returns the host's scheduler, or nil.
func (h *hostService) scheduler() *Scheduler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sched
}
