// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

// dialPolicy is the retry policy used when hosts dial each other.
var dialPolicy = retry.MaxTries(retry.Backoff(time.Second, 5*time.Second, 1.5), 5)

// bigmachineTransport runs each host on its own bigmachine machine.
// The session reaches hosts through their machines' RPC endpoints;
// hosts reach each other by dialing the addresses distributed in
// their setup messages.
type bigmachineTransport struct {
	system   bigmachine.System
	params   []bigmachine.Param
	b        *bigmachine.B
	machines []*bigmachine.Machine
}

func newBigmachineTransport(system bigmachine.System, params ...bigmachine.Param) *bigmachineTransport {
	return &bigmachineTransport{system: system, params: params}
}

// Start boots n machines and waits for them to run.
func (t *bigmachineTransport) start(ctx context.Context, n int, group *status.Group) error {
	t.b = bigmachine.Start(t.system)
	params := append([]bigmachine.Param{bigmachine.Services{"Host": &hostService{}}}, t.params...)
	machines, err := t.b.Start(ctx, n, params...)
	if err != nil {
		return err
	}
	if len(machines) != n {
		return errors.E(errors.Unavailable, fmt.Sprintf("started %d machines, need %d", len(machines), n))
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		var task *status.Task
		if group != nil {
			task = group.Startf("host %d", i)
			task.Print("waiting for machine to boot")
		}
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				if task != nil {
					task.Printf("failed to start: %v", err)
					task.Done()
				}
				return err
			}
			log.Printf("host %d: machine %s is ready", i, m.Addr)
			if task != nil {
				task.Title(m.Addr)
				task.Print("running")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	t.machines = machines
	return nil
}

func (t *bigmachineTransport) NumHosts() int { return len(t.machines) }

func (t *bigmachineTransport) Call(ctx context.Context, host int, msg interface{}) (interface{}, error) {
	if host < 0 || host >= len(t.machines) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("no host %d", host))
	}
	var reply envelope
	if err := t.machines[host].Call(ctx, "Host.Handle", envelope{msg}, &reply); err != nil {
		return nil, err
	}
	return reply.Msg, nil
}

func (t *bigmachineTransport) addrs() []string {
	addrs := make([]string, len(t.machines))
	for i, m := range t.machines {
		addrs[i] = m.Addr
	}
	return addrs
}

func (t *bigmachineTransport) shutdown() {
	if t.b != nil {
		t.b.Shutdown()
	}
}

// machineTransport is the transport used by a bigmachine host to
// reach its peers.
type machineTransport struct {
	b        *bigmachine.B
	addrs    []string
	machines initOnce
}

func newMachineTransport(b *bigmachine.B, addrs []string) *machineTransport {
	return &machineTransport{b: b, addrs: addrs}
}

func (t *machineTransport) NumHosts() int { return len(t.addrs) }

func (t *machineTransport) Call(ctx context.Context, host int, msg interface{}) (interface{}, error) {
	m, err := t.machine(ctx, host)
	if err != nil {
		return nil, err
	}
	var reply envelope
	if err := m.Call(ctx, "Host.Handle", envelope{msg}, &reply); err != nil {
		return nil, err
	}
	return reply.Msg, nil
}

func (t *machineTransport) machine(ctx context.Context, host int) (*bigmachine.Machine, error) {
	if host < 0 || host >= len(t.addrs) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("no host %d", host))
	}
	v, err := t.machines.Do(host, func() (interface{}, error) {
		for retries := 0; ; retries++ {
			m, err := t.b.Dial(ctx, t.addrs[host])
			if err == nil {
				return m, nil
			}
			log.Error.Printf("dial host %d at %s: %v", host, t.addrs[host], err)
			if err := retry.Wait(ctx, dialPolicy, retries); err != nil {
				return nil, err
			}
		}
	})
	if err != nil {
		t.machines.Forget(host)
		return nil, err
	}
	return v.(*bigmachine.Machine), nil
}
