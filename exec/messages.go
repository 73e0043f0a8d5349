// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/gob"

	collections "github.com/handist/collections-sub000"
	"github.com/handist/collections-sub000/metrics"
	"github.com/handist/collections-sub000/stats"
)

// Messages exchanged between the coordinating process and hosts, and
// among hosts. Every message is a plain value; the receiving host
// dispatches on its type (see Scheduler.handle).

func init() {
	gob.Register(setupRequest{})
	gob.Register(launchRequest{})
	gob.Register(launchReply{})
	gob.Register(startRequest{})
	gob.Register(finishRequest{})
	gob.Register(finishReply{})
	gob.Register(lifelineRequest{})
	gob.Register(transferRequest{})
	gob.Register(scopeRequest{})
	gob.Register(statsRequest{})
	gob.Register(statsReply{})
}

// setupRequest initializes a host's scheduler.
type setupRequest struct {
	Host, NumHosts int
	// Addrs are the addresses of all hosts, indexed by host. They
	// are empty for in-process hosts.
	Addrs       []string
	Parallelism int
	Granularity int64
	MaxSteal    int
}

// opSpec describes an operation to a host.
type opSpec struct {
	ID       uint64
	Priority int64
	Action   string
	Topology string
}

// launchRequest creates or extends the work pool of a collection for
// a new batch of operations.
type launchRequest struct {
	Collection string
	Epoch      uint64
	Ops        []opSpec
}

type launchReply struct {
	// NewWork tells whether the host created any work unit.
	NewWork bool
}

// startRequest registers an operation's driver on a host.
type startRequest struct {
	Op uint64
}

// finishRequest retires a globally terminated operation from a host.
type finishRequest struct {
	Op uint64
}

type finishReply struct {
	Failures []string
	Scope    *metrics.Scope
}

// lifelineToken is a steal request from Thief for work on
// Collection, valid for the batch with the given epoch.
type lifelineToken struct {
	Collection string
	Thief      int
	Epoch      uint64
}

type lifelineRequest struct {
	Token lifelineToken
}

// unitState is the wire form of a work unit.
type unitState struct {
	Range   collections.Range
	Ops     []uint64
	Cursors []int64
}

// transferRequest carries work units, and the collection data they
// cover, from Victim to the thief that requested them.
type transferRequest struct {
	Collection string
	Victim     int
	Units      []unitState
	// Counts is the number of transferred units tracking each
	// operation.
	Counts map[uint64]int64
	Data   []byte
}

type scopeOp int

const (
	scopeOpen scopeOp = iota
	scopeAdd
	scopeWait
)

// scopeRequest manipulates an operation's coordination scope on the
// scope's home host.
type scopeRequest struct {
	Op    uint64
	Kind  scopeOp
	Delta int64
}

type statsRequest struct {
	Host int
}

type statsReply struct {
	Values stats.Values
}
