// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/handist/collections-sub000/lifeline"
)

func TestBigmachineSession(t *testing.T) {
	system := testsystem.New()
	system.Machineprocs = 2
	system.KeepalivePeriod = time.Second
	system.KeepaliveTimeout = 5 * time.Second
	system.KeepaliveRpcTimeout = time.Second

	sess := startSession(t, Bigmachine(system), Hosts(3), Parallelism(2), Granularity(10), Topology(lifeline.Loop))
	defer sess.Shutdown()
	if got, want := system.N(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	counted := NewOperation(skewedVisits, countElements)
	run(t, sess, counted)
	if got, want := elements.Value(counted.Scope()), int64(2000); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	hosts, err := sess.HostStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var processed int64
	for _, vals := range hosts {
		processed += vals["indices.processed"]
	}
	if got, want := processed, int64(2000); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := sess.Shard(0, skewedVisits); !errors.Is(errors.NotSupported, err) {
		t.Errorf("expected not supported error, got %v", err)
	}
}
