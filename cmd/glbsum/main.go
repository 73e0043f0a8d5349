// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Glbsum is a small demonstration and stress test of the load
// balancer. It computes the sum of squares of a distributed list of
// integers, optionally placed entirely on the first host so that the
// other hosts must steal all of their work, and checks the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/handist/collections-sub000/distcol"
	"github.com/handist/collections-sub000/exec"
	"github.com/handist/collections-sub000/glbconfig"
	"github.com/handist/collections-sub000/metrics"
)

const (
	size      = 1 << 20
	chunkSize = 1 << 10
)

var (
	balanced = distcol.Define[int64]("glbsum.balanced", size, chunkSize, distcol.Block, func(i int64) int64 { return i })
	skewed   = distcol.Define[int64]("glbsum.skewed", size, chunkSize, distcol.OnHost(0), func(i int64) int64 { return i })

	sumOfSquares = metrics.NewCounter()
	square       = distcol.Each("glbsum.square", func(ctx context.Context, i int64, x int64) error {
		sumOfSquares.Incr(metrics.ContextScope(ctx), x*x)
		return nil
	})
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: glbsum [-skew] [-stats]

Command glbsum computes the sum of squares of the integers [0, %d),
held in a distributed list, and verifies the result. Session
parameters are read from the glb configuration profile.
`, size)
		flag.PrintDefaults()
		os.Exit(2)
	}
	var (
		skew     = flag.Bool("skew", false, "place the whole list on the first host")
		hostStat = flag.Bool("stats", false, "print per-host scheduler statistics")
	)
	sess := glbconfig.Parse()
	defer sess.Shutdown()

	name := balanced
	if *skew {
		name = skewed
	}
	ctx := context.Background()
	op := exec.NewOperation(name, square)
	start := time.Now()
	failures, err := sess.StartAndWait(ctx, op)
	must.Nil(err)
	for _, failure := range failures {
		log.Error.Print(failure)
	}
	// Sum of i^2 for i in [0, n) is (n-1)n(2n-1)/6; it fits in an
	// int64 for the list size used here.
	const n = int64(size)
	want := (n - 1) * n * (2*n - 1) / 6
	got := sumOfSquares.Value(op.Scope())
	log.Printf("%s: sum of squares %d in %s on %d hosts", name, got, time.Since(start), sess.Hosts())
	if *hostStat {
		hosts, err := sess.HostStats(ctx)
		must.Nil(err)
		total := hosts[0].Copy()
		for h, vals := range hosts {
			log.Printf("host %d: %s", h, vals)
			if h > 0 {
				total.Add(vals)
			}
		}
		log.Printf("total: %s", total)
	}
	if got != want || len(failures) > 0 {
		log.Fatalf("got %d (%d failures), want %d", got, len(failures), want)
	}
}
