// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
	"github.com/handist/collections-sub000/lifeline"
)

func init() {
	config.Register("glb", func(inst *config.Constructor) {
		var (
			hosts, p, maxSteal int
			granularity        int
			topology           string
			system             bigmachine.System
		)
		inst.IntVar(&hosts, "hosts", 1, "number of hosts")
		inst.IntVar(&p, "parallelism", runtime.GOMAXPROCS(0), "number of workers per host")
		inst.IntVar(&granularity, "granularity", DefaultGranularity, "elements processed between scheduling decisions")
		inst.IntVar(&maxSteal, "max-steal", DefaultMaxSteal, "maximum number of work units given per lifeline request")
		inst.StringVar(&topology, "lifeline", lifeline.Hypercube.Name(), "lifeline topology")
		inst.InstanceVar(&system, "system", "", "the bigmachine system hosting the hosts; hosts run in-process if empty")
		inst.Doc = "glb configures the global load balancer runtime"
		inst.New = func() (interface{}, error) {
			topo, ok := lifeline.Lookup(topology)
			if !ok {
				return nil, fmt.Errorf("unknown lifeline topology %q (known: %s)", topology, strings.Join(lifeline.Names(), ", "))
			}
			opts := []Option{
				Hosts(hosts),
				Parallelism(p),
				Granularity(int64(granularity)),
				MaxSteal(maxSteal),
				Topology(topo),
			}
			if system != nil {
				opts = append(opts, Bigmachine(system))
			}
			return Start(opts...)
		}
	})
}
