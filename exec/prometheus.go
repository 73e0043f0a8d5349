// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"strconv"
	"time"

	"github.com/grailbio/base/log"
	"github.com/prometheus/client_golang/prometheus"
)

// collectTimeout bounds the time spent gathering host statistics for
// a Prometheus scrape.
const collectTimeout = 10 * time.Second

// sessionMetrics exports a session's state to Prometheus: the number
// of operations in each state, and the scheduler counters of every
// host. A nil *sessionMetrics discards updates.
type sessionMetrics struct {
	reg        prometheus.Registerer
	operations *prometheus.GaugeVec
	hosts      *hostCollector
}

func newSessionMetrics(sess *Session, reg prometheus.Registerer) (*sessionMetrics, error) {
	m := &sessionMetrics{
		reg: reg,
		operations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "glb",
			Subsystem: "coordinator",
			Name:      "operations",
			Help:      "Number of operations by state.",
		}, []string{"state"}),
		hosts: &hostCollector{
			sess: sess,
			desc: prometheus.NewDesc("glb_scheduler_events_total",
				"Scheduler events counted on each host.", []string{"host", "event"}, nil),
		},
	}
	if err := reg.Register(m.operations); err != nil {
		return nil, err
	}
	if err := reg.Register(m.hosts); err != nil {
		reg.Unregister(m.operations)
		return nil, err
	}
	return m, nil
}

// SetState records the transition of op from one state to another.
// A negative from state denotes a new operation.
func (m *sessionMetrics) setState(op *Operation, from, to OpState) {
	if m == nil {
		return
	}
	if from >= 0 {
		m.operations.WithLabelValues(from.String()).Dec()
	}
	m.operations.WithLabelValues(to.String()).Inc()
}

func (m *sessionMetrics) unregister() {
	m.reg.Unregister(m.operations)
	m.reg.Unregister(m.hosts)
}

// hostCollector collects the scheduler counters of every host of a
// session at scrape time.
type hostCollector struct {
	sess *Session
	desc *prometheus.Desc
}

func (c *hostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *hostCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(c.sess.Context, collectTimeout)
	defer cancel()
	hosts, err := c.sess.HostStats(ctx)
	if err != nil {
		log.Error.Printf("collect host statistics: %v", err)
		return
	}
	for h, vals := range hosts {
		for _, event := range vals.Keys() {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue,
				float64(vals[event]), strconv.Itoa(h), event)
		}
	}
}
