// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passthrough

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/hacks"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

var (
	mCommands = prometheus.NewDesc(
		"passthrough_commands_total",
		"Number of passthrough commands by outcome",
		[]string{"device", "selector", "outcome"}, nil,
	)
	mLastDuration = prometheus.NewDesc(
		"passthrough_last_command_duration_seconds",
		"Duration of the last command sent to the device",
		[]string{"device"}, nil,
	)
	mCapability = prometheus.NewDesc(
		"passthrough_capability_state",
		"Learned support for optional SCSI command forms (0 unknown, 1 confirmed, 2 abandoned)",
		[]string{"device", "category"}, nil,
	)
)

// Collector exports the counters of a set of devices.
type Collector struct {
	mu      sync.Mutex
	devices []*Device
}

func NewCollector(devices ...*Device) *Collector {
	return &Collector{devices: devices}
}

func (c *Collector) Add(d *Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append(c.devices, d)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mCommands
	ch <- mLastDuration
	ch <- mCapability
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	devices := append([]*Device(nil), c.devices...)
	c.mu.Unlock()

	for _, d := range devices {
		stats := d.Stats()
		outcomes := make([]sgio.Outcome, 0, len(stats))
		for o := range stats {
			outcomes = append(outcomes, o)
		}
		sort.Slice(outcomes, func(i, j int) bool { return outcomes[i] < outcomes[j] })
		for _, o := range outcomes {
			ch <- prometheus.MustNewConstMetric(mCommands, prometheus.CounterValue, float64(stats[o]),
				d.name, d.selector.String(), o.String())
		}
		ch <- prometheus.MustNewConstMetric(mLastDuration, prometheus.GaugeValue, d.LastDuration().Seconds(), d.name)
		for _, cat := range hacks.Categories {
			ch <- prometheus.MustNewConstMetric(mCapability, prometheus.GaugeValue, float64(d.hacks.State(cat)),
				d.name, cat.String())
		}
	}
}
