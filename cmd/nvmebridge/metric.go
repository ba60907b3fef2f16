// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"math/big"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/open-source-firmware/go-passthrough/pkg/cmdutil"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
)

var (
	mDriveInfo = prometheus.NewDesc(
		"nvmebridge_drive_info",
		"Info metric regarding the detected drives",
		[]string{"device", "selector", "model", "serial", "firmware"}, nil,
	)
	mCritWarning = prometheus.NewDesc(
		"nvmebridge_smart_critical_warning",
		"Critical warning bits of the SMART / Health log",
		[]string{"device"}, nil,
	)
	mTemperature = prometheus.NewDesc(
		"nvmebridge_smart_temperature_celsius",
		"Composite temperature",
		[]string{"device"}, nil,
	)
	mAvailSpare = prometheus.NewDesc(
		"nvmebridge_smart_available_spare_ratio",
		"Remaining spare capacity",
		[]string{"device"}, nil,
	)
	mPercentUsed = prometheus.NewDesc(
		"nvmebridge_smart_percentage_used_ratio",
		"Vendor estimate of the life used",
		[]string{"device"}, nil,
	)
	mCounter = prometheus.NewDesc(
		"nvmebridge_smart_counter",
		"128-bit counters of the SMART / Health log",
		[]string{"device", "counter"}, nil,
	)
)

func infoMetrics(ids []identity) *cmdutil.ConstCollector {
	mc := &cmdutil.ConstCollector{}
	for _, id := range ids {
		mc.Metrics = append(mc.Metrics,
			prometheus.MustNewConstMetric(mDriveInfo, prometheus.GaugeValue, 1,
				id.Device, id.Selector, id.Model, id.Serial, id.Firmware))
	}
	return mc
}

func smartMetrics(device string, sl *nvme.SMARTLog) *cmdutil.ConstCollector {
	mc := &cmdutil.ConstCollector{}
	mc.Metrics = append(mc.Metrics,
		prometheus.MustNewConstMetric(mCritWarning, prometheus.GaugeValue, float64(sl.CritWarning), device),
		prometheus.MustNewConstMetric(mTemperature, prometheus.GaugeValue, float64(sl.Celsius()), device),
		prometheus.MustNewConstMetric(mAvailSpare, prometheus.GaugeValue, float64(sl.AvailSpare)/100, device),
		prometheus.MustNewConstMetric(mPercentUsed, prometheus.GaugeValue, float64(sl.PercentUsed)/100, device),
	)
	counters := sl.Counters()
	names := make([]string, 0, len(counters))
	for n := range counters {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		v, _ := new(big.Float).SetInt(counters[n]).Float64()
		mc.Metrics = append(mc.Metrics,
			prometheus.MustNewConstMetric(mCounter, prometheus.GaugeValue, v, device, n))
	}
	return mc
}

// smartCollector exports the SMART / Health log each device returned on its
// latest poll.
type smartCollector struct {
	mu   sync.Mutex
	logs map[string]*nvme.SMARTLog
}

func newSMARTCollector() *smartCollector {
	return &smartCollector{logs: map[string]*nvme.SMARTLog{}}
}

// Update records the log read from device. A nil log removes the device,
// so a drive that stops answering does not keep exporting stale values.
func (sc *smartCollector) Update(device string, sl *nvme.SMARTLog) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sl == nil {
		delete(sc.logs, device)
		return
	}
	sc.logs[device] = sl
}

func (sc *smartCollector) Describe(c chan<- *prometheus.Desc) {
	c <- mCritWarning
	c <- mTemperature
	c <- mAvailSpare
	c <- mPercentUsed
	c <- mCounter
}

func (sc *smartCollector) Collect(c chan<- prometheus.Metric) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for device, sl := range sc.logs {
		smartMetrics(device, sl).Collect(c)
	}
}
