// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-passthrough/pkg/cmdutil"
	"github.com/open-source-firmware/go-passthrough/pkg/drive"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/hacks"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/passthrough"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/scsi"
)

var stdout io.Writer = os.Stdout

type identity struct {
	Device   string `json:"device"`
	Selector string `json:"selector"`
	VendorID uint16 `json:"vendor_id"`
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
}

func identify(d *passthrough.Device) (identity, error) {
	id, err := drive.Identify(d)
	if err != nil {
		return identity{}, err
	}
	return identity{
		Device:   d.Name(),
		Selector: d.Selector().String(),
		VendorID: id.VendorID,
		Model:    strings.TrimSpace(string(id.ModelNumber[:])),
		Serial:   strings.TrimSpace(string(id.SerialNumber[:])),
		Firmware: strings.TrimSpace(string(id.Firmware[:])),
	}, nil
}

type identifyCmd struct {
	Devices             []string `arg:"" optional:"" help:"Device nodes (e.g. /dev/sg2 or /dev/nvme0), every disk when omitted"`
	cmdutil.DeviceEmbed `embed:""`
	cmdutil.OutputEmbed `embed:""`
}

// Run executes when the identify command is invoked
func (c *identifyCmd) Run(ctx *context) error {
	paths, err := devicesOrAll(c.Devices, ctx.log)
	if err != nil {
		return err
	}
	var ids []identity
	var devs []*passthrough.Device
	for _, path := range paths {
		d, err := c.Open(path, ctx.log)
		if err != nil {
			ctx.log.WithError(err).Warn("skipping device")
			continue
		}
		defer d.Close()
		devs = append(devs, d)

		id, err := identify(d)
		if err != nil {
			ctx.log.WithError(err).WithField("device", path).Warn("identify failed")
			continue
		}
		ctx.dump(id)
		ids = append(ids, id)
	}

	switch c.Output {
	case cmdutil.OutputJSON:
		return cmdutil.WriteJSON(stdout, ids)
	case cmdutil.OutputOpenMetrics:
		return cmdutil.WriteMetrics(stdout, infoMetrics(ids), passthrough.NewCollector(devs...))
	}
	t := cmdutil.NewTable(stdout, c.Header(stdout), "DEVICE", "SELECTOR", "VENDOR", "MODEL", "SERIAL", "FIRMWARE")
	for _, id := range ids {
		t.Row(id.Device, id.Selector, fmt.Sprintf("%#04x", id.VendorID), id.Model, id.Serial, id.Firmware)
	}
	return t.Flush()
}

type getLogCmd struct {
	Device              string `arg:"" help:"Device node"`
	LogID               uint8  `short:"l" default:"2" help:"Log page identifier"`
	NSID                uint32 `default:"4294967295" help:"Namespace identifier, all namespaces by default"`
	Length              int    `default:"512" help:"Bytes to read, a multiple of 4"`
	Offset              uint64 `default:"0" help:"Byte offset within the log"`
	Raw                 bool   `help:"Hex dump instead of decoding known log pages"`
	cmdutil.DeviceEmbed `embed:""`
	cmdutil.OutputEmbed `embed:""`
}

type rawLog struct {
	Device string `json:"device"`
	LogID  uint8  `json:"log_id"`
	NSID   uint32 `json:"nsid"`
	Offset uint64 `json:"offset"`
	Data   string `json:"data"`
}

type smartLog struct {
	Device          string            `json:"device"`
	CritWarning     uint8             `json:"critical_warning"`
	TemperatureC    int               `json:"temperature_celsius"`
	AvailSpare      uint8             `json:"available_spare"`
	SpareThreshold  uint8             `json:"available_spare_threshold"`
	PercentUsed     uint8             `json:"percentage_used"`
	Counters        map[string]string `json:"counters"`
	WarningTempTime uint32            `json:"warning_temperature_minutes"`
	CritCompTime    uint32            `json:"critical_temperature_minutes"`
}

// Run executes when the get-log command is invoked
func (c *getLogCmd) Run(ctx *context) error {
	d, err := c.Open(c.Device, ctx.log)
	if err != nil {
		return err
	}
	defer d.Close()

	buf := make([]byte, c.Length)
	cmd, err := nvme.GetLogPage(c.LogID, c.NSID, c.Offset, buf)
	if err != nil {
		return err
	}
	if _, err := d.Execute(cmd); err != nil {
		return err
	}

	if c.LogID == nvme.LogSMARTHealth && c.Offset == 0 && !c.Raw {
		sl, err := nvme.ParseSMARTLog(buf)
		if err == nil {
			ctx.dump(sl)
			return c.writeSMART(sl)
		}
		ctx.log.WithError(err).Debug("falling back to a hex dump")
	}

	switch c.Output {
	case cmdutil.OutputJSON:
		return cmdutil.WriteJSON(stdout, rawLog{
			Device: c.Device,
			LogID:  c.LogID,
			NSID:   c.NSID,
			Offset: c.Offset,
			Data:   hex.EncodeToString(buf),
		})
	case cmdutil.OutputOpenMetrics:
		return fmt.Errorf("log page %#02x has no metrics representation", c.LogID)
	}
	_, err = io.WriteString(stdout, hex.Dump(buf))
	return err
}

func (c *getLogCmd) writeSMART(sl *nvme.SMARTLog) error {
	switch c.Output {
	case cmdutil.OutputOpenMetrics:
		return cmdutil.WriteMetrics(stdout, smartMetrics(c.Device, sl))
	case cmdutil.OutputJSON:
		out := smartLog{
			Device:          c.Device,
			CritWarning:     sl.CritWarning,
			TemperatureC:    sl.Celsius(),
			AvailSpare:      sl.AvailSpare,
			SpareThreshold:  sl.SpareThresh,
			PercentUsed:     sl.PercentUsed,
			Counters:        map[string]string{},
			WarningTempTime: sl.WarningTempTime,
			CritCompTime:    sl.CritCompTime,
		}
		for n, v := range sl.Counters() {
			out.Counters[n] = v.String()
		}
		return cmdutil.WriteJSON(stdout, out)
	}

	t := cmdutil.NewTable(stdout, c.Header(stdout), "FIELD", "VALUE")
	t.Row("critical_warning", fmt.Sprintf("%#02x", sl.CritWarning))
	t.Row("temperature", fmt.Sprintf("%d C", sl.Celsius()))
	t.Row("available_spare", fmt.Sprintf("%d%%", sl.AvailSpare))
	t.Row("available_spare_threshold", fmt.Sprintf("%d%%", sl.SpareThresh))
	t.Row("percentage_used", fmt.Sprintf("%d%%", sl.PercentUsed))
	counters := sl.Counters()
	for _, n := range []string{
		"data_units_read", "data_units_written", "host_read_commands", "host_write_commands",
		"controller_busy_time", "power_cycles", "power_on_hours", "unsafe_shutdowns",
		"media_errors", "error_log_entries",
	} {
		t.Row(n, counters[n].String())
	}
	t.Row("warning_temperature_minutes", strconv.FormatUint(uint64(sl.WarningTempTime), 10))
	t.Row("critical_temperature_minutes", strconv.FormatUint(uint64(sl.CritCompTime), 10))
	return t.Flush()
}

type probeCmd struct {
	Devices             []string `arg:"" required:"" help:"Device nodes"`
	cmdutil.DeviceEmbed `embed:""`
	cmdutil.OutputEmbed `embed:""`
}

type probeResult struct {
	Device   string `json:"device"`
	Selector string `json:"selector,omitempty"`
	Model    string `json:"model,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Run executes when the probe command is invoked
func (c *probeCmd) Run(ctx *context) error {
	var results []probeResult
	for _, path := range c.Devices {
		res := probeResult{Device: path}
		opts, err := c.Options(ctx.log)
		if err != nil {
			return err
		}
		d, err := drive.Open(path, append(opts, drive.WithProbe(true))...)
		if err == nil {
			res.Selector = d.Selector().String()
			var id identity
			if id, err = identify(d); err == nil {
				res.Model = id.Model
			}
			d.Close()
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	switch c.Output {
	case cmdutil.OutputJSON:
		return cmdutil.WriteJSON(stdout, results)
	case cmdutil.OutputOpenMetrics:
		return errors.New("probe results have no metrics representation")
	}
	t := cmdutil.NewTable(stdout, c.Header(stdout), "DEVICE", "SELECTOR", "MODEL", "ERROR")
	for _, r := range results {
		t.Row(r.Device, dash(r.Selector), dash(r.Model), dash(r.Error))
	}
	return t.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// exerciseSCSI sends the optional SCSI commands tools such as smartctl and
// udev issue to a USB disk, letting the tracker learn what the bridge
// actually supports.
func exerciseSCSI(d scsi.Device, log *logrus.Entry) {
	try := func(what string, err error) {
		switch {
		case err == nil:
			log.WithField("command", what).Debug("supported")
		case errors.Is(err, scsi.ErrSkipped):
			log.WithField("command", what).Debug("skipped")
		default:
			log.WithError(err).WithField("command", what).Debug("failed")
		}
	}

	_, err := scsi.Inquiry(d)
	try("inquiry", err)
	for _, page := range []uint8{0x00, 0x80, 0x83, 0x89} {
		_, err = scsi.InquiryVPD(d, page)
		try(fmt.Sprintf("inquiry vpd %#02x", page), err)
	}
	for _, page := range []uint8{0x08, 0x1c, 0x3f} {
		_, err = scsi.ModeSense(d, page, 0, 0)
		try(fmt.Sprintf("mode sense %#02x", page), err)
	}
	for _, page := range []uint8{0x00, 0x0d, 0x2f} {
		_, err = scsi.LogSense(d, page, 0)
		try(fmt.Sprintf("log sense %#02x", page), err)
	}
	_, err = scsi.ReportSupportedOpCodes(d)
	try("report supported operation codes", err)
	_, err = scsi.ReadCapacity(d)
	try("read capacity", err)
}

type hacksCmd struct {
	Device              string `arg:"" help:"Device node"`
	Rounds              int    `default:"1" help:"Times to send the command set; repeated rejections teach the tracker more"`
	cmdutil.DeviceEmbed `embed:""`
	cmdutil.OutputEmbed `embed:""`
}

// Run executes when the hacks command is invoked
func (c *hacksCmd) Run(ctx *context) error {
	d, err := c.Open(c.Device, ctx.log)
	if err != nil {
		return err
	}
	defer d.Close()

	for i := 0; i < c.Rounds; i++ {
		exerciseSCSI(d, ctx.log.WithField("round", i))
	}
	snap := d.Hacks().Snapshot()
	ctx.dump(snap)

	switch c.Output {
	case cmdutil.OutputJSON:
		return cmdutil.WriteJSON(stdout, snap)
	case cmdutil.OutputOpenMetrics:
		return cmdutil.WriteMetrics(stdout, passthrough.NewCollector(d))
	}
	t := cmdutil.NewTable(stdout, c.Header(stdout), "CATEGORY", "STATE", "ATTEMPTS", "SUCCESSES")
	for _, cs := range snap.Categories {
		t.Row(cs.Category, cs.State, strconv.Itoa(int(cs.Attempts)), strconv.Itoa(int(cs.Successes)))
	}
	if err := t.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, strings.Join(flags(snap), "\n"))
	return nil
}

// flags lists the narrow features the tracker gave up on.
func flags(s hacks.Snapshot) []string {
	var r []string
	add := func(set bool, what string) {
		if set {
			r = append(r, what)
		}
	}
	add(s.NoModePages, "no mode pages")
	add(s.PreferMode6ForSubpageZero, "prefer MODE SENSE(6) for subpage 0")
	add(s.NoMode6Subpages, "no MODE SENSE(6) subpages")
	add(s.NoMode10Subpages, "no MODE SENSE(10) subpages")
	add(s.NoLLBAA, "no LLBAA")
	add(s.NoLogSubpages, "no log subpages")
	add(s.NoReportingOptions, "no RSOC reporting options")
	for _, p := range s.UnsupportedModePages {
		r = append(r, fmt.Sprintf("mode page %#02x unsupported", p))
	}
	for _, p := range s.UnsupportedLogPages {
		r = append(r, fmt.Sprintf("log page %#02x unsupported", p))
	}
	for _, p := range s.UnsupportedVPDPages {
		r = append(r, fmt.Sprintf("VPD page %#02x unsupported", p))
	}
	for _, pc := range s.UnsupportedModePC {
		r = append(r, fmt.Sprintf("mode page control %d unsupported", pc))
	}
	for _, pc := range s.UnsupportedLogPC {
		r = append(r, fmt.Sprintf("log page control %d unsupported", pc))
	}
	if len(r) == 0 {
		r = append(r, "no workarounds needed")
	}
	return r
}

type metricsCmd struct {
	Devices             []string      `arg:"" optional:"" help:"Device nodes, every disk when omitted"`
	Listen              string        `optional:"" help:"Serve metrics on this address (e.g. :9150) instead of printing them once"`
	Interval            time.Duration `default:"60s" help:"How often to poll the devices while serving"`
	cmdutil.DeviceEmbed `embed:""`
}

// Run executes when the metrics command is invoked
func (c *metricsCmd) Run(ctx *context) error {
	paths, err := devicesOrAll(c.Devices, ctx.log)
	if err != nil {
		return err
	}
	collector := passthrough.NewCollector()
	smart := newSMARTCollector()
	var devs []*passthrough.Device
	var ids []identity
	for _, path := range paths {
		d, err := c.Open(path, ctx.log)
		if err != nil {
			ctx.log.WithError(err).Warn("skipping device")
			continue
		}
		defer d.Close()
		collector.Add(d)
		devs = append(devs, d)
		if id, err := identify(d); err == nil {
			ids = append(ids, id)
		}
	}
	poll := func() {
		for _, d := range devs {
			exerciseSCSI(d, ctx.log.WithField("device", d.Name()))
			smart.Update(d.Name(), readSMART(d, ctx.log))
		}
	}
	poll()

	if c.Listen == "" {
		return cmdutil.WriteMetrics(stdout, collector, smart, infoMetrics(ids))
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(collector, smart, infoMetrics(ids))
	go func() {
		for range time.Tick(c.Interval) {
			poll()
		}
	}()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	ctx.log.WithField("listen", c.Listen).Info("serving metrics")
	return http.ListenAndServe(c.Listen, mux)
}

// readSMART fetches and decodes the SMART / Health log, or returns nil.
func readSMART(d *passthrough.Device, log *logrus.Entry) *nvme.SMARTLog {
	buf := make([]byte, nvme.SMARTLogSize)
	cmd, err := nvme.GetLogPage(nvme.LogSMARTHealth, nvme.NSIDAll, 0, buf)
	if err == nil {
		_, err = d.Execute(cmd)
	}
	if err != nil {
		log.WithError(err).WithField("device", d.Name()).Debug("SMART log read failed")
		return nil
	}
	sl, err := nvme.ParseSMARTLog(buf)
	if err != nil {
		log.WithError(err).WithField("device", d.Name()).Debug("SMART log unreadable")
		return nil
	}
	return sl
}
