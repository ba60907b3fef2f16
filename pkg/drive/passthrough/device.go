// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package passthrough binds a device to the passthrough engine that can
// reach it and turns whatever that engine produced into one result shape.
package passthrough

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/bridge"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/hacks"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sense"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

type options struct {
	log   *logrus.Entry
	sub   bridge.Submitter
	alloc bridge.Allocator
	now   func() time.Time
	c     io.Closer
}

type Option func(*options)

func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// WithNVMeSubmitter supplies the OS NVMe passthrough the native selector
// uses.
func WithNVMeSubmitter(sub bridge.Submitter) Option {
	return func(o *options) { o.sub = sub }
}

// WithAllocator supplies the scratch buffer allocator for bridges with
// alignment rules.
func WithAllocator(alloc bridge.Allocator) Option {
	return func(o *options) { o.alloc = alloc }
}

// WithClock replaces time.Now for command duration measurements.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCloser hands the device node to the Device, which closes it on Close.
func WithCloser(c io.Closer) Option {
	return func(o *options) { o.c = c }
}

// Device is one open device handle. Commands on a Device are serialized;
// separate Devices share nothing.
type Device struct {
	name     string
	selector Selector
	t        sgio.Transport
	engine   bridge.Engine
	hacks    *hacks.Tracker
	log      *logrus.Entry
	now      func() time.Time
	closer   io.Closer

	// cmd serializes commands, mu guards the bookkeeping below.
	cmd          sync.Mutex
	mu           sync.Mutex
	lastStatus   nvme.Status
	hasStatus    bool
	lastDuration time.Duration
	stats        map[sgio.Outcome]uint64
}

// NewDevice binds name to the engine for selector. The transport may be nil
// only for the native selector, in which case SendSCSI is unavailable.
func NewDevice(name string, selector Selector, t sgio.Transport, opts ...Option) (*Device, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := o.log.WithFields(logrus.Fields{"device": name, "selector": selector})

	d := &Device{
		name:     name,
		selector: selector,
		t:        t,
		hacks:    hacks.New(log),
		log:      log,
		now:      o.now,
		closer:   o.c,
		stats:    map[sgio.Outcome]uint64{},
	}
	if t == nil && selector != SelectorNative {
		return nil, fmt.Errorf("%s: selector %s needs a SCSI transport", name, selector)
	}
	switch selector {
	case SelectorNative:
		d.engine = bridge.NewNative(o.sub, log)
	case SelectorASMediaBasic:
		d.engine = bridge.NewASMediaBasic(t, log)
	case SelectorASMediaPacket:
		d.engine = bridge.NewASMediaPacket(t, log, o.alloc)
	case SelectorJMicron:
		d.engine = bridge.NewJMicron(t, log)
	case SelectorRealtek:
		d.engine = bridge.NewRealtek(t, log)
	default:
		return nil, fmt.Errorf("%s: unknown passthrough selector %d", name, int(selector))
	}
	return d, nil
}

// Close releases the device node, if the Device owns one.
func (d *Device) Close() error {
	d.cmd.Lock()
	defer d.cmd.Unlock()
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}

func (d *Device) Name() string { return d.name }

func (d *Device) Selector() Selector { return d.selector }

// Hacks exposes what the device has taught us about optional SCSI
// commands.
func (d *Device) Hacks() *hacks.Tracker { return d.hacks }

// Execute runs cmd through the device's engine. The completion is returned
// even on error; words the engine could not recover are zero and invalid.
func (d *Device) Execute(cmd *nvme.Command) (nvme.Completion, error) {
	if err := cmd.Validate(); err != nil {
		d.record(sgio.BadParameter, 0, nil)
		d.log.WithError(err).Debug("rejected command")
		return nvme.Completion{}, &CommandError{Op: "execute", Device: d.name, Outcome: sgio.BadParameter, Err: err}
	}

	d.cmd.Lock()
	start := d.now()
	res := d.engine.Execute(cmd)
	elapsed := d.now().Sub(start)
	d.cmd.Unlock()

	outcome, desc := res.Outcome, ""
	st, ok := res.Completion.Status()
	// A valid NVMe status says more than any sense data from the bridge.
	switch {
	case ok && !outcome.Local():
		outcome, desc = nvme.LookupStatus(st)
	case outcome == sgio.Failure:
		outcome = res.Sense.Outcome()
	}
	if ok {
		d.record(outcome, elapsed, &st)
	} else {
		d.record(outcome, elapsed, nil)
	}

	log := d.log.WithFields(logrus.Fields{
		"opcode":   fmt.Sprintf("%#02x", cmd.Opcode),
		"class":    cmd.Class,
		"outcome":  outcome,
		"duration": elapsed,
	})
	if ok {
		log = log.WithField("status", st)
	}
	if outcome == sgio.Success {
		log.Debug("command completed")
		return res.Completion, nil
	}
	if desc != "" {
		log = log.WithField("reason", desc)
	}
	log.Info("command failed")
	return res.Completion, &CommandError{
		Op:        "execute",
		Device:    d.name,
		Outcome:   outcome,
		Status:    st,
		HasStatus: ok,
		Sense:     res.Sense,
	}
}

// SendSCSI sends a plain SCSI command, bypassing the NVMe engines. The
// result feeds the capability tracker.
func (d *Device) SendSCSI(cdb []byte, dir sgio.CDBDirection, data []byte, timeout time.Duration) (sense.Fields, error) {
	req := &sgio.Request{
		CDB:       cdb,
		Direction: dir,
		Data:      data,
		Sense:     make([]byte, sgio.SENSE_LENGTH),
		Timeout:   timeout,
	}
	if req.Timeout <= 0 {
		req.Timeout = sgio.DEFAULT_TIMEOUT
	}
	if err := req.Validate(); err != nil {
		d.recordSCSI(sgio.BadParameter, 0)
		return sense.Fields{}, &CommandError{Op: "scsi", Device: d.name, Outcome: sgio.BadParameter, Err: err}
	}
	if d.t == nil {
		d.recordSCSI(sgio.NotAvailable, 0)
		return sense.Fields{}, &CommandError{Op: "scsi", Device: d.name, Outcome: sgio.NotAvailable}
	}

	d.cmd.Lock()
	start := d.now()
	out := d.t.SendCDB(req)
	elapsed := d.now().Sub(start)
	d.cmd.Unlock()

	var f sense.Fields
	if n := min(req.SenseLen, len(req.Sense)); n > 0 {
		f = sense.Parse(req.Sense[:n])
	}
	d.hacks.Observe(cdb, out, f)
	if out == sgio.Failure {
		out = f.Outcome()
	}
	d.recordSCSI(out, elapsed)

	log := d.log.WithFields(logrus.Fields{
		"opcode":   fmt.Sprintf("%#02x", cdb[0]),
		"outcome":  out,
		"duration": elapsed,
	})
	if out == sgio.Success {
		log.Debug("scsi command completed")
		return f, nil
	}
	if f.ValidStructure {
		log = log.WithField("sense", f)
	}
	log.Debug("scsi command failed")
	return f, &CommandError{Op: "scsi", Device: d.name, Outcome: out, Sense: f}
}

func (d *Device) record(outcome sgio.Outcome, elapsed time.Duration, st *nvme.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats[outcome]++
	d.lastDuration = elapsed
	d.hasStatus = st != nil
	d.lastStatus = 0
	if st != nil {
		d.lastStatus = *st
	}
}

func (d *Device) recordSCSI(outcome sgio.Outcome, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats[outcome]++
	d.lastDuration = elapsed
}

// LastNVMeStatus returns the NVMe status of the last executed command, or
// false if that command produced none.
func (d *Device) LastNVMeStatus() (nvme.Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastStatus, d.hasStatus
}

// LastDuration is how long the last command took, whatever its outcome.
func (d *Device) LastDuration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDuration
}

// Stats returns how many commands ended with each outcome.
func (d *Device) Stats() map[sgio.Outcome]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := make(map[sgio.Outcome]uint64, len(d.stats))
	for k, v := range d.stats {
		r[k] = v
	}
	return r
}
