// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package drive opens a device node and binds it to the passthrough
// selector that reaches the NVMe controller behind it.
package drive

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/bridge"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/bridgedb"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/passthrough"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/scsi"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

var (
	ErrDeviceNotSupported = errors.New("device is not supported")
	ErrNoSelector         = errors.New("no passthrough selector reaches the drive")
)

type options struct {
	log      *logrus.Entry
	db       *bridgedb.BridgeDb
	selector passthrough.Selector
	forced   bool
	probe    bool
	alloc    bridge.Allocator
}

type Option func(*options)

func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// WithBridgeDb replaces the built in bridge database.
func WithBridgeDb(db *bridgedb.BridgeDb) Option {
	return func(o *options) { o.db = db }
}

// WithSelector skips detection and uses s as is.
func WithSelector(s passthrough.Selector) Option {
	return func(o *options) {
		o.selector = s
		o.forced = true
	}
}

// WithProbe confirms the selector from the bridge database with Identify
// Controller even when the entry does not ask for it.
func WithProbe(probe bool) Option {
	return func(o *options) { o.probe = probe }
}

func WithAllocator(alloc bridge.Allocator) Option {
	return func(o *options) { o.alloc = alloc }
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.db == nil {
		o.db = bridgedb.Default()
	}
	return o
}

func (o *options) device(name string, s passthrough.Selector, t sgio.Transport, sub bridge.Submitter, c io.Closer) (*passthrough.Device, error) {
	return passthrough.NewDevice(name, s, t,
		passthrough.WithLogger(o.log),
		passthrough.WithNVMeSubmitter(sub),
		passthrough.WithAllocator(o.alloc),
		passthrough.WithCloser(c))
}

// Bind picks the selector for a device reachable through t, sub or both,
// and returns the dispatcher for it. The returned Device closes c. On error
// c is left open.
func Bind(name string, t sgio.Transport, sub bridge.Submitter, c io.Closer, opts ...Option) (*passthrough.Device, error) {
	o := newOptions(opts)
	log := o.log.WithField("device", name)

	if o.forced {
		return o.device(name, o.selector, t, sub, c)
	}
	if t == nil {
		if sub == nil {
			return nil, fmt.Errorf("%s: %w", name, ErrDeviceNotSupported)
		}
		return o.device(name, passthrough.SelectorNative, nil, sub, c)
	}

	// INQUIRY goes straight to the bridge, whichever selector ends up used.
	plain, err := passthrough.NewDevice(name, passthrough.SelectorNative, t, passthrough.WithLogger(o.log))
	if err != nil {
		return nil, err
	}
	inq, err := scsi.Inquiry(plain)
	if err != nil {
		return nil, fmt.Errorf("%s: inquiry: %w", name, err)
	}
	b := o.db.Lookup(inq.Vendor(), inq.Product())
	log.WithFields(logrus.Fields{
		"vendor":   inq.Vendor(),
		"product":  inq.Product(),
		"bridge":   b.Name,
		"selector": b.Selector,
	}).Debug("bridge lookup")

	sel := b.Selector
	if o.probe || b.HasQuirk(bridgedb.QuirkProbe) || (sel == passthrough.SelectorNative && sub == nil) {
		order := append([]passthrough.Selector{sel}, passthrough.Selectors...)
		if sel, _, err = Probe(name, t, sub, order, opts...); err != nil {
			return nil, err
		}
	}
	return o.device(name, sel, t, sub, c)
}

// Probe tries each selector in order, skipping repeats, and returns the
// first one that answers Identify Controller with plausible data. A nil
// order means passthrough.Selectors. Probing stops early when the device
// itself is unreachable.
func Probe(name string, t sgio.Transport, sub bridge.Submitter, order []passthrough.Selector, opts ...Option) (passthrough.Selector, *nvme.ControllerIdentity, error) {
	o := newOptions(opts)
	log := o.log.WithField("device", name)
	if order == nil {
		order = passthrough.Selectors
	}

	tried := map[passthrough.Selector]bool{}
	for _, sel := range order {
		if tried[sel] {
			continue
		}
		tried[sel] = true
		if (sel == passthrough.SelectorNative && sub == nil) || (sel != passthrough.SelectorNative && t == nil) {
			continue
		}

		d, err := o.device(name, sel, t, sub, nil)
		if err != nil {
			return 0, nil, err
		}
		id, err := Identify(d)
		if err == nil {
			log.WithFields(logrus.Fields{"selector": sel, "model": model(id)}).Debug("probe succeeded")
			return sel, id, nil
		}
		log.WithError(err).WithField("selector", sel).Debug("probe failed")
		if unreachable(err) {
			return 0, nil, fmt.Errorf("%s: probe: %w", name, err)
		}
	}
	return 0, nil, fmt.Errorf("%s: %w", name, ErrNoSelector)
}

// unreachable reports a failure no other selector can get past. A device
// that answered with sense data was reached, whatever the sense says.
func unreachable(err error) bool {
	var ce *passthrough.CommandError
	if errors.As(err, &ce) && ce.Sense.ValidStructure {
		return false
	}
	switch passthrough.OutcomeOf(err) {
	case sgio.NotAvailable, sgio.Blocked, sgio.OSError:
		return true
	}
	return false
}

// Identify reads the Identify Controller data structure through d.
func Identify(d *passthrough.Device) (*nvme.ControllerIdentity, error) {
	buf := make([]byte, nvme.IdentifySize)
	if _, err := d.Execute(nvme.IdentifyController(buf)); err != nil {
		return nil, err
	}
	id, err := nvme.ParseControllerIdentity(buf)
	if err != nil {
		return nil, err
	}
	// Bridges that ignore an unknown vendor CDB often report success and
	// leave the buffer untouched.
	if id.VendorID == 0 && model(id) == "" {
		return nil, &passthrough.CommandError{
			Op:      "identify",
			Device:  d.Name(),
			Outcome: sgio.Failure,
			Err:     errors.New("empty identify data"),
		}
	}
	return id, nil
}

func model(id *nvme.ControllerIdentity) string {
	return strings.Trim(string(id.ModelNumber[:]), " \x00")
}
