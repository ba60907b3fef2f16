// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hacks learns which optional SCSI command forms a device really
// accepts, purely from how it answered earlier attempts.
//
// Every category starts Unknown. A success makes it Confirmed, enough
// unexplained rejections make it Abandoned, and neither state is ever left
// again for the lifetime of the Tracker. A rejection whose sense data points
// at one CDB field only marks that narrow feature unsupported.
package hacks

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/sense"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

type Category int

const (
	Mode6 Category = iota
	Mode10
	LogPages
	VPDPages
	ReportOpCodes

	numCategories
)

// Categories lists every category in a stable order.
var Categories = []Category{Mode6, Mode10, LogPages, VPDPages, ReportOpCodes}

var categoryNames = [numCategories]string{
	Mode6:         "mode6",
	Mode10:        "mode10",
	LogPages:      "log",
	VPDPages:      "vpd",
	ReportOpCodes: "rsoc",
}

func (c Category) String() string {
	if c >= 0 && c < numCategories {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Ceiling is the number of consecutive unexplained rejections, with no
// success ever seen, after which the category is abandoned.
func (c Category) Ceiling() uint8 {
	switch c {
	case Mode6, Mode10:
		return 8
	case LogPages, VPDPages:
		return 5
	case ReportOpCodes:
		return 3
	}
	return 0
}

type State int

const (
	Unknown State = iota
	Confirmed
	Abandoned
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Confirmed:
		return "confirmed"
	case Abandoned:
		return "abandoned"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SCSI opcodes the tracker classifies.
const (
	opInquiry       = 0x12
	opModeSelect6   = 0x15
	opModeSense6    = 0x1a
	opLogSelect     = 0x4c
	opLogSense      = 0x4d
	opModeSelect10  = 0x55
	opModeSense10   = 0x5a
	opMaintenanceIn = 0xa3

	saReportOpCodes = 0x0c
)

type counter struct {
	state     State
	attempts  uint8
	successes uint8
}

func inc(n *uint8) {
	if *n < ^uint8(0) {
		*n++
	}
}

// Tracker is the learned capability state of one device. It is safe for
// concurrent use.
type Tracker struct {
	mu  sync.Mutex
	log *logrus.Entry

	cats [numCategories]counter

	noModeSubpages [2]bool // indexed by mode6, mode10
	noLLBAA        bool
	noLogSubpages  bool
	noRSOCOptions  bool
	preferMode6    bool

	// Page control values, indexed by the two bit PC field.
	noModePC [4]bool
	noLogPC  [4]bool

	modePages map[uint8]bool
	logPages  map[uint8]bool
	vpdPages  map[uint8]bool
}

func New(log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		log:       log,
		modePages: map[uint8]bool{},
		logPages:  map[uint8]bool{},
		vpdPages:  map[uint8]bool{},
	}
}

// Classify returns the category a CDB belongs to.
func Classify(cdb []byte) (Category, bool) {
	if len(cdb) < 6 {
		return 0, false
	}
	switch cdb[0] {
	case opModeSense6, opModeSelect6:
		return Mode6, true
	case opModeSense10, opModeSelect10:
		return Mode10, len(cdb) >= 10
	case opLogSense, opLogSelect:
		return LogPages, len(cdb) >= 10
	case opInquiry:
		return VPDPages, cdb[1]&0x01 != 0
	case opMaintenanceIn:
		return ReportOpCodes, len(cdb) >= 12 && cdb[1]&0x1f == saReportOpCodes
	}
	return 0, false
}

// Observe updates the tracker with the result of sending cdb. Commands the
// tracker does not classify are ignored, as are failures the device did not
// explain with ILLEGAL REQUEST sense data.
func (t *Tracker) Observe(cdb []byte, outcome sgio.Outcome, f sense.Fields) {
	cat, ok := Classify(cdb)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c := &t.cats[cat]
	log := t.log.WithFields(logrus.Fields{"category": cat, "opcode": fmt.Sprintf("%#02x", cdb[0])})

	if outcome == sgio.Success {
		if c.state == Abandoned {
			return
		}
		inc(&c.successes)
		if c.state == Unknown {
			c.state = Confirmed
			log.Debug("capability confirmed")
		}
		return
	}
	if !f.IllegalRequest() {
		return
	}

	switch {
	case f.InvalidOpCode(), f.FieldPointerValid && f.FieldPointerInCDB && f.FieldPointer == 0:
		t.abandon(c, log.WithField("sense", f), "device rejects the opcode")
		return
	case f.InvalidFieldInCDB():
		if t.narrow(cat, cdb, f, log) {
			return
		}
	}

	// Ambiguous: counts toward the ceiling unless the category ever worked.
	if c.state != Unknown || c.successes > 0 {
		return
	}
	inc(&c.attempts)
	if c.attempts < cat.Ceiling() {
		return
	}
	if cat == Mode10 && t.cats[Mode6].successes > 0 && modeSubpage(cdb) == 0 {
		if !t.preferMode6 {
			t.preferMode6 = true
			log.Info("preferring 6 byte mode pages for subpage 0")
		}
		return
	}
	t.abandon(c, log.WithField("attempts", c.attempts), "attempt ceiling reached")
}

func (t *Tracker) abandon(c *counter, log *logrus.Entry, why string) {
	if c.state != Unknown || c.successes > 0 {
		return
	}
	c.state = Abandoned
	log.Infof("abandoning capability: %s", why)
}

// narrow records the single feature a field pointer identifies. It returns
// false when the pointer does not name a field the tracker knows about.
func (t *Tracker) narrow(cat Category, cdb []byte, f sense.Fields, log *logrus.Entry) bool {
	ptr := int(f.FieldPointer)
	if ptr >= len(cdb) {
		return false
	}
	log = log.WithField("field", ptr)
	switch cat {
	case Mode6, Mode10:
		if cdb[0] != opModeSense6 && cdb[0] != opModeSense10 {
			return false
		}
		switch {
		case cat == Mode10 && ptr == 1 && cdb[1]&0x10 != 0 && (!f.BitPointerValid || f.BitPointer == 4):
			t.set(&t.noLLBAA, log, "long LBA mode parameters unsupported")
		case ptr == 2 && pageControlBits(f):
			t.set(&t.noModePC[cdb[2]>>6], log, fmt.Sprintf("mode page control %d unsupported", cdb[2]>>6))
		case ptr == 2:
			t.modePages[cdb[2]&0x3f] = true
			log.Debugf("mode page %#02x unsupported", cdb[2]&0x3f)
		case ptr == 3:
			t.set(&t.noModeSubpages[cat], log, "mode subpages unsupported")
		default:
			return false
		}
	case LogPages:
		if cdb[0] != opLogSense {
			return false
		}
		switch {
		case ptr == 2 && pageControlBits(f):
			t.set(&t.noLogPC[cdb[2]>>6], log, fmt.Sprintf("log page control %d unsupported", cdb[2]>>6))
		case ptr == 2:
			t.logPages[cdb[2]&0x3f] = true
			log.Debugf("log page %#02x unsupported", cdb[2]&0x3f)
		case ptr == 3:
			t.set(&t.noLogSubpages, log, "log subpages unsupported")
		default:
			return false
		}
	case VPDPages:
		switch {
		case ptr == 1 && (!f.BitPointerValid || f.BitPointer == 0):
			// EVPD itself was refused.
			t.abandon(&t.cats[cat], log, "device rejects EVPD")
		case ptr == 2:
			t.vpdPages[cdb[2]] = true
			log.Debugf("VPD page %#02x unsupported", cdb[2])
		default:
			return false
		}
	case ReportOpCodes:
		switch {
		case ptr == 1 && (!f.BitPointerValid || f.BitPointer <= 4):
			t.abandon(&t.cats[cat], log, "device rejects the service action")
		case ptr == 2:
			t.set(&t.noRSOCOptions, log, "reporting options unsupported")
		default:
			return false
		}
	}
	return true
}

// pageControlBits reports a bit pointer into the PC field, bits 7-6 of the
// page code byte.
func pageControlBits(f sense.Fields) bool {
	return f.BitPointerValid && f.BitPointer >= 6
}

func (t *Tracker) set(flag *bool, log *logrus.Entry, msg string) {
	if !*flag {
		*flag = true
		log.Info(msg)
	}
}

func modeSubpage(cdb []byte) uint8 {
	if len(cdb) > 3 {
		return cdb[3]
	}
	return 0
}

func (t *Tracker) State(c Category) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cats[c].state
}

// Attempts is the number of unexplained rejections counted for c.
func (t *Tracker) Attempts(c Category) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cats[c].attempts
}

func (t *Tracker) Successes(c Category) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cats[c].successes
}

// NoModePages reports that neither MODE SENSE form is worth trying.
func (t *Tracker) NoModePages() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cats[Mode6].state == Abandoned && t.cats[Mode10].state == Abandoned &&
		t.cats[Mode6].successes == 0 && t.cats[Mode10].successes == 0
}

// PreferMode6ForSubpageZero reports that MODE SENSE(10) never worked but
// MODE SENSE(6) did, so subpage 0 requests should use the 6 byte form.
func (t *Tracker) PreferMode6ForSubpageZero() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preferMode6
}

func (t *Tracker) ModeSubpagesUnsupported(c Category) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return (c == Mode6 || c == Mode10) && t.noModeSubpages[c]
}

func (t *Tracker) LLBAAUnsupported() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noLLBAA
}

func (t *Tracker) LogSubpagesUnsupported() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noLogSubpages
}

func (t *Tracker) ReportingOptionsUnsupported() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noRSOCOptions
}

// ModePageControlUnsupported reports that MODE SENSE with page control pc
// was rejected.
func (t *Tracker) ModePageControlUnsupported(pc uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noModePC[pc&0x3]
}

func (t *Tracker) LogPageControlUnsupported(pc uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noLogPC[pc&0x3]
}

func (t *Tracker) ModePageUnsupported(page uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modePages[page&0x3f]
}

func (t *Tracker) LogPageUnsupported(page uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logPages[page&0x3f]
}

func (t *Tracker) VPDPageUnsupported(page uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vpdPages[page]
}
