// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bridge runs logical NVMe commands through USB to NVMe bridge
// chips. Each engine drives its vendor's phase sequence over an
// sgio.Transport and hands back whatever completion it could recover.
//
// Engines are not reentrant. A device must not run two commands through the
// same engine at once, since the phases of a sequence are not atomic on the
// bridge.
package bridge

import (
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/bridge/cdb"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sense"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

// Result is what an engine recovered from one command.
type Result struct {
	Completion nvme.Completion
	// Outcome is the raw transport outcome. It does not yet account for an
	// NVMe status carried in the completion.
	Outcome sgio.Outcome
	// Sense holds the sense data of the last phase that returned any.
	Sense sense.Fields
}

type Engine interface {
	Name() string
	Execute(cmd *nvme.Command) Result
}

// Allocator hands out the scratch buffers engines need when a command's own
// buffer does not satisfy the bridge's alignment rules.
type Allocator interface {
	Alloc(size int) []byte
	Release(buf []byte)
}

type heapAllocator struct{}

func (heapAllocator) Alloc(size int) []byte { return make([]byte, size) }
func (heapAllocator) Release([]byte)        {}

// HeapAllocator allocates scratch buffers from the Go heap.
var HeapAllocator Allocator = heapAllocator{}

// stops reports whether a phase outcome ends the sequence on the spot.
func stops(o sgio.Outcome) bool {
	return o.Local() || o == sgio.OSError
}

// rawOutcome folds the data and completion phase outcomes into one: the
// first failure wins.
func rawOutcome(data, completion sgio.Outcome) sgio.Outcome {
	if data != sgio.Success {
		return data
	}
	return completion
}

// phaser sends the individual CDBs of a sequence.
type phaser struct {
	t   sgio.Transport
	log *logrus.Entry
}

func newPhaser(t sgio.Transport, log *logrus.Entry, name string) phaser {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return phaser{t: t, log: log.WithField("engine", name)}
}

// send runs one phase. It returns the outcome and how many data bytes
// moved, and records any sense data in res.
func (p phaser) send(res *Result, phase cdb.Phase, c []byte, dir sgio.CDBDirection, data []byte, timeout time.Duration) (sgio.Outcome, int) {
	req := &sgio.Request{
		CDB:       c,
		Direction: dir,
		Data:      data,
		Sense:     make([]byte, sgio.SENSE_LENGTH),
		Timeout:   timeout,
	}
	if len(data) == 0 {
		req.Direction = sgio.CDBNone
		req.Data = nil
	}
	out := p.t.SendCDB(req)
	if n := min(req.SenseLen, len(req.Sense)); n > 0 {
		if f := sense.Parse(req.Sense[:n]); f.ValidStructure && !f.Empty() {
			res.Sense = f
		}
	}
	entry := p.log.WithFields(logrus.Fields{
		"phase":   phase,
		"cdb":     hex.EncodeToString(c),
		"dir":     req.Direction,
		"len":     len(req.Data),
		"outcome": out,
	})
	if res.Sense.ValidStructure && out != sgio.Success {
		entry = entry.WithField("sense", res.Sense)
	}
	entry.Debug("bridge phase")
	return out, req.Transferred()
}

// finish sends the completion phase and settles the result. A timed out
// data phase never yields a valid completion.
func (p phaser) finish(res *Result, dataOut sgio.Outcome, c []byte, layout cdb.CompletionLayout, size int, timeout time.Duration) {
	block := make([]byte, size)
	out, n := p.send(res, cdb.PhaseCompletion, c, sgio.CDBFromDevice, block, timeout)
	if out == sgio.Success {
		res.Completion = layout.Decode(block[:n])
	}
	if dataOut == sgio.Timeout {
		res.Completion.Invalidate()
	}
	if out == sgio.Success && !res.Completion.AnyValid() {
		p.log.Debug("bridge returned no completion entry")
	}
	res.Outcome = rawOutcome(dataOut, out)
}
