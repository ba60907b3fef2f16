// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cdb encodes NVMe commands into the vendor specific CDBs USB to
// NVMe bridge chips understand, and decodes what comes back.
//
// Everything here is pure: no I/O, no state. Every encoder validates the
// whole command before it writes a single byte, so a command the wire format
// cannot represent yields ErrNotEncodable and never a truncated CDB.
package cdb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

var (
	ErrNotEncodable = errors.New("command cannot be encoded for this bridge")
	ErrMalformed    = errors.New("malformed bridge CDB")
)

// Phase is the step of a multi-phase bridge sequence a CDB belongs to.
type Phase int

const (
	PhaseCommand Phase = iota
	PhaseData
	PhaseCompletion
)

func (p Phase) String() string {
	switch p {
	case PhaseCommand:
		return "command"
	case PhaseData:
		return "data"
	case PhaseCompletion:
		return "completion"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// DirCode is the data direction code written into bridge CDBs.
type DirCode uint8

const (
	DirCodeNone DirCode = 0
	DirCodeIn   DirCode = 1
	DirCodeOut  DirCode = 2
)

// CDBDirection is the SCSI generic direction a data phase with this code
// uses.
func (d DirCode) CDBDirection() sgio.CDBDirection {
	switch d {
	case DirCodeIn:
		return sgio.CDBFromDevice
	case DirCodeOut:
		return sgio.CDBToDevice
	}
	return sgio.CDBNone
}

// DataDirCode returns the direction code of cmd's data phase. A command without
// data bytes is a non-data command whatever direction it asked for.
func DataDirCode(cmd *nvme.Command) (DirCode, error) {
	switch cmd.TransferDirection() {
	case nvme.DirNone:
		return DirCodeNone, nil
	case nvme.DirIn:
		return DirCodeIn, nil
	case nvme.DirOut:
		return DirCodeOut, nil
	}
	return 0, fmt.Errorf("%w: %s data transfer", ErrNotEncodable, cmd.Direction)
}

// Decoded is the logical content recovered from a bridge CDB (and, for
// formats that carry the command out of band, its submission entry).
type Decoded struct {
	Phase  Phase
	Admin  bool
	Opcode uint8
	NSID   uint32
	CDW    [6]uint32
	Dir    DirCode
	Length uint32
}

func (d *Decoded) fromEntry(b []byte) error {
	op, nsid, cdw, err := nvme.UnmarshalEntry(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	d.Opcode, d.NSID, d.CDW = op, nsid, cdw
	return nil
}

// CompletionLayout describes where a completion entry lives inside a
// response block and how to tell a real entry from garbage. Decode follows
// one pattern for every bridge: parse optimistically, verify the tag, and
// fall back to an all-invalid completion.
type CompletionLayout struct {
	Offset int
	Order  binary.ByteOrder
	// Verify reports whether block holds a completion entry at all.
	Verify func(block []byte) bool
	// ShortStatus recovers dw3 from its upper half when only that arrived.
	// Only meaningful with big endian words, where the status comes first.
	ShortStatus bool
}

// Decode extracts the completion words from block. Words that did not fully
// arrive are left invalid. Nothing past len(block) is read.
func (l CompletionLayout) Decode(block []byte) nvme.Completion {
	var c nvme.Completion
	if l.Verify != nil && !l.Verify(block) {
		return c
	}
	for i := range c.DW {
		start := min(len(block), l.Offset+4*i)
		w := block[start:min(len(block), start+4)]
		switch {
		case len(w) == 4:
			c.Set(i, l.Order.Uint32(w))
		case i == 3 && l.ShortStatus && len(w) >= 2:
			c.Set(i, uint32(binary.BigEndian.Uint16(w))<<16)
		}
	}
	return c
}

// hasSignature returns a Verify func matching sig at offset 0 and requiring
// at least minLen bytes.
func hasSignature(sig string, minLen int) func([]byte) bool {
	return func(b []byte) bool {
		return len(b) >= minLen && len(b) >= len(sig) && string(b[:len(sig)]) == sig
	}
}

// notSentinel returns a Verify func rejecting blocks shorter than n bytes or
// whose last two bytes are both 0xff.
func notSentinel(n int) func([]byte) bool {
	return func(b []byte) bool {
		return len(b) >= n && !(b[n-2] == 0xff && b[n-1] == 0xff)
	}
}

func put24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func get24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
