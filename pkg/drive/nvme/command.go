// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nvme holds the vendor neutral NVMe command and completion types
// every passthrough engine consumes and produces.
package nvme

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// MaxDataLen is the largest data buffer a single command may carry.
	MaxDataLen = 256 * 1024

	// CommandSize is the size of a submission queue entry.
	CommandSize = 64
	// CompletionSize is the size of a completion queue entry.
	CompletionSize = 16

	DefaultTimeout = 15 * time.Second
)

// Admin opcodes
const (
	AdminGetLogPage   = 0x02
	AdminIdentify     = 0x06
	AdminSetFeatures  = 0x09
	AdminGetFeatures  = 0x0a
	AdminSelfTest     = 0x14
	AdminFormatNVM    = 0x80
	AdminSecuritySend = 0x81
	AdminSecurityRecv = 0x82
)

// IO opcodes
const (
	IOFlush = 0x00
	IOWrite = 0x01
	IORead  = 0x02
)

var ErrInvalidCommand = errors.New("invalid NVMe command")

type Class uint8

const (
	Admin Class = iota
	IO
)

func (c Class) String() string {
	if c == Admin {
		return "admin"
	}
	return "io"
}

// Direction of the data phase, as seen from the host.
type Direction uint8

const (
	DirNone Direction = iota
	DirOut
	DirIn
	DirBidirectional
)

func (d Direction) String() string {
	switch d {
	case DirNone:
		return "none"
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	case DirBidirectional:
		return "bidirectional"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// OpcodeDirection returns the data direction an opcode's two low bits
// declare: 00 none, 01 host to controller, 10 controller to host, 11 both.
func OpcodeDirection(opcode uint8) Direction {
	return Direction(opcode & 0x3)
}

// Command is one logical NVMe command, independent of the wire format that
// will eventually carry it. CDW holds cdw10 through cdw15.
type Command struct {
	Class     Class
	Opcode    uint8
	NSID      uint32
	Direction Direction
	Data      []byte
	CDW       [6]uint32
	Timeout   time.Duration
}

// CDW10 through CDW15 accessors keep call sites readable.
func (c *Command) CDW10() uint32 { return c.CDW[0] }
func (c *Command) CDW11() uint32 { return c.CDW[1] }
func (c *Command) CDW12() uint32 { return c.CDW[2] }
func (c *Command) CDW13() uint32 { return c.CDW[3] }
func (c *Command) CDW14() uint32 { return c.CDW[4] }
func (c *Command) CDW15() uint32 { return c.CDW[5] }

// TransferDirection is the direction the data phase actually uses: a
// command without data bytes transfers nothing whatever it asked for.
func (c *Command) TransferDirection() Direction {
	if len(c.Data) == 0 {
		return DirNone
	}
	return c.Direction
}

// Validate checks the command is well formed. It does not look at whether
// any particular wire format can carry it.
func (c *Command) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if c.Class != Admin && c.Class != IO {
		return fmt.Errorf("%w: class %d", ErrInvalidCommand, c.Class)
	}
	if c.Direction > DirBidirectional {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, c.Direction)
	}
	if len(c.Data) > MaxDataLen {
		return fmt.Errorf("%w: data length %d exceeds %d", ErrInvalidCommand, len(c.Data), MaxDataLen)
	}
	if c.Direction == DirNone && len(c.Data) != 0 {
		return fmt.Errorf("%w: %d data bytes without a direction", ErrInvalidCommand, len(c.Data))
	}
	if want := OpcodeDirection(c.Opcode); want != c.Direction {
		return fmt.Errorf("%w: opcode %#02x transfers %s, command says %s",
			ErrInvalidCommand, c.Opcode, want, c.Direction)
	}
	return nil
}

// TimeoutOrDefault returns the command timeout, falling back to
// DefaultTimeout when none was set.
func (c *Command) TimeoutOrDefault() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// MarshalEntry writes the command as a 64-byte submission queue entry in
// NVMe wire order into b. Data pointers and the command identifier are left
// zero for the bridge to fill in.
func (c *Command) MarshalEntry(b []byte) {
	_ = b[CommandSize-1]
	clear(b[:CommandSize])
	b[0] = c.Opcode
	binary.LittleEndian.PutUint32(b[4:], c.NSID)
	for i, w := range c.CDW {
		binary.LittleEndian.PutUint32(b[40+4*i:], w)
	}
}

// UnmarshalEntry is the inverse of MarshalEntry for the fields a Command
// carries.
func UnmarshalEntry(b []byte) (opcode uint8, nsid uint32, cdw [6]uint32, err error) {
	if len(b) < CommandSize {
		return 0, 0, cdw, fmt.Errorf("%w: submission entry of %d bytes", ErrInvalidCommand, len(b))
	}
	opcode = b[0]
	nsid = binary.LittleEndian.Uint32(b[4:])
	for i := range cdw {
		cdw[i] = binary.LittleEndian.Uint32(b[40+4*i:])
	}
	return opcode, nsid, cdw, nil
}
