// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	IdentifySize = 4096

	CNSNamespace  = 0x00
	CNSController = 0x01

	LogErrorInfo   = 0x01
	LogSMARTHealth = 0x02
	LogFirmware    = 0x03

	// NSIDAll addresses the controller or every namespace at once.
	NSIDAll = 0xffffffff
)

// IdentifyController builds an Identify command for the controller data
// structure.
func IdentifyController(buf []byte) *Command {
	return &Command{
		Class:     Admin,
		Opcode:    AdminIdentify,
		Direction: DirIn,
		Data:      buf,
		CDW:       [6]uint32{CNSController},
	}
}

// IdentifyNamespace builds an Identify command for namespace nsid.
func IdentifyNamespace(nsid uint32, buf []byte) *Command {
	return &Command{
		Class:     Admin,
		Opcode:    AdminIdentify,
		NSID:      nsid,
		Direction: DirIn,
		Data:      buf,
		CDW:       [6]uint32{CNSNamespace},
	}
}

// GetLogPage builds a Get Log Page command that fills buf starting at byte
// offset within the log.
func GetLogPage(lid uint8, nsid uint32, offset uint64, buf []byte) (*Command, error) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: log buffer of %d bytes is not a dword multiple", ErrInvalidCommand, len(buf))
	}
	numd := uint32(len(buf)/4 - 1)
	return &Command{
		Class:     Admin,
		Opcode:    AdminGetLogPage,
		NSID:      nsid,
		Direction: DirIn,
		Data:      buf,
		CDW: [6]uint32{
			(numd&0xffff)<<16 | uint32(lid),
			numd >> 16,
			uint32(offset),
			uint32(offset >> 32),
		},
	}, nil
}

// ControllerIdentity holds the strings of an Identify Controller data
// structure.
type ControllerIdentity struct {
	VendorID     uint16
	SubVendorID  uint16
	SerialNumber [20]byte
	ModelNumber  [40]byte
	Firmware     [8]byte
}

func ParseControllerIdentity(raw []byte) (*ControllerIdentity, error) {
	var id ControllerIdentity
	// NVMe structures are little endian; only the two IDs care.
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &id); err != nil {
		return nil, fmt.Errorf("failed to parse identify controller data: %w", err)
	}
	return &id, nil
}

func (id *ControllerIdentity) String() string {
	return fmt.Sprintf("Vendor=%#04x, Model=%s, Serial=%s, Firmware=%s",
		id.VendorID,
		strings.TrimSpace(string(id.ModelNumber[:])),
		strings.TrimSpace(string(id.SerialNumber[:])),
		strings.TrimSpace(string(id.Firmware[:])))
}
