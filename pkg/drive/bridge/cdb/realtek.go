// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cdb

import (
	"encoding/binary"
	"fmt"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

// Realtek passthrough tags each of its three CDBs with the phase it belongs
// to and writes the direction explicitly.
const (
	RTKRead  = 0xe4
	RTKWrite = 0xe5

	RTKTagCommand    = 0xf7
	RTKTagData       = 0xf8
	RTKTagCompletion = 0xf9

	RTKCompletionLen = 16
	// A completion of this many bytes already carries the status half of dw3.
	RTKCompletionMinLen = 14
)

var RealtekCompletion = CompletionLayout{
	Order:       binary.BigEndian,
	Verify:      func(b []byte) bool { return len(b) >= RTKCompletionMinLen },
	ShortStatus: true,
}

func rtkCDB(tag uint8, admin bool, dir DirCode, length uint32) sgio.CDB16 {
	var cdb sgio.CDB16
	cdb[0] = RTKWrite
	if dir == DirCodeIn {
		cdb[0] = RTKRead
	}
	binary.LittleEndian.PutUint16(cdb[1:], uint16(length))
	cdb[3] = tag
	binary.LittleEndian.PutUint16(cdb[4:], uint16(length>>16))
	binary.BigEndian.PutUint16(cdb[6:], uint16(dir))
	if !admin {
		cdb[8] = 1
	}
	return cdb
}

// CheckRealtek reports whether the Realtek protocol can carry cmd.
func CheckRealtek(cmd *nvme.Command) error {
	_, err := DataDirCode(cmd)
	return err
}

// RealtekCommand encodes the command phase and its 64 byte submission entry.
func RealtekCommand(cmd *nvme.Command) (sgio.CDB16, []byte, error) {
	if err := CheckRealtek(cmd); err != nil {
		return sgio.CDB16{}, nil, err
	}
	entry := make([]byte, nvme.CommandSize)
	cmd.MarshalEntry(entry)
	return rtkCDB(RTKTagCommand, cmd.Class == nvme.Admin, DirCodeOut, nvme.CommandSize), entry, nil
}

// RealtekData encodes the data phase. The direction code is none whenever
// the command has no data bytes.
func RealtekData(cmd *nvme.Command) (sgio.CDB16, error) {
	dir, err := DataDirCode(cmd)
	if err != nil {
		return sgio.CDB16{}, err
	}
	return rtkCDB(RTKTagData, cmd.Class == nvme.Admin, dir, uint32(len(cmd.Data))), nil
}

// RealtekGetCompletion encodes the completion phase.
func RealtekGetCompletion(cmd *nvme.Command) sgio.CDB16 {
	return rtkCDB(RTKTagCompletion, cmd.Class == nvme.Admin, DirCodeIn, RTKCompletionLen)
}

// DecodeRealtek decodes a Realtek CDB. For the command phase, entry is the
// submission entry it carried.
func DecodeRealtek(cdb, entry []byte) (Decoded, error) {
	var d Decoded
	if len(cdb) != 16 || (cdb[0] != RTKRead && cdb[0] != RTKWrite) {
		return d, fmt.Errorf("%w: not a Realtek CDB", ErrMalformed)
	}
	d.Admin = cdb[8] == 0
	d.Length = uint32(binary.LittleEndian.Uint16(cdb[4:]))<<16 | uint32(binary.LittleEndian.Uint16(cdb[1:]))
	dir := binary.BigEndian.Uint16(cdb[6:])
	if dir > uint16(DirCodeOut) {
		return d, fmt.Errorf("%w: direction code %#04x", ErrMalformed, dir)
	}
	d.Dir = DirCode(dir)
	if (cdb[0] == RTKRead) != (d.Dir == DirCodeIn) {
		return d, fmt.Errorf("%w: opcode %#02x disagrees with direction code %d", ErrMalformed, cdb[0], d.Dir)
	}
	switch cdb[3] {
	case RTKTagCommand:
		d.Phase = PhaseCommand
		if err := d.fromEntry(entry); err != nil {
			return d, err
		}
	case RTKTagData:
		d.Phase = PhaseData
	case RTKTagCompletion:
		d.Phase = PhaseCompletion
	default:
		return d, fmt.Errorf("%w: unknown Realtek phase tag %#02x", ErrMalformed, cdb[3])
	}
	return d, nil
}
