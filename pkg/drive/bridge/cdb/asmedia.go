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

// ASMedia basic passthrough: a single 16 byte CDB that can only express
// Identify and Get Log Page.
const (
	ASMBasicOpcode = 0xe6
)

// ASMedia packet passthrough: the command, its data and its completion
// travel in three separate CDBs.
const (
	ASMPacketWrite     = 0xea
	ASMPacketRead      = 0xeb
	ASMPacketSignature = 0x5a

	ASMSubSubmit     = 0x01
	ASMSubData       = 0x02
	ASMSubCompletion = 0x03

	ASMPacketCompletionLen = 16
	// Data phase buffers must be a multiple of this.
	ASMPacketAlign = 512
)

var ASMediaPacketCompletion = CompletionLayout{
	Order:  binary.LittleEndian,
	Verify: notSentinel(ASMPacketCompletionLen),
}

func checkASMediaBasic(cmd *nvme.Command) error {
	if cmd.Class != nvme.Admin {
		return fmt.Errorf("%w: ASMedia basic mode carries admin commands only", ErrNotEncodable)
	}
	if cmd.TransferDirection() != nvme.DirIn {
		return fmt.Errorf("%w: ASMedia basic mode only reads data", ErrNotEncodable)
	}
	if cmd.NSID != 0 && cmd.NSID != nvme.NSIDAll {
		return fmt.Errorf("%w: ASMedia basic mode has no namespace field (nsid %#x)", ErrNotEncodable, cmd.NSID)
	}
	switch cmd.Opcode {
	case nvme.AdminIdentify:
		if cmd.CDW10()&^0xff != 0 {
			return fmt.Errorf("%w: ASMedia basic mode forwards only cdw10 bits 0-7 of identify (cdw10 %#08x)",
				ErrNotEncodable, cmd.CDW10())
		}
		for i := 1; i < len(cmd.CDW); i++ {
			if cmd.CDW[i] != 0 {
				return fmt.Errorf("%w: ASMedia basic mode cannot carry cdw%d of identify", ErrNotEncodable, 10+i)
			}
		}
	case nvme.AdminGetLogPage:
		if cmd.CDW11() != 0 || cmd.CDW14() != 0 || cmd.CDW15() != 0 {
			return fmt.Errorf("%w: ASMedia basic mode carries only cdw10, cdw12 and cdw13 of get log page",
				ErrNotEncodable)
		}
	default:
		return fmt.Errorf("%w: ASMedia basic mode cannot send opcode %#02x", ErrNotEncodable, cmd.Opcode)
	}
	return nil
}

// ASMediaBasic encodes an Identify or Get Log Page command.
func ASMediaBasic(cmd *nvme.Command) (sgio.CDB16, error) {
	var cdb sgio.CDB16
	if err := checkASMediaBasic(cmd); err != nil {
		return cdb, err
	}
	cdb[0] = ASMBasicOpcode
	cdb[1] = cmd.Opcode
	cdb[2] = byte(cmd.CDW10() >> 8)
	cdb[3] = byte(cmd.CDW10())
	binary.BigEndian.PutUint16(cdb[6:], uint16(cmd.CDW10()>>16))
	binary.BigEndian.PutUint32(cdb[8:], cmd.CDW12())
	binary.BigEndian.PutUint32(cdb[12:], cmd.CDW13())
	return cdb, nil
}

func DecodeASMediaBasic(cdb []byte) (Decoded, error) {
	var d Decoded
	if len(cdb) != 16 || cdb[0] != ASMBasicOpcode {
		return d, fmt.Errorf("%w: not an ASMedia basic CDB", ErrMalformed)
	}
	d.Phase = PhaseData
	d.Admin = true
	d.Opcode = cdb[1]
	d.Dir = DirCodeIn
	d.CDW[0] = uint32(binary.BigEndian.Uint16(cdb[6:]))<<16 | uint32(cdb[2])<<8 | uint32(cdb[3])
	d.CDW[2] = binary.BigEndian.Uint32(cdb[8:])
	d.CDW[3] = binary.BigEndian.Uint32(cdb[12:])
	return d, nil
}

func asmPacketCDB(sub uint8, admin bool, dir DirCode, length uint32) sgio.CDB16 {
	var cdb sgio.CDB16
	cdb[0] = ASMPacketWrite
	if dir == DirCodeIn {
		cdb[0] = ASMPacketRead
	}
	cdb[1] = ASMPacketSignature
	cdb[2] = sub
	if !admin {
		cdb[3] = 1
	}
	cdb[4] = byte(dir)
	binary.BigEndian.PutUint32(cdb[10:], length)
	return cdb
}

// CheckASMediaPacket reports whether the packet protocol can carry cmd.
func CheckASMediaPacket(cmd *nvme.Command) error {
	_, err := DataDirCode(cmd)
	return err
}

// ASMediaPacketSubmit encodes phase one: the CDB and the 64 byte submission
// entry it sends.
func ASMediaPacketSubmit(cmd *nvme.Command) (sgio.CDB16, []byte, error) {
	if err := CheckASMediaPacket(cmd); err != nil {
		return sgio.CDB16{}, nil, err
	}
	entry := make([]byte, nvme.CommandSize)
	cmd.MarshalEntry(entry)
	return asmPacketCDB(ASMSubSubmit, cmd.Class == nvme.Admin, DirCodeOut, nvme.CommandSize), entry, nil
}

// ASMediaPacketData encodes phase two. Direction and length mirror the
// command's own data buffer.
func ASMediaPacketData(cmd *nvme.Command) (sgio.CDB16, error) {
	dir, err := DataDirCode(cmd)
	if err != nil {
		return sgio.CDB16{}, err
	}
	return asmPacketCDB(ASMSubData, cmd.Class == nvme.Admin, dir, uint32(len(cmd.Data))), nil
}

// ASMediaPacketGetCompletion encodes phase three.
func ASMediaPacketGetCompletion(cmd *nvme.Command) sgio.CDB16 {
	return asmPacketCDB(ASMSubCompletion, cmd.Class == nvme.Admin, DirCodeIn, ASMPacketCompletionLen)
}

// DecodeASMediaPacket decodes any of the three packet CDBs. For the submit
// CDB, entry is the submission entry it carried.
func DecodeASMediaPacket(cdb, entry []byte) (Decoded, error) {
	var d Decoded
	if len(cdb) != 16 || cdb[1] != ASMPacketSignature || (cdb[0] != ASMPacketRead && cdb[0] != ASMPacketWrite) {
		return d, fmt.Errorf("%w: not an ASMedia packet CDB", ErrMalformed)
	}
	d.Admin = cdb[3] == 0
	d.Dir = DirCode(cdb[4])
	d.Length = binary.BigEndian.Uint32(cdb[10:])
	if (cdb[0] == ASMPacketRead) != (d.Dir == DirCodeIn) {
		return d, fmt.Errorf("%w: opcode %#02x disagrees with direction code %d", ErrMalformed, cdb[0], d.Dir)
	}
	switch cdb[2] {
	case ASMSubSubmit:
		d.Phase = PhaseCommand
		if err := d.fromEntry(entry); err != nil {
			return d, err
		}
	case ASMSubData:
		d.Phase = PhaseData
	case ASMSubCompletion:
		d.Phase = PhaseCompletion
	default:
		return d, fmt.Errorf("%w: unknown ASMedia sub-operation %#02x", ErrMalformed, cdb[2])
	}
	return d, nil
}

// ASMediaPacketAligned returns n rounded up to the packet data alignment.
func ASMediaPacketAligned(n int) int {
	return (n + ASMPacketAlign - 1) / ASMPacketAlign * ASMPacketAlign
}
