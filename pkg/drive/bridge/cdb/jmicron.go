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

// JMicron passthrough reuses the ATA PASS-THROUGH(12) opcode. Byte 1 selects
// a protocol, the command itself travels in a signed 512 byte payload.
const (
	JMOpcode   = 0xa1
	JMAdminBit = 0x80

	JMProtoSetPayload = 0x0
	JMProtoNonData    = 0x1
	JMProtoDMAIn      = 0x2
	JMProtoDMAOut     = 0x3
	JMProtoResponse   = 0xf

	JMSignature        = "NVME"
	JMPayloadLen       = 512
	JMCommandOffset    = 8
	JMSelectorOffset   = 72
	JMCompletionOffset = 8

	JMSelectorForward = 0x01

	jmMaxLength = 1<<24 - 1
)

var JMicronCompletion = CompletionLayout{
	Offset: JMCompletionOffset,
	Order:  binary.LittleEndian,
	Verify: hasSignature(JMSignature, JMCompletionOffset+nvme.CompletionSize),
}

// JMicronCDB encodes a CDB for protocol proto moving length bytes.
func JMicronCDB(proto uint8, admin bool, length uint32) (sgio.CDB12, error) {
	var cdb sgio.CDB12
	if proto&^0xf != 0 {
		return cdb, fmt.Errorf("%w: JMicron protocol %#x", ErrNotEncodable, proto)
	}
	if length > jmMaxLength {
		return cdb, fmt.Errorf("%w: JMicron transfer length %d exceeds 24 bits", ErrNotEncodable, length)
	}
	cdb[0] = JMOpcode
	cdb[1] = proto
	if admin {
		cdb[1] |= JMAdminBit
	}
	put24(cdb[3:6], length)
	return cdb, nil
}

// JMicronDataProtocol picks the data phase protocol for cmd.
func JMicronDataProtocol(cmd *nvme.Command) (uint8, error) {
	dir, err := DataDirCode(cmd)
	if err != nil {
		return 0, err
	}
	switch dir {
	case DirCodeIn:
		return JMProtoDMAIn, nil
	case DirCodeOut:
		return JMProtoDMAOut, nil
	}
	return JMProtoNonData, nil
}

// CheckJMicron reports whether the JMicron protocol can carry cmd.
func CheckJMicron(cmd *nvme.Command) error {
	if _, err := JMicronDataProtocol(cmd); err != nil {
		return err
	}
	if len(cmd.Data) > jmMaxLength {
		return fmt.Errorf("%w: JMicron transfer length %d exceeds 24 bits", ErrNotEncodable, len(cmd.Data))
	}
	return nil
}

// JMicronPayload builds the signed payload of the set payload phase. The
// submission entry is only filled in when selector forwards a command.
func JMicronPayload(selector uint8, cmd *nvme.Command) ([]byte, error) {
	if selector == JMSelectorForward {
		if err := CheckJMicron(cmd); err != nil {
			return nil, err
		}
	}
	p := make([]byte, JMPayloadLen)
	copy(p, JMSignature)
	if selector == JMSelectorForward {
		cmd.MarshalEntry(p[JMCommandOffset : JMCommandOffset+nvme.CommandSize])
	}
	p[JMSelectorOffset] = selector
	return p, nil
}

// JMicronData encodes the data phase CDB for cmd.
func JMicronData(cmd *nvme.Command) (sgio.CDB12, sgio.CDBDirection, error) {
	if err := CheckJMicron(cmd); err != nil {
		return sgio.CDB12{}, sgio.CDBNone, err
	}
	proto, _ := JMicronDataProtocol(cmd)
	dir, _ := DataDirCode(cmd)
	cdb, err := JMicronCDB(proto, cmd.Class == nvme.Admin, uint32(len(cmd.Data)))
	return cdb, dir.CDBDirection(), err
}

// DecodeJMicron decodes a JMicron CDB. For the set payload CDB, payload is
// the 512 byte block it carried.
func DecodeJMicron(cdb, payload []byte) (Decoded, error) {
	var d Decoded
	if len(cdb) != 12 || cdb[0] != JMOpcode {
		return d, fmt.Errorf("%w: not a JMicron CDB", ErrMalformed)
	}
	d.Admin = cdb[1]&JMAdminBit != 0
	d.Length = get24(cdb[3:6])
	switch proto := cdb[1] &^ JMAdminBit; proto {
	case JMProtoSetPayload:
		d.Phase = PhaseCommand
		d.Dir = DirCodeOut
		if len(payload) < JMPayloadLen || string(payload[:len(JMSignature)]) != JMSignature {
			return d, fmt.Errorf("%w: payload is not signed", ErrMalformed)
		}
		if payload[JMSelectorOffset] == JMSelectorForward {
			if err := d.fromEntry(payload[JMCommandOffset : JMCommandOffset+nvme.CommandSize]); err != nil {
				return d, err
			}
		}
	case JMProtoNonData:
		d.Phase = PhaseData
		d.Dir = DirCodeNone
	case JMProtoDMAIn:
		d.Phase = PhaseData
		d.Dir = DirCodeIn
	case JMProtoDMAOut:
		d.Phase = PhaseData
		d.Dir = DirCodeOut
	case JMProtoResponse:
		d.Phase = PhaseCompletion
		d.Dir = DirCodeIn
	default:
		return d, fmt.Errorf("%w: unknown JMicron protocol %#x", ErrMalformed, proto)
	}
	return d, nil
}
