// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sense decodes SCSI sense data returned alongside a failed CDB.
//
// Both the fixed (response codes 0x70/0x71) and the descriptor (0x72/0x73)
// formats are understood. Parsing never reads past the buffer it is given
// nor past the additional sense length the device reports.
package sense

import (
	"encoding/binary"
	"fmt"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

// Sense keys
const (
	NoSense        = 0x0
	RecoveredError = 0x1
	NotReady       = 0x2
	MediumError    = 0x3
	HardwareError  = 0x4
	IllegalRequest = 0x5
	UnitAttention  = 0x6
	DataProtect    = 0x7
	BlankCheck     = 0x8
	VendorSpecific = 0x9
	CopyAborted    = 0xa
	AbortedCommand = 0xb
	VolumeOverflow = 0xd
	Miscompare     = 0xe
	Completed      = 0xf
)

// Additional sense codes this package has an opinion about.
const (
	ASCInvalidCommandOpCode     = 0x20
	ASCInvalidFieldInCDB        = 0x24
	ASCInvalidFieldInParamList  = 0x26
	ASCParameterListLengthError = 0x1a
	ASCLogicalUnitNotSupported  = 0x25
	ASCSavingParamsNotSupported = 0x39
	ASCInternalTargetFailure    = 0x44
)

const (
	respFixedCurrent       = 0x70
	respFixedDeferred      = 0x71
	respDescriptorCurrent  = 0x72
	respDescriptorDeferred = 0x73

	descSenseKeySpecific = 0x02

	fixedMinLength      = 14
	fixedSKSOffset      = 15
	descriptorMinLength = 8
)

var keyNames = [16]string{
	"NO SENSE", "RECOVERED ERROR", "NOT READY", "MEDIUM ERROR",
	"HARDWARE ERROR", "ILLEGAL REQUEST", "UNIT ATTENTION", "DATA PROTECT",
	"BLANK CHECK", "VENDOR SPECIFIC", "COPY ABORTED", "ABORTED COMMAND",
	"RESERVED", "VOLUME OVERFLOW", "MISCOMPARE", "COMPLETED",
}

// KeyName returns the T10 name of a sense key.
func KeyName(key uint8) string {
	return keyNames[key&0xf]
}

// Fields is the parsed view of a sense buffer.
type Fields struct {
	// ValidStructure is false when the buffer does not start with a known
	// response code; every other field is then zero.
	ValidStructure bool
	ResponseCode   uint8
	Descriptor     bool
	Deferred       bool

	SenseKey                     uint8
	AdditionalSenseCode          uint8
	AdditionalSenseCodeQualifier uint8

	// Sense key specific field pointer, only filled in for ILLEGAL REQUEST.
	FieldPointerValid bool
	FieldPointerInCDB bool
	FieldPointer      uint16
	BitPointerValid   bool
	BitPointer        uint8
}

// Parse decodes buf. It never fails; an unrecognised or truncated buffer
// yields Fields with ValidStructure unset.
func Parse(buf []byte) Fields {
	var f Fields
	if len(buf) == 0 {
		return f
	}
	code := buf[0] & 0x7f
	switch code {
	case respFixedCurrent, respFixedDeferred:
		if len(buf) < fixedMinLength {
			return f
		}
		f.parseFixed(buf)
	case respDescriptorCurrent, respDescriptorDeferred:
		if len(buf) < descriptorMinLength {
			return f
		}
		f.parseDescriptor(buf)
	default:
		return f
	}
	f.ValidStructure = true
	f.ResponseCode = code
	f.Deferred = code == respFixedDeferred || code == respDescriptorDeferred
	return f
}

func (f *Fields) parseFixed(buf []byte) {
	f.SenseKey = buf[2] & 0x0f
	// Bytes past the additional length are not part of the sense data even
	// when the transport handed us a bigger buffer.
	end := min(len(buf), 8+int(buf[7]))
	if end > 12 {
		f.AdditionalSenseCode = buf[12]
	}
	if end > 13 {
		f.AdditionalSenseCodeQualifier = buf[13]
	}
	if end >= fixedSKSOffset+3 {
		f.parseSenseKeySpecific(buf[fixedSKSOffset : fixedSKSOffset+3])
	}
}

func (f *Fields) parseDescriptor(buf []byte) {
	f.Descriptor = true
	f.SenseKey = buf[1] & 0x0f
	f.AdditionalSenseCode = buf[2]
	f.AdditionalSenseCodeQualifier = buf[3]

	end := min(len(buf), 8+int(buf[7]))
	for off := 8; off+2 <= end; {
		typ, n := buf[off], int(buf[off+1])
		if off+2+n > end {
			break
		}
		if typ == descSenseKeySpecific && n >= 6 {
			f.parseSenseKeySpecific(buf[off+4 : off+7])
		}
		off += 2 + n
	}
}

// parseSenseKeySpecific decodes the three byte SKS field (SPC-4 4.5.2.4).
func (f *Fields) parseSenseKeySpecific(sks []byte) {
	if sks[0]&0x80 == 0 || f.SenseKey != IllegalRequest {
		return
	}
	f.FieldPointerValid = true
	f.FieldPointerInCDB = sks[0]&0x40 != 0
	f.BitPointerValid = sks[0]&0x08 != 0
	if f.BitPointerValid {
		f.BitPointer = sks[0] & 0x07
	}
	f.FieldPointer = binary.BigEndian.Uint16(sks[1:3])
}

// IllegalRequest reports whether the device rejected the CDB as malformed
// or unsupported.
func (f Fields) IllegalRequest() bool {
	return f.ValidStructure && f.SenseKey == IllegalRequest
}

// InvalidFieldInCDB reports an ILLEGAL REQUEST / INVALID FIELD IN CDB
// response that names the rejected CDB byte.
func (f Fields) InvalidFieldInCDB() bool {
	return f.IllegalRequest() &&
		f.AdditionalSenseCode == ASCInvalidFieldInCDB &&
		f.AdditionalSenseCodeQualifier == 0 &&
		f.FieldPointerValid && f.FieldPointerInCDB
}

// InvalidOpCode reports an ILLEGAL REQUEST / INVALID COMMAND OPERATION CODE.
func (f Fields) InvalidOpCode() bool {
	return f.IllegalRequest() && f.AdditionalSenseCode == ASCInvalidCommandOpCode
}

// Outcome narrows a CHECK CONDITION down to the outcome the sense data
// supports. Anything it cannot place stays a Failure.
func (f Fields) Outcome() sgio.Outcome {
	if !f.ValidStructure {
		return sgio.Failure
	}
	switch f.SenseKey {
	case IllegalRequest:
		switch f.AdditionalSenseCode {
		case ASCInvalidCommandOpCode, ASCInvalidFieldInCDB:
			return sgio.NotSupported
		}
	case AbortedCommand:
		return sgio.Aborted
	case NotReady:
		return sgio.NotAvailable
	case DataProtect:
		return sgio.Blocked
	}
	return sgio.Failure
}

// Empty reports a structurally valid sense buffer that carries no error.
func (f Fields) Empty() bool {
	return f.ValidStructure && f.SenseKey == NoSense &&
		f.AdditionalSenseCode == 0 && f.AdditionalSenseCodeQualifier == 0
}

func (f Fields) String() string {
	if !f.ValidStructure {
		return "no sense data"
	}
	s := fmt.Sprintf("%s (key %#x, asc %#02x, ascq %#02x)",
		KeyName(f.SenseKey), f.SenseKey, f.AdditionalSenseCode, f.AdditionalSenseCodeQualifier)
	if f.FieldPointerValid {
		where := "parameter data"
		if f.FieldPointerInCDB {
			where = "CDB"
		}
		s += fmt.Sprintf(", field pointer %s byte %d", where, f.FieldPointer)
		if f.BitPointerValid {
			s += fmt.Sprintf(" bit %d", f.BitPointer)
		}
	}
	return s
}
