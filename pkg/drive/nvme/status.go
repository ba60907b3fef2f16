// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

import (
	"fmt"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

// Status is the status field of a completion entry with the phase tag
// shifted out: bits 0-7 status code, 8-10 status code type, 11-12 command
// retry delay, 13 more, 14 do not retry.
type Status uint16

// Status code types
const (
	SCTGeneric         = 0x0
	SCTCommandSpecific = 0x1
	SCTMediaError      = 0x2
	SCTPath            = 0x3
	SCTVendor          = 0x7
)

func (s Status) Code() uint8 {
	return uint8(s)
}

func (s Status) CodeType() uint8 {
	return uint8(s>>8) & 0x7
}

func (s Status) Retry() bool {
	return s&(1<<14) == 0
}

func (s Status) Success() bool {
	return s.CodeType() == SCTGeneric && s.Code() == 0
}

type statusEntry struct {
	sct, sc uint8
	outcome sgio.Outcome
	desc    string
}

var statusTable = []statusEntry{
	{SCTGeneric, 0x00, sgio.Success, "successful completion"},
	{SCTGeneric, 0x01, sgio.NotSupported, "invalid command opcode"},
	{SCTGeneric, 0x02, sgio.NotSupported, "invalid field in command"},
	{SCTGeneric, 0x03, sgio.Failure, "command id conflict"},
	{SCTGeneric, 0x04, sgio.Failure, "data transfer error"},
	{SCTGeneric, 0x05, sgio.Aborted, "commands aborted due to power loss notification"},
	{SCTGeneric, 0x06, sgio.Failure, "internal error"},
	{SCTGeneric, 0x07, sgio.Aborted, "command abort requested"},
	{SCTGeneric, 0x08, sgio.Aborted, "command aborted due to SQ deletion"},
	{SCTGeneric, 0x09, sgio.Aborted, "command aborted due to failed fused command"},
	{SCTGeneric, 0x0a, sgio.Aborted, "command aborted due to missing fused command"},
	{SCTGeneric, 0x0b, sgio.NotSupported, "invalid namespace or format"},
	{SCTGeneric, 0x0c, sgio.Failure, "command sequence error"},
	{SCTGeneric, 0x0f, sgio.Failure, "invalid SGL segment descriptor"},
	{SCTGeneric, 0x1d, sgio.NotSupported, "command not supported for queue in CMB"},
	{SCTGeneric, 0x20, sgio.Failure, "namespace is write protected"},
	{SCTGeneric, 0x80, sgio.Failure, "LBA out of range"},
	{SCTGeneric, 0x81, sgio.Failure, "capacity exceeded"},
	{SCTGeneric, 0x82, sgio.NotAvailable, "namespace not ready"},
	{SCTCommandSpecific, 0x01, sgio.Failure, "invalid queue identifier"},
	{SCTCommandSpecific, 0x02, sgio.Failure, "invalid queue size"},
	{SCTCommandSpecific, 0x06, sgio.Failure, "invalid firmware slot"},
	{SCTCommandSpecific, 0x07, sgio.Failure, "invalid firmware image"},
	{SCTCommandSpecific, 0x09, sgio.NotSupported, "invalid log page"},
	{SCTCommandSpecific, 0x0a, sgio.Failure, "invalid format"},
	{SCTCommandSpecific, 0x0d, sgio.NotSupported, "feature identifier not saveable"},
	{SCTCommandSpecific, 0x0e, sgio.NotSupported, "feature not changeable"},
	{SCTCommandSpecific, 0x0f, sgio.NotSupported, "feature not namespace specific"},
	{SCTCommandSpecific, 0x1d, sgio.Failure, "device self-test in progress"},
	{SCTMediaError, 0x80, sgio.Failure, "write fault"},
	{SCTMediaError, 0x81, sgio.Failure, "unrecovered read error"},
	{SCTMediaError, 0x85, sgio.Failure, "compare failure"},
	{SCTMediaError, 0x86, sgio.Failure, "access denied"},
}

// LookupStatus maps an NVMe status to an outcome kind and a description.
// Unknown combinations are failures.
func LookupStatus(s Status) (sgio.Outcome, string) {
	sct, sc := s.CodeType(), s.Code()
	for _, e := range statusTable {
		if e.sct == sct && e.sc == sc {
			return e.outcome, e.desc
		}
	}
	if sct == SCTVendor {
		return sgio.Failure, fmt.Sprintf("vendor specific status %#02x", sc)
	}
	return sgio.Failure, fmt.Sprintf("unknown status %#02x (type %d)", sc, sct)
}

func (s Status) String() string {
	_, desc := LookupStatus(s)
	return fmt.Sprintf("%s (sct %d, sc %#02x)", desc, s.CodeType(), s.Code())
}
