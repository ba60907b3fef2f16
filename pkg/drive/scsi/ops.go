// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Copyright 2021 Christian Svensson. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scsi builds the handful of SCSI commands needed to identify a
// bridge and query its optional pages. Every builder consults the device's
// capability tracker first and skips forms the device is known to reject.
package scsi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/hacks"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sense"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

const (
	SCSI_INQUIRY          = 0x12
	SCSI_MODE_SENSE_6     = 0x1a
	SCSI_READ_CAPACITY_10 = 0x25
	SCSI_LOG_SENSE        = 0x4d
	SCSI_MODE_SENSE_10    = 0x5a
	SCSI_MAINTENANCE_IN   = 0xa3

	SA_REPORT_SUPPORTED_OPCODES = 0x0c

	// LOG SENSE page control: current cumulative values
	logCumulative = 1
)

// ErrSkipped is returned instead of sending a command the device has
// already shown it does not support.
var ErrSkipped = errors.New("command skipped: not supported by device")

// Device is what the builders need from a device handle.
type Device interface {
	SendSCSI(cdb []byte, dir sgio.CDBDirection, data []byte, timeout time.Duration) (sense.Fields, error)
	Hacks() *hacks.Tracker
}

// SCSI INQUIRY response
type InquiryResponse struct {
	Peripheral   byte // peripheral qualifier, device type
	_            byte
	Version      byte
	_            [5]byte
	VendorIdent  [8]byte
	ProductIdent [16]byte
	ProductRev   [4]byte
}

func (inq InquiryResponse) Vendor() string {
	return strings.TrimSpace(string(inq.VendorIdent[:]))
}

func (inq InquiryResponse) Product() string {
	return strings.TrimSpace(string(inq.ProductIdent[:]))
}

func (inq InquiryResponse) Revision() string {
	return strings.TrimSpace(string(inq.ProductRev[:]))
}

func (inq InquiryResponse) String() string {
	return fmt.Sprintf("Type=0x%x, Vendor=%s, Product=%s, Revision=%s",
		inq.Peripheral, inq.Vendor(), inq.Product(), inq.Revision())
}

// INQUIRY - Returns parsed standard inquiry data.
func Inquiry(d Device) (InquiryResponse, error) {
	var resp InquiryResponse

	respBuf := make([]byte, 36)

	cdb := sgio.CDB6{SCSI_INQUIRY}
	binary.BigEndian.PutUint16(cdb[3:], uint16(len(respBuf)))

	if _, err := d.SendSCSI(cdb[:], sgio.CDBFromDevice, respBuf, 0); err != nil {
		return resp, err
	}

	if err := binary.Read(bytes.NewReader(respBuf), binary.BigEndian, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// INQUIRY with EVPD - Returns the raw VPD page, trimmed to its page length.
func InquiryVPD(d Device, page uint8) ([]byte, error) {
	h := d.Hacks()
	if h.State(hacks.VPDPages) == hacks.Abandoned || h.VPDPageUnsupported(page) {
		return nil, fmt.Errorf("%w: VPD page %#02x", ErrSkipped, page)
	}

	respBuf := make([]byte, 255)

	cdb := sgio.CDB6{SCSI_INQUIRY}
	cdb[1] = 0x01 // EVPD
	cdb[2] = page
	binary.BigEndian.PutUint16(cdb[3:], uint16(len(respBuf)))

	if _, err := d.SendSCSI(cdb[:], sgio.CDBFromDevice, respBuf, 0); err != nil {
		return nil, err
	}
	if respBuf[1] != page {
		return nil, fmt.Errorf("VPD page %#02x answered with page %#02x", page, respBuf[1])
	}
	return trim(respBuf, 4+int(binary.BigEndian.Uint16(respBuf[2:]))), nil
}

// ModeSenseForm picks the MODE SENSE CDB to use for subpage, or ErrSkipped
// when neither form is expected to work.
func ModeSenseForm(h *hacks.Tracker, page, subpage uint8) (hacks.Category, error) {
	if h.NoModePages() || h.ModePageUnsupported(page) {
		return 0, fmt.Errorf("%w: mode page %#02x", ErrSkipped, page)
	}
	form := hacks.Mode10
	switch {
	case h.State(hacks.Mode10) == hacks.Abandoned:
		form = hacks.Mode6
	case subpage == 0 && h.PreferMode6ForSubpageZero():
		form = hacks.Mode6
	}
	if form == hacks.Mode6 && h.State(hacks.Mode6) == hacks.Abandoned {
		return 0, fmt.Errorf("%w: mode page %#02x", ErrSkipped, page)
	}
	if subpage != 0 && h.ModeSubpagesUnsupported(form) {
		return 0, fmt.Errorf("%w: mode page %#02x subpage %#02x", ErrSkipped, page, subpage)
	}
	return form, nil
}

// MODE SENSE - Returns the raw response, using MODE SENSE(10) unless the
// device has taught us to prefer the 6 byte form.
func ModeSense(d Device, pageNum, subPageNum, pageControl uint8) ([]byte, error) {
	form, err := ModeSenseForm(d.Hacks(), pageNum, subPageNum)
	if err != nil {
		return nil, err
	}
	if d.Hacks().ModePageControlUnsupported(pageControl) {
		return nil, fmt.Errorf("%w: mode page %#02x page control %d", ErrSkipped, pageNum, pageControl)
	}

	if form == hacks.Mode6 {
		respBuf := make([]byte, 255)

		cdb := sgio.CDB6{SCSI_MODE_SENSE_6}
		cdb[2] = (pageControl << 6) | (pageNum & 0x3f)
		cdb[3] = subPageNum
		cdb[4] = uint8(len(respBuf))

		if _, err := d.SendSCSI(cdb[:], sgio.CDBFromDevice, respBuf, 0); err != nil {
			return nil, err
		}
		return trim(respBuf, 1+int(respBuf[0])), nil
	}

	respBuf := make([]byte, 1024)

	cdb := sgio.CDB10{SCSI_MODE_SENSE_10}
	cdb[2] = (pageControl << 6) | (pageNum & 0x3f)
	cdb[3] = subPageNum
	binary.BigEndian.PutUint16(cdb[7:], uint16(len(respBuf)))

	if _, err := d.SendSCSI(cdb[:], sgio.CDBFromDevice, respBuf, 0); err != nil {
		return nil, err
	}
	return trim(respBuf, 2+int(binary.BigEndian.Uint16(respBuf[0:]))), nil
}

// LOG SENSE - Returns the raw log page, trimmed to its page length.
func LogSense(d Device, pageNum, subPageNum uint8) ([]byte, error) {
	h := d.Hacks()
	switch {
	case h.State(hacks.LogPages) == hacks.Abandoned, h.LogPageUnsupported(pageNum):
		return nil, fmt.Errorf("%w: log page %#02x", ErrSkipped, pageNum)
	case subPageNum != 0 && h.LogSubpagesUnsupported():
		return nil, fmt.Errorf("%w: log page %#02x subpage %#02x", ErrSkipped, pageNum, subPageNum)
	case h.LogPageControlUnsupported(logCumulative):
		return nil, fmt.Errorf("%w: log page %#02x cumulative values", ErrSkipped, pageNum)
	}

	respBuf := make([]byte, 1024)

	cdb := sgio.CDB10{SCSI_LOG_SENSE}
	cdb[2] = logCumulative<<6 | (pageNum & 0x3f)
	cdb[3] = subPageNum
	binary.BigEndian.PutUint16(cdb[7:], uint16(len(respBuf)))

	if _, err := d.SendSCSI(cdb[:], sgio.CDBFromDevice, respBuf, 0); err != nil {
		return nil, err
	}
	return trim(respBuf, 4+int(binary.BigEndian.Uint16(respBuf[2:]))), nil
}

// SCSI READ CAPACITY(10) - Returns the capacity in bytes
func ReadCapacity(d Device) (uint64, error) {
	respBuf := make([]byte, 8)
	cdb := sgio.CDB10{SCSI_READ_CAPACITY_10}

	if _, err := d.SendSCSI(cdb[:], sgio.CDBFromDevice, respBuf, 0); err != nil {
		return 0, err
	}

	lastLBA := binary.BigEndian.Uint32(respBuf[0:]) // max. addressable LBA
	LBsize := binary.BigEndian.Uint32(respBuf[4:])  // logical block (i.e., sector) size
	capacity := (uint64(lastLBA) + 1) * uint64(LBsize)

	return capacity, nil
}

// OpCode is one entry of a REPORT SUPPORTED OPERATION CODES response.
type OpCode struct {
	OpCode        uint8
	ServiceAction uint16
	HasSA         bool
	CDBLength     uint16
}

func (o OpCode) String() string {
	if o.HasSA {
		return fmt.Sprintf("%#02x/%#04x (%d bytes)", o.OpCode, o.ServiceAction, o.CDBLength)
	}
	return fmt.Sprintf("%#02x (%d bytes)", o.OpCode, o.CDBLength)
}

// REPORT SUPPORTED OPERATION CODES - Lists every command the device
// reports, with reporting options 0.
func ReportSupportedOpCodes(d Device) ([]OpCode, error) {
	if d.Hacks().State(hacks.ReportOpCodes) == hacks.Abandoned {
		return nil, fmt.Errorf("%w: report supported operation codes", ErrSkipped)
	}

	respBuf := make([]byte, 8192)

	cdb := sgio.CDB12{SCSI_MAINTENANCE_IN}
	cdb[1] = SA_REPORT_SUPPORTED_OPCODES
	binary.BigEndian.PutUint32(cdb[6:], uint32(len(respBuf)))

	if _, err := d.SendSCSI(cdb[:], sgio.CDBFromDevice, respBuf, 0); err != nil {
		return nil, err
	}
	return parseOpCodes(respBuf)
}

// CommandSupported asks whether the device supports one opcode, and service
// action if hasSA, using reporting options 1 or 2.
func CommandSupported(d Device, opcode uint8, sa uint16, hasSA bool) (bool, error) {
	h := d.Hacks()
	if h.State(hacks.ReportOpCodes) == hacks.Abandoned || h.ReportingOptionsUnsupported() {
		return false, fmt.Errorf("%w: report supported operation codes", ErrSkipped)
	}

	respBuf := make([]byte, 64)

	cdb := sgio.CDB12{SCSI_MAINTENANCE_IN}
	cdb[1] = SA_REPORT_SUPPORTED_OPCODES
	cdb[2] = 0x01
	if hasSA {
		cdb[2] = 0x02
	}
	cdb[3] = opcode
	binary.BigEndian.PutUint16(cdb[4:], sa)
	binary.BigEndian.PutUint32(cdb[6:], uint32(len(respBuf)))

	if _, err := d.SendSCSI(cdb[:], sgio.CDBFromDevice, respBuf, 0); err != nil {
		return false, err
	}
	// SUPPORT field: 011b and 101b mean supported.
	support := respBuf[1] & 0x07
	return support == 0x3 || support == 0x5, nil
}

func parseOpCodes(buf []byte) ([]OpCode, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("short REPORT SUPPORTED OPERATION CODES response")
	}
	end := trim(buf, 4+int(binary.BigEndian.Uint32(buf[0:])))
	var ops []OpCode
	for off := 4; off+8 <= len(end); {
		desc := end[off:]
		op := OpCode{
			OpCode:        desc[0],
			ServiceAction: binary.BigEndian.Uint16(desc[2:]),
			HasSA:         desc[5]&0x01 != 0,
			CDBLength:     binary.BigEndian.Uint16(desc[6:]),
		}
		ops = append(ops, op)
		off += 8
		if desc[5]&0x02 != 0 { // CTDP: a 12 byte timeouts descriptor follows
			off += 12
		}
	}
	return ops, nil
}

func trim(buf []byte, n int) []byte {
	return buf[:max(0, min(n, len(buf)))]
}
