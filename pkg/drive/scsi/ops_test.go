// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scsi

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/hacks"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/passthrough"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sense"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

var illegalRequest = []byte{0x70, 0, 0x05, 0, 0, 0, 0, 0x0a, 0, 0, 0, 0, 0x24, 0x00, 0, 0, 0, 0}

// target is a scripted SCSI device. Opcodes without a handler are rejected
// with ILLEGAL REQUEST and no field pointer.
type target struct {
	handlers map[byte]func(req *sgio.Request) bool
	cdbs     []string
}

func (tg *target) SendCDB(req *sgio.Request) sgio.Outcome {
	tg.cdbs = append(tg.cdbs, hex.EncodeToString(req.CDB))
	if h, ok := tg.handlers[req.CDB[0]]; ok && h(req) {
		return sgio.Success
	}
	if req.SenseLen == 0 {
		req.SenseLen = copy(req.Sense, illegalRequest)
	}
	return sgio.Failure
}

func newDevice(t *testing.T, tg *target) *passthrough.Device {
	d, err := passthrough.NewDevice("sdx", passthrough.SelectorRealtek, tg)
	require.NoError(t, err)
	return d
}

func TestInquiry(t *testing.T) {
	tg := &target{handlers: map[byte]func(*sgio.Request) bool{
		SCSI_INQUIRY: func(req *sgio.Request) bool {
			copy(req.Data, []byte{0x00, 0x00, 0x06, 0x12, 0x1f, 0, 0, 0})
			copy(req.Data[8:], "Realtek RTL9210B-CG     1.00")
			return true
		},
	}}
	inq, err := Inquiry(newDevice(t, tg))
	require.NoError(t, err)
	assert.Equal(t, "Realtek", inq.Vendor())
	assert.Equal(t, "RTL9210B-CG", inq.Product())
	assert.Equal(t, "1.00", inq.Revision())
	assert.Equal(t, byte(6), inq.Version)
	assert.Equal(t, []string{"120000002400"}, tg.cdbs)
}

func TestInquiryVPD(t *testing.T) {
	tg := &target{handlers: map[byte]func(*sgio.Request) bool{
		SCSI_INQUIRY: func(req *sgio.Request) bool {
			if req.CDB[2] != 0x80 {
				return false
			}
			copy(req.Data, []byte{0x00, 0x80, 0x00, 0x04, 'S', 'N', '0', '1'})
			return true
		},
	}}
	d := newDevice(t, tg)

	page, err := InquiryVPD(d, 0x80)
	require.NoError(t, err)
	assert.Equal(t, "SN01", string(page[4:]))
	assert.Equal(t, "12018000ff00", tg.cdbs[0])

	// The serial number page worked, so a missing page does not abandon
	// the category.
	for i := 0; i < 10; i++ {
		_, err = InquiryVPD(d, 0x89)
		assert.ErrorIs(t, err, passthrough.ErrDevice)
	}
	assert.Equal(t, hacks.Confirmed, d.Hacks().State(hacks.VPDPages))
}

func TestInquiryVPDSkippedOnceAbandoned(t *testing.T) {
	tg := &target{}
	d := newDevice(t, tg)
	for i := 0; i < int(hacks.VPDPages.Ceiling()); i++ {
		_, err := InquiryVPD(d, 0x83)
		assert.ErrorIs(t, err, passthrough.ErrDevice)
	}
	_, err := InquiryVPD(d, 0x83)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Len(t, tg.cdbs, 5)
}

func TestModeSenseFallsBackToSixByte(t *testing.T) {
	tg := &target{handlers: map[byte]func(*sgio.Request) bool{
		SCSI_MODE_SENSE_6: func(req *sgio.Request) bool {
			copy(req.Data, []byte{0x0b, 0, 0, 0, 0x08, 0x0a, 0, 0, 0, 0, 0, 0})
			return true
		},
	}}
	d := newDevice(t, tg)

	for i := 0; i < int(hacks.Mode10.Ceiling()); i++ {
		_, err := ModeSense(d, 0x08, 0, 0)
		assert.ErrorIs(t, err, passthrough.ErrDevice)
	}
	assert.Equal(t, hacks.Abandoned, d.Hacks().State(hacks.Mode10))

	resp, err := ModeSense(d, 0x08, 0, 0)
	require.NoError(t, err)
	assert.Len(t, resp, 12)
	assert.True(t, strings.HasPrefix(tg.cdbs[len(tg.cdbs)-1], "1a"))
	assert.Equal(t, hacks.Confirmed, d.Hacks().State(hacks.Mode6))
}

func TestModeSensePrefersSixByteForSubpageZero(t *testing.T) {
	tg := &target{handlers: map[byte]func(*sgio.Request) bool{
		SCSI_MODE_SENSE_6: func(req *sgio.Request) bool {
			req.Data[0] = 3
			return true
		},
	}}
	d := newDevice(t, tg)

	// One MODE SENSE(6) success, then MODE SENSE(10) keeps failing.
	cdb := sgio.CDB6{SCSI_MODE_SENSE_6, 0, 0x3f, 0, 0xff}
	_, err := d.SendSCSI(cdb[:], sgio.CDBFromDevice, make([]byte, 255), 0)
	require.NoError(t, err)
	for i := 0; i < int(hacks.Mode10.Ceiling()); i++ {
		_, err := ModeSense(d, 0x1c, 0, 0)
		assert.Error(t, err)
	}
	require.True(t, d.Hacks().PreferMode6ForSubpageZero())

	form, err := ModeSenseForm(d.Hacks(), 0x1c, 0)
	require.NoError(t, err)
	assert.Equal(t, hacks.Mode6, form)
	form, err = ModeSenseForm(d.Hacks(), 0x1c, 1)
	require.NoError(t, err)
	assert.Equal(t, hacks.Mode10, form)
}

func TestModeSenseForm(t *testing.T) {
	h := hacks.New(nil)
	form, err := ModeSenseForm(h, 0x08, 0)
	require.NoError(t, err)
	assert.Equal(t, hacks.Mode10, form)

	sub10 := []byte{SCSI_MODE_SENSE_10, 0, 0x08, 0x01, 0, 0, 0, 0x04, 0, 0}
	h.Observe(sub10, sgio.Failure, fieldPointer(3))
	_, err = ModeSenseForm(h, 0x08, 1)
	assert.ErrorIs(t, err, ErrSkipped)

	page10 := []byte{SCSI_MODE_SENSE_10, 0, 0x1c, 0, 0, 0, 0, 0x04, 0, 0}
	h.Observe(page10, sgio.Failure, fieldPointer(2))
	_, err = ModeSenseForm(h, 0x1c, 0)
	assert.ErrorIs(t, err, ErrSkipped)
}

func TestModeSensePageControlRejection(t *testing.T) {
	tg := &target{handlers: map[byte]func(*sgio.Request) bool{
		SCSI_MODE_SENSE_10: func(req *sgio.Request) bool {
			if req.CDB[2]>>6 == 3 {
				// PC=saved refused, bit pointer 7 of byte 2.
				req.SenseLen = copy(req.Sense, fieldPointerSense(2))
				req.Sense[15] |= 0x08 | 7
				return false
			}
			binary.BigEndian.PutUint16(req.Data, 6)
			return true
		},
	}}
	d := newDevice(t, tg)

	_, err := ModeSense(d, 0x08, 0, 3)
	assert.ErrorIs(t, err, passthrough.ErrDevice)
	assert.False(t, d.Hacks().ModePageUnsupported(0x08))

	resp, err := ModeSense(d, 0x08, 0, 0)
	require.NoError(t, err)
	assert.Len(t, resp, 8)

	sent := len(tg.cdbs)
	_, err = ModeSense(d, 0x1c, 0, 3)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Len(t, tg.cdbs, sent)
}

func TestNoModePagesSkipsEverything(t *testing.T) {
	tg := &target{}
	d := newDevice(t, tg)
	for i := 0; i < 16; i++ {
		_, _ = ModeSense(d, 0x08, 0, 0)
	}
	require.True(t, d.Hacks().NoModePages())
	sent := len(tg.cdbs)
	_, err := ModeSense(d, 0x08, 0, 0)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Len(t, tg.cdbs, sent)
}

func TestLogSense(t *testing.T) {
	tg := &target{handlers: map[byte]func(*sgio.Request) bool{
		SCSI_LOG_SENSE: func(req *sgio.Request) bool {
			if req.CDB[3] != 0 {
				req.SenseLen = copy(req.Sense, fieldPointerSense(3))
				return false
			}
			copy(req.Data, []byte{0x0d, 0x00, 0x00, 0x06, 0, 0, 0x03, 0x02, 0, 0x1e})
			return true
		},
	}}
	d := newDevice(t, tg)

	page, err := LogSense(d, 0x0d, 0)
	require.NoError(t, err)
	assert.Len(t, page, 10)
	assert.Equal(t, "4d004d00000000040000", tg.cdbs[0])

	_, err = LogSense(d, 0x0d, 0xff)
	assert.ErrorIs(t, err, passthrough.ErrDevice)
	_, err = LogSense(d, 0x0d, 0xff)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Len(t, tg.cdbs, 2)
}

func TestReportSupportedOpCodes(t *testing.T) {
	resp := []byte{
		0, 0, 0, 28,
		0x12, 0, 0x00, 0x00, 0, 0x00, 0, 6,
		0x9e, 0, 0x00, 0x10, 0, 0x03, 0, 16,
		0, 0x0a, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	tg := &target{handlers: map[byte]func(*sgio.Request) bool{
		SCSI_MAINTENANCE_IN: func(req *sgio.Request) bool {
			if req.CDB[2] != 0 {
				return false
			}
			copy(req.Data, resp)
			return true
		},
	}}
	d := newDevice(t, tg)

	ops, err := ReportSupportedOpCodes(d)
	require.NoError(t, err)
	assert.Equal(t, []OpCode{
		{OpCode: 0x12, CDBLength: 6},
		{OpCode: 0x9e, ServiceAction: 0x10, HasSA: true, CDBLength: 16},
	}, ops)
	assert.Equal(t, "a30c00000000000020000000", tg.cdbs[0])

	for i := 0; i < int(hacks.ReportOpCodes.Ceiling()); i++ {
		_, _ = CommandSupported(d, 0x28, 0, false)
	}
	assert.Equal(t, hacks.Confirmed, d.Hacks().State(hacks.ReportOpCodes))
}

func TestReadCapacity(t *testing.T) {
	tg := &target{handlers: map[byte]func(*sgio.Request) bool{
		SCSI_READ_CAPACITY_10: func(req *sgio.Request) bool {
			binary.BigEndian.PutUint32(req.Data[0:], 0x0001ffff)
			binary.BigEndian.PutUint32(req.Data[4:], 512)
			return true
		},
	}}
	c, err := ReadCapacity(newDevice(t, tg))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20000*512), c)
}

func fieldPointer(ptr byte) sense.Fields {
	return sense.Parse(fieldPointerSense(ptr))
}

func fieldPointerSense(ptr byte) []byte {
	b := append([]byte(nil), illegalRequest...)
	b[15] = 0xc0
	b[17] = ptr
	return b
}
