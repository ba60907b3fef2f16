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

//go:build linux

package sgio

import (
	"errors"
	"os"
	"runtime"
	"unsafe"

	"github.com/dswarbrick/smart/ioctl"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	SG_INFO_OK_MASK = 0x1
	SG_INFO_OK      = 0x0

	SG_IO = 0x2285

	// SCSI status
	SAM_STAT_GOOD            = 0x00
	SAM_STAT_CHECK_CONDITION = 0x02
	SAM_STAT_BUSY            = 0x08
	SAM_STAT_RESERVATION     = 0x18
	SAM_STAT_TASK_ABORTED    = 0x40

	// Host status
	DID_OK         = 0x00
	DID_NO_CONNECT = 0x01
	DID_TIME_OUT   = 0x03
	DID_BAD_TARGET = 0x04
	DID_ABORT      = 0x05

	// Driver status
	DRIVER_TIMEOUT = 0x6
	DRIVER_SENSE   = 0x8
)

// SCSI generic ioctl header, defined as sg_io_hdr_t in <scsi/sg.h>
type sgIoHdr struct {
	interface_id    int32        // 'S' for SCSI generic (required)
	dxfer_direction CDBDirection // data transfer direction
	cmd_len         uint8        // SCSI command length (<= 16 bytes)
	mx_sb_len       uint8        // max length to write to sbp
	iovec_count     uint16       //nolint:structcheck,unused // 0 implies no scatter gather
	dxfer_len       uint32       // byte count of data transfer
	dxferp          uintptr      // points to data transfer memory or scatter gather list
	cmdp            uintptr      // points to command to perform
	sbp             uintptr      // points to sense_buffer memory
	timeout         uint32       // MAX_UINT -> no timeout (unit: millisec)
	flags           uint32       //nolint:structcheck,unused // 0 -> default, see SG_FLAG...
	pack_id         int32        //nolint:structcheck,unused // unused internally (normally)
	usr_ptr         uintptr      //nolint:structcheck,unused // unused internally
	status          uint8        // SCSI status
	masked_status   uint8        //nolint:structcheck,unused // shifted, masked scsi status
	msg_status      uint8        //nolint:structcheck,unused // messaging level data (optional)
	sb_len_wr       uint8        // byte count actually written to sbp
	host_status     uint16       // errors from host adapter
	driver_status   uint16       // errors from software driver
	resid           int32        // dxfer_len - actual_transferred
	duration        uint32       //nolint:structcheck,unused // time taken by cmd (unit: millisec)
	info            uint32       // auxiliary information
}

// Device is an open SCSI generic capable device node.
type Device struct {
	f   *os.File
	log *logrus.Entry
}

func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return NewDevice(f), nil
}

// NewDevice wraps an already open device node. The Device takes ownership
// of f.
func NewDevice(f *os.File) *Device {
	return &Device{f: f, log: logrus.WithField("device", f.Name())}
}

func (d *Device) Fd() uintptr {
	return d.f.Fd()
}

func (d *Device) Close() error {
	return d.f.Close()
}

func (d *Device) SendCDB(req *Request) Outcome {
	if err := req.Validate(); err != nil {
		d.log.WithError(err).Debug("rejecting SCSI generic request")
		return BadParameter
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT
	}
	hdr := sgIoHdr{
		interface_id:    'S',
		dxfer_direction: req.Direction,
		timeout:         uint32(timeout.Milliseconds()),
		cmd_len:         uint8(len(req.CDB)),
		dxfer_len:       uint32(len(req.Data)),
		cmdp:            uintptr(unsafe.Pointer(&req.CDB[0])),
	}
	if len(req.Data) > 0 {
		hdr.dxferp = uintptr(unsafe.Pointer(&req.Data[0]))
	}
	if len(req.Sense) > 0 {
		hdr.mx_sb_len = uint8(min(len(req.Sense), 0xff))
		hdr.sbp = uintptr(unsafe.Pointer(&req.Sense[0]))
	}

	err := ioctl.Ioctl(d.f.Fd(), SG_IO, uintptr(unsafe.Pointer(&hdr)))
	runtime.KeepAlive(req)
	runtime.KeepAlive(d.f)
	if err != nil {
		d.log.WithError(err).WithField("opcode", req.CDB[0]).Debug("SG_IO ioctl failed")
		return ErrnoOutcome(err)
	}

	req.Resid = int(hdr.resid)
	req.Status = hdr.status
	req.SenseLen = int(hdr.sb_len_wr)
	return headerOutcome(&hdr)
}

// See http://www.t10.org/lists/2status.htm for SCSI status codes
func headerOutcome(hdr *sgIoHdr) Outcome {
	if hdr.info&SG_INFO_OK_MASK == SG_INFO_OK {
		return Success
	}
	switch hdr.host_status {
	case DID_OK:
	case DID_TIME_OUT:
		return Timeout
	case DID_NO_CONNECT, DID_BAD_TARGET:
		return NotAvailable
	case DID_ABORT:
		return Aborted
	default:
		return OSError
	}
	if hdr.driver_status&0xf == DRIVER_TIMEOUT {
		return Timeout
	}
	switch hdr.status {
	case SAM_STAT_GOOD:
		if hdr.driver_status&0xf == DRIVER_SENSE {
			return Failure
		}
		return Success
	case SAM_STAT_BUSY:
		return NotAvailable
	case SAM_STAT_RESERVATION:
		return Blocked
	case SAM_STAT_TASK_ABORTED:
		return Aborted
	}
	return Failure
}

// ErrnoOutcome classifies an ioctl failure.
func ErrnoOutcome(err error) Outcome {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return Blocked
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENOENT):
		return NotAvailable
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.EFAULT):
		return BadParameter
	case errors.Is(err, unix.ETIMEDOUT):
		return Timeout
	case errors.Is(err, unix.ENOTTY), errors.Is(err, unix.EOPNOTSUPP):
		return NotSupported
	}
	return OSError
}
