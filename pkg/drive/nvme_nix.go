// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package drive

import (
	"runtime"
	"unsafe"

	"github.com/dswarbrick/smart/ioctl"
	"golang.org/x/sys/unix"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/bridge"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

var (
	NVME_IOCTL_ADMIN_CMD = ioctl.Iowr('N', 0x41, unsafe.Sizeof(nvmePassthruCommand{}))
	NVME_IOCTL_IO_CMD    = ioctl.Iowr('N', 0x43, unsafe.Sizeof(nvmePassthruCommand{}))
)

// Defined in <linux/nvme_ioctl.h>
type nvmePassthruCommand struct {
	opcode       uint8
	flags        uint8  //nolint:structcheck,unused
	rsvd1        uint16 //nolint:structcheck,unused
	nsid         uint32
	cdw2         uint32 //nolint:structcheck,unused
	cdw3         uint32 //nolint:structcheck,unused
	metadata     uint64 //nolint:structcheck,unused
	addr         uint64
	metadata_len uint32 //nolint:structcheck,unused
	data_len     uint32
	cdw10        uint32
	cdw11        uint32
	cdw12        uint32
	cdw13        uint32
	cdw14        uint32
	cdw15        uint32
	timeout_ms   uint32
	result       uint32
}

type FdIntf interface {
	Fd() uintptr
	Close() error
}

type nvmeSubmitter struct {
	fd FdIntf
}

// NVMeSubmitter submits commands through the kernel NVMe passthrough ioctls
// of an open controller or namespace node.
func NVMeSubmitter(fd FdIntf) bridge.Submitter {
	// Save the full object reference to avoid the underlying File-like object
	// to be GC'd
	return &nvmeSubmitter{fd: fd}
}

func passthruCommand(cmd *nvme.Command) nvmePassthruCommand {
	pc := nvmePassthruCommand{
		opcode:     cmd.Opcode,
		nsid:       cmd.NSID,
		data_len:   uint32(len(cmd.Data)),
		cdw10:      cmd.CDW10(),
		cdw11:      cmd.CDW11(),
		cdw12:      cmd.CDW12(),
		cdw13:      cmd.CDW13(),
		cdw14:      cmd.CDW14(),
		cdw15:      cmd.CDW15(),
		timeout_ms: uint32(cmd.TimeoutOrDefault().Milliseconds()),
	}
	if len(cmd.Data) > 0 {
		pc.addr = uint64(uintptr(unsafe.Pointer(&cmd.Data[0])))
	}
	return pc
}

// Submit returns dw0 from the ioctl result and the status the kernel hands
// back as the ioctl return value, placed where dw3 carries it.
func (s *nvmeSubmitter) Submit(cmd *nvme.Command) (nvme.Completion, sgio.Outcome) {
	var c nvme.Completion
	if err := cmd.Validate(); err != nil {
		return c, sgio.BadParameter
	}

	pc := passthruCommand(cmd)
	req := NVME_IOCTL_ADMIN_CMD
	if cmd.Class == nvme.IO {
		req = NVME_IOCTL_IO_CMD
	}

	// ioctl.Ioctl drops the return value, which carries the NVMe status.
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, s.fd.Fd(), req, uintptr(unsafe.Pointer(&pc)))
	runtime.KeepAlive(cmd)
	runtime.KeepAlive(s.fd)
	if errno != 0 {
		return c, sgio.ErrnoOutcome(errno)
	}

	c.Set(0, pc.result)
	c.Set(3, uint32(r1&0x7fff)<<17)
	return c, sgio.Success
}

func isNVME(sub bridge.Submitter) bool {
	buf := make([]byte, nvme.IdentifySize)
	c, out := sub.Submit(nvme.IdentifyController(buf))
	if out != sgio.Success {
		return false
	}
	st, _ := c.Status()
	return st.Success()
}
