// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridge

import (
	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/bridge/cdb"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

// ASMediaBasic sends Identify and Get Log Page in a single 0xE6 CDB. The
// bridge returns no completion entry in this mode.
type ASMediaBasic struct {
	p phaser
}

func NewASMediaBasic(t sgio.Transport, log *logrus.Entry) *ASMediaBasic {
	return &ASMediaBasic{p: newPhaser(t, log, "asmedia-basic")}
}

func (e *ASMediaBasic) Name() string { return "asmedia-basic" }

func (e *ASMediaBasic) Execute(cmd *nvme.Command) Result {
	var res Result
	c, err := cdb.ASMediaBasic(cmd)
	if err != nil {
		e.p.log.WithError(err).Debug("command not encodable")
		res.Outcome = sgio.NotEncodable
		return res
	}
	res.Outcome, _ = e.p.send(&res, cdb.PhaseData, c[:], sgio.CDBFromDevice, cmd.Data, cmd.TimeoutOrDefault())
	return res
}

// ASMediaPacket sends the submission entry, the data and the completion
// request as three separate CDBs.
type ASMediaPacket struct {
	p     phaser
	alloc Allocator
}

// NewASMediaPacket returns a packet mode engine. A nil alloc uses
// HeapAllocator.
func NewASMediaPacket(t sgio.Transport, log *logrus.Entry, alloc Allocator) *ASMediaPacket {
	if alloc == nil {
		alloc = HeapAllocator
	}
	return &ASMediaPacket{p: newPhaser(t, log, "asmedia-packet"), alloc: alloc}
}

func (e *ASMediaPacket) Name() string { return "asmedia-packet" }

func (e *ASMediaPacket) Execute(cmd *nvme.Command) Result {
	var res Result
	submit, entry, err := cdb.ASMediaPacketSubmit(cmd)
	if err == nil {
		var data sgio.CDB16
		data, err = cdb.ASMediaPacketData(cmd)
		if err == nil {
			return e.run(cmd, submit, entry, data)
		}
	}
	e.p.log.WithError(err).Debug("command not encodable")
	res.Outcome = sgio.NotEncodable
	return res
}

func (e *ASMediaPacket) run(cmd *nvme.Command, submit sgio.CDB16, entry []byte, data sgio.CDB16) Result {
	var res Result
	timeout := cmd.TimeoutOrDefault()
	dir, _ := cdb.DataDirCode(cmd)

	buf := cmd.Data
	if n := len(cmd.Data); n%cdb.ASMPacketAlign != 0 {
		buf = e.alloc.Alloc(cdb.ASMediaPacketAligned(n))
		defer e.alloc.Release(buf)
		clear(buf)
		if dir == cdb.DirCodeOut {
			copy(buf, cmd.Data)
		}
	}

	out, _ := e.p.send(&res, cdb.PhaseCommand, submit[:], sgio.CDBToDevice, entry, timeout)
	if out != sgio.Success {
		res.Outcome = out
		return res
	}

	dataOut, _ := e.p.send(&res, cdb.PhaseData, data[:], dir.CDBDirection(), buf, timeout)
	if dir == cdb.DirCodeIn && len(cmd.Data) > 0 && &buf[0] != &cmd.Data[0] {
		copy(cmd.Data, buf)
	}
	if stops(dataOut) {
		res.Outcome = dataOut
		return res
	}

	get := cdb.ASMediaPacketGetCompletion(cmd)
	e.p.finish(&res, dataOut, get[:], cdb.ASMediaPacketCompletion, cdb.ASMPacketCompletionLen, timeout)
	return res
}
