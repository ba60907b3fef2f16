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

// Realtek runs three tagged phases. After a data phase timeout the bridge
// is not asked for a completion at all.
type Realtek struct {
	p phaser
}

func NewRealtek(t sgio.Transport, log *logrus.Entry) *Realtek {
	return &Realtek{p: newPhaser(t, log, "realtek")}
}

func (e *Realtek) Name() string { return "realtek" }

func (e *Realtek) Execute(cmd *nvme.Command) Result {
	var res Result
	command, entry, err := cdb.RealtekCommand(cmd)
	if err == nil {
		var data sgio.CDB16
		if data, err = cdb.RealtekData(cmd); err == nil {
			return e.run(cmd, command, entry, data)
		}
	}
	e.p.log.WithError(err).Debug("command not encodable")
	res.Outcome = sgio.NotEncodable
	return res
}

func (e *Realtek) run(cmd *nvme.Command, command sgio.CDB16, entry []byte, data sgio.CDB16) Result {
	var res Result
	timeout := cmd.TimeoutOrDefault()
	dir, _ := cdb.DataDirCode(cmd)

	out, _ := e.p.send(&res, cdb.PhaseCommand, command[:], sgio.CDBToDevice, entry, timeout)
	if out != sgio.Success {
		res.Outcome = out
		return res
	}

	dataOut, _ := e.p.send(&res, cdb.PhaseData, data[:], dir.CDBDirection(), cmd.Data, timeout)
	if stops(dataOut) || dataOut == sgio.Timeout {
		res.Outcome = dataOut
		return res
	}

	get := cdb.RealtekGetCompletion(cmd)
	e.p.finish(&res, dataOut, get[:], cdb.RealtekCompletion, cdb.RTKCompletionLen, timeout)
	return res
}
