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

// JMicron sets a signed payload carrying the command, moves the data with
// one of the DMA protocols and reads the response block back.
type JMicron struct {
	p phaser
}

func NewJMicron(t sgio.Transport, log *logrus.Entry) *JMicron {
	return &JMicron{p: newPhaser(t, log, "jmicron")}
}

func (e *JMicron) Name() string { return "jmicron" }

func (e *JMicron) Execute(cmd *nvme.Command) Result {
	var res Result
	admin := cmd.Class == nvme.Admin
	payload, err := cdb.JMicronPayload(cdb.JMSelectorForward, cmd)
	if err != nil {
		return e.notEncodable(err)
	}
	data, dir, err := cdb.JMicronData(cmd)
	if err != nil {
		return e.notEncodable(err)
	}
	set, err := cdb.JMicronCDB(cdb.JMProtoSetPayload, admin, cdb.JMPayloadLen)
	if err != nil {
		return e.notEncodable(err)
	}
	get, err := cdb.JMicronCDB(cdb.JMProtoResponse, admin, cdb.JMPayloadLen)
	if err != nil {
		return e.notEncodable(err)
	}
	timeout := cmd.TimeoutOrDefault()

	out, _ := e.p.send(&res, cdb.PhaseCommand, set[:], sgio.CDBToDevice, payload, timeout)
	if out != sgio.Success {
		res.Outcome = out
		return res
	}

	dataOut, _ := e.p.send(&res, cdb.PhaseData, data[:], dir, cmd.Data, timeout)
	if stops(dataOut) {
		res.Outcome = dataOut
		return res
	}

	e.p.finish(&res, dataOut, get[:], cdb.JMicronCompletion, cdb.JMPayloadLen, timeout)
	return res
}

func (e *JMicron) notEncodable(err error) Result {
	e.p.log.WithError(err).Debug("command not encodable")
	return Result{Outcome: sgio.NotEncodable}
}
