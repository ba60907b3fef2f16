// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridge

import (
	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

// Submitter hands an NVMe command to the operating system's own NVMe
// passthrough, bypassing any SCSI translation.
type Submitter interface {
	Submit(cmd *nvme.Command) (nvme.Completion, sgio.Outcome)
}

type SubmitterFunc func(cmd *nvme.Command) (nvme.Completion, sgio.Outcome)

func (f SubmitterFunc) Submit(cmd *nvme.Command) (nvme.Completion, sgio.Outcome) {
	return f(cmd)
}

// Native forwards commands to a Submitter. Without one every command is
// NotAvailable.
type Native struct {
	sub Submitter
	log *logrus.Entry
}

func NewNative(sub Submitter, log *logrus.Entry) *Native {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Native{sub: sub, log: log.WithField("engine", "native")}
}

func (e *Native) Name() string { return "native" }

func (e *Native) Execute(cmd *nvme.Command) Result {
	if e.sub == nil {
		e.log.Debug("no native NVMe passthrough for this device")
		return Result{Outcome: sgio.NotAvailable}
	}
	c, out := e.sub.Submit(cmd)
	e.log.WithFields(logrus.Fields{
		"opcode":     cmd.Opcode,
		"completion": c,
		"outcome":    out,
	}).Debug("native submit")
	return Result{Completion: c, Outcome: out}
}
