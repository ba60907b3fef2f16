// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passthrough

import (
	"errors"
	"fmt"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sense"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

// Error classes. A *CommandError matches exactly one of them with
// errors.Is.
var (
	// ErrCaller: the command was malformed and never reached the device.
	ErrCaller = errors.New("invalid command")
	// ErrNotEncodable: the selected passthrough cannot express the command.
	// Another selector may.
	ErrNotEncodable = errors.New("command not encodable for this passthrough")
	// ErrTransport: the command could not be delivered or did not finish.
	ErrTransport = errors.New("passthrough transport failure")
	// ErrDevice: the device answered and rejected the command.
	ErrDevice = errors.New("device rejected command")
)

// CommandError describes a command that did not succeed.
type CommandError struct {
	Op      string
	Device  string
	Outcome sgio.Outcome
	// Status is the NVMe status of the completion, if HasStatus.
	Status    nvme.Status
	HasStatus bool
	// Sense is the last sense data the device returned, if any.
	Sense sense.Fields
	Err   error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Device, e.Op, e.Outcome)
	switch {
	case e.HasStatus:
		msg += fmt.Sprintf(" (nvme status %s)", e.Status)
	case e.Sense.ValidStructure:
		msg += fmt.Sprintf(" (%s)", e.Sense)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) Is(target error) bool {
	switch target {
	case ErrCaller:
		return e.Outcome == sgio.BadParameter
	case ErrNotEncodable:
		return e.Outcome == sgio.NotEncodable
	case ErrTransport:
		switch e.Outcome {
		case sgio.Timeout, sgio.OSError, sgio.NotAvailable, sgio.Blocked:
			return true
		}
	case ErrDevice:
		switch e.Outcome {
		case sgio.Failure, sgio.NotSupported, sgio.Aborted:
			return true
		}
	}
	return false
}

// OutcomeOf recovers the outcome kind from an error returned by a Device.
// A nil error is Success; an error from elsewhere is OSError.
func OutcomeOf(err error) sgio.Outcome {
	if err == nil {
		return sgio.Success
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Outcome
	}
	return sgio.OSError
}
