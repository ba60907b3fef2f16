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

// SCSI generic IO: the CDB transport boundary shared by every passthrough
// engine.

package sgio

import (
	"errors"
	"fmt"
	"time"
)

type CDBDirection int32

const (
	CDBNone         CDBDirection = -1
	CDBToDevice     CDBDirection = -2
	CDBFromDevice   CDBDirection = -3
	CDBToFromDevice CDBDirection = -4

	DEFAULT_TIMEOUT = 60 * time.Second

	// Large enough for descriptor format sense with a few descriptors.
	SENSE_LENGTH = 64
)

var (
	ErrInvalidRequest = errors.New("invalid SCSI generic request")
	ErrNotSupported   = errors.New("SCSI generic IO is not supported on this platform")
)

// SCSI CDB types
type (
	CDB6  [6]byte
	CDB10 [10]byte
	CDB12 [12]byte
	CDB16 [16]byte
)

func (d CDBDirection) String() string {
	switch d {
	case CDBNone:
		return "none"
	case CDBToDevice:
		return "out"
	case CDBFromDevice:
		return "in"
	case CDBToFromDevice:
		return "bidirectional"
	}
	return fmt.Sprintf("CDBDirection(%d)", int32(d))
}

// Outcome is the kind of result a CDB (or a whole passthrough command)
// produced.
type Outcome int

const (
	Success Outcome = iota
	// The device rejected the command; sense data or an NVMe status says why.
	Failure
	NotSupported
	Aborted
	Timeout
	// Malformed request, rejected before reaching the device.
	BadParameter
	NotAvailable
	// The OS refused to pass the command on (permissions, filters).
	Blocked
	// The selected wire format cannot represent the command.
	NotEncodable
	OSError
)

var outcomeNames = [...]string{
	Success:      "success",
	Failure:      "failure",
	NotSupported: "not supported",
	Aborted:      "aborted",
	Timeout:      "timeout",
	BadParameter: "bad parameter",
	NotAvailable: "not available",
	Blocked:      "blocked",
	NotEncodable: "not encodable",
	OSError:      "os error",
}

func (o Outcome) String() string {
	if o >= 0 && int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Local reports whether the outcome was decided on the host without the
// device having a say. Local outcomes take precedence over any status the
// device may have produced.
func (o Outcome) Local() bool {
	switch o {
	case BadParameter, NotAvailable, Blocked, NotEncodable:
		return true
	}
	return false
}

// Request is one CDB round trip. Resid, Status and SenseLen are written by
// the transport.
type Request struct {
	CDB       []byte
	Direction CDBDirection
	Data      []byte
	Sense     []byte
	Timeout   time.Duration

	Resid    int
	Status   uint8
	SenseLen int
}

// Validate checks the request is something a transport can carry.
func (r *Request) Validate() error {
	if len(r.CDB) == 0 || len(r.CDB) > 32 {
		return fmt.Errorf("%w: CDB length %d", ErrInvalidRequest, len(r.CDB))
	}
	switch r.Direction {
	case CDBNone:
		if len(r.Data) != 0 {
			return fmt.Errorf("%w: %d data bytes without a transfer direction", ErrInvalidRequest, len(r.Data))
		}
	case CDBToDevice, CDBFromDevice, CDBToFromDevice:
		if len(r.Data) == 0 {
			return fmt.Errorf("%w: %s transfer without a buffer", ErrInvalidRequest, r.Direction)
		}
	default:
		return fmt.Errorf("%w: direction %d", ErrInvalidRequest, int32(r.Direction))
	}
	return nil
}

// Transferred returns how many data bytes actually moved.
func (r *Request) Transferred() int {
	n := len(r.Data) - r.Resid
	if n < 0 {
		return 0
	}
	return n
}

// Transport moves a CDB and its data buffer to a device. It blocks until
// the device completes the command or the timeout expires.
type Transport interface {
	SendCDB(req *Request) Outcome
}

type TransportFunc func(req *Request) Outcome

func (f TransportFunc) SendCDB(req *Request) Outcome {
	return f(req)
}
