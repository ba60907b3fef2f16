// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
)

const SMARTLogSize = 512

// SMARTLog is the SMART / Health Information log page (log identifier 2).
type SMARTLog struct {
	CritWarning      uint8
	Temperature      uint16 // Kelvin
	AvailSpare       uint8
	SpareThresh      uint8
	PercentUsed      uint8
	_                [26]byte
	DataUnitsRead    [16]byte
	DataUnitsWritten [16]byte
	HostReads        [16]byte
	HostWrites       [16]byte
	CtrlBusyTime     [16]byte
	PowerCycles      [16]byte
	PowerOnHours     [16]byte
	UnsafeShutdowns  [16]byte
	MediaErrors      [16]byte
	NumErrLogEntries [16]byte
	WarningTempTime  uint32
	CritCompTime     uint32
	TempSensor       [8]uint16
	_                [296]byte
}

func ParseSMARTLog(raw []byte) (*SMARTLog, error) {
	if len(raw) < SMARTLogSize {
		return nil, fmt.Errorf("SMART log needs %d bytes, got %d", SMARTLogSize, len(raw))
	}
	var sl SMARTLog
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sl); err != nil {
		return nil, fmt.Errorf("failed to parse SMART log: %w", err)
	}
	return &sl, nil
}

// Celsius converts the composite temperature.
func (sl *SMARTLog) Celsius() int {
	return int(sl.Temperature) - 273
}

// Counters returns the 128-bit counters by name.
func (sl *SMARTLog) Counters() map[string]*big.Int {
	return map[string]*big.Int{
		"data_units_read":      le128(sl.DataUnitsRead),
		"data_units_written":   le128(sl.DataUnitsWritten),
		"host_read_commands":   le128(sl.HostReads),
		"host_write_commands":  le128(sl.HostWrites),
		"controller_busy_time": le128(sl.CtrlBusyTime),
		"power_cycles":         le128(sl.PowerCycles),
		"power_on_hours":       le128(sl.PowerOnHours),
		"unsafe_shutdowns":     le128(sl.UnsafeShutdowns),
		"media_errors":         le128(sl.MediaErrors),
		"error_log_entries":    le128(sl.NumErrLogEntries),
	}
}

func le128(b [16]byte) *big.Int {
	be := make([]byte, 16)
	for i := range b {
		be[15-i] = b[i]
	}
	return new(big.Int).SetBytes(be)
}
