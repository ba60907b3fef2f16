// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passthrough

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/bridge"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/bridge/cdb"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/hacks"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/nvme"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

// countingTransport fails the test if it is ever used concurrently.
type countingTransport struct {
	calls    atomic.Int32
	inflight atomic.Int32
	t        *testing.T
	fn       func(req *sgio.Request) sgio.Outcome
}

func (c *countingTransport) SendCDB(req *sgio.Request) sgio.Outcome {
	c.calls.Add(1)
	if c.inflight.Add(1) != 1 {
		c.t.Error("overlapping transport calls")
	}
	defer c.inflight.Add(-1)
	if c.fn == nil {
		return sgio.Success
	}
	return c.fn(req)
}

// asmedia answers the ASMedia packet protocol: dataOut for the data phase
// and a completion carrying dw3.
func asmedia(t *testing.T, dataOut sgio.Outcome, dw3 uint32) *countingTransport {
	return &countingTransport{t: t, fn: func(req *sgio.Request) sgio.Outcome {
		switch req.CDB[2] {
		case cdb.ASMSubData:
			return dataOut
		case cdb.ASMSubCompletion:
			clear(req.Data)
			binary.LittleEndian.PutUint32(req.Data[12:], dw3)
		}
		return sgio.Success
	}}
}

func status(sct, sc uint8) uint32 {
	return (uint32(sct)<<8 | uint32(sc)) << 17
}

func identify() *nvme.Command {
	return nvme.IdentifyController(make([]byte, nvme.IdentifySize))
}

func nativeDevice(t *testing.T, sub bridge.SubmitterFunc, opts ...Option) *Device {
	d, err := NewDevice("nvme0", SelectorNative, nil, append(opts, WithNVMeSubmitter(sub))...)
	require.NoError(t, err)
	return d
}

func TestExecuteRejectsCallerErrors(t *testing.T) {
	testCases := []struct {
		name string
		cmd  *nvme.Command
	}{
		{"Nil", nil},
		{"Direction bits say none", &nvme.Command{Class: nvme.IO, Opcode: nvme.IOFlush, Direction: nvme.DirIn, Data: make([]byte, 512)}},
		{"Direction bits say in", &nvme.Command{Class: nvme.Admin, Opcode: nvme.AdminIdentify, Direction: nvme.DirOut, Data: make([]byte, 512)}},
		{"Data without direction", &nvme.Command{Class: nvme.IO, Opcode: nvme.IOFlush, Data: make([]byte, 4)}},
		{"Too much data", &nvme.Command{Class: nvme.IO, Opcode: nvme.IORead, Direction: nvme.DirIn, Data: make([]byte, nvme.MaxDataLen+1)}},
	}
	for _, sel := range Selectors {
		for _, tc := range testCases {
			t.Run(sel.String()+"/"+tc.name, func(t *testing.T) {
				tr := &countingTransport{t: t}
				submits := 0
				sub := bridge.SubmitterFunc(func(*nvme.Command) (nvme.Completion, sgio.Outcome) {
					submits++
					return nvme.Completion{}, sgio.Success
				})
				d, err := NewDevice("sda", sel, tr, WithNVMeSubmitter(sub))
				require.NoError(t, err)

				_, err = d.Execute(tc.cmd)
				assert.ErrorIs(t, err, ErrCaller)
				assert.Equal(t, sgio.BadParameter, OutcomeOf(err))
				assert.Zero(t, tr.calls.Load())
				assert.Zero(t, submits)
				assert.Equal(t, map[sgio.Outcome]uint64{sgio.BadParameter: 1}, d.Stats())
			})
		}
	}
}

func TestOutcomePrecedence(t *testing.T) {
	valid := func(dw3 uint32) nvme.Completion {
		return nvme.Completion{DW: [4]uint32{0, 0, 0, dw3}, Valid: [4]bool{true, true, true, true}}
	}
	testCases := []struct {
		name string
		c    nvme.Completion
		raw  sgio.Outcome
		want sgio.Outcome
	}{
		{"Success", valid(0), sgio.Success, sgio.Success},
		{"Status beats transport success", valid(status(0, 0x02)), sgio.Success, sgio.NotSupported},
		{"Status beats transport failure", valid(status(0, 0x07)), sgio.Failure, sgio.Aborted},
		{"Success status beats transport failure", valid(0), sgio.Failure, sgio.Success},
		{"Status beats os error", valid(status(1, 0x09)), sgio.OSError, sgio.NotSupported},
		{"Blocked beats status", valid(status(0, 0x02)), sgio.Blocked, sgio.Blocked},
		{"Not available beats status", valid(0), sgio.NotAvailable, sgio.NotAvailable},
		{"Bad parameter beats status", valid(0), sgio.BadParameter, sgio.BadParameter},
		{"Not encodable beats status", valid(0), sgio.NotEncodable, sgio.NotEncodable},
		{"No status", nvme.Completion{}, sgio.Timeout, sgio.Timeout},
		{"No status success", nvme.Completion{}, sgio.Success, sgio.Success},
		{"Unknown status", valid(status(0, 0x7f)), sgio.Success, sgio.Failure},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := nativeDevice(t, func(*nvme.Command) (nvme.Completion, sgio.Outcome) { return tc.c, tc.raw })
			c, err := d.Execute(identify())
			assert.Equal(t, tc.want, OutcomeOf(err))
			assert.Equal(t, tc.c, c)
			if tc.want == sgio.Success {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLaterNVMeStatusWins(t *testing.T) {
	tr := asmedia(t, sgio.Failure, status(0, 0x01))
	d, err := NewDevice("sdb", SelectorASMediaPacket, tr)
	require.NoError(t, err)

	c, err := d.Execute(identify())
	assert.EqualValues(t, 3, tr.calls.Load())
	assert.ErrorIs(t, err, ErrDevice)
	assert.Equal(t, sgio.NotSupported, OutcomeOf(err))
	st, ok := c.Status()
	require.True(t, ok)

	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.HasStatus)
	assert.Equal(t, st, ce.Status)
	assert.Contains(t, ce.Error(), "invalid command opcode")

	last, ok := d.LastNVMeStatus()
	assert.True(t, ok)
	assert.Equal(t, nvme.Status(0x01), last)
}

func TestSentinelGivesRawOutcome(t *testing.T) {
	tr := asmedia(t, sgio.Failure, 0xffff0000)
	d, err := NewDevice("sdb", SelectorASMediaPacket, tr)
	require.NoError(t, err)

	c, err := d.Execute(identify())
	assert.False(t, c.AnyValid())
	assert.Equal(t, sgio.Failure, OutcomeOf(err))
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.HasStatus)
}

func TestLastNVMeStatusCleared(t *testing.T) {
	var next nvme.Completion
	d := nativeDevice(t, func(*nvme.Command) (nvme.Completion, sgio.Outcome) { return next, sgio.Success })

	next = nvme.Completion{DW: [4]uint32{0, 0, 0, status(0, 0x02)}, Valid: [4]bool{true, true, true, true}}
	_, _ = d.Execute(identify())
	st, ok := d.LastNVMeStatus()
	require.True(t, ok)
	assert.Equal(t, nvme.Status(0x02), st)

	next = nvme.Completion{DW: [4]uint32{1}, Valid: [4]bool{true}}
	_, _ = d.Execute(identify())
	st, ok = d.LastNVMeStatus()
	assert.False(t, ok)
	assert.Zero(t, st)
}

func TestLastDuration(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(5 * time.Millisecond)
		return now
	}
	d := nativeDevice(t, func(*nvme.Command) (nvme.Completion, sgio.Outcome) {
		return nvme.Completion{}, sgio.Timeout
	}, WithClock(clock))

	_, err := d.Execute(identify())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 5*time.Millisecond, d.LastDuration())

	// A rejected command never reaches the device and takes no time.
	_, err = d.Execute(nil)
	assert.Error(t, err)
	assert.Zero(t, d.LastDuration())
}

func TestNotEncodable(t *testing.T) {
	tr := &countingTransport{t: t}
	d, err := NewDevice("sdc", SelectorASMediaBasic, tr)
	require.NoError(t, err)

	cmd := &nvme.Command{Class: nvme.Admin, Opcode: nvme.AdminGetFeatures, Direction: nvme.DirIn, Data: make([]byte, 4096)}
	_, err = d.Execute(cmd)
	assert.ErrorIs(t, err, ErrNotEncodable)
	assert.False(t, errors.Is(err, ErrTransport))
	assert.Zero(t, tr.calls.Load())
}

func TestNativeWithoutSubmitter(t *testing.T) {
	d, err := NewDevice("nvme0", SelectorNative, nil)
	require.NoError(t, err)
	_, err = d.Execute(identify())
	assert.Equal(t, sgio.NotAvailable, OutcomeOf(err))

	_, err = d.SendSCSI([]byte{0x00, 0, 0, 0, 0, 0}, sgio.CDBNone, nil, 0)
	assert.Equal(t, sgio.NotAvailable, OutcomeOf(err))
}

func TestNewDevice(t *testing.T) {
	_, err := NewDevice("sda", SelectorJMicron, nil)
	assert.Error(t, err)
	_, err = NewDevice("sda", Selector(42), &countingTransport{t: t})
	assert.Error(t, err)
}

func TestSendSCSIFeedsTracker(t *testing.T) {
	tr := &countingTransport{t: t, fn: func(req *sgio.Request) sgio.Outcome {
		req.SenseLen = copy(req.Sense, []byte{0x70, 0, 0x05, 0, 0, 0, 0, 0x0a, 0, 0, 0, 0, 0x24, 0x00, 0, 0, 0, 0})
		return sgio.Failure
	}}
	d, err := NewDevice("sdd", SelectorJMicron, tr)
	require.NoError(t, err)

	vpd := []byte{0x12, 0x01, 0x83, 0x00, 0xff, 0x00}
	for i := 0; i < 5; i++ {
		f, err := d.SendSCSI(vpd, sgio.CDBFromDevice, make([]byte, 255), time.Second)
		assert.ErrorIs(t, err, ErrDevice)
		assert.True(t, f.IllegalRequest())
	}
	assert.Equal(t, hacks.Abandoned, d.Hacks().State(hacks.VPDPages))
	assert.Equal(t, uint64(5), d.Stats()[sgio.NotSupported])

	_, err = d.SendSCSI(nil, sgio.CDBNone, nil, 0)
	assert.ErrorIs(t, err, ErrCaller)
	assert.EqualValues(t, 5, tr.calls.Load())
}

func checkCondition(key, asc, ascq byte) []byte {
	return []byte{0x70, 0, key, 0, 0, 0, 0, 0x0a, 0, 0, 0, 0, asc, ascq, 0, 0, 0, 0}
}

func TestSenseRefinesOutcome(t *testing.T) {
	testCases := []struct {
		name  string
		sense []byte
		want  sgio.Outcome
		class error
	}{
		{"Invalid opcode", checkCondition(0x05, 0x20, 0x00), sgio.NotSupported, ErrDevice},
		{"Invalid field in CDB", checkCondition(0x05, 0x24, 0x00), sgio.NotSupported, ErrDevice},
		{"Aborted command", checkCondition(0x0b, 0x00, 0x00), sgio.Aborted, ErrDevice},
		{"Not ready", checkCondition(0x02, 0x04, 0x00), sgio.NotAvailable, ErrTransport},
		{"Data protect", checkCondition(0x07, 0x27, 0x00), sgio.Blocked, ErrTransport},
		{"Medium error", checkCondition(0x03, 0x11, 0x00), sgio.Failure, ErrDevice},
		{"No sense data", nil, sgio.Failure, ErrDevice},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &countingTransport{t: t, fn: func(req *sgio.Request) sgio.Outcome {
				req.SenseLen = copy(req.Sense, tc.sense)
				return sgio.Failure
			}}

			d, err := NewDevice("sde", SelectorRealtek, tr)
			require.NoError(t, err)
			_, err = d.SendSCSI([]byte{0x25, 0, 0, 0, 0, 0, 0, 0, 0, 0}, sgio.CDBFromDevice, make([]byte, 8), 0)
			assert.Equal(t, tc.want, OutcomeOf(err), "scsi")
			assert.ErrorIs(t, err, tc.class)
			var ce *CommandError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, len(tc.sense) > 0, ce.Sense.ValidStructure)

			d, err = NewDevice("sde", SelectorASMediaBasic, tr)
			require.NoError(t, err)
			_, err = d.Execute(identify())
			assert.Equal(t, tc.want, OutcomeOf(err), "execute")
			require.ErrorAs(t, err, &ce)
			assert.False(t, ce.HasStatus)
			if len(tc.sense) > 0 {
				assert.Equal(t, tc.sense[2], ce.Sense.SenseKey)
			}
			assert.Equal(t, uint64(1), d.Stats()[tc.want])
		})
	}
}

func TestCommandsAreSerialized(t *testing.T) {
	tr := asmedia(t, sgio.Success, 0)
	tr.fn = func(next func(*sgio.Request) sgio.Outcome) func(*sgio.Request) sgio.Outcome {
		return func(req *sgio.Request) sgio.Outcome {
			time.Sleep(100 * time.Microsecond)
			return next(req)
		}
	}(tr.fn)
	d, err := NewDevice("sde", SelectorASMediaPacket, tr)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Execute(identify())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 24, tr.calls.Load())
	assert.Equal(t, uint64(8), d.Stats()[sgio.Success])
}

func TestErrorClasses(t *testing.T) {
	classes := []error{ErrCaller, ErrNotEncodable, ErrTransport, ErrDevice}
	testCases := []struct {
		outcome sgio.Outcome
		class   error
	}{
		{sgio.BadParameter, ErrCaller},
		{sgio.NotEncodable, ErrNotEncodable},
		{sgio.Timeout, ErrTransport},
		{sgio.OSError, ErrTransport},
		{sgio.NotAvailable, ErrTransport},
		{sgio.Blocked, ErrTransport},
		{sgio.Failure, ErrDevice},
		{sgio.NotSupported, ErrDevice},
		{sgio.Aborted, ErrDevice},
	}
	for _, tc := range testCases {
		t.Run(tc.outcome.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &CommandError{Op: "execute", Device: "sda", Outcome: tc.outcome})
			for _, c := range classes {
				assert.Equal(t, c == tc.class, errors.Is(err, c), "%v", c)
			}
			assert.Equal(t, tc.outcome, OutcomeOf(err))
		})
	}
	assert.Equal(t, sgio.Success, OutcomeOf(nil))
	assert.Equal(t, sgio.OSError, OutcomeOf(errors.New("boom")))
}

func TestSelectorText(t *testing.T) {
	for _, s := range Selectors {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got Selector
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	s, err := ParseSelector(" JMicron ")
	require.NoError(t, err)
	assert.Equal(t, SelectorJMicron, s)
	_, err = ParseSelector("sata")
	assert.Error(t, err)
	_, err = Selector(9).MarshalText()
	assert.Error(t, err)
}

func TestCollector(t *testing.T) {
	d := nativeDevice(t, func(*nvme.Command) (nvme.Completion, sgio.Outcome) {
		return nvme.Completion{}, sgio.Success
	})
	_, _ = d.Execute(identify())
	_, _ = d.Execute(identify())
	_, _ = d.Execute(nil)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(d)))
	mfs, err := reg.Gather()
	require.NoError(t, err)

	got := map[string]int{}
	for _, mf := range mfs {
		got[mf.GetName()] = len(mf.GetMetric())
		if mf.GetName() == "passthrough_commands_total" {
			for _, m := range mf.GetMetric() {
				labels := map[string]string{}
				for _, l := range m.GetLabel() {
					labels[l.GetName()] = l.GetValue()
				}
				assert.Equal(t, "nvme0", labels["device"])
				assert.Equal(t, "native", labels["selector"])
				want := map[string]float64{"success": 2, "bad parameter": 1}[labels["outcome"]]
				assert.Equal(t, want, m.GetCounter().GetValue(), labels["outcome"])
			}
		}
	}
	assert.Equal(t, map[string]int{
		"passthrough_commands_total":                2,
		"passthrough_last_command_duration_seconds": 1,
		"passthrough_capability_state":              len(hacks.Categories),
	}, got)
}
