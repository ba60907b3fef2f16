// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

import "fmt"

// Completion holds the four completion queue entry dwords as far as the
// engine that produced it could recover them. A word that is not Valid is
// always zero.
type Completion struct {
	DW    [4]uint32
	Valid [4]bool
}

// Set stores a recovered dword and marks it valid.
func (c *Completion) Set(i int, v uint32) {
	c.DW[i] = v
	c.Valid[i] = true
}

// Invalidate drops every word.
func (c *Completion) Invalidate() {
	*c = Completion{}
}

// Word returns dword i, or zero if it is not valid.
func (c Completion) Word(i int) uint32 {
	if !c.Valid[i] {
		return 0
	}
	return c.DW[i]
}

// Status returns the 15-bit status field carried in dw3 (bits 17 to 31)
// and whether dw3 is valid at all.
func (c Completion) Status() (Status, bool) {
	if !c.Valid[3] {
		return 0, false
	}
	return Status(c.DW[3] >> 17), true
}

// AnyValid reports whether the engine recovered any completion data.
func (c Completion) AnyValid() bool {
	return c.Valid[0] || c.Valid[1] || c.Valid[2] || c.Valid[3]
}

func (c Completion) String() string {
	s := ""
	for i := range c.DW {
		if i > 0 {
			s += " "
		}
		if c.Valid[i] {
			s += fmt.Sprintf("dw%d=%#08x", i, c.DW[i])
		} else {
			s += fmt.Sprintf("dw%d=invalid", i)
		}
	}
	return s
}
