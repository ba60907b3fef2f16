// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package passthrough

import (
	"fmt"
	"strings"
)

// Selector names the passthrough engine bound to a device.
type Selector int

const (
	SelectorNative Selector = iota
	SelectorASMediaBasic
	SelectorASMediaPacket
	SelectorJMicron
	SelectorRealtek
)

// Selectors lists every selector, in the order Probe tries the bridge ones.
var Selectors = []Selector{
	SelectorNative,
	SelectorASMediaPacket,
	SelectorASMediaBasic,
	SelectorJMicron,
	SelectorRealtek,
}

var selectorNames = map[Selector]string{
	SelectorNative:        "native",
	SelectorASMediaBasic:  "asmedia-basic",
	SelectorASMediaPacket: "asmedia-packet",
	SelectorJMicron:       "jmicron",
	SelectorRealtek:       "realtek",
}

func (s Selector) String() string {
	if n, ok := selectorNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Selector(%d)", int(s))
}

func (s Selector) Valid() bool {
	_, ok := selectorNames[s]
	return ok
}

// ParseSelector accepts the names String returns.
func ParseSelector(name string) (Selector, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range selectorNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown passthrough selector %q", name)
}

func (s Selector) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown passthrough selector %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Selector) UnmarshalText(b []byte) error {
	v, err := ParseSelector(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
