// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridgedb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/passthrough"
)

func TestDefaultLookup(t *testing.T) {
	db := Default()
	testCases := []struct {
		vendor, product string
		name            string
		selector        passthrough.Selector
		probe           bool
	}{
		{"ASMT", "ASM2364", "ASMedia ASM2364", passthrough.SelectorASMediaPacket, false},
		{"ASMT", "ASM236X NVME", "ASMedia ASM2362", passthrough.SelectorASMediaPacket, true},
		{"ASMedia", "ASM2362", "ASMedia ASM2362 (early firmware)", passthrough.SelectorASMediaBasic, false},
		{"JMicron", "Tech", "JMicron JMS583", passthrough.SelectorJMicron, true},
		{"Realtek", "RTL9210B-CG", "Realtek RTL9210", passthrough.SelectorRealtek, false},
		{"ATA", "Samsung SSD 870", DefaultName, passthrough.SelectorNative, false},
		{"", "", DefaultName, passthrough.SelectorNative, false},
	}
	for _, tc := range testCases {
		t.Run(tc.vendor+"/"+tc.product, func(t *testing.T) {
			b := db.Lookup(tc.vendor, tc.product)
			assert.Equal(t, tc.name, b.Name)
			assert.Equal(t, tc.selector, b.Selector)
			assert.Equal(t, tc.probe, b.HasQuirk(QuirkProbe))
		})
	}
}

func TestParseBridgeDb(t *testing.T) {
	db, err := ParseBridgeDb(strings.NewReader(`
bridges:
  - name: Vendor only
    vendor_regex: '^ACME'
    selector: jmicron
  - name: DEFAULT
    selector: realtek
`))
	require.NoError(t, err)
	assert.Equal(t, passthrough.SelectorJMicron, db.Lookup("ACME", "anything").Selector)
	assert.Equal(t, passthrough.SelectorRealtek, db.Lookup("OTHER", "x").Selector)

	// Without a DEFAULT entry the native selector applies.
	db, err = ParseBridgeDb(strings.NewReader("bridges: []\n"))
	require.NoError(t, err)
	b := db.Lookup("ACME", "x")
	assert.Equal(t, DefaultName, b.Name)
	assert.Equal(t, passthrough.SelectorNative, b.Selector)
}

func TestParseBridgeDbErrors(t *testing.T) {
	testCases := map[string]string{
		"Unknown selector": "bridges:\n  - name: x\n    selector: sata\n",
		"Bad regex":        "bridges:\n  - name: x\n    vendor_regex: '('\n    selector: native\n",
		"Unknown field":    "bridges:\n  - name: x\n    selector: native\n    model: y\n",
		"Not YAML":         "bridges: [",
	}
	for name, doc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBridgeDb(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestOpenBridgeDb(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridges.yml")
	require.NoError(t, os.WriteFile(path, defaultDb, 0o600))
	db, err := OpenBridgeDb(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Bridges[1].Name, db.Bridges[1].Name)

	_, err = OpenBridgeDb(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
