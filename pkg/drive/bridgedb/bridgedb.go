// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bridgedb maps the INQUIRY identification of a USB bridge to the
// passthrough selector that reaches the NVMe drive behind it.
package bridgedb

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/passthrough"
)

const (
	DefaultName = "DEFAULT"

	// QuirkProbe marks a selector that should be confirmed by probing.
	QuirkProbe = "probe"
)

//go:embed bridges.yml
var defaultDb []byte

type Bridge struct {
	Name         string   `yaml:"name"`
	VendorRegex  string   `yaml:"vendor_regex,omitempty"`
	ProductRegex string   `yaml:"product_regex,omitempty"`
	SelectorName string   `yaml:"selector"`
	Quirks       []string `yaml:"quirks,omitempty"`

	Selector passthrough.Selector `yaml:"-"`

	vendorRe  *regexp.Regexp
	productRe *regexp.Regexp
}

func (b Bridge) HasQuirk(q string) bool {
	for _, x := range b.Quirks {
		if x == q {
			return true
		}
	}
	return false
}

func (b Bridge) match(vendor, product string) bool {
	if b.vendorRe == nil && b.productRe == nil {
		return false
	}
	return (b.vendorRe == nil || b.vendorRe.MatchString(vendor)) &&
		(b.productRe == nil || b.productRe.MatchString(product))
}

type BridgeDb struct {
	Bridges []Bridge `yaml:"bridges"`
}

// Lookup returns the first bridge matching the INQUIRY vendor and product
// identification, or the DEFAULT entry.
func (db *BridgeDb) Lookup(vendor, product string) Bridge {
	def := Bridge{Name: DefaultName, SelectorName: passthrough.SelectorNative.String()}
	for _, b := range db.Bridges {
		if b.Name == DefaultName {
			def = b
			continue
		}
		if b.match(vendor, product) {
			return b
		}
	}
	return def
}

// ParseBridgeDb decodes a YAML bridge database and compiles its patterns.
func ParseBridgeDb(r io.Reader) (*BridgeDb, error) {
	var db BridgeDb

	dec := yaml.NewDecoder(r)
	dec.SetStrict(true)
	if err := dec.Decode(&db); err != nil {
		return nil, fmt.Errorf("bridgedb: %w", err)
	}

	for i := range db.Bridges {
		b := &db.Bridges[i]
		var err error
		if b.Selector, err = passthrough.ParseSelector(b.SelectorName); err != nil {
			return nil, fmt.Errorf("bridgedb: entry %q: %w", b.Name, err)
		}
		if b.VendorRegex != "" {
			if b.vendorRe, err = regexp.Compile(b.VendorRegex); err != nil {
				return nil, fmt.Errorf("bridgedb: entry %q vendor_regex: %w", b.Name, err)
			}
		}
		if b.ProductRegex != "" {
			if b.productRe, err = regexp.Compile(b.ProductRegex); err != nil {
				return nil, fmt.Errorf("bridgedb: entry %q product_regex: %w", b.Name, err)
			}
		}
	}
	return &db, nil
}

// OpenBridgeDb reads a YAML bridge database from a file.
func OpenBridgeDb(path string) (*BridgeDb, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseBridgeDb(f)
}

// Default returns the database built into the binary.
func Default() *BridgeDb {
	db, err := ParseBridgeDb(bytes.NewReader(defaultDb))
	if err != nil {
		panic(err)
	}
	return db
}
