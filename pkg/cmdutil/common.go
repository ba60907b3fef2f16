// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cmdutil holds the flags and output helpers shared by the command
// line tools.
package cmdutil

import (
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-passthrough/pkg/drive"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/bridgedb"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/passthrough"
)

const SelectorAuto = "auto"

// LogEmbed configures logrus for the whole process.
type LogEmbed struct {
	LogLevel string `optional:"" env:"NVMEBRIDGE_LOG_LEVEL" default:"warn" enum:"trace,debug,info,warn,error" help:"Log level"`
	LogJSON  bool   `optional:"" env:"NVMEBRIDGE_LOG_JSON" help:"Log as JSON instead of text"`
	Debug    bool   `optional:"" help:"Dump decoded structures to stderr"`
}

func (l *LogEmbed) ConfigureLogging(log *logrus.Logger) error {
	lvl, err := logrus.ParseLevel(l.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	if l.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	return nil
}

// Dump writes v to stderr when --debug is set.
func (l *LogEmbed) Dump(v ...interface{}) {
	if !l.Debug {
		return
	}
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
	cfg.Fdump(os.Stderr, v...)
}

// DeviceEmbed selects how a device node is reached.
type DeviceEmbed struct {
	Selector string `optional:"" short:"s" env:"NVMEBRIDGE_SELECTOR" default:"auto" enum:"auto,native,asmedia-basic,asmedia-packet,jmicron,realtek" help:"Passthrough to use instead of detecting one"`
	Probe    bool   `optional:"" help:"Confirm the detected passthrough with Identify Controller"`
	BridgeDb string `optional:"" type:"existingfile" env:"NVMEBRIDGE_BRIDGE_DB" help:"YAML bridge database replacing the built in one"`
}

// Options turns the flags into drive.Open options.
func (d *DeviceEmbed) Options(log *logrus.Entry) ([]drive.Option, error) {
	opts := []drive.Option{drive.WithLogger(log), drive.WithProbe(d.Probe)}
	if d.Selector != "" && d.Selector != SelectorAuto {
		s, err := passthrough.ParseSelector(d.Selector)
		if err != nil {
			return nil, err
		}
		opts = append(opts, drive.WithSelector(s))
	}
	if d.BridgeDb != "" {
		db, err := bridgedb.OpenBridgeDb(d.BridgeDb)
		if err != nil {
			return nil, fmt.Errorf("bridge database: %w", err)
		}
		opts = append(opts, drive.WithBridgeDb(db))
	}
	return opts, nil
}

func (d *DeviceEmbed) Open(device string, log *logrus.Entry) (*passthrough.Device, error) {
	opts, err := d.Options(log)
	if err != nil {
		return nil, err
	}
	dev, err := drive.Open(device, opts...)
	if err != nil {
		return nil, fmt.Errorf("drive.Open(%s): %w", device, err)
	}
	return dev, nil
}
