// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-passthrough/pkg/cmdutil"
)

const (
	programName = "nvmebridge"
	programDesc = "NVMe admin commands through USB to NVMe bridges"
)

// cli is the main command line interface struct required by kong command line parser
var cli struct {
	cmdutil.LogEmbed `embed:""`

	Identify identifyCmd `cmd:"" help:"Show the controller identity of each device"`
	GetLog   getLogCmd   `cmd:"" help:"Read an NVMe log page"`
	Probe    probeCmd    `cmd:"" help:"Find the passthrough that reaches each device"`
	Hacks    hacksCmd    `cmd:"" help:"Exercise optional SCSI commands and show what the bridge supports"`
	Metrics  metricsCmd  `cmd:"" help:"Print or serve passthrough metrics"`
}

// context is the context struct required by kong command line parser
type context struct {
	log  *logrus.Entry
	dump func(...interface{})
}

func main() {
	// Parse kong flags and sub-commands
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	logger := logrus.StandardLogger()
	ctx.FatalIfErrorf(cli.ConfigureLogging(logger))

	// Run the command
	err := ctx.Run(&context{
		log:  logrus.NewEntry(logger),
		dump: cli.Dump,
	})
	ctx.FatalIfErrorf(err)
}
