// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// blockDevices lists the device nodes of every whole disk under root.
// Partitions have no device link in sysfs and are left out.
func blockDevices(root string, log *logrus.Entry) ([]string, error) {
	sysblk, err := os.ReadDir(filepath.Join(root, "sys/class/block"))
	if err != nil {
		return nil, err
	}

	var devs []string
	for _, fi := range sysblk {
		devname := fi.Name()
		if _, err := os.Stat(filepath.Join(root, "sys/class/block", devname, "device")); os.IsNotExist(err) {
			continue
		}
		devpath := filepath.Join(root, "dev", devname)
		if _, err := os.Stat(devpath); os.IsNotExist(err) {
			log.WithField("device", devpath).Warn("failed to find device node")
			continue
		}
		devs = append(devs, devpath)
	}
	return devs, nil
}

// devicesOrAll returns the named devices, or every disk when none are named.
func devicesOrAll(named []string, log *logrus.Entry) ([]string, error) {
	if len(named) > 0 {
		return named, nil
	}
	return blockDevices("/", log)
}
