// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package drive

import (
	"os"

	"github.com/open-source-firmware/go-passthrough/pkg/drive/passthrough"
	"github.com/open-source-firmware/go-passthrough/pkg/drive/sgio"
)

// Open opens a device node. NVMe nodes use the kernel NVMe passthrough;
// anything else is treated as a SCSI device and matched against the bridge
// database.
func Open(device string, opts ...Option) (*passthrough.Device, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	var d *passthrough.Device
	if sub := NVMeSubmitter(f); isNVME(sub) {
		d, err = Bind(device, nil, sub, f, opts...)
	} else {
		sg := sgio.NewDevice(f)
		d, err = Bind(device, sg, nil, sg, opts...)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}
