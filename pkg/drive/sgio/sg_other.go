// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package sgio

type Device struct{}

func Open(path string) (*Device, error) {
	return nil, ErrNotSupported
}

func (d *Device) Fd() uintptr {
	return ^uintptr(0)
}

func (d *Device) Close() error {
	return nil
}

func (d *Device) SendCDB(req *Request) Outcome {
	return NotAvailable
}
