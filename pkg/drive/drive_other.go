// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package drive

import (
	"github.com/open-source-firmware/go-passthrough/pkg/drive/passthrough"
)

func Open(device string, opts ...Option) (*passthrough.Device, error) {
	return nil, ErrDeviceNotSupported
}
