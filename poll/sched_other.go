// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package poll

import "log"

func probeScheduler(msg *log.Logger) {
	msg.Printf("checking scheduler... [not supported on this platform]")
}
