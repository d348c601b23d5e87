// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package poll

import (
	"log"

	"golang.org/x/sys/unix"
)

// probeScheduler reports which kernel scheduling policy the process
// runs under. The policy is not changed.
func probeScheduler(msg *log.Logger) {
	attr, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		msg.Printf("checking scheduler... [could not query: %+v]", err)
		return
	}
	switch attr.Policy {
	case unix.SCHED_BATCH:
		msg.Printf("checking scheduler... [SCHED_BATCH]")
	case unix.SCHED_NORMAL:
		msg.Printf("checking scheduler... [STANDARD (SCHED_OTHER)]")
	default:
		msg.Printf("checking scheduler... [UNEXPECTED (policy=%d)]", attr.Policy)
	}
}
