// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"encoding/binary"
	"io"
	"os"
	"testing"
	"time"

	"github.com/go-pixie/daq/pixie"
)

// newTestController builds a controller on top of an emulated crate,
// with a fast tick and a throw-away broadcast sink.
func newTestController(t *testing.T, cfg pixie.Config, opts ...Option) (*Controller, *pixie.Emulated, string) {
	t.Helper()

	dir := t.TempDir()
	addr, _ := udpSink(t)

	emu := pixie.NewEmulated(cfg)

	xopts := []Option{
		WithBroadcastAddr(addr),
		WithOutputDir(dir),
		WithPrefix("test"),
		WithThreshold(0),
		WithQuiet(true),
	}
	xopts = append(xopts, opts...)

	ctl, err := New(emu, xopts...)
	if err != nil {
		t.Fatalf("could not create controller: %+v", err)
	}
	ctl.msg.SetOutput(io.Discard)
	ctl.tick = 10 * time.Millisecond

	return ctl, emu, dir + "/"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// quitController stops the run loop and asserts a clean exit.
func quitController(t *testing.T, ctl *Controller) {
	t.Helper()
	waitFor(t, "idle", func() bool {
		return !ctl.acqRunning.Load() && !ctl.mcaActive.Load()
	})
	if !ctl.execute("quit") {
		t.Fatalf("quit did not exit the command loop")
	}
	if !ctl.exited.Load() {
		t.Fatalf("run control did not exit")
	}
}

// runPartial reads the run-loop-owned partial-event store through the
// hardware-op channel, so the access is serialized with the run loop.
func runPartial(t *testing.T, ctl *Controller, mod int) int {
	t.Helper()
	n := -1
	err := ctl.hwDo(func(pixie.Interface) error {
		n = len(ctl.run.partial[mod])
		return nil
	})
	if err != nil {
		t.Fatalf("could not inspect partial events: %+v", err)
	}
	return n
}

// readRunFile returns the spill payload words of an on-disk run file,
// module headers stripped.
func readRunFile(t *testing.T, fname string) []pixie.Word {
	t.Helper()

	raw, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read %q: %+v", fname, err)
	}
	if len(raw) < headSize+eofReserve {
		t.Fatalf("truncated run file %q (%d bytes)", fname, len(raw))
	}
	if string(raw[0:4]) != "HEAD" {
		t.Fatalf("invalid run header in %q", fname)
	}

	var (
		payload []pixie.Word
		pos     = headSize
	)
	for pos < len(raw) {
		size := binary.LittleEndian.Uint32(raw[pos:])
		if size == binary.LittleEndian.Uint32([]byte("EOF ")) {
			if got, want := len(raw)-pos, eofReserve; got != want {
				t.Fatalf("invalid EOF trailer size in %q: got %d, want %d", fname, got, want)
			}
			return payload
		}
		if size < 2 {
			t.Fatalf("invalid module spill size %d in %q", size, fname)
		}
		for i := 2; i < int(size); i++ {
			payload = append(payload, binary.LittleEndian.Uint32(raw[pos+4*i:]))
		}
		pos += 4 * int(size)
	}
	t.Fatalf("missing EOF trailer in %q", fname)
	return nil
}

func TestControllerStartStop(t *testing.T) {
	ctl, emu, dir := newTestController(t, pixie.DefaultConfig(2))
	go ctl.RunControl()

	cfg := emu.Config()
	emu.Push(0, pixie.SyntheticEvents(cfg, 0, 100, 8)...)
	emu.Push(1, pixie.SyntheticEvents(cfg, 1, 50, 8)...)

	ctl.execute("run")
	waitFor(t, "acq running", func() bool { return ctl.acqRunning.Load() })
	if !ctl.fileOpen.Load() {
		t.Fatalf("run did not open an output file")
	}

	waitFor(t, "drain", func() bool {
		n, _ := emu.CheckFIFOWords(0)
		m, _ := emu.CheckFIFOWords(1)
		return n == 0 && m == 0
	})

	ctl.execute("stop")
	waitFor(t, "acq stopped", func() bool { return !ctl.acqRunning.Load() })

	if ctl.hadError.Load() {
		t.Fatalf("run ended with an error")
	}
	if ctl.fileOpen.Load() {
		t.Fatalf("output file still open")
	}

	payload := readRunFile(t, dir+"test_1.ldf")
	want := append(
		pixie.SyntheticEvents(cfg, 0, 100, 8),
		pixie.SyntheticEvents(cfg, 1, 50, 8)...,
	)
	if len(payload) != len(want) {
		t.Fatalf("invalid payload size: got %d, want %d", len(payload), len(want))
	}

	// the next run number advanced past the file on disk.
	if got, want := ctl.runnum.Load(), int64(2); got != want {
		t.Fatalf("invalid next run number: got %d, want %d", got, want)
	}

	quitController(t, ctl)
}

func TestControllerPartialEventCarry(t *testing.T) {
	ctl, emu, dir := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()

	cfg := emu.Config()

	var (
		head = pixie.SyntheticEvents(cfg, 0, 3, 10) // 30 words
		last = pixie.SyntheticEvents(cfg, 0, 1, 10) // the event to truncate
		tail = pixie.SyntheticEvents(cfg, 0, 2, 12) // pushed with the missing words
	)

	// first hardware read: three events plus a fragment 3 words short.
	emu.Push(0, head...)
	emu.Push(0, last[:7]...)

	ctl.execute("run")
	waitFor(t, "acq running", func() bool { return ctl.acqRunning.Load() })
	waitFor(t, "first drain", func() bool {
		n, _ := emu.CheckFIFOWords(0)
		return n == 0
	})

	if got, want := runPartial(t, ctl, 0), 7; got != want {
		t.Fatalf("invalid partial-event store: got %d words, want %d", got, want)
	}

	// second hardware read: the missing 3 words, then two more events.
	emu.Push(0, last[7:]...)
	emu.Push(0, tail...)
	ctl.execute("spill")
	waitFor(t, "second drain", func() bool {
		n, _ := emu.CheckFIFOWords(0)
		return n == 0 && runPartial(t, ctl, 0) == 0
	})

	ctl.execute("stop")
	waitFor(t, "acq stopped", func() bool { return !ctl.acqRunning.Load() })
	if ctl.hadError.Load() {
		t.Fatalf("run ended with an error")
	}

	// zero loss, zero duplication: the file carries the hardware
	// stream exactly.
	var want []pixie.Word
	want = append(want, head...)
	want = append(want, last...)
	want = append(want, tail...)

	payload := readRunFile(t, dir+"test_1.ldf")
	if len(payload) != len(want) {
		t.Fatalf("invalid payload size: got %d, want %d", len(payload), len(want))
	}
	for i := range want {
		if payload[i] != want[i] {
			t.Fatalf("payload differs at word %d: got 0x%08x, want 0x%08x",
				i, payload[i], want[i],
			)
		}
	}

	quitController(t, ctl)
}

func TestControllerCorruption(t *testing.T) {
	ctl, emu, _ := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()

	cfg := emu.Config()
	bad := pixie.EncodeEventHeader(pixie.EventHeader{
		Chan: 2, Slot: cfg.Slot(0), Size: 0,
	})
	emu.Push(0, pixie.SyntheticEvents(cfg, 0, 2, 10)...)
	emu.Push(0, bad, 0xdead, 0xbeef, 0xdead, 0xbeef, 0xdead, 0xbeef, 0xdead)

	ctl.execute("run")
	waitFor(t, "error latched", func() bool { return ctl.hadError.Load() })
	waitFor(t, "acq stopped", func() bool { return !ctl.acqRunning.Load() })

	// the error stays latched until the next operator command.
	if !ctl.hadError.Load() {
		t.Fatalf("error flag was not latched")
	}
	ctl.execute("status")
	if ctl.hadError.Load() {
		t.Fatalf("error flag not cleared by the next command")
	}

	quitController(t, ctl)
}

func TestControllerTimedRun(t *testing.T) {
	ctl, emu, dir := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()

	emu.Push(0, pixie.SyntheticEvents(emu.Config(), 0, 10, 8)...)

	start := time.Now()
	ctl.execute("timedrun 1")
	waitFor(t, "acq running", func() bool { return ctl.acqRunning.Load() })
	waitFor(t, "timed stop", func() bool { return !ctl.acqRunning.Load() })

	elapsed := time.Since(start)
	if elapsed < 900*time.Millisecond {
		t.Fatalf("timed run stopped too early: %v", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("timed run overran: %v", elapsed)
	}

	if ctl.fileOpen.Load() {
		t.Fatalf("output file still open after timed run")
	}
	if _, err := os.Stat(dir + "test_1.ldf"); err != nil {
		t.Fatalf("missing run file: %+v", err)
	}

	quitController(t, ctl)
}

func TestControllerMcaRefusesAcq(t *testing.T) {
	ctl, _, dir := newTestController(t, pixie.Config{
		NumModules:  1,
		NumChannels: 4,
		SlotMap:     []int{2},
	})
	go ctl.RunControl()

	ctl.execute("mca 30 " + dir + "spectra")
	waitFor(t, "mca running", func() bool { return ctl.mcaActive.Load() })

	// starting acquisition during an MCA run is refused without
	// side effects.
	ctl.execute("run")
	time.Sleep(50 * time.Millisecond)
	if ctl.acqRunning.Load() {
		t.Fatalf("acquisition started while MCA is running")
	}
	if !ctl.mcaActive.Load() {
		t.Fatalf("MCA run was disturbed")
	}

	// ... and so is quitting.
	if ctl.execute("quit") {
		t.Fatalf("quit was accepted while MCA is running")
	}

	ctl.execute("stop")
	waitFor(t, "mca stopped", func() bool { return !ctl.mcaActive.Load() })
	if ctl.hadError.Load() {
		t.Fatalf("MCA run ended with an error")
	}

	if _, err := os.Stat(dir + "spectra.root"); err != nil {
		t.Fatalf("missing MCA output file: %+v", err)
	}

	quitController(t, ctl)
}

func TestControllerRollover(t *testing.T) {
	old := maxFileSize
	maxFileSize = int64(eofReserve) + headSize + 64*1024
	defer func() { maxFileSize = old }()

	ctl, emu, dir := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()

	cfg := emu.Config()
	emu.SetGenerator(func(mod int) []pixie.Word {
		return pixie.SyntheticEvents(cfg, mod, 512, 8) // 16 KiB per burst
	})

	ctl.execute("run")
	waitFor(t, "acq running", func() bool { return ctl.acqRunning.Load() })
	waitFor(t, "rollover", func() bool {
		_, err := os.Stat(dir + "test_1_1.ldf")
		return err == nil
	})

	emu.SetGenerator(nil)
	ctl.execute("stop")
	waitFor(t, "acq stopped", func() bool { return !ctl.acqRunning.Load() })
	if ctl.hadError.Load() {
		t.Fatalf("run ended with an error")
	}

	// every sub-file parses cleanly: module sections are whole, no
	// event straddles a file boundary, and the EOF trailer is intact.
	var total int
	for _, fname := range []string{"test_1.ldf", "test_1_1.ldf"} {
		payload := readRunFile(t, dir+fname)
		for pos := 0; pos < len(payload); {
			hdr := pixie.DecodeEventHeader(payload[pos])
			if hdr.Size == 0 || pos+int(hdr.Size) > len(payload) {
				t.Fatalf("event straddles a boundary in %q at word %d", fname, pos)
			}
			pos += int(hdr.Size)
			total++
		}

		fi, err := os.Stat(dir + fname)
		if err != nil {
			t.Fatalf("could not stat %q: %+v", fname, err)
		}
		if fi.Size() > maxFileSize {
			t.Fatalf("%q exceeds the size cap: %d", fname, fi.Size())
		}
	}
	if total == 0 {
		t.Fatalf("no events written")
	}

	quitController(t, ctl)
}

func TestControllerSpillGuards(t *testing.T) {
	ctl, _, _ := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()

	// forcing a spill with no run in progress is refused.
	ctl.execute("spill")
	if ctl.hadError.Load() {
		t.Fatalf("spill guard latched an error")
	}

	quitController(t, ctl)
}
