// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"encoding/binary"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-pixie/daq/pixie"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestOutputFileLifecycle(t *testing.T) {
	dir := t.TempDir() + "/"
	of := NewOutputFile(testLogger())

	if of.IsOpen() {
		t.Fatalf("fresh output file reports open")
	}
	if _, err := of.Write([]pixie.Word{1}); err == nil {
		t.Fatalf("expected an error writing to a closed file")
	}
	if err := of.Close(false); err == nil {
		t.Fatalf("expected an error closing a closed file")
	}

	err := of.Open("a title", 1, "test", dir, false)
	if err != nil {
		t.Fatalf("could not open run file: %+v", err)
	}
	if got, want := of.Filename(), dir+"test_1.ldf"; got != want {
		t.Fatalf("invalid file name: got %q, want %q", got, want)
	}
	if err := of.Open("a title", 1, "test", dir, false); err == nil {
		t.Fatalf("expected an error on double-open")
	}

	data := []pixie.Word{4, 0, 0xdeadbeef, 0xcafebabe}
	n, err := of.Write(data)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}
	if got, want := n, 16; got != want {
		t.Fatalf("invalid write size: got %d, want %d", got, want)
	}

	err = of.Close(false)
	if err != nil {
		t.Fatalf("could not close: %+v", err)
	}

	raw, err := os.ReadFile(dir + "test_1.ldf")
	if err != nil {
		t.Fatalf("could not read back: %+v", err)
	}
	if got, want := len(raw), headSize+16+eofReserve; got != want {
		t.Fatalf("invalid file size: got %d, want %d", got, want)
	}
	if got, want := string(raw[0:4]), "HEAD"; got != want {
		t.Fatalf("invalid header marker: %q", got)
	}
	if got, want := binary.LittleEndian.Uint32(raw[headSize:]), uint32(4); got != want {
		t.Fatalf("invalid first spill word: got %d, want %d", got, want)
	}
	eof := raw[headSize+16:]
	if got, want := string(eof[0:4]), "EOF "; got != want {
		t.Fatalf("invalid EOF marker: %q", got)
	}
	if got, want := binary.LittleEndian.Uint32(eof[8:12]), uint32(0xFFFFFFFF); got != want {
		t.Fatalf("invalid EOF filler: 0x%x", got)
	}
}

func TestOutputFileNextFileName(t *testing.T) {
	dir := t.TempDir() + "/"
	of := NewOutputFile(testLogger())

	run := 1
	fname := of.NextFileName(&run, "test", dir)
	if got, want := fname, dir+"test_1.ldf"; got != want {
		t.Fatalf("invalid next file: got %q, want %q", got, want)
	}
	if run != 1 {
		t.Fatalf("run number moved: %d", run)
	}

	// opening and closing N runs leaves the run number at N+1.
	const nruns = 3
	for i := 0; i < nruns; i++ {
		err := of.Open("t", run, "test", dir, false)
		if err != nil {
			t.Fatalf("could not open run %d: %+v", run, err)
		}
		err = of.Close(false)
		if err != nil {
			t.Fatalf("could not close run %d: %+v", run, err)
		}
		of.NextFileName(&run, "test", dir)
	}
	if got, want := run, nruns+1; got != want {
		t.Fatalf("invalid next run number: got %d, want %d", got, want)
	}
}

func TestOutputFileRollover(t *testing.T) {
	old := maxFileSize
	maxFileSize = int64(eofReserve) + headSize + 4096
	defer func() { maxFileSize = old }()

	dir := t.TempDir() + "/"
	of := NewOutputFile(testLogger())

	err := of.Open("t", 7, "roll", dir, false)
	if err != nil {
		t.Fatalf("could not open run file: %+v", err)
	}

	// each write carries 256 words (1024 bytes); the 5th write of the
	// sequence must roll over to a continuation file.
	data := make([]pixie.Word, 256)
	for i := 0; i < 6; i++ {
		_, err = of.Write(data)
		if err != nil {
			t.Fatalf("could not write spill %d: %+v", i, err)
		}
	}
	if got, want := of.Filename(), dir+"roll_7_1.ldf"; got != want {
		t.Fatalf("invalid continuation file: got %q, want %q", got, want)
	}
	if of.Filesize()+eofReserve > maxFileSize {
		t.Fatalf("file size %d exceeds the cap", of.Filesize())
	}

	err = of.Close(false)
	if err != nil {
		t.Fatalf("could not close: %+v", err)
	}

	for _, fname := range []string{"roll_7.ldf", "roll_7_1.ldf"} {
		fi, err := os.Stat(filepath.Join(dir, fname))
		if err != nil {
			t.Fatalf("missing run file %q: %+v", fname, err)
		}
		if fi.Size() == 0 {
			t.Fatalf("empty run file %q", fname)
		}
	}
}

func TestOutputFileDebugMode(t *testing.T) {
	dir := t.TempDir() + "/"
	of := NewOutputFile(testLogger())
	of.SetDebugMode(true)

	err := of.Open("t", 1, "dbg", dir, false)
	if err != nil {
		t.Fatalf("could not open: %+v", err)
	}
	_, err = of.Write(make([]pixie.Word, 128))
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}
	err = of.Close(false)
	if err != nil {
		t.Fatalf("could not close: %+v", err)
	}

	if _, err := os.Stat(dir + "dbg_1.ldf"); err == nil {
		t.Fatalf("debug mode performed real file I/O")
	}
}
