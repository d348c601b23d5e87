// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-pixie/daq/pixie"
)

// maxFileSize is the hard cap on a run file, in bytes.
// It is a variable only so tests can exercise the rollover path.
var maxFileSize int64 = 2147483648

const (
	// eofBufferWords is the size of one end-of-file buffer, in words.
	// Two of them close every run file, so 65552 bytes are reserved
	// whenever checking the cap.
	eofBufferWords = 8194
	eofReserve     = 2 * eofBufferWords * pixie.WordSize

	headSize  = 120 // on-disk run header, in bytes
	titleSize = 80
)

var (
	headMarker = [4]byte{'H', 'E', 'A', 'D'}
	eofMarker  = [4]byte{'E', 'O', 'F', ' '}
)

// OutputFile writes spill data to rolling .ldf run files.
//
// A file holds a fixed-size header, the raw spill words, and two
// end-of-file buffers. When a write would push the size past the 2 GiB
// cap (EOF buffers included), the file is closed and a continuation
// sub-file is opened transparently.
type OutputFile struct {
	msg *log.Logger

	debug atomic.Bool

	open bool
	f    *os.File
	size int64

	run    int
	sub    int
	fname  string
	title  string
	prefix string
	dir    string

	nspills int
}

// NewOutputFile returns a closed output file.
func NewOutputFile(msg *log.Logger) *OutputFile {
	return &OutputFile{msg: msg}
}

// SetDebugMode toggles synthetic writes: sizes are accounted for but no
// file I/O is performed.
func (of *OutputFile) SetDebugMode(on bool) { of.debug.Store(on) }

// IsOpen reports whether a run file is currently open.
func (of *OutputFile) IsOpen() bool { return of.open }

// RunNumber returns the run number of the current file.
func (of *OutputFile) RunNumber() int { return of.run }

// Filename returns the name of the current file.
func (of *OutputFile) Filename() string { return of.fname }

// Filesize returns the current size of the file, in bytes.
func (of *OutputFile) Filesize() int64 { return of.size }

func fileName(dir, prefix string, run, sub int) string {
	if sub > 0 {
		return fmt.Sprintf("%s%s_%d_%d.ldf", dir, prefix, run, sub)
	}
	return fmt.Sprintf("%s%s_%d.ldf", dir, prefix, run)
}

// NextFileName advances *run past any run file already on disk for
// (prefix, dir) and returns the resulting file name.
func (of *OutputFile) NextFileName(run *int, prefix, dir string) string {
	fname := fileName(dir, prefix, *run, 0)
	for {
		_, err := os.Stat(fname)
		if err != nil {
			return fname
		}
		*run++
		fname = fileName(dir, prefix, *run, 0)
	}
}

// Open creates a new run file.
//
// With continueRun, the sub-file counter is advanced and the file
// continues the current run; otherwise the counter is reset and a new
// run starts.
func (of *OutputFile) Open(title string, run int, prefix, dir string, continueRun bool) error {
	if of.open {
		return fmt.Errorf("poll: a file is already open (%q)", of.fname)
	}

	if continueRun {
		of.sub++
	} else {
		of.sub = 0
		of.nspills = 0
	}
	of.run = run
	of.title = title
	of.prefix = prefix
	of.dir = dir
	of.fname = fileName(dir, prefix, run, of.sub)
	of.size = 0

	if !of.debug.Load() {
		f, err := os.OpenFile(of.fname, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return fmt.Errorf("poll: could not create run file %q: %w", of.fname, err)
		}
		of.f = f

		hdr := of.header()
		_, err = f.Write(hdr)
		if err != nil {
			_ = f.Close()
			of.f = nil
			return fmt.Errorf("poll: could not write run header to %q: %w", of.fname, err)
		}
	}

	of.size = headSize
	of.open = true
	return nil
}

func (of *OutputFile) header() []byte {
	hdr := make([]byte, headSize)
	copy(hdr[0:4], headMarker[:])
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(of.run))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(of.sub))
	title := of.title
	if len(title) > titleSize {
		title = title[:titleSize]
	}
	copy(hdr[16:16+titleSize], title)
	copy(hdr[16+titleSize:], time.Now().Format(time.ANSIC))
	return hdr
}

// Write appends nwords of spill data, rolling over to a continuation
// file first if the write would exceed the file-size cap.
// It returns the number of bytes written.
func (of *OutputFile) Write(data []pixie.Word) (int, error) {
	if !of.open {
		return 0, fmt.Errorf("poll: no run file is open")
	}

	nbytes := int64(len(data) * pixie.WordSize)
	if of.size+nbytes+eofReserve > maxFileSize {
		of.msg.Printf("maximum file size reached. new output file will be created.")
		of.msg.Printf("current file size is %d bytes.", of.size+eofReserve)
		err := of.Close(true)
		if err != nil {
			return 0, fmt.Errorf("poll: could not roll over %q: %w", of.fname, err)
		}
		err = of.Open(of.title, of.run, of.prefix, of.dir, true)
		if err != nil {
			return 0, fmt.Errorf("poll: could not open continuation file: %w", err)
		}
	}

	if !of.debug.Load() {
		buf := make([]byte, nbytes)
		for i, w := range data {
			binary.LittleEndian.PutUint32(buf[4*i:], w)
		}
		n, err := of.f.Write(buf)
		of.size += int64(n)
		if err != nil {
			return n, fmt.Errorf("poll: could not write to %q: %w", of.fname, err)
		}
		of.nspills++
		return n, nil
	}

	of.size += nbytes
	of.nspills++
	return int(nbytes), nil
}

// Close finalizes the current file with two EOF buffers.
//
// Closing always marks the file closed, even on error.
func (of *OutputFile) Close(continueRun bool) error {
	if !of.open {
		return fmt.Errorf("poll: no run file is open")
	}
	of.open = false

	if of.debug.Load() {
		of.size += eofReserve
		return nil
	}

	var (
		f   = of.f
		eof = make([]byte, eofBufferWords*pixie.WordSize)
	)
	of.f = nil

	copy(eof[0:4], eofMarker[:])
	for i := 8; i < len(eof); i += 4 {
		binary.LittleEndian.PutUint32(eof[i:], 0xFFFFFFFF)
	}

	for i := 0; i < 2; i++ {
		n, err := f.Write(eof)
		of.size += int64(n)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("poll: could not write EOF buffer to %q: %w", of.fname, err)
		}
	}

	err := f.Close()
	if err != nil {
		return fmt.Errorf("poll: could not close %q: %w", of.fname, err)
	}
	return nil
}

// SendPacket sends a small notification datagram describing the current
// file: run metadata, size, and file name.
func (of *OutputFile) SendPacket(bc *Broadcast) error {
	return bc.Send(EncodeFilePacket(FilePacket{
		Run:    of.run,
		Sub:    of.sub,
		Size:   of.size,
		Spills: of.nspills,
		Fname:  of.fname,
	}))
}
