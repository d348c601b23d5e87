// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// ldf-dump decodes and displays Pixie-16 .ldf run files.
//
// Usage: ldf-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> ldf-dump ./run_1.ldf
//	=== run 1 (sub-file 0) "PIXIE data file" ===
//	spill 0:
//	  module 0: 130 words, 16 events
//	  module 1: 2 words, 0 events
//	[...]
//	eof (2 buffers)
//	1 spills, 132 data words
package main // import "github.com/go-pixie/daq/cmd/ldf-dump"

import (
	"bufio"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-pixie/daq/pixie"
)

func main() {
	log.SetPrefix("ldf-dump: ")
	log.SetFlags(0)

	evts := flag.Bool("evts", false, "dump individual event headers")

	flag.Usage = func() {
		fmt.Printf(`ldf-dump decodes and displays Pixie-16 .ldf run files.

Usage: ldf-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing input file(s)")
	}

	for _, fname := range flag.Args() {
		err := process(os.Stdout, fname, *evts)
		if err != nil {
			log.Fatalf("could not process %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, evts bool) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	hdr := make([]byte, 120)
	_, err = io.ReadFull(r, hdr)
	if err != nil {
		return fmt.Errorf("could not read run header: %w", err)
	}
	if string(hdr[0:4]) != "HEAD" {
		return fmt.Errorf("invalid run header marker %q", hdr[0:4])
	}

	var (
		run   = binary.LittleEndian.Uint32(hdr[4:8])
		sub   = binary.LittleEndian.Uint32(hdr[8:12])
		title = cstring(hdr[16 : 16+80])
	)
	fmt.Fprintf(w, "=== run %d (sub-file %d) %q ===\n", run, sub, title)

	var (
		spills  = 0
		words   = 0
		prevMod = -1
	)
	for {
		size, err := readWord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("missing EOF buffers")
			}
			return err
		}

		if isEOFMarker(size) {
			err := drainEOF(r)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "eof (2 buffers)\n")
			fmt.Fprintf(w, "%d spills, %d data words\n", spills, words)
			return nil
		}

		mod, err := readWord(r)
		if err != nil {
			return fmt.Errorf("could not read module index: %w", err)
		}
		if size < 2 {
			return fmt.Errorf("invalid module spill size %d", size)
		}

		// module sections appear in module-index order within a spill;
		// a non-increasing index starts the next spill.
		if int(mod) <= prevMod || prevMod < 0 {
			fmt.Fprintf(w, "spill %d:\n", spills)
			spills++
		}
		prevMod = int(mod)

		payload := make([]pixie.Word, size-2)
		for i := range payload {
			payload[i], err = readWord(r)
			if err != nil {
				return fmt.Errorf("could not read module %d payload: %w", mod, err)
			}
		}
		words += int(size)

		nevts := 0
		for pos := 0; pos < len(payload); {
			hdr := pixie.DecodeEventHeader(payload[pos])
			if hdr.Size == 0 {
				return fmt.Errorf("zero event size in module %d", mod)
			}
			if evts {
				fmt.Fprintf(w, "    evt slot=%d chan=%2d size=%d\n",
					hdr.Slot, hdr.Chan, hdr.Size,
				)
			}
			nevts++
			pos += int(hdr.Size)
		}
		fmt.Fprintf(w, "  module %d: %d words, %d events\n", mod, size, nevts)
	}
}

// drainEOF consumes the two closing EOF buffers; the marker word of the
// first one has already been read.
func drainEOF(r io.Reader) error {
	rest := make([]byte, (2*8194-1)*4)
	_, err := io.ReadFull(r, rest)
	if err != nil {
		return fmt.Errorf("could not read EOF buffers: %w", err)
	}
	return nil
}

func readWord(r io.Reader) (uint32, error) {
	var buf [4]byte
	_, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func isEOFMarker(w uint32) bool {
	return w == binary.LittleEndian.Uint32([]byte("EOF "))
}

func cstring(p []byte) string {
	for i, b := range p {
		if b == 0 {
			return string(p[:i])
		}
	}
	return string(p)
}
