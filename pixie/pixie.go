// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pixie defines the contract the run controller uses to drive XIA
// Pixie-16 digital pulse-processing modules, and an in-memory emulation of
// it. No vendor-SDK implementation of the contract is included.
package pixie // import "github.com/go-pixie/daq/pixie"

// Word is the 32-bit unit of Pixie-16 list-mode data.
type Word = uint32

const (
	// WordSize is the size of a list-mode data word, in bytes.
	WordSize = 4

	// NumChannels is the number of channels of a Pixie-16 module.
	NumChannels = 16

	// FIFOLength is the capacity of the external FIFO of a module, in words.
	FIFOLength = 131072

	// MinFIFORead is the smallest FIFO readout the SDK supports, in words.
	MinFIFORead = 9

	// MaxModules is the maximum number of modules in a crate.
	MaxModules = 14

	// HistLength is the number of bins of an on-board MCA histogram.
	HistLength = 32768

	// TraceLength is the number of samples of an ADC trace capture.
	TraceLength = 16384
)

// List-mode run types and run modes, as defined by the SDK.
const (
	ListModeRun uint16 = 0x100

	NewRun    uint16 = 1
	ResumeRun uint16 = 0
)

// EventHeader is the decoded first word of a list-mode event.
type EventHeader struct {
	Chan    int  // channel number, 0-15
	Slot    int  // crate slot the module sits in
	Size    Word // event size in words, header included
	Virtual bool // synthetic event, excluded from statistics
}

// DecodeEventHeader unpacks the first word of a list-mode event.
//
// Layout: bits [3:0] channel, [7:4] slot, [30:17] event size in words,
// bit 29 flags a virtual channel.
func DecodeEventHeader(w Word) EventHeader {
	return EventHeader{
		Chan:    int(w & 0xF),
		Slot:    int((w & 0xF0) >> 4),
		Size:    (w & 0x7FFE0000) >> 17,
		Virtual: w&0x20000000 != 0,
	}
}

// EncodeEventHeader packs hdr into the first word of a list-mode event.
func EncodeEventHeader(hdr EventHeader) Word {
	w := Word(hdr.Chan)&0xF | (Word(hdr.Slot)&0xF)<<4 | (hdr.Size&0x3FFF)<<17
	if hdr.Virtual {
		w |= 0x20000000
	}
	return w
}
