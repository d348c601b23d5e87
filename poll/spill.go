// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"fmt"
	"strings"

	"github.com/go-pixie/daq/pixie"
)

// maxDumpWords caps the number of words shown per event in a
// corruption diagnostic.
const maxDumpWords = 50

// CorruptionError describes list-mode data that failed validation.
//
// It carries the event preceding the error, the offending event and the
// event following it, so the whole neighbourhood can be dumped.
type CorruptionError struct {
	Mod    int    // module the data came from
	Pos    int    // word offset of the offending event in the payload
	Total  int    // payload size, in words
	Reason string // which invariant was violated

	Prev []pixie.Word // event before the offending one
	Bad  []pixie.Word // offending event, truncated
	Next []pixie.Word // event after the offending one, truncated

	BadSize  pixie.Word // declared size of the offending event
	NextSize pixie.Word // declared size of the following event
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf(
		"poll: corrupted data for module %d: %s at word %d/%d",
		e.Mod, e.Reason, e.Pos, e.Total,
	)
}

// Dump formats the corruption neighbourhood the way operators expect it
// on the console.
func (e *CorruptionError) Dump() string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "| Parsing failed at %d/%d words into the payload.\n", e.Pos, e.Total)
	dumpEvent(o, fmt.Sprintf("Event prior to parsing error (%d words)", len(e.Prev)), e.Prev, len(e.Prev))
	dumpEvent(o, fmt.Sprintf("Event at parsing error (%d words)", e.BadSize), e.Bad, int(e.BadSize))
	dumpEvent(o, fmt.Sprintf("Event after parsing error (%d words)", e.NextSize), e.Next, int(e.NextSize))
	return o.String()
}

func dumpEvent(o *strings.Builder, title string, data []pixie.Word, size int) {
	fmt.Fprintf(o, "|\n| %s:", title)
	if len(data) < size {
		fmt.Fprintf(o, "\n| (truncated at %d words)", len(data))
	}
	for i, w := range data {
		if i%5 == 0 {
			fmt.Fprintf(o, "\n|  ")
		}
		fmt.Fprintf(o, "0x%08x ", w)
	}
	fmt.Fprintf(o, "\n")
}

// parseSpill walks the list-mode events of one module payload.
//
// Every complete, non-virtual event is reported through onEvent. The
// returned count is the number of trailing words that belong to an
// event only partly present in data; they must be carried over to the
// next spill. A validation failure (wrong slot, invalid channel, zero
// event size) returns a *CorruptionError.
func parseSpill(mod, slot int, data []pixie.Word, onEvent func(hdr pixie.EventHeader)) (int, error) {
	var (
		pos      int
		prevSize pixie.Word
	)

	for pos < len(data) {
		hdr := pixie.DecodeEventHeader(data[pos])

		var reason string
		switch {
		case hdr.Slot != slot:
			reason = fmt.Sprintf("slot read %d, slot expected %d", hdr.Slot, slot)
		case hdr.Chan < 0 || hdr.Chan > 15:
			reason = fmt.Sprintf("invalid channel %d", hdr.Chan)
		case hdr.Size == 0:
			reason = "zero event size"
		}
		if reason != "" {
			return 0, corruption(mod, pos, data, prevSize, hdr.Size, reason)
		}

		if !hdr.Virtual && onEvent != nil {
			onEvent(hdr)
		}
		pos += int(hdr.Size)
		prevSize = hdr.Size
	}

	if missing := pos - len(data); missing > 0 {
		// the trailing event is incomplete: hand back what we have.
		return int(prevSize) - missing, nil
	}
	return 0, nil
}

func corruption(mod, pos int, data []pixie.Word, prevSize, size pixie.Word, reason string) *CorruptionError {
	err := &CorruptionError{
		Mod:     mod,
		Pos:     pos,
		Total:   len(data),
		Reason:  reason,
		BadSize: size,
	}

	if n := int(prevSize); n > 0 && pos-n >= 0 {
		err.Prev = clone(data[pos-n : pos])
	}

	err.Bad = clone(slice(data, pos, int(size)))

	if next := pos + int(size); next < len(data) {
		err.NextSize = pixie.DecodeEventHeader(data[next]).Size
		err.Next = clone(slice(data, next, int(err.NextSize)))
	}

	return err
}

// slice returns up to n words of data starting at pos, truncated to the
// dump cap and clamped to the payload.
func slice(data []pixie.Word, pos, n int) []pixie.Word {
	if n > maxDumpWords {
		n = maxDumpWords
	}
	if pos >= len(data) {
		return nil
	}
	if pos+n > len(data) {
		n = len(data) - pos
	}
	return data[pos : pos+n]
}

func clone(p []pixie.Word) []pixie.Word {
	if p == nil {
		return nil
	}
	out := make([]pixie.Word, len(p))
	copy(out, p)
	return out
}
