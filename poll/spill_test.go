// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/go-pixie/daq/pixie"
)

func event(slot, ch int, size pixie.Word) []pixie.Word {
	out := []pixie.Word{pixie.EncodeEventHeader(pixie.EventHeader{
		Chan: ch, Slot: slot, Size: size,
	})}
	for i := pixie.Word(1); i < size; i++ {
		out = append(out, 0xCAFE0000|i)
	}
	return out
}

func TestParseSpillClean(t *testing.T) {
	const slot = 2
	var (
		data []pixie.Word
		want []pixie.EventHeader
	)
	for _, tc := range []struct {
		ch   int
		size pixie.Word
	}{
		{ch: 0, size: 4},
		{ch: 3, size: 1},
		{ch: 15, size: 120},
	} {
		data = append(data, event(slot, tc.ch, tc.size)...)
		want = append(want, pixie.EventHeader{Chan: tc.ch, Slot: slot, Size: tc.size})
	}

	var got []pixie.EventHeader
	carry, err := parseSpill(0, slot, data, func(hdr pixie.EventHeader) {
		got = append(got, hdr)
	})
	if err != nil {
		t.Fatalf("could not parse spill: %+v", err)
	}
	if carry != 0 {
		t.Fatalf("unexpected carry: %d", carry)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid events:\ngot= %+v\nwant=%+v", got, want)
	}
}

func TestParseSpillVirtualChannel(t *testing.T) {
	const slot = 4
	data := append([]pixie.Word(nil), pixie.EncodeEventHeader(pixie.EventHeader{
		Chan: 2, Slot: slot, Size: 2, Virtual: true,
	}))
	// bit 29 doubles as part of the size field: the virtual event
	// claims 1<<12+2 words.
	n := (1 << 12) + 2
	for len(data) < n {
		data = append(data, 0)
	}
	data = append(data, event(slot, 1, 3)...)

	nevts := 0
	carry, err := parseSpill(0, slot, data, func(hdr pixie.EventHeader) {
		nevts++
	})
	if err != nil {
		t.Fatalf("could not parse spill: %+v", err)
	}
	if carry != 0 {
		t.Fatalf("unexpected carry: %d", carry)
	}
	if got, want := nevts, 1; got != want {
		t.Fatalf("virtual channel not excluded: got %d events, want %d", got, want)
	}
}

func TestParseSpillPartial(t *testing.T) {
	const slot = 2
	var (
		full = event(slot, 5, 10)
		data = append(event(slot, 1, 4), full[:7]...) // 3 words missing
	)

	carry, err := parseSpill(0, slot, data, nil)
	if err != nil {
		t.Fatalf("could not parse spill: %+v", err)
	}
	if got, want := carry, 7; got != want {
		t.Fatalf("invalid carry: got %d, want %d", got, want)
	}
	if got, want := data[len(data)-carry:], full[:7]; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid fragment:\ngot= %v\nwant=%v", got, want)
	}
}

func TestParseSpillCorrupt(t *testing.T) {
	const slot = 2
	for _, tc := range []struct {
		name   string
		data   []pixie.Word
		reason string
	}{
		{
			name:   "zero-event-size",
			data:   append(event(slot, 1, 4), event(slot, 2, 0)...),
			reason: "zero event size",
		},
		{
			name:   "wrong-slot",
			data:   append(event(slot, 1, 4), event(slot+1, 2, 3)...),
			reason: "slot read",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseSpill(7, slot, tc.data, nil)
			if err == nil {
				t.Fatalf("expected a corruption error")
			}
			var cerr *CorruptionError
			if !errors.As(err, &cerr) {
				t.Fatalf("invalid error type: %T", err)
			}
			if !strings.Contains(cerr.Reason, tc.reason) {
				t.Fatalf("invalid reason: got %q, want %q", cerr.Reason, tc.reason)
			}
			if got, want := cerr.Mod, 7; got != want {
				t.Fatalf("invalid module: got %d, want %d", got, want)
			}
			if got, want := cerr.Pos, 4; got != want {
				t.Fatalf("invalid position: got %d, want %d", got, want)
			}
			if got, want := len(cerr.Prev), 4; got != want {
				t.Fatalf("invalid previous event size: got %d, want %d", got, want)
			}
			dump := cerr.Dump()
			for _, want := range []string{
				"Event prior to parsing error",
				"Event at parsing error",
				"Event after parsing error",
			} {
				if !strings.Contains(dump, want) {
					t.Fatalf("dump misses %q:\n%s", want, dump)
				}
			}
		})
	}
}

func TestParseSpillDumpTruncation(t *testing.T) {
	const slot = 3
	// a 60-word event with a wrong slot: its dump must be truncated
	// at 50 words.
	data := append(event(slot, 0, 4), event(slot+2, 1, 60)...)

	_, err := parseSpill(0, slot, data, nil)
	var cerr *CorruptionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a corruption error, got %+v", err)
	}
	if got, want := len(cerr.Bad), maxDumpWords; got != want {
		t.Fatalf("invalid bad-event dump size: got %d, want %d", got, want)
	}
	if got, want := len(cerr.Prev), 4; got != want {
		t.Fatalf("invalid previous-event dump size: got %d, want %d", got, want)
	}
	if !strings.Contains(cerr.Dump(), "truncated at 50 words") {
		t.Fatalf("dump misses the truncation marker:\n%s", cerr.Dump())
	}
}
