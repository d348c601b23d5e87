// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"os"
	"strings"
	"testing"

	"github.com/go-pixie/daq/pixie"
)

func TestParseRange(t *testing.T) {
	for _, tc := range []struct {
		arg    string
		lo, hi int
		err    bool
	}{
		{arg: "3", lo: 3, hi: 3},
		{arg: "0:3", lo: 0, hi: 3},
		{arg: "7:7", lo: 7, hi: 7},
		{arg: "3:0", err: true},
		{arg: "-1", err: true},
		{arg: "-1:2", err: true},
		{arg: "a", err: true},
		{arg: "1:b", err: true},
		{arg: "", err: true},
	} {
		lo, hi, err := parseRange(tc.arg)
		if tc.err {
			if err == nil {
				t.Errorf("parseRange(%q): expected an error", tc.arg)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRange(%q): %+v", tc.arg, err)
			continue
		}
		if lo != tc.lo || hi != tc.hi {
			t.Errorf("parseRange(%q): got (%d, %d), want (%d, %d)",
				tc.arg, lo, hi, tc.lo, tc.hi,
			)
		}
	}
}

func TestParseValue(t *testing.T) {
	for _, tc := range []struct {
		arg  string
		want float64
		err  bool
	}{
		{arg: "42", want: 42},
		{arg: "-3.5", want: -3.5},
		{arg: "+7", want: 7},
		{arg: "0x10", want: 16},
		{arg: "0XfF", want: 255},
		{arg: "1e3", want: 1000},
		{arg: "0xzz", err: true},
		{arg: "forty", err: true},
	} {
		v, err := parseValue(tc.arg)
		if tc.err {
			if err == nil {
				t.Errorf("parseValue(%q): expected an error", tc.arg)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseValue(%q): %+v", tc.arg, err)
			continue
		}
		if v != tc.want {
			t.Errorf("parseValue(%q): got %v, want %v", tc.arg, v, tc.want)
		}
	}
}

func TestCsraBit(t *testing.T) {
	for _, tc := range []struct {
		arg  string
		want int
		ok   bool
	}{
		{arg: "GOOD", want: 2, ok: true},
		{arg: "polarity", want: 5, ok: true},
		{arg: "8", want: 8, ok: true},
		{arg: "18", want: 18, ok: true},
		{arg: "19", ok: false},
		{arg: "NOPE", ok: false},
	} {
		bit, ok := csraBit(tc.arg)
		if ok != tc.ok {
			t.Errorf("csraBit(%q): got ok=%v, want %v", tc.arg, ok, tc.ok)
			continue
		}
		if ok && bit != tc.want {
			t.Errorf("csraBit(%q): got %d, want %d", tc.arg, bit, tc.want)
		}
	}
}

func TestCommandToggles(t *testing.T) {
	ctl, _, _ := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()
	defer quitController(t, ctl)

	// toggling twice returns to the initial state.
	for _, tc := range []struct {
		cmd  string
		load func() bool
	}{
		{cmd: "shm", load: ctl.shmMode.Load},
		{cmd: "debug", load: ctl.debug.Load},
		{cmd: "quiet", load: ctl.quiet.Load},
	} {
		initial := tc.load()
		ctl.execute(tc.cmd)
		if tc.load() == initial {
			t.Errorf("%s did not toggle", tc.cmd)
		}
		ctl.execute(tc.cmd)
		if tc.load() != initial {
			t.Errorf("%s did not toggle back", tc.cmd)
		}
	}

	// thresh is idempotent.
	ctl.execute("thresh 50")
	words := ctl.threshWords.Load()
	ctl.execute("thresh 50")
	if got := ctl.threshWords.Load(); got != words {
		t.Errorf("thresh 50 is not idempotent: %d != %d", got, words)
	}
	if got, want := words, uint32(pixie.FIFOLength/2); got != want {
		t.Errorf("invalid threshold: got %d, want %d", got, want)
	}

	ctl.execute("unknown-command")
	ctl.execute("help")
	ctl.execute("status")
	ctl.execute("csr_test 0x104")
	ctl.execute("bit_test 16 0x89")
}

func TestCommandTitle(t *testing.T) {
	ctl, _, _ := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()
	defer quitController(t, ctl)

	ctl.execute(`title "a quoted title"`)
	if got, want := ctl.getTitle(), "a quoted title"; got != want {
		t.Fatalf("invalid title: got %q, want %q", got, want)
	}

	long := strings.Repeat("x", 81)
	ctl.execute("title " + long)
	if got, want := ctl.getTitle(), long[:80]; got != want {
		t.Fatalf("overlong title not truncated: %d chars", len(got))
	}
}

func TestCommandGuardsWhileFileOpen(t *testing.T) {
	ctl, _, _ := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()
	defer quitController(t, ctl)

	var (
		dir    = ctl.getDir()
		prefix = ctl.getPrefix()
		title  = ctl.getTitle()
		run    = ctl.runnum.Load()
	)

	ctl.fileOpen.Store(true)
	defer ctl.fileOpen.Store(false)

	ctl.execute("fdir /somewhere/else")
	ctl.execute("prefix other")
	ctl.execute("title other")
	ctl.execute("runnum 99")

	if got := ctl.getDir(); got != dir {
		t.Errorf("fdir changed while a file is open: %q", got)
	}
	if got := ctl.getPrefix(); got != prefix {
		t.Errorf("prefix changed while a file is open: %q", got)
	}
	if got := ctl.getTitle(); got != title {
		t.Errorf("title changed while a file is open: %q", got)
	}
	if got := ctl.runnum.Load(); got != run {
		t.Errorf("runnum changed while a file is open: %d", got)
	}
}

func TestCommandOutputRouting(t *testing.T) {
	ctl, _, _ := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()
	defer quitController(t, ctl)

	dir := t.TempDir()
	ctl.execute("fdir " + dir)
	if got, want := ctl.getDir(), dir+"/"; got != want {
		t.Fatalf("invalid output dir: got %q, want %q", got, want)
	}

	ctl.execute("prefix beam")
	if got, want := ctl.getPrefix(), "beam"; got != want {
		t.Fatalf("invalid prefix: got %q, want %q", got, want)
	}
	if got, want := ctl.runnum.Load(), int64(1); got != want {
		t.Fatalf("prefix change did not reset the run number: %d", got)
	}

	// a pre-existing run file pushes the run number forward.
	f, err := os.Create(dir + "/beam_1.ldf")
	if err != nil {
		t.Fatalf("could not plant run file: %+v", err)
	}
	f.Close()
	ctl.execute("runnum 1")
	if got, want := ctl.runnum.Load(), int64(2); got != want {
		t.Fatalf("collision not detected: run number %d, want %d", got, want)
	}
}

func TestCommandParamIO(t *testing.T) {
	ctl, emu, _ := newTestController(t, pixie.DefaultConfig(2))
	go ctl.RunControl()
	defer quitController(t, ctl)

	ctl.execute("pwrite 0:1 0:3 TAU 42.5")
	for mod := 0; mod < 2; mod++ {
		for ch := 0; ch < 4; ch++ {
			v, err := emu.ReadChanPar("TAU", mod, ch)
			if err != nil {
				t.Fatalf("could not read back TAU: %+v", err)
			}
			if v != 42.5 {
				t.Fatalf("TAU not written on (%d, %d): %v", mod, ch, v)
			}
		}
	}

	ctl.execute("pmwrite 0 SLOW_FILTER_RANGE 0x3")
	v, err := emu.ReadModPar("SLOW_FILTER_RANGE", 0)
	if err != nil {
		t.Fatalf("could not read back SLOW_FILTER_RANGE: %+v", err)
	}
	if got, want := v, pixie.Word(3); got != want {
		t.Fatalf("invalid SLOW_FILTER_RANGE: got %d, want %d", got, want)
	}

	// reads do not change state.
	ctl.execute("pread 0 0:3 TAU")
	ctl.execute("pmread 0:1 SLOW_FILTER_RANGE")

	// out-of-range module arguments are refused.
	ctl.execute("pwrite 0:5 0 TAU 1")
	if v, _ := emu.ReadChanPar("TAU", 0, 0); v != 42.5 {
		t.Fatalf("out-of-range pwrite went through: %v", v)
	}

	// toggling a CSRA bit twice restores the value.
	ctl.execute("toggle 0 0 GOOD")
	csra, _ := emu.ReadChanPar("CHANNEL_CSRA", 0, 0)
	if got, want := uint32(csra), uint32(1)<<2; got != want {
		t.Fatalf("invalid CHANNEL_CSRA after toggle: 0x%x, want 0x%x", got, want)
	}
	ctl.execute("toggle 0 0 GOOD")
	csra, _ = emu.ReadChanPar("CHANNEL_CSRA", 0, 0)
	if csra != 0 {
		t.Fatalf("invalid CHANNEL_CSRA after double-toggle: 0x%x", uint32(csra))
	}

	ctl.execute("toggle_bit 0 1 CHANNEL_CSRB 4")
	csrb, _ := emu.ReadChanPar("CHANNEL_CSRB", 0, 1)
	if got, want := uint32(csrb), uint32(1)<<4; got != want {
		t.Fatalf("invalid CHANNEL_CSRB after toggle_bit: 0x%x, want 0x%x", got, want)
	}
}

func TestCommandDumpRoundTrip(t *testing.T) {
	ctl, _, _ := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()
	defer quitController(t, ctl)

	ctl.execute("pwrite 0 2 TAU 42.5")

	fname := t.TempDir() + "/fallback.set"
	ctl.execute("dump " + fname)

	raw, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read dump: %+v", err)
	}
	dump := string(raw)

	for _, want := range []string{
		"pwrite 0 2 TAU 42.5\n",
		"pwrite 0 0 TAU 0\n",
		"pmwrite 0 SLOW_FILTER_RANGE 0\n",
	} {
		if !strings.Contains(dump, want) {
			t.Fatalf("dump misses %q:\n%s", want, dump)
		}
	}

	// replaying the dumped pwrite lines reproduces the values.
	ctl.execute("pwrite 0 2 TAU 0")
	for _, line := range strings.Split(dump, "\n") {
		if strings.HasPrefix(line, "pwrite ") || strings.HasPrefix(line, "pmwrite ") {
			ctl.execute(line)
		}
	}
	v := -1.0
	err = ctl.hwDo(func(hw pixie.Interface) error {
		var err error
		v, err = hw.ReadChanPar("TAU", 0, 2)
		return err
	})
	if err != nil {
		t.Fatalf("could not read back TAU: %+v", err)
	}
	if v != 42.5 {
		t.Fatalf("dump replay did not restore TAU: %v", v)
	}
}

func TestCommandGetTraces(t *testing.T) {
	ctl, _, _ := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()
	defer quitController(t, ctl)

	ctl.execute("get_traces 0 3 100")

	raw, err := os.ReadFile("/tmp/traces.dat")
	if err != nil {
		t.Fatalf("could not read traces: %+v", err)
	}
	lines := strings.Split(string(raw), "\n")
	if !strings.HasPrefix(lines[0], "time\tC00") {
		t.Fatalf("invalid traces header: %q", lines[0])
	}
	if len(lines) < pixie.TraceLength {
		t.Fatalf("truncated traces file: %d lines", len(lines))
	}
}

func TestCompletion(t *testing.T) {
	ctl, _, _ := newTestController(t, pixie.DefaultConfig(1))
	go ctl.RunControl()
	defer quitController(t, ctl)

	_, words, _ := ctl.complete("sta", 3)
	if !contains(words, "startacq") || !contains(words, "startvme") || !contains(words, "stats") || !contains(words, "status") {
		t.Fatalf("invalid command completion: %v", words)
	}

	head, words, _ := ctl.complete("pread 0 0 TRIGGER_R", 19)
	if head != "pread 0 0 " {
		t.Fatalf("invalid completion head: %q", head)
	}
	if !contains(words, "TRIGGER_RISETIME") {
		t.Fatalf("invalid channel-parameter completion: %v", words)
	}

	_, words, _ = ctl.complete("pmwrite 0 MODULE_", 17)
	if !contains(words, "MODULE_CSRA") || !contains(words, "MODULE_CSRB") {
		t.Fatalf("invalid module-parameter completion: %v", words)
	}

	_, words, _ = ctl.complete("toggle 0 0 PILE", 15)
	if !contains(words, "PILEUPCTRL") {
		t.Fatalf("invalid CSRA-bit completion: %v", words)
	}
}

func contains(words []string, w string) bool {
	for _, v := range words {
		if v == w {
			return true
		}
	}
	return false
}
