// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pixie

import (
	"fmt"
	"sync"
)

// Emulated is an in-memory Interface implementation.
//
// It keeps DSP parameters in maps, accumulates synthetic MCA histograms
// and serves list-mode data from per-module FIFO queues. Queues are fed
// either explicitly with Push or lazily through a generator function,
// so the run controller can be exercised end-to-end without a crate.
type Emulated struct {
	mu   sync.Mutex
	cfg  Config
	init bool

	status  []bool // per-module run status
	histRun bool
	ended   bool

	modPars  []map[string]Word
	chanPars [][]map[string]float64
	hists    [][][]Word

	fifo [][]Word
	gen  func(mod int) []Word

	histSteps int
}

var _ Interface = (*Emulated)(nil)

// NewEmulated returns an emulated crate with the given geometry.
func NewEmulated(cfg Config) *Emulated {
	emu := &Emulated{
		cfg:      cfg,
		status:   make([]bool, cfg.NumModules),
		modPars:  make([]map[string]Word, cfg.NumModules),
		chanPars: make([][]map[string]float64, cfg.NumModules),
		hists:    make([][][]Word, cfg.NumModules),
		fifo:     make([][]Word, cfg.NumModules),
	}
	for mod := 0; mod < cfg.NumModules; mod++ {
		emu.modPars[mod] = make(map[string]Word, len(ModParams))
		for _, name := range ModParams {
			emu.modPars[mod][name] = 0
		}
		emu.chanPars[mod] = make([]map[string]float64, cfg.NumChannels)
		emu.hists[mod] = make([][]Word, cfg.NumChannels)
		for ch := 0; ch < cfg.NumChannels; ch++ {
			emu.chanPars[mod][ch] = make(map[string]float64, len(ChanParams))
			for _, name := range ChanParams {
				emu.chanPars[mod][ch][name] = 0
			}
			emu.hists[mod][ch] = make([]Word, HistLength)
		}
	}
	return emu
}

// Push queues words on the emulated FIFO of module mod.
func (emu *Emulated) Push(mod int, words ...Word) {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	emu.fifo[mod] = append(emu.fifo[mod], words...)
}

// SetGenerator installs a function that refills the FIFO of a module
// whenever it runs dry during a run.
func (emu *Emulated) SetGenerator(gen func(mod int) []Word) {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	emu.gen = gen
}

func (emu *Emulated) Init() error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if emu.init {
		return fmt.Errorf("pixie: interface initialized twice")
	}
	emu.init = true
	return nil
}

func (emu *Emulated) Boot(mode BootMode) error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if !emu.init {
		return fmt.Errorf("pixie: boot before init")
	}
	return nil
}

func (emu *Emulated) Close() error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	emu.init = false
	return nil
}

func (emu *Emulated) Config() Config { return emu.cfg }

func (emu *Emulated) ModuleInfo(mod int) (rev int, serial uint32, bits, msps int, err error) {
	if mod < 0 || mod >= emu.cfg.NumModules {
		return 0, 0, 0, 0, fmt.Errorf("pixie: invalid module %d", mod)
	}
	return 0xF, uint32(1000 + mod), 14, 250, nil
}

func (emu *Emulated) ReadModPar(name string, mod int) (Word, error) {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	v, ok := emu.modPars[mod][name]
	if !ok {
		return 0, fmt.Errorf("pixie: unknown module parameter %q", name)
	}
	return v, nil
}

func (emu *Emulated) WriteModPar(name string, v Word, mod int) error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if _, ok := emu.modPars[mod][name]; !ok {
		return fmt.Errorf("pixie: unknown module parameter %q", name)
	}
	emu.modPars[mod][name] = v
	return nil
}

func (emu *Emulated) ReadChanPar(name string, mod, ch int) (float64, error) {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	v, ok := emu.chanPars[mod][ch][name]
	if !ok {
		return 0, fmt.Errorf("pixie: unknown channel parameter %q", name)
	}
	return v, nil
}

func (emu *Emulated) WriteChanPar(name string, v float64, mod, ch int) error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if _, ok := emu.chanPars[mod][ch][name]; !ok {
		return fmt.Errorf("pixie: unknown channel parameter %q", name)
	}
	emu.chanPars[mod][ch][name] = v
	return nil
}

func (emu *Emulated) SaveDSPParameters(fname string) error { return nil }

func (emu *Emulated) AcquireTraces(mod int) error {
	if mod < 0 || mod >= emu.cfg.NumModules {
		return fmt.Errorf("pixie: invalid module %d", mod)
	}
	return nil
}

func (emu *Emulated) ReadChanTrace(buf []uint16, mod, ch int) error {
	for i := range buf {
		v := 400 + ch
		// a square pulse in the middle of the trace
		if len(buf)/4 <= i && i < len(buf)/2 {
			v += 1000
		}
		buf[i] = uint16(v)
	}
	return nil
}

func (emu *Emulated) AdjustOffsets(mod int) error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	for ch := 0; ch < emu.cfg.NumChannels; ch++ {
		emu.chanPars[mod][ch]["VOFFSET"] = 0.1 * float64(ch)
	}
	return nil
}

func (emu *Emulated) FindTau(mod, ch int) (float64, error) {
	return 50 + float64(mod) + float64(ch)/100, nil
}

func (emu *Emulated) StartListModeRun(listMode, runMode uint16) error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if !emu.init {
		return fmt.Errorf("pixie: start before init")
	}
	emu.ended = false
	for mod := range emu.status {
		emu.status[mod] = true
	}
	return nil
}

func (emu *Emulated) StartHistogramRun() error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if !emu.init {
		return fmt.Errorf("pixie: start before init")
	}
	emu.histRun = true
	emu.ended = false
	emu.histSteps = 0
	for mod := range emu.status {
		emu.status[mod] = true
		for ch := 0; ch < emu.cfg.NumChannels; ch++ {
			for i := range emu.hists[mod][ch] {
				emu.hists[mod][ch][i] = 0
			}
		}
	}
	return nil
}

func (emu *Emulated) CheckRunStatus(mod int) bool {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if emu.ended {
		// a module stays busy until its FIFO backlog has been drained
		// below the minimum readout size.
		return len(emu.fifo[mod]) >= MinFIFORead
	}
	return emu.status[mod]
}

func (emu *Emulated) EndRun() error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	emu.histRun = false
	emu.ended = true
	for mod := range emu.status {
		emu.status[mod] = false
	}
	return nil
}

func (emu *Emulated) RemovePresetRunLength(mod int) error { return nil }

func (emu *Emulated) ReadHistogram(hist []Word, mod, ch int) error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if emu.histRun {
		// accumulate a deterministic peak so successive steps grow.
		emu.histSteps++
		base := (ch*251 + mod*67) % (HistLength - 8)
		for i := 0; i < 8; i++ {
			emu.hists[mod][ch][base+i] += Word(8 - i)
		}
	}
	copy(hist, emu.hists[mod][ch])
	return nil
}

func (emu *Emulated) GetStatistics(mod int) error { return nil }

func (emu *Emulated) InputCountRate(mod, ch int) float64 {
	return 100 + float64(mod*emu.cfg.NumChannels+ch)
}

func (emu *Emulated) OutputCountRate(mod, ch int) float64 {
	return 0.9 * emu.InputCountRate(mod, ch)
}

func (emu *Emulated) CheckFIFOWords(mod int) (Word, error) {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if emu.status[mod] && !emu.histRun && len(emu.fifo[mod]) == 0 && emu.gen != nil {
		emu.fifo[mod] = append(emu.fifo[mod], emu.gen(mod)...)
	}
	return Word(len(emu.fifo[mod])), nil
}

func (emu *Emulated) ReadFIFOWords(buf []Word, n Word, mod int) error {
	emu.mu.Lock()
	defer emu.mu.Unlock()

	if Word(len(emu.fifo[mod])) < n {
		return fmt.Errorf(
			"pixie: module %d has %d FIFO words, asked for %d",
			mod, len(emu.fifo[mod]), n,
		)
	}
	copy(buf[:n], emu.fifo[mod][:n])
	emu.fifo[mod] = emu.fifo[mod][n:]
	return nil
}

// SyntheticEvents builds n valid list-mode events for module mod of cfg,
// each size words long, cycling through the module channels.
func SyntheticEvents(cfg Config, mod, n int, size Word) []Word {
	out := make([]Word, 0, n*int(size))
	for i := 0; i < n; i++ {
		hdr := EventHeader{
			Chan: i % cfg.NumChannels,
			Slot: cfg.Slot(mod),
			Size: size,
		}
		out = append(out, EncodeEventHeader(hdr))
		for j := Word(1); j < size; j++ {
			out = append(out, Word(i)<<8|j)
		}
	}
	return out
}
