// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// StatsHandler accumulates per-module, per-channel event and byte counters
// for the status bar and the periodic statistics dump.
type StatsHandler struct {
	mu  sync.Mutex
	msg *log.Logger

	nmod  int
	nchan int

	interval float64 // dump interval, in seconds

	totalTime float64
	sinceDump float64
	rateTime  float64

	events [][]uint64 // event totals
	bytes  [][]uint64 // byte totals
	rates  [][]uint64 // bytes since the last rate clear

	icr [][]float64 // input count rates, from the modules
	ocr [][]float64 // output count rates, from the modules
}

// NewStatsHandler returns a handler for nmod modules of nchan channels.
func NewStatsHandler(msg *log.Logger, nmod, nchan int) *StatsHandler {
	sh := &StatsHandler{
		msg:      msg,
		nmod:     nmod,
		nchan:    nchan,
		interval: -1,
		events:   grid[uint64](nmod, nchan),
		bytes:    grid[uint64](nmod, nchan),
		rates:    grid[uint64](nmod, nchan),
		icr:      grid[float64](nmod, nchan),
		ocr:      grid[float64](nmod, nchan),
	}
	return sh
}

func grid[T any](nmod, nchan int) [][]T {
	g := make([][]T, nmod)
	for i := range g {
		g[i] = make([]T, nchan)
	}
	return g
}

// SetDumpInterval sets the time between two statistics dumps, in seconds.
// A non-positive interval disables periodic dumps.
func (sh *StatsHandler) SetDumpInterval(secs float64) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.interval = secs
}

// AddEvent records one event of nbytes bytes on channel (mod, ch).
func (sh *StatsHandler) AddEvent(mod, ch int, nbytes uint64) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.events[mod][ch]++
	sh.bytes[mod][ch] += nbytes
	sh.rates[mod][ch] += nbytes
}

// SetXiaRates stores the per-channel input/output count rates of module mod.
func (sh *StatsHandler) SetXiaRates(mod int, icr, ocr []float64) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	copy(sh.icr[mod], icr)
	copy(sh.ocr[mod], ocr)
}

// AddTime accumulates dt seconds of run time and reports whether the
// dump interval has elapsed since the last dump.
func (sh *StatsHandler) AddTime(dt float64) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.totalTime += dt
	sh.sinceDump += dt
	sh.rateTime += dt
	if sh.interval > 0 && sh.sinceDump >= sh.interval {
		sh.sinceDump = 0
		return true
	}
	return false
}

// TotalTime returns the accumulated run time, in seconds.
func (sh *StatsHandler) TotalTime() float64 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.totalTime
}

// TotalDataRate returns the data rate over the current rate interval,
// in bytes per second.
func (sh *StatsHandler) TotalDataRate() float64 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.dataRate()
}

func (sh *StatsHandler) dataRate() float64 {
	if sh.rateTime <= 0 {
		return 0
	}
	var sum uint64
	for _, mod := range sh.rates {
		for _, v := range mod {
			sum += v
		}
	}
	return float64(sum) / sh.rateTime
}

// Dump logs a summary of the accumulated statistics.
func (sh *StatsHandler) Dump() {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	o := new(strings.Builder)
	fmt.Fprintf(o, "stats: time=%.3fs rate=%s/s", sh.totalTime, humanBytes(sh.dataRate()))
	for mod := range sh.events {
		var (
			nevt   uint64
			nbytes uint64
		)
		for ch := range sh.events[mod] {
			nevt += sh.events[mod][ch]
			nbytes += sh.bytes[mod][ch]
		}
		fmt.Fprintf(o, " m%d=(%d evts, %s)", mod, nevt, humanBytes(float64(nbytes)))
	}
	sh.msg.Printf("%s", o.String())
}

// ClearRates resets the rate interval counters.
func (sh *StatsHandler) ClearRates() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.rateTime = 0
	for mod := range sh.rates {
		for ch := range sh.rates[mod] {
			sh.rates[mod][ch] = 0
		}
	}
}

// ClearTotals resets the event and byte totals and the time accumulator.
func (sh *StatsHandler) ClearTotals() {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.totalTime = 0
	sh.sinceDump = 0
	for mod := range sh.events {
		for ch := range sh.events[mod] {
			sh.events[mod][ch] = 0
			sh.bytes[mod][ch] = 0
		}
	}
}

// Clear resets all counters.
func (sh *StatsHandler) Clear() {
	sh.ClearRates()
	sh.ClearTotals()
}

func humanBytes(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%.2f GB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.2f MB", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.2f kB", v/1e3)
	}
	return fmt.Sprintf("%.0f B", v)
}
