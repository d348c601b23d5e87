// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"errors"
	"time"

	"github.com/go-pixie/daq/pixie"
)

// readFIFO performs one drain cycle: wait for a module FIFO to pass the
// threshold, read every module out into the spill buffer, validate the
// events, then write and broadcast the spill.
//
// A full FIFO, a failed read or corrupted data are run-scope fatal:
// the error flag is latched, a stop is requested and the cycle aborts.
func (ctl *Controller) readFIFO() bool {
	if !ctl.acqRunning.Load() {
		return false
	}

	var (
		nwords = make([]pixie.Word, ctl.cfg.NumModules)
		thresh = pixie.Word(ctl.threshWords.Load())
		max    pixie.Word
	)

	// tight poll: the SDK amortizes the per-module size queries.
	for try := 0; try < pollTries; try++ {
		max = 0
		for mod := range nwords {
			n, err := ctl.hw.CheckFIFOWords(mod)
			if err != nil {
				ctl.msg.Printf("could not check FIFO of module %d: %+v", mod, err)
				n = 0
			}
			nwords[mod] = n
			if n > max {
				max = n
			}
		}
		if max > thresh {
			break
		}
	}

	if max <= thresh && !ctl.run.forceSpill {
		return true
	}
	ctl.run.forceSpill = false

	var (
		buf   = ctl.run.buf
		total = 0 // words filled in the spill buffer
	)

	for mod := 0; mod < ctl.cfg.NumModules; mod++ {
		// counts are unsigned: a sign-bit pattern means the module
		// answered garbage. treat as empty, but say so.
		if nwords[mod] != 0 && nwords[mod]&0x80000000 != 0 {
			ctl.msg.Printf("WARNING number of FIFO words less than 0 in module %d", mod)
			nwords[mod] = 0
		}
		if nwords[mod] < pixie.MinFIFORead {
			// empty-module record
			buf[total] = 2
			buf[total+1] = pixie.Word(mod)
			total += 2
			continue
		}

		if nwords[mod] >= pixie.FIFOLength {
			ctl.msg.Printf(
				"ERROR full FIFO in module %d size: %d/%d ABORTING!",
				mod, nwords[mod], pixie.FIFOLength,
			)
			ctl.hadError.Store(true)
			ctl.run.stopAcq = true
			return false
		}

		// two header words: spill size (backfilled below) and module.
		hdr := total
		buf[hdr+1] = pixie.Word(mod)
		total = hdr + 2

		// any partial event from the previous spill leads the payload.
		npart := len(ctl.run.partial[mod])
		copy(buf[total:], ctl.run.partial[mod])

		err := ctl.hw.ReadFIFOWords(buf[total+npart:], nwords[mod], mod)
		if err != nil {
			ctl.msg.Printf(
				"ERROR unable to read %d words from module %d: %+v",
				nwords[mod], mod, err,
			)
			ctl.hadError.Store(true)
			ctl.run.stopAcq = true
			return false
		}

		if !ctl.quiet.Load() || ctl.debug.Load() {
			if npart != 0 {
				ctl.msg.Printf(
					"read %d words from module %d and stored %d partial event words to buffer position %d",
					nwords[mod], mod, npart, total,
				)
			} else {
				ctl.msg.Printf(
					"read %d words from module %d to buffer position %d",
					nwords[mod], mod, total,
				)
			}
		}

		nmod := int(nwords[mod]) + npart
		ctl.run.partial[mod] = ctl.run.partial[mod][:0]

		data := buf[total : total+nmod]
		carry, err := parseSpill(mod, ctl.cfg.Slot(mod), data,
			func(hdr pixie.EventHeader) {
				ctl.stats.AddEvent(mod, hdr.Chan, uint64(hdr.Size)*pixie.WordSize)
			})
		if err != nil {
			var cerr *CorruptionError
			ctl.msg.Printf("ERROR %+v", err)
			if errors.As(err, &cerr) {
				ctl.msg.Printf("\n%s", cerr.Dump())
			}
			ctl.hadError.Store(true)
			ctl.run.stopAcq = true
			return false
		}

		if carry > 0 {
			if ctl.debug.Load() {
				ctl.msg.Printf("partial event %d words at end of spill for module %d", carry, mod)
			}
			ctl.run.partial[mod] = append(ctl.run.partial[mod], data[nmod-carry:]...)
			nmod -= carry
		}

		buf[hdr] = pixie.Word(nmod + 2)
		total = hdr + 2 + nmod
	}

	spillTime := time.Since(ctl.run.startTime)
	durSpill := spillTime - ctl.run.lastSpill
	ctl.run.lastSpill = spillTime

	if ctl.stats.AddTime(durSpill.Seconds()) {
		ctl.readScalers()
		ctl.stats.Dump()
		ctl.stats.ClearRates()
	}

	data := buf[:total]
	if !ctl.quiet.Load() || ctl.debug.Load() {
		ctl.msg.Printf("writing/broadcasting %d words.", total)
	}
	if ctl.run.recordData {
		ctl.writeData(data)
	}
	ctl.broadcastData(data)

	return true
}
