// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"time"

	"github.com/go-pixie/daq/pixie"
)

type reqKind uint8

const (
	reqStartAcq reqKind = iota
	reqStopAcq
	reqReboot
	reqForceSpill
	reqStartMca
	reqKillAll
	reqHwOp
)

// request is a message from the command loop to the run loop.
type request struct {
	kind reqKind

	record bool
	runFor float64 // seconds; <= 0 is unbounded

	mcaFor  float64 // seconds; 0 is unbounded
	mcaName string

	op   func(hw pixie.Interface) error
	done chan error
}

// post hands a request to the run loop. The channel is bounded; a full
// queue means the run loop is wedged and the request is dropped with a
// warning rather than blocking the terminal.
func (ctl *Controller) post(req request) {
	select {
	case ctl.reqs <- req:
	default:
		ctl.msg.Printf("run control is not accepting requests, dropping %v", req.kind)
	}
}

// pollRequests drains pending requests into the run-loop state.
// Requests are idempotent booleans: posting twice is posting once.
func (ctl *Controller) pollRequests() {
	for {
		select {
		case req := <-ctl.reqs:
			ctl.apply(req)
		default:
			return
		}
	}
}

func (ctl *Controller) apply(req request) {
	switch req.kind {
	case reqStartAcq:
		ctl.run.startAcq = true
		ctl.run.record = req.record
		ctl.run.runFor = req.runFor
	case reqStopAcq:
		ctl.run.stopAcq = true
	case reqReboot:
		ctl.run.reboot = true
	case reqForceSpill:
		ctl.run.forceSpill = true
	case reqStartMca:
		ctl.run.doMca = true
		ctl.run.mcaFor = req.mcaFor
		ctl.run.mcaName = req.mcaName
		ctl.mcaActive.Store(true)
	case reqKillAll:
		ctl.run.killAll = true
	case reqHwOp:
		req.done <- req.op(ctl.hw)
	}
}

// RunControl is the run loop. It owns the hardware interface, the
// output file and the broadcast client, and runs until kill-all.
func (ctl *Controller) RunControl() {
	for {
		ctl.pollRequests()

		if ctl.run.killAll { // supersedes all other requests
			if ctl.acqRunning.Load() || ctl.run.mcaRunning {
				ctl.run.stopAcq = true // safety catch
			} else {
				break
			}
		}

		if ctl.run.reboot {
			if ctl.acqRunning.Load() {
				ctl.run.stopAcq = true // safety catch
			} else {
				ctl.reboot()
			}
		}

		if ctl.run.doMca {
			if ctl.acqRunning.Load() {
				ctl.run.stopAcq = true
			} else {
				ctl.stepMca()
			}
		}

		if ctl.run.startAcq {
			ctl.startAcq()
		}

		if ctl.acqRunning.Load() {
			// enforce the wall-clock deadline of a timed run.
			if ctl.run.runFor > 0 &&
				time.Since(ctl.run.acqStart).Seconds() >= ctl.run.runFor {
				ctl.msg.Printf("timed run complete")
				ctl.run.stopAcq = true
				ctl.run.recordData = false
			}

			if ctl.run.stopAcq {
				ctl.stopAcq()
			} else {
				ctl.readFIFO()
			}
		}

		ctl.updateStatus()

		if !ctl.acqRunning.Load() && !ctl.run.doMca {
			ctl.idle()
		}
	}

	ctl.exited.Store(true)
	ctl.msg.Printf("run control exited")
}

// idle sleeps the run loop, waking early when a request arrives.
func (ctl *Controller) idle() {
	timer := time.NewTimer(ctl.tick)
	defer timer.Stop()
	select {
	case req := <-ctl.reqs:
		ctl.apply(req)
	case <-timer.C:
	}
}

// reboot reboots the crate. The command loop holds the terminal until
// the operator acknowledges.
func (ctl *Controller) reboot() {
	ctl.msg.Printf("attempting crate reboot")
	err := ctl.hw.Boot(pixie.BootAll)
	if err != nil {
		ctl.msg.Printf("could not reboot crate: %+v", err)
		ctl.hadError.Store(true)
	}
	ctl.run.reboot = false
}

// startAcq starts a list-mode run, opening a run file first when
// recording.
func (ctl *Controller) startAcq() {
	ctl.run.startAcq = false

	if ctl.acqRunning.Load() {
		ctl.msg.Printf("already running!")
		return
	}

	ctl.run.recordData = ctl.run.record
	if ctl.run.recordData {
		if ctl.out.IsOpen() {
			ctl.msg.Printf("WARNING unexpected output file open! closing it.")
			ctl.closeOutputFile(false)
		}
		err := ctl.openOutputFile(false)
		if err != nil {
			ctl.run.recordData = false
			ctl.hadError.Store(true)
			return
		}
	}

	err := ctl.hw.StartListModeRun(pixie.ListModeRun, pixie.NewRun)
	if err != nil {
		ctl.msg.Printf("failed to start list mode run. try rebooting: %+v", err)
		ctl.hadError.Store(true)
		if ctl.out.IsOpen() {
			ctl.closeOutputFile(false)
		}
		ctl.run.recordData = false
		return
	}

	now := time.Now()
	ctl.run.acqStart = now
	ctl.run.startTime = now
	ctl.run.lastSpill = 0
	ctl.acqRunning.Store(true)

	if ctl.run.recordData {
		ctl.msg.Printf("run %d started on %s", ctl.out.RunNumber(), now.Format(time.ANSIC))
	} else {
		ctl.msg.Printf("acq started on %s", now.Format(time.ANSIC))
	}
}

// stopAcq runs the end-of-run sequence: final drain, end-run, rescue of
// modules still holding words, statistics dump, file close.
func (ctl *Controller) stopAcq() {
	// read the remaining data out of the modules.
	if !ctl.hadError.Load() {
		ctl.readFIFO()
	}

	err := ctl.hw.EndRun()
	if err != nil {
		ctl.msg.Printf("could not end run: %+v", err)
		ctl.hadError.Store(true)
	}

	for mod := 0; mod < ctl.cfg.NumModules; mod++ {
		if ctl.hw.CheckRunStatus(mod) {
			if n, err := ctl.hw.CheckFIFOWords(mod); err == nil && !ctl.quiet.Load() {
				ctl.msg.Printf("module %d still has %d words in the FIFO.", mod, n)
			}
			// the remaining words may sit below the threshold.
			ctl.run.forceSpill = true
			time.Sleep(ctl.tick)
			if !ctl.hadError.Load() {
				ctl.readFIFO()
			}
		}

		marker := ""
		if len(ctl.run.partial[mod]) != 0 {
			marker = " (partial evt)"
			ctl.run.partial[mod] = ctl.run.partial[mod][:0]
		}
		if !ctl.hw.CheckRunStatus(mod) {
			ctl.msg.Printf("run end status in module %d%s... [ok]", mod, marker)
		} else {
			ctl.msg.Printf("run end status in module %d%s... [ERROR]", mod, marker)
			ctl.hadError.Store(true)
		}
	}

	now := time.Now()
	if ctl.run.recordData {
		ctl.msg.Printf("run %d stopped on %s", ctl.out.RunNumber(), now.Format(time.ANSIC))
	} else {
		ctl.msg.Printf("acq stopped on %s", now.Format(time.ANSIC))
	}

	ctl.stats.ClearRates()
	ctl.stats.Dump()
	ctl.stats.ClearTotals()

	if ctl.out.IsOpen() {
		ctl.closeOutputFile(false)
	}

	ctl.run.stopAcq = false
	ctl.run.recordData = false
	ctl.run.runFor = 0
	ctl.acqRunning.Store(false)
}

// stepMca drives the MCA lifecycle: creation, periodic stepping,
// deadline and stop handling.
func (ctl *Controller) stepMca() {
	if !ctl.run.mcaRunning {
		if ctl.run.mcaFor > 0 {
			ctl.msg.Printf("performing MCA data run for %g s", ctl.run.mcaFor)
		} else {
			ctl.msg.Printf("performing infinite MCA data run. type \"stop\" to quit")
		}

		mca, err := NewMca(ctl.msg, ctl.hw, ctl.run.mcaName)
		if err != nil {
			ctl.msg.Printf("could not initialize the MCA: %+v", err)
			ctl.run.doMca = false
			ctl.mcaActive.Store(false)
			ctl.hadError.Store(true)
			return
		}

		err = ctl.hw.RemovePresetRunLength(0)
		if err != nil {
			ctl.msg.Printf("could not remove preset run length: %+v", err)
		}

		err = ctl.hw.StartHistogramRun()
		if err != nil {
			ctl.msg.Printf("could not start histogram run: %+v", err)
			_ = mca.Close()
			ctl.run.doMca = false
			ctl.mcaActive.Store(false)
			ctl.hadError.Store(true)
			return
		}

		ctl.run.mca = mca
		ctl.run.mcaRunning = true
	}

	mca := ctl.run.mca
	if (ctl.run.mcaFor != 0 && mca.RunTime() >= ctl.run.mcaFor) || ctl.run.stopAcq {
		err := ctl.hw.EndRun()
		if err != nil {
			ctl.msg.Printf("could not end MCA run: %+v", err)
		}
		ctl.msg.Printf("ending MCA run.")
		ctl.msg.Printf("ran for %g s.", mca.RunTime())
		err = mca.Close()
		if err != nil {
			ctl.msg.Printf("could not close MCA output: %+v", err)
		}
		ctl.run.mca = nil
		ctl.run.stopAcq = false
		ctl.run.doMca = false
		ctl.run.mcaRunning = false
		ctl.mcaActive.Store(false)
		return
	}

	time.Sleep(ctl.tick)
	err := mca.Step()
	if err != nil {
		ctl.msg.Printf("MCA run TERMINATED: %+v", err)
		_ = ctl.hw.EndRun()
		_ = mca.Close()
		ctl.run.mca = nil
		ctl.run.doMca = false
		ctl.run.mcaRunning = false
		ctl.mcaActive.Store(false)
		ctl.hadError.Store(true)
	}
}
