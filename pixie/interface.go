// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pixie

// BootMode selects how much of the module firmware is reloaded at boot.
type BootMode uint32

const (
	// BootAll reprograms FPGAs, downloads parameters and sets the DACs.
	BootAll BootMode = 0x7F
	// BootFast only downloads parameters, sets the DACs and programs
	// the signal-processing FPGA.
	BootFast BootMode = 0x70
)

// Interface is the contract the run controller consumes to drive a crate.
//
// Implementations are not safe for concurrent use: the run loop owns the
// interface for the lifetime of the controller.
type Interface interface {
	// Init initializes the underlying API. It must be called once,
	// before any other call.
	Init() error
	// Boot (re)boots all modules of the crate.
	Boot(mode BootMode) error
	// Close releases the underlying API.
	Close() error

	// Config returns the crate geometry.
	Config() Config
	// ModuleInfo returns the hardware revision, serial number, ADC bit
	// depth and sampling frequency (MS/s) of module mod.
	ModuleInfo(mod int) (rev int, serial uint32, bits, msps int, err error)

	// ReadModPar and WriteModPar access a module-level DSP parameter.
	ReadModPar(name string, mod int) (Word, error)
	WriteModPar(name string, v Word, mod int) error
	// ReadChanPar and WriteChanPar access a channel-level DSP parameter.
	ReadChanPar(name string, mod, ch int) (float64, error)
	WriteChanPar(name string, v float64, mod, ch int) error
	// SaveDSPParameters writes the DSP parameter set to fname,
	// or to the working set file when fname is empty.
	SaveDSPParameters(fname string) error

	// AcquireTraces captures ADC traces on module mod.
	// ReadChanTrace must be called afterwards to retrieve them.
	AcquireTraces(mod int) error
	ReadChanTrace(buf []uint16, mod, ch int) error
	// AdjustOffsets adjusts the DC offsets of module mod.
	AdjustOffsets(mod int) error
	// FindTau measures the exponential decay constant of channel
	// (mod, ch), in microseconds.
	FindTau(mod, ch int) (float64, error)

	// StartListModeRun starts a list-mode run on all modules.
	StartListModeRun(listMode, runMode uint16) error
	// StartHistogramRun starts an MCA run on all modules.
	StartHistogramRun() error
	// CheckRunStatus reports whether module mod is still running.
	CheckRunStatus(mod int) bool
	// EndRun instructs all modules to end the current run.
	EndRun() error
	// RemovePresetRunLength removes any preset run-length from module mod.
	RemovePresetRunLength(mod int) error

	// ReadHistogram reads the on-board MCA histogram of channel (mod, ch).
	ReadHistogram(hist []Word, mod, ch int) error

	// GetStatistics refreshes the run statistics of module mod;
	// InputCountRate and OutputCountRate report from that snapshot.
	GetStatistics(mod int) error
	InputCountRate(mod, ch int) float64
	OutputCountRate(mod, ch int) float64

	// CheckFIFOWords returns the number of words ready in the external
	// FIFO of module mod.
	CheckFIFOWords(mod int) (Word, error)
	// ReadFIFOWords reads n words from the external FIFO of module mod
	// into buf[:n].
	ReadFIFOWords(buf []Word, n Word, mod int) error
}
