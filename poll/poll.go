// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package poll implements the Pixie-16 run controller: a command loop
// driving operator input and a run loop draining the module FIFOs into
// run files and onto the downstream broadcast socket.
package poll // import "github.com/go-pixie/daq/poll"

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-pixie/daq/pixie"
	"github.com/go-pixie/daq/rundb"
	"golang.org/x/sync/errgroup"
)

// pollTries is the number of FIFO-size polls per drain cycle before
// giving up waiting for the threshold. The loop does not sleep: the
// SDK amortizes the calls and latency matters more than CPU here.
const pollTries = 100

type config struct {
	addr string

	dir    string
	prefix string
	title  string
	run    int

	statsInterval float64
	threshPct     float64

	bootFast bool
	quiet    bool
	debug    bool

	rdb *rundb.DB
}

func newConfig() config {
	return config{
		addr:          DefaultBroadcastAddr,
		dir:           "./",
		prefix:        "run",
		title:         "PIXIE data file",
		run:           1,
		statsInterval: -1,
		threshPct:     50,
	}
}

// Option configures a Controller.
type Option func(*config)

// WithBroadcastAddr sets the downstream datagram endpoint.
func WithBroadcastAddr(addr string) Option {
	return func(cfg *config) { cfg.addr = addr }
}

// WithOutputDir sets the run-file directory.
func WithOutputDir(dir string) Option {
	return func(cfg *config) { cfg.dir = dir }
}

// WithPrefix sets the run-file name prefix.
func WithPrefix(p string) Option {
	return func(cfg *config) { cfg.prefix = p }
}

// WithTitle sets the run title.
func WithTitle(t string) Option {
	return func(cfg *config) { cfg.title = t }
}

// WithRunNumber sets the next run number.
func WithRunNumber(n int) Option {
	return func(cfg *config) { cfg.run = n }
}

// WithStatsInterval sets the statistics dump interval, in seconds.
func WithStatsInterval(secs float64) Option {
	return func(cfg *config) { cfg.statsInterval = secs }
}

// WithThreshold sets the FIFO polling threshold as a percentage of the
// FIFO capacity.
func WithThreshold(pct float64) Option {
	return func(cfg *config) { cfg.threshPct = pct }
}

// WithBootFast selects the fast boot path (no FPGA reprogramming).
func WithBootFast(on bool) Option {
	return func(cfg *config) { cfg.bootFast = on }
}

// WithQuiet suppresses per-spill console output.
func WithQuiet(on bool) Option {
	return func(cfg *config) { cfg.quiet = on }
}

// WithDebug enables debug mode: verbose output, synthetic file writes.
func WithDebug(on bool) Option {
	return func(cfg *config) { cfg.debug = on }
}

// WithRunDB records run bookkeeping to db.
func WithRunDB(db *rundb.DB) Option {
	return func(cfg *config) { cfg.rdb = db }
}

// Controller hosts the command loop and the run loop, and owns all of
// the acquisition state.
type Controller struct {
	msg *log.Logger
	hw  pixie.Interface
	cfg pixie.Config

	client *Broadcast
	out    *OutputFile
	stats  *StatsHandler
	rdb    *rundb.DB

	reqs chan request

	// cross-loop state. The run loop owns the transitions; the command
	// loop only reads, except hadError which it clears on every command
	// and killed which quit and kill set.
	hadError   atomic.Bool
	acqRunning atomic.Bool
	mcaActive  atomic.Bool
	fileOpen   atomic.Bool
	exited     atomic.Bool
	killed     atomic.Bool

	shmMode atomic.Bool
	quiet   atomic.Bool
	debug   atomic.Bool

	threshWords atomic.Uint32

	// output routing, guarded by the file-open/run-state preconditions
	// enforced in the command handlers.
	dir    atomic.Pointer[string]
	prefix atomic.Pointer[string]
	title  atomic.Pointer[string]
	runnum atomic.Int64

	bootFast bool

	run  runState
	tick time.Duration

	// pauseAfter asks the command loop to hold the terminal until the
	// operator acknowledges (crate reboot).
	pauseAfter bool

	lastStatus   string
	lastStatusAt time.Time

	init bool
}

// runState is the run-loop private state.
type runState struct {
	startAcq   bool
	record     bool
	runFor     float64
	stopAcq    bool
	reboot     bool
	forceSpill bool
	doMca      bool
	mcaFor     float64
	mcaName    string
	killAll    bool

	recordData bool
	mcaRunning bool

	acqStart  time.Time
	startTime time.Time
	lastSpill time.Duration

	partial [][]pixie.Word
	buf     []pixie.Word

	mca *Mca
}

// New builds a controller on top of hw: the interface is initialized,
// the modules are booted and synchronized, and the broadcast socket is
// dialed.
func New(hw pixie.Interface, opts ...Option) (*Controller, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	msg := log.New(os.Stdout, "poll: ", 0)

	ctl := &Controller{
		msg:      msg,
		hw:       hw,
		reqs:     make(chan request, 8),
		bootFast: cfg.bootFast,
		rdb:      cfg.rdb,
		tick:     1 * time.Second,
	}
	ctl.quiet.Store(cfg.quiet)
	ctl.debug.Store(cfg.debug)
	ctl.setDir(ensureSep(cfg.dir))
	ctl.setPrefix(cfg.prefix)
	ctl.setTitle(cfg.title)
	ctl.runnum.Store(int64(cfg.run))
	ctl.setThreshPct(cfg.threshPct)

	probeScheduler(msg)

	err := hw.Init()
	if err != nil {
		return nil, fmt.Errorf("poll: could not initialize interface: %w", err)
	}
	ctl.cfg = hw.Config()

	ctl.printModuleInfo()

	mode := pixie.BootAll
	if cfg.bootFast {
		mode = pixie.BootFast
	}
	err = hw.Boot(mode)
	if err != nil {
		return nil, fmt.Errorf("poll: could not boot modules: %w", err)
	}

	err = ctl.synchMods()
	if err != nil {
		return nil, fmt.Errorf("poll: could not synchronize modules: %w", err)
	}

	ctl.client, err = NewBroadcast(cfg.addr)
	if err != nil {
		return nil, err
	}

	ctl.out = NewOutputFile(msg)
	ctl.out.SetDebugMode(cfg.debug)

	ctl.stats = NewStatsHandler(msg, ctl.cfg.NumModules, ctl.cfg.NumChannels)
	ctl.stats.SetDumpInterval(cfg.statsInterval)

	ctl.run.partial = make([][]pixie.Word, ctl.cfg.NumModules)
	ctl.run.buf = make([]pixie.Word, (pixie.FIFOLength+2)*ctl.cfg.NumModules)

	ctl.init = true
	return ctl, nil
}

func (ctl *Controller) printModuleInfo() {
	for mod := 0; mod < ctl.cfg.NumModules; mod++ {
		rev, serial, bits, msps, err := ctl.hw.ModuleInfo(mod)
		if err != nil {
			continue
		}
		ctl.msg.Printf(
			"module %2d: serial number %4d, rev %X (%d), %d-bit %d MS/s",
			mod, serial, rev, rev, bits, msps,
		)
	}
}

// synchMods arms the crate-wide synchronization: SYNCH_WAIT on the
// first module, IN_SYNCH cleared everywhere.
func (ctl *Controller) synchMods() error {
	ctl.msg.Printf("synchronizing modules...")
	err := ctl.hw.WriteModPar("SYNCH_WAIT", 1, 0)
	if err != nil {
		return fmt.Errorf("poll: could not set SYNCH_WAIT: %w", err)
	}
	for mod := 0; mod < ctl.cfg.NumModules; mod++ {
		err = ctl.hw.WriteModPar("IN_SYNCH", 0, mod)
		if err != nil {
			return fmt.Errorf("poll: could not clear IN_SYNCH on module %d: %w", mod, err)
		}
	}
	ctl.msg.Printf("synchronizing modules... [done]")
	return nil
}

// Run drives the command loop and the run loop until shutdown.
func (ctl *Controller) Run(ctx context.Context) error {
	var grp errgroup.Group
	grp.Go(func() error {
		ctl.RunControl()
		return nil
	})
	grp.Go(func() error {
		return ctl.CommandControl(ctx)
	})
	return grp.Wait()
}

// Close tears the controller down: run file, broadcast socket,
// statistics, hardware interface, in that order.
func (ctl *Controller) Close() error {
	if !ctl.init {
		return nil
	}
	ctl.init = false

	if ctl.out.IsOpen() {
		ctl.closeOutputFile(false)
	}

	err := ctl.client.Close()
	if err != nil {
		ctl.msg.Printf("could not close broadcast client: %+v", err)
	}

	ctl.stats.Dump()

	err = ctl.hw.Close()
	if err != nil {
		return fmt.Errorf("poll: could not close interface: %w", err)
	}
	return nil
}

func (ctl *Controller) setDir(dir string)  { ctl.dir.Store(&dir) }
func (ctl *Controller) setPrefix(p string) { ctl.prefix.Store(&p) }
func (ctl *Controller) setTitle(t string)  { ctl.title.Store(&t) }
func (ctl *Controller) getDir() string     { return *ctl.dir.Load() }
func (ctl *Controller) getPrefix() string  { return *ctl.prefix.Load() }
func (ctl *Controller) getTitle() string   { return *ctl.title.Load() }

func (ctl *Controller) setThreshPct(pct float64) {
	words := uint32(pixie.FIFOLength * pct / 100)
	ctl.threshWords.Store(words)
	ctl.msg.Printf(
		"using FIFO threshold of %v%% (%d/%d words)",
		pct, words, pixie.FIFOLength,
	)
}

func ensureSep(dir string) string {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir
}

// openOutputFile opens the next run file and notifies downstream
// consumers.
func (ctl *Controller) openOutputFile(continueRun bool) error {
	ctl.msg.Printf("opening output file...")
	if ctl.out.IsOpen() {
		return fmt.Errorf("poll: a file is already open")
	}

	err := ctl.out.Open(
		ctl.getTitle(), int(ctl.runnum.Load()),
		ctl.getPrefix(), ctl.getDir(), continueRun,
	)
	if err != nil {
		ctl.msg.Printf("opening output file... [FAILED]")
		ctl.msg.Printf("|- check that the path is correct: %+v", err)
		return err
	}
	ctl.msg.Printf("opening output file... [ok]")
	ctl.msg.Printf("|- filename: %q", ctl.out.Filename())

	ctl.stats.Clear()
	ctl.stats.Dump()

	_ = ctl.client.SendOpenFile()
	ctl.fileOpen.Store(true)

	if ctl.rdb != nil && !continueRun {
		err := ctl.rdb.RecordStart(
			context.Background(), ctl.out.RunNumber(),
			ctl.getPrefix(), ctl.getTitle(), ctl.out.Filename(),
		)
		if err != nil {
			ctl.msg.Printf("could not record run start: %+v", err)
		}
	}
	return nil
}

// closeOutputFile closes the current run file and notifies downstream
// consumers. Without continueRun, the next run number is advanced past
// any file already on disk.
func (ctl *Controller) closeOutputFile(continueRun bool) bool {
	ctl.msg.Printf("closing output file...")
	if !ctl.out.IsOpen() {
		ctl.msg.Printf("closing output file... [WARNING]")
		ctl.msg.Printf("|- no file is open.")
		ctl.fileOpen.Store(false)
		return false
	}

	size := ctl.out.Filesize()
	run := ctl.out.RunNumber()

	err := ctl.out.Close(continueRun)
	if err != nil {
		ctl.msg.Printf("closing output file... [FAILED]")
		ctl.msg.Printf("|- %+v", err)
	} else {
		ctl.msg.Printf("closing output file... [ok]")
	}
	_ = ctl.client.SendCloseFile()
	ctl.fileOpen.Store(false)

	if !continueRun {
		if ctl.rdb != nil {
			err := ctl.rdb.RecordStop(
				context.Background(), run, size, ctl.hadError.Load(),
			)
			if err != nil {
				ctl.msg.Printf("could not record run stop: %+v", err)
			}
		}

		run := int(ctl.runnum.Load())
		ctl.out.NextFileName(&run, ctl.getPrefix(), ctl.getDir())
		ctl.runnum.Store(int64(run))
	}
	return err == nil
}

// writeData appends one spill to the run file, rolling the file over
// first when it would exceed the size cap.
func (ctl *Controller) writeData(data []pixie.Word) int {
	if !ctl.out.IsOpen() {
		ctl.msg.Printf("ERROR recording data, but no file is open!")
		ctl.run.stopAcq = true
		ctl.hadError.Store(true)
		return 0
	}

	nbytes := int64(len(data) * pixie.WordSize)
	if ctl.out.Filesize()+nbytes+eofReserve > maxFileSize {
		ctl.closeOutputFile(true)
		err := ctl.openOutputFile(true)
		if err != nil {
			ctl.run.stopAcq = true
			ctl.hadError.Store(true)
			return 0
		}
	}

	if !ctl.quiet.Load() {
		ctl.msg.Printf("writing %d words.", len(data))
	}

	n, err := ctl.out.Write(data)
	if err != nil {
		ctl.msg.Printf("could not write spill: %+v", err)
		ctl.run.stopAcq = true
		ctl.hadError.Store(true)
	}
	return n
}

// broadcastData publishes one spill: chunked datagrams in shm mode,
// a single notification packet otherwise.
func (ctl *Controller) broadcastData(data []pixie.Word) {
	if ctl.shmMode.Load() {
		if ctl.debug.Load() {
			nchunks := (len(data) + maxChunkWords - 1) / maxChunkWords
			ctl.msg.Printf(
				"debug: splitting %d words into a network spill of %d chunks (fragment=%d words)",
				len(data), nchunks, len(data)%maxChunkWords,
			)
		}
		err := ctl.client.SendSpill(data)
		if err != nil {
			ctl.msg.Printf("could not broadcast spill: %+v", err)
		}
		return
	}
	err := ctl.out.SendPacket(ctl.client)
	if err != nil {
		ctl.msg.Printf("could not broadcast spill notice: %+v", err)
	}
}

// readScalers refreshes the per-channel input/output count rates from
// the modules into the statistics handler.
func (ctl *Controller) readScalers() {
	icr := make([]float64, ctl.cfg.NumChannels)
	ocr := make([]float64, ctl.cfg.NumChannels)
	for mod := 0; mod < ctl.cfg.NumModules; mod++ {
		err := ctl.hw.GetStatistics(mod)
		if err != nil {
			ctl.msg.Printf("could not read statistics from module %d: %+v", mod, err)
			continue
		}
		for ch := 0; ch < ctl.cfg.NumChannels; ch++ {
			icr[ch] = ctl.hw.InputCountRate(mod, ch)
			ocr[ch] = ctl.hw.OutputCountRate(mod, ch)
		}
		ctl.stats.SetXiaRates(mod, icr, ocr)
	}
}

// updateStatus recomputes the one-line status and prints it when it
// changed, at most once every 500 ms.
func (ctl *Controller) updateStatus() {
	o := new(strings.Builder)
	switch {
	case ctl.hadError.Load():
		o.WriteString("[ERROR]")
	case ctl.acqRunning.Load() && ctl.run.recordData:
		o.WriteString("[ACQ]")
	case ctl.acqRunning.Load():
		o.WriteString("[ACQ*]") // acquiring, not recording
	case ctl.run.doMca:
		o.WriteString("[MCA]")
	default:
		o.WriteString("[IDLE]")
	}

	if ctl.fileOpen.Load() {
		fmt.Fprintf(o, " run %d", ctl.out.RunNumber())
	}

	if ctl.run.doMca && ctl.run.mca != nil {
		fmt.Fprintf(o, " %ds of %gs", int(ctl.run.mca.RunTime()), ctl.run.mcaFor)
	} else {
		fmt.Fprintf(o, " %ds", int64(ctl.stats.TotalTime()))
		fmt.Fprintf(o, " %s/s", humanBytes(ctl.stats.TotalDataRate()))
	}

	if ctl.fileOpen.Load() {
		fmt.Fprintf(o, " %s %s", humanBytes(float64(ctl.out.Filesize())), ctl.out.Filename())
	}

	status := o.String()
	if status != ctl.lastStatus && time.Since(ctl.lastStatusAt) > 500*time.Millisecond {
		ctl.lastStatus = status
		ctl.lastStatusAt = time.Now()
		ctl.msg.Printf("%s", status)
	}
}
