// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixie-poll runs the Pixie-16 acquisition controller: an
// operator console driving list-mode runs, rolling .ldf run files, the
// downstream UDP broadcast and MCA histogram runs.
package main // import "github.com/go-pixie/daq/cmd/pixie-poll"

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/go-pixie/daq/pixie"
	"github.com/go-pixie/daq/poll"
	"github.com/go-pixie/daq/rundb"
)

func main() {
	log.SetPrefix("pixie-poll: ")
	log.SetFlags(0)

	var (
		nmod   = flag.Int("n", 2, "number of modules in the crate")
		cfgf   = flag.String("cfg", "", "path to a slot-definition file")
		odir   = flag.String("dir", "./", "output file directory")
		prefix = flag.String("prefix", "run", "output filename prefix")
		title  = flag.String("title", "PIXIE data file", "run title")
		run    = flag.Int("run", 1, "next run number")
		stats  = flag.Float64("stats", -1, "statistics dump interval (seconds)")
		thresh = flag.Float64("thresh", 50, "FIFO polling threshold (percent of FIFO capacity)")
		addr   = flag.String("addr", poll.DefaultBroadcastAddr, "downstream broadcast endpoint")
		dsn    = flag.String("rundb", "", "run database DSN (user:pw@tcp(host)/db)")
		fast   = flag.Bool("fast", false, "fast boot (no FPGA reprogramming)")
		quiet  = flag.Bool("quiet", false, "suppress per-spill output")
		debug  = flag.Bool("debug", false, "debug mode")

		emuRate = flag.Duration("emu-rate", 100*time.Millisecond, "synthetic event burst period of the emulated crate")
		emuEvts = flag.Int("emu-evts", 128, "synthetic events per burst and module")
	)

	flag.Parse()

	err := xmain(options{
		nmod: *nmod, cfg: *cfgf,
		dir: *odir, prefix: *prefix, title: *title, run: *run,
		stats: *stats, thresh: *thresh, addr: *addr, dsn: *dsn,
		fast: *fast, quiet: *quiet, debug: *debug,
		emuRate: *emuRate, emuEvts: *emuEvts,
	})
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type options struct {
	nmod    int
	cfg     string
	dir     string
	prefix  string
	title   string
	run     int
	stats   float64
	thresh  float64
	addr    string
	dsn     string
	fast    bool
	quiet   bool
	debug   bool
	emuRate time.Duration
	emuEvts int
}

func xmain(opts options) error {
	cfg := pixie.DefaultConfig(opts.nmod)
	if opts.cfg != "" {
		var err error
		cfg, err = pixie.LoadConfig(opts.cfg)
		if err != nil {
			return err
		}
	}

	hw := pixie.NewEmulated(cfg)
	hw.SetGenerator(generator(cfg, opts.emuRate, opts.emuEvts))

	popts := []poll.Option{
		poll.WithBroadcastAddr(opts.addr),
		poll.WithOutputDir(opts.dir),
		poll.WithPrefix(opts.prefix),
		poll.WithTitle(opts.title),
		poll.WithRunNumber(opts.run),
		poll.WithStatsInterval(opts.stats),
		poll.WithThreshold(opts.thresh),
		poll.WithBootFast(opts.fast),
		poll.WithQuiet(opts.quiet),
		poll.WithDebug(opts.debug),
	}

	if opts.dsn != "" {
		db, err := rundb.Open(opts.dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		popts = append(popts, poll.WithRunDB(db))
	}

	ctl, err := poll.New(hw, popts...)
	if err != nil {
		return err
	}
	defer ctl.Close()

	return ctl.Run(context.Background())
}

// generator produces one burst of synthetic list-mode events per module
// and period, so the emulated crate behaves like a slow beam.
func generator(cfg pixie.Config, period time.Duration, nevts int) func(mod int) []pixie.Word {
	last := make([]time.Time, cfg.NumModules)
	return func(mod int) []pixie.Word {
		if time.Since(last[mod]) < period {
			return nil
		}
		last[mod] = time.Now()
		return pixie.SyntheticEvents(cfg, mod, nevts, 8)
	}
}
