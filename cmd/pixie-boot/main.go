// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixie-boot brings up a complete Pixie-16 DAQ session.
//
// It prepares the output and log directories, asks the run database for
// the next run number, starts the helper processes (pixie-ctl watching
// the broadcast stream, pixie-env watching the crate sensors) with
// their logs and optional pmon resource monitoring, and then runs the
// interactive pixie-poll controller in the foreground. When the
// controller exits, the helpers are shut down in reverse order.
package main // import "github.com/go-pixie/daq/cmd/pixie-boot"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-pixie/daq/rundb"
	"github.com/sbinet/pmon"
)

func main() {
	log.SetPrefix("pixie-boot: ")
	log.SetFlags(0)

	var (
		odir   = flag.String("dir", "/data/pixie", "run-file directory")
		ldir   = flag.String("log", defaultLogDir(), "helper log directory")
		run    = flag.Int("run", 1, "next run number (raised to the run database's next run when that is higher)")
		dsn    = flag.String("rundb", "", "run database DSN (user:pw@tcp(host)/db)")
		doMon  = flag.Bool("pmon", false, "enable pmon monitoring of the helpers")
		doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)

	flag.Parse()

	err := xmain(*odir, *ldir, *run, *dsn, *doMon, *doFreq, flag.Args())
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func defaultLogDir() string {
	if dir := os.Getenv("PIXIELOGDIR"); dir != "" {
		return dir
	}
	return "/var/log/pixie"
}

func xmain(odir, ldir string, run int, dsn string, doMon bool, freq time.Duration, extra []string) error {
	for _, dir := range []string{odir, ldir} {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return fmt.Errorf("could not create %q: %w", dir, err)
		}
	}

	if dsn != "" {
		next, err := nextRun(dsn)
		if err != nil {
			return err
		}
		if next > run {
			log.Printf("run database hands out run %d", next)
			run = next
		}
	}

	helpers := []struct {
		name string
		args []string
	}{
		{name: "pixie-ctl"},
		{name: "pixie-env"},
	}

	var procs []*proc
	defer func() {
		// shut the helpers down in reverse start order.
		for i := len(procs) - 1; i >= 0; i-- {
			procs[i].stop()
		}
	}()

	for _, h := range helpers {
		p, err := start(h.name, h.args, ldir, doMon, freq)
		if err != nil {
			return fmt.Errorf("could not start helper %q: %w", h.name, err)
		}
		procs = append(procs, p)
	}

	return runController(odir, run, dsn, extra)
}

// nextRun asks the run database for the run number following the last
// recorded one.
func nextRun(dsn string) (int, error) {
	db, err := rundb.Open(dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	last, err := db.LastRun(ctx)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// runController runs the interactive controller in the foreground,
// wired to the operator's terminal. Interrupts are left to the
// controller, which owns the Ctrl-C semantics.
func runController(odir string, run int, dsn string, extra []string) error {
	args := []string{
		"-dir", odir,
		"-run", fmt.Sprint(run),
	}
	if dsn != "" {
		args = append(args, "-rundb", dsn)
	}
	args = append(args, extra...)

	cmd := exec.Command("pixie-poll", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		for range sig {
			// swallowed: the controller shares the terminal and
			// handles the interrupt itself.
		}
	}()

	log.Printf("starting run controller (run %d)...", run)
	err := cmd.Run()
	if err != nil {
		return fmt.Errorf("run controller failed: %w", err)
	}
	log.Printf("run controller exited")
	return nil
}

// proc is one supervised helper process with its log file and optional
// resource monitor.
type proc struct {
	name string
	cmd  *exec.Cmd
	out  *os.File
	mon  *pmon.Process
	wait chan error
}

func start(name string, args []string, ldir string, doMon bool, freq time.Duration) (*proc, error) {
	out, err := os.Create(filepath.Join(ldir, name+".log"))
	if err != nil {
		return nil, fmt.Errorf("could not create log file for %q: %w", name, err)
	}

	p := &proc{
		name: name,
		cmd:  exec.Command(name, args...),
		out:  out,
		wait: make(chan error, 1),
	}
	p.cmd.Stdout = out
	p.cmd.Stderr = out

	log.Printf("starting %q...", name)
	err = p.cmd.Start()
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("could not start %q: %w", name, err)
	}
	go func() { p.wait <- p.cmd.Wait() }()

	if doMon {
		err = p.monitor(ldir, freq)
		if err != nil {
			p.stop()
			return nil, err
		}
	}

	log.Printf("starting %q... [done]", name)
	return p, nil
}

func (p *proc) monitor(ldir string, freq time.Duration) error {
	mon, err := pmon.Monitor(p.cmd.Process.Pid)
	if err != nil {
		return fmt.Errorf("could not monitor %q (pid=%d): %w", p.name, p.cmd.Process.Pid, err)
	}

	f, err := os.Create(filepath.Join(ldir, p.name+"-pmon.log"))
	if err != nil {
		return fmt.Errorf("could not create pmon log file for %q: %w", p.name, err)
	}
	mon.W = f
	mon.Freq = freq
	p.mon = mon

	go func() {
		defer f.Close()
		err := mon.Run()
		if err != nil {
			log.Printf("could not monitor %q: %+v", p.name, err)
		}
	}()
	return nil
}

// stop asks the helper to wind down, escalating to a kill when it does
// not comply.
func (p *proc) stop() {
	const grace = 5 * time.Second

	log.Printf("stopping %q...", p.name)
	if p.mon != nil {
		err := p.mon.Kill()
		if err != nil {
			log.Printf("could not stop monitoring %q: %+v", p.name, err)
		}
	}

	err := p.cmd.Process.Signal(os.Interrupt)
	if err != nil {
		log.Printf("could not interrupt %q: %+v", p.name, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.wait:
	case <-timer.C:
		log.Printf("%q did not exit within %v, killing it", p.name, grace)
		_ = p.cmd.Process.Kill()
		<-p.wait
	}

	_ = p.out.Close()
	log.Printf("stopping %q... [done]", p.name)
}
