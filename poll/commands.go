// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-pixie/daq/pixie"
)

// command is one entry of the operator command table.
type command struct {
	name    string
	aliases []string
	args    string
	help    string
	run     func(ctl *Controller, arg string, args []string) (exit bool)
}

var commands []*command

func init() {
	commands = []*command{
		{
			name: "run",
			help: "Start data acquisition and record data to disk",
			run: func(ctl *Controller, arg string, args []string) bool {
				ctl.startRun(true, -1)
				return false
			},
		},
		{
			name: "startacq", aliases: []string{"startvme"},
			help: "Start data acquisition",
			run: func(ctl *Controller, arg string, args []string) bool {
				ctl.startRun(false, -1)
				return false
			},
		},
		{
			name: "timedrun", args: "<seconds>",
			help: "Run for the specified number of seconds",
			run: func(ctl *Controller, arg string, args []string) bool {
				if len(args) < 1 {
					ctl.usage("timedrun <seconds>")
					return false
				}
				secs, err := strconv.ParseFloat(args[0], 64)
				if err != nil || secs <= 0 {
					ctl.msg.Printf("ERROR invalid length of time (%q)!", args[0])
					return false
				}
				ctl.startRun(true, secs)
				return false
			},
		},
		{
			name: "stop", aliases: []string{"stopacq", "stopvme"},
			help: "Stop data acquisition",
			run: func(ctl *Controller, arg string, args []string) bool {
				ctl.stopRun()
				return false
			},
		},
		{
			name: "spill", aliases: []string{"hup"},
			help: "Force dump of current spill",
			run: func(ctl *Controller, arg string, args []string) bool {
				switch {
				case ctl.mcaActive.Load():
					ctl.msg.Printf("command not available for MCA run")
				case !ctl.acqRunning.Load():
					ctl.msg.Printf("acquisition is not running")
				default:
					ctl.post(request{kind: reqForceSpill})
				}
				return false
			},
		},
		{
			name: "shm",
			help: "Toggle shared-memory (chunked broadcast) mode",
			run: func(ctl *Controller, arg string, args []string) bool {
				on := !ctl.shmMode.Load()
				ctl.shmMode.Store(on)
				ctl.msg.Printf("toggling shared-memory mode %s", onOff(on))
				return false
			},
		},
		{
			name: "mca", args: "[seconds] [basename]",
			help: "Use MCA to record data (0 = infinite run)",
			run:  cmdMca,
		},
		{
			name: "reboot",
			help: "Reboot the crate",
			run: func(ctl *Controller, arg string, args []string) bool {
				switch {
				case ctl.mcaActive.Load():
					ctl.msg.Printf("WARNING cannot reboot while MCA is running")
				case ctl.acqRunning.Load():
					ctl.msg.Printf("WARNING cannot reboot while acquisition running")
				default:
					ctl.post(request{kind: reqReboot})
					ctl.pauseAfter = true
				}
				return false
			},
		},
		{
			name: "fdir", args: "[path]",
			help: "Set the output file directory",
			run:  cmdFdir,
		},
		{
			name: "prefix", args: "[name]",
			help: "Set the output filename prefix",
			run:  cmdPrefix,
		},
		{
			name: "title", args: "[runTitle]",
			help: "Set the title of the current run",
			run:  cmdTitle,
		},
		{
			name: "runnum", args: "[number]",
			help: "Set the number of the next run",
			run:  cmdRunNum,
		},
		{
			name: "stats", args: "<seconds>",
			help: "Set the time delay between statistics dumps",
			run: func(ctl *Controller, arg string, args []string) bool {
				if len(args) < 1 {
					ctl.usage("stats <seconds>")
					return false
				}
				secs, err := strconv.ParseFloat(args[0], 64)
				if err != nil {
					ctl.msg.Printf("invalid stats interval %q", args[0])
					return false
				}
				ctl.stats.SetDumpInterval(secs)
				ctl.msg.Printf("set statistics dump interval to %g s", secs)
				return false
			},
		},
		{
			name: "thresh", args: "[percent]",
			help: "Modify or display the current polling threshold",
			run: func(ctl *Controller, arg string, args []string) bool {
				if len(args) >= 1 {
					pct, err := strconv.ParseFloat(args[0], 64)
					if err != nil {
						ctl.msg.Printf("invalid FIFO threshold specification")
						return false
					}
					ctl.setThreshPct(pct)
				}
				words := ctl.threshWords.Load()
				ctl.msg.Printf(
					"polling threshold = %.2f%% (%d/%d)",
					float64(words)/pixie.FIFOLength*100, words, pixie.FIFOLength,
				)
				return false
			},
		},
		{
			name: "debug",
			help: "Toggle debug mode",
			run: func(ctl *Controller, arg string, args []string) bool {
				on := !ctl.debug.Load()
				ctl.debug.Store(on)
				ctl.out.SetDebugMode(on)
				ctl.msg.Printf("toggling debug mode %s", onOff(on))
				return false
			},
		},
		{
			name: "quiet",
			help: "Toggle quiet mode",
			run: func(ctl *Controller, arg string, args []string) bool {
				on := !ctl.quiet.Load()
				ctl.quiet.Store(on)
				ctl.msg.Printf("toggling quiet mode %s", onOff(on))
				return false
			},
		},
		{
			name: "status",
			help: "Display system status information",
			run: func(ctl *Controller, arg string, args []string) bool {
				ctl.showStatus()
				return false
			},
		},
		{
			name: "dump", args: "[filename]",
			help: "Dump DSP settings to file (default='Fallback.set')",
			run:  cmdDump,
		},
		{
			name: "pread", args: "<mod> <chan> <param>",
			help: "Read parameters from individual channels",
			run:  cmdPread,
		},
		{
			name: "pmread", args: "<mod> <param>",
			help: "Read parameters from modules",
			run:  cmdPmread,
		},
		{
			name: "pwrite", args: "<mod> <chan> <param> <val>",
			help: "Write parameters to individual channels",
			run:  cmdPwrite,
		},
		{
			name: "pmwrite", args: "<mod> <param> <val>",
			help: "Write parameters to modules",
			run:  cmdPmwrite,
		},
		{
			name: "adjust_offsets", args: "<module>",
			help: "Adjust the baselines of a module",
			run:  cmdAdjustOffsets,
		},
		{
			name: "find_tau", args: "<module> <channel>",
			help: "Find the decay constant for an active channel",
			run:  cmdFindTau,
		},
		{
			name: "toggle", args: "<module> <channel> <bit>",
			help: "Toggle a CHANNEL_CSRA bit for a channel",
			run:  cmdToggle,
		},
		{
			name: "toggle_bit", args: "<mod> <chan> <param> <bit>",
			help: "Toggle any bit of any parameter of 32 bits or less",
			run:  cmdToggleBit,
		},
		{
			name: "csr_test", args: "<number>",
			help: "Output the CSRA parameters for a given integer",
			run:  cmdCsrTest,
		},
		{
			name: "bit_test", args: "<num_bits> <number>",
			help: "Display active bits in a given integer",
			run:  cmdBitTest,
		},
		{
			name: "get_traces", args: "<mod> <chan> [threshold]",
			help: "Get traces for all channels in a specified module",
			run:  cmdGetTraces,
		},
		{
			name: "save", args: "[setFilename]",
			help: "Write the DSP parameters to a settings file",
			run:  cmdSave,
		},
		{
			name: "help", aliases: []string{"h"},
			help: "Display this dialogue",
			run: func(ctl *Controller, arg string, args []string) bool {
				ctl.showHelp()
				return false
			},
		},
		{
			name: "quit", aliases: []string{"exit"},
			help: "Close the program",
			run: func(ctl *Controller, arg string, args []string) bool {
				switch {
				case ctl.mcaActive.Load():
					ctl.msg.Printf("WARNING cannot quit while MCA program is running")
				case ctl.acqRunning.Load():
					ctl.msg.Printf("WARNING cannot quit while acquisition running")
				default:
					ctl.killed.Store(true)
					ctl.post(request{kind: reqKillAll})
					ctl.waitRunExit()
					return true
				}
				return false
			},
		},
		{
			name: "kill",
			help: "Stop everything and close the program",
			run: func(ctl *Controller, arg string, args []string) bool {
				if ctl.acqRunning.Load() || ctl.mcaActive.Load() {
					ctl.msg.Printf("sending KILL signal")
					ctl.post(request{kind: reqStopAcq})
				}
				ctl.killed.Store(true)
				ctl.post(request{kind: reqKillAll})
				ctl.waitRunExit()
				return true
			},
		},
	}
}

var cmdTable = make(map[string]*command)

func init() {
	for _, cmd := range commands {
		cmdTable[cmd.name] = cmd
		for _, alias := range cmd.aliases {
			cmdTable[alias] = cmd
		}
	}
}

// execute parses and runs one operator command line. It reports whether
// the command loop should exit.
func (ctl *Controller) execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	fields := strings.Fields(line)
	name := fields[0]
	args := fields[1:]
	arg := strings.TrimSpace(strings.TrimPrefix(line, name))

	// the error flag is cleared whenever a command is entered.
	ctl.hadError.Store(false)

	if name == "_SIGSEGV_" {
		ctl.msg.Printf("ERROR SEGMENTATION FAULT")
		_ = ctl.Close()
		os.Exit(1)
	}

	cmd, ok := cmdTable[name]
	if !ok {
		ctl.msg.Printf("unknown command %q", name)
		return false
	}
	return cmd.run(ctl, arg, args)
}

func (ctl *Controller) usage(syntax string) {
	ctl.msg.Printf("invalid number of parameters")
	ctl.msg.Printf(" -SYNTAX- %s", syntax)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// startRun requests a list-mode run. A negative duration runs until
// stopped.
func (ctl *Controller) startRun(record bool, secs float64) {
	switch {
	case ctl.mcaActive.Load():
		ctl.msg.Printf("WARNING cannot run acquisition while MCA program is running")
		return
	case ctl.acqRunning.Load():
		ctl.msg.Printf("acquisition is already running")
		return
	}

	if secs > 0 {
		ctl.msg.Printf("running for approximately %g seconds.", secs)
	}
	ctl.post(request{kind: reqStartAcq, record: record, runFor: secs})
}

// stopRun requests the end of the current acquisition or MCA run.
func (ctl *Controller) stopRun() {
	if !ctl.acqRunning.Load() && !ctl.mcaActive.Load() {
		ctl.msg.Printf("acquisition is not running")
		return
	}
	if ctl.acqRunning.Load() && ctl.fileOpen.Load() {
		ctl.msg.Printf("run %d time: %gs", ctl.out.RunNumber(), ctl.stats.TotalTime())
	}
	ctl.post(request{kind: reqStopAcq})
}

// waitRunExit blocks until the run loop has exited.
func (ctl *Controller) waitRunExit() {
	for !ctl.exited.Load() {
		time.Sleep(100 * time.Millisecond)
	}
}

func cmdMca(ctl *Controller, arg string, args []string) bool {
	if ctl.mcaActive.Load() {
		ctl.msg.Printf("MCA program is already running")
		return false
	}
	if ctl.acqRunning.Load() {
		ctl.msg.Printf("WARNING cannot run MCA program while acquisition is running")
		return false
	}

	var (
		secs = 10.0
		name = "mca"
	)
	switch len(args) {
	case 0:
	case 1:
		if v, err := strconv.ParseFloat(args[0], 64); err == nil {
			secs = v
		} else {
			secs = 0
			name = args[0]
		}
	default:
		// order-insensitive when one argument is numeric
		switch {
		case isNumeric(args[0]):
			secs, _ = strconv.ParseFloat(args[0], 64)
			name = args[1]
		case isNumeric(args[1]):
			secs, _ = strconv.ParseFloat(args[1], 64)
			name = args[0]
		default:
			ctl.msg.Printf("mca only accepts a numeric time!")
			return false
		}
		if len(args) > 2 {
			ctl.msg.Printf("too many arguments provided to mca, ignoring additional args.")
		}
	}

	if secs > 0 {
		ctl.msg.Printf("setting up a %g s MCA run into %s.root", secs, name)
	} else {
		ctl.msg.Printf("setting up an infinite MCA run into %s.root", name)
	}
	ctl.post(request{kind: reqStartMca, mcaFor: secs, mcaName: name})
	return false
}

func cmdFdir(ctl *Controller, arg string, args []string) bool {
	switch {
	case arg == "":
		ctl.msg.Printf("using output directory %q", ctl.getDir())
	case ctl.fileOpen.Load():
		ctl.msg.Printf("WARNING directory cannot be changed while a file is open!")
	default:
		ctl.setDir(ensureSep(arg))
		ctl.msg.Printf("set output directory to %q.", ctl.getDir())
		ctl.checkNextFile(true)
	}
	return false
}

func cmdPrefix(ctl *Controller, arg string, args []string) bool {
	switch {
	case arg == "":
		ctl.msg.Printf("using output filename prefix %q.", ctl.getPrefix())
	case ctl.fileOpen.Load():
		ctl.msg.Printf("WARNING prefix cannot be changed while a file is open!")
	default:
		ctl.setPrefix(arg)
		ctl.runnum.Store(1)
		ctl.msg.Printf("set output filename prefix to %q.", ctl.getPrefix())
		ctl.checkNextFile(true)
	}
	return false
}

// checkNextFile scans the output directory for run-file collisions,
// advancing the next run number past them.
func (ctl *Controller) checkNextFile(warn bool) string {
	run := int(ctl.runnum.Load())
	prev := run
	fname := ctl.out.NextFileName(&run, ctl.getPrefix(), ctl.getDir())
	ctl.runnum.Store(int64(run))
	if warn && run != prev {
		ctl.msg.Printf("WARNING run file existed for run %d! next run number will be %d.", prev, run)
	}
	ctl.msg.Printf("next file will be %q.", fname)
	return fname
}

func cmdTitle(ctl *Controller, arg string, args []string) bool {
	switch {
	case arg == "":
		ctl.msg.Printf("using output file title %q.", ctl.getTitle())
	case ctl.fileOpen.Load():
		ctl.msg.Printf("WARNING run title cannot be changed while a file is open!")
	default:
		title := arg
		if strings.HasPrefix(title, `"`) && strings.HasSuffix(title, `"`) && len(title) > 1 {
			title = title[1 : len(title)-1]
		}
		if len(title) > titleSize {
			ctl.msg.Printf(
				"WARNING title length %d characters too long for ldf format!",
				len(title)-titleSize,
			)
			title = title[:titleSize]
		}
		ctl.setTitle(title)
		ctl.msg.Printf("set run title to %q.", title)
	}
	return false
}

func cmdRunNum(ctl *Controller, arg string, args []string) bool {
	switch {
	case arg == "":
		if ctl.fileOpen.Load() {
			ctl.msg.Printf("current output file run number %d.", ctl.out.RunNumber())
		}
		ctl.msg.Printf(
			"next output file run number %d for prefix %q.",
			ctl.runnum.Load(), ctl.getPrefix(),
		)
	case ctl.fileOpen.Load():
		ctl.msg.Printf("WARNING run number cannot be changed while a file is open!")
	default:
		run, err := strconv.Atoi(arg)
		if err != nil || run < 0 {
			ctl.msg.Printf("invalid run number %q", arg)
			return false
		}
		ctl.runnum.Store(int64(run))
		ctl.checkNextFile(true)
		ctl.msg.Printf("set run number to %d.", ctl.runnum.Load())
	}
	return false
}

func (ctl *Controller) showStatus() {
	p := func(format string, args ...interface{}) {
		ctl.msg.Printf(format, args...)
	}
	p("run status:")
	p("  acq running     - %v", ctl.acqRunning.Load())
	p("  MCA running     - %v", ctl.mcaActive.Load())
	p("  file open       - %v", ctl.fileOpen.Load())
	p("  had error       - %v", ctl.hadError.Load())
	p("  run ctrl exited - %v", ctl.exited.Load())
	p("options:")
	p("  boot fast    - %v", ctl.bootFast)
	p("  shared mem   - %v", ctl.shmMode.Load())
	p("  is quiet     - %v", ctl.quiet.Load())
	p("  debug mode   - %v", ctl.debug.Load())
	p("  initialized  - %v", ctl.init)
	p("output:")
	p("  directory - %q", ctl.getDir())
	p("  prefix    - %q", ctl.getPrefix())
	p("  title     - %q", ctl.getTitle())
	p("  next run  - %d", ctl.runnum.Load())
	p("  threshold - %d/%d words", ctl.threshWords.Load(), pixie.FIFOLength)
}

func (ctl *Controller) showHelp() {
	names := make([]string, 0, len(commands))
	width := 0
	for _, cmd := range commands {
		name := cmd.name
		if len(cmd.aliases) != 0 {
			name += " (" + strings.Join(cmd.aliases, ", ") + ")"
		}
		if cmd.args != "" {
			name += " " + cmd.args
		}
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	ctl.msg.Printf("help:")
	for i, cmd := range commands {
		ctl.msg.Printf("  %-*s - %s", width, names[i], cmd.help)
	}
}

func (ctl *Controller) pchanHelp() {
	ctl.msg.Printf("valid channel parameters:")
	for _, name := range pixie.ChanParams {
		ctl.msg.Printf("  %s", name)
	}
}

func (ctl *Controller) pmodHelp() {
	ctl.msg.Printf("valid module parameters:")
	for _, name := range pixie.ModParams {
		ctl.msg.Printf("  %s", name)
	}
}

// guardParamEdit refuses parameter access while a run is in progress.
func (ctl *Controller) guardParamEdit() bool {
	if ctl.acqRunning.Load() || ctl.mcaActive.Load() {
		ctl.msg.Printf("WARNING cannot edit parameters while acquisition is running")
		return false
	}
	return true
}

// parseRange parses "N" or "N:M" module/channel ranges.
func parseRange(s string) (lo, hi int, err error) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		lo, err = strconv.Atoi(s[:i])
		if err != nil {
			return 0, 0, fmt.Errorf("poll: invalid range %q", s)
		}
		hi, err = strconv.Atoi(s[i+1:])
		if err != nil {
			return 0, 0, fmt.Errorf("poll: invalid range %q", s)
		}
	} else {
		lo, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, fmt.Errorf("poll: invalid range %q", s)
		}
		hi = lo
	}
	if lo < 0 || hi < 0 || lo > hi {
		return 0, 0, fmt.Errorf("poll: invalid range %q", s)
	}
	return lo, hi, nil
}

func (ctl *Controller) modRange(s string) (lo, hi int, ok bool) {
	lo, hi, err := parseRange(s)
	if err != nil || hi >= ctl.cfg.NumModules {
		ctl.msg.Printf("ERROR invalid module argument: %q", s)
		return 0, 0, false
	}
	return lo, hi, true
}

func (ctl *Controller) chanRange(s string) (lo, hi int, ok bool) {
	lo, hi, err := parseRange(s)
	if err != nil || hi >= ctl.cfg.NumChannels {
		ctl.msg.Printf("ERROR invalid channel argument: %q", s)
		return 0, 0, false
	}
	return lo, hi, true
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	if err == nil {
		return true
	}
	_, err = strconv.ParseUint(s, 0, 64)
	return err == nil
}

// parseValue parses a numeric argument: decimal, optional sign,
// or hexadecimal with a 0x prefix.
func parseValue(s string) (float64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("poll: invalid value %q", s)
		}
		return float64(v), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("poll: invalid value %q", s)
	}
	return v, nil
}

func cmdPread(ctl *Controller, arg string, args []string) bool {
	if len(args) > 0 && args[0] == "help" {
		ctl.pchanHelp()
		return false
	}
	if !ctl.guardParamEdit() {
		return false
	}
	if len(args) < 3 {
		ctl.usage("pread <module> <channel> <parameter>")
		return false
	}
	mlo, mhi, ok := ctl.modRange(args[0])
	if !ok {
		return false
	}
	clo, chi, ok := ctl.chanRange(args[1])
	if !ok {
		return false
	}
	name := args[2]

	err := ctl.hwDo(func(hw pixie.Interface) error {
		for mod := mlo; mod <= mhi; mod++ {
			for ch := clo; ch <= chi; ch++ {
				v, err := hw.ReadChanPar(name, mod, ch)
				if err != nil {
					return err
				}
				ctl.msg.Printf("module %d, channel %d: %s = %v", mod, ch, name, v)
			}
		}
		return nil
	})
	if err != nil {
		ctl.msg.Printf("could not read %s: %+v", name, err)
	}
	return false
}

func cmdPmread(ctl *Controller, arg string, args []string) bool {
	if len(args) > 0 && args[0] == "help" {
		ctl.pmodHelp()
		return false
	}
	if !ctl.guardParamEdit() {
		return false
	}
	if len(args) < 2 {
		ctl.usage("pmread <module> <parameter>")
		return false
	}
	mlo, mhi, ok := ctl.modRange(args[0])
	if !ok {
		return false
	}
	name := args[1]

	err := ctl.hwDo(func(hw pixie.Interface) error {
		for mod := mlo; mod <= mhi; mod++ {
			v, err := hw.ReadModPar(name, mod)
			if err != nil {
				return err
			}
			ctl.msg.Printf("module %d: %s = %d (0x%x)", mod, name, v, v)
		}
		return nil
	})
	if err != nil {
		ctl.msg.Printf("could not read %s: %+v", name, err)
	}
	return false
}

func cmdPwrite(ctl *Controller, arg string, args []string) bool {
	if len(args) > 0 && args[0] == "help" {
		ctl.pchanHelp()
		return false
	}
	if !ctl.guardParamEdit() {
		return false
	}
	if len(args) < 4 {
		ctl.usage("pwrite <module> <channel> <parameter> <value>")
		return false
	}
	mlo, mhi, ok := ctl.modRange(args[0])
	if !ok {
		return false
	}
	clo, chi, ok := ctl.chanRange(args[1])
	if !ok {
		return false
	}
	name := args[2]
	v, err := parseValue(args[3])
	if err != nil {
		ctl.msg.Printf("ERROR invalid parameter value: %q", args[3])
		return false
	}

	err = ctl.hwDo(func(hw pixie.Interface) error {
		for mod := mlo; mod <= mhi; mod++ {
			for ch := clo; ch <= chi; ch++ {
				err := hw.WriteChanPar(name, v, mod, ch)
				if err != nil {
					return err
				}
			}
		}
		return hw.SaveDSPParameters("")
	})
	if err != nil {
		ctl.msg.Printf("could not write %s: %+v", name, err)
		return false
	}
	ctl.msg.Printf("wrote %s = %v", name, v)
	return false
}

func cmdPmwrite(ctl *Controller, arg string, args []string) bool {
	if len(args) > 0 && args[0] == "help" {
		ctl.pmodHelp()
		return false
	}
	if !ctl.guardParamEdit() {
		return false
	}
	if len(args) < 3 {
		ctl.usage("pmwrite <module> <parameter> <value>")
		return false
	}
	mlo, mhi, ok := ctl.modRange(args[0])
	if !ok {
		return false
	}
	name := args[1]
	v, err := strconv.ParseUint(args[2], 0, 32)
	if err != nil {
		ctl.msg.Printf("ERROR invalid parameter value: %q", args[2])
		return false
	}

	err = ctl.hwDo(func(hw pixie.Interface) error {
		for mod := mlo; mod <= mhi; mod++ {
			err := hw.WriteModPar(name, pixie.Word(v), mod)
			if err != nil {
				return err
			}
		}
		return hw.SaveDSPParameters("")
	})
	if err != nil {
		ctl.msg.Printf("could not write %s: %+v", name, err)
		return false
	}
	ctl.msg.Printf("wrote %s = %d", name, v)
	return false
}

func cmdDump(ctl *Controller, arg string, args []string) bool {
	if !ctl.guardParamEdit() {
		return false
	}
	fname := "./Fallback.set"
	if len(args) >= 1 {
		fname = args[0]
	}

	f, err := os.Create(fname)
	if err != nil {
		ctl.msg.Printf("failed to open output file %q", fname)
		ctl.msg.Printf("check that the path is correct")
		return false
	}
	defer f.Close()

	fmt.Fprintf(f, "# pixie DSP parameter dump %s\n", time.Now().Format(time.ANSIC))

	err = ctl.hwDo(func(hw pixie.Interface) error {
		for _, name := range pixie.ChanParams {
			for mod := 0; mod < ctl.cfg.NumModules; mod++ {
				for ch := 0; ch < ctl.cfg.NumChannels; ch++ {
					v, err := hw.ReadChanPar(name, mod, ch)
					if err != nil {
						return err
					}
					fmt.Fprintf(f, "pwrite %d %d %s %v\n", mod, ch, name, v)
				}
			}
		}
		for _, name := range pixie.ModParams {
			for mod := 0; mod < ctl.cfg.NumModules; mod++ {
				v, err := hw.ReadModPar(name, mod)
				if err != nil {
					return err
				}
				fmt.Fprintf(f, "pmwrite %d %s %d\n", mod, name, v)
			}
		}
		return nil
	})
	if err != nil {
		ctl.msg.Printf("could not dump parameters: %+v", err)
		return false
	}

	err = f.Close()
	if err != nil {
		ctl.msg.Printf("could not close %q: %+v", fname, err)
		return false
	}
	ctl.msg.Printf("successfully wrote output parameter file %q", fname)
	return false
}

func cmdAdjustOffsets(ctl *Controller, arg string, args []string) bool {
	if !ctl.guardParamEdit() {
		return false
	}
	if len(args) < 1 {
		ctl.usage("adjust_offsets <module>")
		return false
	}
	mlo, mhi, ok := ctl.modRange(args[0])
	if !ok {
		return false
	}

	err := ctl.hwDo(func(hw pixie.Interface) error {
		for mod := mlo; mod <= mhi; mod++ {
			err := hw.AdjustOffsets(mod)
			if err != nil {
				return err
			}
		}
		return hw.SaveDSPParameters("")
	})
	if err != nil {
		ctl.msg.Printf("could not adjust offsets: %+v", err)
		return false
	}
	ctl.msg.Printf("adjusted offsets on modules %d:%d", mlo, mhi)
	return false
}

func cmdFindTau(ctl *Controller, arg string, args []string) bool {
	if !ctl.guardParamEdit() {
		return false
	}
	if len(args) < 2 {
		ctl.usage("find_tau <module> <channel>")
		return false
	}
	mlo, mhi, ok := ctl.modRange(args[0])
	if !ok || mlo != mhi {
		if ok {
			ctl.msg.Printf("ERROR invalid module specification")
		}
		return false
	}
	clo, chi, ok := ctl.chanRange(args[1])
	if !ok || clo != chi {
		if ok {
			ctl.msg.Printf("ERROR invalid channel specification")
		}
		return false
	}

	err := ctl.hwDo(func(hw pixie.Interface) error {
		tau, err := hw.FindTau(mlo, clo)
		if err != nil {
			return err
		}
		ctl.msg.Printf("module %d, channel %d: tau = %g us", mlo, clo, tau)
		return nil
	})
	if err != nil {
		ctl.msg.Printf("could not find tau: %+v", err)
	}
	return false
}

// csraBit resolves a CHANNEL_CSRA bit given by name or number.
func csraBit(s string) (int, bool) {
	for bit, name := range pixie.CSRABits {
		if strings.EqualFold(name, s) {
			return bit, true
		}
	}
	bit, err := strconv.Atoi(s)
	if err != nil || bit < 0 || bit >= len(pixie.CSRABits) {
		return 0, false
	}
	return bit, true
}

func cmdToggle(ctl *Controller, arg string, args []string) bool {
	if !ctl.guardParamEdit() {
		return false
	}
	if len(args) < 3 {
		ctl.usage("toggle <module> <channel> <CSRA bit>")
		return false
	}
	mlo, mhi, ok := ctl.modRange(args[0])
	if !ok {
		return false
	}
	clo, chi, ok := ctl.chanRange(args[1])
	if !ok {
		return false
	}
	bit, ok := csraBit(args[2])
	if !ok {
		ctl.msg.Printf("ERROR invalid CSRA bit: %q", args[2])
		return false
	}

	err := ctl.hwDo(func(hw pixie.Interface) error {
		for mod := mlo; mod <= mhi; mod++ {
			for ch := clo; ch <= chi; ch++ {
				v, err := hw.ReadChanPar("CHANNEL_CSRA", mod, ch)
				if err != nil {
					return err
				}
				next := uint32(v) ^ (1 << bit)
				err = hw.WriteChanPar("CHANNEL_CSRA", float64(next), mod, ch)
				if err != nil {
					return err
				}
				ctl.msg.Printf(
					"module %d, channel %d: CHANNEL_CSRA 0x%x -> 0x%x (%s)",
					mod, ch, uint32(v), next, pixie.CSRABits[bit],
				)
			}
		}
		return hw.SaveDSPParameters("")
	})
	if err != nil {
		ctl.msg.Printf("could not toggle CSRA bit: %+v", err)
	}
	return false
}

func cmdToggleBit(ctl *Controller, arg string, args []string) bool {
	if !ctl.guardParamEdit() {
		return false
	}
	if len(args) < 4 {
		ctl.usage("toggle_bit <module> <channel> <parameter> <bit>")
		return false
	}
	mlo, mhi, ok := ctl.modRange(args[0])
	if !ok || mlo != mhi {
		if ok {
			ctl.msg.Printf("ERROR invalid module specification")
		}
		return false
	}
	clo, chi, ok := ctl.chanRange(args[1])
	if !ok || clo != chi {
		if ok {
			ctl.msg.Printf("ERROR invalid channel specification")
		}
		return false
	}
	name := args[2]
	bit, err := strconv.Atoi(args[3])
	if err != nil || bit < 0 || bit > 31 {
		ctl.msg.Printf("ERROR invalid bit number specification")
		return false
	}

	err = ctl.hwDo(func(hw pixie.Interface) error {
		v, err := hw.ReadChanPar(name, mlo, clo)
		if err != nil {
			return err
		}
		next := uint32(v) ^ (1 << bit)
		err = hw.WriteChanPar(name, float64(next), mlo, clo)
		if err != nil {
			return err
		}
		ctl.msg.Printf(
			"module %d, channel %d: %s 0x%x -> 0x%x",
			mlo, clo, name, uint32(v), next,
		)
		return hw.SaveDSPParameters("")
	})
	if err != nil {
		ctl.msg.Printf("could not toggle bit: %+v", err)
	}
	return false
}

func cmdCsrTest(ctl *Controller, arg string, args []string) bool {
	if len(args) < 1 {
		ctl.usage("csr_test <number>")
		return false
	}
	v, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		ctl.msg.Printf("ERROR invalid parameter value: %q", args[0])
		return false
	}
	ctl.msg.Printf("CHANNEL_CSRA = 0x%08x", v)
	for bit, name := range pixie.CSRABits {
		state := "off"
		if v&(1<<bit) != 0 {
			state = "ON"
		}
		ctl.msg.Printf("  bit %2d %-16s %s", bit, name, state)
	}
	return false
}

func cmdBitTest(ctl *Controller, arg string, args []string) bool {
	if len(args) < 2 {
		ctl.usage("bit_test <num_bits> <number>")
		return false
	}
	nbits, err := strconv.Atoi(args[0])
	if err != nil || nbits < 1 || nbits > 32 {
		ctl.msg.Printf("invalid number of bits specified")
		return false
	}
	v, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		ctl.msg.Printf("ERROR invalid parameter value: %q", args[1])
		return false
	}

	set := make([]int, 0, nbits)
	for bit := 0; bit < nbits; bit++ {
		if v&(1<<bit) != 0 {
			set = append(set, bit)
		}
	}
	sort.Ints(set)
	o := new(strings.Builder)
	for i, bit := range set {
		if i > 0 {
			o.WriteString(", ")
		}
		fmt.Fprintf(o, "%d", bit)
	}
	ctl.msg.Printf("0x%x (%d bits): active bits: [%s]", v, nbits, o.String())
	return false
}

func cmdGetTraces(ctl *Controller, arg string, args []string) bool {
	if ctl.acqRunning.Load() || ctl.mcaActive.Load() {
		ctl.msg.Printf("WARNING cannot view live traces while acquisition is running")
		return false
	}
	if len(args) < 2 {
		ctl.usage("get_traces <mod> <chan> [threshold]")
		return false
	}
	mlo, mhi, ok := ctl.modRange(args[0])
	if !ok || mlo != mhi {
		if ok {
			ctl.msg.Printf("ERROR must select one module to trigger on!")
		}
		return false
	}
	clo, chi, ok := ctl.chanRange(args[1])
	if !ok || clo != chi {
		if ok {
			ctl.msg.Printf("ERROR must select one channel to trigger on!")
		}
		return false
	}

	thresh := 0
	if len(args) >= 3 {
		thresh, _ = strconv.Atoi(args[2])
		if thresh < 0 {
			ctl.msg.Printf("cannot set negative threshold!")
			thresh = 0
		}
	}

	ctl.msg.Printf(
		"searching for traces from mod = %d, chan = %d above threshold = %d.",
		mlo, clo, thresh,
	)

	err := ctl.hwDo(func(hw pixie.Interface) error {
		return ctl.getTraces(hw, mlo, clo, thresh)
	})
	if err != nil {
		ctl.msg.Printf("could not capture traces: %+v", err)
	}
	return false
}

// getTraces captures one trace per channel of module mod, retrying
// until the trigger channel rises above thresh or 10 attempts have
// failed, and writes the last capture to /tmp/traces.dat either way.
func (ctl *Controller) getTraces(hw pixie.Interface, mod, ch, thresh int) error {
	const maxAttempts = 10

	traces := make([][]uint16, ctl.cfg.NumChannels)
	for i := range traces {
		traces[i] = make([]uint16, pixie.TraceLength)
	}

	found := false
	attempts := 0
	for ; attempts < maxAttempts; attempts++ {
		err := hw.AcquireTraces(mod)
		if err != nil {
			return err
		}
		err = hw.ReadChanTrace(traces[ch], mod, ch)
		if err != nil {
			return err
		}
		base, max := baseline(traces[ch])
		if int(max)-int(base) > thresh {
			found = true
			break
		}
	}
	if !found {
		ctl.msg.Printf("failed to find trace above threshold in %d attempts!", attempts)
	} else {
		ctl.msg.Printf("found trace above threshold in %d attempts.", attempts+1)
	}

	for i := range traces {
		err := hw.ReadChanTrace(traces[i], mod, i)
		if err != nil {
			return err
		}
	}

	ctl.msg.Printf("baselines:")
	for i, trace := range traces {
		base, max := baseline(trace)
		ctl.msg.Printf("  %02d: %d\t%d", i, base, max)
	}

	f, err := os.Create("/tmp/traces.dat")
	if err != nil {
		ctl.msg.Printf("could not open /tmp/traces.dat!")
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "time")
	for i := range traces {
		fmt.Fprintf(f, "\tC%02d", i)
	}
	fmt.Fprintf(f, "\n")
	for t := 0; t < pixie.TraceLength; t++ {
		fmt.Fprintf(f, "%d", t)
		for i := range traces {
			fmt.Fprintf(f, "\t%d", traces[i][t])
		}
		fmt.Fprintf(f, "\n")
	}

	err = f.Close()
	if err != nil {
		return err
	}
	ctl.msg.Printf("traces written to '/tmp/traces.dat'.")
	return nil
}

// baseline estimates the baseline (head average) and maximum of a trace.
func baseline(trace []uint16) (base, max uint16) {
	n := len(trace) / 8
	if n == 0 {
		n = len(trace)
	}
	var sum int
	for _, v := range trace[:n] {
		sum += int(v)
	}
	base = uint16(sum / n)
	for _, v := range trace {
		if v > max {
			max = v
		}
	}
	return base, max
}

func cmdSave(ctl *Controller, arg string, args []string) bool {
	if !ctl.guardParamEdit() {
		return false
	}
	fname := ""
	if len(args) >= 1 {
		fname = args[0]
	}
	err := ctl.hwDo(func(hw pixie.Interface) error {
		return hw.SaveDSPParameters(fname)
	})
	if err != nil {
		ctl.msg.Printf("could not save DSP parameters: %+v", err)
		return false
	}
	if fname == "" {
		ctl.msg.Printf("saved DSP parameters to the working set file.")
	} else {
		ctl.msg.Printf("saved DSP parameters to %q.", fname)
	}
	return false
}

// hwDo runs op on the run loop, which owns the hardware interface, and
// waits for completion.
func (ctl *Controller) hwDo(op func(pixie.Interface) error) error {
	done := make(chan error, 1)
	select {
	case ctl.reqs <- request{kind: reqHwOp, op: op, done: done}:
	default:
		return fmt.Errorf("poll: run control is not accepting requests")
	}
	return <-done
}
