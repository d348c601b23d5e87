// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-pixie/daq/pixie"
	"github.com/peterh/liner"
)

const prompt = "poll2> "

// CommandControl is the command loop: it reads operator commands from
// the terminal and hands requests to the run loop. It returns on quit,
// kill, or end-of-input.
func (ctl *Controller) CommandControl(ctx context.Context) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetWordCompleter(ctl.complete)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ctl.killed.Load() { // killed externally
			ctl.waitRunExit()
			return nil
		}

		line, err := term.Prompt(prompt)
		switch {
		case err == nil:
			if strings.TrimSpace(line) != "" {
				term.AppendHistory(line)
			}
			if ctl.execute(line) {
				return nil
			}
			if ctl.pauseAfter {
				// the run loop reboots the crate; hold the terminal
				// until the operator acknowledges.
				ctl.pauseAfter = false
				_, _ = term.Prompt("Press Enter key to continue...")
			}

		case errors.Is(err, liner.ErrPromptAborted): // Ctrl-C
			if ctl.mcaActive.Load() {
				ctl.msg.Printf("received SIGINT (ctrl-c) signal. stopping MCA...")
				ctl.execute("stop")
				continue
			}
			ctl.msg.Printf("received SIGINT (ctrl-c) signal. ignoring signal.")

		case errors.Is(err, io.EOF): // Ctrl-D
			ctl.msg.Printf("received EOF (ctrl-d) signal. exiting...")
			if ctl.execute("quit") {
				return nil
			}

		default:
			return fmt.Errorf("poll: could not read command: %w", err)
		}
	}
}

// complete implements command-name and argument tab-completion.
func (ctl *Controller) complete(line string, pos int) (string, []string, string) {
	var (
		head = line[:pos]
		tail = line[pos:]
	)

	i := strings.LastIndexAny(head, " \t")
	if i < 0 {
		// completing the command name itself.
		return "", match(head, commandNames()), tail
	}

	var (
		word  = head[i+1:]
		fixed = head[:i+1]
		cmd   = strings.Fields(head)[0]
	)

	switch cmd {
	case "pread", "pwrite":
		return fixed, match(word, pixie.ChanParams), tail
	case "pmread", "pmwrite":
		return fixed, match(word, pixie.ModParams), tail
	case "toggle":
		return fixed, match(word, pixie.CSRABits), tail
	}
	return fixed, nil, tail
}

func commandNames() []string {
	names := make([]string, 0, len(cmdTable))
	for name := range cmdTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func match(prefix string, words []string) []string {
	var out []string
	for _, w := range words {
		if w != "" && strings.HasPrefix(w, prefix) {
			out = append(out, w)
		}
	}
	return out
}
