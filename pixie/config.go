// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pixie

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config describes the geometry of a Pixie-16 crate.
type Config struct {
	NumModules  int   // number of modules in the crate
	NumChannels int   // channels per module
	SlotMap     []int // crate slot per module index
}

// DefaultConfig returns the configuration of a crate with n modules,
// occupying slots 2..n+1 as a freshly racked crate does.
func DefaultConfig(n int) Config {
	cfg := Config{
		NumModules:  n,
		NumChannels: NumChannels,
		SlotMap:     make([]int, n),
	}
	for i := range cfg.SlotMap {
		cfg.SlotMap[i] = 2 + i
	}
	return cfg
}

// Slot returns the crate slot of module mod.
func (cfg Config) Slot(mod int) int {
	return cfg.SlotMap[mod]
}

func (cfg Config) validate() error {
	if cfg.NumModules < 1 || cfg.NumModules > MaxModules {
		return fmt.Errorf("pixie: invalid number of modules %d", cfg.NumModules)
	}
	if len(cfg.SlotMap) != cfg.NumModules {
		return fmt.Errorf(
			"pixie: slot map has %d entries for %d modules",
			len(cfg.SlotMap), cfg.NumModules,
		)
	}
	seen := make(map[int]bool, len(cfg.SlotMap))
	for mod, slot := range cfg.SlotMap {
		if slot < 2 || slot > 15 {
			return fmt.Errorf("pixie: invalid slot %d for module %d", slot, mod)
		}
		if seen[slot] {
			return fmt.Errorf("pixie: duplicate slot %d for module %d", slot, mod)
		}
		seen[slot] = true
	}
	return nil
}

// LoadConfig reads a crate configuration from a slot-definition file.
//
// The file lists one crate slot per line, in module-index order.
// Blank lines and lines starting with '#' are ignored.
func LoadConfig(fname string) (Config, error) {
	f, err := os.Open(fname)
	if err != nil {
		return Config{}, fmt.Errorf("pixie: could not open config %q: %w", fname, err)
	}
	defer f.Close()

	var cfg Config
	cfg.NumChannels = NumChannels

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		slot, err := strconv.Atoi(line)
		if err != nil {
			return Config{}, fmt.Errorf("pixie: invalid slot %q in %q: %w", line, fname, err)
		}
		cfg.SlotMap = append(cfg.SlotMap, slot)
	}
	if err := sc.Err(); err != nil {
		return Config{}, fmt.Errorf("pixie: could not read config %q: %w", fname, err)
	}

	cfg.NumModules = len(cfg.SlotMap)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
