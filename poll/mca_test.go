// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"testing"

	"github.com/go-pixie/daq/pixie"
	"go-hep.org/x/hep/groot"
)

func TestMca(t *testing.T) {
	cfg := pixie.Config{
		NumModules:  1,
		NumChannels: 4,
		SlotMap:     []int{2},
	}
	emu := pixie.NewEmulated(cfg)
	if err := emu.Init(); err != nil {
		t.Fatalf("could not init: %+v", err)
	}
	if err := emu.StartHistogramRun(); err != nil {
		t.Fatalf("could not start histogram run: %+v", err)
	}

	basename := t.TempDir() + "/mca"
	mca, err := NewMca(testLogger(), emu, basename)
	if err != nil {
		t.Fatalf("could not create MCA: %+v", err)
	}

	for i := 0; i < 3; i++ {
		err = mca.Step()
		if err != nil {
			t.Fatalf("could not step MCA (%d): %+v", i, err)
		}
	}
	if mca.RunTime() <= 0 {
		t.Fatalf("invalid MCA run time: %v", mca.RunTime())
	}

	err = mca.Close()
	if err != nil {
		t.Fatalf("could not close MCA: %+v", err)
	}

	// the output is a readable ROOT file holding one histogram per
	// channel.
	f, err := groot.Open(basename + ".root")
	if err != nil {
		t.Fatalf("could not open MCA output: %+v", err)
	}
	defer f.Close()

	for ch := 0; ch < cfg.NumChannels; ch++ {
		_, err := f.Get(histName(cfg, 0, ch))
		if err != nil {
			t.Fatalf("missing histogram for channel %d: %+v", ch, err)
		}
	}
}

func TestMcaStepAfterEndRun(t *testing.T) {
	cfg := pixie.Config{
		NumModules:  1,
		NumChannels: 2,
		SlotMap:     []int{2},
	}
	emu := pixie.NewEmulated(cfg)
	if err := emu.Init(); err != nil {
		t.Fatalf("could not init: %+v", err)
	}
	if err := emu.StartHistogramRun(); err != nil {
		t.Fatalf("could not start histogram run: %+v", err)
	}

	mca, err := NewMca(testLogger(), emu, t.TempDir()+"/mca")
	if err != nil {
		t.Fatalf("could not create MCA: %+v", err)
	}
	defer mca.Close()

	if err := emu.EndRun(); err != nil {
		t.Fatalf("could not end run: %+v", err)
	}
	if err := mca.Step(); err == nil {
		t.Fatalf("expected an error stepping a stopped run")
	}
}
