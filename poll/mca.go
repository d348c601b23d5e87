// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"fmt"
	"log"
	"time"

	"github.com/go-pixie/daq/pixie"
	"go-hep.org/x/hep/groot"
	"go-hep.org/x/hep/groot/rhist"
	"go-hep.org/x/hep/groot/riofs"
	"go-hep.org/x/hep/hbook"
)

// Mca accumulates the on-board MCA histograms of every channel and
// persists them to a ROOT file.
type Mca struct {
	msg *log.Logger
	hw  pixie.Interface
	cfg pixie.Config

	f     *riofs.File
	fname string

	buf   []pixie.Word
	start time.Time
}

// NewMca creates the output file <basename>.root with one empty
// histogram per channel.
func NewMca(msg *log.Logger, hw pixie.Interface, basename string) (*Mca, error) {
	fname := basename + ".root"
	msg.Printf("creating new empty ROOT histogram file %q", fname)

	f, err := groot.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("poll: could not create MCA file %q: %w", fname, err)
	}

	mca := &Mca{
		msg:   msg,
		hw:    hw,
		cfg:   hw.Config(),
		f:     f,
		fname: fname,
		buf:   make([]pixie.Word, pixie.HistLength),
		start: time.Now(),
	}

	for mod := 0; mod < mca.cfg.NumModules; mod++ {
		for ch := 0; ch < mca.cfg.NumChannels; ch++ {
			h := hbook.NewH1D(pixie.HistLength, 0, pixie.HistLength)
			err := f.Put(histName(mca.cfg, mod, ch), rhist.NewH1DFrom(h))
			if err != nil {
				_ = f.Close()
				return nil, fmt.Errorf(
					"poll: could not book histogram (mod=%d, ch=%d): %w",
					mod, ch, err,
				)
			}
		}
	}

	return mca, nil
}

func histName(cfg pixie.Config, mod, ch int) string {
	return fmt.Sprintf("h%d", mod*cfg.NumChannels+ch)
}

// RunTime returns the time elapsed since the MCA was created, in
// seconds.
func (mca *Mca) RunTime() float64 {
	return time.Since(mca.start).Seconds()
}

// Step refreshes every histogram from the hardware and rewrites the
// on-disk representation.
func (mca *Mca) Step() error {
	for mod := 0; mod < mca.cfg.NumModules; mod++ {
		if !mca.hw.CheckRunStatus(mod) {
			return fmt.Errorf("poll: MCA run stopped in module %d", mod)
		}
	}

	for mod := 0; mod < mca.cfg.NumModules; mod++ {
		for ch := 0; ch < mca.cfg.NumChannels; ch++ {
			err := mca.hw.ReadHistogram(mca.buf, mod, ch)
			if err != nil {
				return fmt.Errorf(
					"poll: could not read histogram (mod=%d, ch=%d): %w",
					mod, ch, err,
				)
			}

			h := hbook.NewH1D(pixie.HistLength, 0, pixie.HistLength)
			for i, n := range mca.buf {
				if n == 0 {
					continue
				}
				h.Fill(float64(i)+0.5, float64(n))
			}

			err = mca.f.Put(histName(mca.cfg, mod, ch), rhist.NewH1DFrom(h))
			if err != nil {
				return fmt.Errorf(
					"poll: could not store histogram (mod=%d, ch=%d): %w",
					mod, ch, err,
				)
			}
		}
	}

	return nil
}

// Close finalizes the ROOT file.
func (mca *Mca) Close() error {
	err := mca.f.Close()
	if err != nil {
		return fmt.Errorf("poll: could not close MCA file %q: %w", mca.fname, err)
	}
	return nil
}
