// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixie-env periodically reads the LM75-class temperature
// sensors of the crate controller over SMBus and logs the readings.
package main // import "github.com/go-pixie/daq/cmd/pixie-env"

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/go-daq/smbus"
)

const (
	tempReg = 0x00 // LM75 temperature register
)

func main() {
	log.SetPrefix("pixie-env: ")
	log.SetFlags(0)

	var (
		bus  = flag.Int("bus", 1, "SMBus bus id")
		addr = flag.Uint("addr", 0x48, "SMBus address of the first sensor")
		n    = flag.Int("n", 1, "number of sensors, at consecutive addresses")
		freq = flag.Duration("freq", 30*time.Second, "probing interval")
	)

	flag.Parse()

	err := xmain(*bus, uint8(*addr), *n, *freq)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func xmain(bus int, addr uint8, n int, freq time.Duration) error {
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return fmt.Errorf("could not open smbus %d: %w", bus, err)
	}
	defer conn.Close()

	tick := time.NewTicker(freq)
	defer tick.Stop()

	for {
		for i := 0; i < n; i++ {
			sensor := addr + uint8(i)
			raw, err := conn.ReadWord(sensor, tempReg)
			if err != nil {
				log.Printf("could not read sensor 0x%02x: %+v", sensor, err)
				continue
			}
			log.Printf("sensor 0x%02x: %.1f C", sensor, lm75Temp(raw))
		}
		<-tick.C
	}
}

// lm75Temp converts a raw LM75 temperature word (big-endian, 9-bit
// two's complement, 0.5 C per LSB) to degrees Celsius.
func lm75Temp(raw uint16) float64 {
	v := int16(raw>>8 | raw<<8) // sensor bytes are swapped on SMBus
	return float64(v>>7) * 0.5
}
