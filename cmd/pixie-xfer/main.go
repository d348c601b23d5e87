// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixie-xfer bridges the pixie-poll UDP broadcast into a tdaq
// data stream: datagrams received on the broadcast endpoint are
// republished on a tdaq output end-point. A datagram that arrives while
// the output queue is full is dropped.
package main // import "github.com/go-pixie/daq/cmd/pixie-xfer"

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-daq/tdaq/log"
	"github.com/go-pixie/daq/poll"
)

func main() {
	var (
		iaddr = flag.String("udp", poll.DefaultBroadcastAddr, "UDP broadcast endpoint to listen on")
		oname = flag.String("o", "/pixie", "name of the output data stream end-point")
	)

	cmd := flags.New()

	dev := xfer{addr: *iaddr}
	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle(*oname, dev.Output)
	srv.RunHandle(dev.Loop)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %v", err)
	}
}

// xfer receives spill datagrams and republishes them downstream.
type xfer struct {
	addr string
	conn net.PacketConn

	ch chan []byte
}

func (dev *xfer) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return nil
}

func (dev *xfer) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	if dev.conn != nil {
		_ = dev.conn.Close()
	}
	conn, err := net.ListenPacket("udp", dev.addr)
	if err != nil {
		return fmt.Errorf("could not listen on %q: %w", dev.addr, err)
	}
	dev.conn = conn
	dev.ch = make(chan []byte, 32)
	ctx.Msg.Infof("listening for spills on %q", dev.addr)
	return nil
}

func (dev *xfer) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return dev.OnInit(ctx, resp, req)
}

func (dev *xfer) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return nil
}

func (dev *xfer) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Infof("received /stop command...")
	return nil
}

func (dev *xfer) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	if dev.conn != nil {
		err := dev.conn.Close()
		dev.conn = nil
		return err
	}
	return nil
}

func (dev *xfer) Output(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.ch:
		dst.Body = data
	}
	return nil
}

func (dev *xfer) Loop(ctx tdaq.Context) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
			n, _, err := dev.conn.ReadFrom(buf)
			if err != nil {
				select {
				case <-ctx.Ctx.Done():
					return nil
				default:
				}
				ctx.Msg.Warnf("could not read spill datagram: %+v", err)
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case dev.ch <- data:
			default:
				// drop rather than stall the broadcaster.
			}
		}
	}
}
