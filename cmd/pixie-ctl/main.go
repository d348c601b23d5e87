// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pixie-ctl watches the pixie-poll broadcast stream and raises
// alerts when an open run stops taking spills.
//
// It listens on the downstream UDP endpoint for the $OPEN_FILE /
// $CLOSE_FILE / $KILL_SOCKET lifecycle datagrams and the per-spill file
// notifications, so a wedged controller, a stuck FIFO or a full disk
// shows up as a run whose spill counter no longer advances.
package main // import "github.com/go-pixie/daq/cmd/pixie-ctl"

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-pixie/daq/poll"
	mail "gopkg.in/gomail.v2"
)

func main() {
	var (
		addr      = flag.String("udp", poll.DefaultBroadcastAddr, "broadcast endpoint to listen on")
		freq      = flag.Duration("freq", 30*time.Second, "spill stall timeout")
		maxAlerts = flag.Int("max-alerts", 5, "maximum number of alerts per run")
	)

	flag.Parse()

	log.SetPrefix("pixie-ctl: ")
	log.SetFlags(0)

	err := xmain(*addr, *freq, *maxAlerts)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func xmain(addr string, freq time.Duration, maxAlerts int) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("could not listen on %q: %w", addr, err)
	}
	defer conn.Close()

	wd := newWatchdog(freq, maxAlerts)
	wd.mail = mailerFromEnv()
	if wd.mail == nil {
		log.Printf("mail alerts disabled: missing credentials")
	}

	log.Printf("watching spill broadcasts on %q...", addr)

	pkts := make(chan []byte, 32)
	go func() {
		defer close(pkts)
		buf := make([]byte, 65536)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				log.Printf("could not read datagram: %+v", err)
				return
			}
			p := make([]byte, n)
			copy(p, buf[:n])
			pkts <- p
		}
	}()

	tick := time.NewTicker(freq)
	defer tick.Stop()

	for {
		select {
		case p, ok := <-pkts:
			if !ok {
				return nil
			}
			if line := wd.observe(p, time.Now()); line != "" {
				log.Printf("%s", line)
			}
		case now := <-tick.C:
			if alert, ok := wd.check(now); ok {
				log.Printf("%s", alert)
				wd.sendMail(alert)
			}
		}
	}
}

// watchdog tracks the lifecycle of the run file announced on the
// broadcast stream.
type watchdog struct {
	freq      time.Duration
	maxAlerts int

	mail *mailer

	open   bool
	cur    poll.FilePacket
	last   time.Time // when the spill counter last advanced
	alerts int       // alerts raised for the current run
}

func newWatchdog(freq time.Duration, maxAlerts int) *watchdog {
	return &watchdog{freq: freq, maxAlerts: maxAlerts}
}

// observe feeds one broadcast datagram into the watchdog.
// It returns a human-readable line for noteworthy transitions.
func (wd *watchdog) observe(p []byte, now time.Time) string {
	if name, ok := poll.ControlMessage(p); ok {
		switch name {
		case "$OPEN_FILE":
			wd.open = true
			wd.cur = poll.FilePacket{}
			wd.last = now
			wd.alerts = 0
			return "run file opened"
		case "$CLOSE_FILE":
			wd.open = false
			return fmt.Sprintf(
				"run file closed: run=%d file=%q spills=%d size=%d bytes",
				wd.cur.Run, wd.cur.Fname, wd.cur.Spills, wd.cur.Size,
			)
		case "$KILL_SOCKET":
			wd.open = false
			return "controller went away"
		}
	}

	pkt, err := poll.DecodeFilePacket(p)
	if err != nil {
		// chunked spill data shares the endpoint with notifications;
		// anything that does not decode is not ours to track.
		return ""
	}

	var line string
	switch {
	case pkt.Run != wd.cur.Run && wd.cur.Run != 0:
		line = fmt.Sprintf("run changed: %d -> %d", wd.cur.Run, pkt.Run)
	case pkt.Sub != wd.cur.Sub:
		line = fmt.Sprintf(
			"run %d rolled over to sub-file %d (%q)",
			pkt.Run, pkt.Sub, pkt.Fname,
		)
	}

	if pkt.Spills != wd.cur.Spills || pkt.Sub != wd.cur.Sub {
		wd.last = now
	}
	wd.cur = pkt
	return line
}

// check reports whether the open run has stalled: no spill landed in
// the run file for a full probing interval.
func (wd *watchdog) check(now time.Time) (string, bool) {
	if !wd.open || now.Sub(wd.last) < wd.freq {
		return "", false
	}
	wd.alerts++
	if wd.alerts > wd.maxAlerts {
		return "", false
	}
	return fmt.Sprintf(
		"run %d stalled: no spill for %v (file=%q, spills=%d, size=%d bytes) [alert %d/%d]",
		wd.cur.Run, now.Sub(wd.last).Round(time.Second),
		wd.cur.Fname, wd.cur.Spills, wd.cur.Size,
		wd.alerts, wd.maxAlerts,
	), true
}

func (wd *watchdog) sendMail(alert string) {
	if wd.mail == nil {
		return
	}
	err := wd.mail.send(
		fmt.Sprintf("[pixie-ctl] run %d stalled", wd.cur.Run),
		alert,
	)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

// mailer sends alert mails through the SMTP account configured in the
// environment (MAIL_USERNAME, MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT,
// MAIL_TGTS).
type mailer struct {
	host string
	port int
	usr  string
	pwd  string
	tgts []string
}

func mailerFromEnv() *mailer {
	m := &mailer{
		host: os.Getenv("MAIL_SERVER"),
		usr:  os.Getenv("MAIL_USERNAME"),
		pwd:  os.Getenv("MAIL_PASSWORD"),
	}
	m.port, _ = strconv.Atoi(os.Getenv("MAIL_PORT"))
	for _, tgt := range strings.Split(os.Getenv("MAIL_TGTS"), ",") {
		if tgt = strings.TrimSpace(tgt); tgt != "" {
			m.tgts = append(m.tgts, tgt)
		}
	}
	if m.host == "" || m.port == 0 || m.usr == "" || m.pwd == "" || len(m.tgts) == 0 {
		return nil
	}
	return m
}

func (m *mailer) send(subject, body string) error {
	msg := mail.NewMessage()
	msg.SetHeader("From", m.usr)
	msg.SetHeader("Bcc", m.tgts...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	dial := mail.NewDialer(m.host, m.port, m.usr, m.pwd)
	return dial.DialAndSend(msg)
}
