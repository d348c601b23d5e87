// Copyright 2022 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package poll

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/go-pixie/daq/pixie"
)

// DefaultBroadcastAddr is the endpoint downstream consumers listen on.
const DefaultBroadcastAddr = "127.0.0.1:5555"

const (
	// maxChunkWords is the largest payload of a chunked-spill datagram,
	// in words.
	maxChunkWords = 4050

	chunkHdrSize = 8 // chunk index + total chunks, 4 bytes each
)

// Lifecycle control datagrams understood by downstream consumers. The
// on-wire lengths are historical and must not change: $OPEN_FILE
// declares 12 bytes but only carries 10 characters.
var (
	MsgOpenFile   = ctlMessage("$OPEN_FILE", 12)
	MsgCloseFile  = ctlMessage("$CLOSE_FILE", 12)
	MsgKillSocket = ctlMessage("$KILL_SOCKET", 13)
)

func ctlMessage(s string, n int) []byte {
	msg := make([]byte, n)
	copy(msg, s)
	return msg
}

// ControlMessage reports whether p is one of the lifecycle control
// datagrams, and which one.
func ControlMessage(p []byte) (string, bool) {
	switch {
	case bytes.Equal(p, MsgOpenFile):
		return "$OPEN_FILE", true
	case bytes.Equal(p, MsgCloseFile):
		return "$CLOSE_FILE", true
	case bytes.Equal(p, MsgKillSocket):
		return "$KILL_SOCKET", true
	}
	return "", false
}

// FilePacket is the per-spill notification datagram describing the
// current run file.
type FilePacket struct {
	Run    int    // run number
	Sub    int    // continuation sub-file counter
	Size   int64  // current file size, in bytes
	Spills int    // spills written to the file so far
	Fname  string // file name
}

const filePacketHdr = 22

// EncodeFilePacket serializes pkt into a notification datagram.
func EncodeFilePacket(pkt FilePacket) []byte {
	p := make([]byte, filePacketHdr+len(pkt.Fname))
	binary.LittleEndian.PutUint32(p[0:4], uint32(pkt.Run))
	binary.LittleEndian.PutUint32(p[4:8], uint32(pkt.Sub))
	binary.LittleEndian.PutUint64(p[8:16], uint64(pkt.Size))
	binary.LittleEndian.PutUint32(p[16:20], uint32(pkt.Spills))
	binary.LittleEndian.PutUint16(p[20:22], uint16(len(pkt.Fname)))
	copy(p[filePacketHdr:], pkt.Fname)
	return p
}

// DecodeFilePacket deserializes a notification datagram.
func DecodeFilePacket(p []byte) (FilePacket, error) {
	if len(p) < filePacketHdr {
		return FilePacket{}, fmt.Errorf("poll: short file packet (%d bytes)", len(p))
	}
	n := int(binary.LittleEndian.Uint16(p[20:22]))
	if len(p) != filePacketHdr+n {
		return FilePacket{}, fmt.Errorf(
			"poll: invalid file packet size (got %d bytes, want %d)",
			len(p), filePacketHdr+n,
		)
	}
	return FilePacket{
		Run:    int(binary.LittleEndian.Uint32(p[0:4])),
		Sub:    int(binary.LittleEndian.Uint32(p[4:8])),
		Size:   int64(binary.LittleEndian.Uint64(p[8:16])),
		Spills: int(binary.LittleEndian.Uint32(p[16:20])),
		Fname:  string(p[filePacketHdr:]),
	}, nil
}

// Broadcast sends spill data and lifecycle notifications to the
// downstream datagram endpoint.
type Broadcast struct {
	conn net.Conn
	buf  []byte
}

// NewBroadcast dials the downstream UDP endpoint.
func NewBroadcast(addr string) (*Broadcast, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("poll: could not dial broadcast endpoint %q: %w", addr, err)
	}
	return &Broadcast{
		conn: conn,
		buf:  make([]byte, chunkHdrSize+maxChunkWords*pixie.WordSize),
	}, nil
}

// Send transmits one raw datagram.
func (bc *Broadcast) Send(p []byte) error {
	_, err := bc.conn.Write(p)
	if err != nil {
		return fmt.Errorf("poll: could not send datagram: %w", err)
	}
	return nil
}

// SendOpenFile notifies consumers that a run file has been opened.
func (bc *Broadcast) SendOpenFile() error { return bc.Send(MsgOpenFile) }

// SendCloseFile notifies consumers that the run file has been closed.
func (bc *Broadcast) SendCloseFile() error { return bc.Send(MsgCloseFile) }

// SendKillSocket notifies consumers that the controller is going away.
func (bc *Broadcast) SendKillSocket() error { return bc.Send(MsgKillSocket) }

// SendSpill transmits a spill buffer as a sequence of chunked datagrams.
//
// Each datagram is framed as a 1-based chunk index, the total number of
// chunks, and up to 4050 payload words, all little-endian. A microsecond
// pause between datagrams paces slow receivers.
func (bc *Broadcast) SendSpill(data []pixie.Word) error {
	nwords := len(data)
	nchunks := nwords / maxChunkWords
	if nwords%maxChunkWords != 0 {
		nchunks++
	}

	for chunk := 1; chunk <= nchunks; chunk++ {
		payload := data[:min(len(data), maxChunkWords)]
		data = data[len(payload):]

		binary.LittleEndian.PutUint32(bc.buf[0:4], uint32(chunk))
		binary.LittleEndian.PutUint32(bc.buf[4:8], uint32(nchunks))
		for i, w := range payload {
			binary.LittleEndian.PutUint32(bc.buf[chunkHdrSize+4*i:], w)
		}

		err := bc.Send(bc.buf[:chunkHdrSize+4*len(payload)])
		if err != nil {
			return fmt.Errorf("poll: could not send spill chunk %d/%d: %w", chunk, nchunks, err)
		}
		time.Sleep(1 * time.Microsecond)
	}
	return nil
}

// Close sends the kill-socket notification and closes the socket.
func (bc *Broadcast) Close() error {
	if bc.conn == nil {
		return nil
	}
	_ = bc.SendKillSocket()
	err := bc.conn.Close()
	bc.conn = nil
	if err != nil {
		return fmt.Errorf("poll: could not close broadcast socket: %w", err)
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
