// Package cluster owns worker process lifecycle and the unix-socket channel
// that carries suspicion events up to the supervisor and ban broadcasts back
// down. Delivery is fire-and-forget: frames may be dropped, duplicated, or
// reordered, and every consumer applies them idempotently.
package cluster

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"bastion/internal/ban"
)

type FrameType string

const (
	// FrameHello registers a worker connection with the supervisor.
	FrameHello FrameType = "hello"
	// FrameSuspicion reports one scored event from a worker.
	FrameSuspicion FrameType = "suspicion"
	// FrameBan broadcasts a canonical ban entry to workers.
	FrameBan FrameType = "ban"
	// FrameLift broadcasts removal of a ban.
	FrameLift FrameType = "lift"
	// FrameShutdown tells workers to drain and exit.
	FrameShutdown FrameType = "shutdown"
)

// Frame is one newline-delimited JSON message on the sync channel.
type Frame struct {
	Type     FrameType `json:"type"`
	WorkerID int       `json:"worker_id,omitempty"`

	Source string  `json:"source,omitempty"`
	Weight float64 `json:"weight,omitempty"`
	UnixMs int64   `json:"unix_ms,omitempty"`

	BanID         string `json:"ban_id,omitempty"`
	ExpiresUnixMs int64  `json:"expires_unix_ms,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// BanFrame converts a ban entry into its wire form.
func BanFrame(e ban.Entry) Frame {
	return Frame{
		Type:          FrameBan,
		BanID:         e.ID,
		Source:        e.SourceKey,
		ExpiresUnixMs: e.ExpiresAt.UnixMilli(),
		Reason:        e.Reason,
	}
}

// BanEntry converts a ban frame back into a store entry.
func (f Frame) BanEntry() ban.Entry {
	return ban.Entry{
		ID:        f.BanID,
		SourceKey: f.Source,
		ExpiresAt: time.UnixMilli(f.ExpiresUnixMs),
		Reason:    f.Reason,
	}
}

// frameConn wraps a net.Conn with line-oriented JSON framing. Writes are
// serialized; a frame either goes out whole or the connection is considered
// dead.
type frameConn struct {
	conn net.Conn
	r    *bufio.Scanner

	wmu sync.Mutex
}

func newFrameConn(conn net.Conn) *frameConn {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	return &frameConn{conn: conn, r: sc}
}

func (fc *frameConn) read() (Frame, error) {
	if !fc.r.Scan() {
		if err := fc.r.Err(); err != nil {
			return Frame{}, err
		}
		return Frame{}, net.ErrClosed
	}
	var f Frame
	if err := json.Unmarshal(fc.r.Bytes(), &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (fc *frameConn) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	fc.wmu.Lock()
	defer fc.wmu.Unlock()
	if _, err := fc.conn.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (fc *frameConn) close() error {
	return fc.conn.Close()
}
