// Package listener enforces bans at the transport accept boundary. A banned
// peer's connection is destroyed before any HTTP parsing happens, so it never
// costs a request object or a handler invocation. The ordering matters:
// parsing first would spend exactly the resources the ban exists to protect.
package listener

import (
	"net"
	"time"
)

// Gate decides whether a peer may proceed. Implementations observe the
// connection attempt for suspicion scoring as a side effect.
type Gate interface {
	// Admit reports whether the connection from sourceKey is allowed.
	Admit(sourceKey string, now time.Time) bool
}

type Logger interface {
	Printf(string, ...any)
}

// Guarded wraps a net.Listener and drops connections the gate refuses.
type Guarded struct {
	net.Listener
	gate     Gate
	log      Logger
	now      func() time.Time
	onReject func(sourceKey string)
}

// New wraps inner with gate enforcement. onReject, if non-nil, is invoked for
// every destroyed connection (telemetry hook).
func New(inner net.Listener, gate Gate, log Logger, onReject func(sourceKey string)) *Guarded {
	return &Guarded{
		Listener: inner,
		gate:     gate,
		log:      log,
		now:      time.Now,
		onReject: onReject,
	}
}

// Accept returns the next admitted connection. Refused connections are closed
// with SO_LINGER zero so the peer sees an immediate reset rather than a FIN
// and a parked socket.
func (g *Guarded) Accept() (net.Conn, error) {
	for {
		conn, err := g.Listener.Accept()
		if err != nil {
			return nil, err
		}
		key := sourceKeyFromAddr(conn.RemoteAddr())
		if g.gate.Admit(key, g.now()) {
			return conn, nil
		}
		destroy(conn)
		if g.onReject != nil {
			g.onReject(key)
		}
		if g.log != nil {
			g.log.Printf("destroyed connection from banned source %s", key)
		}
	}
}

func destroy(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = conn.Close()
}

func sourceKeyFromAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
