package listener

import (
	"errors"
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	net.Conn
	remote net.Addr
	closed bool
}

func (c *fakeConn) RemoteAddr() net.Addr { return c.remote }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeListener struct {
	conns []net.Conn
}

func (l *fakeListener) Accept() (net.Conn, error) {
	if len(l.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := l.conns[0]
	l.conns = l.conns[1:]
	return c, nil
}

func (l *fakeListener) Close() error   { return nil }
func (l *fakeListener) Addr() net.Addr { return &net.TCPAddr{} }

type fakeGate struct {
	banned map[string]bool
	seen   []string
}

func (g *fakeGate) Admit(sourceKey string, _ time.Time) bool {
	g.seen = append(g.seen, sourceKey)
	return !g.banned[sourceKey]
}

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
}

func TestAcceptSkipsBannedConnections(t *testing.T) {
	banned := &fakeConn{remote: tcpAddr("203.0.113.7")}
	allowed := &fakeConn{remote: tcpAddr("198.51.100.2")}
	inner := &fakeListener{conns: []net.Conn{banned, allowed}}
	gate := &fakeGate{banned: map[string]bool{"203.0.113.7": true}}

	var rejected []string
	g := New(inner, gate, nil, func(key string) { rejected = append(rejected, key) })
	g.now = func() time.Time { return time.Unix(1700000000, 0) }

	conn, err := g.Accept()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn != allowed {
		t.Fatalf("expected the allowed connection to be returned")
	}
	if !banned.closed {
		t.Fatalf("banned connection should be closed before any parsing")
	}
	if allowed.closed {
		t.Fatalf("allowed connection should stay open")
	}
	if len(rejected) != 1 || rejected[0] != "203.0.113.7" {
		t.Fatalf("reject hook saw %v", rejected)
	}
	if len(gate.seen) != 2 {
		t.Fatalf("gate should observe every attempt, saw %v", gate.seen)
	}
}

func TestAcceptPropagatesListenerErrors(t *testing.T) {
	inner := &fakeListener{}
	g := New(inner, &fakeGate{}, nil, nil)
	if _, err := g.Accept(); err == nil {
		t.Fatalf("expected inner accept error to propagate")
	}
}
