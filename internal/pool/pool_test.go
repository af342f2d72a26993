package pool

import (
	"net"
	"testing"
	"time"

	"github.com/sqlrelay/sqlrelay/internal/backend"
	"github.com/sqlrelay/sqlrelay/internal/wire"
)

type nopSink struct{}

func (nopSink) OnReply(*backend.Reply, bool)     {}
func (nopSink) OnError(backend.ErrorKind, error) {}
func (nopSink) OnHandshakeDone()                 {}

// fakeIdleBackend performs one handshake, then answers every COM_PING with
// OK until the connection closes.
func fakeIdleBackend(t *testing.T, conn net.Conn) {
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	greeting := []byte{10}
	greeting = append(greeting, []byte("8.0.31-fake")...)
	greeting = append(greeting, 0)
	greeting = append(greeting, 1, 0, 0, 0)
	greeting = append(greeting, []byte("abcdefgh")...)
	greeting = append(greeting, 0)
	caps := wire.DefaultClientCapabilities
	greeting = append(greeting, byte(caps), byte(caps>>8))
	greeting = append(greeting, 0x08)
	greeting = append(greeting, 2, 0)
	greeting = append(greeting, byte(caps>>16), byte(caps>>24))
	greeting = append(greeting, 21)
	greeting = append(greeting, make([]byte, 10)...)
	greeting = append(greeting, []byte("ijklmnopqrst")...)
	greeting = append(greeting, 0)
	greeting = append(greeting, []byte("mysql_native_password")...)
	greeting = append(greeting, 0)

	if err := w.WritePacket(greeting); err != nil {
		return
	}
	if _, err := r.Next(); err != nil { // handshake response
		return
	}
	w.SetSequence(2)
	if err := w.WritePacket(wire.WriteOK(0, 0, 0, 0, wire.ClientProtocol41)); err != nil {
		return
	}

	for {
		if _, err := r.Next(); err != nil {
			return
		}
		if err := w.WritePacket(wire.WriteOK(0, 0, 0, 0, wire.ClientProtocol41)); err != nil {
			return
		}
	}
}

func connectedEngine(t *testing.T) *backend.Engine {
	t.Helper()
	client, server := net.Pipe()
	go fakeIdleBackend(t, server)

	e := backend.NewEngine(client, backend.ServerID("db1"), backend.Credentials{User: "u", Password: "p"}, nopSink{})
	errCh := make(chan error, 1)
	go func() { errCh <- e.Connect(nil, 0x08, nil, nil) }()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out connecting fake engine")
	}
	return e
}

func TestPutTakeRoundTrip(t *testing.T) {
	p, err := New(time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	e := connectedEngine(t)
	p.Put("db1", e)

	if got := p.Len("db1"); got != 1 {
		t.Fatalf("got len %d want 1", got)
	}

	got, ok := p.Take("db1", backend.Credentials{User: "u2", Password: "p2"})
	if !ok {
		t.Fatal("expected Take to find the pooled engine")
	}
	if got != e {
		t.Fatal("Take returned a different engine than was Put")
	}
	if p.Len("db1") != 0 {
		t.Fatal("expected the pool to be empty after Take")
	}
}

func TestTakeOnEmptyPoolFails(t *testing.T) {
	p, err := New(time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, ok := p.Take("db1", backend.Credentials{}); ok {
		t.Fatal("expected Take on an empty pool to fail")
	}
}

func TestIdleEvictionClosesConnection(t *testing.T) {
	p, err := New(30*time.Millisecond, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	e := connectedEngine(t)
	p.Put("db1", e)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Len("db1") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("idle entry was never evicted")
}

func TestPingLoopKeepsIdleBackendAlive(t *testing.T) {
	p, err := New(time.Minute, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	e := connectedEngine(t)
	p.Put("db1", e)

	time.Sleep(80 * time.Millisecond)

	if !e.CanReuse() {
		t.Fatal("expected the backend to survive repeated keepalive pings")
	}
}
