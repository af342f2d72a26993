package backend

import (
	"net"
	"testing"
	"time"

	"github.com/sqlrelay/sqlrelay/internal/wire"
)

func TestPSTranslatorRoundTrip(t *testing.T) {
	tr := newPSTranslator()
	tr.register(1, 99)

	if id, ok := tr.backendID(1); !ok || id != 99 {
		t.Fatalf("got %d,%v want 99,true", id, ok)
	}
	if id, ok := tr.sessionID(99); !ok || id != 1 {
		t.Fatalf("got %d,%v want 1,true", id, ok)
	}

	tr.forget(1)
	if _, ok := tr.backendID(1); ok {
		t.Fatal("expected forget to remove the mapping")
	}
	if _, ok := tr.sessionID(99); ok {
		t.Fatal("expected forget to remove the reverse mapping too")
	}
}

func TestDelayedQueueDrainsInOrder(t *testing.T) {
	var q delayedQueue
	q.push(writeRequest{Payload: []byte("a")})
	q.push(writeRequest{Payload: []byte("b")})
	if q.len() != 2 {
		t.Fatalf("got len %d want 2", q.len())
	}
	items := q.drain()
	if len(items) != 2 || string(items[0].Payload) != "a" || string(items[1].Payload) != "b" {
		t.Fatalf("got %v", items)
	}
	if q.len() != 0 {
		t.Fatal("expected drain to empty the queue")
	}
}

// buildFakeGreeting constructs a minimal, decodable protocol-10 handshake
// packet for a fake backend server, advertising mysql_native_password.
func buildFakeGreeting() []byte {
	var buf []byte
	buf = append(buf, 10) // protocol version
	buf = append(buf, []byte("8.0.31-fake")...)
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0) // thread id

	scramblePart1 := []byte("abcdefgh")
	buf = append(buf, scramblePart1...)
	buf = append(buf, 0) // filler

	caps := wire.DefaultClientCapabilities
	buf = append(buf, byte(caps), byte(caps>>8))
	buf = append(buf, 0x08)    // charset
	buf = append(buf, 2, 0)    // status flags
	buf = append(buf, byte(caps>>16), byte(caps>>24))
	buf = append(buf, 21) // auth-data length: 8 + 12 + 1
	buf = append(buf, make([]byte, 10)...)

	scramblePart2 := []byte("ijklmnopqrst")
	buf = append(buf, scramblePart2...)
	buf = append(buf, 0) // trailing NUL of part 2

	buf = append(buf, []byte("mysql_native_password")...)
	buf = append(buf, 0)
	return buf
}

type fakeSink struct {
	replies  chan *Reply
	errs     chan error
	hsDoneCh chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		replies:  make(chan *Reply, 8),
		errs:     make(chan error, 8),
		hsDoneCh: make(chan struct{}, 1),
	}
}

func (s *fakeSink) OnReply(r *Reply, isComplete bool) {
	if isComplete {
		s.replies <- r
	}
}
func (s *fakeSink) OnError(kind ErrorKind, err error) { s.errs <- err }
func (s *fakeSink) OnHandshakeDone()                  { s.hsDoneCh <- struct{}{} }

// fakeServerConn drives the backend side of the protocol over one end of a
// net.Pipe: greeting, auth, numInit CONNECTION_INIT statements, then one
// steady-state command with an OK reply, and (if expectPing) a COM_PING.
func fakeServerConn(t *testing.T, conn net.Conn, done chan<- error, numInit int, expectPing bool) {
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	if err := w.WritePacket(buildFakeGreeting()); err != nil {
		done <- err
		return
	}
	if _, err := r.Next(); err != nil { // handshake response
		done <- err
		return
	}
	w.SetSequence(2)
	if err := w.WritePacket(wire.WriteOK(0, 0, 0, 0, wire.ClientProtocol41)); err != nil {
		done <- err
		return
	}

	for i := 0; i < numInit; i++ {
		if _, err := r.Next(); err != nil { // CONNECTION_INIT query
			done <- err
			return
		}
		if err := w.WritePacket(wire.WriteOK(0, 0, 0, 0, wire.ClientProtocol41)); err != nil {
			done <- err
			return
		}
	}

	if _, err := r.Next(); err != nil { // the steady-state command
		done <- err
		return
	}
	if err := w.WritePacket(wire.WriteOK(1, 0, 0, 0, wire.ClientProtocol41)); err != nil {
		done <- err
		return
	}

	if expectPing {
		if _, err := r.Next(); err != nil { // COM_PING
			done <- err
			return
		}
		if err := w.WritePacket(wire.WriteOK(0, 0, 0, 0, wire.ClientProtocol41)); err != nil {
			done <- err
			return
		}
	}

	done <- nil
}

func TestEngineConnectAndRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	serverDone := make(chan error, 1)
	go fakeServerConn(t, serverConn, serverDone, 1, true)

	sink := newFakeSink()
	e := NewEngine(clientConn, ServerID("127.0.0.1:3306"), Credentials{User: "proxy", Password: "secret", DB: "app"}, sink)

	connectErr := make(chan error, 1)
	go func() {
		connectErr <- e.Connect(nil, 0x08, nil, []string{"SET NAMES utf8mb4"})
	}()

	select {
	case <-sink.hsDoneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnHandshakeDone")
	}

	if err := <-connectErr; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := e.Write(writeRequest{
		Payload: wire.EncodeCommand(wire.ComQuery, []byte("SELECT 1")),
		Cmd:     wire.ComQuery,
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case reply := <-sink.replies:
		if reply.OK.AffectedRows != 1 {
			t.Errorf("got affected rows %d want 1", reply.OK.AffectedRows)
		}
	case err := <-sink.errs:
		t.Fatalf("unexpected engine error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	if err := e.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("fake server error: %v", err)
	}
}

func TestEngineDispatchIsEquivalentToWrite(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	serverDone := make(chan error, 1)
	go fakeServerConn(t, serverConn, serverDone, 0, false)

	sink := newFakeSink()
	e := NewEngine(clientConn, ServerID("127.0.0.1:3306"), Credentials{User: "proxy", Password: "secret", DB: "app"}, sink)

	connectErr := make(chan error, 1)
	go func() { connectErr <- e.Connect(nil, 0x08, nil, nil) }()
	select {
	case <-sink.hsDoneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnHandshakeDone")
	}
	if err := <-connectErr; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := e.Dispatch(wire.ComQuery, wire.EncodeCommand(wire.ComQuery, []byte("SELECT 1")), 0); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case reply := <-sink.replies:
		if reply.OK.AffectedRows != 1 {
			t.Errorf("got affected rows %d want 1", reply.OK.AffectedRows)
		}
	case err := <-sink.errs:
		t.Fatalf("unexpected engine error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	<-serverDone
}

// fakeServerConnFatalErr is fakeServerConn's steady-state command answered
// with a connection-fatal (08S01) ERR instead of an OK.
func fakeServerConnFatalErr(t *testing.T, conn net.Conn, done chan<- error) {
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	if err := w.WritePacket(buildFakeGreeting()); err != nil {
		done <- err
		return
	}
	if _, err := r.Next(); err != nil {
		done <- err
		return
	}
	w.SetSequence(2)
	if err := w.WritePacket(wire.WriteOK(0, 0, 0, 0, wire.ClientProtocol41)); err != nil {
		done <- err
		return
	}

	if _, err := r.Next(); err != nil { // the steady-state command
		done <- err
		return
	}
	err := w.WritePacket(wire.WriteErr(2013, "08S01", "Lost connection to MySQL server during query", wire.ClientProtocol41))
	done <- err
}

func TestEngineConnectionFatalReplyIsTransientAndClosesBackend(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	serverDone := make(chan error, 1)
	go fakeServerConnFatalErr(t, serverConn, serverDone)

	sink := newFakeSink()
	e := NewEngine(clientConn, ServerID("127.0.0.1:3306"), Credentials{User: "proxy", Password: "secret", DB: "app"}, sink)

	connectErr := make(chan error, 1)
	go func() { connectErr <- e.Connect(nil, 0x08, nil, nil) }()
	select {
	case <-sink.hsDoneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnHandshakeDone")
	}
	if err := <-connectErr; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := e.Dispatch(wire.ComQuery, wire.EncodeCommand(wire.ComQuery, []byte("SELECT 1")), 0); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case reply := <-sink.replies:
		t.Fatalf("connection-fatal ERR should not surface as a reply, got %+v", reply)
	case err := <-sink.errs:
		be, ok := err.(*BackendError)
		if !ok || !be.ConnectionFatal() {
			t.Fatalf("expected a connection-fatal *BackendError, got %v", err)
		}
		if got := classifyError(StateRouting, be); got != Transient {
			t.Errorf("connection-fatal error during ROUTING should classify TRANSIENT, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine error")
	}

	if e.CanReuse() {
		t.Error("engine should not be reusable after a connection-fatal error")
	}

	<-serverDone
}
