package backend

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/sqlrelay/sqlrelay/internal/backend/auth"
	"github.com/sqlrelay/sqlrelay/internal/wire"
)

// ServerID is a stable identifier for one physical backend (a config-derived
// name such as "main-primary"; the address is carried separately), used as
// the pool and router key.
type ServerID string

// Credentials is consumed opaquely by the handshake/authentication phase.
type Credentials struct {
	User     string
	Password string
	DB       string
}

// Sink receives everything the engine produces for the router: completed
// or partial replies, classified errors, and the handshake-done signal.
type Sink interface {
	OnReply(reply *Reply, isComplete bool)
	OnError(kind ErrorKind, err error)
	OnHandshakeDone()
}

// writeRequest is one command queued for or sent to the backend. Payload
// must already carry the session-internal prepared-statement id (not the
// client-visible external id) in any statement-id field; the engine
// rewrites it to this backend's own external id before it hits the wire.
type writeRequest struct {
	Payload           []byte
	Cmd               wire.Command
	IsPSPrepare       bool
	PrepareInternalID uint32
}

type trackedCommand struct {
	req    writeRequest
	reply  *Reply
	hidden bool
	onDone func(*Reply, error)
}

// Engine is the per-backend-connection protocol state machine described by
// the top-level HANDSHAKING/AUTHENTICATING/CONNECTION_INIT/SEND_DELAYQ/
// ROUTING/FAILED states.
type Engine struct {
	mu sync.Mutex

	server ServerID
	conn   net.Conn
	r      *wire.Reader
	w      *wire.Writer
	caps   uint32
	sink   Sink
	creds  Credentials

	state        State
	delayed      delayedQueue
	inflight     []*trackedCommand
	ps           *psTranslator
	changingUser bool

	changeUserPkts chan wire.Packet
}

// NewEngine wraps conn. Connect must be called before any Write.
func NewEngine(conn net.Conn, server ServerID, creds Credentials, sink Sink) *Engine {
	return &Engine{
		server:         server,
		conn:           conn,
		r:              wire.NewReader(conn),
		w:              wire.NewWriter(conn),
		sink:           sink,
		creds:          creds,
		state:          StateHandshaking,
		ps:             newPSTranslator(),
		changeUserPkts: make(chan wire.Packet, 1),
	}
}

// Connect drives HANDSHAKING through SEND_DELAYQ synchronously, then starts
// the background read loop and enters ROUTING. initQueries are replayed,
// in order, as CONNECTION_INIT statements (e.g. "SET NAMES utf8mb4").
func (e *Engine) Connect(tlsConfig *tls.Config, charset byte, connectAttrs map[string]string, initQueries []string) error {
	result, err := performHandshake(e.conn, HandshakeParams{
		Username:     e.creds.User,
		Password:     e.creds.Password,
		Database:     e.creds.DB,
		Charset:      charset,
		TLSConfig:    tlsConfig,
		ConnectAttrs: connectAttrs,
	})
	if err != nil {
		e.mu.Lock()
		e.state = StateFailed
		e.mu.Unlock()
		e.sink.OnError(Permanent, err)
		return err
	}

	e.mu.Lock()
	e.conn = result.Conn
	e.r = wire.NewReader(result.Conn)
	e.w = wire.NewWriter(result.Conn)
	e.caps = result.Capabilities
	e.state = StateConnectionInit
	e.mu.Unlock()

	e.sink.OnHandshakeDone()

	for _, q := range initQueries {
		if err := e.runInitQuery(q); err != nil {
			e.mu.Lock()
			e.state = StateFailed
			e.mu.Unlock()
			e.sink.OnError(Permanent, err)
			return err
		}
	}

	e.mu.Lock()
	e.state = StateSendDelayQ
	queued := e.delayed.drain()
	var dispatchErr error
	for _, wr := range queued {
		if dispatchErr = e.dispatchLocked(wr); dispatchErr != nil {
			break
		}
	}
	if dispatchErr == nil {
		e.state = StateRouting
	}
	e.mu.Unlock()
	if dispatchErr != nil {
		e.fail(dispatchErr)
		return dispatchErr
	}

	go e.readLoop()
	return nil
}

func (e *Engine) runInitQuery(q string) error {
	payload := wire.EncodeCommand(wire.ComQuery, []byte(q))
	e.w.ResetSequence()
	if err := e.w.WritePacket(payload); err != nil {
		return &IOError{Err: err}
	}
	reply := newReply(e.caps, false)
	for {
		pkt, err := e.r.Next()
		if err != nil {
			return &IOError{Err: err}
		}
		complete, ferr := reply.Feed(pkt.Payload)
		if ferr != nil {
			return ferr
		}
		if complete {
			if reply.IsError {
				return &BackendError{Code: reply.Err.Code, SQLState: reply.Err.SQLState, Message: reply.Err.Message}
			}
			return nil
		}
	}
}

// SetSink rebinds the engine's Sink. Call this only while the engine is
// idle (e.g. right after Take from a pool, before Dispatch) — replacing
// the sink while a command is in flight would route its reply to the
// wrong caller.
func (e *Engine) SetSink(sink Sink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// Dispatch is the router boundary's write(packet): it queues or sends one
// client command, exported so a caller outside this package (the demo
// frontend) never needs to construct a writeRequest directly. cmd is the
// client's command code and payload is the full command packet body
// (including the leading command byte, as framed on the wire). For
// ComStmtPrepare, internalID must be the session-scoped prepared-statement
// id the caller is registering; it's ignored for every other command.
func (e *Engine) Dispatch(cmd wire.Command, payload []byte, internalID uint32) error {
	return e.Write(writeRequest{
		Payload:           payload,
		Cmd:               cmd,
		IsPSPrepare:       cmd == wire.ComStmtPrepare,
		PrepareInternalID: internalID,
	})
}

// Write queues or sends a command, depending on state.
func (e *Engine) Write(wr writeRequest) error {
	e.mu.Lock()
	if e.state == StateFailed {
		e.mu.Unlock()
		return &InternalError{Reason: "write to a FAILED backend"}
	}
	if e.state != StateRouting {
		e.delayed.push(wr)
		e.mu.Unlock()
		return nil
	}
	err := e.dispatchLocked(wr)
	e.mu.Unlock()
	if err != nil {
		e.fail(err)
	}
	return err
}

func (e *Engine) dispatchLocked(wr writeRequest) error {
	if wire.IsPreparedStatementCommand(wr.Cmd) {
		internalID, err := wire.ExtractStatementID(wr.Payload)
		if err != nil {
			return &ProtocolError{Context: "dispatch", Err: err}
		}
		backendID, ok := e.ps.backendID(internalID)
		if !ok {
			return &InternalError{Reason: "statement not prepared on this backend"}
		}
		if err := wire.PutStatementID(wr.Payload, backendID); err != nil {
			return &ProtocolError{Context: "dispatch", Err: err}
		}
	}
	e.w.ResetSequence()
	if err := e.w.WritePacket(wr.Payload); err != nil {
		return &IOError{Err: err}
	}
	e.inflight = append(e.inflight, &trackedCommand{req: wr, reply: newReply(e.caps, wr.IsPSPrepare)})
	return nil
}

// RelayLoadData forwards one LOAD DATA LOCAL INFILE chunk straight to the
// backend; call only while the oldest in-flight command's Reply.State is
// ReplyLoadData. An empty chunk is the relay terminator.
func (e *Engine) RelayLoadData(chunk []byte) error {
	e.mu.Lock()
	if len(e.inflight) == 0 || e.inflight[0].reply.State != ReplyLoadData {
		e.mu.Unlock()
		return &InternalError{Reason: "RelayLoadData called outside LOAD_DATA"}
	}
	err := e.w.WritePacket(chunk)
	e.mu.Unlock()
	if err != nil {
		ioErr := &IOError{Err: err}
		e.fail(ioErr)
		return ioErr
	}
	return nil
}

// CanReuse reports whether the "can_close" predicate holds: in ROUTING,
// nothing in flight, not mid change-user.
func (e *Engine) CanReuse() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRouting && len(e.inflight) == 0 && !e.changingUser
}

// Reuse rebinds the backend to a new session without re-handshaking: it
// only discards this backend's prepared-statement bookkeeping, since
// prepared statements don't survive a session boundary.
func (e *Engine) Reuse(creds Credentials) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRouting || len(e.inflight) != 0 || e.changingUser {
		return &InternalError{Reason: "reuse called when can_close does not hold"}
	}
	e.ps.reset()
	e.creds = creds
	return nil
}

// Ping sends a keepalive COM_PING; its reply is consumed and never
// forwarded to the sink.
func (e *Engine) Ping() error {
	e.mu.Lock()
	if e.state != StateRouting {
		e.mu.Unlock()
		return &InternalError{Reason: "ping outside ROUTING"}
	}
	payload := wire.EncodeCommand(wire.ComPing, nil)
	done := make(chan error, 1)
	tc := &trackedCommand{
		req:    writeRequest{Payload: payload, Cmd: wire.ComPing},
		reply:  newReply(e.caps, false),
		hidden: true,
		onDone: func(_ *Reply, err error) { done <- err },
	}
	e.w.ResetSequence()
	if err := e.w.WritePacket(payload); err != nil {
		e.mu.Unlock()
		e.fail(&IOError{Err: err})
		return err
	}
	e.inflight = append(e.inflight, tc)
	e.mu.Unlock()
	return <-done
}

// ChangeUser performs a mid-ROUTING re-authentication: intermediate OK/
// auth-switch/auth-more-data packets are handled internally and only the
// final outcome is surfaced.
func (e *Engine) ChangeUser(creds Credentials) error {
	e.mu.Lock()
	if e.state != StateRouting {
		e.mu.Unlock()
		return &InternalError{Reason: "change-user outside ROUTING"}
	}
	plugin, err := auth.ByName("mysql_native_password")
	if err != nil {
		e.mu.Unlock()
		return err
	}
	body := encodeChangeUserBody(creds, plugin.Name())
	payload := wire.EncodeCommand(wire.ComChangeUser, body)
	e.changingUser = true
	e.w.ResetSequence()
	if err := e.w.WritePacket(payload); err != nil {
		e.changingUser = false
		e.mu.Unlock()
		e.fail(&IOError{Err: err})
		return err
	}
	e.mu.Unlock()

	next := func() (wire.Packet, error) {
		pkt, ok := <-e.changeUserPkts
		if !ok {
			return wire.Packet{}, &IOError{Err: errChangeUserAborted}
		}
		return pkt, nil
	}
	authErr := driveAuthExchange(next, e.w, plugin, creds.Password, false)

	e.mu.Lock()
	e.changingUser = false
	if authErr == nil {
		e.creds = creds
		e.ps.reset()
	}
	e.mu.Unlock()
	return authErr
}

// encodeChangeUserBody builds the COM_CHANGE_USER request body (protocol
// 4.1 shape: user, scrambled password placeholder, schema, charset, plugin
// name). The actual scramble exchange happens via the auth-switch path
// driveAuthExchange drives afterward, so the initial auth-response field is
// left empty here.
func encodeChangeUserBody(creds Credentials, pluginName string) []byte {
	buf := make([]byte, 0, 32+len(creds.User)+len(creds.DB))
	buf = append(buf, []byte(creds.User)...)
	buf = append(buf, 0)
	buf = append(buf, 0) // zero-length auth-response; server will auth-switch
	buf = append(buf, []byte(creds.DB)...)
	buf = append(buf, 0)
	buf = append(buf, 0x21, 0x00) // collation id 33 (utf8_general_ci), little-endian u16
	buf = append(buf, []byte(pluginName)...)
	buf = append(buf, 0)
	return buf
}

// Finish sends COM_QUIT (best effort) and closes the connection.
func (e *Engine) Finish() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateFailed {
		return e.conn.Close()
	}
	_ = e.w.WritePacket(wire.EncodeCommand(wire.ComQuit, nil))
	e.state = StateFailed
	return e.conn.Close()
}

func (e *Engine) readLoop() {
	for {
		pkt, err := e.r.Next()
		if err != nil {
			e.fail(&IOError{Err: err})
			return
		}

		e.mu.Lock()
		if e.changingUser {
			e.mu.Unlock()
			e.changeUserPkts <- pkt
			continue
		}
		e.mu.Unlock()

		e.handlePacket(pkt)
	}
}

func (e *Engine) handlePacket(pkt wire.Packet) {
	e.mu.Lock()
	if len(e.inflight) == 0 {
		e.mu.Unlock()
		e.fail(&InternalError{Reason: "unsolicited packet outside LOAD_DATA relay"})
		return
	}
	tc := e.inflight[0]
	complete, ferr := tc.reply.Feed(pkt.Payload)
	if ferr != nil {
		e.inflight = e.inflight[1:]
		e.mu.Unlock()
		if tc.onDone != nil {
			tc.onDone(tc.reply, ferr)
			return
		}
		e.sink.OnError(classifyError(StateRouting, ferr), ferr)
		return
	}

	if complete && tc.reply.IsError {
		be := &BackendError{Code: tc.reply.Err.Code, SQLState: tc.reply.Err.SQLState, Message: tc.reply.Err.Message}
		if be.ConnectionFatal() {
			// The connection itself is gone, not just this statement: don't
			// hand the ERR to the sink as an ordinary reply (relayReply
			// would forward it to the client unchanged) — fail the engine
			// so it surfaces as a transient routing failure instead.
			e.inflight = e.inflight[1:]
			e.mu.Unlock()
			if tc.onDone != nil {
				tc.onDone(tc.reply, be)
				return
			}
			e.fail(be)
			return
		}
	}

	if complete {
		e.inflight = e.inflight[1:]
		if tc.req.IsPSPrepare && !tc.reply.IsError {
			e.ps.register(tc.req.PrepareInternalID, tc.reply.Prepare.StatementID)
		}
	}
	e.mu.Unlock()

	if tc.onDone != nil {
		if complete {
			tc.onDone(tc.reply, nil)
		}
		return
	}
	if tc.hidden {
		return
	}
	e.sink.OnReply(tc.reply, complete)
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.state == StateFailed {
		e.mu.Unlock()
		return
	}
	oldState := e.state
	e.state = StateFailed
	pending := e.inflight
	e.inflight = nil
	changingUser := e.changingUser
	e.mu.Unlock()

	if changingUser {
		close(e.changeUserPkts)
	}

	for _, tc := range pending {
		if tc.onDone != nil {
			tc.onDone(tc.reply, err)
		}
	}
	e.sink.OnError(classifyError(oldState, err), err)
}

type engineError string

func (e engineError) Error() string { return string(e) }

const errChangeUserAborted engineError = "change-user aborted by connection close"
