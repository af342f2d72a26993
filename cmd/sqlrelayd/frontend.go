package main

import (
	"crypto/rand"
	"log"
	"net"
	"time"

	"github.com/sqlrelay/sqlrelay/internal/backend"
	"github.com/sqlrelay/sqlrelay/internal/classify"
	"github.com/sqlrelay/sqlrelay/internal/metrics"
	"github.com/sqlrelay/sqlrelay/internal/route"
	"github.com/sqlrelay/sqlrelay/internal/session"
	"github.com/sqlrelay/sqlrelay/internal/wire"
)

const serverVersion = "8.0.31-sqlrelay"

// connSink receives exactly one backend.Engine's replies, one at a time:
// the demo frontend never pipelines, so a buffered channel of one is
// always enough room.
type connSink struct {
	server  string
	replies chan *backend.Reply
	errs    chan backendErr
}

type backendErr struct {
	kind backend.ErrorKind
	err  error
}

func newConnSink(server string) *connSink {
	return &connSink{
		server:  server,
		replies: make(chan *backend.Reply, 1),
		errs:    make(chan backendErr, 1),
	}
}

func (s *connSink) OnReply(reply *backend.Reply, isComplete bool) {
	// A LOAD DATA LOCAL INFILE request also needs forwarding even though
	// it doesn't complete the reply: the frontend has to hand it to the
	// client and relay the file bytes back before the backend's final
	// OK/ERR can arrive.
	if !isComplete && reply.State != backend.ReplyLoadData {
		return
	}
	s.replies <- reply
}

func (s *connSink) OnError(kind backend.ErrorKind, err error) {
	metrics.BackendErrors.WithLabelValues(s.server, kind.String()).Inc()
	s.errs <- backendErr{kind: kind, err: err}
}

func (s *connSink) OnHandshakeDone() {}

// openBackend is one backend connection a client session is currently
// holding (not pooled, because it's mid-use).
type openBackend struct {
	server route.ServerID
	engine *backend.Engine
	sink   *connSink
}

// clientHandler drives one accepted client connection end to end:
// handshake, then a classify -> route.Select -> dispatch loop per command.
type clientHandler struct {
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	backends map[string]*backendSet
	active   string // which configured backend this session routes through

	sess *session.Session
	open map[route.ServerID]*openBackend

	lastTarget       route.ServerTarget
	haveLastUsed     bool
	nextExternalPSID uint32
}

func handleConnection(conn net.Conn, backends map[string]*backendSet, defaultBackend string) {
	defer conn.Close()

	h := &clientHandler{
		conn:     conn,
		r:        wire.NewReader(conn),
		w:        wire.NewWriter(conn),
		backends: backends,
		active:   defaultBackend,
		sess:     session.New(),
		open:     make(map[route.ServerID]*openBackend),
	}
	defer h.closeAllBackends()

	if err := h.handshake(); err != nil {
		log.Printf("[sqlrelayd] handshake error: %v", err)
		return
	}

	for {
		pkt, err := h.r.Next()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if wire.Command(pkt.Payload[0]) == wire.ComQuit {
			return
		}
		if err := h.handleCommand(pkt.Payload); err != nil {
			log.Printf("[sqlrelayd] command error: %v", err)
			return
		}
	}
}

func (h *clientHandler) handshake() error {
	scramble := make([]byte, 20)
	if _, err := rand.Read(scramble); err != nil {
		return err
	}

	h.w.ResetSequence()
	greeting := wire.EncodeInitialHandshake(wire.InitialHandshakeParams{
		ServerVersion:  serverVersion,
		ThreadID:       1,
		AuthPluginData: scramble,
		Capabilities:   wire.DefaultClientCapabilities,
		Charset:        0x2d,
		StatusFlags:    wire.ServerStatusAutocommit,
		AuthPluginName: "mysql_native_password",
	})
	if err := h.w.WritePacket(greeting); err != nil {
		return err
	}

	pkt, err := h.r.Next()
	if err != nil {
		return err
	}
	resp, err := wire.DecodeHandshakeResponse(pkt.Payload)
	if err != nil {
		return err
	}
	// The reference frontend accepts any credentials the client presents;
	// real authentication against the backend happens when this session
	// first dials a backend.Engine with the configured backend credentials.
	_ = resp.User
	h.sess.CurrentDB = resp.Database

	h.w.SetSequence(2)
	return h.w.WritePacket(wire.WriteOK(0, 0, uint16(wire.ServerStatusAutocommit), 0, wire.DefaultClientCapabilities))
}

func (h *clientHandler) closeAllBackends() {
	for _, ob := range h.open {
		bs := h.backends[h.active]
		if bs != nil && ob.engine.CanReuse() {
			bs.pool.Put(backend.ServerID(ob.server), ob.engine)
			continue
		}
		ob.engine.Finish()
	}
}

func (h *clientHandler) handleCommand(payload []byte) error {
	start := time.Now()
	cmd := wire.Command(payload[0])

	c, err := classify.Classify(payload)
	if err != nil {
		return h.writeErr(1, "HY000", err.Error())
	}
	c.TypeMask = h.sess.ResolveTypeMask(c)

	if classify.IsPSCommand(cmd) && cmd != wire.ComStmtPrepare {
		return h.dispatchPSCommand(cmd, payload, c)
	}
	if cmd == wire.ComStmtPrepare {
		return h.dispatchPrepare(payload, c)
	}

	h.sess.ObserveClassification(c)

	target := route.Select(c, h.sess, route.Hints{}, route.Options{})
	metrics.RouteLatency.WithLabelValues(cmd.String()).Observe(time.Since(start).Seconds())

	st, err := h.resolveTarget(target)
	if err != nil {
		return h.writeErr(1, "HY000", err.Error())
	}

	return h.dispatchAndRelay(st, cmd, payload, 0, c)
}

// resolveTarget turns a route.Target into a concrete server, substituting
// the session's own notion of "last used" for route.LastUsed since the
// reference Router has no way to know it.
func (h *clientHandler) resolveTarget(target route.Target) (route.ServerTarget, error) {
	bs := h.backends[h.active]
	if bs == nil {
		return route.ServerTarget{}, &missingBackendError{name: h.active}
	}
	if target.Role() == route.LastUsed && h.haveLastUsed {
		return h.lastTarget, nil
	}
	targets, err := bs.router.Resolve(target, route.Hints{})
	if err != nil {
		return route.ServerTarget{}, err
	}
	return targets[0], nil
}

type missingBackendError struct{ name string }

func (e *missingBackendError) Error() string { return "sqlrelayd: no configured backend " + e.name }

// dispatchAndRelay sends one command to st and relays its reply back to
// the client. internalPSID is only meaningful for COM_STMT_PREPARE.
func (h *clientHandler) dispatchAndRelay(st route.ServerTarget, cmd wire.Command, payload []byte, internalPSID uint32, c classify.Classification) error {
	ob, err := h.backendFor(st)
	if err != nil {
		return h.writeErr(1, "08S01", err.Error())
	}

	start := time.Now()
	if err := ob.engine.Dispatch(cmd, payload, internalPSID); err != nil {
		return h.writeErr(1, "08S01", err.Error())
	}

	for {
		select {
		case reply := <-ob.sink.replies:
			if reply.State == backend.ReplyLoadData {
				if err := h.relayLoadData(ob, reply); err != nil {
					delete(h.open, st.ID)
					ob.engine.Finish()
					return h.writeErr(1, "08S01", err.Error())
				}
				continue
			}
			metrics.CommandsTotal.WithLabelValues(cmd.String(), st.Role.String()).Inc()
			metrics.BackendLatency.WithLabelValues(string(st.ID), st.Role.String()).Observe(time.Since(start).Seconds())
			h.lastTarget = st
			h.haveLastUsed = true
			if c.Operation == classify.OpCommit || c.Operation == classify.OpRollback {
				h.sess.ObserveTransactionEnd()
			}
			return h.relayReply(reply, internalPSID)
		case be := <-ob.sink.errs:
			delete(h.open, st.ID)
			ob.engine.Finish()
			if be.kind == backend.Permanent {
				h.backends[h.active].router.MarkUnhealthy(st.ID)
			}
			return h.writeErr(1, "08S01", be.err.Error())
		}
	}
}

// relayLoadData drives one LOAD DATA LOCAL INFILE exchange: it forwards the
// backend's file request to the client unchanged, then relays the client's
// file-content packets straight through to the backend via
// backend.Engine.RelayLoadData until the client's zero-length terminator
// packet, handing control back to dispatchAndRelay's select to pick up the
// backend's eventual OK/ERR.
func (h *clientHandler) relayLoadData(ob *openBackend, reply *backend.Reply) error {
	h.w.ResetSequence()
	req := append([]byte{wire.LocalInfileHeader}, []byte(reply.LocalInfile.Filename)...)
	if err := h.w.WritePacket(req); err != nil {
		return err
	}
	for {
		pkt, err := h.r.Next()
		if err != nil {
			return err
		}
		if err := ob.engine.RelayLoadData(pkt.Payload); err != nil {
			return err
		}
		if len(pkt.Payload) == 0 {
			return nil
		}
	}
}

// backendFor returns an already-open engine for st within this session,
// taking one from the shared pool or dialing fresh if none is held.
func (h *clientHandler) backendFor(st route.ServerTarget) (*openBackend, error) {
	if ob, ok := h.open[st.ID]; ok {
		return ob, nil
	}

	bs := h.backends[h.active]
	sink := newConnSink(string(st.ID))

	if e, ok := bs.pool.Take(backend.ServerID(st.ID), bs.cfg.Credentials); ok {
		e.SetSink(sink)
		ob := &openBackend{server: st.ID, engine: e, sink: sink}
		h.open[st.ID] = ob
		return ob, nil
	}

	conn, err := net.Dial("tcp", st.Addr)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := bs.cfg.TLS.ToTLSConfig()
	if err != nil {
		conn.Close()
		return nil, err
	}

	e := backend.NewEngine(conn, backend.ServerID(st.ID), bs.cfg.Credentials, sink)
	if err := e.Connect(tlsCfg, 0x2d, nil, nil); err != nil {
		return nil, err
	}

	ob := &openBackend{server: st.ID, engine: e, sink: sink}
	h.open[st.ID] = ob
	return ob, nil
}

func (h *clientHandler) writeErr(code uint16, sqlState, message string) error {
	h.w.ResetSequence()
	return h.w.WritePacket(wire.WriteErr(code, sqlState, message, wire.DefaultClientCapabilities))
}

// relayReply translates a completed backend.Reply into the packet(s) the
// client expects. backend.Reply never retains row payload bytes (see
// internal/backend/reply.go's Feed), so a result-set reply relays correct
// column metadata and then terminates the set immediately rather than the
// backend's actual rows; OK and error replies relay exactly.
func (h *clientHandler) relayReply(reply *backend.Reply, _ uint32) error {
	h.w.ResetSequence()
	if reply.IsError {
		return h.w.WritePacket(wire.WriteErr(reply.Err.Code, reply.Err.SQLState, reply.Err.Message, wire.DefaultClientCapabilities))
	}

	if len(reply.Columns) > 0 {
		if err := h.w.WritePacket(wire.PutLengthEncodedInt(nil, uint64(len(reply.Columns)))); err != nil {
			return err
		}
		for _, col := range reply.Columns {
			if err := h.w.WritePacket(wire.EncodeColumnDefinition(col)); err != nil {
				return err
			}
		}
	}

	return h.w.WritePacket(wire.WriteOK(reply.OK.AffectedRows, reply.OK.LastInsertID, reply.OK.StatusFlags, reply.OK.Warnings, wire.DefaultClientCapabilities))
}

// relayPrepareOK sends a PREPARE_OK header with the client's external
// statement id substituted for the backend's real one. It reports zero
// params and zero columns regardless of what the backend actually prepared:
// the frontend never retains the param/column-definition packets a real
// PREPARE_OK promises to follow with (backend.Reply doesn't keep them), so
// claiming a nonzero count here would desync the client on the packets that
// don't arrive.
func (h *clientHandler) relayPrepareOK(reply *backend.Reply, externalID uint32) error {
	h.w.ResetSequence()
	ok := reply.Prepare
	ok.StatementID = externalID
	ok.NumParams = 0
	ok.NumColumns = 0
	return h.w.WritePacket(wire.EncodePrepareOK(ok))
}

// dispatchPrepare handles COM_STMT_PREPARE. Select always routes prepares
// to route.All: the statement must exist on every backend a later EXECUTE
// might land on, since the reference Router has no way to pin it to just
// the one(s) used at prepare time.
func (h *clientHandler) dispatchPrepare(payload []byte, c classify.Classification) error {
	bs := h.backends[h.active]
	if bs == nil {
		return h.writeErr(1, "HY000", (&missingBackendError{name: h.active}).Error())
	}

	target := route.Select(c, h.sess, route.Hints{}, route.Options{})
	targets, err := bs.router.Resolve(target, route.Hints{})
	if err != nil {
		return h.writeErr(1, "HY000", err.Error())
	}

	externalID := h.nextExternalPSID
	h.nextExternalPSID++
	ps := h.sess.RegisterPrepared(externalID, 0, c.TypeMask&^classify.PrepareStmt)

	var last *backend.Reply
	for _, st := range targets {
		ob, err := h.backendFor(st)
		if err != nil {
			h.sess.ForgetPS(externalID)
			return h.writeErr(1, "08S01", err.Error())
		}
		if err := ob.engine.Dispatch(wire.ComStmtPrepare, payload, ps.InternalID); err != nil {
			h.sess.ForgetPS(externalID)
			return h.writeErr(1, "08S01", err.Error())
		}
		select {
		case reply := <-ob.sink.replies:
			last = reply
			h.lastTarget = st
			h.haveLastUsed = true
		case be := <-ob.sink.errs:
			delete(h.open, st.ID)
			ob.engine.Finish()
			h.sess.ForgetPS(externalID)
			if be.kind == backend.Permanent {
				bs.router.MarkUnhealthy(st.ID)
			}
			return h.writeErr(1, "08S01", be.err.Error())
		}
	}

	if last == nil {
		h.sess.ForgetPS(externalID)
		return h.writeErr(1, "HY000", "sqlrelayd: prepare resolved to no backend")
	}
	ps.ParamCount = last.Prepare.NumParams
	metrics.CommandsTotal.WithLabelValues(wire.ComStmtPrepare.String(), "all").Inc()
	return h.relayPrepareOK(last, externalID)
}

// dispatchPSCommand handles every COM_STMT_* command other than PREPARE:
// it rewrites the client's external statement id to the session-internal
// one the backend engines were given at prepare time, then routes exactly
// as a plain command would, except COM_STMT_EXECUTE borrows the routing
// decision from the statement's own type mask (recorded at prepare time)
// rather than classify.Classify's generic ExecStmt mask.
func (h *clientHandler) dispatchPSCommand(cmd wire.Command, payload []byte, c classify.Classification) error {
	externalID, err := wire.ExtractStatementID(payload)
	if err != nil {
		return h.writeErr(1, "HY000", err.Error())
	}
	ps, ok := h.sess.ResolvePS(externalID)
	if !ok {
		return h.writeErr(1, "HY000", "sqlrelayd: unknown statement id")
	}
	if err := wire.PutStatementID(payload, ps.InternalID); err != nil {
		return h.writeErr(1, "HY000", err.Error())
	}

	if cmd == wire.ComStmtExecute || cmd == wire.ComStmtBulkExecute || cmd == wire.ComStmtFetch {
		c.TypeMask = ps.TypeMask
	}
	h.sess.ObserveClassification(c)

	bs := h.backends[h.active]
	if bs == nil {
		return h.writeErr(1, "HY000", (&missingBackendError{name: h.active}).Error())
	}
	target := route.Select(c, h.sess, route.Hints{}, route.Options{})

	if target.Role() != route.All {
		st, err := h.resolveTarget(target)
		if err != nil {
			return h.writeErr(1, "HY000", err.Error())
		}
		return h.dispatchAndRelay(st, cmd, payload, ps.InternalID, c)
	}

	targets, err := bs.router.Resolve(target, route.Hints{})
	if err != nil {
		return h.writeErr(1, "HY000", err.Error())
	}

	var last *backend.Reply
	for _, st := range targets {
		ob, err := h.backendFor(st)
		if err != nil {
			return h.writeErr(1, "08S01", err.Error())
		}
		if err := ob.engine.Dispatch(cmd, payload, ps.InternalID); err != nil {
			return h.writeErr(1, "08S01", err.Error())
		}
		select {
		case reply := <-ob.sink.replies:
			last = reply
			h.lastTarget = st
			h.haveLastUsed = true
		case be := <-ob.sink.errs:
			delete(h.open, st.ID)
			ob.engine.Finish()
			if be.kind == backend.Permanent {
				bs.router.MarkUnhealthy(st.ID)
			}
			return h.writeErr(1, "08S01", be.err.Error())
		}
	}

	if cmd == wire.ComStmtClose {
		h.sess.ForgetPS(externalID)
	}
	metrics.CommandsTotal.WithLabelValues(cmd.String(), "all").Inc()

	if last == nil {
		return h.writeErr(1, "HY000", "sqlrelayd: statement command resolved to no backend")
	}
	return h.relayReply(last, ps.InternalID)
}
