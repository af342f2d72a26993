package backend

import (
	"crypto/tls"
	"net"

	"github.com/sqlrelay/sqlrelay/internal/backend/auth"
	"github.com/sqlrelay/sqlrelay/internal/wire"
)

// defaultMaxPacketSize is what the handshake response advertises as this
// client's largest acceptable packet.
const defaultMaxPacketSize = 16 * 1024 * 1024

// HandshakeParams carries everything the handshake sub-machine needs that
// isn't already known from the wire itself.
type HandshakeParams struct {
	Username     string
	Password     string
	Database     string
	Charset      byte
	TLSConfig    *tls.Config
	ConnectAttrs map[string]string
}

// HandshakeResult is what a completed handshake leaves behind: the
// server's greeting, the negotiated capability set, and the connection the
// rest of the session must use (replaced by a *tls.Conn when TLS was
// negotiated).
type HandshakeResult struct {
	Server       wire.Handshake
	Capabilities uint32
	Conn         net.Conn
}

// performHandshake reads the server's initial handshake, negotiates TLS
// when both sides support it, and drives the authentication exchange to
// completion or an error. It is synchronous: the
// caller already owns this connection exclusively and nothing else may
// read or write it until this returns. There is no PROXY-protocol preamble
// phase — HandshakeParams has no field to request one, and nothing sends a
// preamble before the handshake read.
func performHandshake(conn net.Conn, p HandshakeParams) (HandshakeResult, error) {
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	greeting, err := r.Next()
	if err != nil {
		return HandshakeResult{}, &IOError{Err: err}
	}
	hs, err := wire.DecodeInitialHandshake(greeting.Payload)
	if err != nil {
		return HandshakeResult{}, &ProtocolError{Context: "initial handshake", Err: err}
	}

	clientCaps := wire.DefaultClientCapabilities
	effectiveConn := conn

	if p.TLSConfig != nil && hs.Capabilities&wire.ClientSSL != 0 {
		sslReq := wire.EncodeSSLRequest(clientCaps, hs.Capabilities, defaultMaxPacketSize, p.Charset)
		if err := w.WritePacket(sslReq); err != nil {
			return HandshakeResult{}, &IOError{Err: err}
		}
		tlsConn := tls.Client(conn, p.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return HandshakeResult{}, &ConnectError{Err: err}
		}
		effectiveConn = tlsConn
		r = wire.NewReader(effectiveConn)
		w = wire.NewWriter(effectiveConn)
		w.SetSequence(greeting.Sequence + 2)
	} else {
		w.SetSequence(greeting.Sequence + 1)
	}

	plugin, err := auth.ByName(hs.AuthPluginName)
	if err != nil {
		return HandshakeResult{}, &AuthError{Reason: err.Error()}
	}
	authResp, err := plugin.Respond(p.Password, hs.AuthPluginData)
	if err != nil {
		return HandshakeResult{}, &AuthError{Reason: err.Error()}
	}

	respPayload := wire.EncodeHandshakeResponse(wire.HandshakeResponseParams{
		ClientCapabilities: clientCaps,
		ServerCapabilities: hs.Capabilities,
		MaxPacketSize:      defaultMaxPacketSize,
		Charset:            p.Charset,
		User:               p.Username,
		AuthResponse:       authResp,
		Database:           p.Database,
		AuthPluginName:     plugin.Name(),
		ConnectAttrs:       p.ConnectAttrs,
	})
	if err := w.WritePacket(respPayload); err != nil {
		return HandshakeResult{}, &IOError{Err: err}
	}

	secure := p.TLSConfig != nil
	if err := driveAuthExchange(r.Next, w, plugin, p.Password, secure); err != nil {
		return HandshakeResult{}, err
	}

	return HandshakeResult{Server: hs, Capabilities: clientCaps & hs.Capabilities, Conn: effectiveConn}, nil
}

// driveAuthExchange handles the auth-switch-request / auth-more-data loop
// that can follow a handshake response before the final OK or ERR. next
// supplies one logical packet at a time; callers that must keep a
// concurrent reader goroutine as the connection's sole reader (the steady-
// state engine during CHANGE_USER) pass a function backed by a channel
// instead of r.Next directly.
func driveAuthExchange(next func() (wire.Packet, error), w *wire.Writer, plugin auth.Plugin, password string, secure bool) error {
	for {
		pkt, err := next()
		if err != nil {
			return &IOError{Err: err}
		}
		if len(pkt.Payload) == 0 {
			return &ProtocolError{Context: "auth exchange", Err: errEmptyAuthPacket}
		}

		switch pkt.Payload[0] {
		case wire.OKHeader:
			if _, err := wire.DecodeOK(pkt.Payload, wire.DefaultClientCapabilities); err != nil {
				return &ProtocolError{Context: "auth OK", Err: err}
			}
			return nil

		case wire.ErrHeader:
			e, err := wire.DecodeErr(pkt.Payload, wire.DefaultClientCapabilities)
			if err != nil {
				return &ProtocolError{Context: "auth ERR", Err: err}
			}
			return &AuthError{Reason: e.Message}

		case wire.AuthSwitchHeader:
			req, err := wire.DecodeAuthSwitchRequest(pkt.Payload)
			if err != nil {
				return &ProtocolError{Context: "auth switch", Err: err}
			}
			next, err := auth.ByName(req.PluginName)
			if err != nil {
				return &AuthError{Reason: err.Error()}
			}
			plugin = next
			resp, err := plugin.Respond(password, req.PluginData)
			if err != nil {
				return &AuthError{Reason: err.Error()}
			}
			if err := w.WritePacket(resp); err != nil {
				return &IOError{Err: err}
			}

		case wire.AuthMoreDataHeader:
			data, err := wire.DecodeAuthMoreData(pkt.Payload)
			if err != nil {
				return &ProtocolError{Context: "auth more data", Err: err}
			}
			if len(data) == 0 {
				continue
			}
			switch data[0] {
			case 0x03: // fast-auth success, final OK still to come
				continue
			case 0x04: // full authentication required
				full, ok := plugin.(auth.FullAuthResponder)
				if !ok {
					return &AuthError{Reason: "plugin has no full-authentication phase"}
				}
				resp, err := full.FullAuth(password, secure)
				if err != nil {
					return &AuthError{Reason: err.Error()}
				}
				if err := w.WritePacket(resp); err != nil {
					return &IOError{Err: err}
				}
			default:
				continue
			}

		default:
			return &ProtocolError{Context: "auth exchange", Err: errUnexpectedAuthPacket}
		}
	}
}

type handshakeError string

func (e handshakeError) Error() string { return string(e) }

const (
	errEmptyAuthPacket      handshakeError = "empty packet during authentication"
	errUnexpectedAuthPacket handshakeError = "unexpected packet shape during authentication"
)
