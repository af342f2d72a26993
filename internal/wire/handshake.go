package wire

import (
	"bytes"
	"encoding/binary"
)

// Handshake is the server's initial handshake packet (protocol version 10).
type Handshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ThreadID        uint32
	AuthPluginData  []byte // concatenated parts 1 + 2, scramble bytes
	Capabilities    uint32
	Charset         byte
	StatusFlags     uint16
	AuthPluginName  string
}

// DecodeInitialHandshake parses the server's greeting packet.
func DecodeInitialHandshake(payload []byte) (Handshake, error) {
	var hs Handshake
	if len(payload) < 1 {
		return hs, protoErr("empty handshake packet")
	}
	pos := 0
	hs.ProtocolVersion = payload[pos]
	pos++
	if hs.ProtocolVersion != 10 {
		return hs, protoErr("unsupported handshake protocol version")
	}

	ver, n, ok := ReadNullTerminatedString(payload[pos:])
	if !ok {
		return hs, protoErr("truncated server version")
	}
	hs.ServerVersion = string(ver)
	pos += n

	if len(payload) < pos+4 {
		return hs, protoErr("truncated thread id")
	}
	hs.ThreadID = binary.LittleEndian.Uint32(payload[pos : pos+4])
	pos += 4

	if len(payload) < pos+8 {
		return hs, protoErr("truncated auth plugin data part 1")
	}
	authData := append([]byte{}, payload[pos:pos+8]...)
	pos += 8

	pos++ // filler

	if len(payload) < pos+2 {
		return hs, protoErr("truncated capability flags (lower)")
	}
	capLower := binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2
	hs.Capabilities = uint32(capLower)

	if pos >= len(payload) {
		hs.AuthPluginData = authData
		return hs, nil
	}

	hs.Charset = payload[pos]
	pos++
	if len(payload) < pos+2 {
		return hs, protoErr("truncated status flags")
	}
	hs.StatusFlags = binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2

	if len(payload) < pos+2 {
		return hs, protoErr("truncated capability flags (upper)")
	}
	capUpper := binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2
	hs.Capabilities |= uint32(capUpper) << 16

	authDataLen := 0
	if len(payload) > pos {
		authDataLen = int(payload[pos])
	}
	pos++
	pos += 10 // reserved

	if hs.Capabilities&ClientSecureConnection != 0 {
		part2Len := authDataLen - 8
		if part2Len < 13 {
			part2Len = 13 // spec mandates at least 12 bytes + NUL
		}
		if len(payload) < pos+part2Len {
			return hs, protoErr("truncated auth plugin data part 2")
		}
		authData = append(authData, payload[pos:pos+part2Len-1]...) // drop trailing NUL
		pos += part2Len
	}

	if hs.Capabilities&ClientPluginAuth != 0 && pos < len(payload) {
		name, _, ok := ReadNullTerminatedString(payload[pos:])
		if ok {
			hs.AuthPluginName = string(name)
		} else {
			hs.AuthPluginName = string(bytes.TrimRight(payload[pos:], "\x00"))
		}
	}

	hs.AuthPluginData = authData
	return hs, nil
}

// InitialHandshakeParams is what a server-role greeting needs: the
// advertised capabilities and an auth-plugin scramble to embed.
type InitialHandshakeParams struct {
	ServerVersion  string
	ThreadID       uint32
	AuthPluginData []byte // 20-byte scramble; split 8+12 across the packet
	Capabilities   uint32
	Charset        byte
	StatusFlags    uint16
	AuthPluginName string
}

// EncodeInitialHandshake builds a protocol-10 greeting packet, the mirror
// of DecodeInitialHandshake for callers acting as the server side of the
// handshake (the demo frontend toward real clients, rather than the core
// engine toward a backend).
func EncodeInitialHandshake(p InitialHandshakeParams) []byte {
	scramble := p.AuthPluginData
	if len(scramble) < 20 {
		padded := make([]byte, 20)
		copy(padded, scramble)
		scramble = padded
	}

	buf := make([]byte, 0, 64+len(p.ServerVersion)+len(p.AuthPluginName))
	buf = append(buf, 10) // protocol version
	buf = append(buf, []byte(p.ServerVersion)...)
	buf = append(buf, 0)

	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], p.ThreadID)
	buf = append(buf, tmp4[:]...)

	buf = append(buf, scramble[:8]...)
	buf = append(buf, 0) // filler

	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], uint16(p.Capabilities))
	buf = append(buf, tmp2[:]...)

	buf = append(buf, p.Charset)
	binary.LittleEndian.PutUint16(tmp2[:], p.StatusFlags)
	buf = append(buf, tmp2[:]...)

	binary.LittleEndian.PutUint16(tmp2[:], uint16(p.Capabilities>>16))
	buf = append(buf, tmp2[:]...)

	if p.Capabilities&ClientSecureConnection != 0 {
		buf = append(buf, byte(len(scramble)+1))
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, make([]byte, 10)...) // reserved

	if p.Capabilities&ClientSecureConnection != 0 {
		buf = append(buf, scramble[8:]...)
		buf = append(buf, 0)
	}

	if p.Capabilities&ClientPluginAuth != 0 {
		buf = append(buf, []byte(p.AuthPluginName)...)
		buf = append(buf, 0)
	}

	return buf
}

// HandshakeResponseParams carries everything needed to build the client's
// handshake response packet.
type HandshakeResponseParams struct {
	ClientCapabilities uint32
	ServerCapabilities uint32
	MaxPacketSize      uint32
	Charset            byte
	User               string
	AuthResponse       []byte
	Database           string
	AuthPluginName     string
	ConnectAttrs       map[string]string
}

// EncodeHandshakeResponse builds a protocol-41 handshake response packet.
// The effective capability set is the intersection of client and server
// capabilities, plus CLIENT_CONNECT_WITH_DB when a database is given and
// CLIENT_PLUGIN_AUTH when a plugin name is given; those two are set even
// if the server didn't advertise them.
func EncodeHandshakeResponse(p HandshakeResponseParams) []byte {
	caps := p.ClientCapabilities & p.ServerCapabilities
	if p.Database != "" {
		caps |= ClientConnectWithDB
	}
	if p.AuthPluginName != "" {
		caps |= ClientPluginAuth
	}

	buf := make([]byte, 0, 64+len(p.User)+len(p.AuthResponse)+len(p.Database))
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], caps)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:], p.MaxPacketSize)
	buf = append(buf, tmp[:]...)
	buf = append(buf, p.Charset)
	buf = append(buf, make([]byte, 23)...) // reserved

	buf = append(buf, []byte(p.User)...)
	buf = append(buf, 0)

	if caps&ClientPluginAuthLenencClientData != 0 {
		buf = PutLengthEncodedString(buf, p.AuthResponse)
	} else if caps&ClientSecureConnection != 0 {
		buf = append(buf, byte(len(p.AuthResponse)))
		buf = append(buf, p.AuthResponse...)
	} else {
		buf = append(buf, p.AuthResponse...)
		buf = append(buf, 0)
	}

	if caps&ClientConnectWithDB != 0 {
		buf = append(buf, []byte(p.Database)...)
		buf = append(buf, 0)
	}

	if caps&ClientPluginAuth != 0 {
		buf = append(buf, []byte(p.AuthPluginName)...)
		buf = append(buf, 0)
	}

	if caps&ClientConnectAttrs != 0 && len(p.ConnectAttrs) > 0 {
		var attrs []byte
		for k, v := range p.ConnectAttrs {
			attrs = PutLengthEncodedString(attrs, []byte(k))
			attrs = PutLengthEncodedString(attrs, []byte(v))
		}
		buf = PutLengthEncodedInt(buf, uint64(len(attrs)))
		buf = append(buf, attrs...)
	}

	return buf
}

// HandshakeResponse is a decoded protocol-41 client handshake response,
// the mirror of HandshakeResponseParams for the server-role decode path.
type HandshakeResponse struct {
	Capabilities   uint32
	MaxPacketSize  uint32
	Charset        byte
	User           string
	AuthResponse   []byte
	Database       string
	AuthPluginName string
	ConnectAttrs   map[string]string
}

// DecodeHandshakeResponse parses a protocol-41 handshake response. It
// does not support the pre-4.1 response shape (ClientProtocol41 absent);
// the demo frontend requires protocol 4.1 from any client it serves.
func DecodeHandshakeResponse(payload []byte) (HandshakeResponse, error) {
	var r HandshakeResponse
	if len(payload) < 32 {
		return r, protoErr("truncated handshake response")
	}
	r.Capabilities = binary.LittleEndian.Uint32(payload[0:4])
	if r.Capabilities&ClientProtocol41 == 0 {
		return r, protoErr("pre-4.1 handshake response unsupported")
	}
	r.MaxPacketSize = binary.LittleEndian.Uint32(payload[4:8])
	r.Charset = payload[8]
	pos := 32 // 4 + 4 + 1 + 23 reserved

	user, n, ok := ReadNullTerminatedString(payload[pos:])
	if !ok {
		return r, protoErr("truncated username")
	}
	r.User = string(user)
	pos += n

	switch {
	case r.Capabilities&ClientPluginAuthLenencClientData != 0:
		data, n, _, ok := ReadLengthEncodedString(payload[pos:])
		if !ok {
			return r, protoErr("truncated auth response (lenenc)")
		}
		r.AuthResponse = data
		pos += n
	case r.Capabilities&ClientSecureConnection != 0:
		if pos >= len(payload) {
			return r, protoErr("truncated auth response length")
		}
		l := int(payload[pos])
		pos++
		if len(payload) < pos+l {
			return r, protoErr("truncated auth response")
		}
		r.AuthResponse = append([]byte{}, payload[pos:pos+l]...)
		pos += l
	default:
		data, n, ok := ReadNullTerminatedString(payload[pos:])
		if !ok {
			return r, protoErr("truncated auth response (nul-terminated)")
		}
		r.AuthResponse = data
		pos += n
	}

	if r.Capabilities&ClientConnectWithDB != 0 {
		db, n, ok := ReadNullTerminatedString(payload[pos:])
		if !ok {
			return r, protoErr("truncated database name")
		}
		r.Database = string(db)
		pos += n
	}

	if r.Capabilities&ClientPluginAuth != 0 && pos < len(payload) {
		name, n, ok := ReadNullTerminatedString(payload[pos:])
		if !ok {
			return r, protoErr("truncated auth plugin name")
		}
		r.AuthPluginName = string(name)
		pos += n
	}

	if r.Capabilities&ClientConnectAttrs != 0 && pos < len(payload) {
		attrsLen, _, n, ok := ReadLengthEncodedInt(payload[pos:])
		if !ok {
			return r, protoErr("truncated connect attrs length")
		}
		pos += n
		end := pos + int(attrsLen)
		if end > len(payload) {
			return r, protoErr("truncated connect attrs")
		}
		r.ConnectAttrs = make(map[string]string)
		for pos < end {
			k, n, _, ok := ReadLengthEncodedString(payload[pos:])
			if !ok {
				return r, protoErr("truncated connect attr key")
			}
			pos += n
			v, n, _, ok := ReadLengthEncodedString(payload[pos:])
			if !ok {
				return r, protoErr("truncated connect attr value")
			}
			pos += n
			r.ConnectAttrs[string(k)] = string(v)
		}
	}

	return r, nil
}

// EncodeCommand frames a client command packet: command code + payload.
func EncodeCommand(cmd Command, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(cmd))
	return append(out, payload...)
}

// EncodeSSLRequest builds the minimal SSLRequest packet (a handshake
// response with no auth data, sent before the TLS handshake) used to ask
// the server to begin a TLS negotiation.
func EncodeSSLRequest(clientCaps, serverCaps uint32, maxPacketSize uint32, charset byte) []byte {
	caps := (clientCaps | ClientSSL) & (serverCaps | ClientSSL)
	buf := make([]byte, 4+4+1+23)
	binary.LittleEndian.PutUint32(buf[0:4], caps)
	binary.LittleEndian.PutUint32(buf[4:8], maxPacketSize)
	buf[8] = charset
	return buf
}
