package wire

// LocalInfileRequest is the server's request, in reply to a COM_QUERY, for
// the client to stream the contents of a local file for LOAD DATA LOCAL
// INFILE. First payload byte is LocalInfileHeader.
type LocalInfileRequest struct {
	Filename string
}

// DecodeLocalInfileRequest decodes the LOAD DATA LOCAL INFILE request
// packet.
func DecodeLocalInfileRequest(payload []byte) (LocalInfileRequest, error) {
	if len(payload) < 1 || payload[0] != LocalInfileHeader {
		return LocalInfileRequest{}, protoErr("not a local-infile request")
	}
	return LocalInfileRequest{Filename: string(payload[1:])}, nil
}

// AuthSwitchRequest is sent by the server mid-authentication to ask the
// client to restart authentication using a different named plugin.
type AuthSwitchRequest struct {
	PluginName string
	PluginData []byte
}

// AuthSwitchHeader is the first byte of an auth-switch-request packet.
const AuthSwitchHeader byte = 0xfe

// DecodeAuthSwitchRequest decodes an auth-switch-request packet. Note this
// header byte collides with EOFHeader; callers must only attempt this
// decode during the authentication phase, where an EOF packet shape is not
// otherwise expected.
func DecodeAuthSwitchRequest(payload []byte) (AuthSwitchRequest, error) {
	var req AuthSwitchRequest
	if len(payload) < 1 || payload[0] != AuthSwitchHeader {
		return req, protoErr("not an auth-switch-request")
	}
	name, n, ok := ReadNullTerminatedString(payload[1:])
	if !ok {
		return req, protoErr("truncated auth-switch plugin name")
	}
	req.PluginName = string(name)
	req.PluginData = payload[1+n:]
	return req, nil
}

// AuthMoreDataHeader is the first byte of an auth-more-data packet, a
// plugin-specific continuation during authentication.
const AuthMoreDataHeader byte = 0x01

// DecodeAuthMoreData decodes the plugin-specific payload of an
// auth-more-data packet.
func DecodeAuthMoreData(payload []byte) ([]byte, error) {
	if len(payload) < 1 || payload[0] != AuthMoreDataHeader {
		return nil, protoErr("not an auth-more-data packet")
	}
	return payload[1:], nil
}
