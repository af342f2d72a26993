package wire

// StateChangeKind tags the kind of session-state-tracking entry carried in
// an OK packet's trailer.
type StateChangeKind byte

const (
	StateChangeSystemVariable StateChangeKind = 0
	StateChangeSchema         StateChangeKind = 1
	StateChangeGeneral        StateChangeKind = 2 // SESSION_TRACK_STATE_CHANGE
	StateChangeGTIDs          StateChangeKind = 3
	StateChangeTrxCharacteristics StateChangeKind = 4
	StateChangeTrxState       StateChangeKind = 5
)

// StateChange is one decoded entry from the session-track trailer.
type StateChange struct {
	Kind  StateChangeKind
	Key   string // system variable name, for StateChangeSystemVariable
	Value string
}

// DecodeSessionTrack decodes the session-state-change blob trailing an OK
// packet (present when SERVER_SESSION_STATE_CHANGED is set). The blob is a
// sequence of (type byte, length-encoded-string data) entries; for
// StateChangeSystemVariable the data itself is a pair of length-encoded
// strings (name, value).
func DecodeSessionTrack(blob []byte) ([]StateChange, error) {
	var out []StateChange
	pos := 0
	for pos < len(blob) {
		kind := StateChangeKind(blob[pos])
		pos++
		data, n, _, ok := ReadLengthEncodedString(blob[pos:])
		if !ok {
			return out, protoErr("truncated session-track entry")
		}
		pos += n

		switch kind {
		case StateChangeSystemVariable:
			name, off, _, ok := ReadLengthEncodedString(data)
			if !ok {
				return out, protoErr("truncated session-track sysvar name")
			}
			value, _, _, ok := ReadLengthEncodedString(data[off:])
			if !ok {
				return out, protoErr("truncated session-track sysvar value")
			}
			out = append(out, StateChange{Kind: kind, Key: string(name), Value: string(value)})
		default:
			out = append(out, StateChange{Kind: kind, Value: string(data)})
		}
	}
	return out, nil
}
