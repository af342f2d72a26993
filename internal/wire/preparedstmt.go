package wire

import "encoding/binary"

// PrepareOK is the decoded first packet of a COM_STMT_PREPARE response.
type PrepareOK struct {
	StatementID uint32
	NumColumns  uint16
	NumParams   uint16
	Warnings    uint16
}

// DecodePrepareOK decodes the COM_STMT_PREPARE_OK packet.
func DecodePrepareOK(payload []byte) (PrepareOK, error) {
	var p PrepareOK
	if len(payload) < 12 || payload[0] != OKHeader {
		return p, protoErr("malformed STMT_PREPARE_OK")
	}
	p.StatementID = binary.LittleEndian.Uint32(payload[1:5])
	p.NumColumns = binary.LittleEndian.Uint16(payload[5:7])
	p.NumParams = binary.LittleEndian.Uint16(payload[7:9])
	// payload[9] is a filler byte
	p.Warnings = binary.LittleEndian.Uint16(payload[10:12])
	return p, nil
}

// EncodePrepareOK builds a COM_STMT_PREPARE_OK packet body, the mirror of
// DecodePrepareOK. A proxy uses this to hand the client a statement id of
// its own choosing rather than relaying the backend's.
func EncodePrepareOK(p PrepareOK) []byte {
	buf := make([]byte, 12)
	buf[0] = OKHeader
	binary.LittleEndian.PutUint32(buf[1:5], p.StatementID)
	binary.LittleEndian.PutUint16(buf[5:7], p.NumColumns)
	binary.LittleEndian.PutUint16(buf[7:9], p.NumParams)
	binary.LittleEndian.PutUint16(buf[10:12], p.Warnings)
	return buf
}

// StatementIDOffset is the byte offset of the 4-byte LE statement id within
// the payload of any COM_STMT_* command (after the 1-byte command code).
const StatementIDOffset = 1

// ExtractStatementID returns the 4-byte LE statement id at offset
// StatementIDOffset of a COM_STMT_* packet payload (command byte included).
func ExtractStatementID(payload []byte) (uint32, error) {
	if len(payload) < StatementIDOffset+4 {
		return 0, protoErr("truncated statement id")
	}
	return binary.LittleEndian.Uint32(payload[StatementIDOffset : StatementIDOffset+4]), nil
}

// PutStatementID rewrites the 4-byte LE statement id in place within a
// COM_STMT_* packet payload, used for external-to-internal id translation
// before forwarding to a backend.
func PutStatementID(payload []byte, id uint32) error {
	if len(payload) < StatementIDOffset+4 {
		return protoErr("truncated statement id")
	}
	binary.LittleEndian.PutUint32(payload[StatementIDOffset:StatementIDOffset+4], id)
	return nil
}

// ExtractParamCount returns the 2-byte LE parameter count carried in a
// COM_STMT_PREPARE_OK packet's partner fields; for COM_STMT_EXECUTE the
// count must come from the registered PreparedStatement, not the wire
// packet, since STMT_EXECUTE doesn't repeat it.
func ExtractParamCount(prepareOK PrepareOK) uint16 {
	return prepareOK.NumParams
}

// NewParamsBoundOffset computes the byte offset of the "new-params-bound"
// flag in a COM_STMT_EXECUTE packet payload: after the command byte (1),
// statement id (4), flags (1), iteration count (4), and the
// null-bitmap (ceil(paramCount/8) bytes).
func NewParamsBoundOffset(paramCount int) int {
	return 1 + 4 + 1 + 4 + (paramCount+7)/8
}

// HasNewParamsBound reports whether a COM_STMT_EXECUTE packet declares new
// parameter types are bound (byte != 0 at NewParamsBoundOffset). When
// false, the execution relies on a previous execute's bound types and
// must be routed to the same backend as that previous execute.
func HasNewParamsBound(payload []byte, paramCount int) (bool, error) {
	off := NewParamsBoundOffset(paramCount)
	if len(payload) <= off {
		return false, protoErr("truncated STMT_EXECUTE new-params-bound flag")
	}
	return payload[off] != 0, nil
}

// ExternalIDMostRecent is the sentinel external statement id meaning "the
// most recently prepared statement on this session".
const ExternalIDMostRecent uint32 = 0xFFFFFFFF
