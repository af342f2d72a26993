package wire

import "encoding/binary"

// OK is a decoded OK packet.
type OK struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
	Info         string
	SessionTrack []StateChange
}

// DecodeOK decodes an OK packet. header must be OKHeader or, for
// CLIENT_DEPRECATE_EOF result-set terminators, EOFHeader with a long
// enough payload (callers distinguish that case before calling in).
// It reads the trailing session-state-tracking blob when
// SERVER_SESSION_STATE_CHANGED is set in the status flags and the client
// capability included CLIENT_SESSION_TRACK.
func DecodeOK(payload []byte, capabilities uint32) (OK, error) {
	var ok OK
	if len(payload) < 1 {
		return ok, protoErr("empty OK packet")
	}
	pos := 1 // skip header byte

	var n int
	var good bool
	ok.AffectedRows, _, n, good = ReadLengthEncodedInt(payload[pos:])
	if !good {
		return ok, protoErr("truncated OK affected_rows")
	}
	pos += n

	ok.LastInsertID, _, n, good = ReadLengthEncodedInt(payload[pos:])
	if !good {
		return ok, protoErr("truncated OK last_insert_id")
	}
	pos += n

	if capabilities&ClientProtocol41 != 0 {
		if len(payload) < pos+4 {
			return ok, protoErr("truncated OK status/warnings")
		}
		ok.StatusFlags = binary.LittleEndian.Uint16(payload[pos : pos+2])
		ok.Warnings = binary.LittleEndian.Uint16(payload[pos+2 : pos+4])
		pos += 4
	} else if capabilities&ClientTransactions != 0 {
		if len(payload) < pos+2 {
			return ok, protoErr("truncated OK status")
		}
		ok.StatusFlags = binary.LittleEndian.Uint16(payload[pos : pos+2])
		pos += 2
	}

	if pos >= len(payload) {
		return ok, nil
	}

	if capabilities&ClientSessionTrack != 0 {
		info, n, _, good := ReadLengthEncodedString(payload[pos:])
		if !good {
			return ok, protoErr("truncated OK info string")
		}
		ok.Info = string(info)
		pos += n

		if ok.StatusFlags&ServerSessionStateChanged != 0 && pos < len(payload) {
			blob, n, _, good := ReadLengthEncodedString(payload[pos:])
			if !good {
				return ok, protoErr("truncated OK session-track blob")
			}
			pos += n
			changes, err := DecodeSessionTrack(blob)
			if err != nil {
				return ok, err
			}
			ok.SessionTrack = changes
		}
	} else {
		ok.Info = string(payload[pos:])
	}

	return ok, nil
}

// Err is a decoded ERR packet.
type Err struct {
	Code     uint16
	SQLState string
	Message  string
}

// IsConnectionFatal reports whether the SQL state class indicates the
// connection itself, not just the statement, is no longer usable (class
// 08 per the SQL standard).
func (e Err) IsConnectionFatal() bool {
	return len(e.SQLState) >= 2 && e.SQLState[:2] == "08"
}

// DecodeErr decodes an ERR packet.
func DecodeErr(payload []byte, capabilities uint32) (Err, error) {
	var e Err
	if len(payload) < 3 {
		return e, protoErr("truncated ERR packet")
	}
	pos := 1
	e.Code = binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2

	if capabilities&ClientProtocol41 != 0 {
		if len(payload) < pos+6 || payload[pos] != '#' {
			return e, protoErr("malformed ERR sql state marker")
		}
		e.SQLState = string(payload[pos+1 : pos+6])
		pos += 6
	}
	e.Message = string(payload[pos:])
	return e, nil
}

// EOF is a decoded EOF packet (protocol 4.1 form; legacy 0xfe with <9
// bytes never carries status/warnings).
type EOF struct {
	Warnings    uint16
	StatusFlags uint16
}

// DecodeEOF decodes an EOF packet.
func DecodeEOF(payload []byte, capabilities uint32) (EOF, error) {
	var e EOF
	if len(payload) < 1 || payload[0] != EOFHeader {
		return e, protoErr("not an EOF packet")
	}
	if capabilities&ClientProtocol41 != 0 && len(payload) >= 5 {
		e.Warnings = binary.LittleEndian.Uint16(payload[1:3])
		e.StatusFlags = binary.LittleEndian.Uint16(payload[3:5])
	}
	return e, nil
}

// IsLegacyEOF reports whether payload is a pre-4.1 EOF marker: header byte
// 0xfe with fewer than 9 bytes total (distinguishing it from a length-
// encoded-integer column count that happens to start with 0xfe, and from a
// row value that starts with 0xfe).
func IsLegacyEOF(payload []byte) bool {
	return len(payload) > 0 && payload[0] == EOFHeader && len(payload) < 9
}

// ColumnDefinition is a decoded column-definition packet (protocol 4.1).
type ColumnDefinition struct {
	Catalog      string
	Schema       string
	Table        string
	OrgTable     string
	Name         string
	OrgName      string
	Charset      uint16
	ColumnLength uint32
	Type         byte
	Flags        uint16
	Decimals     byte
}

// DecodeColumnDefinition decodes one column-definition packet.
func DecodeColumnDefinition(payload []byte) (ColumnDefinition, error) {
	var c ColumnDefinition
	pos := 0
	read := func(field string) (string, bool) {
		s, n, _, ok := ReadLengthEncodedString(payload[pos:])
		if !ok {
			return "", false
		}
		pos += n
		return string(s), true
	}
	var ok bool
	if c.Catalog, ok = read("catalog"); !ok {
		return c, protoErr("truncated column def: catalog")
	}
	if c.Schema, ok = read("schema"); !ok {
		return c, protoErr("truncated column def: schema")
	}
	if c.Table, ok = read("table"); !ok {
		return c, protoErr("truncated column def: table")
	}
	if c.OrgTable, ok = read("org_table"); !ok {
		return c, protoErr("truncated column def: org_table")
	}
	if c.Name, ok = read("name"); !ok {
		return c, protoErr("truncated column def: name")
	}
	if c.OrgName, ok = read("org_name"); !ok {
		return c, protoErr("truncated column def: org_name")
	}

	_, _, n, ok := ReadLengthEncodedInt(payload[pos:]) // length-of-fixed-fields, always 0x0c
	if !ok {
		return c, protoErr("truncated column def: fixed fields length")
	}
	pos += n

	if len(payload) < pos+13 {
		return c, protoErr("truncated column def: fixed fields")
	}
	c.Charset = binary.LittleEndian.Uint16(payload[pos : pos+2])
	c.ColumnLength = binary.LittleEndian.Uint32(payload[pos+2 : pos+6])
	c.Type = payload[pos+6]
	c.Flags = binary.LittleEndian.Uint16(payload[pos+7 : pos+9])
	c.Decimals = payload[pos+9]
	return c, nil
}

// EncodeColumnDefinition builds one column-definition packet body, the
// mirror of DecodeColumnDefinition.
func EncodeColumnDefinition(c ColumnDefinition) []byte {
	var buf []byte
	buf = PutLengthEncodedString(buf, []byte(c.Catalog))
	buf = PutLengthEncodedString(buf, []byte(c.Schema))
	buf = PutLengthEncodedString(buf, []byte(c.Table))
	buf = PutLengthEncodedString(buf, []byte(c.OrgTable))
	buf = PutLengthEncodedString(buf, []byte(c.Name))
	buf = PutLengthEncodedString(buf, []byte(c.OrgName))
	buf = PutLengthEncodedInt(buf, 0x0c)

	fixed := make([]byte, 13)
	binary.LittleEndian.PutUint16(fixed[0:2], c.Charset)
	binary.LittleEndian.PutUint32(fixed[2:6], c.ColumnLength)
	fixed[6] = c.Type
	binary.LittleEndian.PutUint16(fixed[7:9], c.Flags)
	fixed[9] = c.Decimals
	buf = append(buf, fixed...)
	return buf
}

// WriteOK encodes an OK packet body (without frame header).
func WriteOK(affectedRows, lastInsertID uint64, status, warnings uint16, capabilities uint32) []byte {
	data := make([]byte, 0, 16)
	data = append(data, OKHeader)
	data = PutLengthEncodedInt(data, affectedRows)
	data = PutLengthEncodedInt(data, lastInsertID)
	if capabilities&ClientProtocol41 != 0 {
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], status)
		data = append(data, tmp[:]...)
		binary.LittleEndian.PutUint16(tmp[:], warnings)
		data = append(data, tmp[:]...)
	}
	return data
}

// WriteErr encodes an ERR packet body.
func WriteErr(code uint16, sqlState, message string, capabilities uint32) []byte {
	data := make([]byte, 0, 16+len(message))
	data = append(data, ErrHeader)
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], code)
	data = append(data, tmp[:]...)
	if capabilities&ClientProtocol41 != 0 {
		data = append(data, '#')
		data = append(data, []byte(sqlState)...)
	}
	return append(data, []byte(message)...)
}

// WriteEOF encodes an EOF packet body.
func WriteEOF(status, warnings uint16, capabilities uint32) []byte {
	data := make([]byte, 0, 9)
	data = append(data, EOFHeader)
	if capabilities&ClientProtocol41 != 0 {
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], warnings)
		data = append(data, tmp[:]...)
		binary.LittleEndian.PutUint16(tmp[:], status)
		data = append(data, tmp[:]...)
	}
	return data
}
