// Package wire implements framing and typed decode/encode of the
// MariaDB/MySQL client-server protocol: length-prefixed packets and the
// handshake, auth, command, and response payloads carried inside them.
package wire

import (
	"fmt"
	"io"
)

// MaxPacketSize is the largest payload a single physical packet can carry
// before the message continues in a following packet.
const MaxPacketSize = 1<<24 - 1

// HeaderLen is the length of the packet header: 3-byte payload length plus
// 1-byte sequence id.
const HeaderLen = 4

// ProtocolError is returned for any malformed frame or payload: a packet
// shorter than its declared length, a length-encoded integer that overruns
// its buffer, or an unexpected packet in a context that requires a specific
// shape.
type ProtocolError struct {
	Context string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error (%s): %v", e.Context, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Context)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(ctx string) error { return &ProtocolError{Context: ctx} }

// Packet is one physical length-prefixed frame.
type Packet struct {
	Sequence byte
	Payload  []byte
}

// Command returns the command code, the first payload byte of a command
// packet. Empty payload is invalid.
func (p Packet) Command() (byte, error) {
	if len(p.Payload) == 0 {
		return 0, protoErr("empty command packet")
	}
	return p.Payload[0], nil
}

// Reader reads logical messages off a MariaDB/MySQL connection. A logical
// message is the concatenation of physical packets up to and including the
// first packet whose payload length is less than MaxPacketSize; sequence
// ids are expected to be monotonic modulo 256 across that run.
type Reader struct {
	r   io.Reader
	seq byte
}

// NewReader wraps r. ResetSequence should be called at the start of every
// new client command, per the sequence-id invariant in the wire format.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ResetSequence resets the expected sequence counter to 0.
func (r *Reader) ResetSequence() { r.seq = 0 }

// readPhysical reads exactly one physical packet.
func (r *Reader) readPhysical() (Packet, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return Packet{}, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	seq := header[3]

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return Packet{}, &ProtocolError{Context: "short packet body", Err: err}
		}
	}
	return Packet{Sequence: seq, Payload: payload}, nil
}

// Next reads one logical message: the concatenation of physical packets up
// to and including the first sub-maximal one.
func (r *Reader) Next() (Packet, error) {
	first, err := r.readPhysical()
	if err != nil {
		return Packet{}, err
	}
	r.seq = first.Sequence
	if len(first.Payload) < MaxPacketSize {
		return first, nil
	}

	payload := first.Payload
	for {
		next, err := r.readPhysical()
		if err != nil {
			return Packet{}, err
		}
		if next.Sequence != byte(r.seq+1) {
			return Packet{}, protoErr("non-monotonic sequence id in continuation")
		}
		r.seq = next.Sequence
		payload = append(payload, next.Payload...)
		if len(next.Payload) < MaxPacketSize {
			break
		}
	}
	return Packet{Sequence: r.seq, Payload: payload}, nil
}

// Writer writes logical messages as one-or-more physical packets, splitting
// at MaxPacketSize and terminating with a sub-maximal (possibly empty)
// packet, per the continuation rule.
type Writer struct {
	w   io.Writer
	seq byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// ResetSequence resets the outgoing sequence counter to 0.
func (w *Writer) ResetSequence() { w.seq = 0 }

// SetSequence pins the next sequence id to write, used when mirroring a
// client's sequence on the first reply packet.
func (w *Writer) SetSequence(seq byte) { w.seq = seq }

// WritePacket writes one logical message, splitting into physical packets
// as needed.
func (w *Writer) WritePacket(payload []byte) error {
	for {
		chunk := payload
		if len(chunk) > MaxPacketSize {
			chunk = chunk[:MaxPacketSize]
		}
		var header [HeaderLen]byte
		header[0] = byte(len(chunk))
		header[1] = byte(len(chunk) >> 8)
		header[2] = byte(len(chunk) >> 16)
		header[3] = w.seq
		w.seq++

		if _, err := w.w.Write(header[:]); err != nil {
			return err
		}
		if len(chunk) > 0 {
			if _, err := w.w.Write(chunk); err != nil {
				return err
			}
		}
		payload = payload[len(chunk):]
		if len(chunk) < MaxPacketSize {
			return nil
		}
	}
}

// PutUint24 writes the little-endian 3-byte length prefix used by the
// packet header into dst[0:3].
func PutUint24(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}
