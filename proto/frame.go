/*Package proto implements the wire protocol spoken by small serial motion
controllers: delimited, checksummed frames carrying a one-byte command or
response code and a short binary payload.

A frame on the wire is

	[start] [length] [code] [payload...] [checksum] [terminator]

where the width of the length and checksum fields, the marker values, the
byte order, and the checksum algorithm are all properties of a Profile,
because every vendor family does these differently.

The decoder is incremental: feed it whatever bytes have arrived and it
reports ErrShortFrame until a complete frame is buffered.  It never panics
on truncated or garbage input.
*/
package proto

import (
	"bytes"
	"errors"
	"fmt"
)

// maxNoise is how many bytes of marker-less garbage the decoder tolerates
// before declaring the stream unrecoverable.
const maxNoise = 512

// ErrShortFrame indicates an incomplete frame; read more bytes and retry.
var ErrShortFrame = errors.New("proto: incomplete frame")

// EncodeError is returned when a command field cannot be represented in the
// wire format.  It is rejected before any I/O happens.
type EncodeError struct {
	Field string
	Value int64
}

func (e EncodeError) Error() string {
	return fmt.Sprintf("proto: %s value %d outside the representable range", e.Field, e.Value)
}

// ChecksumError indicates a complete frame whose checksum does not match its
// body.  The frame must be discarded, never acted on.
type ChecksumError struct {
	Want, Got uint16
}

func (e ChecksumError) Error() string {
	return fmt.Sprintf("proto: checksum mismatch, computed %#04x received %#04x", e.Want, e.Got)
}

// DesyncError indicates the stream has lost frame alignment: a structurally
// invalid frame or unrecoverable garbage.  Discard reports how many buffered
// bytes should be dropped to reach the next plausible frame boundary.
type DesyncError struct {
	Discard int
	Reason  string
}

func (e DesyncError) Error() string {
	return fmt.Sprintf("proto: lost frame alignment (%s), discarding %d bytes", e.Reason, e.Discard)
}

// Response codes.  The code byte is the first body byte of a response frame.
const (
	RespAck    byte = 0x06 // ASCII ACK
	RespNack   byte = 0x15 // ASCII NAK
	RespStatus byte = 'S'
	RespFault  byte = 'F'
	RespIdent  byte = 'I'
)

// A Response is a parsed controller reply.
type Response interface {
	respCode() byte
}

// Ack acknowledges a command with no data to return.
type Ack struct{}

func (Ack) respCode() byte { return RespAck }

// Nack is the controller declining a command.  The reason code is vendor
// specific; package mn maps the MN-series codes to text.
type Nack struct {
	Reason byte
}

func (Nack) respCode() byte { return RespNack }

// StatusReport is the controller's telemetry snapshot.  Position and
// Velocity are raw controller counts; scaling to user units is the caller's
// concern (Profile.Scale).
type StatusReport struct {
	Position int32
	Velocity int32
	Faults   uint16
	Busy     bool
}

func (StatusReport) respCode() byte { return RespStatus }

// Fault reports a controller-side fault raised by the command.
type Fault struct {
	Code byte
}

func (Fault) respCode() byte { return RespFault }

// Ident carries the controller's identity string.
type Ident struct {
	Text string
}

func (Ident) respCode() byte { return RespIdent }

// Encode serializes a command into a wire frame under the given profile.
// It is deterministic and performs no I/O; the only failure mode is a field
// outside the representable range.
func Encode(p Profile, c Command) ([]byte, error) {
	pay, err := c.payload(p)
	if err != nil {
		return nil, err
	}
	return envelope(p, c.Code(), pay)
}

// EncodeResponse serializes a response into a wire frame.  The driver never
// sends responses; this exists for protocol simulators and tests, and keeps
// Encode/Decode a closed round trip.
func EncodeResponse(p Profile, r Response) ([]byte, error) {
	var pay []byte
	switch v := r.(type) {
	case Ack:
	case Nack:
		pay = []byte{v.Reason}
	case Fault:
		pay = []byte{v.Code}
	case Ident:
		pay = []byte(v.Text)
	case StatusReport:
		pay = make([]byte, 11)
		p.Order().PutUint32(pay[0:4], uint32(v.Position))
		p.Order().PutUint32(pay[4:8], uint32(v.Velocity))
		p.Order().PutUint16(pay[8:10], v.Faults)
		if v.Busy {
			pay[10] = 1
		}
	default:
		return nil, fmt.Errorf("proto: cannot encode response of type %T", r)
	}
	return envelope(p, r.respCode(), pay)
}

// envelope wraps a code and payload in the frame structure: marker, length,
// body, checksum over length+body, terminator.
func envelope(p Profile, code byte, pay []byte) ([]byte, error) {
	body := len(pay) + 1
	if body > p.maxBody() {
		return nil, EncodeError{Field: "payload length", Value: int64(len(pay))}
	}
	buf := make([]byte, 0, body+p.Overhead())
	buf = append(buf, p.Start)
	if p.lengthWidth() == 2 {
		var l [2]byte
		p.Order().PutUint16(l[:], uint16(body))
		buf = append(buf, l[:]...)
	} else {
		buf = append(buf, byte(body))
	}
	buf = append(buf, code)
	buf = append(buf, pay...)
	buf = append(buf, p.Checksum.compute(p.Order(), buf[1:])...)
	buf = append(buf, p.Terminator)
	return buf, nil
}

// Decode parses the first response frame in buf.  It returns the number of
// bytes consumed, which includes any leading noise skipped to find the start
// marker.  consumed is also meaningful on ChecksumError and DesyncError so
// the caller can drop the offending bytes; it is zero with ErrShortFrame.
//
// All byte sequences are valid inputs: truncated frames report ErrShortFrame,
// corrupted frames report ChecksumError or DesyncError, and nothing panics.
func Decode(p Profile, buf []byte) (Response, int, error) {
	skip := bytes.IndexByte(buf, p.Start)
	if skip < 0 {
		if len(buf) >= maxNoise {
			return nil, len(buf), DesyncError{Discard: len(buf), Reason: "no start marker"}
		}
		return nil, 0, ErrShortFrame
	}
	lw := p.lengthWidth()
	f := buf[skip:]
	if len(f) < 1+lw {
		return nil, 0, ErrShortFrame
	}
	var body int
	if lw == 2 {
		body = int(p.Order().Uint16(f[1:3]))
	} else {
		body = int(f[1])
	}
	if body < 1 {
		return nil, skip + 1, DesyncError{Discard: skip + 1, Reason: "zero length"}
	}
	total := body + p.Overhead()
	if len(f) < total {
		return nil, 0, ErrShortFrame
	}
	if f[total-1] != p.Terminator {
		return nil, skip + 1, DesyncError{Discard: skip + 1, Reason: "missing terminator"}
	}
	cw := p.Checksum.Width()
	covered := f[1 : 1+lw+body]
	want := p.Checksum.compute(p.Order(), covered)
	got := f[1+lw+body : 1+lw+body+cw]
	if !bytes.Equal(want, got) {
		return nil, skip + total, ChecksumError{Want: sumVal(want), Got: sumVal(got)}
	}
	resp, err := parseBody(p, f[1+lw], f[2+lw:1+lw+body])
	if err != nil {
		return nil, skip + total, DesyncError{Discard: skip + total, Reason: err.Error()}
	}
	return resp, skip + total, nil
}

func parseBody(p Profile, code byte, pay []byte) (Response, error) {
	switch code {
	case RespAck:
		if len(pay) != 0 {
			return nil, errors.New("ack with payload")
		}
		return Ack{}, nil
	case RespNack:
		if len(pay) != 1 {
			return nil, errors.New("nack without reason byte")
		}
		return Nack{Reason: pay[0]}, nil
	case RespFault:
		if len(pay) != 1 {
			return nil, errors.New("fault without code byte")
		}
		return Fault{Code: pay[0]}, nil
	case RespIdent:
		return Ident{Text: string(pay)}, nil
	case RespStatus:
		if len(pay) != 11 {
			return nil, fmt.Errorf("status report with %d payload bytes, want 11", len(pay))
		}
		return StatusReport{
			Position: int32(p.Order().Uint32(pay[0:4])),
			Velocity: int32(p.Order().Uint32(pay[4:8])),
			Faults:   p.Order().Uint16(pay[8:10]),
			Busy:     pay[10] != 0,
		}, nil
	default:
		return nil, fmt.Errorf("unknown response code %#02x", code)
	}
}

func sumVal(b []byte) uint16 {
	if len(b) == 2 {
		return uint16(b[0])<<8 | uint16(b[1])
	}
	return uint16(b[0])
}
