package proto

import "math"

// Command codes.  The code byte is the first body byte of a request frame.
const (
	CmdMoveTo    byte = 'M'
	CmdHome      byte = 'H'
	CmdJog       byte = 'J'
	CmdStop      byte = 'Q'
	CmdGetStatus byte = 'T'
	CmdSetParam  byte = 'P'
	CmdIdentify  byte = '?'
)

// A Command is a typed request to the controller.  Idempotent reports
// whether the command is safe to re-issue when its outcome is unknown;
// motion commands are not.
type Command interface {
	Code() byte
	Idempotent() bool

	payload(p Profile) ([]byte, error)
}

// MoveTo commands an absolute move.  Pos and Speed are in controller counts.
// Not idempotent: re-issuing a move that already ran is a second motion.
type MoveTo struct {
	Pos   int64
	Speed int64
}

func (MoveTo) Code() byte { return CmdMoveTo }
func (MoveTo) Idempotent() bool { return false }

func (c MoveTo) payload(p Profile) ([]byte, error) {
	if c.Pos < math.MinInt32 || c.Pos > math.MaxInt32 {
		return nil, EncodeError{Field: "position", Value: c.Pos}
	}
	if c.Speed < 0 || c.Speed > math.MaxUint16 {
		return nil, EncodeError{Field: "speed", Value: c.Speed}
	}
	buf := make([]byte, 6)
	p.Order().PutUint32(buf[:4], uint32(int32(c.Pos)))
	p.Order().PutUint16(buf[4:], uint16(c.Speed))
	return buf, nil
}

// Home commands an origin search on one axis.  Not idempotent.
type Home struct {
	Axis int64
}

func (Home) Code() byte { return CmdHome }
func (Home) Idempotent() bool { return false }

func (c Home) payload(Profile) ([]byte, error) {
	if c.Axis < 0 || c.Axis > math.MaxUint8 {
		return nil, EncodeError{Field: "axis", Value: c.Axis}
	}
	return []byte{byte(c.Axis)}, nil
}

// Jog commands an open-ended move in Direction (+1 or -1) at Speed counts
// per second.  Not idempotent.
type Jog struct {
	Direction int64
	Speed     int64
}

func (Jog) Code() byte { return CmdJog }
func (Jog) Idempotent() bool { return false }

func (c Jog) payload(p Profile) ([]byte, error) {
	if c.Direction != 1 && c.Direction != -1 {
		return nil, EncodeError{Field: "direction", Value: c.Direction}
	}
	if c.Speed < 0 || c.Speed > math.MaxUint16 {
		return nil, EncodeError{Field: "speed", Value: c.Speed}
	}
	buf := make([]byte, 3)
	buf[0] = byte(int8(c.Direction))
	p.Order().PutUint16(buf[1:], uint16(c.Speed))
	return buf, nil
}

// Stop halts any motion in progress.  Idempotent: stopping an already
// stopped controller does nothing.
type Stop struct{}

func (Stop) Code() byte { return CmdStop }
func (Stop) Idempotent() bool { return true }
func (Stop) payload(Profile) ([]byte, error) { return nil, nil }

// GetStatus requests a status report.  Idempotent.
type GetStatus struct{}

func (GetStatus) Code() byte { return CmdGetStatus }
func (GetStatus) Idempotent() bool { return true }
func (GetStatus) payload(Profile) ([]byte, error) { return nil, nil }

// SetParameter writes a configuration value.  Idempotent: writing the same
// value twice leaves the controller in the same state.
type SetParameter struct {
	Key   byte
	Value int64
}

func (SetParameter) Code() byte { return CmdSetParam }
func (SetParameter) Idempotent() bool { return true }

func (c SetParameter) payload(p Profile) ([]byte, error) {
	if c.Value < math.MinInt32 || c.Value > math.MaxInt32 {
		return nil, EncodeError{Field: "value", Value: c.Value}
	}
	buf := make([]byte, 5)
	buf[0] = c.Key
	p.Order().PutUint32(buf[1:], uint32(int32(c.Value)))
	return buf, nil
}

// Identify asks the controller for its identity string.  Used during the
// open handshake.  Idempotent.
type Identify struct{}

func (Identify) Code() byte { return CmdIdentify }
func (Identify) Idempotent() bool { return true }
func (Identify) payload(Profile) ([]byte, error) { return nil, nil }
