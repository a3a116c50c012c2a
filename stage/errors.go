package stage

import (
	"errors"
	"fmt"
)

var (
	// ErrAmbiguous is generated when a non-idempotent command was written
	// but never answered.  The motion may or may not have executed; the
	// driver will not guess, and will not re-issue it.  The caller should
	// query status before deciding what to do.
	ErrAmbiguous = errors.New("stage: command outcome unknown")

	// ErrHandshakeTimeout is generated when the controller does not answer
	// the identify query during Open.
	ErrHandshakeTimeout = errors.New("stage: no answer to identify handshake")
)

// Rejected is the controller declining a command (a NAK).  This is an
// expected controller response, not a driver failure: the command was
// delivered, understood, and refused.
type Rejected struct {
	Reason byte
}

func (e Rejected) Error() string {
	return fmt.Sprintf("stage: controller rejected command (reason %d)", e.Reason)
}

// Faulted is the controller reporting a fault raised by the command.
type Faulted struct {
	Code byte
}

func (e Faulted) Error() string {
	return fmt.Sprintf("stage: controller fault (code %d)", e.Code)
}

// UnexpectedIdentityError is generated when the device on the line answers
// the identify handshake with something other than the expected family.
// Usually the wrong device path, or the wrong profile for the device.
type UnexpectedIdentityError struct {
	Want, Got string
}

func (e UnexpectedIdentityError) Error() string {
	return fmt.Sprintf("stage: connected device identifies as %q, want prefix %q", e.Got, e.Want)
}
