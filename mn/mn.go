/*Package mn supports Microkinetics MN-series (Motionet) stepper controllers.

The MN family frames messages with the device address as the delimiter, high
bit set, and guards them with a 7-bit additive checksum; positions are in
motor steps.  Those wire-format specifics live in Profile; everything else is
the generic driver in packages proto, comm, and stage.

Controllers sit on a shared RS-485 style party line, so every frame names its
target with the address marker.  One Controller handle per address.
*/
package mn

import (
	"github.com/opticslab/stagelink/proto"
	"github.com/opticslab/stagelink/stage"
)

// Return codes the MN slave places in NAK and fault responses.
const (
	ReturnStart            byte = 3 // command received, processing
	ReturnMoveAborted      byte = 4
	ReturnFinished         byte = 5 // command fully processed
	ReturnSlaveChecksum    byte = 7
	ReturnSlaveAddress     byte = 8
	ReturnInvalidCommand   byte = 12
	ReturnInvalidParameter byte = 14
	ReturnNoCommand        byte = 15
	ReturnNoMovePending    byte = 16
	ReturnMovePending      byte = 17
	ReturnBusy             byte = 20 // a move is in process, commands refused
	ReturnPresent          byte = 22 // slave present at the specified address
	ReturnNotAvailable     byte = 29
	ReturnMoveStopped      byte = 32 // decelerated stop via the Q command
)

// ReturnText maps MN return codes to the manual's descriptions.  Useful for
// rendering stage.Rejected reasons to humans.
var ReturnText = map[byte]string{
	ReturnStart:            "COMMAND RECEIVED AND PROCESSING",
	ReturnMoveAborted:      "MOVE ABORTED",
	ReturnFinished:         "COMMAND FINISHED",
	ReturnSlaveChecksum:    "SLAVE CHECKSUM ERROR",
	ReturnSlaveAddress:     "SLAVE ADDRESS ERROR",
	ReturnInvalidCommand:   "INVALID COMMAND",
	ReturnInvalidParameter: "INVALID PARAMETER",
	ReturnNoCommand:        "NO COMMAND IN PACKET",
	ReturnNoMovePending:    "NO MOVE PENDING",
	ReturnMovePending:      "MOVE ALREADY PENDING",
	ReturnBusy:             "CONTROLLER BUSY WITH MOVE",
	ReturnPresent:          "SLAVE PRESENT",
	ReturnNotAvailable:     "PORT NOT AVAILABLE",
	ReturnMoveStopped:      "MOVE STOPPED BY Q COMMAND",
}

// Parameter keys accepted by SetParameter on MN controllers.
const (
	// ParamVelocity sets the slew velocity in steps per second.
	ParamVelocity byte = 'V'

	// ParamAcceleration sets the ramp in steps per second squared.
	ParamAcceleration byte = 'A'

	// ParamBacklash sets the backlash takeup in steps.
	ParamBacklash byte = 'B'
)

// Reason renders a rejection reason byte as text, falling back to a numeric
// description for codes the manual does not list.
func Reason(code byte) string {
	if s, ok := ReturnText[code]; ok {
		return s
	}
	return "UNKNOWN RETURN CODE"
}

// Profile returns the wire format for the MN slave at the given address
// (1..127).  The address rides in the frame markers with the high bit set,
// which is how the party line tells frames apart.
func Profile(address byte) proto.Profile {
	return proto.Profile{
		Name:          "mn100",
		Start:         address | 0x80,
		Terminator:    0x0D,
		LengthWidth:   1,
		Checksum:      proto.ChecksumSum7,
		CountsPerUnit: 1, // positions are motor steps
	}
}

// Config returns a ready-to-open stage configuration for an MN controller
// on the given device at the canonical 9600 8N1 settings.
func Config(device string, address byte) stage.Config {
	return stage.Config{
		Device:   device,
		Profile:  Profile(address),
		Baud:     9600,
		Identity: "MN",
	}
}

// Open opens the MN controller at address on the given serial device.
func Open(device string, address byte) (*stage.Controller, error) {
	return stage.Open(Config(device, address))
}
