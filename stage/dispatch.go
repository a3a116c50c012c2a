package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/opticslab/stagelink/comm"
	"github.com/opticslab/stagelink/proto"
)

// An Exchanger runs one framed request/response exchange.  *comm.Session is
// the production implementation; tests substitute scripted fakes.
type Exchanger interface {
	Exchange(frame []byte, timeout time.Duration) (proto.Response, error)
}

// dispatcher maps typed commands onto frames and parsed responses onto typed
// results, applying the retry policy.
//
// The policy is deliberately asymmetric.  Idempotent commands (status reads,
// stop) are retried on timeout or desync up to the configured count.  Motion
// commands are retried at most once, and only when the request was never
// written; once the frame is on the wire the controller may have acted on it,
// and re-issuing a move on a guess doubles the motion.  That case surfaces
// ErrAmbiguous instead.
type dispatcher struct {
	x       Exchanger
	profile proto.Profile
	tracker *Tracker
	retries int
}

func (d *dispatcher) send(cmd proto.Command, timeout time.Duration) (proto.Response, error) {
	frame, err := proto.Encode(d.profile, cmd)
	if err != nil {
		return nil, err
	}
	attempts := 1
	if cmd.Idempotent() {
		attempts += d.retries
	}
	var last error
	for try := 0; try < attempts; try++ {
		resp, err := d.x.Exchange(frame, timeout)
		if err == nil {
			return d.interpret(cmd, resp)
		}
		if errors.Is(err, comm.ErrLinkLost) {
			return nil, err
		}
		if !errors.Is(err, comm.ErrTimeout) && !errors.Is(err, comm.ErrDesync) {
			return nil, err
		}
		if cmd.Idempotent() {
			last = err
			continue
		}
		var xe *comm.Error
		if !errors.As(err, &xe) || xe.Wrote {
			// the frame reached the wire; the controller may have
			// acted on it
			return nil, fmt.Errorf("%v: %w", err, ErrAmbiguous)
		}
		if try == 0 {
			// nothing reached the controller; one more attempt
			attempts = 2
			last = err
			continue
		}
		// the retry also failed before writing: the command verifiably
		// never ran, so the plain transport error stands
		return nil, err
	}
	return nil, last
}

// interpret validates the response kind against the command and converts
// controller-side refusals into typed errors.  Status reports feed the
// tracker on the way through; nothing else touches it.
func (d *dispatcher) interpret(cmd proto.Command, resp proto.Response) (proto.Response, error) {
	switch r := resp.(type) {
	case proto.Nack:
		return nil, Rejected{Reason: r.Reason}
	case proto.Fault:
		return nil, Faulted{Code: r.Code}
	}
	switch cmd.(type) {
	case proto.GetStatus:
		sr, ok := resp.(proto.StatusReport)
		if !ok {
			return nil, fmt.Errorf("stage: %T response to a status query", resp)
		}
		d.tracker.Update(sr, time.Now())
		return sr, nil
	case proto.Identify:
		if _, ok := resp.(proto.Ident); !ok {
			return nil, fmt.Errorf("stage: %T response to identify", resp)
		}
		return resp, nil
	default:
		if _, ok := resp.(proto.Ack); !ok {
			return nil, fmt.Errorf("stage: %T response to %#02x command", resp, cmd.Code())
		}
		return resp, nil
	}
}
