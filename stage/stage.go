/*Package stage is the public face of the driver: a Controller is the
exclusive handle on one physical motion controller reachable over a serial
link.

The layering mirrors the wire: Controller methods build typed commands, the
dispatcher frames them (package proto) and runs them through the half-duplex
session (package comm), then folds parsed status back into the state tracker.
All methods block until completion, failure, or timeout; no partial results
are observable.

Idempotence: GetStatus, Stop, SetParameter, and the identify handshake are
safe to retry and are retried internally on transport hiccups.  MoveTo, Home,
and Jog are not; if one of those is written but never answered the driver
returns ErrAmbiguous rather than guessing.
*/
package stage

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/opticslab/stagelink/comm"
	"github.com/opticslab/stagelink/proto"
)

// Config describes how to open a controller.
type Config struct {
	// Device is the serial device path.
	Device string

	// Profile is the controller family's wire format.
	Profile proto.Profile

	// Baud is the line rate; 9600 if zero.
	Baud int

	// Identity, when set, is the prefix the controller's identify response
	// must carry.  Guards against pointing the driver at the wrong device.
	Identity string

	// HandshakeTimeout bounds the whole identify handshake at open,
	// internal retries included; 2s if zero.
	HandshakeTimeout time.Duration

	// CommandTimeout bounds each ordinary exchange; 1s if zero.  Moves
	// get a per-move deadline estimated from distance and speed when the
	// tracker knows where the stage is.
	CommandTimeout time.Duration

	// Retries is how many times idempotent commands are re-attempted on
	// timeout or desync; 3 if zero, matching the controller vendors'
	// recommended resend count.
	Retries int

	// StaleAfter is the status max-age before the tracker reports stale;
	// 2s if zero.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 2 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 2 * time.Second
	}
	return c
}

// Controller is the handle on one physical controller.  It owns the session
// and the state tracker for its lifetime; no two controllers may share a
// device (the OS lock surfaces as comm.ErrDeviceBusy at Open).
type Controller struct {
	sess    *comm.Session
	disp    *dispatcher
	tracker *Tracker
	cfg     Config
}

// Open opens the device, performs the identify handshake, and returns the
// handle.  The session is released on every failure path.
func Open(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	sess, err := comm.Open(comm.Config{
		Device:  cfg.Device,
		Baud:    cfg.Baud,
		Profile: cfg.Profile,
	})
	if err != nil {
		return nil, err
	}
	c := New(sess, cfg)
	c.sess = sess
	if _, err := c.Identify(); err != nil {
		sess.Close()
		return nil, err
	}
	return c, nil
}

// New builds a handle over an existing exchanger without touching hardware.
// Exported for simulators and tests; Open is the normal path.
func New(x Exchanger, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	t := NewTracker(cfg.StaleAfter, cfg.Profile.Scale())
	return &Controller{
		disp:    &dispatcher{x: x, profile: cfg.Profile, tracker: t, retries: cfg.Retries},
		tracker: t,
		cfg:     cfg,
	}
}

// Identify queries the controller's identity string and checks it against
// the configured expectation.  The handshake timeout covers all attempts:
// the per-attempt deadline is the budget split across the retry count, so a
// dead line fails open in HandshakeTimeout, not a multiple of it.
func (c *Controller) Identify() (string, error) {
	per := c.cfg.HandshakeTimeout / time.Duration(c.cfg.Retries+1)
	resp, err := c.disp.send(proto.Identify{}, per)
	if err != nil {
		if errors.Is(err, comm.ErrTimeout) {
			return "", ErrHandshakeTimeout
		}
		return "", err
	}
	id := resp.(proto.Ident).Text
	if c.cfg.Identity != "" && !strings.HasPrefix(id, c.cfg.Identity) {
		return id, UnexpectedIdentityError{Want: c.cfg.Identity, Got: id}
	}
	return id, nil
}

// MoveTo commands an absolute move to pos at speed, both in user units.
// Not idempotent; see ErrAmbiguous.  The deadline scales with the distance
// to travel when the last-known position is fresh.
func (c *Controller) MoveTo(pos, speed float64) error {
	scale := c.cfg.Profile.Scale()
	cmd := proto.MoveTo{
		Pos:   int64(math.Round(pos * scale)),
		Speed: int64(math.Round(speed * scale)),
	}
	_, err := c.disp.send(cmd, c.moveTimeout(pos, speed))
	return err
}

// moveTimeout estimates how long the controller may take to acknowledge a
// move: travel time at the commanded speed plus margin.  Falls back to the
// command timeout when the current position is unknown or speed is zero.
func (c *Controller) moveTimeout(pos, speed float64) time.Duration {
	st, stale := c.tracker.Current(time.Now())
	if stale || speed <= 0 {
		return c.cfg.CommandTimeout
	}
	travel := math.Abs(pos-st.Position) / speed
	est := time.Duration(1.2 * travel * float64(time.Second))
	if est < c.cfg.CommandTimeout {
		return c.cfg.CommandTimeout
	}
	return est
}

// Home commands an origin search on the given axis.  Not idempotent.
func (c *Controller) Home(axis int) error {
	_, err := c.disp.send(proto.Home{Axis: int64(axis)}, c.cfg.CommandTimeout)
	return err
}

// Jog commands an open-ended move; direction is +1 or -1, speed is in user
// units per second.  Not idempotent.
func (c *Controller) Jog(direction int, speed float64) error {
	cmd := proto.Jog{
		Direction: int64(direction),
		Speed:     int64(math.Round(speed * c.cfg.Profile.Scale())),
	}
	_, err := c.disp.send(cmd, c.cfg.CommandTimeout)
	return err
}

// Stop halts motion.  Idempotent, retried on transport errors.
func (c *Controller) Stop() error {
	_, err := c.disp.send(proto.Stop{}, c.cfg.CommandTimeout)
	return err
}

// GetStatus queries the controller and returns the fresh snapshot.  The
// tracker is updated as a side effect.  Idempotent.
func (c *Controller) GetStatus() (State, error) {
	_, err := c.disp.send(proto.GetStatus{}, c.cfg.CommandTimeout)
	if err != nil {
		return State{}, err
	}
	st, _ := c.tracker.Current(time.Now())
	return st, nil
}

// LastKnown returns the tracker snapshot without any I/O, and whether it is
// stale.
func (c *Controller) LastKnown() (State, bool) {
	return c.tracker.Current(time.Now())
}

// SetParameter writes a vendor parameter (package mn exports the MN-series
// keys).  Idempotent.
func (c *Controller) SetParameter(key byte, value int64) error {
	_, err := c.disp.send(proto.SetParameter{Key: key, Value: value}, c.cfg.CommandTimeout)
	return err
}

// Close releases the serial channel.  Safe to call more than once; a handle
// built with New (no session) closes to a no-op.
func (c *Controller) Close() error {
	if c.sess == nil {
		return nil
	}
	return c.sess.Close()
}
