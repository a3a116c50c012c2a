/*Package comm owns the serial channel to one motion controller and runs
blocking request/response exchanges over it.

The channel is half duplex with a single request in flight: Exchange holds a
lock for the full write-then-read cycle, so concurrent callers are queued and
frames are never interleaved.  Each exchange runs under one overall deadline;
partial reads are retried within that budget, not given fresh timeouts.

A Session does not interpret responses beyond framing.  Retry policy on
timeouts and desyncs belongs to the caller (package stage), which knows which
commands are safe to re-issue.
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/opticslab/stagelink/proto"
)

var (
	// ErrTimeout is generated when no complete response arrives within the
	// exchange deadline.
	ErrTimeout = errors.New("comm: exchange deadline exceeded")

	// ErrDesync is generated when the response stream lost frame alignment
	// or a frame failed its checksum.  The session has already discarded
	// the offending bytes; the caller decides whether to retry the command.
	ErrDesync = errors.New("comm: lost frame alignment")

	// ErrLinkLost is generated on hardware I/O failure.  It is fatal for
	// the session; the caller must re-open the device.
	ErrLinkLost = errors.New("comm: serial link lost")

	// ErrDeviceBusy is generated when the OS reports the device locked by
	// another process.
	ErrDeviceBusy = errors.New("comm: device busy")

	// ErrClosed is generated when using a closed session.
	ErrClosed = errors.New("comm: session closed")
)

// Error is the error type returned by Exchange.  Wrote records whether the
// request frame was fully written before the failure: a command that was
// written but never answered may have executed, and the dispatcher must not
// blindly re-issue it.
type Error struct {
	Op    string
	Wrote bool
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("comm: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config describes how to open the serial channel.
type Config struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0 or COM3.
	Device string

	// Baud is the line rate; 9600 if zero.
	Baud int

	// Profile is the wire format of the connected controller.
	Profile proto.Profile

	// ReadChunk is how long a single port read may block waiting for
	// bytes.  The exchange deadline is enforced across reads; this only
	// bounds the latency of noticing the deadline.  50ms if zero.
	ReadChunk time.Duration
}

func (c Config) withDefaults() Config {
	if c.Baud == 0 {
		c.Baud = 9600
	}
	if c.ReadChunk == 0 {
		c.ReadChunk = 50 * time.Millisecond
	}
	return c
}

// Session owns a byte channel and its read buffer.  One session serves one
// controller and is owned by one handle for its lifetime.  Create sessions
// with Open or NewSession.
type Session struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	profile proto.Profile
	buf     []byte
	closed  bool
}

// NewSession wraps an already-open byte channel.  The channel's Read should
// return within a bounded time when no data is available (serial ports
// configured with a read timeout do this); reads that return empty
// immediately are paced so a portless fake cannot spin the CPU.
func NewSession(conn io.ReadWriteCloser, p proto.Profile) *Session {
	return &Session{conn: conn, profile: p}
}

// Open opens the serial device and wraps it in a session.  Transient open
// failures are retried with exponential backoff; a device held by another
// process is not retried and surfaces ErrDeviceBusy, since the lock holder
// will not be gone a few hundred milliseconds later.
func Open(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	conf := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: cfg.ReadChunk,
	}
	var (
		port *serial.Port
		busy bool
	)
	op := func() error {
		var err error
		port, err = serial.OpenPort(conf)
		if err != nil {
			if isBusy(err) {
				busy = true
				return nil
			}
			return err
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if busy {
		return nil, &Error{Op: "open " + cfg.Device, Err: ErrDeviceBusy}
	}
	if err != nil {
		return nil, &Error{Op: "open " + cfg.Device, Err: err}
	}
	return NewSession(port, cfg.Profile), nil
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked") ||
		strings.Contains(msg, "in use")
}

// Exchange writes one request frame and reads until a complete response
// frame is decoded or the timeout elapses.  Exchanges are serialized; a
// caller blocks until earlier exchanges finish.
//
// On timeout the session drains whatever arrives late before returning, so
// a straggling response can never be misattributed to the next command.
func (s *Session) Exchange(frame []byte, timeout time.Duration) (proto.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return nil, &Error{Op: "exchange", Err: ErrClosed}
	}
	deadline := time.Now().Add(timeout)

	// stale bytes from a previous exchange must not frame this one
	s.buf = s.buf[:0]
	s.flush()

	if _, err := s.conn.Write(frame); err != nil {
		return nil, &Error{Op: "write", Err: fmt.Errorf("%v: %w", err, ErrLinkLost)}
	}
	return s.readResponse(deadline)
}

// readResponse accumulates bytes and feeds the decoder until a frame
// completes or the deadline passes.  The deadline is the only thing that
// ends a quiet wait: controllers mid-move can be silent for as long as the
// motion takes, and the caller sized the deadline for that.  Callers hold
// s.mu.
func (s *Session) readResponse(deadline time.Time) (proto.Response, error) {
	scratch := make([]byte, 256)
	for {
		resp, consumed, err := proto.Decode(s.profile, s.buf)
		switch {
		case err == nil:
			s.buf = append(s.buf[:0], s.buf[consumed:]...)
			return resp, nil
		case errors.Is(err, proto.ErrShortFrame):
			// fall through and read more
		default:
			// checksum failure or structural garbage: drop the
			// offending bytes, clear the line, and let the caller
			// decide whether to retry the command
			s.buf = append(s.buf[:0], s.buf[consumed:]...)
			s.drain()
			return nil, &Error{Op: "read", Wrote: true, Err: fmt.Errorf("%v: %w", err, ErrDesync)}
		}

		if !time.Now().Before(deadline) {
			s.drain()
			return nil, &Error{Op: "read", Wrote: true, Err: ErrTimeout}
		}
		start := time.Now()
		n, err := s.conn.Read(scratch)
		if n > 0 {
			s.buf = append(s.buf, scratch[:n]...)
			continue
		}
		if err != nil && err != io.EOF {
			return nil, &Error{Op: "read", Wrote: true, Err: fmt.Errorf("%v: %w", err, ErrLinkLost)}
		}
		// zero-byte read: the port's read timeout expired with nothing
		// on the line.  io.EOF is what serial ports report here.  A
		// channel with no read timeout returns instantly; pace it so
		// the wait does not spin.
		if time.Since(start) < time.Millisecond {
			time.Sleep(time.Millisecond)
		}
	}
}

// drainGrace bounds how long a session spends swallowing a late response
// after its exchange has already failed.
const drainGrace = 50 * time.Millisecond

// drain discards any late-arriving bytes so the next exchange starts on a
// frame boundary.  Runs past the exchange deadline on purpose: a response
// that shows up after we stopped waiting still has to come off the line.
func (s *Session) drain() {
	s.buf = s.buf[:0]
	s.flush()
	by := time.Now().Add(drainGrace)
	scratch := make([]byte, 256)
	for time.Now().Before(by) {
		n, err := s.conn.Read(scratch)
		if n == 0 || (err != nil && err != io.EOF) {
			return
		}
	}
}

// flush empties the OS receive buffer if the port supports it.
func (s *Session) flush() {
	if f, ok := s.conn.(interface{ Flush() error }); ok {
		f.Flush()
	}
}

// Close releases the channel.  Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	err := s.conn.Close()
	s.conn = nil
	return err
}
