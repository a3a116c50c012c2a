package stage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opticslab/stagelink/comm"
	"github.com/opticslab/stagelink/mn"
	"github.com/opticslab/stagelink/proto"
	"github.com/opticslab/stagelink/stage"
)

// simPort is an in-memory MN controller: it decodes the command code out of
// each written frame and replies from a per-code script.  Unscripted
// commands go unanswered, which is what a wedged controller looks like.
type simPort struct {
	mu      sync.Mutex
	profile proto.Profile
	rx      []byte
	replies map[byte]proto.Response
	prefix  map[byte][]byte // line noise injected before the reply
	writes  map[byte]int
}

func newSim(p proto.Profile) *simPort {
	return &simPort{
		profile: p,
		replies: make(map[byte]proto.Response),
		prefix:  make(map[byte][]byte),
		writes:  make(map[byte]int),
	}
}

func (s *simPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := p[2] // [start][length][code]...
	s.writes[code]++
	if r, ok := s.replies[code]; ok {
		frame, err := proto.EncodeResponse(s.profile, r)
		if err != nil {
			return 0, err
		}
		s.rx = append(s.rx, s.prefix[code]...)
		s.rx = append(s.rx, frame...)
	}
	return len(p), nil
}

func (s *simPort) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.rx) == 0 {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, s.rx)
	s.rx = s.rx[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *simPort) Flush() error {
	s.mu.Lock()
	s.rx = nil
	s.mu.Unlock()
	return nil
}

func (s *simPort) Close() error { return nil }

func (s *simPort) wrote(code byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[code]
}

func newController(t *testing.T, sim *simPort, cfg stage.Config) *stage.Controller {
	t.Helper()
	sess := comm.NewSession(sim, sim.profile)
	t.Cleanup(func() { sess.Close() })
	cfg.Profile = sim.profile
	return stage.New(sess, cfg)
}

func TestStopAcknowledged(t *testing.T) {
	sim := newSim(mn.Profile(1))
	sim.replies[proto.CmdStop] = proto.Ack{}
	c := newController(t, sim, stage.Config{CommandTimeout: 50 * time.Millisecond})
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHomeRejectedLeavesStateUntouched(t *testing.T) {
	sim := newSim(mn.Profile(1))
	sim.replies[proto.CmdHome] = proto.Nack{Reason: 2}
	c := newController(t, sim, stage.Config{CommandTimeout: 50 * time.Millisecond})
	err := c.Home(1)
	var rej stage.Rejected
	if !errors.As(err, &rej) || rej.Reason != 2 {
		t.Fatalf("want Rejected reason 2, got %v", err)
	}
	if _, stale := c.LastKnown(); !stale {
		t.Error("rejection updated the tracker")
	}
}

func TestStatusThroughLeadingGarbage(t *testing.T) {
	sim := newSim(mn.Profile(1))
	sim.replies[proto.CmdGetStatus] = proto.StatusReport{Position: 1500, Velocity: 200, Busy: true}
	sim.prefix[proto.CmdGetStatus] = []byte{0x00, 0xFF, 0x55}
	c := newController(t, sim, stage.Config{CommandTimeout: 100 * time.Millisecond})
	st, err := c.GetStatus()
	if err != nil {
		t.Fatalf("status behind line noise: %v", err)
	}
	if st.Position != 1500 || st.Velocity != 200 || !st.Busy {
		t.Errorf("got %+v", st)
	}
	if _, stale := c.LastKnown(); stale {
		t.Error("tracker stale right after a successful status query")
	}
}

func TestIdentifyHandshake(t *testing.T) {
	sim := newSim(mn.Profile(1))
	sim.replies[proto.CmdIdentify] = proto.Ident{Text: "MN100 REV 2.1"}

	c := newController(t, sim, stage.Config{Identity: "MN", HandshakeTimeout: 100 * time.Millisecond})
	id, err := c.Identify()
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if id != "MN100 REV 2.1" {
		t.Errorf("got identity %q", id)
	}

	wrong := newController(t, sim, stage.Config{Identity: "ESP", HandshakeTimeout: 100 * time.Millisecond})
	_, err = wrong.Identify()
	var uie stage.UnexpectedIdentityError
	if !errors.As(err, &uie) {
		t.Fatalf("want UnexpectedIdentityError, got %v", err)
	}
	if uie.Got != "MN100 REV 2.1" || uie.Want != "ESP" {
		t.Errorf("got %+v", uie)
	}
}

func TestIdentifySilenceIsHandshakeTimeout(t *testing.T) {
	sim := newSim(mn.Profile(1))
	c := newController(t, sim, stage.Config{HandshakeTimeout: 20 * time.Millisecond, Retries: 1})
	if _, err := c.Identify(); !errors.Is(err, stage.ErrHandshakeTimeout) {
		t.Fatalf("want ErrHandshakeTimeout, got %v", err)
	}
}

func TestHandshakeTimeoutCoversRetries(t *testing.T) {
	sim := newSim(mn.Profile(1)) // never answers identify
	c := newController(t, sim, stage.Config{HandshakeTimeout: 200 * time.Millisecond, Retries: 3})
	start := time.Now()
	_, err := c.Identify()
	elapsed := time.Since(start)
	if !errors.Is(err, stage.ErrHandshakeTimeout) {
		t.Fatalf("want ErrHandshakeTimeout, got %v", err)
	}
	// four silent attempts share the one budget; well under 2x means the
	// timeout was split, not multiplied
	if elapsed > 400*time.Millisecond {
		t.Errorf("handshake took %v against a 200ms budget", elapsed)
	}
	if n := sim.wrote(proto.CmdIdentify); n != 4 {
		t.Errorf("identify attempted %d times, want 4", n)
	}
}

func TestPollingKeepsTrackerFresh(t *testing.T) {
	sim := newSim(mn.Profile(1))
	sim.replies[proto.CmdGetStatus] = proto.StatusReport{Position: 300, Busy: true}
	c := newController(t, sim, stage.Config{CommandTimeout: 100 * time.Millisecond})
	if _, stale := c.LastKnown(); !stale {
		t.Fatal("tracker fresh before any poll")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartPolling(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for {
		if st, stale := c.LastKnown(); !stale {
			if st.Position != 300 || !st.Busy {
				t.Fatalf("poll delivered %+v", st)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tracker never went fresh under polling")
		}
		time.Sleep(time.Millisecond)
	}

	// cancelling stops the poll goroutine: after the in-flight exchange
	// settles, no further status queries go out
	cancel()
	time.Sleep(30 * time.Millisecond)
	n1 := sim.wrote(proto.CmdGetStatus)
	time.Sleep(50 * time.Millisecond)
	if n2 := sim.wrote(proto.CmdGetStatus); n2 != n1 {
		t.Errorf("poller still querying after cancel: %d then %d", n1, n2)
	}
}

func TestUnansweredMoveIsAmbiguousAndNotResent(t *testing.T) {
	sim := newSim(mn.Profile(1)) // no reply scripted for MoveTo
	c := newController(t, sim, stage.Config{CommandTimeout: 20 * time.Millisecond, Retries: 3})
	err := c.MoveTo(1000, 100)
	if !errors.Is(err, stage.ErrAmbiguous) {
		t.Fatalf("want ErrAmbiguous, got %v", err)
	}
	if n := sim.wrote(proto.CmdMoveTo); n != 1 {
		t.Errorf("move frame written %d times, want exactly 1", n)
	}
}

func TestSetParameterRetriedThroughDroppedReply(t *testing.T) {
	sim := newSim(mn.Profile(1))
	c := newController(t, sim, stage.Config{CommandTimeout: 20 * time.Millisecond, Retries: 2})
	// reply only appears for the second attempt
	go func() {
		time.Sleep(25 * time.Millisecond)
		sim.mu.Lock()
		sim.replies[proto.CmdSetParam] = proto.Ack{}
		sim.mu.Unlock()
	}()
	if err := c.SetParameter(mn.ParamVelocity, 2000); err != nil {
		t.Fatalf("set parameter: %v", err)
	}
	if n := sim.wrote(proto.CmdSetParam); n < 2 {
		t.Errorf("parameter write attempted %d times, want a retry", n)
	}
}

func TestCloseWithoutSessionIsNoop(t *testing.T) {
	c := stage.New(&simNoop{}, stage.Config{Profile: mn.Profile(1)})
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

type simNoop struct{}

func (simNoop) Exchange([]byte, time.Duration) (proto.Response, error) {
	return proto.Ack{}, nil
}
