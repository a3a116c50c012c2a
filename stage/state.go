package stage

import (
	"sync"
	"time"

	"github.com/opticslab/stagelink/proto"
)

// State is the last-known controller snapshot.  Position and Velocity are in
// user units (counts divided by the profile scale).  Faults is a raw vendor
// bitmask; the driver does not interpret individual bits.
type State struct {
	Position  float64
	Velocity  float64
	Faults    uint16
	Busy      bool
	UpdatedAt time.Time
}

// HasFault reports whether any fault bit is set.
func (s State) HasFault() bool { return s.Faults != 0 }

// Tracker maintains the last-known state of one controller.  It is fed by
// the dispatcher on every parsed status report and never performs I/O
// itself; polling is the handle's job.
type Tracker struct {
	mu     sync.Mutex
	maxAge time.Duration
	scale  float64
	state  State
	known  bool
}

// NewTracker returns a tracker reporting stale until the first update.
// maxAge is how old a snapshot may be before it is considered stale.
func NewTracker(maxAge time.Duration, countsPerUnit float64) *Tracker {
	if countsPerUnit == 0 {
		countsPerUnit = 1
	}
	return &Tracker{maxAge: maxAge, scale: countsPerUnit}
}

// Update overwrites the snapshot from a status report.
func (t *Tracker) Update(sr proto.StatusReport, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{
		Position:  float64(sr.Position) / t.scale,
		Velocity:  float64(sr.Velocity) / t.scale,
		Faults:    sr.Faults,
		Busy:      sr.Busy,
		UpdatedAt: now,
	}
	t.known = true
}

// Current returns the snapshot and whether it is stale relative to now.
// A snapshot is stale before the first update and once older than the
// configured max age; stale data should not drive safety decisions.
func (t *Tracker) Current(now time.Time) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stale := !t.known || now.Sub(t.state.UpdatedAt) > t.maxAge
	return t.state, stale
}
