// Package train models one train agent: its position along the track it
// holds, its pending request for the next track, and its waiting history.
package train

import (
	"time"
)

// Status is the lifecycle state of a train.
type Status int

const (
	// Running trains hold their current track and advance along it.
	Running Status = iota
	// Waiting trains have asked for a track outside an end-of-segment handoff.
	Waiting
	// WaitingEnd trains reached the end of their track and await the next one.
	WaitingEnd
	// Blocked trains were caught in a deadlock and skip the current tick.
	Blocked
	// Completed trains finished their rotations and left the network.
	Completed
)

// String returns the wire name of s.
func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case WaitingEnd:
		return "waiting_end"
	case Blocked:
		return "blocked"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// IsWaiting reports whether s has an outstanding track request.
func (s Status) IsWaiting() bool { return s == Waiting || s == WaitingEnd }

// Spec is the initial placement of a train.
type Spec struct {
	ID           string
	Track        string
	Speed        float64
	MaxRotations int
}

// Train is a single agent owned by the engine. Fields are mutated only from
// the engine's serialized tick.
type Train struct {
	ID           string
	Speed        float64
	MaxRotations int

	Held      string
	Requested string
	Pos       float64
	Status    Status

	WaitTotal    time.Duration
	CurrentWait  time.Duration
	WaitingSince uint64
	Rotations    int

	// resume is the status restored when a Blocked train is released.
	resume Status
	home   Spec
}

// New creates a train placed according to spec. Placement on the registry is
// the caller's job; the train starts Running on its home track.
func New(spec Spec) *Train {
	t := &Train{home: spec}
	t.Reset()
	return t
}

// Home returns the initial placement.
func (t *Train) Home() Spec { return t.home }

// Reset restores the initial placement and zeroes all counters.
func (t *Train) Reset() {
	t.ID = t.home.ID
	t.Speed = t.home.Speed
	t.MaxRotations = t.home.MaxRotations
	t.Held = t.home.Track
	t.Requested = ""
	t.Pos = 0
	t.Status = Running
	t.WaitTotal = 0
	t.CurrentWait = 0
	t.WaitingSince = 0
	t.Rotations = 0
	t.resume = Running
}

// Track returns the track the train is on, or the one it waits for when it
// holds nothing.
func (t *Train) Track() string {
	if t.Held != "" {
		return t.Held
	}
	return t.Requested
}

// WaitFor puts the train in a waiting state for track, starting at tick.
func (t *Train) WaitFor(track string, status Status, tick uint64) {
	t.Requested = track
	t.Status = status
	t.WaitingSince = tick
	t.CurrentWait = 0
}

// Outcome summarises what Advance did.
type Outcome int

const (
	// Idle means the train did not move (not running).
	Idle Outcome = iota
	// Moved means the train advanced along its track.
	Moved
	// ReachedEnd means the train reached the end and requested a new track.
	ReachedEnd
	// Looped means the train picked its own track and was re-granted at once.
	Looped
)

// Advance moves a running train by one tick. trackTicks scales Speed into a
// per-tick progress fraction.
func (t *Train) Advance(p Picker, tracks []string, trackTicks float64, tick uint64) Outcome {
	if t.Status != Running {
		return Idle
	}
	t.Pos += t.Speed / trackTicks
	if t.Pos < 1 {
		return Moved
	}
	t.Pos = 1

	next := p.Next(t.ID, t.Held, tracks)
	if next == t.Held {
		t.Pos = 0
		t.Rotations++
		return Looped
	}
	t.WaitFor(next, WaitingEnd, tick)
	return ReachedEnd
}

// Decision is an arbitration verdict for one waiting train.
type Decision struct {
	// Granted means the registry now records the train as holder of its
	// requested track and its previous track was released.
	Granted bool
	// DroppedHold means the previous track was released without a grant.
	DroppedHold bool
}

// Resolve applies a decision to a waiting train. It returns true when the
// train was granted its requested track.
func (t *Train) Resolve(d Decision, tickDuration time.Duration) bool {
	if !t.Status.IsWaiting() {
		return false
	}
	if d.Granted {
		t.Held = t.Requested
		t.Requested = ""
		t.Pos = 0
		t.Status = Running
		t.CurrentWait = 0
		t.Rotations++
		return true
	}
	if d.DroppedHold {
		t.Held = ""
		t.Status = Waiting
	}
	t.WaitTotal += tickDuration
	t.CurrentWait += tickDuration
	return false
}

// Block marks the train as part of a detected deadlock. The current status is
// restored by Unblock unless the train was chosen as victim.
func (t *Train) Block() {
	if t.Status == Blocked {
		return
	}
	t.resume = t.Status
	t.Status = Blocked
}

// Evict drops the train's hold after deadlock recovery took its track away.
// On unblock it returns to an end-of-segment wait.
func (t *Train) Evict() {
	t.Held = ""
	t.resume = WaitingEnd
}

// Unblock restores the pre-deadlock status of a blocked train.
func (t *Train) Unblock() bool {
	if t.Status != Blocked {
		return false
	}
	t.Status = t.resume
	return true
}

// Complete retires the train.
func (t *Train) Complete() {
	t.Status = Completed
	t.Held = ""
	t.Requested = ""
	t.Pos = 0
}

// Done reports whether the train reached its rotation limit.
func (t *Train) Done() bool {
	return t.MaxRotations > 0 && t.Rotations >= t.MaxRotations
}
