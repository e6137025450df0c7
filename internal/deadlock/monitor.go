// Package deadlock watches the waiting relationships between trains and
// tracks. It finds wait cycles, counts them and breaks them by taking the
// lowest-ID train's track away. A stall detector covers ticks where nothing
// moves without a visible cycle.
package deadlock

import (
	"context"

	"github.com/signalsfoundry/railsim/internal/logging"
	"github.com/signalsfoundry/railsim/internal/track"
	"github.com/signalsfoundry/railsim/internal/train"
)

// Kind distinguishes how a deadlock was detected.
type Kind string

const (
	// KindCycle is a closed wait-for cycle.
	KindCycle Kind = "cycle"
	// KindStall is a prolonged absence of progress.
	KindStall Kind = "stall"
)

// Report describes one detected deadlock and its recovery.
type Report struct {
	Kind   Kind
	Tick   uint64
	Trains []string
	Victim string
	Freed  string
}

// Monitor detects and recovers from deadlocks. It is driven by the engine's
// serialized tick and is not safe for concurrent use.
type Monitor struct {
	stallTicks int
	log        logging.Logger

	deadlocks int
	idle      int
}

// NewMonitor returns a monitor. stallTicks <= 0 disables stall detection.
func NewMonitor(stallTicks int, log logging.Logger) *Monitor {
	if log == nil {
		log = logging.Noop()
	}
	return &Monitor{stallTicks: stallTicks, log: log}
}

// Deadlocks returns the number of deadlocks detected since the last reset.
func (m *Monitor) Deadlocks() int { return m.deadlocks }

// Reset zeroes the counters.
func (m *Monitor) Reset() {
	m.deadlocks = 0
	m.idle = 0
}

// Resume releases trains blocked during the previous tick and returns how
// many were released.
func (m *Monitor) Resume(trains []*train.Train) int {
	n := 0
	for _, t := range trains {
		if t.Unblock() {
			n++
		}
	}
	return n
}

// Check evaluates the waiting-for graph after all trains have moved.
// progressed reports whether any train advanced or was granted a track this
// tick. trains must be sorted by ID.
func (m *Monitor) Check(ctx context.Context, tick uint64, reg *track.Registry, trains []*train.Train, progressed bool) []Report {
	var reports []Report
	for {
		cycle := FindCycle(reg, trains)
		if len(cycle) == 0 {
			break
		}
		reports = append(reports, m.recover(ctx, KindCycle, tick, reg, cycle, lowestID(cycle)))
	}
	if len(reports) > 0 {
		m.idle = 0
		return reports
	}

	if m.stallTicks <= 0 {
		return nil
	}
	if progressed || !anyWaiting(trains) {
		m.idle = 0
		return nil
	}
	m.idle++
	if m.idle < m.stallTicks {
		return nil
	}
	m.idle = 0

	victim := longestWaiting(trains)
	if victim == nil {
		return nil
	}
	return []Report{m.recover(ctx, KindStall, tick, reg, []*train.Train{victim}, victim)}
}

// recover blocks every involved train and frees the victim's track.
func (m *Monitor) recover(ctx context.Context, kind Kind, tick uint64, reg *track.Registry, involved []*train.Train, victim *train.Train) Report {
	m.deadlocks++

	r := Report{Kind: kind, Tick: tick, Victim: victim.ID, Freed: victim.Held}
	for _, t := range involved {
		r.Trains = append(r.Trains, t.ID)
		t.Block()
	}
	if victim.Held != "" {
		if err := reg.Release(victim.Held, victim.ID); err != nil {
			m.log.Warn(ctx, "deadlock victim release failed",
				logging.Train(victim.ID), logging.Track(victim.Held), logging.Err(err))
		}
	}
	victim.Evict()

	m.log.Warn(ctx, "deadlock detected",
		logging.String("kind", string(kind)),
		logging.Uint64("tick", tick),
		logging.Any("trains", r.Trains),
		logging.Train(r.Victim),
		logging.Track(r.Freed),
		logging.Int("deadlocks", m.deadlocks),
	)
	return r
}

func anyWaiting(trains []*train.Train) bool {
	for _, t := range trains {
		if t.Status.IsWaiting() {
			return true
		}
	}
	return false
}

// longestWaiting picks the waiting train with a held track that has waited
// longest, ties broken by ID.
func longestWaiting(trains []*train.Train) *train.Train {
	var best *train.Train
	for _, t := range trains {
		if !t.Status.IsWaiting() || t.Held == "" {
			continue
		}
		if best == nil || t.CurrentWait > best.CurrentWait ||
			(t.CurrentWait == best.CurrentWait && train.Compare(t.ID, best.ID) < 0) {
			best = t
		}
	}
	return best
}

func lowestID(trains []*train.Train) *train.Train {
	best := trains[0]
	for _, t := range trains[1:] {
		if train.Compare(t.ID, best.ID) < 0 {
			best = t
		}
	}
	return best
}
