package sim

import (
	"math"
	"strings"
	"sync/atomic"

	"github.com/signalsfoundry/railsim/internal/track"
	"github.com/signalsfoundry/railsim/internal/train"
)

// Run phases.
const (
	PhaseStopped = "stopped"
	PhaseRunning = "running"
	PhasePaused  = "paused"
)

// Track indicators, in display precedence order.
const (
	IndicatorWaiting = "waiting"
	IndicatorHeld    = "held"
	IndicatorFree    = "free"
)

// TrainView is the published state of one train.
type TrainView struct {
	ID          string  `json:"id"`
	Track       string  `json:"track"`
	Pos         float64 `json:"pos"`
	Status      string  `json:"status"`
	WaitingTime float64 `json:"waiting_time"`
	CurrentWait float64 `json:"current_wait"`
	Rotations   int     `json:"rotations"`
	Speed       float64 `json:"speed"`
	Held        string  `json:"held"`
	Requested   string  `json:"requested"`
}

// TrackView is the published state of one track. Indicator resolves the
// display precedence: waiting beats held beats free.
type TrackView struct {
	ID        string   `json:"id"`
	Holder    string   `json:"holder"`
	Waiting   []string `json:"waiting"`
	Indicator string   `json:"indicator"`
}

// Snapshot is an immutable view of the whole simulation between ticks.
type Snapshot struct {
	Running            bool              `json:"running"`
	Phase              string            `json:"phase"`
	Mode               string            `json:"mode"`
	Tick               uint64            `json:"tick"`
	Deadlocks          int               `json:"deadlocks"`
	CompletedRotations int               `json:"completed_rotations"`
	Trains             []TrainView       `json:"trains"`
	TrackStatus        map[string]string `json:"trackStatus"`
	Tracks             []TrackView       `json:"tracks"`
}

// Train returns the view of id, if present.
func (s *Snapshot) Train(id string) (TrainView, bool) {
	for _, t := range s.Trains {
		if t.ID == id {
			return t, true
		}
	}
	return TrainView{}, false
}

// Publisher hands out the latest snapshot without locking.
type Publisher struct {
	current atomic.Pointer[Snapshot]
}

// Publish replaces the current snapshot. s must not be modified afterwards.
func (p *Publisher) Publish(s *Snapshot) { p.current.Store(s) }

// Load returns the current snapshot, or nil before the first publish.
func (p *Publisher) Load() *Snapshot { return p.current.Load() }

type snapshotInput struct {
	running   bool
	phase     string
	mode      string
	tick      uint64
	deadlocks int
	reg       *track.Registry
	trains    []*train.Train
}

func buildSnapshot(in snapshotInput) *Snapshot {
	s := &Snapshot{
		Running:     in.running,
		Phase:       in.phase,
		Mode:        in.mode,
		Tick:        in.tick,
		Deadlocks:   in.deadlocks,
		Trains:      make([]TrainView, 0, len(in.trains)),
		TrackStatus: map[string]string{},
	}
	for _, t := range in.trains {
		s.CompletedRotations += t.Rotations
		s.Trains = append(s.Trains, TrainView{
			ID:          t.ID,
			Track:       t.Track(),
			Pos:         round3(t.Pos),
			Status:      t.Status.String(),
			WaitingTime: round3(t.WaitTotal.Seconds()),
			CurrentWait: round3(t.CurrentWait.Seconds()),
			Rotations:   t.Rotations,
			Speed:       t.Speed,
			Held:        t.Held,
			Requested:   t.Requested,
		})
	}
	for _, id := range in.reg.IDs() {
		st, _ := in.reg.Status(id)
		view := TrackView{ID: id, Holder: st.Holder, Waiting: st.Waiting, Indicator: IndicatorFree}
		if view.Waiting == nil {
			view.Waiting = []string{}
		}
		switch {
		case len(st.Waiting) > 0:
			view.Indicator = IndicatorWaiting
		case st.Holder != "":
			view.Indicator = IndicatorHeld
		}
		s.Tracks = append(s.Tracks, view)
		s.TrackStatus[id] = trackStatusString(st)
	}
	return s
}

// trackStatusString renders "free" or "<holder>,<waiting...>", with the
// holder slot written as "free" when only waiters are present.
func trackStatusString(st track.Status) string {
	if st.Holder == "" && len(st.Waiting) == 0 {
		return IndicatorFree
	}
	holder := st.Holder
	if holder == "" {
		holder = IndicatorFree
	}
	return strings.Join(append([]string{holder}, st.Waiting...), ",")
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
