// Package track holds the fixed set of shared track segments and their
// occupancy: at most one holder per segment plus a FIFO queue of waiters.
package track

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrUnknownTrack indicates a track ID that is not part of the registry.
	ErrUnknownTrack = errors.New("unknown track")
	// ErrNotHolder indicates a release by a train that does not hold the track.
	ErrNotHolder = errors.New("train does not hold track")
	// ErrConflict indicates a handoff batch that cannot be applied atomically.
	ErrConflict = errors.New("conflicting track handoff")
	// ErrInvalidTrack indicates a malformed track set.
	ErrInvalidTrack = errors.New("invalid track")
)

// Status is a point-in-time view of one segment.
type Status struct {
	Holder  string
	Waiting []string
}

// Free reports whether nobody holds the segment.
func (s Status) Free() bool { return s.Holder == "" }

// Move hands train from one track to another. From may be empty when the
// train currently holds nothing.
type Move struct {
	Train string
	From  string
	To    string
}

type segment struct {
	holder  string
	waiting []string
}

// Registry tracks holders and wait queues. It is not safe for concurrent use;
// the engine mutates it only from its serialized tick and control paths.
type Registry struct {
	order    []string
	index    map[string]int
	segments map[string]*segment
}

// NewRegistry builds a registry over ids. The global lock order is the lexical
// order of the IDs.
func NewRegistry(ids []string) (*Registry, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no tracks", ErrInvalidTrack)
	}
	order := slices.Clone(ids)
	slices.Sort(order)

	r := &Registry{
		order:    order,
		index:    make(map[string]int, len(order)),
		segments: make(map[string]*segment, len(order)),
	}
	for i, id := range order {
		if id == "" {
			return nil, fmt.Errorf("%w: empty track id", ErrInvalidTrack)
		}
		if _, dup := r.index[id]; dup {
			return nil, fmt.Errorf("%w: duplicate track %q", ErrInvalidTrack, id)
		}
		r.index[id] = i
		r.segments[id] = &segment{}
	}
	return r, nil
}

// IDs returns the track IDs in global order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.order)
}

// Order returns the position of id in the global order, or -1.
func (r *Registry) Order(id string) int {
	if i, ok := r.index[id]; ok {
		return i
	}
	return -1
}

// TryAcquire grants track to train when nobody holds it (or train already
// does). Otherwise train is queued and false is returned.
func (r *Registry) TryAcquire(track, train string) (bool, error) {
	seg, err := r.segment(track)
	if err != nil {
		return false, err
	}
	switch seg.holder {
	case train:
		seg.withdraw(train)
		return true, nil
	case "":
		seg.holder = train
		seg.withdraw(train)
		return true, nil
	default:
		seg.enqueue(train)
		return false, nil
	}
}

// Enqueue records train as waiting for track. Repeated calls keep the
// original queue position.
func (r *Registry) Enqueue(track, train string) error {
	seg, err := r.segment(track)
	if err != nil {
		return err
	}
	if seg.holder != train {
		seg.enqueue(train)
	}
	return nil
}

// Withdraw removes train from the wait queue of track, if present.
func (r *Registry) Withdraw(track, train string) {
	if seg, ok := r.segments[track]; ok {
		seg.withdraw(train)
	}
}

// Release clears the holder of track. Waiters are not granted automatically.
func (r *Registry) Release(track, train string) error {
	seg, err := r.segment(track)
	if err != nil {
		return err
	}
	if seg.holder != train {
		return fmt.Errorf("%w: %s on %s (holder %q)", ErrNotHolder, train, track, seg.holder)
	}
	seg.holder = ""
	return nil
}

// Transfer applies all moves as one atomic handoff. Every From must be held
// by its train; every To must be free or vacated by another move in the
// batch. Nothing changes when validation fails.
func (r *Registry) Transfer(moves []Move) error {
	vacated := make(map[string]bool, len(moves))
	claimed := make(map[string]string, len(moves))
	for _, m := range moves {
		if m.From == "" {
			continue
		}
		seg, err := r.segment(m.From)
		if err != nil {
			return err
		}
		if seg.holder != m.Train {
			return fmt.Errorf("%w: %s does not hold %s", ErrConflict, m.Train, m.From)
		}
		vacated[m.From] = true
	}
	for _, m := range moves {
		seg, err := r.segment(m.To)
		if err != nil {
			return err
		}
		if other, dup := claimed[m.To]; dup {
			return fmt.Errorf("%w: %s claimed by %s and %s", ErrConflict, m.To, other, m.Train)
		}
		claimed[m.To] = m.Train
		if seg.holder != "" && seg.holder != m.Train && !vacated[m.To] {
			return fmt.Errorf("%w: %s held by %s", ErrConflict, m.To, seg.holder)
		}
	}

	for _, m := range moves {
		if m.From != "" {
			r.segments[m.From].holder = ""
		}
	}
	for _, m := range moves {
		seg := r.segments[m.To]
		seg.holder = m.Train
		seg.withdraw(m.Train)
	}
	return nil
}

// Holder returns the current holder of track, or "".
func (r *Registry) Holder(track string) string {
	if seg, ok := r.segments[track]; ok {
		return seg.holder
	}
	return ""
}

// Status returns a copy of the segment state.
func (r *Registry) Status(track string) (Status, error) {
	seg, err := r.segment(track)
	if err != nil {
		return Status{}, err
	}
	return Status{Holder: seg.holder, Waiting: slices.Clone(seg.waiting)}, nil
}

// Reset clears every holder and queue.
func (r *Registry) Reset() {
	for _, seg := range r.segments {
		seg.holder = ""
		seg.waiting = nil
	}
}

func (r *Registry) segment(track string) (*segment, error) {
	seg, ok := r.segments[track]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrack, track)
	}
	return seg, nil
}

func (s *segment) enqueue(train string) {
	if !slices.Contains(s.waiting, train) {
		s.waiting = append(s.waiting, train)
	}
}

func (s *segment) withdraw(train string) {
	if i := slices.Index(s.waiting, train); i >= 0 {
		s.waiting = slices.Delete(s.waiting, i, i+1)
	}
}
