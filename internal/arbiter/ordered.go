package arbiter

import (
	"context"

	"github.com/signalsfoundry/railsim/internal/logging"
	"github.com/signalsfoundry/railsim/internal/track"
	"github.com/signalsfoundry/railsim/internal/train"
)

// OrderedArbiter lets each train lock tracks directly. When a handoff needs
// two tracks at once, the lower-ordered one must be held first; a train
// holding a higher-ordered track releases it before asking for a lower one.
// With holdWhileWaiting the order is ignored and trains keep their track
// until the next one is free, which admits wait cycles.
type OrderedArbiter struct {
	reg              *track.Registry
	holdWhileWaiting bool
	log              logging.Logger
}

// NewOrdered returns an ordered-locking strategy over reg.
func NewOrdered(reg *track.Registry, holdWhileWaiting bool, log logging.Logger) *OrderedArbiter {
	if log == nil {
		log = logging.Noop()
	}
	return &OrderedArbiter{reg: reg, holdWhileWaiting: holdWhileWaiting, log: log}
}

// Mode implements Strategy.
func (o *OrderedArbiter) Mode() Mode { return Ordered }

// HoldWhileWaiting reports whether the order discipline is bypassed.
func (o *OrderedArbiter) HoldWhileWaiting() bool { return o.holdWhileWaiting }

// Plan is a no-op: there is no central view of requests.
func (o *OrderedArbiter) Plan(uint64, []*train.Train) {}

// Decide attempts the handoff for t right away.
func (o *OrderedArbiter) Decide(t *train.Train) train.Decision {
	held, want := t.Held, t.Requested
	if held == want {
		return train.Decision{Granted: true}
	}

	var d train.Decision
	if held != "" && !o.holdWhileWaiting && o.reg.Order(held) > o.reg.Order(want) {
		if err := o.reg.Release(held, t.ID); err != nil {
			o.log.Warn(context.Background(), "partial hold release failed",
				logging.Train(t.ID), logging.Track(held), logging.Err(err))
			return d
		}
		d.DroppedHold = true
		held = ""
		// Keep the queue position on the wanted track.
		_ = o.reg.Enqueue(want, t.ID)
	}

	ok, err := o.reg.TryAcquire(want, t.ID)
	if err != nil {
		o.log.Warn(context.Background(), "track acquire failed",
			logging.Train(t.ID), logging.Track(want), logging.Err(err))
		return d
	}
	if !ok {
		return d
	}
	if held != "" {
		if err := o.reg.Release(held, t.ID); err != nil {
			o.log.Warn(context.Background(), "previous track release failed",
				logging.Train(t.ID), logging.Track(held), logging.Err(err))
		}
	}
	return train.Decision{Granted: true}
}
