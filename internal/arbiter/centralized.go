package arbiter

import (
	"cmp"
	"context"
	"slices"

	"github.com/signalsfoundry/railsim/internal/logging"
	"github.com/signalsfoundry/railsim/internal/track"
	"github.com/signalsfoundry/railsim/internal/train"
)

// CentralizedArbiter evaluates every pending request once per tick. Free
// tracks go to the earliest waiting requester (ties by train ID). Closed
// chains of trains each waiting on the next one's track are committed as one
// rotation, so no wait cycle outlives a tick.
type CentralizedArbiter struct {
	reg *track.Registry
	log logging.Logger

	granted map[string]bool
}

// NewCentralized returns a central authority over reg.
func NewCentralized(reg *track.Registry, log logging.Logger) *CentralizedArbiter {
	if log == nil {
		log = logging.Noop()
	}
	return &CentralizedArbiter{reg: reg, log: log, granted: map[string]bool{}}
}

// Mode implements Strategy.
func (c *CentralizedArbiter) Mode() Mode { return Centralized }

// Plan computes and commits this tick's grants.
func (c *CentralizedArbiter) Plan(tick uint64, pending []*train.Train) {
	clear(c.granted)

	queue := slices.Clone(pending)
	slices.SortStableFunc(queue, func(a, b *train.Train) int {
		if n := cmp.Compare(a.WaitingSince, b.WaitingSince); n != 0 {
			return n
		}
		return train.Compare(a.ID, b.ID)
	})

	claimed := map[string]bool{}
	for progress := true; progress; {
		progress = false
		for _, t := range queue {
			if c.granted[t.ID] || claimed[t.Requested] {
				continue
			}
			if c.reg.Holder(t.Requested) != "" {
				continue
			}
			if c.commit(tick, []*train.Train{t}) {
				claimed[t.Requested] = true
				progress = true
			}
		}
	}

	// Remaining requests whose track is held by another waiting train.
	holders := map[string]*train.Train{}
	for _, t := range queue {
		if !c.granted[t.ID] && t.Held != "" {
			holders[t.Held] = t
		}
	}
	for _, t := range queue {
		if c.granted[t.ID] {
			continue
		}
		chain := c.closedChain(t, holders, claimed)
		if len(chain) == 0 {
			continue
		}
		if c.commit(tick, chain) {
			for _, member := range chain {
				claimed[member.Requested] = true
				delete(holders, member.Held)
			}
		}
	}
}

// Decide implements Strategy.
func (c *CentralizedArbiter) Decide(t *train.Train) train.Decision {
	return train.Decision{Granted: c.granted[t.ID]}
}

// closedChain follows requester -> holder links from start and returns the
// cycle it runs into, if any. The cycle need not contain start.
func (c *CentralizedArbiter) closedChain(start *train.Train, holders map[string]*train.Train, claimed map[string]bool) []*train.Train {
	var path []*train.Train
	index := map[string]int{}
	for cur := start; cur != nil; cur = holders[cur.Requested] {
		if i, seen := index[cur.ID]; seen {
			return path[i:]
		}
		if c.granted[cur.ID] || claimed[cur.Requested] {
			return nil
		}
		index[cur.ID] = len(path)
		path = append(path, cur)
	}
	return nil
}

func (c *CentralizedArbiter) commit(tick uint64, trains []*train.Train) bool {
	moves := make([]track.Move, 0, len(trains))
	for _, t := range trains {
		moves = append(moves, track.Move{Train: t.ID, From: t.Held, To: t.Requested})
	}
	if err := c.reg.Transfer(moves); err != nil {
		c.log.Warn(context.Background(), "central grant rejected by registry",
			logging.Uint64("tick", tick),
			logging.Err(err),
		)
		return false
	}
	for _, t := range trains {
		c.granted[t.ID] = true
	}
	if len(trains) > 1 {
		c.log.Debug(context.Background(), "central rotation committed",
			logging.Uint64("tick", tick),
			logging.Int("trains", len(trains)),
		)
	}
	return true
}
