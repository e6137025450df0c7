// Package arbiter decides which waiting trains may take their requested
// track. Two strategies share one contract: a single central authority, and
// direct acquisition following the global track order.
package arbiter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/railsim/internal/logging"
	"github.com/signalsfoundry/railsim/internal/track"
	"github.com/signalsfoundry/railsim/internal/train"
)

// Mode selects an arbitration strategy.
type Mode string

const (
	// Centralized grants tracks from one authority.
	Centralized Mode = "centralized"
	// Ordered lets trains lock tracks directly in global order.
	Ordered Mode = "ordered"
)

// ErrUnknownMode indicates an unrecognised mode name.
var ErrUnknownMode = errors.New("unknown arbitration mode")

// ParseMode validates a wire mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Centralized:
		return Centralized, nil
	case Ordered:
		return Ordered, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Strategy answers, for a train wanting a track, whether it may proceed now.
// Plan is called once per tick with every waiting train in ascending ID
// order, then Decide is called for each of them in the same order.
// Strategies own the registry mutations behind a decision.
type Strategy interface {
	Mode() Mode
	Plan(tick uint64, pending []*train.Train)
	Decide(t *train.Train) train.Decision
}

// Options tune strategy construction.
type Options struct {
	// HoldWhileWaiting keeps a train on its current track until the next one
	// is granted, regardless of the global order. Ordered mode only.
	HoldWhileWaiting bool
	Log              logging.Logger
}

// New builds the strategy for mode over reg.
func New(mode Mode, reg *track.Registry, opts Options) (Strategy, error) {
	if opts.Log == nil {
		opts.Log = logging.Noop()
	}
	switch mode {
	case Centralized:
		return NewCentralized(reg, opts.Log), nil
	case Ordered:
		return NewOrdered(reg, opts.HoldWhileWaiting, opts.Log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}
