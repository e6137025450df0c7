// Package sim drives the train simulation: it owns every train and track,
// runs ticks in a fixed order, serializes control operations with ticks and
// publishes immutable snapshots for readers.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/railsim/internal/arbiter"
	"github.com/signalsfoundry/railsim/internal/config"
	"github.com/signalsfoundry/railsim/internal/deadlock"
	"github.com/signalsfoundry/railsim/internal/logging"
	"github.com/signalsfoundry/railsim/internal/track"
	"github.com/signalsfoundry/railsim/internal/train"
	"github.com/signalsfoundry/railsim/timectrl"
)

const tracerName = "github.com/signalsfoundry/railsim/internal/sim"

var (
	// ErrRunning rejects operations that need a paused or stopped engine.
	ErrRunning = errors.New("simulation is running")
	// ErrInvalidMode rejects an unknown arbitration mode name.
	ErrInvalidMode = errors.New("invalid arbitration mode")
)

// EventReleased marks a track given up without a grant.
const EventReleased = "released"

// MetricsRecorder receives engine measurements. Implementations must be
// cheap; they are called with the engine lock held.
type MetricsRecorder interface {
	ObserveTick(d time.Duration)
	IncDeadlocks(kind string)
	AddRotations(n int)
	SetEngineState(running bool, mode string, trainsByStatus map[string]int)
}

// PickerFactory builds the next-track picker for a seed.
type PickerFactory func(seed uint64) train.Picker

// Clock is the tick source the engine can be attached to.
type Clock interface {
	AddListener(fn timectrl.Listener)
	Run(ctx context.Context, maxTicks uint64) <-chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPickerFactory replaces the seeded random picker.
func WithPickerFactory(f PickerFactory) Option {
	return func(e *Engine) {
		if f != nil {
			e.newPicker = f
		}
	}
}

// WithMetricsRecorder attaches engine metrics.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the wall-clock source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine is the simulation driver. All methods are safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	cfg       config.Simulation
	log       logging.Logger
	metrics   MetricsRecorder
	newPicker PickerFactory
	now       func() time.Time
	tracer    trace.Tracer

	reg      *track.Registry
	trains   []*train.Train
	monitor  *deadlock.Monitor
	strategy arbiter.Strategy
	picker   train.Picker
	mode     arbiter.Mode

	phase  string
	tick   uint64
	events *eventLog

	pub Publisher
}

// New validates cfg and builds an engine in the stopped phase with every
// train on its starting track.
func New(cfg config.Simulation, log logging.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := arbiter.ParseMode(cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}
	reg, err := track.NewRegistry(cfg.Tracks)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		newPicker: func(seed uint64) train.Picker { return train.NewRandomPicker(seed) },
		now:       time.Now,
		tracer:    otel.Tracer(tracerName),
		reg:       reg,
		monitor:   deadlock.NewMonitor(cfg.StallTicks, log),
		mode:      mode,
		phase:     PhaseStopped,
		events:    newEventLog(cfg.EventLogSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, spec := range cfg.Trains {
		e.trains = append(e.trains, train.New(train.Spec{
			ID:           spec.ID,
			Track:        spec.Track,
			Speed:        spec.Speed,
			MaxRotations: spec.MaxRotations,
		}))
	}
	train.SortByID(e.trains)

	if err := e.rebuildStrategy(); err != nil {
		return nil, err
	}
	e.restore(context.Background())
	e.publishLocked()
	return e, nil
}

// Start resumes ticking. It returns false when already running.
func (e *Engine) Start(ctx context.Context) bool {
	ctx, span := e.tracer.Start(ctx, "sim.Start")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == PhaseRunning {
		return false
	}
	e.phase = PhaseRunning
	e.control(ctx, "start")
	e.publishLocked()
	return true
}

// Pause stops ticking and keeps all state. It returns false when not running.
func (e *Engine) Pause(ctx context.Context) bool {
	ctx, span := e.tracer.Start(ctx, "sim.Pause")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseRunning {
		return false
	}
	e.phase = PhasePaused
	e.control(ctx, "pause")
	e.publishLocked()
	return true
}

// Reset stops the engine and restores the initial placement. The
// arbitration mode is kept.
func (e *Engine) Reset(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "sim.Reset")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.phase = PhaseStopped
	e.tick = 0
	e.monitor.Reset()
	e.events.clear()
	if err := e.rebuildStrategy(); err != nil {
		e.log.Error(ctx, "rebuild strategy on reset", logging.Err(err))
	}
	e.restore(ctx)
	logging.LoggerFromContext(ctx, e.log).Info(ctx, "simulation reset", logging.String("mode", string(e.mode)))
	e.publishLocked()
}

// SetMode switches the arbitration strategy. It fails with ErrRunning while
// the engine runs and ErrInvalidMode for unknown names.
func (e *Engine) SetMode(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "sim.SetMode", trace.WithAttributes(attribute.String("mode", name)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == PhaseRunning {
		return ErrRunning
	}
	mode, err := arbiter.ParseMode(name)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidMode, name)
	}
	prev := e.mode
	e.mode = mode
	if err := e.rebuildStrategy(); err != nil {
		e.mode = prev
		return fmt.Errorf("%w: %v", ErrInvalidMode, err)
	}
	e.control(ctx, "mode "+string(mode))
	e.publishLocked()
	return nil
}

// Mode returns the active arbitration mode.
func (e *Engine) Mode() arbiter.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Running reports whether the engine is ticking.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == PhaseRunning
}

// Snapshot returns the last published snapshot without taking the lock.
func (e *Engine) Snapshot() *Snapshot { return e.pub.Load() }

// Events returns up to limit recent events, oldest first.
func (e *Engine) Events(limit int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events.recent(limit)
}

// Run attaches the engine to clock and blocks until the clock stops.
func (e *Engine) Run(ctx context.Context, clock Clock, maxTicks uint64) {
	clock.AddListener(func(ctx context.Context, _ time.Time) { e.Tick(ctx) })
	<-clock.Run(ctx, maxTicks)
}

// Tick executes one simulation tick when running and reports whether it did.
func (e *Engine) Tick(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseRunning {
		return false
	}
	start := time.Now()
	e.step(ctx)
	e.publishLocked()
	if e.metrics != nil {
		e.metrics.ObserveTick(time.Since(start))
	}
	return true
}

func (e *Engine) step(ctx context.Context) {
	e.tick++
	tick := e.tick
	interval := e.cfg.TickInterval.Duration
	tracks := e.reg.IDs()
	rotations := e.rotations()

	e.monitor.Resume(e.trains)

	progressed := false
	for _, t := range e.trains {
		switch t.Advance(e.picker, tracks, e.cfg.TrackTicks, tick) {
		case train.Moved, train.Looped:
			progressed = true
		case train.ReachedEnd:
			progressed = true
			if err := e.reg.Enqueue(t.Requested, t.ID); err != nil {
				e.log.Warn(ctx, "enqueue request failed",
					logging.Train(t.ID), logging.Track(t.Requested), logging.Err(err))
			}
		}
	}

	var pending []*train.Train
	for _, t := range e.trains {
		if t.Status.IsWaiting() {
			pending = append(pending, t)
		}
	}
	e.strategy.Plan(tick, pending)
	for _, t := range pending {
		held := t.Held
		d := e.strategy.Decide(t)
		if t.Resolve(d, interval) {
			progressed = true
			e.record(Event{Tick: tick, Kind: EventAcquired, Train: t.ID, Track: t.Held,
				Message: fmt.Sprintf("%s acquired %s", t.ID, t.Held)})
			e.log.Debug(ctx, "track granted",
				logging.Train(t.ID), logging.Track(t.Held), logging.Uint64("tick", tick))
			continue
		}
		if d.DroppedHold {
			e.record(Event{Tick: tick, Kind: EventReleased, Train: t.ID, Track: held,
				Message: fmt.Sprintf("%s released %s to wait for %s", t.ID, held, t.Requested)})
		}
	}

	for _, t := range e.trains {
		if t.Status == train.Running && t.Done() {
			e.retire(ctx, tick, t)
		}
	}

	for _, r := range e.monitor.Check(ctx, tick, e.reg, e.trains, progressed) {
		kind := EventDeadlock
		if r.Kind == deadlock.KindStall {
			kind = EventStall
		}
		e.record(Event{Tick: tick, Kind: kind, Train: r.Victim, Track: r.Freed,
			Message: fmt.Sprintf("%s among %v: %s gave up %s", r.Kind, r.Trains, r.Victim, orFree(r.Freed))})
		if e.metrics != nil {
			e.metrics.IncDeadlocks(string(r.Kind))
		}
	}

	if e.metrics != nil {
		if n := e.rotations() - rotations; n > 0 {
			e.metrics.AddRotations(n)
		}
	}
}

// retire completes t and frees everything it held or asked for.
func (e *Engine) retire(ctx context.Context, tick uint64, t *train.Train) {
	if t.Held != "" {
		if err := e.reg.Release(t.Held, t.ID); err != nil {
			e.log.Warn(ctx, "release on completion failed",
				logging.Train(t.ID), logging.Track(t.Held), logging.Err(err))
		}
	}
	if t.Requested != "" {
		e.reg.Withdraw(t.Requested, t.ID)
	}
	t.Complete()
	e.record(Event{Tick: tick, Kind: EventCompleted, Train: t.ID,
		Message: fmt.Sprintf("%s completed %d rotations", t.ID, t.Rotations)})
	e.log.Info(ctx, "train completed", logging.Train(t.ID), logging.Int("rotations", t.Rotations))
}

// restore puts every train back on its starting track and reseeds the
// picker. Trains whose start track is taken begin waiting for it.
func (e *Engine) restore(ctx context.Context) {
	e.reg.Reset()
	e.picker = e.newPicker(e.cfg.Seed)
	for _, t := range e.trains {
		t.Reset()
		home := t.Home().Track
		ok, err := e.reg.TryAcquire(home, t.ID)
		if err != nil {
			e.log.Warn(ctx, "initial placement failed",
				logging.Train(t.ID), logging.Track(home), logging.Err(err))
			continue
		}
		if !ok {
			t.Held = ""
			t.WaitFor(home, train.Waiting, 0)
		}
	}
}

func (e *Engine) rebuildStrategy() error {
	s, err := arbiter.New(e.mode, e.reg, arbiter.Options{
		HoldWhileWaiting: e.cfg.HoldWhileWaiting,
		Log:              e.log,
	})
	if err != nil {
		return err
	}
	e.strategy = s
	return nil
}

func (e *Engine) control(ctx context.Context, action string) {
	e.record(Event{Tick: e.tick, Kind: EventControl, Message: action})
	logging.LoggerFromContext(ctx, e.log).Info(ctx, "simulation control",
		logging.String("action", action),
		logging.String("mode", string(e.mode)),
		logging.Uint64("tick", e.tick),
	)
}

func (e *Engine) record(ev Event) {
	ev.Time = e.now()
	e.events.add(ev)
}

func (e *Engine) rotations() int {
	n := 0
	for _, t := range e.trains {
		n += t.Rotations
	}
	return n
}

func (e *Engine) publishLocked() {
	s := buildSnapshot(snapshotInput{
		running:   e.phase == PhaseRunning,
		phase:     e.phase,
		mode:      string(e.mode),
		tick:      e.tick,
		deadlocks: e.monitor.Deadlocks(),
		reg:       e.reg,
		trains:    e.trains,
	})
	e.pub.Publish(s)

	if e.metrics != nil {
		byStatus := map[string]int{}
		for _, t := range e.trains {
			byStatus[t.Status.String()]++
		}
		e.metrics.SetEngineState(s.Running, s.Mode, byStatus)
	}
}

func orFree(trackID string) string {
	if trackID == "" {
		return "nothing"
	}
	return trackID
}
