package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values for the per-status train gauge.
var trainStatuses = []string{"running", "waiting", "waiting_end", "blocked", "completed"}

var arbitrationModes = []string{"centralized", "ordered"}

// EngineCollector exposes simulation engine metrics. It implements
// sim.MetricsRecorder.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	Deadlocks    *prometheus.CounterVec
	Rotations    prometheus.Counter
	Trains       *prometheus.GaugeVec
	Running      prometheus.Gauge
	Mode         *prometheus.GaugeVec
}

// NewEngineCollector registers engine metrics against the provided registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railsim_ticks_total",
		Help: "Number of simulation ticks executed.",
	}), "railsim_ticks_total")
	if err != nil {
		return nil, err
	}

	tickDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "railsim_tick_duration_seconds",
		Help:    "Wall time spent executing one simulation tick.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}), "railsim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	deadlocks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railsim_deadlocks_total",
		Help: "Detected deadlocks, labeled by detection kind (cycle or stall).",
	}, []string{"kind"}), "railsim_deadlocks_total")
	if err != nil {
		return nil, err
	}

	rotations, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railsim_rotations_total",
		Help: "Track segments completed by all trains.",
	}), "railsim_rotations_total")
	if err != nil {
		return nil, err
	}

	trains, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "railsim_trains",
		Help: "Current number of trains per status.",
	}, []string{"status"}), "railsim_trains")
	if err != nil {
		return nil, err
	}

	running, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "railsim_running",
		Help: "1 while the simulation is ticking, 0 otherwise.",
	}), "railsim_running")
	if err != nil {
		return nil, err
	}

	mode, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "railsim_arbitration_mode",
		Help: "1 for the active arbitration mode, 0 for the others.",
	}, []string{"mode"}), "railsim_arbitration_mode")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:     gatherer,
		Ticks:        ticks,
		TickDuration: tickDuration,
		Deadlocks:    deadlocks,
		Rotations:    rotations,
		Trains:       trains,
		Running:      running,
		Mode:         mode,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick counts a tick and records how long it took.
func (c *EngineCollector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	if c.Ticks != nil {
		c.Ticks.Inc()
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
}

// IncDeadlocks increments the deadlock counter for kind.
func (c *EngineCollector) IncDeadlocks(kind string) {
	if c == nil || c.Deadlocks == nil {
		return
	}
	c.Deadlocks.WithLabelValues(kind).Inc()
}

// AddRotations adds n completed segments.
func (c *EngineCollector) AddRotations(n int) {
	if c == nil || c.Rotations == nil || n <= 0 {
		return
	}
	c.Rotations.Add(float64(n))
}

// SetEngineState updates the phase, mode and per-status gauges. Statuses
// absent from trainsByStatus are set to zero.
func (c *EngineCollector) SetEngineState(running bool, mode string, trainsByStatus map[string]int) {
	if c == nil {
		return
	}
	if c.Running != nil {
		if running {
			c.Running.Set(1)
		} else {
			c.Running.Set(0)
		}
	}
	if c.Mode != nil {
		for _, m := range arbitrationModes {
			v := 0.0
			if m == mode {
				v = 1
			}
			c.Mode.WithLabelValues(m).Set(v)
		}
	}
	if c.Trains != nil {
		for _, s := range trainStatuses {
			c.Trains.WithLabelValues(s).Set(float64(trainsByStatus[s]))
		}
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
