// Package admission samples process health and rejects work when the gateway
// is overloaded.
//
// The controller has two states, Nominal and UnderPressure, re-evaluated on
// every sample. There is no hysteresis: one sample over a threshold flips the
// state and the next in-threshold sample flips it back.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultSampleInterval is used when Config.SampleInterval is zero.
const DefaultSampleInterval = time.Second

// PressureType names the metric that tripped.
type PressureType string

const (
	PressureEventLoopDelay       PressureType = "eventLoopDelay"
	PressureHeapUsedBytes        PressureType = "heapUsedBytes"
	PressureRSSBytes             PressureType = "rssBytes"
	PressureEventLoopUtilization PressureType = "eventLoopUtilization"
	PressureHealthCheck          PressureType = "healthCheck"
)

// State is the admission state.
type State int

const (
	StateNominal State = iota
	StateUnderPressure
)

func (s State) String() string {
	if s == StateUnderPressure {
		return "under_pressure"
	}
	return "nominal"
}

// Sample is the current process-wide health snapshot.
type Sample struct {
	EventLoopDelayMs     float64   `json:"eventLoopDelay"`
	HeapUsedBytes        uint64    `json:"heapUsed"`
	ResidentBytes        uint64    `json:"rssBytes"`
	EventLoopUtilization float64   `json:"eventLoopUtilized"`
	Healthy              bool      `json:"healthy"`
	SampledAt            time.Time `json:"sampledAt"`
}

// Verdict identifies the first metric over its threshold.
type Verdict struct {
	Type  PressureType `json:"type"`
	Value float64      `json:"value"`
}

// Thresholds bound each metric. Zero disables a check.
type Thresholds struct {
	MaxEventLoopDelay       time.Duration
	MaxHeapUsedBytes        uint64
	MaxRSSBytes             uint64
	MaxEventLoopUtilization float64
}

// Config configures a Controller.
type Config struct {
	Thresholds
	SampleInterval time.Duration
	// HealthProbe is optional. With a zero HealthCheckInterval it runs once at Start.
	HealthProbe         HealthProbe
	HealthCheckInterval time.Duration
	// HealthCheckTimeout bounds a single probe; defaults to 5s.
	HealthCheckTimeout time.Duration
}

// Controller periodically samples process health.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	sampler Sampler
	logger  *slog.Logger

	current atomic.Pointer[Sample]
	healthy atomic.Bool
	state   atomic.Int32

	// lastTick is only touched by the sampling goroutine.
	lastTick time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithSampler replaces the runtime sampler.
func WithSampler(s Sampler) Option {
	return func(ctl *Controller) {
		ctl.sampler = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ctl *Controller) {
		ctl.logger = logger
	}
}

// New creates a controller. Sampling begins with Start.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	c := &Controller{
		cfg:    cfg,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sampler == nil {
		c.sampler = NewRuntimeSampler()
	}
	c.healthy.Store(true)
	c.current.Store(&Sample{Healthy: true, SampledAt: c.clock.Now()})
	return c
}

// Start launches the sampling goroutine and, when configured, the health probe.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("admission controller already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	now := c.clock.Now()
	c.lastTick = now
	c.tick(now)

	ticker := c.clock.Ticker(c.cfg.SampleInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick(c.clock.Now())
			}
		}
	}()

	if c.cfg.HealthProbe != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runProbes(ctx)
		}()
	}

	c.logger.Info("admission controller started",
		slog.Duration("sample_interval", c.cfg.SampleInterval),
		slog.Bool("health_probe", c.cfg.HealthProbe != nil))
	return nil
}

// Stop cancels sampling and waits for the goroutines to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Controller) runProbes(ctx context.Context) {
	c.probe(ctx)
	if c.cfg.HealthCheckInterval <= 0 {
		return
	}

	ticker := c.clock.Ticker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Controller) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
	defer cancel()

	ok, err := c.cfg.HealthProbe.Check(ctx)
	if err != nil {
		c.logger.Error("external health check failed", slog.String("error", err.Error()))
		ok = false
	}
	c.healthy.Store(ok)
}

// tick recomputes the sample. Only the sampling goroutine (and Start) call it.
func (c *Controller) tick(now time.Time) {
	gap := now.Sub(c.lastTick)
	c.lastTick = now

	lag := gap - c.cfg.SampleInterval
	delayMs := float64(max(lag, 0)) / float64(time.Millisecond)

	prev := c.current.Load()
	next := &Sample{
		HeapUsedBytes: prev.HeapUsedBytes,
		ResidentBytes: prev.ResidentBytes,
		SampledAt:     now,
	}

	reading, err := c.safeRead()
	if err != nil {
		c.logger.Debug("runtime sample failed, using tick gap", slog.String("error", err.Error()))
	} else {
		next.HeapUsedBytes = reading.HeapUsedBytes
		next.ResidentBytes = reading.ResidentBytes
		if reading.SchedLatency >= 0 {
			schedMs := float64(reading.SchedLatency) / float64(time.Millisecond)
			if schedMs > delayMs {
				delayMs = schedMs
			}
		}
		if reading.Utilization >= 0 {
			next.EventLoopUtilization = reading.Utilization
		}
	}
	next.EventLoopDelayMs = delayMs
	next.Healthy = c.healthy.Load()

	c.current.Store(next)
	c.updateState(next)
}

func (c *Controller) safeRead() (r Reading, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("sampler panicked")
		}
	}()
	return c.sampler.Read()
}

func (c *Controller) updateState(s *Sample) {
	next := StateNominal
	v := c.evaluate(s)
	if v != nil {
		next = StateUnderPressure
	}
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if v != nil {
		c.logger.Warn("under pressure",
			slog.String("type", string(v.Type)),
			slog.Float64("value", v.Value))
	} else {
		c.logger.Info("pressure relieved")
	}
}

// Status returns the current sample. The health bit reflects the most recent
// probe even between samples.
func (c *Controller) Status() Sample {
	s := *c.current.Load()
	s.Healthy = c.healthy.Load()
	return s
}

// State returns the state derived from the latest sample.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// CheckPressure returns the first tripped metric in priority order
// (event loop delay, heap, rss, utilization, health check) or nil.
func (c *Controller) CheckPressure() *Verdict {
	s := c.Status()
	return c.evaluate(&s)
}

func (c *Controller) evaluate(s *Sample) *Verdict {
	t := c.cfg.Thresholds
	maxDelayMs := float64(t.MaxEventLoopDelay) / float64(time.Millisecond)

	switch {
	case t.MaxEventLoopDelay > 0 && s.EventLoopDelayMs > maxDelayMs:
		return &Verdict{Type: PressureEventLoopDelay, Value: s.EventLoopDelayMs}
	case t.MaxHeapUsedBytes > 0 && s.HeapUsedBytes > t.MaxHeapUsedBytes:
		return &Verdict{Type: PressureHeapUsedBytes, Value: float64(s.HeapUsedBytes)}
	case t.MaxRSSBytes > 0 && s.ResidentBytes > t.MaxRSSBytes:
		return &Verdict{Type: PressureRSSBytes, Value: float64(s.ResidentBytes)}
	case t.MaxEventLoopUtilization > 0 && s.EventLoopUtilization > t.MaxEventLoopUtilization:
		return &Verdict{Type: PressureEventLoopUtilization, Value: s.EventLoopUtilization}
	case !s.Healthy:
		return &Verdict{Type: PressureHealthCheck}
	}
	return nil
}
