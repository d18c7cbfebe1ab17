// Package sim advances a fleet of buses along their routes on a fixed tick
// and emits each bus's new state to a set of sinks.
//
// Buses move by straight-line interpolation between consecutive stops. On
// reaching either end of the route a bus dwells for a configured time, then
// turns around.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"bus-tracker/internal/fleet"
)

const (
	DefaultInterval        = time.Second
	DefaultSegmentDuration = 10 * time.Second
	DefaultDwell           = 10 * time.Second
	DefaultEmitTimeout     = 2 * time.Second
)

type namedSink struct {
	name string
	sink Sink
}

type Simulator struct {
	interval    time.Duration
	clock       Clock
	sinks       []namedSink
	metrics     Metrics
	emitTimeout time.Duration
	segment     time.Duration
	dwell       time.Duration

	mu    sync.RWMutex
	buses []*motion
	byID  map[string]*motion
}

type Option func(*Simulator)

// WithInterval sets the tick cadence. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithClock(c Clock) Option { return func(s *Simulator) { s.clock = c } }

// WithSink registers a sink under name; the name labels its log lines and
// metrics. Sinks are called in registration order.
func WithSink(name string, sink Sink) Option {
	return func(s *Simulator) { s.sinks = append(s.sinks, namedSink{name: name, sink: sink}) }
}

func WithMetrics(m Metrics) Option { return func(s *Simulator) { s.metrics = m } }

func WithEmitTimeout(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.emitTimeout = d
		}
	}
}

// WithDefaults sets the segment duration and endpoint dwell applied to buses
// that do not declare their own.
func WithDefaults(segment, dwell time.Duration) Option {
	return func(s *Simulator) {
		if segment > 0 {
			s.segment = segment
		}
		if dwell >= 0 {
			s.dwell = dwell
		}
	}
}

// New builds a simulator for buses. The bus records are copied; the caller
// keeps ownership of the slice.
func New(buses []fleet.Bus, opts ...Option) *Simulator {
	s := &Simulator{
		interval:    DefaultInterval,
		clock:       realClock{},
		emitTimeout: DefaultEmitTimeout,
		segment:     DefaultSegmentDuration,
		dwell:       DefaultDwell,
		byID:        make(map[string]*motion, len(buses)),
	}
	for _, o := range opts {
		o(s)
	}
	now := s.clock.Now()
	segMs := float64(s.segment) / float64(time.Millisecond)
	dwellMs := float64(s.dwell) / float64(time.Millisecond)
	for _, b := range buses {
		m := newMotion(b, segMs, dwellMs, now)
		s.buses = append(s.buses, m)
		s.byID[b.ID] = m
	}
	return s
}

func (s *Simulator) Interval() time.Duration { return s.interval }

// Len returns the number of simulated buses.
func (s *Simulator) Len() int { return len(s.buses) }

// Run ticks until ctx is done. State is left consistent at whichever tick
// boundary it stops on, and Run may be called again later to resume.
func (s *Simulator) Run(ctx context.Context) error {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	log.Printf("simulating %d buses every %s", len(s.buses), s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C():
			s.Tick(ctx, now)
		}
	}
}

// Tick advances every bus by one interval as of now, then delivers the
// resulting updates to the sinks before returning.
func (s *Simulator) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	tickMs := float64(s.interval) / float64(time.Millisecond)

	s.mu.Lock()
	updates := make([]Update, 0, len(s.buses))
	for _, m := range s.buses {
		var arrivals int
		var endpoint bool
		updates, arrivals, endpoint = m.advance(now, tickMs, updates)
		if s.metrics != nil {
			for i := 0; i < arrivals; i++ {
				s.metrics.ArrivalInc(endpoint && i == arrivals-1)
			}
		}
	}
	s.mu.Unlock()

	for _, u := range updates {
		s.emit(ctx, u)
	}
	if s.metrics != nil {
		s.metrics.TickObserve(time.Since(start))
	}
}

// Snapshots returns the current state of every bus in fleet order.
func (s *Simulator) Snapshots() []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Update, len(s.buses))
	for i, m := range s.buses {
		out[i] = m.snapshot()
	}
	return out
}

// Snapshot returns the current state of bus id.
func (s *Simulator) Snapshot(id string) (Update, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Update{}, false
	}
	return m.snapshot(), true
}

func (s *Simulator) emit(ctx context.Context, u Update) {
	for _, ns := range s.sinks {
		if err := s.deliver(ctx, ns.sink, u); err != nil {
			log.WithFields(log.Fields{"sink": ns.name, "bus": u.ID}).WithError(err).Warn("emit failed")
			if s.metrics != nil {
				s.metrics.EmitErrInc(ns.name)
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.UpdateEmitted(ns.name)
		}
	}
}

// deliver runs one sink call bounded by the emit timeout. A sink that
// panics or outlives the timeout yields an error instead of stalling the tick.
func (s *Simulator) deliver(parent context.Context, sink Sink, u Update) error {
	ctx, cancel := context.WithTimeout(parent, s.emitTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sink panic: %v", r)
			}
		}()
		done <- sink.Emit(ctx, u)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
