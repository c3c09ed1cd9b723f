// Package simulator drives reading generation: one batch per tick,
// dispatched to every configured sink, at a fixed interval.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ponytojas/water-sensor-sim/internal/models"
	"github.com/ponytojas/water-sensor-sim/internal/sensor"
	"github.com/ponytojas/water-sensor-sim/internal/sink"
)

// State of a Loop.
type State int32

const (
	Idle State = iota
	Running
	Stopped
	Interrupted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Interrupted:
		return "interrupted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Unbounded is the Count that runs until the context is cancelled.
const Unbounded = -1

var ErrNotIdle = errors.New("loop already started")

// Options tune a Loop. The zero value runs unbounded with no delay
// between ticks, on the wall clock, with a randomly seeded source.
type Options struct {
	Interval time.Duration
	Count    int
	Clock    Clock
	Rand     *rand.Rand
	Logger   zerolog.Logger
}

// Loop is the sampling loop. It owns its sinks and closes them when
// Run or Backfill returns.
type Loop struct {
	station  string
	specs    []sensor.Spec
	gens     []sensor.Generator
	sinks    []sink.Sink
	interval time.Duration
	count    int
	clock    Clock
	log      zerolog.Logger

	state    atomic.Int32
	record   int64
	ticks    atomic.Int64
	failures atomic.Int64
}

// New builds a loop for the station's sensors. Sinks are invoked in the
// given order on every tick.
func New(station sensor.Station, sinks []sink.Sink, opts Options) (*Loop, error) {
	if len(station.Sensors) == 0 {
		return nil, errors.New("no sensors configured")
	}
	if len(sinks) == 0 {
		return nil, errors.New("no sinks configured")
	}
	if opts.Interval < 0 {
		return nil, fmt.Errorf("interval %s must not be negative", opts.Interval)
	}
	if opts.Count < Unbounded {
		return nil, fmt.Errorf("count %d must be %d or greater", opts.Count, Unbounded)
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	l := &Loop{
		station:  station.Name,
		specs:    station.Sensors,
		gens:     make([]sensor.Generator, len(station.Sensors)),
		sinks:    sinks,
		interval: opts.Interval,
		count:    opts.Count,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	for i, spec := range station.Sensors {
		l.gens[i] = sensor.NewGenerator(spec, opts.Rand)
	}
	return l, nil
}

func (l *Loop) State() State { return State(l.state.Load()) }

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() int64 { return l.ticks.Load() }

// Failures returns the number of failed sink deliveries.
func (l *Loop) Failures() int64 { return l.failures.Load() }

// Run ticks until Count ticks have completed or ctx is cancelled.
// Tick k starts at start + k*interval; a tick that overruns a whole
// interval moves the schedule forward instead of bursting to catch up.
// Cancellation is observed between ticks only, never inside a sink.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrNotIdle
	}
	defer l.closeSinks()

	l.log.Info().
		Str("station", l.station).
		Int("sensors", len(l.specs)).
		Int("sinks", len(l.sinks)).
		Int("count", l.count).
		Dur("interval", l.interval).
		Msg("generating readings")

	next := l.clock.Now()
	for remaining := l.count; remaining != 0; {
		if ctx.Err() != nil {
			return l.stop(Interrupted)
		}
		start := l.clock.Now()
		if start.Sub(next) >= l.interval && l.interval > 0 {
			l.log.Warn().Dur("behind", start.Sub(next)).Msg("tick overran interval, rescheduling")
			next = start
		}

		l.tick(ctx, start)

		if remaining > 0 {
			remaining--
			if remaining == 0 {
				break
			}
		}
		next = next.Add(l.interval)
		l.sleepUntil(ctx, next)
	}
	return l.stop(Stopped)
}

// Backfill generates readings stamped from, from+interval, ... up to the
// current time without sleeping between them. Count is ignored.
func (l *Loop) Backfill(ctx context.Context, from time.Time) error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrNotIdle
	}
	defer l.closeSinks()
	if l.interval <= 0 {
		l.state.Store(int32(Stopped))
		return errors.New("backfill requires a positive interval")
	}

	l.log.Info().Str("station", l.station).Time("from", from).Msg("generating backfill readings")
	for ts := from; ts.Before(l.clock.Now()); ts = ts.Add(l.interval) {
		if ctx.Err() != nil {
			return l.stop(Interrupted)
		}
		l.tick(ctx, ts)
		if n := l.Ticks(); n%1000 == 0 {
			l.log.Info().Time("date", ts).Int64("count", n).Msg("backfill progress")
		}
	}
	return l.stop(Stopped)
}

func (l *Loop) tick(ctx context.Context, ts time.Time) {
	l.record++
	b := models.Batch{
		Station:   l.station,
		Record:    l.record,
		Timestamp: ts,
		Readings:  make([]models.Reading, len(l.specs)),
	}
	for i, spec := range l.specs {
		b.Readings[i] = models.Reading{
			SensorName: spec.Name,
			Value:      l.gens[i].Next(),
			Unit:       spec.Unit,
			Timestamp:  ts,
		}
	}
	l.dispatch(context.WithoutCancel(ctx), b)
	l.ticks.Add(1)
}

// dispatch hands b to every sink in order. A failing sink is reported
// and skipped; it never prevents delivery to the others.
func (l *Loop) dispatch(ctx context.Context, b models.Batch) {
	for _, s := range l.sinks {
		if err := s.Emit(ctx, b); err != nil {
			l.failures.Add(1)
			l.log.Warn().Err(err).Str("sink", s.Name()).Int64("record", b.Record).Msg("sink emit failed")
		}
	}
}

func (l *Loop) sleepUntil(ctx context.Context, t time.Time) {
	d := t.Sub(l.clock.Now())
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-l.clock.After(d):
	}
}

func (l *Loop) stop(s State) error {
	l.state.Store(int32(s))
	l.log.Info().
		Str("state", s.String()).
		Int64("ticks", l.Ticks()).
		Int64("failures", l.Failures()).
		Msg("sampling loop stopped")
	return nil
}

func (l *Loop) closeSinks() {
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			l.log.Error().Err(err).Str("sink", s.Name()).Msg("failed to close sink")
		}
	}
}
