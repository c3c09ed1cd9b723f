package simulator

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ponytojas/water-sensor-sim/internal/models"
	"github.com/ponytojas/water-sensor-sim/internal/sensor"
	"github.com/ponytojas/water-sensor-sim/internal/sink"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock advances instantly when waited on.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type recordingSink struct {
	name    string
	batches []models.Batch
	calls   *[]string
	fail    func(b models.Batch) error
	onEmit  func(b models.Batch)
	closed  bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Emit(ctx context.Context, b models.Batch) error {
	if ctx.Err() != nil {
		return errors.New("sink observed cancellation")
	}
	if s.calls != nil {
		*s.calls = append(*s.calls, s.name)
	}
	if s.onEmit != nil {
		s.onEmit(b)
	}
	if s.fail != nil {
		if err := s.fail(b); err != nil {
			return err
		}
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func testStation() sensor.Station {
	return sensor.Station{
		Name: "river-01",
		Sensors: []sensor.Spec{
			{Name: "ph", Unit: "pH", Min: 6.5, Max: 8.5, Strategy: sensor.StrategyUniform, Precision: 2},
			{Name: "temperature", Unit: "C", Min: 4, Max: 22, Strategy: sensor.StrategyRandomWalk, Start: 12, Step: 0.5, Precision: -1},
			{Name: "oxygen", Unit: "mg/L", Min: 8, Max: 8, Strategy: sensor.StrategyUniform, Precision: -1},
		},
	}
}

func newLoop(t *testing.T, count int, sinks ...sink.Sink) (*Loop, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	l, err := New(testStation(), sinks, Options{
		Interval: 200 * time.Millisecond,
		Count:    count,
		Clock:    clock,
		Rand:     rand.New(rand.NewPCG(7, 7)),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return l, clock
}

func TestRunBoundedCount(t *testing.T) {
	for _, count := range []int{0, 1, 5, 25} {
		s := &recordingSink{name: "rec"}
		l, _ := newLoop(t, count, s)
		if l.State() != Idle {
			t.Fatalf("new loop in state %v", l.State())
		}
		if err := l.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if l.State() != Stopped {
			t.Errorf("count %d: state %v, want stopped", count, l.State())
		}
		if got := l.Ticks(); got != int64(count) || len(s.batches) != count {
			t.Errorf("count %d: %d ticks, %d batches", count, got, len(s.batches))
		}
		if !s.closed {
			t.Errorf("count %d: sink not closed", count)
		}
	}
}

func TestRunBatchContents(t *testing.T) {
	s := &recordingSink{name: "rec"}
	l, _ := newLoop(t, 3, s)
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	station := testStation()
	for i, b := range s.batches {
		if b.Record != int64(i+1) || b.Station != "river-01" {
			t.Errorf("batch %d: record %d station %q", i, b.Record, b.Station)
		}
		if len(b.Readings) != len(station.Sensors) {
			t.Fatalf("batch %d: %d readings", i, len(b.Readings))
		}
		for j, r := range b.Readings {
			spec := station.Sensors[j]
			if r.SensorName != spec.Name || r.Unit != spec.Unit {
				t.Errorf("batch %d reading %d out of declaration order: %+v", i, j, r)
			}
			if r.Value < spec.Min || r.Value > spec.Max {
				t.Errorf("batch %d: %s = %v outside range", i, r.SensorName, r.Value)
			}
			if !r.Timestamp.Equal(b.Timestamp) {
				t.Errorf("reading timestamp %v differs from batch %v", r.Timestamp, b.Timestamp)
			}
		}
	}
}

func TestRunInterruptedAfterTicks(t *testing.T) {
	const k = 4
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &recordingSink{name: "rec"}
	s.onEmit = func(b models.Batch) {
		if b.Record == k {
			cancel()
		}
	}
	l, _ := newLoop(t, Unbounded, s)
	if err := l.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if l.State() != Interrupted {
		t.Errorf("state %v, want interrupted", l.State())
	}
	if l.Ticks() != k || len(s.batches) != k {
		t.Errorf("%d ticks, %d batches, want %d", l.Ticks(), len(s.batches), k)
	}
	if !s.closed {
		t.Error("sink not closed on interruption")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &recordingSink{name: "rec"}
	l, _ := newLoop(t, 5, s)
	if err := l.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if l.State() != Interrupted || l.Ticks() != 0 {
		t.Errorf("state %v after %d ticks", l.State(), l.Ticks())
	}
}

func TestRunSinkFailureIsNotFatal(t *testing.T) {
	var calls []string
	failing := &recordingSink{name: "mqtt", calls: &calls, fail: func(b models.Batch) error {
		if b.Record == 2 {
			return sink.PublishFailure("mqtt", errors.New("transport error"))
		}
		return nil
	}}
	after := &recordingSink{name: "file", calls: &calls}

	l, _ := newLoop(t, 5, failing, after)
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.State() != Stopped || l.Ticks() != 5 {
		t.Fatalf("state %v after %d ticks", l.State(), l.Ticks())
	}
	if l.Failures() != 1 {
		t.Errorf("failures = %d, want 1", l.Failures())
	}
	var records []int64
	for _, b := range failing.batches {
		records = append(records, b.Record)
	}
	if diff := cmp.Diff([]int64{1, 3, 4, 5}, records); diff != "" {
		t.Errorf("failing sink deliveries (-want +got):\n%s", diff)
	}
	if len(after.batches) != 5 {
		t.Errorf("later sink got %d batches, want 5", len(after.batches))
	}
	want := strings.Split(strings.Repeat("mqtt file ", 5), " ")
	if diff := cmp.Diff(want[:10], calls); diff != "" {
		t.Errorf("sink call order (-want +got):\n%s", diff)
	}
}

func TestRunNoDrift(t *testing.T) {
	const interval = 200 * time.Millisecond
	s := &recordingSink{name: "rec"}
	l, clock := newLoop(t, 1000, s)
	// each dispatch costs 30ms of wall time
	s.onEmit = func(models.Batch) { clock.now = clock.now.Add(30 * time.Millisecond) }

	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, b := range s.batches {
		if want := t0.Add(time.Duration(i) * interval); !b.Timestamp.Equal(want) {
			t.Fatalf("tick %d started at %v, want %v", i, b.Timestamp, want)
		}
	}
}

func TestRunOverrunReschedules(t *testing.T) {
	s := &recordingSink{name: "rec"}
	l, clock := newLoop(t, 3, s)
	s.onEmit = func(b models.Batch) {
		if b.Record == 1 {
			clock.now = clock.now.Add(500 * time.Millisecond)
		}
	}
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []time.Time{t0, t0.Add(500 * time.Millisecond), t0.Add(700 * time.Millisecond)}
	for i, b := range s.batches {
		if !b.Timestamp.Equal(want[i]) {
			t.Errorf("tick %d at %v, want %v", i, b.Timestamp.Sub(t0), want[i].Sub(t0))
		}
	}
}

func TestRunTwice(t *testing.T) {
	l, _ := newLoop(t, 1, &recordingSink{name: "rec"})
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Errorf("second run: %v", err)
	}
}

func TestRunWithFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.jsonl")
	f, err := sink.NewFile(path, sink.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	station := testStation()
	station.Sensors = station.Sensors[:1]
	l, err := New(station, []sink.Sink{f}, Options{Count: 5, Clock: &fakeClock{now: t0}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Split(strings.TrimSpace(string(b)), "\n"); len(lines) != 5 {
		t.Errorf("file has %d lines, want 5", len(lines))
	}
}

func TestBackfill(t *testing.T) {
	s := &recordingSink{name: "rec"}
	l, clock := newLoop(t, 2, s)
	from := clock.now.Add(-time.Second)
	if err := l.Backfill(context.Background(), from); err != nil {
		t.Fatal(err)
	}
	if l.State() != Stopped {
		t.Errorf("state %v", l.State())
	}
	if len(s.batches) != 5 {
		t.Fatalf("got %d backfill batches, want 5", len(s.batches))
	}
	for i, b := range s.batches {
		if want := from.Add(time.Duration(i) * 200 * time.Millisecond); !b.Timestamp.Equal(want) {
			t.Errorf("batch %d stamped %v, want %v", i, b.Timestamp, want)
		}
	}
	if !clock.now.Equal(t0) {
		t.Error("backfill slept")
	}
}

func TestBackfillZeroIntervalClosesSinks(t *testing.T) {
	s := &recordingSink{name: "rec"}
	l, err := New(testStation(), []sink.Sink{s}, Options{Interval: 0, Count: Unbounded, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	err = l.Backfill(context.Background(), time.Now().Add(-time.Hour))
	if err == nil || !strings.Contains(err.Error(), "positive interval") {
		t.Fatalf("expected interval error, got %v", err)
	}
	if !s.closed {
		t.Error("sink not closed")
	}
	if len(s.batches) != 0 {
		t.Errorf("got %d batches, want none", len(s.batches))
	}
	if l.State() != Stopped {
		t.Errorf("state %v, want stopped", l.State())
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	rec := []sink.Sink{&recordingSink{name: "rec"}}
	for _, test := range []struct {
		name    string
		station sensor.Station
		sinks   []sink.Sink
		opts    Options
	}{
		{name: "no sensors", station: sensor.Station{}, sinks: rec},
		{name: "no sinks", station: testStation()},
		{name: "negative interval", station: testStation(), sinks: rec, opts: Options{Interval: -time.Second}},
		{name: "bad count", station: testStation(), sinks: rec, opts: Options{Count: -2}},
	} {
		if _, err := New(test.station, test.sinks, test.opts); err == nil {
			t.Errorf("%s: expected error", test.name)
		}
	}
}
