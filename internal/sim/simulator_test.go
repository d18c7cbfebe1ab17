package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/fleet"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
	ch  chan time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0, ch: make(chan time.Time)} }

func (f *fakeClock) Now() time.Time                  { return f.now }
func (f *fakeClock) NewTicker(time.Duration) Ticker { return fakeTicker{ch: f.ch} }

type fakeTicker struct{ ch chan time.Time }

func (t fakeTicker) C() <-chan time.Time { return t.ch }
func (fakeTicker) Stop()                 {}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) Emit(_ context.Context, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	ticks     int
	emitted   map[string]int
	errs      map[string]int
	arrivals  int
	endpoints int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{emitted: map[string]int{}, errs: map[string]int{}}
}

func (f *fakeMetrics) TickObserve(time.Duration) { f.mu.Lock(); f.ticks++; f.mu.Unlock() }
func (f *fakeMetrics) UpdateEmitted(s string)    { f.mu.Lock(); f.emitted[s]++; f.mu.Unlock() }
func (f *fakeMetrics) EmitErrInc(s string)       { f.mu.Lock(); f.errs[s]++; f.mu.Unlock() }
func (f *fakeMetrics) ArrivalInc(endpoint bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arrivals++
	if endpoint {
		f.endpoints++
	}
}

func ptr[T any](v T) *T { return &v }

func abcBus() fleet.Bus {
	return fleet.Bus{
		ID:   "abc",
		Name: "ABC",
		Stops: []fleet.Stop{
			{Name: "A", Distance: 0, Lat: 0, Lng: 0},
			{Name: "B", Distance: 10, Lat: 0, Lng: 1},
			{Name: "C", Distance: 20, Lat: 0, Lng: 2},
		},
	}
}

func lineBus(id string, n int) fleet.Bus {
	b := fleet.Bus{ID: id, Name: id}
	for i := 0; i < n; i++ {
		b.Stops = append(b.Stops, fleet.Stop{Name: string(rune('P' + i)), Lng: float64(i), Distance: float64(10 * i)})
	}
	return b
}

// tickN runs n ticks one interval apart, starting one interval after from,
// and returns the time of the last tick.
func tickN(s *Simulator, from time.Time, n int) time.Time {
	now := from
	for i := 0; i < n; i++ {
		now = now.Add(s.Interval())
		s.Tick(context.Background(), now)
	}
	return now
}

func mustSnapshot(t *testing.T, s *Simulator, id string) Update {
	t.Helper()
	u, ok := s.Snapshot(id)
	require.True(t, ok)
	return u
}

func TestInitialization(t *testing.T) {
	s := New([]fleet.Bus{abcBus()}, WithClock(newFakeClock()))
	m := s.buses[0]
	assert.Equal(t, 0, m.currentIndex)
	assert.Equal(t, 0.0, m.progress)
	assert.Equal(t, 1, m.direction)
	assert.Equal(t, 10000.0, m.segmentMs)
	assert.Equal(t, 10000.0, m.dwellMs)
	assert.True(t, m.dwellingUntil.IsZero())
	assert.Equal(t, StatusEnroute, m.status)

	u := mustSnapshot(t, s, "abc")
	assert.Equal(t, 0.0, u.Lat)
	assert.Equal(t, 0.0, u.Lng)
	assert.Equal(t, "A", u.CurrentStop.Name)
	assert.Equal(t, "B", u.NextStop.Name)
	assert.Equal(t, 10.0, u.DistanceLeft)
	assert.Equal(t, t0.UnixMilli(), u.LastUpdated)
	assert.Nil(t, u.DwellingUntil)
}

func TestInitializationRepairsDeclaredState(t *testing.T) {
	tests := []struct {
		name      string
		edit      func(*fleet.Bus)
		index     int
		progress  float64
		direction int
		segmentMs float64
		dwellMs   float64
	}{
		{"declared durations", func(b *fleet.Bus) { b.SegmentDurationMs = ptr(2500.0); b.DwellMsEnd = ptr(0.0) }, 0, 0, 1, 2500, 0},
		{"negative dwell uses default", func(b *fleet.Bus) { b.DwellMsEnd = ptr(-5.0) }, 0, 0, 1, 10000, 10000},
		{"index clamped and turned", func(b *fleet.Bus) { b.CurrentIndex = ptr(99) }, 2, 0, -1, 10000, 10000},
		{"negative index clamped", func(b *fleet.Bus) { b.CurrentIndex = ptr(-3) }, 0, 0, 1, 10000, 10000},
		{"bad progress reset", func(b *fleet.Bus) { b.Progress = ptr(1.5) }, 0, 0, 1, 10000, 10000},
		{"bad direction reset", func(b *fleet.Bus) { b.Direction = ptr(3) }, 0, 0, 1, 10000, 10000},
		{"outward direction at start turned", func(b *fleet.Bus) { b.Direction = ptr(-1) }, 0, 0, 1, 10000, 10000},
		{"mid-route reverse kept", func(b *fleet.Bus) { b.CurrentIndex = ptr(1); b.Direction = ptr(-1); b.Progress = ptr(0.5) }, 1, 0.5, -1, 10000, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := abcBus()
			tt.edit(&b)
			m := New([]fleet.Bus{b}, WithClock(newFakeClock())).buses[0]
			assert.Equal(t, tt.index, m.currentIndex)
			assert.Equal(t, tt.progress, m.progress)
			assert.Equal(t, tt.direction, m.direction)
			assert.Equal(t, tt.segmentMs, m.segmentMs)
			assert.Equal(t, tt.dwellMs, m.dwellMs)
		})
	}
}

func TestInitialPositionInterpolated(t *testing.T) {
	b := abcBus()
	b.Progress = ptr(0.25)
	u := mustSnapshot(t, New([]fleet.Bus{b}, WithClock(newFakeClock())), "abc")
	assert.InDelta(t, 0.25, u.Lng, 1e-9)
	assert.InDelta(t, 7.5, u.DistanceLeft, 1e-9)
}

func TestWithDefaults(t *testing.T) {
	s := New([]fleet.Bus{abcBus()}, WithClock(newFakeClock()), WithDefaults(4*time.Second, 0))
	assert.Equal(t, 4000.0, s.buses[0].segmentMs)
	assert.Equal(t, 0.0, s.buses[0].dwellMs)
}

func TestReachesIntermediateStop(t *testing.T) {
	s := New([]fleet.Bus{abcBus()}, WithClock(newFakeClock()))

	tickN(s, t0, 5)
	u := mustSnapshot(t, s, "abc")
	assert.Equal(t, 0, u.CurrentIndex)
	assert.InDelta(t, 0.5, u.Progress, 1e-9)
	assert.InDelta(t, 0.5, u.Lng, 1e-9)
	assert.InDelta(t, 5, u.DistanceLeft, 1e-9)
	assert.Equal(t, StatusEnroute, u.Status)

	tickN(s, t0.Add(5*time.Second), 5)
	u = mustSnapshot(t, s, "abc")
	assert.Equal(t, 1, u.CurrentIndex)
	assert.InDelta(t, 0, u.Progress, 1e-9)
	assert.Equal(t, StatusEnroute, u.Status)
	assert.False(t, u.IsCompleted)
	assert.Equal(t, 0.0, u.Lat)
	assert.InDelta(t, 1, u.Lng, 1e-9)
	assert.InDelta(t, 10, u.DistanceLeft, 1e-9)
	assert.Equal(t, "B", u.CurrentStop.Name)
	assert.Equal(t, "C", u.NextStop.Name)
}

func TestEndpointArrivalStartsDwellAndTurns(t *testing.T) {
	s := New([]fleet.Bus{abcBus()}, WithClock(newFakeClock()))
	now := tickN(s, t0, 20)

	u := mustSnapshot(t, s, "abc")
	assert.Equal(t, 2, u.CurrentIndex)
	assert.Equal(t, 0.0, u.Progress)
	assert.Equal(t, StatusCompleted, u.Status)
	assert.True(t, u.IsCompleted)
	assert.Equal(t, -1, u.Direction)
	assert.Equal(t, 0.0, u.Lat)
	assert.Equal(t, 2.0, u.Lng)
	require.NotNil(t, u.DwellingUntil)
	assert.Equal(t, now.Add(10*time.Second).UnixMilli(), *u.DwellingUntil)
	assert.Equal(t, now.UnixMilli(), u.LastUpdated)
	assert.Equal(t, "B", u.NextStop.Name)
}

func TestDwellIsIdempotent(t *testing.T) {
	s := New([]fleet.Bus{abcBus()}, WithClock(newFakeClock()))
	now := tickN(s, t0, 20)
	arrived := mustSnapshot(t, s, "abc")

	for i := 0; i < 9; i++ {
		now = tickN(s, now, 1)
		u := mustSnapshot(t, s, "abc")
		assert.Equal(t, StatusCompleted, u.Status)
		assert.Equal(t, arrived.CurrentIndex, u.CurrentIndex)
		assert.Equal(t, arrived.Progress, u.Progress)
		assert.Equal(t, arrived.Lat, u.Lat)
		assert.Equal(t, arrived.Lng, u.Lng)
		assert.Equal(t, arrived.Direction, u.Direction)
		assert.Equal(t, arrived.DwellingUntil, u.DwellingUntil)
		assert.Equal(t, now.UnixMilli(), u.LastUpdated)
	}
}

func TestDwellExpiryEmitsDepartingThenMoves(t *testing.T) {
	rec := &recorder{}
	s := New([]fleet.Bus{abcBus()}, WithClock(newFakeClock()), WithSink("rec", rec))
	now := tickN(s, t0, 29)
	rec.reset()

	now = tickN(s, now, 1) // now == dwellingUntil
	got := rec.all()
	require.Len(t, got, 2)

	dep := got[0]
	assert.Equal(t, StatusDeparting, dep.Status)
	assert.Nil(t, dep.DwellingUntil)
	assert.Equal(t, 2, dep.CurrentIndex)
	assert.Equal(t, 2.0, dep.Lng)
	assert.Equal(t, now.UnixMilli(), dep.LastUpdated)

	moved := got[1]
	assert.Equal(t, StatusEnroute, moved.Status)
	assert.Equal(t, -1, moved.Direction)
	assert.Equal(t, 2, moved.CurrentIndex)
	assert.InDelta(t, 0.1, moved.Progress, 1e-9)
	assert.InDelta(t, 1.9, moved.Lng, 1e-9)
	assert.InDelta(t, 9, moved.DistanceLeft, 1e-9)
}

func TestReverseTripReachesStartAndTurnsAgain(t *testing.T) {
	s := New([]fleet.Bus{abcBus()}, WithClock(newFakeClock()))
	// 20 ticks out, 10 dwelling, 20 back.
	tickN(s, t0, 50)
	u := mustSnapshot(t, s, "abc")
	assert.Equal(t, 0, u.CurrentIndex)
	assert.Equal(t, StatusCompleted, u.Status)
	assert.Equal(t, 1, u.Direction)
	assert.Equal(t, 0.0, u.Lng)
}

func TestDistanceLeftDecreasesWhileEnroute(t *testing.T) {
	s := New([]fleet.Bus{lineBus("l", 2)}, WithClock(newFakeClock()))
	now := t0
	prev := mustSnapshot(t, s, "l").DistanceLeft
	// Outbound segment, then the return segment after the dwell.
	for i := 0; i < 40; i++ {
		now = tickN(s, now, 1)
		u := mustSnapshot(t, s, "l")
		assert.GreaterOrEqual(t, u.DistanceLeft, 0.0)
		if u.Status == StatusEnroute && u.Progress > 0.1 {
			assert.Less(t, u.DistanceLeft, prev, "tick %d", i)
		}
		prev = u.DistanceLeft
	}
}

func TestProgressCarryOver(t *testing.T) {
	b := lineBus("l", 4)
	b.SegmentDurationMs = ptr(1000.0)
	b.Progress = ptr(0.8)
	s := New([]fleet.Bus{b}, WithClock(newFakeClock()))

	now := tickN(s, t0, 1)
	u := mustSnapshot(t, s, "l")
	assert.Equal(t, 1, u.CurrentIndex)
	assert.InDelta(t, 0.8, u.Progress, 1e-9)
	assert.InDelta(t, 1.8, u.Lng, 1e-9)

	now = tickN(s, now, 1)
	u = mustSnapshot(t, s, "l")
	assert.Equal(t, 2, u.CurrentIndex)
	assert.InDelta(t, 2.8, u.Lng, 1e-9)

	tickN(s, now, 1)
	u = mustSnapshot(t, s, "l")
	assert.Equal(t, 3, u.CurrentIndex)
	assert.Equal(t, StatusCompleted, u.Status)
	assert.Equal(t, 3.0, u.Lng)
}

func TestArrivalHasNoDiscontinuity(t *testing.T) {
	b := lineBus("l", 3)
	b.SegmentDurationMs = ptr(5000.0)
	b.Progress = ptr(0.8)
	s := New([]fleet.Bus{b}, WithClock(newFakeClock()))

	tickN(s, t0, 1)
	u := mustSnapshot(t, s, "l")
	assert.Equal(t, 1, u.CurrentIndex)
	assert.InDelta(t, 1.0, u.Lng, 1e-9)
	assert.InDelta(t, lerp(0, 1, 1), u.Lng, 1e-9)
}

func TestOvershootPassesSeveralStops(t *testing.T) {
	b := lineBus("fast", 8)
	b.SegmentDurationMs = ptr(400.0) // 2.5 segments per tick
	s := New([]fleet.Bus{b}, WithClock(newFakeClock()))

	tickN(s, t0, 1)
	u := mustSnapshot(t, s, "fast")
	assert.Equal(t, 2, u.CurrentIndex)
	assert.InDelta(t, 0.5, u.Progress, 1e-9)
	assert.InDelta(t, 2.5, u.Lng, 1e-9)

	tickN(s, t0.Add(time.Second), 2)
	u = mustSnapshot(t, s, "fast")
	assert.Equal(t, 7, u.CurrentIndex, "halts at the endpoint instead of running past it")
	assert.Equal(t, StatusCompleted, u.Status)
	assert.Equal(t, 0.0, u.Progress)
}

func TestSegmentDurationFloor(t *testing.T) {
	for _, seg := range []float64{0, -50} {
		b := lineBus("z", 30)
		b.SegmentDurationMs = ptr(seg)
		s := New([]fleet.Bus{b}, WithClock(newFakeClock()))
		tickN(s, t0, 1)
		u := mustSnapshot(t, s, "z")
		// 1000ms / 100ms floor = 10 segments.
		assert.Equal(t, 10, u.CurrentIndex, "segment %v", seg)
	}
}

func TestSingleStopRoute(t *testing.T) {
	b := fleet.Bus{ID: "x", Name: "X", Stops: []fleet.Stop{{Name: "X", Lat: 5, Lng: 6, Distance: 3}}}
	s := New([]fleet.Bus{b}, WithClock(newFakeClock()))
	now := t0
	for i := 0; i < 60; i++ {
		now = tickN(s, now, 1)
		u := mustSnapshot(t, s, "x")
		assert.Equal(t, 0, u.CurrentIndex)
		assert.Equal(t, 0.0, u.DistanceLeft)
		assert.Equal(t, 5.0, u.Lat)
		assert.Equal(t, 6.0, u.Lng)
		assert.Equal(t, "X", u.NextStop.Name)
	}
}

func TestEmptyRouteStillEmits(t *testing.T) {
	rec := &recorder{}
	s := New([]fleet.Bus{{ID: "empty", Name: "Empty"}}, WithClock(newFakeClock()), WithSink("rec", rec))
	now := tickN(s, t0, 3)

	got := rec.all()
	require.Len(t, got, 3)
	last := got[2]
	assert.Equal(t, now.UnixMilli(), last.LastUpdated)
	assert.Nil(t, last.CurrentStop)
	assert.Nil(t, last.NextStop)
	assert.Equal(t, 0.0, last.DistanceLeft)
}

func TestInvariantsHoldAfterEveryTick(t *testing.T) {
	buses := []fleet.Bus{abcBus(), lineBus("two", 2), lineBus("long", 9)}
	buses[1].SegmentDurationMs = ptr(3000.0)
	buses[1].DwellMsEnd = ptr(2500.0)
	buses[2].SegmentDurationMs = ptr(700.0)
	buses[2].DwellMsEnd = ptr(0.0)
	s := New(buses, WithClock(newFakeClock()))

	now := t0
	for i := 0; i < 500; i++ {
		now = tickN(s, now, 1)
		for _, m := range s.buses {
			n := len(m.bus.Stops)
			require.GreaterOrEqual(t, m.currentIndex, 0)
			require.Less(t, m.currentIndex, n)
			require.GreaterOrEqual(t, m.progress, 0.0)
			require.Less(t, m.progress, 1.0)
			require.Contains(t, []int{1, -1}, m.direction)
			if m.status == StatusCompleted {
				require.Equal(t, 0.0, m.progress)
				require.True(t, m.isEndpoint(m.currentIndex))
			}
			if m.status == StatusCompleted && m.dwellMs > 0 {
				require.True(t, m.dwellingUntil.After(now), "%s dwelling past its deadline", m.bus.ID)
			}
		}
	}
}

func TestProgressRoundedToThreeDecimals(t *testing.T) {
	b := abcBus()
	b.Progress = ptr(0.12345)
	u := mustSnapshot(t, New([]fleet.Bus{b}, WithClock(newFakeClock())), "abc")
	assert.Equal(t, 0.123, u.Progress)
}

func TestSinkFailuresAreIsolated(t *testing.T) {
	rec := &recorder{}
	met := newFakeMetrics()
	failing := SinkFunc(func(context.Context, Update) error { return errors.New("transport down") })
	panicking := SinkFunc(func(context.Context, Update) error { panic("boom") })
	blocking := SinkFunc(func(ctx context.Context, _ Update) error {
		<-ctx.Done()
		return ctx.Err()
	})

	s := New([]fleet.Bus{abcBus(), lineBus("l", 3)},
		WithClock(newFakeClock()),
		WithEmitTimeout(10*time.Millisecond),
		WithMetrics(met),
		WithSink("failing", failing),
		WithSink("panicking", panicking),
		WithSink("blocking", blocking),
		WithSink("rec", rec),
	)
	tickN(s, t0, 2)

	got := rec.all()
	require.Len(t, got, 4)
	assert.Equal(t, []string{"abc", "l", "abc", "l"}, []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID})

	met.mu.Lock()
	defer met.mu.Unlock()
	assert.Equal(t, 4, met.errs["failing"])
	assert.Equal(t, 4, met.errs["panicking"])
	assert.Equal(t, 4, met.errs["blocking"])
	assert.Equal(t, 4, met.emitted["rec"])
	assert.Equal(t, 2, met.ticks)
}

func TestArrivalMetrics(t *testing.T) {
	met := newFakeMetrics()
	s := New([]fleet.Bus{abcBus()}, WithClock(newFakeClock()), WithMetrics(met))
	tickN(s, t0, 20)
	met.mu.Lock()
	defer met.mu.Unlock()
	assert.Equal(t, 2, met.arrivals)
	assert.Equal(t, 1, met.endpoints)
}

func TestRunDrivenByClock(t *testing.T) {
	rec := &recorder{}
	clk := newFakeClock()
	s := New([]fleet.Bus{abcBus()}, WithClock(clk), WithSink("rec", rec))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	for i := 1; i <= 3; i++ {
		clk.ch <- t0.Add(time.Duration(i) * time.Second)
	}
	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	u := mustSnapshot(t, s, "abc")
	assert.InDelta(t, 0.3, u.Progress, 1e-9)

	// Resumes where it stopped.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { _ = s.Run(ctx2) }()
	clk.ch <- t0.Add(4 * time.Second)
	require.Eventually(t, func() bool { return len(rec.all()) == 4 }, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.4, rec.all()[3].Progress, 1e-9)
}

func TestSnapshotsInFleetOrder(t *testing.T) {
	s := New([]fleet.Bus{lineBus("z", 2), abcBus(), lineBus("a", 2)}, WithClock(newFakeClock()))
	snaps := s.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"z", "abc", "a"}, []string{snaps[0].ID, snaps[1].ID, snaps[2].ID})
	_, ok := s.Snapshot("missing")
	assert.False(t, ok)
	assert.Equal(t, 3, s.Len())
}
