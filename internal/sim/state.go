package sim

import (
	"math"
	"time"

	"bus-tracker/internal/fleet"
)

const (
	// Floor on the segment duration used as a divisor.
	minSegmentMs = 100
	// Progress this close to 1 counts as arrival; repeated 0.1 steps would
	// otherwise stop just short of the next stop.
	arrivalEpsilon = 1e-9
)

// motion is the mutable per-bus state. Only the simulator touches it, and
// only while holding its lock.
type motion struct {
	bus fleet.Bus

	currentIndex  int
	progress      float64
	direction     int
	segmentMs     float64
	dwellMs       float64
	dwellingUntil time.Time // zero when not dwelling
	status        Status
	lat, lng      float64
	lastUpdated   time.Time
}

func newMotion(b fleet.Bus, segmentMs, dwellMs float64, now time.Time) *motion {
	m := &motion{
		bus:         b,
		direction:   1,
		segmentMs:   segmentMs,
		dwellMs:     dwellMs,
		status:      StatusEnroute,
		lastUpdated: now,
	}
	if b.SegmentDurationMs != nil {
		m.segmentMs = *b.SegmentDurationMs
	}
	if b.DwellMsEnd != nil && *b.DwellMsEnd >= 0 {
		m.dwellMs = *b.DwellMsEnd
	}
	n := len(b.Stops)
	if b.CurrentIndex != nil && n > 0 {
		m.currentIndex = min(max(*b.CurrentIndex, 0), n-1)
	}
	if b.Progress != nil && *b.Progress >= 0 && *b.Progress < 1 {
		m.progress = *b.Progress
	}
	if b.Direction != nil && (*b.Direction == 1 || *b.Direction == -1) {
		m.direction = *b.Direction
	}
	// Never start heading off the end of the route.
	if n > 1 {
		if m.currentIndex == n-1 && m.direction == 1 {
			m.direction = -1
		} else if m.currentIndex == 0 && m.direction == -1 {
			m.direction = 1
		}
	}
	if n > 0 {
		m.lat, m.lng = b.Stops[m.currentIndex].Lat, b.Stops[m.currentIndex].Lng
		if m.progress > 0 {
			m.interpolate()
		}
	}
	return m
}

func (m *motion) lastIndex() int { return len(m.bus.Stops) - 1 }

func (m *motion) nextIndex() int {
	return min(max(m.currentIndex+m.direction, 0), m.lastIndex())
}

func (m *motion) isEndpoint(i int) bool { return i == 0 || i == m.lastIndex() }

func (m *motion) interpolate() {
	a := m.bus.Stops[m.currentIndex]
	b := m.bus.Stops[m.nextIndex()]
	m.lat = lerp(a.Lat, b.Lat, m.progress)
	m.lng = lerp(a.Lng, b.Lng, m.progress)
}

// advance applies one tick at now and appends the resulting updates to out:
// usually one, two when a dwell ends (DEPARTING, then the movement).
// It also returns how many stops were reached and whether the last one was
// an endpoint.
func (m *motion) advance(now time.Time, tickMs float64, out []Update) ([]Update, int, bool) {
	if len(m.bus.Stops) == 0 {
		m.lastUpdated = now
		return append(out, m.snapshot()), 0, false
	}

	if !m.dwellingUntil.IsZero() {
		if now.Before(m.dwellingUntil) {
			m.status = StatusCompleted
			m.lastUpdated = now
			return append(out, m.snapshot()), 0, false
		}
		m.dwellingUntil = time.Time{}
		m.status = StatusDeparting
		m.lastUpdated = now
		out = append(out, m.snapshot())
	}

	m.lastUpdated = now
	m.progress += tickMs / math.Max(m.segmentMs, minSegmentMs)

	// A tick may pass several intermediate stops; it always halts at the
	// first endpoint reached.
	arrivals := 0
	for m.progress >= 1-arrivalEpsilon {
		m.currentIndex = m.nextIndex()
		arrivals++
		if m.isEndpoint(m.currentIndex) {
			stop := m.bus.Stops[m.currentIndex]
			m.progress = 0
			m.status = StatusCompleted
			m.lat, m.lng = stop.Lat, stop.Lng
			m.dwellingUntil = now.Add(time.Duration(m.dwellMs * float64(time.Millisecond)))
			if m.currentIndex == 0 {
				m.direction = 1
			} else {
				m.direction = -1
			}
			return append(out, m.snapshot()), arrivals, true
		}
		m.progress = math.Max(0, m.progress-1)
	}

	m.interpolate()
	m.status = StatusEnroute
	return append(out, m.snapshot()), arrivals, false
}

func (m *motion) snapshot() Update {
	u := Update{
		ID:           m.bus.ID,
		Name:         m.bus.Name,
		Lat:          m.lat,
		Lng:          m.lng,
		CurrentIndex: m.currentIndex,
		Progress:     math.Round(m.progress*1000) / 1000,
		Direction:    m.direction,
		Status:       m.status,
		IsCompleted:  m.status == StatusCompleted,
		LastUpdated:  m.lastUpdated.UnixMilli(),
	}
	if len(m.bus.Stops) > 0 {
		cur := m.bus.Stops[m.currentIndex]
		next := m.bus.Stops[m.nextIndex()]
		u.CurrentStop = &cur
		u.NextStop = &next
		u.DistanceLeft = distanceLeft(cur, next, m.progress)
	}
	if !m.dwellingUntil.IsZero() {
		until := m.dwellingUntil.UnixMilli()
		u.DwellingUntil = &until
	}
	return u
}

// distanceLeft is the distance from the interpolated position to next.
// Cumulative distances fall on the return trip, hence the absolute value.
func distanceLeft(cur, next fleet.Stop, progress float64) float64 {
	along := cur.Distance + (next.Distance-cur.Distance)*progress
	return math.Max(0, math.Abs(next.Distance-along))
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }
