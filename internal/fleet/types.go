package fleet

// Stop is one waypoint on a bus route.
type Stop struct {
	Name     string  `json:"name"`
	Time     string  `json:"time"`     // scheduled label, display only
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Distance float64 `json:"distance"` // cumulative from route start
}

// Bus is the static record of one bus and its route. Optional fields are
// left nil when the dataset does not declare them.
type Bus struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	From  string `json:"from"`
	To    string `json:"to"`
	Route string `json:"route"`
	Stops []Stop `json:"stops"`

	SegmentDurationMs *float64 `json:"segmentDurationMs,omitempty"`
	DwellMsEnd        *float64 `json:"dwellMsEnd,omitempty"`

	CurrentIndex *int     `json:"currentIndex,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`
	Direction    *int     `json:"direction,omitempty"`
}

// TotalDistance returns the cumulative distance of the last stop.
func (b Bus) TotalDistance() float64 {
	if len(b.Stops) == 0 {
		return 0
	}
	return b.Stops[len(b.Stops)-1].Distance
}

// Summary is the list view of a bus.
type Summary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	From         string `json:"from"`
	To           string `json:"to"`
	Route        string `json:"route"`
	CurrentIndex int    `json:"currentIndex"`
	TotalStops   int    `json:"totalStops"`
}

// PopularRoute aggregates buses sharing the same origin and destination.
type PopularRoute struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Route       string `json:"route"`
	BusCount    int    `json:"busCount"`
	SampleBusID string `json:"sampleBusId"`
}
