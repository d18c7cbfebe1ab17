package sim

import (
	"context"
	"time"

	"bus-tracker/internal/fleet"
)

type Status string

const (
	StatusEnroute   Status = "ENROUTE"
	StatusDeparting Status = "DEPARTING"
	StatusCompleted Status = "COMPLETED"
)

// Update is the observable state of one bus after a tick. Times are unix
// milliseconds.
type Update struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Lat           float64     `json:"lat"`
	Lng           float64     `json:"lng"`
	CurrentIndex  int         `json:"currentIndex"`
	Progress      float64     `json:"progress"`
	Direction     int         `json:"direction"`
	Status        Status      `json:"status"`
	IsCompleted   bool        `json:"isCompleted"`
	CurrentStop   *fleet.Stop `json:"currentStop"`
	NextStop      *fleet.Stop `json:"nextStop"`
	DistanceLeft  float64     `json:"distanceLeft"`
	LastUpdated   int64       `json:"lastUpdated"`
	DwellingUntil *int64      `json:"dwellingUntil"`
}

// Sink receives every update the simulator emits, in emission order.
// Implementations should honor ctx; the simulator stops waiting once it
// expires.
type Sink interface {
	Emit(ctx context.Context, u Update) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u Update) error

func (f SinkFunc) Emit(ctx context.Context, u Update) error { return f(ctx, u) }

// Metrics is the subset of instrumentation the simulator reports to.
type Metrics interface {
	TickObserve(d time.Duration)
	UpdateEmitted(sink string)
	EmitErrInc(sink string)
	ArrivalInc(endpoint bool)
}
