// Package gtfsrt renders simulator state as a GTFS-realtime VehiclePositions
// feed.
package gtfsrt

import (
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"bus-tracker/internal/sim"
)

const Version = "2.0"

// Build returns a full-dataset feed with one vehicle entity per update.
func Build(updates []sim.Update, now time.Time) *gtfs.FeedMessage {
	incrementality := gtfs.FeedHeader_FULL_DATASET
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(Version),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: make([]*gtfs.FeedEntity, 0, len(updates)),
	}
	for _, u := range updates {
		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{
			Id:      proto.String(u.ID),
			Vehicle: vehiclePosition(u),
		})
	}
	return feed
}

func vehiclePosition(u sim.Update) *gtfs.VehiclePosition {
	status := gtfs.VehiclePosition_IN_TRANSIT_TO
	if u.Status == sim.StatusCompleted {
		status = gtfs.VehiclePosition_STOPPED_AT
	}
	vp := &gtfs.VehiclePosition{
		Vehicle: &gtfs.VehicleDescriptor{
			Id:    proto.String(u.ID),
			Label: proto.String(u.Name),
		},
		Position: &gtfs.Position{
			Latitude:  proto.Float32(float32(u.Lat)),
			Longitude: proto.Float32(float32(u.Lng)),
		},
		CurrentStatus: &status,
		Timestamp:     proto.Uint64(uint64(u.LastUpdated / 1000)),
	}
	// While moving the vehicle is in transit to the next stop; stopped
	// vehicles report the stop they are at.
	stop := u.NextStop
	seq := u.CurrentIndex + u.Direction
	if status == gtfs.VehiclePosition_STOPPED_AT || stop == nil || (u.CurrentStop != nil && *stop == *u.CurrentStop) {
		stop = u.CurrentStop
		seq = u.CurrentIndex
	}
	if stop != nil {
		vp.StopId = proto.String(stop.Name)
		vp.CurrentStopSequence = proto.Uint32(uint32(max(seq, 0)))
	}
	return vp
}

// Marshal encodes the feed in protobuf wire format.
func Marshal(feed *gtfs.FeedMessage) ([]byte, error) { return proto.Marshal(feed) }

// MarshalJSON encodes the feed as protojson, for debugging.
func MarshalJSON(feed *gtfs.FeedMessage) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true}.Marshal(feed)
}
