package api

import (
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/gtfsrt"
	"bus-tracker/internal/sim"
)

type searchResponse struct {
	Buses []fleet.Bus  `json:"buses"`
	Total int          `json:"total"`
	Query fleet.Filter `json:"query"`
}

type liveStatus struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	Route         string      `json:"route"`
	CurrentIndex  int         `json:"currentIndex"`
	Progress      float64     `json:"progress"`
	Status        sim.Status  `json:"status"`
	CurrentStop   *fleet.Stop `json:"currentStop"`
	NextStop      *fleet.Stop `json:"nextStop"`
	TotalDistance float64     `json:"totalDistance"`
	EstimatedTime int         `json:"estimatedTime"`
}

type busDetail struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	From              string       `json:"from"`
	To                string       `json:"to"`
	Route             string       `json:"route"`
	Stops             []fleet.Stop `json:"stops"`
	CurrentIndex      int          `json:"currentIndex"`
	Progress          float64      `json:"progress"`
	Direction         int          `json:"direction"`
	Status            sim.Status   `json:"status"`
	CurrentStop       *fleet.Stop  `json:"currentStop"`
	NextStop          *fleet.Stop  `json:"nextStop"`
	DistanceLeft      float64      `json:"distanceLeft"`
	Lat               float64      `json:"lat"`
	Lng               float64      `json:"lng"`
	SegmentDurationMs *float64     `json:"segmentDurationMs"`
	LastUpdated       int64        `json:"lastUpdated"`
	DwellingUntil     *int64       `json:"dwellingUntil"`
	EstimatedTime     int          `json:"estimatedTime"`
}

func (s *Server) listBuses(w http.ResponseWriter, _ *http.Request) {
	out := make([]fleet.Summary, 0, len(s.buses))
	for _, b := range s.buses {
		sum := fleet.Summary{
			ID:         b.ID,
			Name:       b.Name,
			From:       b.From,
			To:         b.To,
			Route:      b.Route,
			TotalStops: len(b.Stops),
		}
		if u, ok := s.live.Snapshot(b.ID); ok {
			sum.CurrentIndex = u.CurrentIndex
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) searchBuses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := fleet.Filter{From: q.Get("from"), To: q.Get("to"), SearchQuery: q.Get("searchQuery")}

	var matched []fleet.Bus
	if v, err := s.cache.Get(f.Key()); err == nil {
		matched = v.([]fleet.Bus)
	} else {
		matched = fleet.Search(s.buses, f)
		if err := s.cache.Set(f.Key(), matched); err != nil {
			log.WithError(err).Debug("search cache set")
		}
	}
	writeJSON(w, http.StatusOK, searchResponse{Buses: matched, Total: len(matched), Query: f})
}

func (s *Server) popularRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.popular)
}

func (s *Server) liveStatus(w http.ResponseWriter, _ *http.Request) {
	snaps := s.live.Snapshots()
	byID := make(map[string]sim.Update, len(snaps))
	for _, u := range snaps {
		byID[u.ID] = u
	}
	out := make([]liveStatus, 0, len(s.buses))
	for _, b := range s.buses {
		u := byID[b.ID]
		out = append(out, liveStatus{
			ID:            b.ID,
			Name:          b.Name,
			From:          b.From,
			To:            b.To,
			Route:         b.Route,
			CurrentIndex:  u.CurrentIndex,
			Progress:      u.Progress,
			Status:        u.Status,
			CurrentStop:   u.CurrentStop,
			NextStop:      u.NextStop,
			TotalDistance: b.TotalDistance(),
			EstimatedTime: fleet.EstimatedMinutes(len(b.Stops), u.CurrentIndex, u.Progress),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) busDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	i, ok := s.byID[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Bus not found")
		return
	}
	b := s.buses[i]
	u, ok := s.live.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Bus not found")
		return
	}
	writeJSON(w, http.StatusOK, busDetail{
		ID:                b.ID,
		Name:              b.Name,
		From:              b.From,
		To:                b.To,
		Route:             b.Route,
		Stops:             b.Stops,
		CurrentIndex:      u.CurrentIndex,
		Progress:          u.Progress,
		Direction:         u.Direction,
		Status:            u.Status,
		CurrentStop:       u.CurrentStop,
		NextStop:          u.NextStop,
		DistanceLeft:      u.DistanceLeft,
		Lat:               u.Lat,
		Lng:               u.Lng,
		SegmentDurationMs: b.SegmentDurationMs,
		LastUpdated:       u.LastUpdated,
		DwellingUntil:     u.DwellingUntil,
		EstimatedTime:     fleet.EstimatedMinutes(len(b.Stops), u.CurrentIndex, u.Progress),
	})
}

func (s *Server) vehiclePositions(w http.ResponseWriter, r *http.Request) {
	feed := gtfsrt.Build(s.live.Snapshots(), s.now())

	if r.URL.Query().Get("format") == "json" {
		b, err := gtfsrt.MarshalJSON(feed)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to encode feed", Details: err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		return
	}

	b, err := gtfsrt.Marshal(feed)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to encode feed", Details: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(b)
}
