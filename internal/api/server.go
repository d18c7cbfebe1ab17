// Package api serves the read-only REST view of the fleet and its live
// positions.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bluele/gcache"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/sim"
)

// LiveState is the read side of the simulator.
type LiveState interface {
	Snapshots() []sim.Update
	Snapshot(id string) (sim.Update, bool)
}

type RequestMetrics interface {
	ObserveRequest(route string, code int)
}

type Server struct {
	buses   []fleet.Bus
	byID    map[string]int
	popular []fleet.PopularRoute
	live    LiveState

	cache   gcache.Cache
	ws      http.Handler
	metrics RequestMetrics
	origins []string
	now     func() time.Time
}

type Option func(*Server)

// WithWebSocket mounts h at /ws.
func WithWebSocket(h http.Handler) Option { return func(s *Server) { s.ws = h } }

func WithMetrics(m RequestMetrics) Option { return func(s *Server) { s.metrics = m } }

func WithCORSOrigins(origins []string) Option { return func(s *Server) { s.origins = origins } }

// WithSearchCache caches search results for ttl, keeping at most size
// distinct queries.
func WithSearchCache(size int, ttl time.Duration) Option {
	return func(s *Server) {
		s.cache = gcache.New(size).LRU().Expiration(ttl).Build()
	}
}

func New(buses []fleet.Bus, live LiveState, opts ...Option) *Server {
	s := &Server{
		buses:   buses,
		byID:    make(map[string]int, len(buses)),
		popular: fleet.PopularRoutes(buses),
		live:    live,
		origins: []string{"*"},
		now:     time.Now,
	}
	for i, b := range buses {
		s.byID[b.ID] = i
	}
	for _, o := range opts {
		o(s)
	}
	if s.cache == nil {
		s.cache = gcache.New(256).LRU().Expiration(time.Minute).Build()
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/buses", s.listBuses).Methods(http.MethodGet)
	r.HandleFunc("/buses/search", s.searchBuses).Methods(http.MethodGet)
	r.HandleFunc("/buses/popular-routes", s.popularRoutes).Methods(http.MethodGet)
	r.HandleFunc("/buses/live-status", s.liveStatus).Methods(http.MethodGet)
	r.HandleFunc("/buses/{id}", s.busDetail).Methods(http.MethodGet)
	r.HandleFunc("/gtfs-rt/vehicle-positions", s.vehiclePositions).Methods(http.MethodGet)
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(log.StandardLogger()),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(cors(r))
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m := httpsnoop.CaptureMetrics(next, w, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(route, m.Code)
		}
		log.WithFields(log.Fields{
			"method":   r.Method,
			"route":    route,
			"code":     m.Code,
			"duration": m.Duration,
		}).Debug("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write response")
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}
