package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"bus-tracker/internal/api"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/fleet"
	"bus-tracker/internal/hub"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/sim"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	setupLogging(cfg)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	buses, err := loadFleet(ctx, cfg)
	if err != nil {
		log.Fatalf("fleet error: %v", err)
	}

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(len(buses), cfg.TickInterval)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	var simulator *sim.Simulator
	viewers := hub.New(
		func() []sim.Update { return simulator.Snapshots() },
		hub.WithOrigins(cfg.CORSOrigins),
		hub.WithMetrics(wrapHubMetrics(mcol)),
	)

	simOpts := []sim.Option{
		sim.WithInterval(cfg.TickInterval),
		sim.WithDefaults(cfg.SegmentDuration, cfg.Dwell),
		sim.WithEmitTimeout(cfg.EmitTimeout),
		sim.WithSink("hub", viewers),
	}
	if mcol != nil {
		simOpts = append(simOpts, sim.WithMetrics(mcol))
	}

	// Optional NATS publisher
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		simOpts = append(simOpts, sim.WithSink("nats", pub))
	}

	simulator = sim.New(buses, simOpts...)

	apiOpts := []api.Option{
		api.WithWebSocket(viewers),
		api.WithCORSOrigins(cfg.CORSOrigins),
		api.WithSearchCache(cfg.SearchCacheSize, cfg.SearchCacheTTL),
	}
	if mcol != nil {
		apiOpts = append(apiOpts, api.WithMetrics(&requestMetrics{c: mcol}))
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(buses, simulator, apiOpts...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()
	log.WithField("addr", cfg.HTTPAddr).Info("bus tracker listening")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := simulator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("simulator stopped")
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	<-done

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	viewers.Close()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info("shutdown complete")
}

func setupLogging(cfg *config.Config) {
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("unknown LOG_LEVEL %q, using info", cfg.LogLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// loadFleet reads routes from the database when configured, then from
// ROUTES_FILE, and falls back to the built-in demo fleet.
func loadFleet(ctx context.Context, cfg *config.Config) ([]fleet.Bus, error) {
	if cfg.DatabaseURL != "" {
		return loadFleetFromDB(ctx, cfg)
	}
	if cfg.RoutesFile != "" {
		buses, err := fleet.LoadFile(cfg.RoutesFile)
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"file": cfg.RoutesFile, "buses": len(buses)}).Info("loaded routes")
		return buses, nil
	}
	buses, err := fleet.Demo()
	if err != nil {
		return nil, err
	}
	log.WithField("buses", len(buses)).Info("using demo fleet")
	return buses, nil
}

func loadFleetFromDB(ctx context.Context, cfg *config.Config) ([]fleet.Bus, error) {
	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return nil, err
	}

	if cfg.SeedDatabase {
		if err := db.EnsureSchema(ctx, sqlDB); err != nil {
			return nil, err
		}
		n, err := db.CountBuses(ctx, sqlDB)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			seed, err := seedFleet(cfg)
			if err != nil {
				return nil, err
			}
			if err := db.SeedFleet(ctx, sqlDB, seed); err != nil {
				return nil, err
			}
			log.WithField("buses", len(seed)).Info("seeded database")
		}
	}

	buses, err := db.FetchFleet(ctx, sqlDB)
	if err != nil {
		return nil, err
	}
	if err := fleet.Validate(buses); err != nil {
		return nil, err
	}
	log.WithField("buses", len(buses)).Info("loaded routes from database")
	return buses, nil
}

func seedFleet(cfg *config.Config) ([]fleet.Bus, error) {
	if cfg.RoutesFile != "" {
		return fleet.LoadFile(cfg.RoutesFile)
	}
	return fleet.Demo()
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func wrapHubMetrics(c *metrics.Collector) hub.HubMetrics {
	if c == nil {
		return nil
	}
	return &hubMetrics{c: c}
}

type hubMetrics struct{ c *metrics.Collector }

func (h *hubMetrics) WSClientsSet(n int) { h.c.WSClients.Set(float64(n)) }
func (h *hubMetrics) WSDroppedInc()      { h.c.WSDroppedClients.Inc() }

type requestMetrics struct{ c *metrics.Collector }

func (r *requestMetrics) ObserveRequest(route string, code int) {
	r.c.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
