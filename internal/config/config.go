package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr        string
	TickInterval    time.Duration
	SegmentDuration time.Duration
	Dwell           time.Duration
	EmitTimeout     time.Duration

	RoutesFile   string
	DatabaseURL  string
	SeedDatabase bool

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	MetricsAddr string
	CORSOrigins []string

	SearchCacheSize int
	SearchCacheTTL  time.Duration

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Listen address: HTTP_ADDR wins, else PORT, else :4000
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":" + getenvDefault("PORT", "4000")
	}

	var err error
	if cfg.TickInterval, err = millis("TICK_INTERVAL_MS", time.Second, false); err != nil {
		return nil, err
	}
	if cfg.SegmentDuration, err = millis("SEGMENT_DURATION_MS", 10*time.Second, false); err != nil {
		return nil, err
	}
	if cfg.Dwell, err = millis("DWELL_MS", 10*time.Second, true); err != nil {
		return nil, err
	}
	if cfg.EmitTimeout, err = millis("EMIT_TIMEOUT_MS", 2*time.Second, false); err != nil {
		return nil, err
	}

	// Route source: database when a DSN is given, else ROUTES_FILE, else the embedded demo fleet
	cfg.RoutesFile = os.Getenv("ROUTES_FILE")
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	cfg.SeedDatabase = truthy(os.Getenv("SEED_DATABASE"))
	if cfg.SeedDatabase && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("SEED_DATABASE requires DATABASE_URL or PG_DSN")
	}

	// Empty NATS_URL disables the NATS sink
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "buses")
	cfg.LogNATSSubjects = truthy(os.Getenv("LOG_NATS_SUBJECTS"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	for _, o := range strings.Split(getenvDefault("CORS_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	cfg.SearchCacheSize = 256
	if v := os.Getenv("SEARCH_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SEARCH_CACHE_SIZE: %q", v)
		}
		cfg.SearchCacheSize = n
	}
	cfg.SearchCacheTTL = time.Minute
	if v := os.Getenv("SEARCH_CACHE_TTL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid SEARCH_CACHE_TTL_SEC: %q", v)
		}
		cfg.SearchCacheTTL = time.Duration(sec) * time.Second
	}

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT: %q", cfg.LogFormat)
	}

	return cfg, nil
}

// millis reads a millisecond duration from env var k.
func millis(k string, def time.Duration, allowZero bool) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 || (ms == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
