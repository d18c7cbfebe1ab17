package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bus-tracker/internal/fleet"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS buses (
  id                  text PRIMARY KEY,
  name                text NOT NULL,
  origin              text NOT NULL DEFAULT '',
  destination         text NOT NULL DEFAULT '',
  route               text NOT NULL DEFAULT '',
  segment_duration_ms double precision,
  dwell_ms_end        double precision
);
CREATE TABLE IF NOT EXISTS bus_stops (
  bus_id         text NOT NULL REFERENCES buses(id) ON DELETE CASCADE,
  seq            integer NOT NULL,
  name           text NOT NULL,
  scheduled_time text NOT NULL DEFAULT '',
  lat            double precision NOT NULL,
  lng            double precision NOT NULL,
  distance       double precision NOT NULL,
  PRIMARY KEY (bus_id, seq)
);`

// EnsureSchema creates the route tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// CountBuses returns the number of stored buses.
func CountBuses(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM buses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count buses: %w", err)
	}
	return n, nil
}

// SeedFleet inserts buses and their stops in one transaction.
func SeedFleet(ctx context.Context, db *sql.DB, buses []fleet.Bus) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range buses {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO buses (id, name, origin, destination, route, segment_duration_ms, dwell_ms_end)
             VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.ID, b.Name, b.From, b.To, b.Route, nullFloat(b.SegmentDurationMs), nullFloat(b.DwellMsEnd))
		if err != nil {
			return fmt.Errorf("insert bus %s: %w", b.ID, err)
		}
		for i, s := range b.Stops {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO bus_stops (bus_id, seq, name, scheduled_time, lat, lng, distance)
                 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				b.ID, i, s.Name, s.Time, s.Lat, s.Lng, s.Distance)
			if err != nil {
				return fmt.Errorf("insert stop %d of %s: %w", i, b.ID, err)
			}
		}
	}
	return tx.Commit()
}

// stopRow is one bus_stops row tagged with its bus.
type stopRow struct {
	busID string
	stop  fleet.Stop
}

// FetchFleet loads every bus with its stops ordered by sequence.
func FetchFleet(ctx context.Context, db *sql.DB) ([]fleet.Bus, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, origin, destination, route, segment_duration_ms, dwell_ms_end
         FROM buses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query buses: %w", err)
	}
	defer rows.Close()

	var buses []fleet.Bus
	for rows.Next() {
		var b fleet.Bus
		var seg, dwell sql.NullFloat64
		if err := rows.Scan(&b.ID, &b.Name, &b.From, &b.To, &b.Route, &seg, &dwell); err != nil {
			return nil, err
		}
		b.SegmentDurationMs = floatPtr(seg)
		b.DwellMsEnd = floatPtr(dwell)
		buses = append(buses, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := db.QueryContext(ctx,
		`SELECT bus_id, name, scheduled_time, lat, lng, distance
         FROM bus_stops ORDER BY bus_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query bus_stops: %w", err)
	}
	defer srows.Close()

	var stops []stopRow
	for srows.Next() {
		var r stopRow
		if err := srows.Scan(&r.busID, &r.stop.Name, &r.stop.Time, &r.stop.Lat, &r.stop.Lng, &r.stop.Distance); err != nil {
			return nil, err
		}
		stops = append(stops, r)
	}
	if err := srows.Err(); err != nil {
		return nil, err
	}
	return attachStops(buses, stops), nil
}

// attachStops appends each stop row to its bus, keeping row order. Rows for
// unknown buses are ignored.
func attachStops(buses []fleet.Bus, rows []stopRow) []fleet.Bus {
	idx := make(map[string]int, len(buses))
	for i, b := range buses {
		idx[b.ID] = i
	}
	for _, r := range rows {
		if i, ok := idx[r.busID]; ok {
			buses[i].Stops = append(buses[i].Stops, r.stop)
		}
	}
	return buses
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
