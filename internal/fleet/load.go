package fleet

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

//go:embed data/buses.json
var demoData []byte

// Demo returns the embedded demo fleet.
func Demo() ([]Bus, error) {
	var buses []Bus
	if err := json.Unmarshal(demoData, &buses); err != nil {
		return nil, fmt.Errorf("decode embedded fleet: %w", err)
	}
	if err := Validate(buses); err != nil {
		return nil, err
	}
	return buses, nil
}

// LoadFile reads a JSON array of bus records from path.
func LoadFile(path string) ([]Bus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buses, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return buses, nil
}

// Decode parses and validates a JSON array of bus records.
func Decode(r io.Reader) ([]Bus, error) {
	var buses []Bus
	if err := json.NewDecoder(r).Decode(&buses); err != nil {
		return nil, fmt.Errorf("decode fleet: %w", err)
	}
	if err := Validate(buses); err != nil {
		return nil, err
	}
	return buses, nil
}

var ErrEmptyFleet = errors.New("fleet has no buses")

// Validate checks ids are unique and every route is usable by the simulator.
func Validate(buses []Bus) error {
	if len(buses) == 0 {
		return ErrEmptyFleet
	}
	seen := make(map[string]struct{}, len(buses))
	for i, b := range buses {
		if b.ID == "" {
			return fmt.Errorf("bus #%d: missing id", i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("bus %q: duplicate id", b.ID)
		}
		seen[b.ID] = struct{}{}
		if len(b.Stops) == 0 {
			return fmt.Errorf("bus %q: route has no stops", b.ID)
		}
		prev := math.Inf(-1)
		for j, s := range b.Stops {
			if !finite(s.Lat) || !finite(s.Lng) || !finite(s.Distance) {
				return fmt.Errorf("bus %q stop %d (%s): non-finite value", b.ID, j, s.Name)
			}
			if s.Distance < prev {
				return fmt.Errorf("bus %q stop %d (%s): distance %.3f decreases", b.ID, j, s.Name, s.Distance)
			}
			prev = s.Distance
		}
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
