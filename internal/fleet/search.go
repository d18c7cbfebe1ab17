package fleet

import (
	"math"
	"sort"
	"strings"
)

// MinutesPerStop is the flat per-stop travel estimate behind EstimatedMinutes.
const MinutesPerStop = 15

// Filter holds the optional search criteria. Matching is case-insensitive
// substring matching throughout.
type Filter struct {
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	SearchQuery string `json:"searchQuery,omitempty"`
}

// Key identifies the filter for caching.
func (f Filter) Key() string {
	return strings.ToLower(f.From) + "|" + strings.ToLower(f.To) + "|" + strings.ToLower(f.SearchQuery)
}

// Search returns the buses matching f, preserving input order.
//
// With both From and To set, a bus matches when its own endpoints match, or
// when its route visits a stop matching From before a stop matching To.
// With only one of them set, either the endpoint or any stop may match.
// SearchQuery further narrows the result over name, route, endpoints and stops.
func Search(buses []Bus, f Filter) []Bus {
	from := strings.ToLower(strings.TrimSpace(f.From))
	to := strings.ToLower(strings.TrimSpace(f.To))
	q := strings.ToLower(strings.TrimSpace(f.SearchQuery))

	out := make([]Bus, 0, len(buses))
	for _, b := range buses {
		ok := true
		switch {
		case from != "" && to != "":
			if contains(b.From, from) && contains(b.To, to) {
				break
			}
			fi := stopIndex(b.Stops, from)
			ti := stopIndex(b.Stops, to)
			ok = fi != -1 && ti != -1 && fi < ti
		case from != "":
			ok = contains(b.From, from) || stopIndex(b.Stops, from) != -1
		case to != "":
			ok = contains(b.To, to) || stopIndex(b.Stops, to) != -1
		}
		if ok && q != "" {
			ok = contains(b.Name, q) || contains(b.Route, q) ||
				contains(b.From, q) || contains(b.To, q) ||
				stopIndex(b.Stops, q) != -1
		}
		if ok {
			out = append(out, b)
		}
	}
	return out
}

// PopularRoutes groups buses by origin and destination and returns the ten
// busiest pairs. Ties keep first-seen order.
func PopularRoutes(buses []Bus) []PopularRoute {
	idx := make(map[string]int)
	var routes []PopularRoute
	for _, b := range buses {
		key := b.From + "-" + b.To
		if i, ok := idx[key]; ok {
			routes[i].BusCount++
			continue
		}
		idx[key] = len(routes)
		routes = append(routes, PopularRoute{
			From:        b.From,
			To:          b.To,
			Route:       b.Route,
			BusCount:    1,
			SampleBusID: b.ID,
		})
	}
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].BusCount > routes[j].BusCount })
	if len(routes) > 10 {
		routes = routes[:10]
	}
	return routes
}

// EstimatedMinutes is a rough time-to-terminus based on remaining stops.
func EstimatedMinutes(totalStops, currentIndex int, progress float64) int {
	remaining := float64(totalStops-currentIndex) - progress
	return int(math.Round(remaining * MinutesPerStop))
}

func contains(s, lowerSub string) bool {
	return strings.Contains(strings.ToLower(s), lowerSub)
}

func stopIndex(stops []Stop, lowerSub string) int {
	for i, s := range stops {
		if contains(s.Name, lowerSub) {
			return i
		}
	}
	return -1
}
