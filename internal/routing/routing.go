// Package routing wraps the external routing oracle that turns an ordered list
// of waypoints into a driving distance and duration.
package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Route struct {
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// Oracle is the interface used by the trip service to route a trip.
type Oracle interface {
	Route(ctx context.Context, origin models.Coord, waypoints []models.Coord) (Route, error)
}

// StraightLine sums great-circle legs at a fixed average speed. Used when no
// routing provider is configured.
type StraightLine struct {
	SpeedKmh float64
}

func (s StraightLine) Route(_ context.Context, origin models.Coord, waypoints []models.Coord) (Route, error) {
	if len(waypoints) == 0 {
		return Route{}, apperr.InvalidArgument("routing.StraightLine", "at least one waypoint is required")
	}
	speed := s.SpeedKmh
	if speed <= 0 {
		speed = 30 // ~city average
	}
	km := 0.0
	prev := origin
	for _, w := range waypoints {
		km += geo.Haversine(prev, w)
		prev = w
	}
	return Route{DistanceKm: km, DurationMinutes: km / speed * 60}, nil
}

// Guarded bounds every oracle call with a timeout, records latency, and types
// failures as upstream errors.
type Guarded struct {
	Next    Oracle
	Timeout time.Duration
	Name    string
}

func (g Guarded) Route(ctx context.Context, origin models.Coord, waypoints []models.Coord) (Route, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	start := time.Now()
	r, err := g.Next.Route(ctx, origin, waypoints)
	observability.RouteLatency.WithLabelValues(g.Name, outcome(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		return Route{}, apperr.Upstream("routing."+g.Name, err)
	}
	return r, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
// Concurrent misses for the same key share one upstream call.
type Cache struct {
	next  Oracle
	group singleflight.Group
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache caches next's answers for ttl.
func NewCache(next Oracle, ttl time.Duration) *Cache {
	return &Cache{next: next, store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(origin models.Coord, waypoints []models.Coord) string {
	var b strings.Builder
	b.WriteString(fmtCoord(origin))
	for _, w := range waypoints {
		b.WriteString("->")
		b.WriteString(fmtCoord(w))
	}
	return b.String()
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func (c *Cache) Route(ctx context.Context, origin models.Coord, waypoints []models.Coord) (Route, error) {
	k := keyFor(origin, waypoints)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.ts) <= c.ttl {
		return e.v, nil
	}
	v, err, _ := c.group.Do(k, func() (any, error) {
		r, err := c.next.Route(ctx, origin, waypoints)
		if err != nil {
			return Route{}, err
		}
		c.mu.Lock()
		c.store[k] = cacheEntry{v: r, ts: c.now()}
		c.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return Route{}, err
	}
	return v.(Route), nil
}

// Len returns the number of cached routes, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
