package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the read-optimized driver copy the dispatcher queries.
type Index interface {
	Upsert(ctx context.Context, d models.DriverLocation) error
	// Remove takes the driver out of eligibility as of at. A record already
	// newer than at is left alone.
	Remove(ctx context.Context, driverID string, at time.Time) error
	Nearest(ctx context.Context, p models.Coord, excluding map[string]struct{}) (models.DriverLocation, bool, error)
}

// MemoryIndex keeps every driver in a map and scans it on each query.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
	seq     int64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.DriverLocation)}
}

func (g *MemoryIndex) Upsert(_ context.Context, d models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.drivers[d.DriverID]
	if ok && d.LastUpdatedAt.Before(prev.LastUpdatedAt) {
		return nil
	}
	d.Seq = prev.Seq
	if d.Seq == 0 {
		g.seq++
		d.Seq = g.seq
	}
	g.drivers[d.DriverID] = d
	return nil
}

// Remove keeps an offline record so a late, older upsert cannot bring the driver back.
func (g *MemoryIndex) Remove(_ context.Context, driverID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.drivers[driverID]
	if ok && at.Before(prev.LastUpdatedAt) {
		return nil
	}
	g.drivers[driverID] = models.DriverLocation{DriverID: driverID, Position: prev.Position, Meta: prev.Meta, Seq: prev.Seq, LastUpdatedAt: at}
	return nil
}

// naive scan; in prod use geo-hash or H3
func (g *MemoryIndex) Nearest(_ context.Context, p models.Coord, excluding map[string]struct{}) (models.DriverLocation, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cands := make([]candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		cands = append(cands, candidate{d: d, dist: Haversine(p, d.Position)})
	}
	best, ok := pickNearest(cands, excluding)
	return best.d, ok, nil
}

type candidate struct {
	d    models.DriverLocation
	dist float64
}

// pickNearest returns the eligible candidate with the smallest distance; equal
// distances go to the driver registered first.
func pickNearest(cands []candidate, excluding map[string]struct{}) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range cands {
		if !c.d.Eligible() {
			continue
		}
		if _, skip := excluding[c.d.DriverID]; skip {
			continue
		}
		if !found || c.dist < best.dist || (c.dist == best.dist && c.d.Seq < best.d.Seq) {
			best = c
			found = true
		}
	}
	return best, found
}

// Haversine distance in kilometers
func Haversine(a, b models.Coord) float64 {
	const R = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}

// ETAMinutes is a display heuristic of two minutes per kilometer. The routing
// oracle's duration is the better number when one is available.
func ETAMinutes(km float64) int {
	return int(math.Round(km * 2))
}

const cellPrecision = 7

// Cell returns the geohash cell map subscribers use to bucket presence updates.
func Cell(p models.Coord) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lon, cellPrecision)
}
