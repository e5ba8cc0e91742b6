package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// TripStore defines persistence operations for trips.
//
// UpdateTrip is a compare-and-swap on Version: the stored row must still carry
// t.Version, and on success t.Version is incremented.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	UpdateTrip(ctx context.Context, t *models.Trip) error
	ListTrips(ctx context.Context, f models.TripFilter) ([]*models.Trip, error)
}

// DriverStore persists the last known presence record of each driver.
type DriverStore interface {
	PutDriver(ctx context.Context, d models.DriverLocation) error
	GetDriver(ctx context.Context, id string) (models.DriverLocation, error)
}

const defaultListLimit = 100

type MemoryStore struct {
	mu      sync.RWMutex
	trips   map[string]*models.Trip
	drivers map[string]models.DriverLocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:   make(map[string]*models.Trip),
		drivers: make(map[string]models.DriverLocation),
	}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return apperr.InvalidArgument("storage.CreateTrip", "trip %s already exists", t.ID)
	}
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, apperr.NotFound("storage.GetTrip", "trip %s", id)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return apperr.NotFound("storage.UpdateTrip", "trip %s", t.ID)
	}
	if cur.Version != t.Version {
		return versionConflict(t.ID, t.Version, cur.Version)
	}
	t.Version++
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) ListTrips(_ context.Context, f models.TripFilter) ([]*models.Trip, error) {
	m.mu.RLock()
	out := make([]*models.Trip, 0)
	for _, t := range m.trips {
		if matches(t, f) {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(t *models.Trip, f models.TripFilter) bool {
	if f.CustomerID != "" && t.CustomerID != f.CustomerID {
		return false
	}
	if f.DriverID != "" && t.AssignedDriverID != f.DriverID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) PutDriver(_ context.Context, d models.DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.DriverID] = d
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.DriverLocation{}, apperr.NotFound("storage.GetDriver", "driver %s", id)
	}
	return d, nil
}

func versionConflict(id string, want, got int) error {
	return apperr.InvalidTransition("storage.UpdateTrip", "trip %s changed concurrently (version %d, stored %d)", id, want, got)
}
