// Package fare prices a trip from its routed distance.
package fare

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Quote returns round(base + distanceKm * perKm).
func Quote(distanceKm float64, s models.FareSettings) (int64, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return 0, apperr.InvalidArgument("fare.Quote", "distance must be a non-negative number, got %v", distanceKm)
	}
	return int64(math.Round(s.BaseFare + distanceKm*s.PerKmRate)), nil
}

// SettingsStore holds the singleton fare settings.
type SettingsStore interface {
	GetFareSettings(ctx context.Context) (models.FareSettings, error)
	PutFareSettings(ctx context.Context, s models.FareSettings) error
}

// ValidateSettings rejects settings an admin must not be able to save.
func ValidateSettings(s models.FareSettings) error {
	if s.BaseFare < 0 || s.PerKmRate < 0 || math.IsNaN(s.BaseFare) || math.IsNaN(s.PerKmRate) {
		return apperr.InvalidArgument("fare.ValidateSettings", "base fare and per-km rate must be non-negative")
	}
	return nil
}

type MemorySettings struct {
	mu sync.RWMutex
	s  models.FareSettings
}

func NewMemorySettings(initial models.FareSettings) *MemorySettings {
	return &MemorySettings{s: initial}
}

func (m *MemorySettings) GetFareSettings(context.Context) (models.FareSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s, nil
}

func (m *MemorySettings) PutFareSettings(_ context.Context, s models.FareSettings) error {
	if err := ValidateSettings(s); err != nil {
		return err
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.s = s
	m.mu.Unlock()
	return nil
}
