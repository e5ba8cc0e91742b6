package geo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	colomboA = models.Coord{Lat: 6.9271, Lon: 79.8612}
	colomboB = models.Coord{Lat: 6.9371, Lon: 79.8712}
)

func TestHaversineZero(t *testing.T) {
	assert.Equal(t, 0.0, Haversine(colomboA, colomboA))
}

func TestHaversineSymmetric(t *testing.T) {
	pts := []models.Coord{colomboA, colomboB, {Lat: -33.8688, Lon: 151.2093}, {Lat: 51.5072, Lon: -0.1276}}
	for _, a := range pts {
		for _, b := range pts {
			assert.InDelta(t, Haversine(a, b), Haversine(b, a), 1e-9)
		}
	}
}

// 0.01 degree of latitude and of longitude near the equator.
func TestHaversineColombo(t *testing.T) {
	assert.InDelta(t, 1.567, Haversine(colomboA, colomboB), 0.01)
}

func TestETAMinutes(t *testing.T) {
	assert.Equal(t, 0, ETAMinutes(0))
	assert.Equal(t, 3, ETAMinutes(1.48))
	assert.Equal(t, 10, ETAMinutes(5))
}

func TestCell(t *testing.T) {
	c := Cell(colomboA)
	assert.Len(t, c, cellPrecision)
	assert.Equal(t, c, Cell(colomboA))
	assert.NotEqual(t, c, Cell(models.Coord{Lat: -33.8688, Lon: 151.2093}))
}

func online(id string, p models.Coord, at time.Time) models.DriverLocation {
	return models.DriverLocation{DriverID: id, Position: p, IsOnline: true, LastUpdatedAt: at}
}

func TestMemoryIndexNearest(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	now := time.Now()
	require.NoError(t, idx.Upsert(ctx, online("far", colomboB, now)))
	require.NoError(t, idx.Upsert(ctx, online("near", models.Coord{Lat: 6.9275, Lon: 79.8615}, now)))

	d, ok, err := idx.Nearest(ctx, colomboA, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "near", d.DriverID)

	d, ok, err = idx.Nearest(ctx, colomboA, map[string]struct{}{"near": {}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "far", d.DriverID)

	_, ok, err = idx.Nearest(ctx, colomboA, map[string]struct{}{"near": {}, "far": {}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryIndexSkipsBusyAndOffline(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	now := time.Now()
	busy := online("busy", colomboA, now)
	busy.IsBusy = true
	off := online("off", colomboA, now)
	off.IsOnline = false
	require.NoError(t, idx.Upsert(ctx, busy))
	require.NoError(t, idx.Upsert(ctx, off))

	_, ok, err := idx.Nearest(ctx, colomboA, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, idx.Upsert(ctx, online("free", colomboB, now)))
	d, ok, _ := idx.Nearest(ctx, colomboA, nil)
	require.True(t, ok)
	assert.Equal(t, "free", d.DriverID)
}

func TestMemoryIndexTieGoesToFirstRegistered(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 20; i++ {
		idx := NewMemoryIndex()
		require.NoError(t, idx.Upsert(ctx, online("first", colomboB, now)))
		require.NoError(t, idx.Upsert(ctx, online("second", colomboB, now)))
		require.NoError(t, idx.Upsert(ctx, online("third", colomboB, now)))
		// a later position update keeps the registration order
		require.NoError(t, idx.Upsert(ctx, online("first", colomboB, now.Add(time.Second))))

		d, ok, _ := idx.Nearest(ctx, colomboA, nil)
		require.True(t, ok)
		assert.Equal(t, "first", d.DriverID)
	}
}

func TestMemoryIndexLastWriterWins(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	now := time.Now()
	require.NoError(t, idx.Upsert(ctx, online("d1", colomboA, now)))
	stale := online("d1", colomboB, now.Add(-time.Minute))
	stale.IsOnline = false
	require.NoError(t, idx.Upsert(ctx, stale))

	d, ok, _ := idx.Nearest(ctx, colomboA, nil)
	require.True(t, ok)
	assert.Equal(t, colomboA, d.Position)

	require.NoError(t, idx.Remove(ctx, "d1", now.Add(time.Second)))
	_, ok, _ = idx.Nearest(ctx, colomboA, nil)
	assert.False(t, ok)

	// a replayed online update older than the removal stays dropped
	require.NoError(t, idx.Upsert(ctx, online("d1", colomboA, now)))
	_, ok, _ = idx.Nearest(ctx, colomboA, nil)
	assert.False(t, ok)
}

func TestMemoryIndexIgnoresOlderRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	now := time.Now()
	require.NoError(t, idx.Upsert(ctx, online("d1", colomboA, now)))
	require.NoError(t, idx.Remove(ctx, "d1", now.Add(-time.Minute)))

	d, ok, _ := idx.Nearest(ctx, colomboA, nil)
	require.True(t, ok)
	assert.Equal(t, "d1", d.DriverID)

	require.NoError(t, idx.Remove(ctx, "d1", now.Add(time.Minute)))
	require.NoError(t, idx.Upsert(ctx, online("d1", colomboA, now.Add(2*time.Minute))))
	d, ok, _ = idx.Nearest(ctx, colomboA, nil)
	require.True(t, ok)
	assert.Equal(t, int64(1), d.Seq, "registration order survives going offline")
}
