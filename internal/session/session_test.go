package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var colombo = models.Coord{Lat: 6.9271, Lon: 79.8612}

func newManager(t *testing.T) (*Manager, *geo.MemoryIndex, *storage.MemoryStore, *events.Hub) {
	t.Helper()
	idx := geo.NewMemoryIndex()
	store := storage.NewMemoryStore()
	hub := events.NewHub()
	return NewManager(idx, store, hub, nil), idx, store, hub
}

func TestGoOnlineMakesDriverFindable(t *testing.T) {
	m, idx, store, hub := newManager(t)
	ctx := context.Background()
	presence, stop := hub.Subscribe(models.TopicPresence, 4)
	defer stop()

	d, err := m.GoOnline(ctx, "d1", colombo, models.DriverMeta{Name: "Nimal", Rating: 4.8})
	require.NoError(t, err)
	assert.True(t, d.IsOnline)
	assert.False(t, d.IsBusy)

	got, ok, err := idx.Nearest(ctx, colombo, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", got.DriverID)
	assert.Equal(t, "Nimal", got.Meta.Name)

	persisted, err := store.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, persisted.IsOnline)

	ev := <-presence
	assert.Equal(t, models.EventDriverPresence, ev.Type)
	assert.Equal(t, geo.Cell(colombo), ev.Cell)
	assert.Equal(t, 1, m.OnlineCount())
}

func TestGoOnlineValidates(t *testing.T) {
	m, _, _, _ := newManager(t)
	_, err := m.GoOnline(context.Background(), "", colombo, models.DriverMeta{})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = m.GoOnline(context.Background(), "d1", models.Coord{Lat: 100}, models.DriverMeta{})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestGoOfflineIsIdempotent(t *testing.T) {
	m, idx, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.GoOffline(ctx, "ghost")
	require.NoError(t, err)

	_, err = m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)
	d, err := m.GoOffline(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.IsOnline)
	_, err = m.GoOffline(ctx, "d1")
	require.NoError(t, err)

	_, ok, _ := idx.Nearest(ctx, colombo, nil)
	assert.False(t, ok)
	assert.Equal(t, 0, m.OnlineCount())
}

func TestUpdatePositionRequiresOnline(t *testing.T) {
	m, idx, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.UpdatePosition(ctx, "d1", colombo)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)
	moved := models.Coord{Lat: 6.95, Lon: 79.88}
	d, err := m.UpdatePosition(ctx, "d1", moved)
	require.NoError(t, err)
	assert.Equal(t, moved, d.Position)

	got, _, _ := idx.Nearest(ctx, moved, nil)
	assert.Equal(t, moved, got.Position)
}

func TestReserveIsExclusive(t *testing.T) {
	m, idx, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(trip string) {
			defer wg.Done()
			ok, err := m.Reserve(ctx, "d1", trip)
			assert.NoError(t, err)
			if ok {
				won.Add(1)
			}
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())

	_, ok, _ := idx.Nearest(ctx, colombo, nil)
	assert.False(t, ok, "a reserved driver is not a candidate")

	require.NoError(t, m.Release(ctx, "d1", m.Holder("d1")))
	_, ok, _ = idx.Nearest(ctx, colombo, nil)
	assert.True(t, ok)
	assert.Empty(t, m.Holder("d1"))
}

func TestReserveIsIdempotentForHolder(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)

	ok, err := m.Reserve(ctx, "d1", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Reserve(ctx, "d1", "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Reserve(ctx, "d1", "t2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Reserve(ctx, "d1", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestReleaseByOtherTripIsIgnored(t *testing.T) {
	m, idx, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)
	ok, err := m.Reserve(ctx, "d1", "t1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Release(ctx, "d1", "t2"))
	assert.Equal(t, "t1", m.Holder("d1"))
	_, found, _ := idx.Nearest(ctx, colombo, nil)
	assert.False(t, found)
}

func TestReconnectKeepsTripHold(t *testing.T) {
	m, idx, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)
	ok, err := m.Reserve(ctx, "d1", "t1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.GoOffline(ctx, "d1")
	require.NoError(t, err)
	d, err := m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)
	assert.True(t, d.IsBusy, "a reconnecting driver stays on their trip")
	assert.Equal(t, "t1", m.Holder("d1"))

	_, found, _ := idx.Nearest(ctx, colombo, nil)
	assert.False(t, found)
	ok, err = m.Reserve(ctx, "d1", "t2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, "d1", "t1"))
	_, found, _ = idx.Nearest(ctx, colombo, nil)
	assert.True(t, found)
}

func TestReleaseWhileOfflineDropsHold(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)
	ok, err := m.Reserve(ctx, "d1", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = m.GoOffline(ctx, "d1")
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "d1", "t1"))
	d, err := m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)
	assert.False(t, d.IsBusy)
}

func TestGoOnlineAgainRefreshesMeta(t *testing.T) {
	m, idx, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.GoOnline(ctx, "d1", colombo, models.DriverMeta{Name: "Nimal", Vehicle: "car"})
	require.NoError(t, err)

	moved := models.Coord{Lat: 6.93, Lon: 79.86}
	d, err := m.GoOnline(ctx, "d1", moved, models.DriverMeta{Name: "Nimal", Vehicle: "tuk"})
	require.NoError(t, err)
	assert.Equal(t, "tuk", d.Meta.Vehicle)
	assert.Equal(t, moved, d.Position)

	got, ok, err := idx.Nearest(ctx, moved, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tuk", got.Meta.Vehicle)

	d, err = m.GoOnline(ctx, "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)
	assert.Equal(t, "tuk", d.Meta.Vehicle, "an empty meta keeps the previous one")
}

func TestReserveOfflineDriver(t *testing.T) {
	m, _, _, _ := newManager(t)
	ok, err := m.Reserve(context.Background(), "d1", "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, m.Release(context.Background(), "d1", "t1"))
	assert.Empty(t, m.Holder("d1"))
}

func TestOnOnlineHookRuns(t *testing.T) {
	m, _, _, _ := newManager(t)
	seen := make(chan string, 1)
	m.OnOnline(func(_ context.Context, id string) { seen <- id })
	_, err := m.GoOnline(context.Background(), "d1", colombo, models.DriverMeta{})
	require.NoError(t, err)
	select {
	case id := <-seen:
		assert.Equal(t, "d1", id)
	case <-time.After(time.Second):
		t.Fatal("hook did not run")
	}
}

func TestGetFallsBackToStore(t *testing.T) {
	m, _, store, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, store.PutDriver(ctx, models.DriverLocation{DriverID: "d9", Meta: models.DriverMeta{Name: "Kamal"}}))
	d, err := m.Get(ctx, "d9")
	require.NoError(t, err)
	assert.Equal(t, "Kamal", d.Meta.Name)

	_, err = m.Get(ctx, "nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

type failingIndex struct{ geo.Index }

func (failingIndex) Upsert(context.Context, models.DriverLocation) error {
	return errors.New("redis: connection refused")
}

func TestIndexFailureLeavesStateUnchanged(t *testing.T) {
	m := NewManager(failingIndex{geo.NewMemoryIndex()}, nil, nil, nil)
	_, err := m.GoOnline(context.Background(), "d1", colombo, models.DriverMeta{})
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	assert.Equal(t, 0, m.OnlineCount())
}

func TestStampIsStrictlyIncreasing(t *testing.T) {
	m, _, _, _ := newManager(t)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	a := m.stamp(time.Time{})
	b := m.stamp(a)
	assert.True(t, b.After(a))
}
