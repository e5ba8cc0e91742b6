// Package session is the single writer of driver presence: online, offline,
// position and the trip reservation that makes a driver unavailable to dispatch.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Manager holds the authoritative presence records. Every mutation updates
// the geo index before the lock is released, so an index read never sees a
// driver as free after Reserve returned true.
type Manager struct {
	mu       sync.Mutex
	drivers  map[string]models.DriverLocation
	holds    map[string]string // driver id -> trip holding the driver
	index    geo.Index
	store    storage.DriverStore
	pub      events.Publisher
	log      *slog.Logger
	now      func() time.Time
	onOnline []func(ctx context.Context, driverID string)
}

// NewManager builds a manager over index. store and pub may be nil.
func NewManager(index geo.Index, store storage.DriverStore, pub events.Publisher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		drivers: make(map[string]models.DriverLocation),
		holds:   make(map[string]string),
		index:   index,
		store:   store,
		pub:     pub,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnOnline registers fn to run, in its own goroutine, each time a driver goes online.
func (m *Manager) OnOnline(fn func(ctx context.Context, driverID string)) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// stamp returns a timestamp strictly after prev so last-writer-wins readers
// never drop a newer write that landed in the same clock tick.
func (m *Manager) stamp(prev time.Time) time.Time {
	now := m.now().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (m *Manager) GoOnline(ctx context.Context, driverID string, pos models.Coord, meta models.DriverMeta) (models.DriverLocation, error) {
	if driverID == "" {
		return models.DriverLocation{}, apperr.InvalidArgument("session.GoOnline", "driver id is required")
	}
	if !pos.Valid() {
		return models.DriverLocation{}, apperr.InvalidArgument("session.GoOnline", "position out of range")
	}
	m.mu.Lock()
	prev, known := m.drivers[driverID]
	if known && prev.IsOnline {
		m.mu.Unlock()
		return m.mutate(ctx, "session.GoOnline", driverID, func(d *models.DriverLocation) (bool, error) {
			d.Position = pos
			if meta != (models.DriverMeta{}) {
				d.Meta = meta
			}
			return true, nil
		})
	}
	if meta == (models.DriverMeta{}) {
		meta = prev.Meta
	}
	d := models.DriverLocation{
		DriverID: driverID,
		Position: pos,
		IsOnline: true,
		// a driver reconnecting mid-trip is still held by that trip
		IsBusy: m.holds[driverID] != "",
		Meta:   meta,
	}
	d, err := m.commitLocked(ctx, "session.GoOnline", prev, d)
	if err != nil {
		m.mu.Unlock()
		return models.DriverLocation{}, err
	}
	hooks := append([]func(context.Context, string){}, m.onOnline...)
	m.mu.Unlock()

	observability.DriversOnline.Inc()
	m.log.Info("driver_online", "driver_id", driverID, "lat", pos.Lat, "lon", pos.Lon, "busy", d.IsBusy)
	m.persist(ctx, d)
	for _, fn := range hooks {
		go fn(context.WithoutCancel(ctx), driverID)
	}
	return d, nil
}

// GoOffline is idempotent. An assigned trip is left alone and keeps its hold
// on the driver; the driver simply stops being a candidate.
func (m *Manager) GoOffline(ctx context.Context, driverID string) (models.DriverLocation, error) {
	m.mu.Lock()
	prev, known := m.drivers[driverID]
	if !known || !prev.IsOnline {
		m.mu.Unlock()
		return prev, nil
	}
	d := prev
	d.IsOnline, d.IsBusy = false, false
	d.LastUpdatedAt = m.stamp(prev.LastUpdatedAt)
	if err := m.index.Remove(ctx, driverID, d.LastUpdatedAt); err != nil {
		m.mu.Unlock()
		return prev, apperr.Upstream("session.GoOffline", err)
	}
	m.drivers[driverID] = d
	m.mu.Unlock()

	observability.DriversOnline.Dec()
	m.log.Info("driver_offline", "driver_id", driverID)
	m.persist(ctx, d)
	return d, nil
}

// UpdatePosition moves an online driver.
func (m *Manager) UpdatePosition(ctx context.Context, driverID string, pos models.Coord) (models.DriverLocation, error) {
	if !pos.Valid() {
		return models.DriverLocation{}, apperr.InvalidArgument("session.UpdatePosition", "position out of range")
	}
	return m.mutate(ctx, "session.UpdatePosition", driverID, func(d *models.DriverLocation) (bool, error) {
		d.Position = pos
		return true, nil
	})
}

// Reserve marks the driver busy on behalf of tripID iff they are online and
// not held by any trip. It is the linearization point that keeps a driver on
// at most one trip. Reserving again for the holding trip reports true.
func (m *Manager) Reserve(ctx context.Context, driverID, tripID string) (bool, error) {
	if tripID == "" {
		return false, apperr.InvalidArgument("session.Reserve", "trip id is required")
	}
	m.mu.Lock()
	prev, known := m.drivers[driverID]
	if !known || !prev.IsOnline {
		m.mu.Unlock()
		return false, nil
	}
	if holder := m.holds[driverID]; holder != "" || prev.IsBusy {
		m.mu.Unlock()
		return holder == tripID, nil
	}
	d := prev
	d.IsBusy = true
	d, err := m.commitLocked(ctx, "session.Reserve", prev, d)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.holds[driverID] = tripID
	m.mu.Unlock()

	m.persist(ctx, d)
	return true, nil
}

// Release frees the driver from tripID. A release by any other trip, or for a
// driver no trip holds, is a no-op.
func (m *Manager) Release(ctx context.Context, driverID, tripID string) error {
	m.mu.Lock()
	if driverID == "" || tripID == "" || m.holds[driverID] != tripID {
		m.mu.Unlock()
		return nil
	}
	prev := m.drivers[driverID]
	if !prev.IsOnline || !prev.IsBusy {
		delete(m.holds, driverID)
		m.mu.Unlock()
		return nil
	}
	d := prev
	d.IsBusy = false
	d, err := m.commitLocked(ctx, "session.Release", prev, d)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.holds, driverID)
	m.mu.Unlock()

	m.persist(ctx, d)
	return nil
}

// Holder returns the trip currently holding the driver, or "".
func (m *Manager) Holder(driverID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holds[driverID]
}

// mutate applies fn to an online driver under the lock and pushes the result
// to the index. fn reports whether anything changed.
func (m *Manager) mutate(ctx context.Context, op, driverID string, fn func(d *models.DriverLocation) (bool, error)) (models.DriverLocation, error) {
	m.mu.Lock()
	prev, known := m.drivers[driverID]
	if !known || !prev.IsOnline {
		m.mu.Unlock()
		return prev, apperr.InvalidArgument(op, "driver %s is not online", driverID)
	}
	d := prev
	changed, err := fn(&d)
	if err != nil || !changed {
		m.mu.Unlock()
		return prev, err
	}
	d, err = m.commitLocked(ctx, op, prev, d)
	m.mu.Unlock()
	if err != nil {
		return prev, err
	}
	m.persist(ctx, d)
	return d, nil
}

// commitLocked stamps d after prev, pushes it to the index and records it.
// The caller holds m.mu.
func (m *Manager) commitLocked(ctx context.Context, op string, prev, d models.DriverLocation) (models.DriverLocation, error) {
	d.LastUpdatedAt = m.stamp(prev.LastUpdatedAt)
	if err := m.index.Upsert(ctx, d); err != nil {
		return prev, apperr.Upstream(op, err)
	}
	m.drivers[d.DriverID] = d
	return d, nil
}

// Get returns the presence record, falling back to the durable store for
// drivers this process has not seen.
func (m *Manager) Get(ctx context.Context, driverID string) (models.DriverLocation, error) {
	m.mu.Lock()
	d, ok := m.drivers[driverID]
	m.mu.Unlock()
	if ok {
		return d, nil
	}
	if m.store != nil {
		return m.store.GetDriver(ctx, driverID)
	}
	return models.DriverLocation{}, apperr.NotFound("session.Get", "driver %s", driverID)
}

func (m *Manager) OnlineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.drivers {
		if d.IsOnline {
			n++
		}
	}
	return n
}

// persist writes through to the store and announces the change. Neither is
// allowed to undo a presence update that already reached the index.
func (m *Manager) persist(ctx context.Context, d models.DriverLocation) {
	if m.store != nil {
		if err := m.store.PutDriver(ctx, d); err != nil {
			m.log.Warn("driver_store_failed", "driver_id", d.DriverID, "err", err)
		}
	}
	if m.pub != nil {
		snap := d
		ev := models.Event{Type: models.EventDriverPresence, DriverID: d.DriverID, Driver: &snap, Cell: geo.Cell(d.Position), At: d.LastUpdatedAt}
		if err := m.pub.Publish(ctx, models.TopicPresence, ev); err != nil {
			m.log.Warn("event_publish_failed", "driver_id", d.DriverID, "type", string(ev.Type), "err", err)
		}
	}
}
