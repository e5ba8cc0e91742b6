// Package dispatch matches requested trips to drivers and drives every
// driver-facing step of the trip lifecycle.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/trip"
)

type Config struct {
	// AcceptTimeout is how long a proposed driver has to accept.
	AcceptTimeout time.Duration
	// AutoDispatch runs a dispatch pass right after a trip is created.
	AutoDispatch bool
}

func DefaultConfig() Config {
	return Config{AcceptTimeout: 15 * time.Second, AutoDispatch: true}
}

// Coordinator runs every mutation of a trip under that trip's lock. A driver is
// reserved through the session manager before the proposal is written, so a
// busy driver is never proposed twice.
type Coordinator struct {
	trips    *trip.Service
	drivers  *session.Manager
	index    geo.Index
	notifier notify.Notifier
	cfg      Config
	log      *slog.Logger

	timersMu sync.Mutex
	timers   map[string]acceptTimer
	closed   bool
}

type acceptTimer struct {
	attempt int
	t       *time.Timer
}

// Result is a trip after an operation plus the outcome of the dispatch pass
// the operation triggered. Dispatch is nil when a driver was assigned or no
// pass ran.
type Result struct {
	Trip     *models.Trip
	Dispatch error
}

func NewCoordinator(trips *trip.Service, drivers *session.Manager, index geo.Index, n notify.Notifier, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultConfig().AcceptTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		trips:    trips,
		drivers:  drivers,
		index:    index,
		notifier: n,
		cfg:      cfg,
		log:      log,
		timers:   make(map[string]acceptTimer),
	}
}

// Create stores a new trip and, with AutoDispatch, immediately looks for a
// driver. Once the trip is stored a failed dispatch pass is reported in
// Result.Dispatch, not as an error.
func (c *Coordinator) Create(ctx context.Context, req trip.CreateRequest) (Result, error) {
	t, err := c.trips.Create(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if !c.cfg.AutoDispatch {
		return Result{Trip: t}, nil
	}
	next, err := c.Dispatch(ctx, t.ID)
	if next == nil {
		next = t
	}
	return Result{Trip: next, Dispatch: err}, nil
}

// Dispatch proposes the nearest eligible driver for a requested trip. Trips in
// any other state are returned as they are. With no eligible driver it returns
// the unchanged trip and NoDriversAvailable.
func (c *Coordinator) Dispatch(ctx context.Context, tripID string) (*models.Trip, error) {
	unlock := c.trips.Locks().Lock(tripID)
	defer unlock()
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return c.dispatchLocked(ctx, t)
}

func (c *Coordinator) dispatchLocked(ctx context.Context, t *models.Trip) (*models.Trip, error) {
	if t.Status != models.TripRequested {
		return t, nil
	}
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()
	observability.DispatchAttempts.Inc()

	skip := make(map[string]struct{}, len(t.RejectedDriverIDs))
	for _, id := range t.RejectedDriverIDs {
		skip[id] = struct{}{}
	}
	for {
		d, ok, err := c.index.Nearest(ctx, t.Pickup.Coord, skip)
		if err != nil {
			return t, apperr.Upstream("dispatch.Nearest", err)
		}
		if !ok {
			observability.NoDrivers.Inc()
			c.log.Info("trip_no_drivers", "trip_id", t.ID, "rejected", len(t.RejectedDriverIDs))
			c.trips.Announce(ctx, models.Event{Type: models.EventTripNoDrivers, TripID: t.ID, To: t.Status, Trip: t.Clone()})
			return t, apperr.New(apperr.KindNoDriversAvailable, "dispatch.Dispatch", "no eligible driver for trip %s", t.ID)
		}
		reserved, err := c.drivers.Reserve(ctx, d.DriverID, t.ID)
		if err != nil {
			return t, err
		}
		if !reserved {
			// lost the driver to another trip, or the index is behind the session
			skip[d.DriverID] = struct{}{}
			continue
		}

		eta := geo.ETAMinutes(geo.Haversine(d.Position, t.Pickup.Coord))
		next, err := c.trips.Transition(ctx, t, trip.EventPropose, trip.Input{DriverID: d.DriverID, ETAMinutes: &eta})
		if err != nil {
			c.release(ctx, d.DriverID, t.ID)
			return t, err
		}
		observability.Assignments.Inc()
		c.log.Info("trip_dispatched", "trip_id", next.ID, "driver_id", d.DriverID, "attempt", next.Attempt, "eta_minutes", eta)
		expires := c.arm(next.ID, next.Attempt)
		c.offer(ctx, next, d, eta, expires)
		return next, nil
	}
}

func (c *Coordinator) offer(ctx context.Context, t *models.Trip, d models.DriverLocation, eta int, expires time.Time) {
	o := &models.Offer{
		TripID:     t.ID,
		DriverID:   d.DriverID,
		Attempt:    t.Attempt,
		Pickup:     t.Pickup,
		Dropoffs:   t.Dropoffs,
		ETAMinutes: eta,
		Cost:       t.Cost,
		ExpiresAt:  expires,
	}
	if t.DistanceKm != nil {
		o.DistanceKm = *t.DistanceKm
	}
	c.notifyDriver(ctx, d.DriverID, models.Event{Type: models.EventDriverOffer, TripID: t.ID, DriverID: d.DriverID, Offer: o})
}

func (c *Coordinator) notifyDriver(ctx context.Context, driverID string, ev models.Event) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, driverID, ev); err != nil {
		c.log.Warn("driver_notify_failed", "trip_id", ev.TripID, "driver_id", driverID, "type", string(ev.Type), "err", err)
	}
}

// Accept confirms the proposal held by driverID. Accepting a trip the driver
// already holds past assignment succeeds without change.
func (c *Coordinator) Accept(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	unlock := c.trips.Locks().Lock(tripID)
	defer unlock()
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.AssignedDriverID == driverID {
		switch t.Status {
		case models.TripAccepted, models.TripInProgress, models.TripCompleted:
			return t, nil
		}
	}
	if t.Status != models.TripDriverAssigned || t.AssignedDriverID != driverID {
		return t, apperr.StaleAssignment("dispatch.Accept", "trip %s is not offered to driver %s", tripID, driverID)
	}
	next, err := c.trips.Transition(ctx, t, trip.EventAccept, trip.Input{})
	if err != nil {
		return t, err
	}
	c.disarm(tripID)
	return next, nil
}

// Reject hands the trip back and immediately re-dispatches it to the nearest
// driver that has not declined it yet. A reject from the driver who already
// accepted is a no-op.
func (c *Coordinator) Reject(ctx context.Context, tripID, driverID string) (Result, error) {
	unlock := c.trips.Locks().Lock(tripID)
	defer unlock()
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return Result{}, err
	}
	if t.HasRejected(driverID) {
		return Result{Trip: t}, nil
	}
	if t.AssignedDriverID == driverID {
		switch t.Status {
		case models.TripAccepted, models.TripInProgress, models.TripCompleted:
			return Result{Trip: t}, nil
		}
	}
	if t.Status != models.TripDriverAssigned || t.AssignedDriverID != driverID {
		return Result{Trip: t}, apperr.StaleAssignment("dispatch.Reject", "trip %s is not offered to driver %s", tripID, driverID)
	}
	return c.handBack(ctx, t, trip.EventReject, "rejected")
}

// handBack returns an assigned trip to requested and runs the next dispatch pass.
func (c *Coordinator) handBack(ctx context.Context, t *models.Trip, ev trip.Event, reason string) (Result, error) {
	driverID := t.AssignedDriverID
	back, err := c.trips.Transition(ctx, t, ev, trip.Input{})
	if err != nil {
		return Result{Trip: t}, err
	}
	c.disarm(t.ID)
	c.release(ctx, driverID, t.ID)
	observability.Rejections.WithLabelValues(reason).Inc()
	if ev == trip.EventTimeout {
		c.notifyDriver(ctx, driverID, models.Event{Type: models.EventOfferRevoked, TripID: t.ID, DriverID: driverID, Trigger: string(ev)})
	}
	next, err := c.dispatchLocked(ctx, back)
	return Result{Trip: next, Dispatch: err}, nil
}

// Start begins the ride. Only the assigned driver may start it.
func (c *Coordinator) Start(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	unlock := c.trips.Locks().Lock(tripID)
	defer unlock()
	t, err := c.assignedTo(ctx, "dispatch.Start", tripID, driverID)
	if err != nil {
		return t, err
	}
	return c.trips.Transition(ctx, t, trip.EventStart, trip.Input{})
}

// End completes the ride, fixing the fare and freeing the driver.
func (c *Coordinator) End(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	unlock := c.trips.Locks().Lock(tripID)
	defer unlock()
	t, err := c.assignedTo(ctx, "dispatch.End", tripID, driverID)
	if err != nil {
		return t, err
	}
	if _, err := trip.Next(t.Status, trip.EventEnd); err != nil {
		return t, err
	}
	cost, err := c.trips.FinalCost(ctx, t)
	if err != nil {
		return t, err
	}
	next, err := c.trips.Transition(ctx, t, trip.EventEnd, trip.Input{Cost: &cost})
	if err != nil {
		return t, err
	}
	c.release(ctx, driverID, t.ID)
	return next, nil
}

func (c *Coordinator) assignedTo(ctx context.Context, op, tripID, driverID string) (*models.Trip, error) {
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if driverID == "" || t.AssignedDriverID != driverID {
		return t, apperr.StaleAssignment(op, "driver %s is not assigned to trip %s", driverID, tripID)
	}
	return t, nil
}

// Cancel ends a trip that has not been accepted yet.
func (c *Coordinator) Cancel(ctx context.Context, tripID, actorID, reason string) (*models.Trip, error) {
	unlock := c.trips.Locks().Lock(tripID)
	defer unlock()
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	next, err := c.trips.Transition(ctx, t, trip.EventCancel, trip.Input{ActorID: actorID, Reason: reason})
	if err != nil {
		return t, err
	}
	c.disarm(tripID)
	if t.Status == models.TripDriverAssigned {
		c.release(ctx, t.AssignedDriverID, tripID)
		c.notifyDriver(ctx, t.AssignedDriverID, models.Event{Type: models.EventOfferRevoked, TripID: tripID, DriverID: t.AssignedDriverID, Trigger: string(trip.EventCancel)})
	}
	return next, nil
}

// UpdateDropoffs re-routes a trip on behalf of its customer.
func (c *Coordinator) UpdateDropoffs(ctx context.Context, tripID, customerID string, dropoffs []models.Place) (*models.Trip, error) {
	unlock := c.trips.Locks().Lock(tripID)
	defer unlock()
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if customerID != "" && customerID != t.CustomerID {
		return t, apperr.InvalidArgument("dispatch.UpdateDropoffs", "trip %s belongs to another customer", tripID)
	}
	next, err := c.trips.UpdateDropoffs(ctx, t, dropoffs)
	if err != nil {
		return t, err
	}
	if next.AssignedDriverID != "" {
		c.notifyDriver(ctx, next.AssignedDriverID, models.Event{Type: models.EventTripUpdated, TripID: tripID, DriverID: next.AssignedDriverID, Trip: next.Clone()})
	}
	return next, nil
}

// RedispatchWaiting runs a dispatch pass for every trip still waiting for a
// driver. It is hooked to drivers coming online.
func (c *Coordinator) RedispatchWaiting(ctx context.Context) (assigned int, err error) {
	waiting, err := c.trips.List(ctx, models.TripFilter{Statuses: []models.TripStatus{models.TripRequested}})
	if err != nil {
		return 0, err
	}
	// oldest first
	for i := len(waiting) - 1; i >= 0; i-- {
		t, err := c.Dispatch(ctx, waiting[i].ID)
		switch {
		case apperr.KindOf(err) == apperr.KindNoDriversAvailable:
		case err != nil:
			c.log.Warn("redispatch_failed", "trip_id", waiting[i].ID, "err", err)
		case t.Status == models.TripDriverAssigned:
			assigned++
		}
	}
	if len(waiting) > 0 {
		c.log.Info("redispatch_waiting", "waiting", len(waiting), "assigned", assigned)
	}
	return assigned, nil
}

func (c *Coordinator) release(ctx context.Context, driverID, tripID string) {
	if err := c.drivers.Release(ctx, driverID, tripID); err != nil {
		c.log.Error("driver_release_failed", "driver_id", driverID, "trip_id", tripID, "err", err)
	}
}

// arm starts the accept timeout for the given proposal attempt, replacing any
// earlier timer of the trip, and returns when it expires.
func (c *Coordinator) arm(tripID string, attempt int) time.Time {
	expires := time.Now().Add(c.cfg.AcceptTimeout)
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if c.closed {
		return expires
	}
	if old, ok := c.timers[tripID]; ok {
		old.t.Stop()
	}
	c.timers[tripID] = acceptTimer{
		attempt: attempt,
		t:       time.AfterFunc(c.cfg.AcceptTimeout, func() { c.expire(tripID, attempt) }),
	}
	return expires
}

func (c *Coordinator) disarm(tripID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if tm, ok := c.timers[tripID]; ok {
		tm.t.Stop()
		delete(c.timers, tripID)
	}
}

// expire handles a fired accept timeout. A fire for an attempt the trip has
// moved past does nothing.
func (c *Coordinator) expire(tripID string, attempt int) {
	ctx := context.Background()
	unlock := c.trips.Locks().Lock(tripID)
	defer unlock()

	c.timersMu.Lock()
	if tm, ok := c.timers[tripID]; ok && tm.attempt == attempt {
		delete(c.timers, tripID)
	}
	c.timersMu.Unlock()

	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		c.log.Error("accept_timeout_load_failed", "trip_id", tripID, "err", err)
		return
	}
	if t.Status != models.TripDriverAssigned || t.Attempt != attempt {
		return
	}
	c.log.Info("accept_timeout", "trip_id", tripID, "driver_id", t.AssignedDriverID, "attempt", attempt)
	res, err := c.handBack(ctx, t, trip.EventTimeout, "timeout")
	if err != nil {
		c.log.Error("accept_timeout_failed", "trip_id", tripID, "err", err)
		return
	}
	if res.Dispatch != nil {
		c.log.Info("accept_timeout_redispatch", "trip_id", tripID, "outcome", string(apperr.KindOf(res.Dispatch)))
	}
}

// pendingTimers is the number of armed accept timeouts.
func (c *Coordinator) pendingTimers() int {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	return len(c.timers)
}

// Close stops every pending accept timer.
func (c *Coordinator) Close() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	c.closed = true
	for id, tm := range c.timers {
		tm.t.Stop()
		delete(c.timers, id)
	}
}
