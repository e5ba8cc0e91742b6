package trip

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
)

// Service is the only code path that writes trips. Callers that mutate an
// existing trip hold Locks().Lock(id) around Get and Transition.
type Service struct {
	store  storage.TripStore
	fares  fare.SettingsStore
	oracle routing.Oracle
	pub    events.Publisher
	retry  *retry.Retrier
	locks  *Locks
	log    *slog.Logger
	now    func() time.Time
}

type Deps struct {
	Store  storage.TripStore
	Fares  fare.SettingsStore
	Oracle routing.Oracle
	Pub    events.Publisher
	Retry  *retry.Retrier
	Log    *slog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		store:  d.Store,
		fares:  d.Fares,
		oracle: d.Oracle,
		pub:    d.Pub,
		retry:  d.Retry,
		locks:  NewLocks(),
		log:    d.Log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if s.retry == nil {
		s.retry = retry.New(retry.Config{Attempts: 1}, d.Log)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func (s *Service) Locks() *Locks { return s.locks }

func (s *Service) Now() time.Time { return s.now() }

type CreateRequest struct {
	CustomerID string         `json:"customer_id"`
	Pickup     models.Place   `json:"pickup"`
	Dropoffs   []models.Place `json:"dropoffs"`
}

// Quote is the priced route of a pickup and its dropoffs.
type Quote struct {
	Route routing.Route `json:"route"`
	Cost  int64         `json:"cost"`
}

// Create validates, routes and prices a new request and stores it as requested.
// A routing failure creates nothing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Trip, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" {
		return nil, apperr.InvalidArgument("trip.Create", "customer_id is required")
	}
	q, err := s.Quote(ctx, req.Pickup, req.Dropoffs)
	if err != nil {
		return nil, err
	}

	t := &models.Trip{
		ID:                uuid.NewString(),
		CustomerID:        req.CustomerID,
		Pickup:            req.Pickup,
		Dropoffs:          append([]models.Place(nil), req.Dropoffs...),
		Status:            models.TripRequested,
		RejectedDriverIDs: []string{},
		RequestedAt:       s.now(),
	}
	setQuote(t, q)

	err = s.retry.Do(ctx, "trip.Create", func(ctx context.Context) error {
		return s.store.CreateTrip(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	observability.Transitions.WithLabelValues(string(models.TripRequested)).Inc()
	s.log.Info("trip_created", "trip_id", t.ID, "customer_id", t.CustomerID, "dropoffs", len(t.Dropoffs), "cost", *t.Cost)
	s.publish(ctx, models.Event{Type: models.EventTripCreated, TripID: t.ID, To: t.Status, Trip: t.Clone()})
	return t, nil
}

// Quote routes pickup through dropoffs and prices the distance with the current
// fare settings.
func (s *Service) Quote(ctx context.Context, pickup models.Place, dropoffs []models.Place) (Quote, error) {
	if err := ValidatePlaces(pickup, dropoffs); err != nil {
		return Quote{}, err
	}
	waypoints := make([]models.Coord, 0, len(dropoffs))
	for _, d := range dropoffs {
		waypoints = append(waypoints, d.Coord)
	}
	var q Quote
	err := s.retry.Do(ctx, "trip.Quote", func(ctx context.Context) error {
		r, err := s.oracle.Route(ctx, pickup.Coord, waypoints)
		if err != nil {
			return apperr.Upstream("trip.Quote", err)
		}
		q.Route = r
		return nil
	})
	if err != nil {
		return Quote{}, err
	}
	settings, err := s.fares.GetFareSettings(ctx)
	if err != nil {
		return Quote{}, apperr.Upstream("trip.Quote", err)
	}
	if q.Cost, err = fare.Quote(q.Route.DistanceKm, settings); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func setQuote(t *models.Trip, q Quote) {
	km, mins, cost := q.Route.DistanceKm, q.Route.DurationMinutes, q.Cost
	t.DistanceKm = &km
	t.DurationMinutes = &mins
	t.Cost = &cost
}

// ValidatePlaces checks a pickup and its ordered dropoffs.
func ValidatePlaces(pickup models.Place, dropoffs []models.Place) error {
	if err := validCoord(pickup.Coord); err != nil {
		return apperr.InvalidArgument("trip.Validate", "pickup: %v", err)
	}
	if len(dropoffs) == 0 || len(dropoffs) > models.MaxDropoffs {
		return apperr.InvalidArgument("trip.Validate", "between 1 and %d dropoffs are required, got %d", models.MaxDropoffs, len(dropoffs))
	}
	for i, d := range dropoffs {
		if err := validCoord(d.Coord); err != nil {
			return apperr.InvalidArgument("trip.Validate", "dropoff %d: %v", i, err)
		}
	}
	return nil
}

var errCoordRange = errors.New("coordinates out of range")

func validCoord(c models.Coord) error {
	if !c.Valid() {
		return errCoordRange
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Trip, error) {
	return s.store.GetTrip(ctx, id)
}

// List returns trips matching f, newest first.
func (s *Service) List(ctx context.Context, f models.TripFilter) ([]*models.Trip, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, apperr.InvalidArgument("trip.List", "unknown status %q", st)
		}
	}
	return s.store.ListTrips(ctx, f)
}

// Transition applies ev to t, persists the result and announces it. The caller
// holds the trip lock. On any error the stored trip is unchanged.
func (s *Service) Transition(ctx context.Context, t *models.Trip, ev Event, in Input) (*models.Trip, error) {
	if in.At.IsZero() {
		in.At = s.now()
	}
	next, tr, err := Apply(t, ev, in)
	if err != nil {
		return t, err
	}
	if err := s.store.UpdateTrip(ctx, next); err != nil {
		return t, err
	}
	observability.Transitions.WithLabelValues(string(tr.To)).Inc()
	s.log.Info("trip_transition", "trip_id", next.ID, "event", string(ev), "from", string(tr.From), "to", string(tr.To),
		"driver_id", next.AssignedDriverID, "attempt", next.Attempt)
	s.publish(ctx, models.Event{
		Type:     models.EventTripTransition,
		TripID:   next.ID,
		DriverID: eventDriver(t, next),
		From:     tr.From,
		To:       tr.To,
		Trigger:  string(ev),
		At:       tr.At,
		Trip:     next.Clone(),
	})
	return next, nil
}

// eventDriver names the driver a transition concerns, including the one just
// released by a reject or timeout.
func eventDriver(before, after *models.Trip) string {
	if after.AssignedDriverID != "" {
		return after.AssignedDriverID
	}
	return before.AssignedDriverID
}

// UpdateDropoffs replaces the dropoffs of a non-terminal trip that has not
// started, re-routing and re-quoting it. The caller holds the trip lock.
func (s *Service) UpdateDropoffs(ctx context.Context, t *models.Trip, dropoffs []models.Place) (*models.Trip, error) {
	switch t.Status {
	case models.TripRequested, models.TripDriverAssigned, models.TripAccepted:
	default:
		return t, apperr.InvalidTransition("trip.UpdateDropoffs", "dropoffs cannot change once the trip is %s", t.Status)
	}
	q, err := s.Quote(ctx, t.Pickup, dropoffs)
	if err != nil {
		return t, err
	}
	next := t.Clone()
	next.Dropoffs = append([]models.Place(nil), dropoffs...)
	setQuote(next, q)
	if err := s.store.UpdateTrip(ctx, next); err != nil {
		return t, err
	}
	s.log.Info("trip_dropoffs_updated", "trip_id", next.ID, "dropoffs", len(next.Dropoffs), "cost", q.Cost)
	s.publish(ctx, models.Event{Type: models.EventTripUpdated, TripID: next.ID, To: next.Status, DriverID: next.AssignedDriverID, Trip: next.Clone()})
	return next, nil
}

// FinalCost prices the routed distance of t at the current settings.
func (s *Service) FinalCost(ctx context.Context, t *models.Trip) (int64, error) {
	if t.DistanceKm == nil {
		q, err := s.Quote(ctx, t.Pickup, t.Dropoffs)
		if err != nil {
			return 0, err
		}
		return q.Cost, nil
	}
	settings, err := s.fares.GetFareSettings(ctx)
	if err != nil {
		return 0, apperr.Upstream("trip.FinalCost", err)
	}
	return fare.Quote(*t.DistanceKm, settings)
}

// Announce publishes an event on the trip's topic. Failures are logged only.
func (s *Service) Announce(ctx context.Context, ev models.Event) {
	s.publish(ctx, ev)
}

func (s *Service) publish(ctx context.Context, ev models.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, models.TripTopic(ev.TripID), ev); err != nil {
		s.log.Warn("event_publish_failed", "trip_id", ev.TripID, "type", string(ev.Type), "err", err)
	}
}
