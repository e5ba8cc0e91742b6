// Package trip owns the trip lifecycle: the transition table, and the service
// that validates, routes, persists and announces trips.
package trip

import (
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type Event string

const (
	EventPropose Event = "propose"
	EventAccept  Event = "accept"
	EventReject  Event = "reject"
	EventTimeout Event = "timeout"
	EventStart   Event = "start"
	EventEnd     Event = "end"
	EventCancel  Event = "cancel"
)

var Events = []Event{EventPropose, EventAccept, EventReject, EventTimeout, EventStart, EventEnd, EventCancel}

// transitions is the whole lifecycle. Pairs that are not listed are illegal.
var transitions = map[models.TripStatus]map[Event]models.TripStatus{
	models.TripRequested: {
		EventPropose: models.TripDriverAssigned,
		EventCancel:  models.TripCancelled,
	},
	models.TripDriverAssigned: {
		EventAccept:  models.TripAccepted,
		EventReject:  models.TripRequested,
		EventTimeout: models.TripRequested,
		EventCancel:  models.TripCancelled,
	},
	models.TripAccepted: {
		EventStart: models.TripInProgress,
	},
	models.TripInProgress: {
		EventEnd: models.TripCompleted,
	},
}

// Next returns the state reached from `from` on ev.
func Next(from models.TripStatus, ev Event) (models.TripStatus, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return "", apperr.InvalidTransition("trip.Next", "%s is not allowed from %s", ev, from)
	}
	return to, nil
}

// Input carries the event-specific data Apply records on the trip.
type Input struct {
	At time.Time
	// DriverID is the driver being proposed.
	DriverID   string
	ETAMinutes *int
	// Cost is the final fare recorded on end.
	Cost *int64
	// ActorID and Reason are recorded on cancel.
	ActorID string
	Reason  string
}

type Transition struct {
	TripID string            `json:"trip_id"`
	From   models.TripStatus `json:"from"`
	To     models.TripStatus `json:"to"`
	Event  Event             `json:"event"`
	At     time.Time         `json:"at"`
}

// Apply performs ev on a copy of t. On error t is returned untouched and no
// copy is made.
func Apply(t *models.Trip, ev Event, in Input) (*models.Trip, Transition, error) {
	to, err := Next(t.Status, ev)
	if err != nil {
		return t, Transition{}, err
	}
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch ev {
	case EventPropose:
		if in.DriverID == "" {
			return t, Transition{}, apperr.InvalidArgument("trip.Apply", "propose needs a driver")
		}
		if t.HasRejected(in.DriverID) {
			return t, Transition{}, apperr.InvalidArgument("trip.Apply", "driver %s already declined trip %s", in.DriverID, t.ID)
		}
	}

	next := t.Clone()
	next.Status = to
	switch ev {
	case EventPropose:
		next.AssignedDriverID = in.DriverID
		next.AssignedAt = &at
		next.ETAMinutes = in.ETAMinutes
		next.Attempt++
	case EventAccept:
		next.AcceptedAt = &at
	case EventReject, EventTimeout:
		if !next.HasRejected(next.AssignedDriverID) {
			next.RejectedDriverIDs = append(next.RejectedDriverIDs, next.AssignedDriverID)
		}
		next.AssignedDriverID = ""
		next.AssignedAt = nil
		next.ETAMinutes = nil
	case EventStart:
		next.StartedAt = &at
	case EventEnd:
		next.CompletedAt = &at
		if in.Cost != nil {
			next.Cost = in.Cost
		}
	case EventCancel:
		next.CancelledAt = &at
		next.CancelledBy = in.ActorID
		next.CancelReason = in.Reason
	}
	return next, Transition{TripID: t.ID, From: t.Status, To: to, Event: ev, At: at}, nil
}
