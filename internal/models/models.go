package models

import (
	"slices"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a real WGS84 position.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is a position with the human-readable address the customer picked.
type Place struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address,omitempty"`
}

type DriverMeta struct {
	Name    string  `json:"name,omitempty"`
	Vehicle string  `json:"vehicle,omitempty"`
	Plate   string  `json:"plate,omitempty"`
	Phone   string  `json:"phone,omitempty"`
	Rating  float64 `json:"rating"` // 0..5
}

// DriverLocation is the presence record of one driver. IsBusy implies IsOnline.
type DriverLocation struct {
	DriverID      string     `json:"driver_id"`
	Position      Coord      `json:"position"`
	IsOnline      bool       `json:"is_online"`
	IsBusy        bool       `json:"is_busy"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
	Meta          DriverMeta `json:"meta"`
	// Seq is the registration order, lower registered earlier.
	Seq int64 `json:"seq"`
}

// Eligible reports whether the driver can be proposed a trip.
func (d DriverLocation) Eligible() bool { return d.IsOnline && !d.IsBusy }

type TripStatus string

const (
	TripRequested      TripStatus = "requested"
	TripDriverAssigned TripStatus = "driver_assigned"
	TripAccepted       TripStatus = "accepted"
	TripInProgress     TripStatus = "in_progress"
	TripCompleted      TripStatus = "completed"
	TripCancelled      TripStatus = "cancelled"
)

var TripStatuses = []TripStatus{
	TripRequested, TripDriverAssigned, TripAccepted, TripInProgress, TripCompleted, TripCancelled,
}

func (s TripStatus) Terminal() bool { return s == TripCompleted || s == TripCancelled }

func (s TripStatus) Valid() bool {
	for _, v := range TripStatuses {
		if v == s {
			return true
		}
	}
	return false
}

const MaxDropoffs = 5

type Trip struct {
	ID                string     `json:"id"`
	CustomerID        string     `json:"customer_id"`
	Pickup            Place      `json:"pickup"`
	Dropoffs          []Place    `json:"dropoffs"`
	Status            TripStatus `json:"status"`
	AssignedDriverID  string     `json:"assigned_driver_id,omitempty"`
	RejectedDriverIDs []string   `json:"rejected_driver_ids"`
	// Attempt counts proposals; an accept-timeout only acts on the attempt it was armed for.
	Attempt         int      `json:"attempt"`
	DistanceKm      *float64 `json:"distance_km,omitempty"`
	DurationMinutes *float64 `json:"duration_minutes,omitempty"`
	Cost            *int64   `json:"cost,omitempty"`
	ETAMinutes      *int     `json:"eta_minutes,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy  string `json:"cancelled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`
	Version      int    `json:"version"`
}

// HasRejected reports whether driverID already rejected (or timed out on) this trip.
func (t *Trip) HasRejected(driverID string) bool {
	for _, id := range t.RejectedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (t *Trip) Clone() *Trip {
	c := *t
	c.Dropoffs = slices.Clone(t.Dropoffs)
	c.RejectedDriverIDs = slices.Clone(t.RejectedDriverIDs)
	c.DistanceKm = clonePtr(t.DistanceKm)
	c.DurationMinutes = clonePtr(t.DurationMinutes)
	c.Cost = clonePtr(t.Cost)
	c.ETAMinutes = clonePtr(t.ETAMinutes)
	c.AssignedAt = clonePtr(t.AssignedAt)
	c.AcceptedAt = clonePtr(t.AcceptedAt)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.CancelledAt = clonePtr(t.CancelledAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Waypoints returns the ordered dropoff coordinates.
func (t *Trip) Waypoints() []Coord {
	out := make([]Coord, 0, len(t.Dropoffs))
	for _, d := range t.Dropoffs {
		out = append(out, d.Coord)
	}
	return out
}

type TripFilter struct {
	CustomerID string
	DriverID   string
	Statuses   []TripStatus
	Limit      int
}

type FareSettings struct {
	BaseFare  float64   `json:"base_fare"`
	PerKmRate float64   `json:"per_km_rate"`
	UpdatedAt time.Time `json:"updated_at"`
}

func DefaultFareSettings() FareSettings {
	return FareSettings{BaseFare: 300, PerKmRate: 150}
}

// Offer is what a proposed driver receives.
type Offer struct {
	TripID     string    `json:"trip_id"`
	DriverID   string    `json:"driver_id"`
	Attempt    int       `json:"attempt"`
	Pickup     Place     `json:"pickup"`
	Dropoffs   []Place   `json:"dropoffs"`
	DistanceKm float64   `json:"distance_km"`
	ETAMinutes int       `json:"eta_minutes"`
	Cost       *int64    `json:"cost,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}
