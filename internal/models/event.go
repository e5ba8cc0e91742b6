package models

import "time"

type EventType string

const (
	EventTripCreated    EventType = "trip.created"
	EventTripSnapshot   EventType = "trip.snapshot"
	EventTripTransition EventType = "trip.transition"
	EventTripUpdated    EventType = "trip.updated"
	EventTripNoDrivers  EventType = "trip.no_drivers"
	EventDriverOffer    EventType = "driver.offer"
	EventOfferRevoked   EventType = "driver.offer_revoked"
	EventDriverPresence EventType = "driver.presence"
)

// Event is the envelope published to subscribers. Delivery is at-least-once, so
// consumers compare To against what they already hold.
type Event struct {
	ID       string          `json:"id"`
	Type     EventType       `json:"type"`
	TripID   string          `json:"trip_id,omitempty"`
	DriverID string          `json:"driver_id,omitempty"`
	From     TripStatus      `json:"from,omitempty"`
	To       TripStatus      `json:"to,omitempty"`
	Trigger  string          `json:"trigger,omitempty"`
	At       time.Time       `json:"at"`
	Trip     *Trip           `json:"trip,omitempty"`
	Driver   *DriverLocation `json:"driver,omitempty"`
	Offer    *Offer          `json:"offer,omitempty"`
	Cell     string          `json:"cell,omitempty"`
}

const TopicPresence = "drivers.presence"

func TripTopic(id string) string   { return "trip." + id }
func DriverTopic(id string) string { return "driver." + id }
