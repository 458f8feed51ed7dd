package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

type DriverStatus string

const (
	StatusOffline   DriverStatus = "offline"
	StatusAvailable DriverStatus = "available"
	StatusBusy      DriverStatus = "busy"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate carries usable location data.
// (0,0) doubles as "never set" in client payloads, same as the source feeds.
func (c Coord) Valid() bool {
	return c.Lat != 0 || c.Lon != 0
}

// Actor is a connected participant keyed by its connection id.
type Actor struct {
	ConnID     string          `json:"conn_id"`
	Role       Role            `json:"role"`
	Name       string          `json:"name"`
	Profile    json.RawMessage `json:"profile,omitempty"`
	Tier       string          `json:"tier,omitempty"`
	Loc        *Coord          `json:"loc,omitempty"`
	Status     DriverStatus    `json:"status,omitempty"`
	LastUpdate time.Time       `json:"last_update"`

	// Seq preserves registration order for the no-location match fallback.
	Seq uint64 `json:"-"`
}

func (a Actor) HasLocation() bool {
	return a.Loc != nil && a.Loc.Valid()
}

type RideState string

const (
	RideSearching RideState = "searching"
	RideOffered   RideState = "offered"
	RideAccepted  RideState = "accepted"
	RideActive    RideState = "active"
	RideCompleted RideState = "completed"
	RideCancelled RideState = "cancelled"
	RideFailed    RideState = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RideState) Terminal() bool {
	return s == RideCompleted || s == RideCancelled || s == RideFailed
}

// Ride is one dispatch transaction. It references actors only by connection
// id; the actor may already be gone when the ride is inspected.
type Ride struct {
	ID           string          `json:"ride_id"`
	RiderConnID  string          `json:"rider_conn_id"`
	DriverConnID string          `json:"driver_conn_id,omitempty"`
	Pickup       Coord           `json:"pickup"`
	Destination  json.RawMessage `json:"destination,omitempty"`
	Tier         string          `json:"tier,omitempty"`
	Price        float64         `json:"price"`
	DistanceKm   float64         `json:"distance_km"`
	State        RideState       `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	AcceptedAt   *time.Time      `json:"accepted_at,omitempty"`
}
