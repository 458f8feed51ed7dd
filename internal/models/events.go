package models

import "encoding/json"

// EventType enumerates the closed set of wire messages. The gateway
// dispatches over this set exhaustively; unknown types are rejected.
type EventType string

const (
	// Inbound.
	EvRegister        EventType = "register"
	EvTelemetryUpdate EventType = "telemetry_update"
	EvDriverSetStatus EventType = "driver_set_status"
	EvRequestRide     EventType = "request_ride"
	EvDriverAccept    EventType = "driver_accept"
	EvDriverDecline   EventType = "driver_decline"
	EvStartRide       EventType = "start_ride"
	EvFinishRide      EventType = "finish_ride"
	EvCancelRide      EventType = "cancel_ride"
	EvChatMessage     EventType = "chat_message"
	EvSOSAlert        EventType = "sos_alert"

	// Outbound.
	EvSysMsg        EventType = "sys_msg"
	EvRideRequested EventType = "ride_requested"
	EvRideOffer     EventType = "ride_offer"
	EvRideMatched   EventType = "ride_matched"
	EvRideConfirm   EventType = "ride_confirm"
	EvRideStarted   EventType = "ride_started"
	EvRideFinished  EventType = "ride_finished"
	EvRideCancelled EventType = "ride_cancelled"
	EvRideFailed    EventType = "ride_failed"
	EvRideError     EventType = "ride_error"
	EvChatReceive   EventType = "chat_receive"
	EvFleetUpdate   EventType = "fleet_update"
	EvAdminLog      EventType = "admin_log"
	EvSOSBroadcast  EventType = "sos_broadcast"
)

// Event is the wire envelope for both directions.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event envelope. Marshal failures are
// impossible for our own payload types, so they are swallowed into an empty
// data field rather than propagated.
func NewEvent(t EventType, payload any) Event {
	if payload == nil {
		return Event{Type: t}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{Type: t}
	}
	return Event{Type: t, Data: b}
}

// Machine-readable error codes carried by ride_error events.
const (
	CodeNoDrivers      = "NO_DRIVERS_AVAILABLE"
	CodeAlreadyMatched = "ALREADY_MATCHED"
	CodeUnknownRide    = "UNKNOWN_RIDE"
	CodeNotOffered     = "NOT_OFFERED"
	CodeNotAvailable   = "NOT_AVAILABLE"
	CodeNotInRide      = "NOT_IN_RIDE"
	CodeInvalidPayload = "INVALID_PAYLOAD"
)

type RegisterPayload struct {
	Role    Role            `json:"role"`
	Name    string          `json:"name"`
	Profile json.RawMessage `json:"profile,omitempty"`
	Tier    string          `json:"tier,omitempty"`
	Loc     *Coord          `json:"loc,omitempty"`
}

type TelemetryPayload struct {
	Loc Coord `json:"loc"`
}

type SetStatusPayload struct {
	Online bool `json:"online"`
}

type RequestRidePayload struct {
	Pickup      Coord           `json:"pickup"`
	Destination json.RawMessage `json:"destination,omitempty"`
	Tier        string          `json:"tier,omitempty"`
}

type RideRefPayload struct {
	RideID string `json:"ride_id"`
}

type ChatPayload struct {
	TargetID string `json:"target_id"`
	Text     string `json:"text"`
}

type SOSPayload struct {
	Detail json.RawMessage `json:"detail,omitempty"`
}

type ErrorPayload struct {
	Code   string `json:"code"`
	Msg    string `json:"msg"`
	RideID string `json:"ride_id,omitempty"`
}

type OfferPayload struct {
	RideID      string          `json:"ride_id"`
	Pickup      Coord           `json:"pickup"`
	Destination json.RawMessage `json:"destination,omitempty"`
	Tier        string          `json:"tier,omitempty"`
	DistanceKm  float64         `json:"distance_km"`
	Price       float64         `json:"price"`
}

type MatchedPayload struct {
	RideID string          `json:"ride_id"`
	Driver Actor           `json:"driver"`
	Loc    *Coord          `json:"loc,omitempty"`
	Extra  json.RawMessage `json:"extra,omitempty"`
}

type RideUpdatePayload struct {
	RideID string    `json:"ride_id"`
	State  RideState `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

type ChatReceivePayload struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type FleetUpdatePayload struct {
	ConnID string       `json:"conn_id"`
	Name   string       `json:"name,omitempty"`
	Loc    Coord        `json:"loc"`
	Status DriverStatus `json:"status"`
}

type AdminLogPayload struct {
	Severity string `json:"severity"`
	Msg      string `json:"msg"`
	ConnID   string `json:"conn_id,omitempty"`
	RideID   string `json:"ride_id,omitempty"`
}

type SOSBroadcastPayload struct {
	ConnID string          `json:"conn_id"`
	Name   string          `json:"name,omitempty"`
	Role   Role            `json:"role,omitempty"`
	Loc    *Coord          `json:"loc,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}
