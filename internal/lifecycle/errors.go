package lifecycle

import "github.com/example/ride-dispatch/internal/models"

// Error is a state-conflict or resource error with a machine-readable code
// that goes back to the caller verbatim in a ride_error event.
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Code + ": " + e.Msg }

var (
	ErrNoDrivers      = &Error{Code: models.CodeNoDrivers, Msg: "no drivers available in your area"}
	ErrAlreadyMatched = &Error{Code: models.CodeAlreadyMatched, Msg: "ride already taken by another driver"}
	ErrUnknownRide    = &Error{Code: models.CodeUnknownRide, Msg: "no such ride"}
	ErrNotOffered     = &Error{Code: models.CodeNotOffered, Msg: "ride was not offered to this connection"}
	ErrNotAvailable   = &Error{Code: models.CodeNotAvailable, Msg: "driver is not available"}
	ErrNotInRide      = &Error{Code: models.CodeNotInRide, Msg: "connection is not part of this ride"}
)
