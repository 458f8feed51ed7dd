package gateway

import (
	"encoding/json"
	"errors"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// dispatch routes one inbound event. The event set is closed: every type is
// either handled here or rejected, so a new message kind cannot be silently
// ignored.
func (g *Gateway) dispatch(c *Client, ev models.Event) {
	observability.EventsInbound.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case models.EvRegister:
		g.handleRegister(c, ev.Data)
	case models.EvTelemetryUpdate:
		g.handleTelemetry(c, ev.Data)
	case models.EvDriverSetStatus:
		g.handleSetStatus(c, ev.Data)
	case models.EvRequestRide:
		g.handleRequestRide(c, ev.Data)
	case models.EvDriverAccept:
		g.handleRideRef(c, ev.Data, g.rides.Accept)
	case models.EvDriverDecline:
		g.handleRideRef(c, ev.Data, g.rides.Decline)
	case models.EvStartRide:
		g.handleRideRef(c, ev.Data, g.rides.Start)
	case models.EvFinishRide:
		g.handleRideRef(c, ev.Data, g.rides.Finish)
	case models.EvCancelRide:
		g.handleRideRef(c, ev.Data, g.rides.Cancel)
	case models.EvChatMessage:
		g.handleChat(c, ev.Data)
	case models.EvSOSAlert:
		g.handleSOS(c, ev.Data)
	default:
		c.enqueue(errorEvent(models.CodeInvalidPayload, "unknown event type: "+string(ev.Type), ""))
	}
}

func (g *Gateway) handleRegister(c *Client, data json.RawMessage) {
	var p models.RegisterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueue(errorEvent(models.CodeInvalidPayload, "bad register payload", ""))
		return
	}
	switch p.Role {
	case models.RoleRider, models.RoleDriver, models.RoleAdmin:
	default:
		c.enqueue(errorEvent(models.CodeInvalidPayload, "unknown role", ""))
		return
	}

	prev, hadPrev := g.reg.Get(c.id)
	a := g.reg.Register(c.id, p)
	if a.Role == models.RoleAdmin {
		g.joinAdmins(c.id)
	}
	// Re-registering under a different role abandons the old identity; its
	// live rides are reconciled the same way a disconnect would be, and a
	// former admin drops out of the broadcast group.
	if hadPrev && prev.Role != a.Role {
		if prev.Role == models.RoleAdmin {
			g.leaveAdmins(c.id)
		}
		g.rides.DisconnectCleanup(prev)
	}
	g.refreshDriverGauge()

	c.enqueue(models.NewEvent(models.EvSysMsg, map[string]string{
		"msg": "registered as " + string(a.Role),
	}))
	g.Admin(models.NewEvent(models.EvAdminLog, models.AdminLogPayload{
		Severity: "info",
		Msg:      string(a.Role) + " registered: " + a.Name,
		ConnID:   c.id,
	}))
	g.log.Info("actor registered", "conn_id", c.id, "role", string(a.Role), "name", a.Name)
}

func (g *Gateway) handleTelemetry(c *Client, data json.RawMessage) {
	var p models.TelemetryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueue(errorEvent(models.CodeInvalidPayload, "bad telemetry payload", ""))
		return
	}
	// Unknown connection id: telemetry raced a disconnect, drop silently.
	a, ok := g.reg.UpdateLocation(c.id, p.Loc)
	if !ok {
		return
	}
	if a.Role != models.RoleDriver {
		return
	}

	go g.publishTelemetry(a)
	g.Admin(models.NewEvent(models.EvFleetUpdate, models.FleetUpdatePayload{
		ConnID: a.ConnID,
		Name:   a.Name,
		Loc:    p.Loc,
		Status: a.Status,
	}))
}

func (g *Gateway) handleSetStatus(c *Client, data json.RawMessage) {
	var p models.SetStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueue(errorEvent(models.CodeInvalidPayload, "bad status payload", ""))
		return
	}
	status := models.StatusOffline
	if p.Online {
		status = models.StatusAvailable
	}
	a, ok := g.reg.SetDriverStatus(c.id, status)
	if !ok {
		if a.Status == models.StatusBusy {
			c.enqueue(errorEvent(models.CodeNotAvailable, "cannot change status during a live ride", ""))
		} else {
			c.enqueue(errorEvent(models.CodeInvalidPayload, "connection is not a driver", ""))
		}
		return
	}
	g.refreshDriverGauge()

	g.Admin(models.NewEvent(models.EvAdminLog, models.AdminLogPayload{
		Severity: "info",
		Msg:      "driver " + a.Name + " is now " + string(status),
		ConnID:   c.id,
	}))
	g.log.Info("driver status", "conn_id", c.id, "status", string(status))
}

func (g *Gateway) handleRequestRide(c *Client, data json.RawMessage) {
	var p models.RequestRidePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueue(errorEvent(models.CodeInvalidPayload, "bad ride request", ""))
		return
	}
	a, ok := g.reg.Get(c.id)
	if !ok || a.Role != models.RoleRider {
		c.enqueue(errorEvent(models.CodeInvalidPayload, "connection is not a registered rider", ""))
		return
	}

	r, err := g.rides.RequestRide(c.id, p)
	if err != nil {
		g.sendLifecycleError(c, err, r.ID)
		return
	}
	c.enqueue(models.NewEvent(models.EvRideRequested, models.OfferPayload{
		RideID:      r.ID,
		Pickup:      r.Pickup,
		Destination: r.Destination,
		Tier:        r.Tier,
		DistanceKm:  r.DistanceKm,
		Price:       r.Price,
	}))
}

// handleRideRef covers every inbound event that is just a ride id plus the
// sender identity: accept, decline, start, finish, cancel.
func (g *Gateway) handleRideRef(c *Client, data json.RawMessage, op func(connID, rideID string) error) {
	var p models.RideRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RideID == "" {
		c.enqueue(errorEvent(models.CodeInvalidPayload, "missing ride_id", ""))
		return
	}
	if err := op(c.id, p.RideID); err != nil {
		g.sendLifecycleError(c, err, p.RideID)
	}
}

func (g *Gateway) handleChat(c *Client, data json.RawMessage) {
	var p models.ChatPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TargetID == "" {
		c.enqueue(errorEvent(models.CodeInvalidPayload, "bad chat payload", ""))
		return
	}
	if !g.rides.Linked(c.id, p.TargetID) {
		c.enqueue(errorEvent(models.CodeNotInRide, "no shared ride with target", ""))
		return
	}
	g.Send(p.TargetID, models.NewEvent(models.EvChatReceive, models.ChatReceivePayload{
		Sender: c.id,
		Text:   p.Text,
	}))
}

// handleSOS fans the alert out to the admin group immediately. It must never
// be dropped: an unparsable payload or a missing actor record still produces
// a broadcast carrying whatever identity we have.
func (g *Gateway) handleSOS(c *Client, data json.RawMessage) {
	var p models.SOSPayload
	_ = json.Unmarshal(data, &p)

	out := models.SOSBroadcastPayload{ConnID: c.id, Detail: p.Detail}
	if a, ok := g.reg.Get(c.id); ok {
		out.Name = a.Name
		out.Role = a.Role
		out.Loc = a.Loc
	}
	g.Admin(models.NewEvent(models.EvSOSBroadcast, out))
	observability.SOSAlerts.Inc()
	g.log.Error("sos alert", "conn_id", c.id)
}

func (g *Gateway) sendLifecycleError(c *Client, err error, rideID string) {
	var lerr *lifecycle.Error
	if errors.As(err, &lerr) {
		c.enqueue(errorEvent(lerr.Code, lerr.Msg, rideID))
		return
	}
	c.enqueue(errorEvent(models.CodeInvalidPayload, "request rejected", rideID))
}
