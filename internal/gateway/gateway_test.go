package gateway

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestGateway() *Gateway {
	reg := registry.New(slog.Default())
	g := New(reg, slog.Default())
	rides := lifecycle.New(reg, match.NewEngine(10, 15, 2.5), storage.NewMemoryStore(), g, slog.Default())
	g.Bind(rides)
	return g
}

// testClient attaches a connection-less client; handlers only ever touch the
// send channel, so no websocket is needed.
func testClient(g *Gateway, id string) *Client {
	c := newClient(id, nil, g)
	g.mu.Lock()
	g.clients[id] = c
	g.mu.Unlock()
	return c
}

func drain(t *testing.T, c *Client) []models.Event {
	t.Helper()
	var out []models.Event
	for {
		select {
		case b := <-c.send:
			var e models.Event
			if err := json.Unmarshal(b, &e); err != nil {
				t.Fatalf("bad outbound frame: %v", err)
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func lastOfType(events []models.Event, tp models.EventType) (models.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == tp {
			return events[i], true
		}
	}
	return models.Event{}, false
}

func register(g *Gateway, c *Client, role models.Role, name string) {
	g.dispatch(c, models.NewEvent(models.EvRegister, models.RegisterPayload{Role: role, Name: name}))
}

func TestUnknownEventTypeRejected(t *testing.T) {
	g := newTestGateway()
	c := testClient(g, "c1")
	g.dispatch(c, models.Event{Type: "launch_rocket"})

	ev, ok := lastOfType(drain(t, c), models.EvRideError)
	if !ok {
		t.Fatal("expected ride_error for unknown event type")
	}
	var p models.ErrorPayload
	json.Unmarshal(ev.Data, &p)
	if p.Code != models.CodeInvalidPayload {
		t.Fatalf("expected INVALID_PAYLOAD, got %s", p.Code)
	}
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	g := newTestGateway()
	c := testClient(g, "c1")
	g.dispatch(c, models.NewEvent(models.EvRegister, models.RegisterPayload{Role: "alien"}))

	if _, ok := lastOfType(drain(t, c), models.EvRideError); !ok {
		t.Fatal("expected rejection for unknown role")
	}
	if _, exists := g.reg.Get("c1"); exists {
		t.Fatal("rejected register must not create an actor")
	}
}

func TestAdminReceivesFleetUpdates(t *testing.T) {
	g := newTestGateway()
	admin := testClient(g, "admin")
	driver := testClient(g, "driver")
	register(g, admin, models.RoleAdmin, "ops")
	register(g, driver, models.RoleDriver, "dave")
	drain(t, admin)

	g.dispatch(driver, models.NewEvent(models.EvTelemetryUpdate, models.TelemetryPayload{
		Loc: models.Coord{Lat: 1, Lon: 1},
	}))

	ev, ok := lastOfType(drain(t, admin), models.EvFleetUpdate)
	if !ok {
		t.Fatal("admin must receive fleet_update")
	}
	var p models.FleetUpdatePayload
	json.Unmarshal(ev.Data, &p)
	if p.ConnID != "driver" || p.Loc.Lat != 1 {
		t.Fatalf("bad fleet update: %+v", p)
	}
}

func TestRiderTelemetryNotMirroredToAdmins(t *testing.T) {
	g := newTestGateway()
	admin := testClient(g, "admin")
	rider := testClient(g, "rider")
	register(g, admin, models.RoleAdmin, "ops")
	register(g, rider, models.RoleRider, "rae")
	drain(t, admin)

	g.dispatch(rider, models.NewEvent(models.EvTelemetryUpdate, models.TelemetryPayload{
		Loc: models.Coord{Lat: 2, Lon: 2},
	}))
	if _, ok := lastOfType(drain(t, admin), models.EvFleetUpdate); ok {
		t.Fatal("rider telemetry must not hit the fleet stream")
	}
}

func TestSOSReachesAdminsEvenUnregistered(t *testing.T) {
	g := newTestGateway()
	admin := testClient(g, "admin")
	register(g, admin, models.RoleAdmin, "ops")
	drain(t, admin)

	ghost := testClient(g, "ghost")
	g.dispatch(ghost, models.NewEvent(models.EvSOSAlert, models.SOSPayload{}))

	ev, ok := lastOfType(drain(t, admin), models.EvSOSBroadcast)
	if !ok {
		t.Fatal("sos must never be dropped")
	}
	var p models.SOSBroadcastPayload
	json.Unmarshal(ev.Data, &p)
	if p.ConnID != "ghost" {
		t.Fatalf("sos must carry sender identity, got %+v", p)
	}
}

func TestSOSCarriesLastKnownLocation(t *testing.T) {
	g := newTestGateway()
	admin := testClient(g, "admin")
	driver := testClient(g, "driver")
	register(g, admin, models.RoleAdmin, "ops")
	register(g, driver, models.RoleDriver, "dave")
	g.dispatch(driver, models.NewEvent(models.EvTelemetryUpdate, models.TelemetryPayload{
		Loc: models.Coord{Lat: 3, Lon: 4},
	}))
	drain(t, admin)

	g.dispatch(driver, models.NewEvent(models.EvSOSAlert, models.SOSPayload{}))
	ev, _ := lastOfType(drain(t, admin), models.EvSOSBroadcast)
	var p models.SOSBroadcastPayload
	json.Unmarshal(ev.Data, &p)
	if p.Loc == nil || p.Loc.Lat != 3 || p.Loc.Lon != 4 {
		t.Fatalf("sos must carry last known location, got %+v", p)
	}
}

func TestChatRequiresSharedRide(t *testing.T) {
	g := newTestGateway()
	a := testClient(g, "a")
	b := testClient(g, "b")
	register(g, a, models.RoleRider, "a")
	register(g, b, models.RoleRider, "b")

	g.dispatch(a, models.NewEvent(models.EvChatMessage, models.ChatPayload{TargetID: "b", Text: "hi"}))
	if _, ok := lastOfType(drain(t, a), models.EvRideError); !ok {
		t.Fatal("chat outside a ride must be rejected")
	}
	if events := drain(t, b); len(events) > 1 { // only the register sys_msg
		t.Fatalf("target must not receive relayed chat, got %+v", events)
	}
}

func TestFullDispatchFlow(t *testing.T) {
	g := newTestGateway()
	rider := testClient(g, "rider")
	driver := testClient(g, "driver")
	register(g, rider, models.RoleRider, "rae")
	register(g, driver, models.RoleDriver, "dave")
	g.dispatch(driver, models.NewEvent(models.EvDriverSetStatus, models.SetStatusPayload{Online: true}))
	g.dispatch(driver, models.NewEvent(models.EvTelemetryUpdate, models.TelemetryPayload{
		Loc: models.Coord{Lat: 0.0101, Lon: 0.0101},
	}))
	drain(t, rider)
	drain(t, driver)

	g.dispatch(rider, models.NewEvent(models.EvRequestRide, models.RequestRidePayload{
		Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001},
	}))

	offer, ok := lastOfType(drain(t, driver), models.EvRideOffer)
	if !ok {
		t.Fatal("driver must receive the offer")
	}
	var op models.OfferPayload
	json.Unmarshal(offer.Data, &op)
	if op.RideID == "" || op.Price <= 15 {
		t.Fatalf("bad offer payload: %+v", op)
	}
	ack, ok := lastOfType(drain(t, rider), models.EvRideRequested)
	if !ok {
		t.Fatal("rider must receive the request ack")
	}
	var ap models.OfferPayload
	json.Unmarshal(ack.Data, &ap)
	if ap.Price != op.Price {
		t.Fatalf("quote mismatch rider=%f driver=%f", ap.Price, op.Price)
	}

	g.dispatch(driver, models.NewEvent(models.EvDriverAccept, models.RideRefPayload{RideID: op.RideID}))
	if _, ok := lastOfType(drain(t, rider), models.EvRideMatched); !ok {
		t.Fatal("rider must receive ride_matched")
	}
	if _, ok := lastOfType(drain(t, driver), models.EvRideConfirm); !ok {
		t.Fatal("driver must receive ride_confirm")
	}

	// chat now flows between the matched pair
	g.dispatch(rider, models.NewEvent(models.EvChatMessage, models.ChatPayload{TargetID: "driver", Text: "here"}))
	if _, ok := lastOfType(drain(t, driver), models.EvChatReceive); !ok {
		t.Fatal("matched driver must receive chat")
	}

	g.dispatch(driver, models.NewEvent(models.EvFinishRide, models.RideRefPayload{RideID: op.RideID}))
	if _, ok := lastOfType(drain(t, rider), models.EvRideFinished); !ok {
		t.Fatal("rider must receive ride_finished")
	}
}

func TestRequestRideRequiresRegisteredRider(t *testing.T) {
	g := newTestGateway()
	c := testClient(g, "c1")
	g.dispatch(c, models.NewEvent(models.EvRequestRide, models.RequestRidePayload{
		Pickup: models.Coord{Lat: 1, Lon: 1},
	}))
	if _, ok := lastOfType(drain(t, c), models.EvRideError); !ok {
		t.Fatal("unregistered request must be rejected")
	}
}

func TestNoDriversYieldsErrorCode(t *testing.T) {
	g := newTestGateway()
	rider := testClient(g, "rider")
	register(g, rider, models.RoleRider, "rae")
	drain(t, rider)

	g.dispatch(rider, models.NewEvent(models.EvRequestRide, models.RequestRidePayload{
		Pickup: models.Coord{Lat: 1, Lon: 1},
	}))
	ev, ok := lastOfType(drain(t, rider), models.EvRideError)
	if !ok {
		t.Fatal("expected ride_error")
	}
	var p models.ErrorPayload
	json.Unmarshal(ev.Data, &p)
	if p.Code != models.CodeNoDrivers {
		t.Fatalf("expected NO_DRIVERS_AVAILABLE, got %s", p.Code)
	}
}

// matchRide walks rider+driver through request and accept, returning the
// ride id.
func matchRide(t *testing.T, g *Gateway, rider, driver *Client) string {
	t.Helper()
	g.dispatch(driver, models.NewEvent(models.EvDriverSetStatus, models.SetStatusPayload{Online: true}))
	g.dispatch(driver, models.NewEvent(models.EvTelemetryUpdate, models.TelemetryPayload{
		Loc: models.Coord{Lat: 0.0101, Lon: 0.0101},
	}))
	g.dispatch(rider, models.NewEvent(models.EvRequestRide, models.RequestRidePayload{
		Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001},
	}))
	offer, ok := lastOfType(drain(t, driver), models.EvRideOffer)
	if !ok {
		t.Fatal("driver must receive the offer")
	}
	var op models.OfferPayload
	json.Unmarshal(offer.Data, &op)
	g.dispatch(driver, models.NewEvent(models.EvDriverAccept, models.RideRefPayload{RideID: op.RideID}))
	drain(t, rider)
	drain(t, driver)
	return op.RideID
}

func TestStatusToggleCannotDoubleBookDriver(t *testing.T) {
	g := newTestGateway()
	rider := testClient(g, "rider")
	second := testClient(g, "second")
	driver := testClient(g, "driver")
	register(g, rider, models.RoleRider, "rae")
	register(g, second, models.RoleRider, "sam")
	register(g, driver, models.RoleDriver, "dave")
	rideID := matchRide(t, g, rider, driver)

	// Mid-ride status flip must bounce off the lifecycle-owned busy flag.
	g.dispatch(driver, models.NewEvent(models.EvDriverSetStatus, models.SetStatusPayload{Online: true}))
	ev, ok := lastOfType(drain(t, driver), models.EvRideError)
	if !ok {
		t.Fatal("busy driver toggling status must get an error")
	}
	var p models.ErrorPayload
	json.Unmarshal(ev.Data, &p)
	if p.Code != models.CodeNotAvailable {
		t.Fatalf("expected NOT_AVAILABLE, got %s", p.Code)
	}

	drain(t, second)
	g.dispatch(second, models.NewEvent(models.EvRequestRide, models.RequestRidePayload{
		Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001},
	}))
	ev, ok = lastOfType(drain(t, second), models.EvRideError)
	if !ok {
		t.Fatal("second rider must be told no drivers remain")
	}
	json.Unmarshal(ev.Data, &p)
	if p.Code != models.CodeNoDrivers {
		t.Fatalf("expected NO_DRIVERS_AVAILABLE, got %s", p.Code)
	}
	if r, _ := g.rides.Get(rideID); r.State != models.RideAccepted || r.DriverConnID != "driver" {
		t.Fatalf("first ride must stay intact: %+v", r)
	}
}

func TestReRegisterAsRiderFailsLiveRide(t *testing.T) {
	g := newTestGateway()
	rider := testClient(g, "rider")
	driver := testClient(g, "driver")
	register(g, rider, models.RoleRider, "rae")
	register(g, driver, models.RoleDriver, "dave")
	rideID := matchRide(t, g, rider, driver)

	register(g, driver, models.RoleRider, "dave-as-rider")

	if _, ok := lastOfType(drain(t, rider), models.EvRideFailed); !ok {
		t.Fatal("rider must learn the driver abandoned the ride")
	}
	if r, _ := g.rides.Get(rideID); r.State != models.RideFailed {
		t.Fatalf("expected failed, got %s", r.State)
	}
}

// stallPublisher blocks inside PublishTelemetry until released, to prove the
// read loop never waits on a telemetry sink.
type stallPublisher struct {
	started chan models.Actor
	release chan struct{}
}

func (s *stallPublisher) PublishTelemetry(a models.Actor) error {
	s.started <- a
	<-s.release
	return nil
}

func TestTelemetryPublishDoesNotBlockDispatch(t *testing.T) {
	g := newTestGateway()
	pub := &stallPublisher{started: make(chan models.Actor, 1), release: make(chan struct{})}
	g.WithKafka(pub)
	defer close(pub.release)

	driver := testClient(g, "driver")
	register(g, driver, models.RoleDriver, "dave")

	done := make(chan struct{})
	go func() {
		g.dispatch(driver, models.NewEvent(models.EvTelemetryUpdate, models.TelemetryPayload{
			Loc: models.Coord{Lat: 1, Lon: 1},
		}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked behind a stalled telemetry sink")
	}
	select {
	case a := <-pub.started:
		if a.ConnID != "driver" {
			t.Fatalf("published wrong actor: %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("telemetry publish never attempted")
	}
}

func TestMalformedPayloadDoesNotPanic(t *testing.T) {
	g := newTestGateway()
	c := testClient(g, "c1")
	for _, tp := range []models.EventType{
		models.EvRegister, models.EvTelemetryUpdate, models.EvDriverSetStatus,
		models.EvRequestRide, models.EvDriverAccept, models.EvChatMessage,
	} {
		g.dispatch(c, models.Event{Type: tp, Data: json.RawMessage(`{"bad`)})
	}
	// every malformed event answers with an error, none crashes the loop
	events := drain(t, c)
	errs := 0
	for _, e := range events {
		if e.Type == models.EvRideError {
			errs++
		}
	}
	if errs < 5 {
		t.Fatalf("expected error responses for malformed payloads, got %d", errs)
	}
}
