// Package lifecycle owns the ride table and its state machine:
// searching → offered → accepted → active → completed, with cancelled and
// failed as the off-ramps. All transitions happen under one mutex so the
// accept race resolves to exactly one winner.
package lifecycle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Notifier delivers outbound events. Implementations must not block: the
// gateway backs this with buffered per-connection channels and drops on
// overflow rather than stalling the lifecycle.
type Notifier interface {
	Send(connID string, e models.Event)
	Admin(e models.Event)
}

// ride augments the public record with matching bookkeeping that never
// leaves this package.
type ride struct {
	models.Ride
	offeredTo string
	declined  map[string]bool
}

type Service struct {
	mu    sync.Mutex
	rides map[string]*ride

	reg    *registry.Registry
	engine *match.Engine
	store  storage.RideStore
	notify Notifier
	log    *slog.Logger

	newID func() string
	now   func() time.Time
}

func New(reg *registry.Registry, engine *match.Engine, store storage.RideStore, notify Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		rides:  make(map[string]*ride),
		reg:    reg,
		engine: engine,
		store:  store,
		notify: notify,
		log:    log,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// RequestRide creates a ride in searching state and immediately runs the
// matcher. On success the offer goes to exactly one driver and the ride is
// returned in offered state. With no driver in range the ride is failed,
// kept for audit, and ErrNoDrivers is returned for the gateway to answer
// the rider with.
func (s *Service) RequestRide(riderConnID string, p models.RequestRidePayload) (models.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &ride{
		Ride: models.Ride{
			ID:          s.newID(),
			RiderConnID: riderConnID,
			Pickup:      p.Pickup,
			Destination: p.Destination,
			Tier:        p.Tier,
			State:       models.RideSearching,
			CreatedAt:   s.now(),
		},
		declined: make(map[string]bool),
	}
	s.rides[r.ID] = r
	s.audit(r, true)

	if !s.tryOffer(r) {
		s.failLocked(r, models.CodeNoDrivers, false)
		return r.Ride, ErrNoDrivers
	}
	return r.Ride, nil
}

// tryOffer runs the matcher against the current snapshot of available
// drivers, excluding any that already declined this ride. The price is
// quoted on the first successful match and never recomputed.
func (s *Service) tryOffer(r *ride) bool {
	cands := s.reg.AvailableDrivers()
	filtered := cands[:0]
	for _, c := range cands {
		if !r.declined[c.ConnID] {
			filtered = append(filtered, c)
		}
	}

	res, ok := s.engine.SelectDriver(match.Request{Pickup: r.Pickup, Tier: r.Tier}, filtered)
	if !ok {
		return false
	}

	if r.Price == 0 {
		r.DistanceKm = res.DistanceKm
		r.Price = s.engine.Quote(res.DistanceKm)
	}
	r.State = models.RideOffered
	r.offeredTo = res.Driver.ConnID
	s.audit(r, false)
	observability.OffersTotal.Inc()

	s.notify.Send(res.Driver.ConnID, models.NewEvent(models.EvRideOffer, models.OfferPayload{
		RideID:      r.ID,
		Pickup:      r.Pickup,
		Destination: r.Destination,
		Tier:        r.Tier,
		DistanceKm:  res.DistanceKm,
		Price:       r.Price,
	}))
	s.adminLog("info", "ride offered", r.ID, res.Driver.ConnID)
	s.log.Info("offer sent", "ride_id", r.ID, "driver", res.Driver.ConnID, "distance_km", res.DistanceKm)
	return true
}

// Accept transitions offered → accepted for the one driver the offer was
// sent to. Everything is checked under the table lock, so a second accept
// for the same ride observes the accepted state and loses cleanly.
func (s *Service) Accept(driverConnID, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rides[rideID]
	if !ok {
		return ErrUnknownRide
	}
	switch r.State {
	case models.RideOffered:
		// checked further below
	case models.RideAccepted, models.RideActive:
		observability.AcceptConflicts.Inc()
		return ErrAlreadyMatched
	default:
		return ErrNotOffered
	}
	if r.offeredTo != driverConnID {
		return ErrNotOffered
	}
	drv, ok := s.reg.Get(driverConnID)
	if !ok || drv.Role != models.RoleDriver || drv.Status != models.StatusAvailable {
		return ErrNotAvailable
	}

	r.State = models.RideAccepted
	r.DriverConnID = driverConnID
	r.offeredTo = ""
	acceptedAt := s.now()
	r.AcceptedAt = &acceptedAt
	s.reg.SetBusy(driverConnID, true)
	s.audit(r, false)
	observability.MatchesTotal.Inc()

	s.notify.Send(r.RiderConnID, models.NewEvent(models.EvRideMatched, models.MatchedPayload{
		RideID: r.ID,
		Driver: drv,
		Loc:    drv.Loc,
	}))
	s.notify.Send(driverConnID, models.NewEvent(models.EvRideConfirm, models.OfferPayload{
		RideID:      r.ID,
		Pickup:      r.Pickup,
		Destination: r.Destination,
		Tier:        r.Tier,
		DistanceKm:  r.DistanceKm,
		Price:       r.Price,
	}))
	s.adminLog("info", "ride matched", r.ID, driverConnID)
	s.log.Info("ride accepted", "ride_id", r.ID, "driver", driverConnID)
	return nil
}

// Decline releases the offer and immediately re-runs the matcher against
// the remaining drivers. Exhausting the fleet fails the ride.
func (s *Service) Decline(driverConnID, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rides[rideID]
	if !ok {
		return ErrUnknownRide
	}
	if r.State != models.RideOffered || r.offeredTo != driverConnID {
		return ErrNotOffered
	}

	r.declined[driverConnID] = true
	r.State = models.RideSearching
	r.offeredTo = ""
	s.log.Info("offer declined", "ride_id", r.ID, "driver", driverConnID)

	if !s.tryOffer(r) {
		s.failLocked(r, models.CodeNoDrivers, true)
	}
	return nil
}

// Start confirms pickup: accepted → active, driver-initiated.
func (s *Service) Start(driverConnID, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rides[rideID]
	if !ok {
		return ErrUnknownRide
	}
	if r.State != models.RideAccepted || r.DriverConnID != driverConnID {
		return ErrNotInRide
	}
	r.State = models.RideActive
	s.audit(r, false)

	s.notify.Send(r.RiderConnID, models.NewEvent(models.EvRideStarted, models.RideUpdatePayload{
		RideID: r.ID, State: r.State,
	}))
	s.adminLog("info", "ride started", r.ID, driverConnID)
	return nil
}

// Finish completes an accepted or active ride. Either party may finish;
// the driver is released back to available.
func (s *Service) Finish(connID, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rides[rideID]
	if !ok {
		return ErrUnknownRide
	}
	if r.State != models.RideAccepted && r.State != models.RideActive {
		return ErrNotInRide
	}
	if connID != r.RiderConnID && connID != r.DriverConnID {
		return ErrNotInRide
	}

	r.State = models.RideCompleted
	s.reg.SetBusy(r.DriverConnID, false)
	s.audit(r, false)
	s.pruneLocked(r)
	observability.RidesByOutcome.WithLabelValues("completed").Inc()

	done := models.NewEvent(models.EvRideFinished, models.RideUpdatePayload{RideID: r.ID, State: r.State})
	s.notify.Send(r.RiderConnID, done)
	s.notify.Send(r.DriverConnID, done)
	s.adminLog("info", "ride finished", r.ID, r.DriverConnID)
	s.log.Info("ride finished", "ride_id", r.ID)
	return nil
}

// Cancel aborts any non-terminal ride. Riders may always cancel their own
// ride; drivers only one they were offered or matched to.
func (s *Service) Cancel(connID, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rides[rideID]
	if !ok {
		return ErrUnknownRide
	}
	if connID != r.RiderConnID && connID != r.DriverConnID && connID != r.offeredTo {
		return ErrNotInRide
	}

	s.cancelLocked(r, "cancelled by "+connID, connID)
	return nil
}

func (s *Service) cancelLocked(r *ride, reason, byConnID string) {
	wasBusy := r.State == models.RideAccepted || r.State == models.RideActive
	driver := r.DriverConnID
	offered := r.offeredTo

	r.State = models.RideCancelled
	r.offeredTo = ""
	if wasBusy && driver != "" {
		s.reg.SetBusy(driver, false)
	}
	s.audit(r, false)
	s.pruneLocked(r)
	observability.RidesByOutcome.WithLabelValues("cancelled").Inc()

	ev := models.NewEvent(models.EvRideCancelled, models.RideUpdatePayload{
		RideID: r.ID, State: r.State, Reason: reason,
	})
	for _, target := range []string{r.RiderConnID, driver, offered} {
		if target != "" && target != byConnID {
			s.notify.Send(target, ev)
		}
	}
	s.adminLog("warn", "ride cancelled", r.ID, driver)
	s.log.Info("ride cancelled", "ride_id", r.ID, "reason", reason)
}

// failLocked marks the ride failed and keeps it for audit. notifyRider is
// false only on the synchronous request path, where the gateway answers the
// rider directly.
func (s *Service) failLocked(r *ride, code string, notifyRider bool) {
	r.State = models.RideFailed
	r.offeredTo = ""
	s.audit(r, false)
	s.pruneLocked(r)
	observability.RidesByOutcome.WithLabelValues("failed").Inc()

	if notifyRider {
		s.notify.Send(r.RiderConnID, models.NewEvent(models.EvRideError, models.ErrorPayload{
			Code: code, Msg: failureMsg(code), RideID: r.ID,
		}))
	}
	s.adminLog("warn", "ride failed", r.ID, r.DriverConnID)
	s.log.Warn("ride failed", "ride_id", r.ID, "code", code)
}

func failureMsg(code string) string {
	switch code {
	case models.CodeNoDrivers:
		return "no drivers available in your area"
	default:
		return "ride failed"
	}
}

// DisconnectCleanup reconciles the ride table after an actor drops. The
// caller passes the last-known record returned by Registry.Remove.
func (s *Service) DisconnectCleanup(a models.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rides {
		switch {
		case r.RiderConnID == a.ConnID:
			s.cancelLocked(r, "rider disconnected", a.ConnID)

		case r.offeredTo == a.ConnID && r.State == models.RideOffered:
			// Drop the offer and re-match right away against whoever is left.
			r.declined[a.ConnID] = true
			r.State = models.RideSearching
			r.offeredTo = ""
			s.log.Info("offered driver disconnected, rematching", "ride_id", r.ID)
			if !s.tryOffer(r) {
				s.failLocked(r, models.CodeNoDrivers, true)
			}

		case r.DriverConnID == a.ConnID && (r.State == models.RideAccepted || r.State == models.RideActive):
			// Losing the matched driver mid-ride borders on an emergency.
			r.State = models.RideFailed
			s.audit(r, false)
			s.pruneLocked(r)
			observability.RidesByOutcome.WithLabelValues("failed").Inc()
			s.notify.Send(r.RiderConnID, models.NewEvent(models.EvRideFailed, models.RideUpdatePayload{
				RideID: r.ID, State: r.State, Reason: "driver disconnected",
			}))
			s.adminLog("error", "driver lost mid-ride", r.ID, a.ConnID)
			s.log.Error("driver disconnected mid-ride", "ride_id", r.ID, "driver", a.ConnID)
		}
	}
}

// Linked reports whether a live ride joins the two connections, either as
// rider/matched-driver or rider/offered-driver. The chat relay uses this to
// keep messages inside a ride.
func (s *Service) Linked(a, b string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rides {
		peers := map[string]bool{r.RiderConnID: true}
		if r.DriverConnID != "" {
			peers[r.DriverConnID] = true
		}
		if r.offeredTo != "" {
			peers[r.offeredTo] = true
		}
		if peers[a] && peers[b] {
			return true
		}
	}
	return false
}

// Get returns a copy of the ride record: live rides from the table, finished
// ones from the audit store.
func (s *Service) Get(rideID string) (models.Ride, bool) {
	s.mu.Lock()
	if r, ok := s.rides[rideID]; ok {
		out := r.Ride
		s.mu.Unlock()
		return out, true
	}
	s.mu.Unlock()

	if s.store == nil {
		return models.Ride{}, false
	}
	r, err := s.store.GetRide(rideID)
	if err != nil {
		return models.Ride{}, false
	}
	return r, true
}

// InFlight counts live rides. Terminal rides are pruned from the table, so
// this is just its size.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rides)
}

// pruneLocked drops a terminal ride from the live table; the audit store
// keeps the record. Chat and disconnect scans then only ever walk live rides.
func (s *Service) pruneLocked(r *ride) {
	delete(s.rides, r.ID)
}

func (s *Service) audit(r *ride, created bool) {
	if s.store == nil {
		return
	}
	var err error
	if created {
		err = s.store.SaveRide(&r.Ride)
	} else {
		err = s.store.UpdateRide(&r.Ride)
	}
	if err != nil {
		s.log.Warn("ride audit write failed", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) adminLog(severity, msg, rideID, connID string) {
	s.notify.Admin(models.NewEvent(models.EvAdminLog, models.AdminLogPayload{
		Severity: severity, Msg: msg, RideID: rideID, ConnID: connID,
	}))
}
