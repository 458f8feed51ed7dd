// Package registry tracks every connected actor (riders, drivers, admins)
// keyed by connection id. It is the single owner of actor state; all other
// components see copies taken through Snapshot or Get.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Registry struct {
	mu     sync.RWMutex
	actors map[string]*models.Actor
	seq    uint64
	log    *slog.Logger
	now    func() time.Time
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		actors: make(map[string]*models.Actor),
		log:    log,
		now:    time.Now,
	}
}

// Register upserts the actor for connID. A reused connection id should not
// happen with a well-behaved transport; it is logged as a protocol violation
// and the stale entry is overwritten. The busy flag is owned by the ride
// lifecycle, so a busy driver re-registering as a driver stays busy instead
// of silently detaching from its ride.
func (r *Registry) Register(connID string, p models.RegisterPayload) models.Actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.actors[connID]
	if exists {
		r.log.Warn("register over live connection id", "conn_id", connID)
	}
	r.seq++
	a := &models.Actor{
		ConnID:     connID,
		Role:       p.Role,
		Name:       p.Name,
		Profile:    p.Profile,
		Tier:       p.Tier,
		LastUpdate: r.now(),
		Seq:        r.seq,
	}
	if p.Role == models.RoleDriver {
		a.Status = models.StatusOffline
		if exists && prev.Role == models.RoleDriver && prev.Status == models.StatusBusy {
			a.Status = models.StatusBusy
		}
	}
	if p.Loc != nil && p.Loc.Valid() {
		loc := *p.Loc
		a.Loc = &loc
	}
	r.actors[connID] = a
	return clone(a)
}

// UpdateLocation stores new telemetry. Unknown ids are a silent no-op:
// telemetry legitimately races disconnects.
func (r *Registry) UpdateLocation(connID string, c models.Coord) (models.Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actors[connID]
	if !ok {
		return models.Actor{}, false
	}
	loc := c
	a.Loc = &loc
	a.LastUpdate = r.now()
	return clone(a), true
}

// SetDriverStatus toggles a driver between available and offline. Busy is
// owned by the ride lifecycle and set through SetBusy; a busy driver cannot
// toggle itself out of a live ride and is refused with its current record.
// Non-driver callers are logged and ignored.
func (r *Registry) SetDriverStatus(connID string, status models.DriverStatus) (models.Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actors[connID]
	if !ok || a.Role != models.RoleDriver {
		r.log.Warn("status change for non-driver connection", "conn_id", connID)
		return models.Actor{}, false
	}
	if a.Status == models.StatusBusy {
		r.log.Warn("status change refused for busy driver", "conn_id", connID)
		return clone(a), false
	}
	a.Status = status
	a.LastUpdate = r.now()
	return clone(a), true
}

// SetBusy flips a driver between busy and available on behalf of the ride
// lifecycle. Returns false if the connection is gone or not a driver.
func (r *Registry) SetBusy(connID string, busy bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actors[connID]
	if !ok || a.Role != models.RoleDriver {
		return false
	}
	if busy {
		a.Status = models.StatusBusy
	} else {
		a.Status = models.StatusAvailable
	}
	a.LastUpdate = r.now()
	return true
}

// Remove deletes the actor and reports whether it existed together with its
// last-known state, so callers can clean up orphaned rides. Removing an
// already-removed id is a no-op.
func (r *Registry) Remove(connID string) (models.Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actors[connID]
	if !ok {
		return models.Actor{}, false
	}
	delete(r.actors, connID)
	return clone(a), true
}

// Get returns a copy of the actor.
func (r *Registry) Get(connID string) (models.Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actors[connID]
	if !ok {
		return models.Actor{}, false
	}
	return clone(a), true
}

// Snapshot returns copies of all actors matching filter, in registration
// order. A nil filter matches everything. Mutating the returned slice does
// not touch registry state.
func (r *Registry) Snapshot(filter func(models.Actor) bool) []models.Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Actor, 0, len(r.actors))
	for _, a := range r.actors {
		if filter == nil || filter(*a) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// AvailableDrivers is the common matcher query.
func (r *Registry) AvailableDrivers() []models.Actor {
	return r.Snapshot(func(a models.Actor) bool {
		return a.Role == models.RoleDriver && a.Status == models.StatusAvailable
	})
}

// clone copies the actor including its location so callers can never reach
// back into registry-owned memory.
func clone(a *models.Actor) models.Actor {
	out := *a
	if a.Loc != nil {
		loc := *a.Loc
		out.Loc = &loc
	}
	return out
}
