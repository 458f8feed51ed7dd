// Package match selects the driver for a ride request from a registry
// snapshot. It is pure: no state, no I/O, deterministic for a given input.
package match

import (
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	DefaultRadiusKm  = 10.0
	DefaultBaseFare  = 15.0
	DefaultPerKmRate = 2.5
)

type Engine struct {
	RadiusKm  float64
	BaseFare  float64
	PerKmRate float64
}

func NewEngine(radiusKm, baseFare, perKmRate float64) *Engine {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &Engine{RadiusKm: radiusKm, BaseFare: baseFare, PerKmRate: perKmRate}
}

// Request is the slice of a ride request the engine needs.
type Request struct {
	Pickup models.Coord
	Tier   string
}

// Result carries the chosen driver and the distance used for the quote.
type Result struct {
	Driver     models.Actor
	DistanceKm float64
}

// SelectDriver picks the nearest available driver within the search radius.
//
// Candidates must already be a snapshot (the engine never mutates them).
// Filtering: status must be available; if the request names a tier, only
// drivers of that tier qualify. Ranking: ascending great-circle distance,
// ties broken by most recent LastUpdate, then by connection id. Candidates
// without location data carry the sentinel distance and therefore fall
// outside any sane radius.
//
// Cold start: when no qualifying candidate has location data at all, the
// first available driver in registration order is chosen with the sentinel
// distance. This fallback is deliberate (simulation feeds send no GPS) and
// covered by tests.
func (e *Engine) SelectDriver(req Request, candidates []models.Actor) (Result, bool) {
	var (
		best     models.Actor
		bestDist = math.Inf(1)
		found    bool
		located  bool
	)
	var firstAvail models.Actor
	var haveFirst bool

	for _, d := range candidates {
		if d.Status != models.StatusAvailable {
			continue
		}
		if req.Tier != "" && d.Tier != "" && d.Tier != req.Tier {
			continue
		}
		if !haveFirst {
			firstAvail, haveFirst = d, true
		}
		if d.HasLocation() {
			located = true
		}

		dist := geo.SentinelKm
		if d.Loc != nil {
			dist = geo.DistanceKm(req.Pickup, *d.Loc)
		}
		if dist > e.RadiusKm {
			continue
		}
		if !found || dist < bestDist || (dist == bestDist && wins(d, best)) {
			best, bestDist, found = d, dist, true
		}
	}

	if found {
		return Result{Driver: best, DistanceKm: bestDist}, true
	}
	// No candidate in radius. Only fall back when location data is absent
	// across the board; a fleet that reports positions but is all out of
	// range is a genuine NO_DRIVERS_AVAILABLE.
	if !located && haveFirst {
		return Result{Driver: firstAvail, DistanceKm: geo.SentinelKm}, true
	}
	return Result{}, false
}

// wins breaks a distance tie: most recently confirmed online first, then
// lowest connection id for determinism.
func wins(a, b models.Actor) bool {
	if !a.LastUpdate.Equal(b.LastUpdate) {
		return a.LastUpdate.After(b.LastUpdate)
	}
	return a.ConnID < b.ConnID
}

// Quote computes the fare once at request time: base plus per-km rate,
// rounded to cents. A sentinel distance quotes the base fare alone rather
// than an absurd number.
func (e *Engine) Quote(distanceKm float64) float64 {
	base := e.BaseFare
	if base == 0 {
		base = DefaultBaseFare
	}
	rate := e.PerKmRate
	if rate == 0 {
		rate = DefaultPerKmRate
	}
	if distanceKm >= geo.SentinelKm {
		distanceKm = 0
	}
	return math.Round((base+distanceKm*rate)*100) / 100
}
