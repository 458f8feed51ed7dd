package match

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

func driverAt(id string, lat, lon float64) models.Actor {
	return models.Actor{
		ConnID: id,
		Role:   models.RoleDriver,
		Status: models.StatusAvailable,
		Loc:    &models.Coord{Lat: lat, Lon: lon},
	}
}

func TestNearestWithinRadius(t *testing.T) {
	e := NewEngine(10, 15, 2.5)
	pickup := models.Coord{Lat: 0.0001, Lon: 0.0001}
	// latitude offsets chosen for ~2.0, 5.5, 9.9 and 12.0 km
	cands := []models.Actor{
		driverAt("far", 0.0892, 0.0001),
		driverAt("near", 0.0181, 0.0001),
		driverAt("mid", 0.0496, 0.0001),
		driverAt("outside", 0.1081, 0.0001),
	}

	res, ok := e.SelectDriver(Request{Pickup: pickup}, cands)
	if !ok {
		t.Fatal("expected a match")
	}
	if res.Driver.ConnID != "near" {
		t.Fatalf("expected nearest driver, got %s", res.Driver.ConnID)
	}
	if res.DistanceKm > 2.2 {
		t.Fatalf("unexpected distance %f", res.DistanceKm)
	}
}

func TestDriverBeyondRadiusNeverConsidered(t *testing.T) {
	e := NewEngine(10, 15, 2.5)
	cands := []models.Actor{driverAt("outside", 0.1081, 0.0001)}
	if _, ok := e.SelectDriver(Request{Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001}}, cands); ok {
		t.Fatal("driver at ~12 km must not match a 10 km radius")
	}
}

func TestDegenerateCoordinatesNeverBeatRealOnes(t *testing.T) {
	e := NewEngine(10, 15, 2.5)
	noGPS := models.Actor{ConnID: "blind", Role: models.RoleDriver, Status: models.StatusAvailable}
	zeroGPS := driverAt("zero", 0, 0)
	near := driverAt("near", 0.0181, 0.0001)

	res, ok := e.SelectDriver(Request{Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001}},
		[]models.Actor{noGPS, zeroGPS, near})
	if !ok || res.Driver.ConnID != "near" {
		t.Fatalf("expected located driver to win, got %+v ok=%v", res.Driver.ConnID, ok)
	}
}

func TestColdStartFallbackByInsertionOrder(t *testing.T) {
	e := NewEngine(10, 15, 2.5)
	a := models.Actor{ConnID: "first", Role: models.RoleDriver, Status: models.StatusAvailable, Seq: 1}
	b := models.Actor{ConnID: "second", Role: models.RoleDriver, Status: models.StatusAvailable, Seq: 2}

	res, ok := e.SelectDriver(Request{Pickup: models.Coord{Lat: 1, Lon: 1}}, []models.Actor{a, b})
	if !ok {
		t.Fatal("expected cold-start fallback to match")
	}
	if res.Driver.ConnID != "first" {
		t.Fatalf("expected first-registered driver, got %s", res.Driver.ConnID)
	}
	if res.DistanceKm != geo.SentinelKm {
		t.Fatalf("fallback must carry sentinel distance, got %f", res.DistanceKm)
	}
}

func TestNoFallbackWhenFleetReportsPositions(t *testing.T) {
	e := NewEngine(10, 15, 2.5)
	// located but out of range: a genuine no-drivers outcome, not a fallback
	cands := []models.Actor{driverAt("far", 5, 5)}
	if _, ok := e.SelectDriver(Request{Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001}}, cands); ok {
		t.Fatal("expected no match when all located drivers are out of range")
	}
}

func TestTierFilter(t *testing.T) {
	e := NewEngine(10, 15, 2.5)
	lux := driverAt("lux", 0.05, 0.0001)
	lux.Tier = "black"
	economy := driverAt("eco", 0.0181, 0.0001)
	economy.Tier = "economy"

	res, ok := e.SelectDriver(Request{Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001}, Tier: "black"},
		[]models.Actor{economy, lux})
	if !ok || res.Driver.ConnID != "lux" {
		t.Fatalf("expected tier match to win over closer driver, got %v", res.Driver.ConnID)
	}
}

func TestTieBreakMostRecentUpdateThenConnID(t *testing.T) {
	e := NewEngine(10, 15, 2.5)
	now := time.Now()
	stale := driverAt("stale", 0.0181, 0.0001)
	stale.LastUpdate = now.Add(-time.Minute)
	fresh := driverAt("fresh", 0.0181, 0.0001)
	fresh.LastUpdate = now

	res, _ := e.SelectDriver(Request{Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001}},
		[]models.Actor{stale, fresh})
	if res.Driver.ConnID != "fresh" {
		t.Fatalf("expected freshest driver on tie, got %s", res.Driver.ConnID)
	}

	b2 := driverAt("b", 0.0181, 0.0001)
	b2.LastUpdate = now
	a2 := driverAt("a", 0.0181, 0.0001)
	a2.LastUpdate = now
	res, _ = e.SelectDriver(Request{Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001}},
		[]models.Actor{b2, a2})
	if res.Driver.ConnID != "a" {
		t.Fatalf("expected lowest conn id on full tie, got %s", res.Driver.ConnID)
	}
}

func TestBusyDriversExcluded(t *testing.T) {
	e := NewEngine(10, 15, 2.5)
	busy := driverAt("busy", 0.0181, 0.0001)
	busy.Status = models.StatusBusy
	if _, ok := e.SelectDriver(Request{Pickup: models.Coord{Lat: 0.0001, Lon: 0.0001}}, []models.Actor{busy}); ok {
		t.Fatal("busy driver must never match")
	}
}

func TestQuote(t *testing.T) {
	e := NewEngine(10, 15, 2.5)
	if got := e.Quote(4); got != 25.00 {
		t.Fatalf("expected 25.00, got %f", got)
	}
	if got := e.Quote(1.333); got != 18.33 {
		t.Fatalf("expected rounding to cents, got %f", got)
	}
	if got := e.Quote(geo.SentinelKm); got != 15.00 {
		t.Fatalf("sentinel distance must quote base fare, got %f", got)
	}
}
