package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDistanceKnownPair(t *testing.T) {
	// ~1.57 km for a 0.01 degree diagonal step at the equator
	d := DistanceKm(models.Coord{Lat: 0.0001, Lon: 0.0001}, models.Coord{Lat: 0.0101, Lon: 0.0101})
	if d < 1.5 || d > 1.65 {
		t.Fatalf("expected ~1.57 km, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := models.Coord{Lat: 51.5, Lon: -0.12}
	b := models.Coord{Lat: 48.85, Lon: 2.35}
	if d1, d2 := DistanceKm(a, b), DistanceKm(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Fatalf("asymmetric distance: %f vs %f", d1, d2)
	}
}

func TestDegenerateCoordinatesYieldSentinel(t *testing.T) {
	valid := models.Coord{Lat: 10, Lon: 10}
	for _, c := range []models.Coord{{}, {Lat: 0, Lon: 0}} {
		if d := DistanceKm(c, valid); d != SentinelKm {
			t.Fatalf("expected sentinel for degenerate origin, got %f", d)
		}
		if d := DistanceKm(valid, c); d != SentinelKm {
			t.Fatalf("expected sentinel for degenerate target, got %f", d)
		}
	}
	if d := DistanceKm(models.Coord{}, models.Coord{}); d != SentinelKm {
		t.Fatalf("expected sentinel for both ends degenerate, got %f", d)
	}
}

func TestSentinelExceedsAnyRealDistance(t *testing.T) {
	// antipodal points bound the real maximum at ~20015 km
	d := DistanceKm(models.Coord{Lat: 90, Lon: 0}, models.Coord{Lat: -90, Lon: 0})
	if d >= SentinelKm {
		t.Fatalf("real distance %f should stay below sentinel", d)
	}
}
