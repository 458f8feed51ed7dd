package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// SentinelKm ranks candidates with missing or zeroed coordinates behind any
// real one. Larger than any surface distance on Earth.
const SentinelKm = 99999.0

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points in
// kilometers. Degenerate input (either end missing location data) yields
// SentinelKm, never 0 or NaN, so broken telemetry cannot win a match.
func DistanceKm(a, b models.Coord) float64 {
	if !a.Valid() || !b.Valid() {
		return SentinelKm
	}
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func rad(deg float64) float64 { return deg * math.Pi / 180.0 }
