package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisFleet mirrors driver positions into a Redis GEO set plus a metadata
// hash per driver. It is a write-side mirror for external dashboards; the
// dispatcher itself matches against the in-memory registry.
type RedisFleet struct {
	client *redis.Client
	key    string
}

func NewRedisFleet(addr, password, key string) *RedisFleet {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisFleet{client: c, key: key}
}

// Upsert writes the driver's position and status. Best-effort: errors are
// returned for the caller to log, never to fail the telemetry path.
func (r *RedisFleet) Upsert(ctx context.Context, d models.Actor) error {
	if !d.HasLocation() {
		return nil
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon,
		Latitude:  d.Loc.Lat,
		Name:      d.ConnID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ConnID), map[string]interface{}{
		"name":    d.Name,
		"status":  string(d.Status),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

// Remove drops a disconnected driver from the mirror.
func (r *RedisFleet) Remove(ctx context.Context, connID string) error {
	if err := r.client.ZRem(ctx, r.key, connID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(connID)).Err()
}

// Nearby reads back the closest mirrored drivers around a point, for
// dashboard queries. radiusKm <= 0 falls back to 10 km.
func (r *RedisFleet) Nearby(ctx context.Context, at models.Coord, radiusKm float64, limit int) ([]models.Actor, error) {
	if radiusKm <= 0 {
		radiusKm = 10
	}
	res, err := r.client.GeoRadius(ctx, r.key, at.Lon, at.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Actor, 0, len(res))
	for _, g := range res {
		a := models.Actor{
			ConnID: g.Name,
			Role:   models.RoleDriver,
			Loc:    &models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			a.Name = m["name"]
			a.Status = models.DriverStatus(m["status"])
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *RedisFleet) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
