package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRide(r *models.Ride) error {
	_, err := p.db.Exec(`INSERT INTO rides(id, rider_conn_id, driver_conn_id, pickup_lat, pickup_lon, destination, tier, price, distance_km, state, created_at, accepted_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderConnID, nullable(r.DriverConnID), r.Pickup.Lat, r.Pickup.Lon,
		string(r.Destination), r.Tier, r.Price, r.DistanceKm, string(r.State),
		r.CreatedAt, nullTime(r.AcceptedAt), time.Now())
	return err
}

func (p *PostgresStore) UpdateRide(r *models.Ride) error {
	_, err := p.db.Exec(`UPDATE rides SET driver_conn_id=$1, state=$2, accepted_at=$3, updated_at=$4 WHERE id=$5`,
		nullable(r.DriverConnID), string(r.State), nullTime(r.AcceptedAt), time.Now(), r.ID)
	return err
}

func (p *PostgresStore) GetRide(id string) (models.Ride, error) {
	var (
		r        models.Ride
		driver   sql.NullString
		dest     sql.NullString
		state    string
		accepted sql.NullTime
	)
	err := p.db.QueryRow(`SELECT id, rider_conn_id, driver_conn_id, pickup_lat, pickup_lon, destination, tier, price, distance_km, state, created_at, accepted_at
		FROM rides WHERE id=$1`, id).
		Scan(&r.ID, &r.RiderConnID, &driver, &r.Pickup.Lat, &r.Pickup.Lon, &dest,
			&r.Tier, &r.Price, &r.DistanceKm, &state, &r.CreatedAt, &accepted)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, err
	}
	r.DriverConnID = driver.String
	if dest.Valid && dest.String != "" {
		r.Destination = json.RawMessage(dest.String)
	}
	r.State = models.RideState(state)
	if accepted.Valid {
		t := accepted.Time
		r.AcceptedAt = &t
	}
	return r, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
