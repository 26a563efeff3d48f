// README: Location store backed by Postgres (positions, traces) and Redis GEO (live index).
package location

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridehail/internal/infra"
	"ridehail/internal/types"
)

// GeoKey is the Redis GEO set holding online drivers.
const GeoKey = infra.DriverGeoKey

type PGStore struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

// NewStore builds the store. A nil redis client disables the live index.
func NewStore(db *pgxpool.Pool, redis *redis.Client) *PGStore {
	return &PGStore{db: db, redis: redis}
}

func (s *PGStore) SetPosition(ctx context.Context, driverID types.ID, pos types.Point, at time.Time) error {
	tag, err := infra.Conn(ctx, s.db).Exec(ctx, `
		UPDATE drivers
		SET current_latitude = $2, current_longitude = $3, location_updated_at = $4
		WHERE id = $1`,
		string(driverID), pos.Lat, pos.Lng, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

func (s *PGStore) AppendTrace(ctx context.Context, rideID types.ID, pos types.Point, at time.Time) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO ride_locations (ride_id, latitude, longitude, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		string(rideID), pos.Lat, pos.Lng, at,
	)
	return err
}

func (s *PGStore) Trace(ctx context.Context, rideID types.ID) ([]TracePoint, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT id, latitude, longitude, recorded_at
		FROM ride_locations
		WHERE ride_id = $1
		ORDER BY id`, string(rideID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []TracePoint{}
	for rows.Next() {
		var p TracePoint
		if err := rows.Scan(&p.ID, &p.Latitude, &p.Longitude, &p.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) SetOnline(ctx context.Context, driverID types.ID, online bool) error {
	tag, err := infra.Conn(ctx, s.db).Exec(ctx, `UPDATE drivers SET is_online = $2 WHERE id = $1`, string(driverID), online)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

func (s *PGStore) DriverForUser(ctx context.Context, uid string) (types.ID, error) {
	var id string
	err := infra.Conn(ctx, s.db).QueryRow(ctx, `SELECT id FROM drivers WHERE user_id = $1`, uid).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrDriverNotFound
	}
	if err != nil {
		return "", err
	}
	return types.ID(id), nil
}

func (s *PGStore) IndexPosition(ctx context.Context, driverID types.ID, pos types.Point) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.GeoAdd(ctx, GeoKey, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

func (s *PGStore) Unindex(ctx context.Context, driverID types.ID) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.ZRem(ctx, GeoKey, string(driverID)).Err()
}
