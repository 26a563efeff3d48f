// README: Matching candidate store: Redis GEO radius prefilter over the PostgreSQL driver tables.
package matching

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ridehail/internal/infra"
	"ridehail/internal/types"
)

// Redis measures on a slightly larger sphere than geo.Between, so the
// prefilter radius is padded and the haversine filter has the last word.
const (
	geoSlackFactor = 1.01
	geoSlackKm     = 0.05
)

const candidateQuery = `
		SELECT d.id, d.user_id, v.id,
		       COALESCE(p.full_name, ''), COALESCE(p.phone, ''),
		       v.model, v.registration_number,
		       d.rating::float8, d.total_rides, v.is_shared_enabled,
		       d.current_latitude::float8, d.current_longitude::float8,
		       d.geofence_radius::float8
		FROM vehicles v
		JOIN drivers d ON d.id = v.driver_id
		LEFT JOIN profiles p ON p.id = d.user_id
		WHERE v.vehicle_type = $1
		  AND v.is_active = TRUE
		  AND d.is_online = TRUE
		  AND d.verification_status = 'approved'`

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
	log   logrus.FieldLogger
}

// NewStore builds the store. Without a redis client every lookup scans Postgres.
func NewStore(db *pgxpool.Pool, rdb *redis.Client, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{db: db, redis: rdb, log: log}
}

// Candidates loads eligible drivers of a class. When the live index can answer,
// only drivers it places within radiusKm of pickup are read from Postgres.
func (s *Store) Candidates(ctx context.Context, class types.VehicleClass, pickup types.Point, radiusKm float64) ([]Row, error) {
	ids, ok := s.nearby(ctx, pickup, radiusKm)
	if !ok {
		return s.query(ctx, candidateQuery, string(class))
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.query(ctx, candidateQuery+`
		  AND d.id = ANY($2)`, string(class), ids)
}

// nearby returns driver ids around pickup from the GEO index. ok is false when
// the index is unavailable or was never populated.
func (s *Store) nearby(ctx context.Context, pickup types.Point, radiusKm float64) ([]string, bool) {
	if s.redis == nil {
		return nil, false
	}
	ids, err := s.redis.GeoSearch(ctx, infra.DriverGeoKey, &redis.GeoSearchQuery{
		Longitude:  pickup.Lng,
		Latitude:   pickup.Lat,
		Radius:     radiusKm*geoSlackFactor + geoSlackKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		s.log.WithError(err).Warn("geo prefilter unavailable, scanning postgres")
		return nil, false
	}
	if len(ids) > 0 {
		return ids, true
	}
	n, err := s.redis.Exists(ctx, infra.DriverGeoKey).Result()
	if err != nil {
		s.log.WithError(err).Warn("geo prefilter unavailable, scanning postgres")
		return nil, false
	}
	return nil, n > 0
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var driverID, userID, vehicleID string
		var lat, lng *float64
		if err := rows.Scan(
			&driverID, &userID, &vehicleID,
			&r.DriverName, &r.Phone,
			&r.VehicleModel, &r.Registration,
			&r.Rating, &r.TotalRides, &r.SharedEnabled,
			&lat, &lng,
			&r.GeofenceRadiusKm,
		); err != nil {
			return nil, err
		}
		r.DriverID = types.ID(driverID)
		r.DriverUserID = types.ID(userID)
		r.VehicleID = types.ID(vehicleID)
		if lat != nil && lng != nil {
			r.Position = &types.Point{Lat: *lat, Lng: *lng}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) IsAvailable(ctx context.Context, driverID types.ID) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT is_online AND verification_status = 'approved'
		FROM drivers
		WHERE id = $1`, string(driverID),
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}
