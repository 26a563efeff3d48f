// README: Ride store backed by PostgreSQL; joins the caller's transaction when one is open.
package ride

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridehail/internal/infra"
	"ridehail/internal/types"
)

const (
	uniqueViolation     = "23505"
	activeRideIndexName = "idx_rides_passenger_active"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) q(ctx context.Context) infra.Querier {
	return infra.Conn(ctx, s.db)
}

func (s *PGStore) Create(ctx context.Context, r *Ride) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO rides (
			id, passenger_id, vehicle_type, status, status_version,
			pickup_latitude, pickup_longitude, pickup_address,
			dropoff_latitude, dropoff_longitude, dropoff_address,
			is_shared, special_instructions,
			estimated_distance, estimated_duration, estimated_fare,
			surge_multiplier, commission_percentage, requested_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13,
			$14, $15, $16,
			$17, $18, $19
		)`,
		string(r.ID), string(r.PassengerID), string(r.VehicleClass), string(r.Status), r.StatusVersion,
		r.Pickup.Lat, r.Pickup.Lng, r.PickupAddress,
		r.Dropoff.Lat, r.Dropoff.Lng, r.DropoffAddress,
		r.Shared, nullString(r.SpecialInstructions),
		r.EstimatedDistanceKm, r.EstimatedDurationMin, r.EstimatedFare,
		r.SurgeMultiplier, r.CommissionPercentage, r.RequestedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeRideIndexName {
		return ErrActiveRide
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, passenger_id, driver_id, vehicle_id, vehicle_type, status, status_version,
		       pickup_latitude, pickup_longitude, pickup_address,
		       dropoff_latitude, dropoff_longitude, dropoff_address,
		       is_shared, COALESCE(special_instructions, ''),
		       estimated_distance, estimated_duration, estimated_fare::float8, final_fare::float8,
		       surge_multiplier::float8, commission_percentage::float8,
		       cancelled_by, cancellation_reason,
		       requested_at, matched_at, accepted_at, started_at, completed_at, cancelled_at
		FROM rides
		WHERE id = $1`, string(id),
	)

	var r Ride
	var rid, passengerID, class, status string
	var driverID, vehicleID, cancelledBy *string
	err := row.Scan(
		&rid, &passengerID, &driverID, &vehicleID, &class, &status, &r.StatusVersion,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.PickupAddress,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.DropoffAddress,
		&r.Shared, &r.SpecialInstructions,
		&r.EstimatedDistanceKm, &r.EstimatedDurationMin, &r.EstimatedFare, &r.FinalFare,
		&r.SurgeMultiplier, &r.CommissionPercentage,
		&cancelledBy, &r.CancelReason,
		&r.RequestedAt, &r.MatchedAt, &r.AcceptedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.ID = types.ID(rid)
	r.PassengerID = types.ID(passengerID)
	r.VehicleClass = types.VehicleClass(class)
	r.Status = Status(status)
	r.DriverID = toID(driverID)
	r.VehicleID = toID(vehicleID)
	if cancelledBy != nil {
		a := types.Actor(*cancelledBy)
		r.CancelledBy = &a
	}
	return &r, nil
}

func (s *PGStore) HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error) {
	var exists bool
	err := s.q(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE passenger_id = $1
			  AND status IN ('requested','matched','accepted','in_progress')
		)`, string(passengerID),
	).Scan(&exists)
	return exists, err
}

func (s *PGStore) UpdateStatus(ctx context.Context, u Update) (bool, error) {
	var cancelledBy *string
	if u.CancelledBy != nil {
		v := string(*u.CancelledBy)
		cancelledBy = &v
	}
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE rides
		SET status = $1,
		    status_version = status_version + 1,
		    driver_id = COALESCE($2, driver_id),
		    vehicle_id = COALESCE($3, vehicle_id),
		    final_fare = COALESCE($4, final_fare),
		    cancelled_by = COALESCE($5, cancelled_by),
		    cancellation_reason = COALESCE($6, cancellation_reason),
		    matched_at = CASE WHEN $1 = 'matched' THEN $7 ELSE matched_at END,
		    accepted_at = CASE WHEN $1 = 'accepted' THEN $7 ELSE accepted_at END,
		    started_at = CASE WHEN $1 = 'in_progress' THEN $7 ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'completed' THEN $7 ELSE completed_at END,
		    cancelled_at = CASE WHEN $1 = 'cancelled' THEN $7 ELSE cancelled_at END
		WHERE id = $8 AND status = $9 AND status_version = $10`,
		string(u.To),
		fromID(u.DriverID),
		fromID(u.VehicleID),
		u.FinalFare,
		cancelledBy,
		u.CancelReason,
		u.At,
		string(u.RideID),
		string(u.From),
		u.Version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) AppendTransition(ctx context.Context, t *Transition) error {
	return s.q(ctx).QueryRow(ctx, `
		INSERT INTO ride_state_events (ride_id, from_status, to_status, actor_type, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		string(t.RideID),
		string(t.FromStatus),
		string(t.ToStatus),
		string(t.ActorType),
		fromID(t.ActorID),
		t.CreatedAt,
	).Scan(&t.ID)
}

func (s *PGStore) Transitions(ctx context.Context, rideID types.ID) ([]Transition, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, ride_id, from_status, to_status, actor_type, actor_id, created_at
		FROM ride_state_events
		WHERE ride_id = $1
		ORDER BY id`, string(rideID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var rid, from, to, actor string
		var actorID *string
		if err := rows.Scan(&t.ID, &rid, &from, &to, &actor, &actorID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.RideID = types.ID(rid)
		t.FromStatus = Status(from)
		t.ToStatus = Status(to)
		t.ActorType = types.Actor(actor)
		t.ActorID = toID(actorID)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO transactions (
			id, ride_id, user_id, driver_id, amount, commission_amount, driver_earnings,
			payment_method, payment_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(t.ID), string(t.RideID), string(t.UserID), string(t.DriverID),
		t.Amount, t.CommissionAmount, t.DriverEarnings,
		t.PaymentMethod, t.PaymentStatus, t.CreatedAt,
	)
	return err
}

func (s *PGStore) IncrementDriverRides(ctx context.Context, driverID types.ID) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE drivers SET total_rides = total_rides + 1 WHERE id = $1`, string(driverID))
	return err
}

func (s *PGStore) CreateRating(ctx context.Context, r *Rating) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO ratings (id, ride_id, rated_by, rated_user, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(r.ID), string(r.RideID), string(r.RatedBy), string(r.RatedUser),
		r.Score, nullString(r.Comment), r.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyRated
	}
	return err
}

// ApplyDriverRating folds score into the driver's running average.
func (s *PGStore) ApplyDriverRating(ctx context.Context, driverID types.ID, score int) error {
	_, err := s.q(ctx).Exec(ctx, `
		UPDATE drivers
		SET rating = ROUND(((rating * rating_count) + $2) / (rating_count + 1), 2),
		    rating_count = rating_count + 1
		WHERE id = $1`, string(driverID), score,
	)
	return err
}

func (s *PGStore) DriverEarnings(ctx context.Context, driverID types.ID) (Earnings, error) {
	e := Earnings{DriverID: driverID}
	err := s.q(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(amount), 0)::float8,
		       COALESCE(SUM(commission_amount), 0)::float8,
		       COALESCE(SUM(driver_earnings), 0)::float8
		FROM transactions
		WHERE driver_id = $1`, string(driverID),
	).Scan(&e.CompletedRides, &e.GrossFares, &e.Commission, &e.NetEarnings)
	return e, err
}

func toID(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}

func fromID(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
