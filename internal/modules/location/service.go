// README: Location service ingests driver samples, keeps the live index and serves ride traces.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ridehail/internal/types"
)

var (
	ErrInvalidSample  = errors.New("invalid location sample")
	ErrDriverNotFound = errors.New("driver not found")
)

type Store interface {
	// SetPosition overwrites the driver's current position.
	SetPosition(ctx context.Context, driverID types.ID, pos types.Point, at time.Time) error
	AppendTrace(ctx context.Context, rideID types.ID, pos types.Point, at time.Time) error
	Trace(ctx context.Context, rideID types.ID) ([]TracePoint, error)
	SetOnline(ctx context.Context, driverID types.ID, online bool) error
	DriverForUser(ctx context.Context, uid string) (types.ID, error)
	IndexPosition(ctx context.Context, driverID types.ID, pos types.Point) error
	Unindex(ctx context.Context, driverID types.ID) error
}

// Trips answers whether a driver is currently on a ride (assigned, accepted
// or in progress). Samples for any other ride lose their ride tag.
type Trips interface {
	OnTrip(ctx context.Context, rideID, driverID types.ID) (bool, error)
}

type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	PublishLocation(ctx context.Context, ev Event) error
}

type Service struct {
	store Store
	trips Trips
	tx    TxRunner
	pub   Publisher
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewService builds the service. A nil trips drops every ride tag.
func NewService(store Store, trips Trips, tx TxRunner, pub Publisher, log logrus.FieldLogger) *Service {
	if tx == nil {
		tx = noTx{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: store, trips: trips, tx: tx, pub: pub, log: log, now: time.Now}
}

// Validate checks a sample's coordinates.
func Validate(p types.Point) error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %.6f out of range", ErrInvalidSample, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %.6f out of range", ErrInvalidSample, p.Lng)
	}
	return nil
}

// Ingest stores the driver's latest position, extends the ride trace when a
// ride is attached, and announces the move. The live index and the event are
// best effort; the Postgres writes are not.
func (s *Service) Ingest(ctx context.Context, smp Sample) error {
	if smp.DriverID == "" {
		return fmt.Errorf("%w: driver id required", ErrInvalidSample)
	}
	if err := Validate(smp.Position); err != nil {
		return err
	}
	if smp.RecordedAt.IsZero() {
		smp.RecordedAt = s.now()
	}
	log := s.log.WithField("driver_id", smp.DriverID)
	if smp.RideID != nil {
		ok, err := s.onTrip(ctx, *smp.RideID, smp.DriverID)
		if err != nil {
			return err
		}
		if !ok {
			// The position still counts; the trace only grows while the driver is on the trip.
			log.WithField("ride_id", *smp.RideID).Warn("sample tagged with a ride the driver is not on")
			smp.RideID = nil
		}
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.SetPosition(ctx, smp.DriverID, smp.Position, smp.RecordedAt); err != nil {
			return err
		}
		if smp.RideID != nil {
			return s.store.AppendTrace(ctx, *smp.RideID, smp.Position, smp.RecordedAt)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.store.IndexPosition(ctx, smp.DriverID, smp.Position); err != nil {
		log.WithError(err).Warn("index driver position")
	}
	if s.pub != nil {
		ev := Event{
			Type:      EventDriverLocation,
			DriverID:  smp.DriverID,
			RideID:    smp.RideID,
			Latitude:  smp.Position.Lat,
			Longitude: smp.Position.Lng,
			At:        smp.RecordedAt,
		}
		if err := s.pub.PublishLocation(ctx, ev); err != nil {
			log.WithError(err).Warn("publish driver location")
		}
	}
	return nil
}

func (s *Service) onTrip(ctx context.Context, rideID, driverID types.ID) (bool, error) {
	if s.trips == nil {
		return false, nil
	}
	return s.trips.OnTrip(ctx, rideID, driverID)
}

// SetAvailability flips the driver's online flag. Going offline also drops
// the driver from the live index.
func (s *Service) SetAvailability(ctx context.Context, driverID types.ID, online bool) error {
	if err := s.store.SetOnline(ctx, driverID, online); err != nil {
		return err
	}
	if !online {
		if err := s.store.Unindex(ctx, driverID); err != nil {
			s.log.WithError(err).WithField("driver_id", driverID).Warn("unindex driver")
		}
	}
	return nil
}

// Trace returns the ride's samples in insertion order.
func (s *Service) Trace(ctx context.Context, rideID types.ID) ([]TracePoint, error) {
	return s.store.Trace(ctx, rideID)
}

// DriverForUser resolves an authenticated uid to its driver id.
func (s *Service) DriverForUser(ctx context.Context, uid string) (types.ID, error) {
	return s.store.DriverForUser(ctx, uid)
}

type noTx struct{}

func (noTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
