// README: Ride service implements state transitions, completion billing and ratings.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ridehail/internal/maps"
	"ridehail/internal/modules/pricing"
	"ridehail/internal/types"
)

var (
	ErrInvalidState  = errors.New("invalid state transition")
	ErrNotFound      = errors.New("ride not found")
	ErrConflict      = errors.New("ride state conflict")
	ErrActiveRide    = errors.New("passenger has active ride")
	ErrBadRequest    = errors.New("bad request")
	ErrNotAssigned   = errors.New("ride is not assigned to this driver")
	ErrForbidden     = errors.New("ride does not belong to caller")
	ErrAlreadyRated  = errors.New("ride already rated")
	ErrStaleOffer    = errors.New("offer is no longer valid")
	ErrSessionActive = errors.New("matching session already running")
)

const (
	cancelRetries  = 3
	timeoutReason  = "timed out"
	paymentMethod  = "cash"
	paymentPending = "pending"
)

// Update is one compare-and-set status change. Nil fields are left untouched.
type Update struct {
	RideID       types.ID
	From         Status
	To           Status
	Version      int
	DriverID     *types.ID
	VehicleID    *types.ID
	FinalFare    *float64
	CancelledBy  *types.Actor
	CancelReason *string
	At           time.Time
}

type Store interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error)
	// UpdateStatus applies u only if the row still has u.From and u.Version.
	UpdateStatus(ctx context.Context, u Update) (bool, error)
	AppendTransition(ctx context.Context, t *Transition) error
	Transitions(ctx context.Context, rideID types.ID) ([]Transition, error)
	CreateTransaction(ctx context.Context, t *Transaction) error
	IncrementDriverRides(ctx context.Context, driverID types.ID) error
	CreateRating(ctx context.Context, r *Rating) error
	ApplyDriverRating(ctx context.Context, driverID types.ID, score int) error
	DriverEarnings(ctx context.Context, driverID types.ID) (Earnings, error)
}

// TxRunner runs fn atomically; stores pick the transaction up from ctx.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type FareCalculator interface {
	Calculate(ctx context.Context, req pricing.Request) (pricing.Breakdown, error)
}

type RouteEstimator interface {
	Estimate(ctx context.Context, from, to types.Point) (maps.Estimate, error)
}

type Deps struct {
	Store     Store
	Tx        TxRunner
	Pricing   FareCalculator
	Routes    RouteEstimator
	Publisher Publisher
	Log       logrus.FieldLogger
}

type Service struct {
	store   Store
	tx      TxRunner
	pricing FareCalculator
	routes  RouteEstimator
	pub     Publisher
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:   d.Store,
		tx:      d.Tx,
		pricing: d.Pricing,
		routes:  d.Routes,
		pub:     d.Publisher,
		log:     d.Log,
		now:     time.Now,
	}
	if s.tx == nil {
		s.tx = noTx{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s
}

type CreateCommand struct {
	PassengerID         types.ID
	VehicleClass        types.VehicleClass
	Pickup              types.Point
	PickupAddress       string
	Dropoff             types.Point
	DropoffAddress      string
	Shared              bool
	SpecialInstructions string
}

type AcceptCommand struct {
	RideID    types.ID
	DriverID  types.ID
	VehicleID types.ID
	// Actor is ActorDriver for an explicit accept, ActorSystem for auto-assign.
	Actor types.Actor
}

type StartCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CompleteCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CancelCommand struct {
	RideID  types.ID
	Actor   types.Actor
	ActorID types.ID
	Reason  string
}

type RateCommand struct {
	RideID      types.ID
	PassengerID types.ID
	Score       int
	Comment     string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if cmd.PassengerID == "" {
		return nil, fmt.Errorf("%w: passenger id required", ErrBadRequest)
	}
	class, ok := types.ParseVehicleClass(string(cmd.VehicleClass))
	if !ok {
		return nil, fmt.Errorf("%w: vehicle class %q", ErrBadRequest, cmd.VehicleClass)
	}

	est := maps.Fallback(cmd.Pickup, cmd.Dropoff)
	if s.routes != nil {
		if e, err := s.routes.Estimate(ctx, cmd.Pickup, cmd.Dropoff); err == nil {
			est = e
		}
	}

	now := s.now()
	fare, err := s.pricing.Calculate(ctx, pricing.Request{
		VehicleClass: class,
		DistanceKm:   est.DistanceKm,
		DurationMin:  est.DurationMin,
		Shared:       cmd.Shared,
		At:           &now,
	})
	if err != nil {
		return nil, err
	}

	r := &Ride{
		ID:                   newID(),
		PassengerID:          cmd.PassengerID,
		VehicleClass:         class,
		Status:               StatusRequested,
		Pickup:               cmd.Pickup,
		PickupAddress:        cmd.PickupAddress,
		Dropoff:              cmd.Dropoff,
		DropoffAddress:       cmd.DropoffAddress,
		Shared:               cmd.Shared,
		SpecialInstructions:  cmd.SpecialInstructions,
		EstimatedDistanceKm:  est.DistanceKm,
		EstimatedDurationMin: est.DurationMin,
		EstimatedFare:        fare.TotalFare,
		SurgeMultiplier:      fare.SurgeMultiplier,
		CommissionPercentage: fare.CommissionPercentage,
		RequestedAt:          now,
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		active, err := s.store.HasActiveByPassenger(ctx, cmd.PassengerID)
		if err != nil {
			return err
		}
		if active {
			return ErrActiveRide
		}
		if err := s.store.Create(ctx, r); err != nil {
			return err
		}
		return s.store.AppendTransition(ctx, &Transition{
			RideID:     r.ID,
			FromStatus: StatusNone,
			ToStatus:   StatusRequested,
			ActorType:  types.ActorPassenger,
			ActorID:    &r.PassengerID,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{
		Type:   EventStatusChanged,
		RideID: r.ID,
		From:   StatusNone,
		Status: StatusRequested,
		Actor:  types.ActorPassenger,
		At:     now,
	})
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

// OnTrip reports whether driverID holds the ride and it is accepted or under
// way. An unknown ride is not an error.
func (s *Service) OnTrip(ctx context.Context, rideID, driverID types.ID) (bool, error) {
	r, err := s.store.Get(ctx, rideID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !r.AssignedTo(driverID) {
		return false, nil
	}
	return r.Status == StatusAccepted || r.Status == StatusInProgress, nil
}

// MarkMatched records that candidates were surfaced for a requested ride.
func (s *Service) MarkMatched(ctx context.Context, id types.ID) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == StatusMatched {
		return nil
	}
	if !CanTransition(r.Status, StatusMatched) {
		return ErrInvalidState
	}
	return s.apply(ctx, r, Update{To: StatusMatched}, types.ActorSystem, nil, nil)
}

// Accept assigns a driver and vehicle. Once a driver holds the ride every
// other accept fails with ErrConflict.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) error {
	if cmd.DriverID == "" || cmd.VehicleID == "" {
		return fmt.Errorf("%w: driver and vehicle required", ErrBadRequest)
	}
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if r.DriverID != nil && r.Status != StatusCancelled {
		return ErrConflict
	}
	if !CanTransition(r.Status, StatusAccepted) {
		return ErrInvalidState
	}
	actor := cmd.Actor
	if actor == "" {
		actor = types.ActorDriver
	}
	return s.apply(ctx, r, Update{
		To:        StatusAccepted,
		DriverID:  &cmd.DriverID,
		VehicleID: &cmd.VehicleID,
	}, actor, &cmd.DriverID, nil)
}

func (s *Service) Start(ctx context.Context, cmd StartCommand) error {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if !r.AssignedTo(cmd.DriverID) {
		return ErrNotAssigned
	}
	if !CanTransition(r.Status, StatusInProgress) {
		return ErrInvalidState
	}
	return s.apply(ctx, r, Update{To: StatusInProgress}, types.ActorDriver, &cmd.DriverID, nil)
}

// Complete closes the trip. The final fare is the estimate; no re-pricing
// against the driven distance happens here.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) error {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if !r.AssignedTo(cmd.DriverID) {
		return ErrNotAssigned
	}
	if !CanTransition(r.Status, StatusCompleted) {
		return ErrInvalidState
	}

	final := r.EstimatedFare
	commission, earnings := pricing.Split(final, r.CommissionPercentage)
	return s.apply(ctx, r, Update{To: StatusCompleted, FinalFare: &final}, types.ActorDriver, &cmd.DriverID,
		func(ctx context.Context, at time.Time) error {
			if err := s.store.CreateTransaction(ctx, &Transaction{
				ID:               newID(),
				RideID:           r.ID,
				UserID:           r.PassengerID,
				DriverID:         cmd.DriverID,
				Amount:           final,
				CommissionAmount: commission,
				DriverEarnings:   earnings,
				PaymentMethod:    paymentMethod,
				PaymentStatus:    paymentPending,
				CreatedAt:        at,
			}); err != nil {
				return err
			}
			return s.store.IncrementDriverRides(ctx, cmd.DriverID)
		})
}

// Cancel is idempotent: cancelling a cancelled ride succeeds without a new
// record. A lost race is retried against the fresh row.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	if cmd.Actor == "" {
		return fmt.Errorf("%w: actor required", ErrBadRequest)
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "cancelled by " + string(cmd.Actor)
	}

	for attempt := 0; attempt < cancelRetries; attempt++ {
		r, err := s.store.Get(ctx, cmd.RideID)
		if err != nil {
			return err
		}
		if r.Status == StatusCancelled {
			return nil
		}
		switch cmd.Actor {
		case types.ActorPassenger:
			if r.PassengerID != cmd.ActorID {
				return ErrForbidden
			}
		case types.ActorDriver:
			if !r.AssignedTo(cmd.ActorID) {
				return ErrNotAssigned
			}
		}
		if !CanTransition(r.Status, StatusCancelled) {
			return ErrInvalidState
		}

		var actorID *types.ID
		if cmd.ActorID != "" {
			actorID = &cmd.ActorID
		}
		actor := cmd.Actor
		err = s.apply(ctx, r, Update{
			To:           StatusCancelled,
			CancelledBy:  &actor,
			CancelReason: &reason,
		}, cmd.Actor, actorID, nil)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
	return ErrConflict
}

// CancelTimedOut is the system cancellation fired when matching runs out of time.
func (s *Service) CancelTimedOut(ctx context.Context, id types.ID) error {
	return s.Cancel(ctx, CancelCommand{RideID: id, Actor: types.ActorSystem, Reason: timeoutReason})
}

func (s *Service) Rate(ctx context.Context, cmd RateCommand) error {
	if cmd.Score < 1 || cmd.Score > 5 {
		return fmt.Errorf("%w: rating must be 1..5", ErrBadRequest)
	}
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if r.PassengerID != cmd.PassengerID {
		return ErrForbidden
	}
	if r.Status != StatusCompleted || r.DriverID == nil {
		return ErrInvalidState
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateRating(ctx, &Rating{
			ID:        newID(),
			RideID:    r.ID,
			RatedBy:   cmd.PassengerID,
			RatedUser: *r.DriverID,
			Score:     cmd.Score,
			Comment:   cmd.Comment,
			CreatedAt: s.now(),
		}); err != nil {
			return err
		}
		return s.store.ApplyDriverRating(ctx, *r.DriverID, cmd.Score)
	})
}

func (s *Service) Transitions(ctx context.Context, id types.ID) ([]Transition, error) {
	return s.store.Transitions(ctx, id)
}

func (s *Service) Earnings(ctx context.Context, driverID types.ID) (Earnings, error) {
	return s.store.DriverEarnings(ctx, driverID)
}

// apply runs one compare-and-set transition with its audit row (and any extra
// writes) in a single transaction, then publishes the change.
func (s *Service) apply(ctx context.Context, r *Ride, u Update, actor types.Actor, actorID *types.ID,
	extra func(ctx context.Context, at time.Time) error) error {
	at := s.now()
	u.RideID = r.ID
	u.From = r.Status
	u.Version = r.StatusVersion
	u.At = at

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.store.UpdateStatus(ctx, u)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		if err := s.store.AppendTransition(ctx, &Transition{
			RideID:     r.ID,
			FromStatus: r.Status,
			ToStatus:   u.To,
			ActorType:  actor,
			ActorID:    actorID,
			CreatedAt:  at,
		}); err != nil {
			return err
		}
		if extra != nil {
			return extra(ctx, at)
		}
		return nil
	})
	if err != nil {
		return err
	}

	driverID := r.DriverID
	if u.DriverID != nil {
		driverID = u.DriverID
	}
	ev := Event{
		Type:     EventStatusChanged,
		RideID:   r.ID,
		From:     r.Status,
		Status:   u.To,
		Version:  r.StatusVersion + 1,
		DriverID: driverID,
		Actor:    actor,
		At:       at,
	}
	if u.CancelReason != nil {
		ev.Reason = *u.CancelReason
	}
	s.publish(ctx, ev)
	return nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"ride_id": ev.RideID,
			"event":   ev.Type,
			"status":  ev.Status,
		}).Warn("publish ride event")
	}
}

type noTx struct{}

func (noTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

func newID() types.ID {
	return types.ID(uuid.NewString())
}
