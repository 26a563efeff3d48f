// README: Base handler utilities (ports, JSON helpers, error mapping).
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridehail/internal/modules/location"
	"ridehail/internal/modules/matching"
	"ridehail/internal/modules/pricing"
	"ridehail/internal/modules/ride"
	"ridehail/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

type RideService interface {
	Create(ctx context.Context, cmd ride.CreateCommand) (*ride.Ride, error)
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Start(ctx context.Context, cmd ride.StartCommand) error
	Complete(ctx context.Context, cmd ride.CompleteCommand) error
	Cancel(ctx context.Context, cmd ride.CancelCommand) error
	Rate(ctx context.Context, cmd ride.RateCommand) error
	Earnings(ctx context.Context, driverID types.ID) (ride.Earnings, error)
	Transitions(ctx context.Context, id types.ID) ([]ride.Transition, error)
}

type Dispatcher interface {
	Start(ctx context.Context, rideID types.ID) error
	Accept(ctx context.Context, rideID, driverID, offerID types.ID) error
	Decline(ctx context.Context, rideID, driverID, offerID types.ID) error
	CurrentOffer(ctx context.Context, rideID types.ID) (ride.Offer, bool)
}

type LocationService interface {
	Ingest(ctx context.Context, smp location.Sample) error
	SetAvailability(ctx context.Context, driverID types.ID, online bool) error
	Trace(ctx context.Context, rideID types.ID) ([]location.TracePoint, error)
	DriverForUser(ctx context.Context, uid string) (types.ID, error)
}

type FareCalculator interface {
	Calculate(ctx context.Context, req pricing.Request) (pricing.Breakdown, error)
}

type DriverFinder interface {
	FindDrivers(ctx context.Context, req matching.Request) (matching.Result, error)
}

// Subscriber attaches a WebSocket to a ride's event stream.
type Subscriber interface {
	Serve(w http.ResponseWriter, r *http.Request, rideID types.ID) error
}

type DeviceTokens interface {
	SetToken(ctx context.Context, uid, token string) error
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeRideError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ride.ErrBadRequest), errors.Is(err, pricing.ErrBadRequest),
		errors.Is(err, matching.ErrBadRequest), errors.Is(err, location.ErrInvalidSample):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrForbidden), errors.Is(err, ride.ErrNotAssigned):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrNotFound), errors.Is(err, location.ErrDriverNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrInvalidState), errors.Is(err, ride.ErrConflict),
		errors.Is(err, ride.ErrActiveRide), errors.Is(err, ride.ErrAlreadyRated),
		errors.Is(err, ride.ErrSessionActive):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, ride.ErrStaleOffer):
		writeError(c, http.StatusGone, err.Error())
	case errors.Is(err, pricing.ErrConfiguration):
		writeError(c, http.StatusInternalServerError, err.Error())
	case errors.Is(err, matching.ErrLookupFailed):
		writeError(c, http.StatusBadGateway, "driver lookup failed")
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

type transitionResponse struct {
	From    ride.Status `json:"from"`
	To      ride.Status `json:"to"`
	Actor   types.Actor `json:"actor"`
	ActorID *types.ID   `json:"actorId,omitempty"`
	At      time.Time   `json:"at"`
}

func toTransitionResponses(ts []ride.Transition) []transitionResponse {
	out := make([]transitionResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, transitionResponse{From: t.FromStatus, To: t.ToStatus, Actor: t.ActorType, ActorID: t.ActorID, At: t.CreatedAt})
	}
	return out
}

type rideResponse struct {
	ID                   types.ID           `json:"id"`
	PassengerID          types.ID           `json:"passengerId"`
	DriverID             *types.ID          `json:"driverId,omitempty"`
	VehicleID            *types.ID          `json:"vehicleId,omitempty"`
	VehicleType          types.VehicleClass `json:"vehicleType"`
	Status               ride.Status        `json:"status"`
	PickupLatitude       float64            `json:"pickupLatitude"`
	PickupLongitude      float64            `json:"pickupLongitude"`
	PickupAddress        string             `json:"pickupAddress"`
	DropoffLatitude      float64            `json:"dropoffLatitude"`
	DropoffLongitude     float64            `json:"dropoffLongitude"`
	DropoffAddress       string             `json:"dropoffAddress"`
	IsShared             bool               `json:"isShared"`
	SpecialInstructions  string             `json:"specialInstructions,omitempty"`
	EstimatedDistance    float64            `json:"estimatedDistance"`
	EstimatedDuration    float64            `json:"estimatedDuration"`
	EstimatedFare        float64            `json:"estimatedFare"`
	FinalFare            *float64           `json:"finalFare,omitempty"`
	SurgeMultiplier      float64            `json:"surgeMultiplier"`
	CommissionPercentage float64            `json:"commissionPercentage"`
	Currency             string             `json:"currency"`
	CancelledBy          *types.Actor       `json:"cancelledBy,omitempty"`
	CancellationReason   *string            `json:"cancellationReason,omitempty"`
	RequestedAt          string             `json:"requestedAt"`
}

func toRideResponse(r *ride.Ride) rideResponse {
	return rideResponse{
		ID:                   r.ID,
		PassengerID:          r.PassengerID,
		DriverID:             r.DriverID,
		VehicleID:            r.VehicleID,
		VehicleType:          r.VehicleClass,
		Status:               r.Status,
		PickupLatitude:       r.Pickup.Lat,
		PickupLongitude:      r.Pickup.Lng,
		PickupAddress:        r.PickupAddress,
		DropoffLatitude:      r.Dropoff.Lat,
		DropoffLongitude:     r.Dropoff.Lng,
		DropoffAddress:       r.DropoffAddress,
		IsShared:             r.Shared,
		SpecialInstructions:  r.SpecialInstructions,
		EstimatedDistance:    r.EstimatedDistanceKm,
		EstimatedDuration:    r.EstimatedDurationMin,
		EstimatedFare:        r.EstimatedFare,
		FinalFare:            r.FinalFare,
		SurgeMultiplier:      r.SurgeMultiplier,
		CommissionPercentage: r.CommissionPercentage,
		Currency:             types.Currency,
		CancelledBy:          r.CancelledBy,
		CancellationReason:   r.CancelReason,
		RequestedAt:          r.RequestedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}
