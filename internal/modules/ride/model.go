// README: Ride aggregate, status vocabulary and the transition table.
package ride

import (
	"strings"
	"time"

	"ridehail/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusRequested  Status = "requested"
	StatusMatched    Status = "matched"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus accepts the canonical names plus the legacy "started" for in_progress.
func ParseStatus(v string) (Status, bool) {
	switch s := Status(strings.ToLower(strings.TrimSpace(v))); s {
	case StatusRequested, StatusMatched, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, true
	case "started":
		return StatusInProgress, true
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Matching reports whether the ride is still looking for a driver.
func (s Status) Matching() bool {
	return s == StatusRequested || s == StatusMatched
}

// AllowedTransitions represents the ride state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:  {StatusMatched, StatusAccepted, StatusCancelled},
	StatusMatched:    {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Ride struct {
	ID                   types.ID
	PassengerID          types.ID
	DriverID             *types.ID
	VehicleID            *types.ID
	VehicleClass         types.VehicleClass
	Status               Status
	StatusVersion        int
	Pickup               types.Point
	PickupAddress        string
	Dropoff              types.Point
	DropoffAddress       string
	Shared               bool
	SpecialInstructions  string
	EstimatedDistanceKm  float64
	EstimatedDurationMin float64
	EstimatedFare        float64
	FinalFare            *float64
	SurgeMultiplier      float64
	CommissionPercentage float64
	CancelledBy          *types.Actor
	CancelReason         *string
	RequestedAt          time.Time
	MatchedAt            *time.Time
	AcceptedAt           *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	CancelledAt          *time.Time
}

// AssignedTo reports whether driverID holds the ride.
func (r *Ride) AssignedTo(driverID types.ID) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

// Transition is the append-only audit row written with every applied transition.
type Transition struct {
	ID         int64
	RideID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  types.Actor
	ActorID    *types.ID
	CreatedAt  time.Time
}

// Transaction is the billing row written when a ride completes.
type Transaction struct {
	ID               types.ID
	RideID           types.ID
	UserID           types.ID
	DriverID         types.ID
	Amount           float64
	CommissionAmount float64
	DriverEarnings   float64
	PaymentMethod    string
	PaymentStatus    string
	CreatedAt        time.Time
}

type Rating struct {
	ID        types.ID
	RideID    types.ID
	RatedBy   types.ID
	RatedUser types.ID
	Score     int
	Comment   string
	CreatedAt time.Time
}

// Earnings aggregates a driver's completed rides.
type Earnings struct {
	DriverID       types.ID `json:"driverId"`
	CompletedRides int      `json:"completedRides"`
	GrossFares     float64  `json:"grossFares"`
	Commission     float64  `json:"commission"`
	NetEarnings    float64  `json:"netEarnings"`
}

// Offer is the pending proposal of a ride to one candidate driver.
type Offer struct {
	ID         types.ID  `json:"offerId"`
	RideID     types.ID  `json:"rideId"`
	DriverID   types.ID  `json:"driverId"`
	VehicleID  types.ID  `json:"vehicleId"`
	DistanceKm float64   `json:"distance"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
