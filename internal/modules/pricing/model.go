// README: Pricing config rows, fare request and the fare breakdown contract.
package pricing

import (
	"time"

	"ridehail/internal/types"
)

const (
	defaultPeakSurge  = 1.5
	defaultNightSurge = 1.3
	sharedFactor      = 0.7
)

// Config is one active pricing row for a vehicle class.
type Config struct {
	VehicleClass         types.VehicleClass
	BaseFare             float64
	PerKmRate            float64
	PerMinuteRate        float64
	MinimumFare          float64
	PeakSurge            *float64
	NightSurge           *float64
	CommissionPercentage float64
}

func (c Config) peak() float64 {
	if c.PeakSurge == nil || *c.PeakSurge == 0 {
		return defaultPeakSurge
	}
	return *c.PeakSurge
}

func (c Config) night() float64 {
	if c.NightSurge == nil || *c.NightSurge == 0 {
		return defaultNightSurge
	}
	return *c.NightSurge
}

type Request struct {
	VehicleClass types.VehicleClass
	DistanceKm   float64
	DurationMin  float64
	Shared       bool
	// At is the reference time for surge selection; nil means now.
	At *time.Time
}

type SurgeWindow string

const (
	SurgeNone  SurgeWindow = "none"
	SurgePeak  SurgeWindow = "peak"
	SurgeNight SurgeWindow = "night"
)

// Breakdown is the fare result. Billing derives the commission split from it.
type Breakdown struct {
	BaseFare             float64 `json:"baseFare"`
	DistanceCharge       float64 `json:"distanceCharge"`
	TimeCharge           float64 `json:"timeCharge"`
	SurgeMultiplier      float64 `json:"surgeMultiplier"`
	SharingDiscount      string  `json:"sharingDiscount"`
	MinimumFare          float64 `json:"minimumFare"`
	TotalFare            float64 `json:"totalFare"`
	CommissionPercentage float64 `json:"commissionPercentage"`
}

// Split divides a fare into the platform commission and the driver's
// earnings. The two always add up to amount.
func Split(amount, percentage float64) (commission, earnings float64) {
	commission = types.RoundMoney(amount * percentage / 100)
	earnings = types.RoundMoney(amount - commission)
	return commission, earnings
}
