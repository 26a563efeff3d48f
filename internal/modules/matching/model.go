// README: Matching request, candidate rows and the ranked result.
package matching

import (
	"ridehail/internal/types"
)

const (
	// tieBreakKm is the distance gap below which two candidates count as equally
	// close and the better-rated driver wins.
	tieBreakKm = 0.5
	// maxResults caps the candidates returned to callers.
	maxResults = 10
	// defaultRadiusKm is used when neither request nor config give a radius.
	defaultRadiusKm = 5.0
)

type Request struct {
	VehicleClass   types.VehicleClass
	Pickup         types.Point
	Shared         bool
	SearchRadiusKm float64
}

// Row is one active vehicle of an approved, online driver as read from storage.
type Row struct {
	DriverID         types.ID
	DriverUserID     types.ID
	VehicleID        types.ID
	DriverName       string
	Phone            string
	VehicleModel     string
	Registration     string
	Rating           float64
	TotalRides       int
	SharedEnabled    bool
	Position         *types.Point
	GeofenceRadiusKm *float64
}

// Candidate is an assignable driver with everything a client needs to show the offer.
type Candidate struct {
	DriverID           types.ID `json:"driverId"`
	DriverUserID       types.ID `json:"driverUserId"`
	VehicleID          types.ID `json:"vehicleId"`
	DriverName         string   `json:"driverName"`
	Phone              string   `json:"phone"`
	VehicleModel       string   `json:"vehicleModel"`
	RegistrationNumber string   `json:"registrationNumber"`
	Rating             float64  `json:"rating"`
	TotalRides         int      `json:"totalRides"`
	DistanceKm         float64  `json:"distance"`
	Latitude           float64  `json:"latitude"`
	Longitude          float64  `json:"longitude"`
}

type Result struct {
	Drivers    []Candidate
	TotalCount int
}

// Empty reports the "no drivers available" outcome. It is not an error.
func (r Result) Empty() bool {
	return len(r.Drivers) == 0
}
