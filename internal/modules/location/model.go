// README: Location samples, ride traces and the position event published on ingest.
package location

import (
	"time"

	"ridehail/internal/types"
)

// EventDriverLocation is both the event type and its routing key.
const EventDriverLocation = "driver.location"

// Sample is one reported driver position. RideID is set while the driver is on a trip.
type Sample struct {
	DriverID   types.ID
	RideID     *types.ID
	Position   types.Point
	RecordedAt time.Time
}

// TracePoint is one row of a ride's append-only trace.
type TracePoint struct {
	ID         int64     `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"recordedAt"`
}

type Event struct {
	Type      string    `json:"type"`
	DriverID  types.ID  `json:"driverId"`
	RideID    *types.ID `json:"rideId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	At        time.Time `json:"at"`
}
