// README: Shared identifiers and value objects used across modules.
package types

import "strings"

type ID string

type Point struct {
	Lat float64
	Lng float64
}

// VehicleClass is the ride/vehicle category a fare and a match are computed for.
type VehicleClass string

const (
	VehicleBike VehicleClass = "bike"
	VehicleAuto VehicleClass = "auto"
	VehicleCar  VehicleClass = "car"
)

func ParseVehicleClass(v string) (VehicleClass, bool) {
	c := VehicleClass(strings.ToLower(strings.TrimSpace(v)))
	switch c {
	case VehicleBike, VehicleAuto, VehicleCar:
		return c, true
	}
	return "", false
}

// Actor identifies who initiated a transition.
type Actor string

const (
	ActorPassenger Actor = "passenger"
	ActorDriver    Actor = "driver"
	ActorSystem    Actor = "system"
)
