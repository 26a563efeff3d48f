// Package geo contains pure great-circle distance and ETA helpers.
package geo

import (
	"math"

	"ridehail/internal/types"
)

const (
	earthRadiusKm = 6371.0
	// urbanSpeedKmh is the constant average city speed used for ETA estimates.
	urbanSpeedKmh = 30.0
)

// Distance returns the haversine distance in kilometres between two points
// given in decimal degrees. Inputs are not range-checked.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// Between is Distance for two types.Point values.
func Between(a, b types.Point) float64 {
	return Distance(a.Lat, a.Lng, b.Lat, b.Lng)
}

// ETAMinutes estimates travel time at urbanSpeedKmh, rounded up to whole minutes.
func ETAMinutes(distanceKm float64) int {
	return int(math.Ceil(distanceKm * 60 / urbanSpeedKmh))
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
