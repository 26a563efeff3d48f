// README: Trip distance/duration estimates from Google Maps Directions with a haversine fallback.
package maps

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"googlemaps.github.io/maps"

	"ridehail/internal/geo"
	"ridehail/internal/types"
)

var ErrNoRoute = errors.New("no route found")

// Estimate is a routed trip.
type Estimate struct {
	DistanceKm  float64
	DurationMin float64
	// Routed is false when the estimate came from the straight-line fallback.
	Routed bool
}

type directions interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// RouteService handles interactions with the Google Maps API.
type RouteService struct {
	client directions
	log    logrus.FieldLogger
}

// NewRouteService creates a RouteService. An empty apiKey gives a service that
// only uses the straight-line estimate.
func NewRouteService(apiKey string, log logrus.FieldLogger) (*RouteService, error) {
	s := &RouteService{log: log}
	if apiKey == "" {
		return s, nil
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	s.client = client
	return s, nil
}

// Estimate returns the driving distance and duration between two points. Any
// Directions failure falls back to the great-circle distance at urban speed.
func (s *RouteService) Estimate(ctx context.Context, from, to types.Point) (Estimate, error) {
	if s.client != nil {
		est, err := s.directions(ctx, from, to)
		if err == nil {
			return est, nil
		}
		s.log.WithError(err).Warn("directions lookup failed, using straight-line estimate")
	}
	return Fallback(from, to), nil
}

func (s *RouteService) directions(ctx context.Context, from, to types.Point) (Estimate, error) {
	routes, _, err := s.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Estimate{}, ErrNoRoute
	}

	var meters int
	var minutes float64
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
		minutes += leg.Duration.Minutes()
	}
	return Estimate{
		DistanceKm:  math.Round(float64(meters)/10) / 100,
		DurationMin: math.Ceil(minutes),
		Routed:      true,
	}, nil
}

// Fallback estimates a trip from the haversine distance at the urban average speed.
func Fallback(from, to types.Point) Estimate {
	d := geo.Between(from, to)
	return Estimate{
		DistanceKm:  math.Round(d*100) / 100,
		DurationMin: float64(geo.ETAMinutes(d)),
	}
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
