// README: Driver matcher: candidate lookup, geofence filtering and two-tier ranking.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"

	"ridehail/internal/config"
	"ridehail/internal/geo"
	"ridehail/internal/types"
)

var (
	ErrLookupFailed = errors.New("driver lookup failed")
	ErrBadRequest   = errors.New("bad match request")
)

// CandidateSource may narrow its rows to the search radius; Filter still decides.
type CandidateSource interface {
	Candidates(ctx context.Context, class types.VehicleClass, pickup types.Point, radiusKm float64) ([]Row, error)
	IsAvailable(ctx context.Context, driverID types.ID) (bool, error)
}

type Service struct {
	source CandidateSource
	cfg    config.MatchingConfig
}

func NewService(source CandidateSource, cfg config.MatchingConfig) *Service {
	return &Service{source: source, cfg: cfg}
}

// FindDrivers returns the ranked top candidates for a pickup. It never writes.
func (s *Service) FindDrivers(ctx context.Context, req Request) (Result, error) {
	if _, ok := types.ParseVehicleClass(string(req.VehicleClass)); !ok {
		return Result{}, fmt.Errorf("%w: vehicle class %q", ErrBadRequest, req.VehicleClass)
	}
	radius := req.SearchRadiusKm
	if radius <= 0 {
		radius = s.cfg.RadiusKm
	}
	if radius <= 0 {
		radius = defaultRadiusKm
	}

	rows, err := s.source.Candidates(ctx, req.VehicleClass, req.Pickup, radius)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	candidates := Filter(rows, req.Pickup, req.Shared, radius)
	Rank(candidates)

	limit := s.cfg.MaxResults
	if limit <= 0 || limit > maxResults {
		limit = maxResults
	}
	total := len(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return Result{Drivers: candidates, TotalCount: total}, nil
}

// IsAvailable re-checks that a driver is still approved and online.
func (s *Service) IsAvailable(ctx context.Context, driverID types.ID) (bool, error) {
	ok, err := s.source.IsAvailable(ctx, driverID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	return ok, nil
}

// Filter drops rows without a position, rows outside the search radius or the
// driver's own geofence, and non-shared vehicles for shared requests.
func Filter(rows []Row, pickup types.Point, shared bool, radiusKm float64) []Candidate {
	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		if shared && !r.SharedEnabled {
			continue
		}
		if r.Position == nil {
			continue
		}
		d := geo.Between(pickup, *r.Position)
		if d > radiusKm {
			continue
		}
		if r.GeofenceRadiusKm != nil && *r.GeofenceRadiusKm > 0 && d > *r.GeofenceRadiusKm {
			continue
		}
		name := r.DriverName
		if name == "" {
			name = "Driver"
		}
		out = append(out, Candidate{
			DriverID:           r.DriverID,
			DriverUserID:       r.DriverUserID,
			VehicleID:          r.VehicleID,
			DriverName:         name,
			Phone:              r.Phone,
			VehicleModel:       r.VehicleModel,
			RegistrationNumber: r.Registration,
			Rating:             r.Rating,
			TotalRides:         r.TotalRides,
			DistanceKm:         math.Round(d*100) / 100,
			Latitude:           r.Position.Lat,
			Longitude:          r.Position.Lng,
		})
	}
	return out
}

// Less ranks a before b. Candidates less than tieBreakKm apart are compared by
// rating (higher first); otherwise the nearer one wins.
func Less(a, b Candidate) bool {
	diff := a.DistanceKm - b.DistanceKm
	if math.Abs(diff) < tieBreakKm {
		return a.Rating > b.Rating
	}
	return diff < 0
}

// Rank orders candidates in place with a stable insertion sort over Less.
func Rank(items []Candidate) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && Less(key, items[j]) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
