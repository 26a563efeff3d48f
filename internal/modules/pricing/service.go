// README: Fare engine: config lookup, time-of-day surge, sharing discount and minimum fare.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ridehail/internal/types"
)

var (
	ErrConfiguration   = errors.New("pricing configuration not found")
	ErrNoActiveConfig  = fmt.Errorf("%w: no active row", ErrConfiguration)
	ErrAmbiguousConfig = fmt.Errorf("%w: more than one active row", ErrConfiguration)
	ErrBadRequest      = errors.New("bad fare request")
)

// ConfigSource returns every active pricing row for a vehicle class.
type ConfigSource interface {
	ActiveConfigs(ctx context.Context, class types.VehicleClass) ([]Config, error)
}

type Service struct {
	source ConfigSource
	loc    *time.Location
	now    func() time.Time
}

// NewService builds a fare engine. Surge hours are evaluated in loc; nil means UTC.
func NewService(source ConfigSource, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{source: source, loc: loc, now: time.Now}
}

func (s *Service) Calculate(ctx context.Context, req Request) (Breakdown, error) {
	if req.DistanceKm < 0 || req.DurationMin < 0 {
		return Breakdown{}, ErrBadRequest
	}
	cfg, err := s.activeConfig(ctx, req.VehicleClass)
	if err != nil {
		return Breakdown{}, err
	}

	at := s.now()
	if req.At != nil {
		at = *req.At
	}
	return Price(cfg, req, at.In(s.loc)), nil
}

func (s *Service) activeConfig(ctx context.Context, class types.VehicleClass) (Config, error) {
	rows, err := s.source.ActiveConfigs(ctx, class)
	if err != nil {
		return Config{}, fmt.Errorf("load pricing config %s: %w", class, err)
	}
	switch len(rows) {
	case 0:
		return Config{}, fmt.Errorf("%w for %s", ErrNoActiveConfig, class)
	case 1:
		return rows[0], nil
	default:
		return Config{}, fmt.Errorf("%w for %s", ErrAmbiguousConfig, class)
	}
}

// Price computes the fare for a single config. at must already be in the
// pricing time zone.
func Price(cfg Config, req Request, at time.Time) Breakdown {
	distanceCharge := req.DistanceKm * cfg.PerKmRate
	timeCharge := req.DurationMin * cfg.PerMinuteRate
	raw := cfg.BaseFare + distanceCharge + timeCharge

	multiplier, _ := Surge(cfg, at)
	fare := raw * multiplier
	discount := "0%"
	if req.Shared {
		fare *= sharedFactor
		discount = "30%"
	}
	if fare < cfg.MinimumFare {
		fare = cfg.MinimumFare
	}

	return Breakdown{
		BaseFare:             cfg.BaseFare,
		DistanceCharge:       types.RoundMoney(distanceCharge),
		TimeCharge:           types.RoundMoney(timeCharge),
		SurgeMultiplier:      multiplier,
		SharingDiscount:      discount,
		MinimumFare:          cfg.MinimumFare,
		TotalFare:            types.RoundMoney(fare),
		CommissionPercentage: cfg.CommissionPercentage,
	}
}

// Surge picks the multiplier for the local time at. Peak is checked before night.
func Surge(cfg Config, at time.Time) (float64, SurgeWindow) {
	switch {
	case isPeak(at):
		return cfg.peak(), SurgePeak
	case isNight(at):
		return cfg.night(), SurgeNight
	default:
		return 1.0, SurgeNone
	}
}

func isPeak(at time.Time) bool {
	wd := at.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	h := at.Hour()
	return (h >= 8 && h < 10) || (h >= 17 && h < 20)
}

func isNight(at time.Time) bool {
	h := at.Hour()
	return h >= 23 || h < 6
}
