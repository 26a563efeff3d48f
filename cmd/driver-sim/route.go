// README: Straight-line route that reports where the simulated car is at a given time.
package main

import (
	"context"
	"time"

	"ridehail/internal/geo"
	"ridehail/internal/types"
)

type route struct {
	from, to types.Point
	total    time.Duration
	start    time.Time
	now      func() time.Time
}

func newRoute(from, to types.Point, speedKmh float64, now func() time.Time) *route {
	hours := geo.Between(from, to) / speedKmh
	return &route{
		from:  from,
		to:    to,
		total: time.Duration(hours * float64(time.Hour)),
		start: now(),
		now:   now,
	}
}

func (r *route) duration() time.Duration { return r.total }

// Position interpolates linearly; the car waits at the destination once it arrives.
func (r *route) Position(ctx context.Context) (types.Point, error) {
	if err := ctx.Err(); err != nil {
		return types.Point{}, err
	}
	frac := 1.0
	if r.total > 0 {
		frac = float64(r.now().Sub(r.start)) / float64(r.total)
	}
	if frac > 1 {
		frac = 1
	}
	return types.Point{
		Lat: r.from.Lat + (r.to.Lat-r.from.Lat)*frac,
		Lng: r.from.Lng + (r.to.Lng-r.from.Lng)*frac,
	}, nil
}
