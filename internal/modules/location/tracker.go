// README: Tracker samples a position source on a fixed cadence and feeds the location service.
package location

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ridehail/internal/types"
)

const (
	DefaultSampleInterval = 5 * time.Second
	DefaultSampleTimeout  = 10 * time.Second
)

// PositionSource yields the device's current position.
type PositionSource interface {
	Position(ctx context.Context) (types.Point, error)
}

type Ingester interface {
	Ingest(ctx context.Context, smp Sample) error
}

type TrackerConfig struct {
	DriverID types.ID
	// RideID, when set, is asked for the active ride on every sample.
	RideID   func() *types.ID
	Interval time.Duration
	Timeout  time.Duration
}

type Tracker struct {
	cfg    TrackerConfig
	source PositionSource
	sink   Ingester
	log    logrus.FieldLogger
}

func NewTracker(cfg TrackerConfig, source PositionSource, sink Ingester, log logrus.FieldLogger) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSampleInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSampleTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{cfg: cfg, source: source, sink: sink, log: log.WithField("driver_id", cfg.DriverID)}
}

// Run samples immediately and then every interval until ctx is done. A failed
// or slow sample is logged and skipped.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		t.sample(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tracker) sample(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	pos, err := t.source.Position(sctx)
	if err != nil {
		if ctx.Err() == nil {
			t.log.WithError(err).Warn("position sample skipped")
		}
		return
	}
	smp := Sample{DriverID: t.cfg.DriverID, Position: pos, RecordedAt: time.Now()}
	if t.cfg.RideID != nil {
		smp.RideID = t.cfg.RideID()
	}
	if err := t.sink.Ingest(sctx, smp); err != nil && ctx.Err() == nil {
		t.log.WithError(err).Warn("ingest position")
	}
}
