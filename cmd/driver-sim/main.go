// README: Driver device simulator; drives a straight route and reports positions to the API on the tracker cadence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ridehail/internal/infra"
	"ridehail/internal/modules/location"
	"ridehail/internal/types"
)

type Config struct {
	BaseURL  string
	Token    string
	DriverID string
	RideID   string
	From     types.Point
	To       types.Point
	SpeedKmh float64
	Interval time.Duration
	Timeout  time.Duration
	LogLevel string
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := infra.NewLogger(cfg.LogLevel, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &apiClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpc:   &http.Client{Timeout: cfg.Timeout},
	}
	if err := client.setAvailability(ctx, true); err != nil {
		log.WithError(err).Fatal("go online")
	}
	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := client.setAvailability(offCtx, false); err != nil {
			log.WithError(err).Warn("go offline")
		}
	}()

	var rideID *types.ID
	if cfg.RideID != "" {
		id := types.ID(cfg.RideID)
		rideID = &id
	}
	route := newRoute(cfg.From, cfg.To, cfg.SpeedKmh, time.Now)
	tracker := location.NewTracker(location.TrackerConfig{
		DriverID: types.ID(cfg.DriverID),
		RideID:   func() *types.ID { return rideID },
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
	}, route, client, log)

	log.WithFields(logrus.Fields{"from": cfg.From, "to": cfg.To, "eta": route.duration()}).Info("driving")
	if err := tracker.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("tracker stopped")
	}
}

func loadConfig() (Config, error) {
	var cfg Config
	var from, to string
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("RIDEHAIL_SIM_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.Token, "token", os.Getenv("RIDEHAIL_SIM_TOKEN"), "Firebase ID token of the driver")
	flag.StringVar(&cfg.DriverID, "driver", envOrDefault("RIDEHAIL_SIM_DRIVER", "sim"), "Driver label for logs")
	flag.StringVar(&cfg.RideID, "ride", "", "Ride to attach samples to")
	flag.StringVar(&from, "from", envOrDefault("RIDEHAIL_SIM_FROM", "12.9716,77.5946"), "Start position lat,lng")
	flag.StringVar(&to, "to", envOrDefault("RIDEHAIL_SIM_TO", "12.9352,77.6245"), "End position lat,lng")
	flag.Float64Var(&cfg.SpeedKmh, "speed", 25, "Average speed in km/h")
	flag.DurationVar(&cfg.Interval, "interval", envOrDefaultDuration("RIDEHAIL_LOCATION_INTERVAL", location.DefaultSampleInterval), "Sample interval")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("RIDEHAIL_LOCATION_TIMEOUT", location.DefaultSampleTimeout), "Per-sample timeout")
	flag.StringVar(&cfg.LogLevel, "log-level", envOrDefault("RIDEHAIL_LOG_LEVEL", "info"), "Log level")
	flag.Parse()

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Token == "" {
		return Config{}, fmt.Errorf("a driver token is required (-token or RIDEHAIL_SIM_TOKEN)")
	}
	if cfg.SpeedKmh <= 0 {
		return Config{}, fmt.Errorf("speed must be > 0")
	}
	var err error
	if cfg.From, err = parsePoint(from); err != nil {
		return Config{}, fmt.Errorf("from: %w", err)
	}
	if cfg.To, err = parsePoint(to); err != nil {
		return Config{}, fmt.Errorf("to: %w", err)
	}
	return cfg, nil
}

func parsePoint(v string) (types.Point, error) {
	lat, lng, ok := strings.Cut(v, ",")
	if !ok {
		return types.Point{}, fmt.Errorf("want lat,lng, got %q", v)
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return types.Point{}, err
	}
	ln, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err != nil {
		return types.Point{}, err
	}
	p := types.Point{Lat: la, Lng: ln}
	return p, location.Validate(p)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
