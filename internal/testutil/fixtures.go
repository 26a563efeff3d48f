package testutil

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Driver describes a seeded driver with one vehicle.
type Driver struct {
	ID        string
	UserID    string
	VehicleID string
	Name      string
	Class     string
	Online    bool
	Status    string
	Active    bool
	Shared    bool
	Rating    float64
	Lat, Lng  *float64
	Geofence  *float64
}

func SeedDriver(t *testing.T, db *pgxpool.Pool, d Driver) {
	t.Helper()
	ctx := context.Background()
	if d.Status == "" {
		d.Status = "approved"
	}
	if d.Rating == 0 {
		d.Rating = 4.5
	}
	if _, err := db.Exec(ctx, `INSERT INTO profiles (id, full_name, phone) VALUES ($1, $2, '+910000000000')`,
		d.UserID, d.Name); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO drivers (id, user_id, is_online, current_latitude, current_longitude, rating, geofence_radius, verification_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.UserID, d.Online, d.Lat, d.Lng, d.Rating, d.Geofence, d.Status); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO vehicles (id, driver_id, vehicle_type, model, registration_number, is_active, is_shared_enabled)
		VALUES ($1, $2, $3, 'Swift', $4, $5, $6)`,
		d.VehicleID, d.ID, d.Class, "KA01"+d.ID, d.Active, d.Shared); err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}
}

// SeedPricing inserts an active pricing row.
func SeedPricing(t *testing.T, db *pgxpool.Pool, class string, base, perKm, perMin, minimum, commission float64) {
	t.Helper()
	if _, err := db.Exec(context.Background(), `
		INSERT INTO pricing_config (vehicle_type, base_fare, per_km_rate, per_minute_rate, minimum_fare,
		                            surge_multiplier_peak, surge_multiplier_night, commission_percentage)
		VALUES ($1, $2, $3, $4, $5, 1.5, 1.3, $6)`,
		class, base, perKm, perMin, minimum, commission); err != nil {
		t.Fatalf("seed pricing: %v", err)
	}
}

func Float(v float64) *float64 { return &v }
