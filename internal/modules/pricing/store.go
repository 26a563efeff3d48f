// README: Pricing config store backed by PostgreSQL.
package pricing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridehail/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ActiveConfigs(ctx context.Context, class types.VehicleClass) ([]Config, error) {
	rows, err := s.db.Query(ctx, `
		SELECT vehicle_type, base_fare::float8, per_km_rate::float8, per_minute_rate::float8,
		       minimum_fare::float8, surge_multiplier_peak::float8, surge_multiplier_night::float8,
		       commission_percentage::float8
		FROM pricing_config
		WHERE vehicle_type = $1 AND is_active = TRUE`, string(class),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		var c Config
		var class string
		if err := rows.Scan(
			&class, &c.BaseFare, &c.PerKmRate, &c.PerMinuteRate, &c.MinimumFare,
			&c.PeakSurge, &c.NightSurge, &c.CommissionPercentage,
		); err != nil {
			return nil, err
		}
		c.VehicleClass = types.VehicleClass(class)
		out = append(out, c)
	}
	return out, rows.Err()
}
