// README: Redis client initialization for the driver GEO index and dispatch locks.
package infra

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// DriverGeoKey is the GEO set of online drivers. Location writes it; matching
// reads it as a radius prefilter.
const DriverGeoKey = "geo:drivers"

func NewRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
