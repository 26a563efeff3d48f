// README: Redis copy of each ride's live offer so any API instance can check a driver's answer.
package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ridehail/internal/types"
)

const offerBoardKey = "dispatch:ride:%s:offer"

// OfferBoard mirrors the offer a session is waiting on. Only the session owner
// writes; everyone may read.
type OfferBoard interface {
	Put(ctx context.Context, o Offer) error
	Get(ctx context.Context, rideID types.ID) (Offer, bool, error)
	Clear(ctx context.Context, rideID types.ID) error
}

type RedisOfferBoard struct {
	redis *redis.Client
}

func NewRedisOfferBoard(rdb *redis.Client) *RedisOfferBoard {
	return &RedisOfferBoard{redis: rdb}
}

// Put stores o until it expires.
func (b *RedisOfferBoard) Put(ctx context.Context, o Offer) error {
	ttl := time.Until(o.ExpiresAt)
	if ttl <= 0 {
		return b.Clear(ctx, o.RideID)
	}
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return b.redis.Set(ctx, offerKey(o.RideID), body, ttl).Err()
}

func (b *RedisOfferBoard) Get(ctx context.Context, rideID types.ID) (Offer, bool, error) {
	body, err := b.redis.Get(ctx, offerKey(rideID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Offer{}, false, nil
	}
	if err != nil {
		return Offer{}, false, err
	}
	var o Offer
	if err := json.Unmarshal(body, &o); err != nil {
		return Offer{}, false, fmt.Errorf("decode offer: %w", err)
	}
	return o, true, nil
}

func (b *RedisOfferBoard) Clear(ctx context.Context, rideID types.ID) error {
	return b.redis.Del(ctx, offerKey(rideID)).Err()
}

func offerKey(rideID types.ID) string {
	return fmt.Sprintf(offerBoardKey, string(rideID))
}
