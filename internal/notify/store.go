// README: Device token storage on the profile row.
package notify

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridehail/internal/types"
)

var ErrUnknownUser = errors.New("unknown user")

type TokenStore struct {
	db *pgxpool.Pool
}

func NewTokenStore(db *pgxpool.Pool) *TokenStore {
	return &TokenStore{db: db}
}

// DriverToken returns "" when the driver has not registered a device.
func (s *TokenStore) DriverToken(ctx context.Context, driverID types.ID) (string, error) {
	var token string
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(p.fcm_token, '')
		FROM drivers d
		JOIN profiles p ON p.id = d.user_id
		WHERE d.id = $1`, string(driverID),
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return token, err
}

// SetToken records the caller's current device token.
func (s *TokenStore) SetToken(ctx context.Context, uid, token string) error {
	tag, err := s.db.Exec(ctx, `UPDATE profiles SET fcm_token = NULLIF($2, '') WHERE id = $1`, uid, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownUser
	}
	return nil
}
