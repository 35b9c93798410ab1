package repository

import (
	"context"

	"unitrack/auth-gate/internal/model"
)

const identityColumns = `
	id, username, password_hash, user_type, admin, active, second_factor_enabled, created_at, updated_at`

func (s *Store) GetIdentityByUsername(ctx context.Context, username string) (model.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+identityColumns+`
		FROM identities
		WHERE username = $1
	`, username)
	return scanIdentity(row)
}

func (s *Store) GetIdentityByID(ctx context.Context, id string) (model.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+identityColumns+`
		FROM identities
		WHERE id = $1
	`, id)
	return scanIdentity(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (model.Identity, error) {
	var identity model.Identity
	err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.PasswordHash,
		&identity.UserType,
		&identity.Admin,
		&identity.Active,
		&identity.SecondFactorEnabled,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	return identity, err
}
