package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"unitrack/auth-gate/internal/model"
)

var ErrSecretNotFound = errors.New("second factor secret not found")

// CreateSecondFactorSecret inserts the secret and raises the owner's
// second_factor_enabled flag in one transaction.
func (s *Store) CreateSecondFactorSecret(ctx context.Context, secret model.SecondFactorSecret) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO second_factor_secrets (id, owner_id, secret, alias, verified, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, secret.ID, secret.OwnerID, secret.Secret, secret.Alias, secret.Verified, secret.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE identities SET second_factor_enabled = true, updated_at = now()
			WHERE id = $1
		`, secret.OwnerID)
		return err
	})
}

func (s *Store) GetSecondFactorSecret(ctx context.Context, id string) (model.SecondFactorSecret, error) {
	var secret model.SecondFactorSecret
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, secret, alias, verified, created_at
		FROM second_factor_secrets
		WHERE id = $1
	`, id).Scan(&secret.ID, &secret.OwnerID, &secret.Secret, &secret.Alias, &secret.Verified, &secret.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SecondFactorSecret{}, ErrSecretNotFound
	}
	return secret, err
}

func (s *Store) ListSecondFactorSecrets(ctx context.Context, ownerID string) ([]model.SecondFactorSecret, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, secret, alias, verified, created_at
		FROM second_factor_secrets
		WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	secrets := make([]model.SecondFactorSecret, 0)
	for rows.Next() {
		var secret model.SecondFactorSecret
		if err := rows.Scan(&secret.ID, &secret.OwnerID, &secret.Secret, &secret.Alias, &secret.Verified, &secret.CreatedAt); err != nil {
			return nil, err
		}
		secrets = append(secrets, secret)
	}
	return secrets, rows.Err()
}

func (s *Store) MarkSecondFactorVerified(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE second_factor_secrets SET verified = true WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSecretNotFound
	}
	return nil
}

// DeleteSecondFactorSecret removes the secret and, when it was the owner's
// last one, clears second_factor_enabled. Both effects commit atomically so
// a crash cannot leave the flag out of step with the secret count.
func (s *Store) DeleteSecondFactorSecret(ctx context.Context, id, ownerID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM second_factor_secrets WHERE id = $1 AND owner_id = $2
		`, id, ownerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrSecretNotFound
		}
		var remaining int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM second_factor_secrets WHERE owner_id = $1
		`, ownerID).Scan(&remaining); err != nil {
			return err
		}
		if remaining == 0 {
			_, err = tx.Exec(ctx, `
				UPDATE identities SET second_factor_enabled = false, updated_at = now()
				WHERE id = $1
			`, ownerID)
			return err
		}
		return nil
	})
}
