package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"peerchat/internal/models"
)

// SaveIdentity persists the local identity. The write is a single statement,
// atomic per record.
func (s *Store) SaveIdentity(ctx context.Context, id *models.Identity) error {
	const q = `
INSERT OR REPLACE INTO identities (id, display_name, created_at)
VALUES (?, ?, ?);
`
	if _, err := s.db.ExecContext(ctx, q, id.ID, id.DisplayName, id.CreatedAt); err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("insert identity: %v", err))
	}
	return nil
}

// GetIdentity returns the local identity, ErrNoRows when none was created
// yet.
func (s *Store) GetIdentity(ctx context.Context) (*models.Identity, error) {
	const q = `
SELECT id, display_name, created_at FROM identities
ORDER BY created_at ASC
LIMIT 1;
`
	var out models.Identity
	err := s.db.QueryRowContext(ctx, q).Scan(&out.ID, &out.DisplayName, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select identity: %w", err)
	}
	return &out, nil
}

// GetAllIdentities returns every known identity record, used by export.
func (s *Store) GetAllIdentities(ctx context.Context) ([]models.Identity, error) {
	const q = `SELECT id, display_name, created_at FROM identities;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("select identities: %w", err)
	}
	defer rows.Close()

	var out []models.Identity
	for rows.Next() {
		var m models.Identity
		if err := rows.Scan(&m.ID, &m.DisplayName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
