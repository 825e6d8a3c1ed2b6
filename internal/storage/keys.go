package storage

import (
	"context"
	"fmt"

	"peerchat/internal/models"
)

// SaveKey persists key material for a room. Key rows are wiped when the room
// is deleted; nothing here is ever logged.
func (s *Store) SaveKey(ctx context.Context, k *models.KeyMaterial) error {
	const q = `
INSERT OR REPLACE INTO keys (id, room_id, kind, version, material, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q, k.ID, k.RoomID, string(k.Kind), k.Version, k.Bytes, k.CreatedAt)
	if err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("insert key: %v", err))
	}
	return nil
}

func (s *Store) GetKeys(ctx context.Context, roomID string) ([]models.KeyMaterial, error) {
	const q = `
SELECT id, room_id, kind, version, material, created_at
FROM keys WHERE room_id = ? ORDER BY version ASC;
`
	return s.keyRows(ctx, q, roomID)
}

// GetAllKeys returns every key row, used by export.
func (s *Store) GetAllKeys(ctx context.Context) ([]models.KeyMaterial, error) {
	const q = `
SELECT id, room_id, kind, version, material, created_at FROM keys;
`
	return s.keyRows(ctx, q)
}

func (s *Store) keyRows(ctx context.Context, q string, args ...any) ([]models.KeyMaterial, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer rows.Close()

	var out []models.KeyMaterial
	for rows.Next() {
		var (
			m    models.KeyMaterial
			kind string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &kind, &m.Version, &m.Bytes, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m.Kind = models.KeyKind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteKeys(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM keys WHERE room_id = ?;`, roomID); err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("delete keys: %v", err))
	}
	return nil
}
