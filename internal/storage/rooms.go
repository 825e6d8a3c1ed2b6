package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"peerchat/internal/models"
)

func (s *Store) SaveRoom(ctx context.Context, room *models.Room) error {
	const q = `
INSERT OR REPLACE INTO rooms
(id, name, secret_code, description, created_by, created_at, is_private, max_members, encryption_enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q,
		room.ID,
		room.Name,
		room.SecretCode,
		room.Description,
		room.CreatedBy,
		room.CreatedAt,
		boolToInt(room.IsPrivate),
		room.MaxMembers,
		boolToInt(room.EncryptionEnabled),
	)
	if err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("insert room: %v", err))
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	return s.roomQuery(ctx, `WHERE id = ?`, roomID)
}

func (s *Store) GetRoomByCode(ctx context.Context, secretCode string) (*models.Room, error) {
	return s.roomQuery(ctx, `WHERE secret_code = ?`, secretCode)
}

func (s *Store) roomQuery(ctx context.Context, where string, arg any) (*models.Room, error) {
	q := `
SELECT id, name, secret_code, description, created_by, created_at, is_private, max_members, encryption_enabled
FROM rooms ` + where + ` LIMIT 1;`
	var (
		out       models.Room
		desc      sql.NullString
		isPrivate int
		encOn     int
	)
	err := s.db.QueryRowContext(ctx, q, arg).Scan(
		&out.ID, &out.Name, &out.SecretCode, &desc, &out.CreatedBy,
		&out.CreatedAt, &isPrivate, &out.MaxMembers, &encOn,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select room: %w", err)
	}
	out.Description = desc.String
	out.IsPrivate = isPrivate != 0
	out.EncryptionEnabled = encOn != 0
	return &out, nil
}

func (s *Store) GetAllRooms(ctx context.Context) ([]models.Room, error) {
	const q = `
SELECT id, name, secret_code, description, created_by, created_at, is_private, max_members, encryption_enabled
FROM rooms ORDER BY created_at ASC;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("select rooms: %w", err)
	}
	defer rows.Close()

	var out []models.Room
	for rows.Next() {
		var (
			m         models.Room
			desc      sql.NullString
			isPrivate int
			encOn     int
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.SecretCode, &desc, &m.CreatedBy,
			&m.CreatedAt, &isPrivate, &m.MaxMembers, &encOn); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m.Description = desc.String
		m.IsPrivate = isPrivate != 0
		m.EncryptionEnabled = encOn != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteRoom removes the room; messages, peers, and keys cascade through
// their foreign keys.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?;`, roomID); err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("delete room: %v", err))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
