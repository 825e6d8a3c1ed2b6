package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"peerchat/internal/models"
)

// UpsertPeer creates or refreshes a peer record keyed by (room, peer user).
func (s *Store) UpsertPeer(ctx context.Context, p *models.PeerRecord) error {
	const q = `
INSERT INTO peers (id, peer_user_id, display_name, room_id, is_online, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (room_id, peer_user_id) DO UPDATE SET
  display_name = excluded.display_name,
  is_online = excluded.is_online,
  last_seen_at = excluded.last_seen_at;
`
	_, err := s.db.ExecContext(ctx, q,
		p.ID, p.PeerUserID, p.DisplayName, p.RoomID, boolToInt(p.IsOnline), p.LastSeenAt)
	if err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("upsert peer: %v", err))
	}
	return nil
}

// SetPeerOnline flips the online flag; peers are marked offline rather than
// deleted when a connection drops.
func (s *Store) SetPeerOnline(ctx context.Context, roomID, peerUserID string, online bool, lastSeen int64) error {
	const q = `
UPDATE peers SET is_online = ?, last_seen_at = ?
WHERE room_id = ? AND peer_user_id = ?;
`
	if _, err := s.db.ExecContext(ctx, q, boolToInt(online), lastSeen, roomID, peerUserID); err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("update peer: %v", err))
	}
	return nil
}

func (s *Store) GetPeer(ctx context.Context, roomID, peerUserID string) (*models.PeerRecord, error) {
	const q = `
SELECT id, peer_user_id, display_name, room_id, is_online, last_seen_at
FROM peers WHERE room_id = ? AND peer_user_id = ? LIMIT 1;
`
	var (
		out    models.PeerRecord
		name   sql.NullString
		online int
	)
	err := s.db.QueryRowContext(ctx, q, roomID, peerUserID).Scan(
		&out.ID, &out.PeerUserID, &name, &out.RoomID, &online, &out.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select peer: %w", err)
	}
	out.DisplayName = name.String
	out.IsOnline = online != 0
	return &out, nil
}

func (s *Store) GetPeers(ctx context.Context, roomID string) ([]models.PeerRecord, error) {
	const q = `
SELECT id, peer_user_id, display_name, room_id, is_online, last_seen_at
FROM peers WHERE room_id = ?;
`
	return s.peerRows(ctx, q, roomID)
}

// GetAllPeers returns every peer record, used by export.
func (s *Store) GetAllPeers(ctx context.Context) ([]models.PeerRecord, error) {
	const q = `
SELECT id, peer_user_id, display_name, room_id, is_online, last_seen_at
FROM peers;
`
	return s.peerRows(ctx, q)
}

func (s *Store) peerRows(ctx context.Context, q string, args ...any) ([]models.PeerRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select peers: %w", err)
	}
	defer rows.Close()

	var out []models.PeerRecord
	for rows.Next() {
		var (
			m      models.PeerRecord
			name   sql.NullString
			online int
		)
		if err := rows.Scan(&m.ID, &m.PeerUserID, &name, &m.RoomID, &online, &m.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m.DisplayName = name.String
		m.IsOnline = online != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
