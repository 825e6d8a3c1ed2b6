package storage

import (
	"context"
	"database/sql"
	"fmt"

	"peerchat/internal/models"
)

// SaveMessage stores one message. Insert is idempotent on the message id, so
// a replayed envelope does not duplicate history.
func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	const q = `
INSERT OR IGNORE INTO messages
(id, room_id, sender_id, sender_name, kind, body, ciphertext, iv, key_version, encrypted, sent_at, edited_at, reply_to)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	var (
		ct  []byte
		iv  []byte
		ver int
	)
	if m.Cipher != nil {
		ct = m.Cipher.Ciphertext
		iv = m.Cipher.IV
		ver = m.Cipher.KeyVersion
	}
	_, err := s.db.ExecContext(ctx, q,
		m.ID, m.RoomID, m.SenderID, m.SenderName, string(m.Kind),
		m.Body, ct, iv, ver, boolToInt(m.Encrypted), m.SentAt, m.EditedAt, m.ReplyTo,
	)
	if err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("insert message: %v", err))
	}
	return nil
}

// SetMessageEdited stamps the edit time on an existing message. The body
// itself stays immutable.
func (s *Store) SetMessageEdited(ctx context.Context, messageID string, editedAt int64) error {
	const q = `UPDATE messages SET edited_at = ? WHERE id = ?;`
	if _, err := s.db.ExecContext(ctx, q, editedAt, messageID); err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("update message: %v", err))
	}
	return nil
}

// GetMessages returns up to limit messages for a room ordered by local
// send/receipt time ascending.
func (s *Store) GetMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	const q = `
SELECT id, room_id, sender_id, sender_name, kind, body, ciphertext, iv, key_version, encrypted, sent_at, edited_at, reply_to
FROM messages
WHERE room_id = ?
ORDER BY sent_at ASC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// GetAllMessages returns every message, used by export.
func (s *Store) GetAllMessages(ctx context.Context) ([]models.Message, error) {
	const q = `
SELECT id, room_id, sender_id, sender_name, kind, body, ciphertext, iv, key_version, encrypted, sent_at, edited_at, reply_to
FROM messages ORDER BY sent_at ASC;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("select all messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var (
		m       models.Message
		sender  sql.NullString
		name    sql.NullString
		kind    string
		body    sql.NullString
		ct      []byte
		iv      []byte
		ver     sql.NullInt64
		enc     int
		replyTo sql.NullString
	)
	if err := rows.Scan(&m.ID, &m.RoomID, &sender, &name, &kind, &body,
		&ct, &iv, &ver, &enc, &m.SentAt, &m.EditedAt, &replyTo); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	m.SenderID = sender.String
	m.SenderName = name.String
	m.Kind = models.MessageKind(kind)
	m.Body = body.String
	m.Encrypted = enc != 0
	m.ReplyTo = replyTo.String
	if len(ct) > 0 {
		m.Cipher = &models.CipherEnvelope{Ciphertext: ct, IV: iv, KeyVersion: int(ver.Int64)}
	}
	return &m, nil
}
