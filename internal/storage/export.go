package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"peerchat/internal/models"
)

// Snapshot is the export/import document: one top-level key per entity
// table.
type Snapshot struct {
	Users          []models.Identity    `json:"users"`
	Chatrooms      []models.Room        `json:"chatrooms"`
	Messages       []models.Message     `json:"messages"`
	Peers          []models.PeerRecord  `json:"peers"`
	EncryptionKeys []models.KeyMaterial `json:"encryptionKeys"`
	Settings       map[string]string    `json:"settings"`
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?);`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return ErrStorageFailure.WithDetails(fmt.Sprintf("set setting: %v", err))
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRows
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *Store) getAllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings;`)
	if err != nil {
		return nil, fmt.Errorf("select settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ExportAll reads every table into one Snapshot.
func (s *Store) ExportAll(ctx context.Context) (*Snapshot, error) {
	users, err := s.GetAllIdentities(ctx)
	if err != nil {
		return nil, err
	}
	rooms, err := s.GetAllRooms(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := s.GetAllMessages(ctx)
	if err != nil {
		return nil, err
	}
	peers, err := s.GetAllPeers(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := s.GetAllKeys(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := s.getAllSettings(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Users:          users,
		Chatrooms:      rooms,
		Messages:       msgs,
		Peers:          peers,
		EncryptionKeys: keys,
		Settings:       settings,
	}, nil
}

// ImportAll applies a snapshot additively, overwriting by primary key. The
// import is per-record, not transactional across the document: a failure
// leaves earlier records applied.
func (s *Store) ImportAll(ctx context.Context, snap *Snapshot) error {
	for i := range snap.Users {
		if err := s.SaveIdentity(ctx, &snap.Users[i]); err != nil {
			return err
		}
	}
	for i := range snap.Chatrooms {
		if err := s.SaveRoom(ctx, &snap.Chatrooms[i]); err != nil {
			return err
		}
	}
	for i := range snap.Messages {
		if err := s.importMessage(ctx, &snap.Messages[i]); err != nil {
			return err
		}
	}
	for i := range snap.Peers {
		if err := s.UpsertPeer(ctx, &snap.Peers[i]); err != nil {
			return err
		}
	}
	for i := range snap.EncryptionKeys {
		if err := s.SaveKey(ctx, &snap.EncryptionKeys[i]); err != nil {
			return err
		}
	}
	for k, v := range snap.Settings {
		if err := s.SetSetting(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// importMessage overwrites by id, unlike SaveMessage which ignores
// duplicates.
func (s *Store) importMessage(ctx context.Context, m *models.Message) error {
	const q = `
INSERT OR REPLACE INTO messages
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
		return ErrStorageFailure.WithDetails(fmt.Sprintf("import message: %v", err))
	}
	return nil
}

// ClearAll empties every table.
func (s *Store) ClearAll(ctx context.Context) error {
	for _, table := range []string{"messages", "peers", "keys", "rooms", "identities", "settings"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+`;`); err != nil {
			return ErrStorageFailure.WithDetails(fmt.Sprintf("clear %s: %v", table, err))
		}
	}
	return nil
}
