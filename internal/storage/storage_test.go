package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerchat/internal/models"
	"peerchat/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func seedRoom(t *testing.T, store *storage.Store, code string) *models.Room {
	t.Helper()
	room := &models.Room{
		ID:                code,
		Name:              "room " + code,
		SecretCode:        code,
		CreatedBy:         "alice",
		CreatedAt:         time.Now().UnixMicro(),
		EncryptionEnabled: true,
	}
	require.NoError(t, store.SaveRoom(context.Background(), room))
	return room
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Migrate())
	require.NoError(t, store.Migrate())
}

func TestIdentityRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.GetIdentity(ctx)
	require.ErrorIs(t, err, storage.ErrNoRows)

	self := &models.Identity{ID: "u1", DisplayName: "Alice", CreatedAt: time.Now().UnixMicro()}
	require.NoError(t, store.SaveIdentity(ctx, self))

	got, err := store.GetIdentity(ctx)
	require.NoError(t, err)
	require.Equal(t, self.ID, got.ID)
	require.Equal(t, "Alice", got.DisplayName)
}

func TestRoomCRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store, "AAAA1111")

	byID, err := store.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, room.Name, byID.Name)

	byCode, err := store.GetRoomByCode(ctx, room.SecretCode)
	require.NoError(t, err)
	require.Equal(t, room.ID, byCode.ID)

	_, err = store.GetRoomByCode(ctx, "NOPE0000")
	require.ErrorIs(t, err, storage.ErrNoRows)

	all, err := store.GetAllRooms(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMessageSaveIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store, "BBBB2222")

	msg := &models.Message{
		ID:         "m1",
		RoomID:     room.ID,
		SenderID:   "alice",
		SenderName: "Alice",
		Kind:       models.KindText,
		Body:       "hello",
		SentAt:     time.Now().UnixMicro(),
	}
	// a duplicate delivery of the same message id must not duplicate rows
	require.NoError(t, store.SaveMessage(ctx, msg))
	require.NoError(t, store.SaveMessage(ctx, msg))

	msgs, err := store.GetMessages(ctx, room.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Body)
}

func TestMessageCipherPersists(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store, "CCCC3333")

	msg := &models.Message{
		ID:       "m2",
		RoomID:   room.ID,
		SenderID: "bob",
		Kind:     models.KindText,
		Body:     "decrypted copy",
		Cipher: &models.CipherEnvelope{
			Ciphertext: []byte{0xde, 0xad},
			IV:         make([]byte, 12),
			KeyVersion: 3,
		},
		Encrypted: true,
		SentAt:    time.Now().UnixMicro(),
	}
	require.NoError(t, store.SaveMessage(ctx, msg))

	msgs, err := store.GetMessages(ctx, room.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Cipher)
	require.Equal(t, 3, msgs[0].Cipher.KeyVersion)
	require.Equal(t, []byte{0xde, 0xad}, msgs[0].Cipher.Ciphertext)
}

func TestPeerUpsertAndPresence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store, "DDDD4444")

	rec := &models.PeerRecord{
		ID:          "p1",
		PeerUserID:  "bob",
		DisplayName: "Bob",
		RoomID:      room.ID,
		IsOnline:    true,
		LastSeenAt:  time.Now().UnixMicro(),
	}
	require.NoError(t, store.UpsertPeer(ctx, rec))

	// upsert with the same room/user pair updates in place
	rec.DisplayName = "Bobby"
	require.NoError(t, store.UpsertPeer(ctx, rec))
	peers, err := store.GetPeers(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "Bobby", peers[0].DisplayName)

	require.NoError(t, store.SetPeerOnline(ctx, room.ID, "bob", false, time.Now().UnixMicro()))
	got, err := store.GetPeer(ctx, room.ID, "bob")
	require.NoError(t, err)
	require.False(t, got.IsOnline)
}

func TestDeleteRoomCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	doomed := seedRoom(t, store, "EEEE5555")
	kept := seedRoom(t, store, "FFFF6666")

	for _, room := range []*models.Room{doomed, kept} {
		require.NoError(t, store.SaveMessage(ctx, &models.Message{
			ID: "m-" + room.ID, RoomID: room.ID, SenderID: "a", Kind: models.KindText, Body: "x", SentAt: 1,
		}))
		require.NoError(t, store.UpsertPeer(ctx, &models.PeerRecord{
			ID: "p-" + room.ID, PeerUserID: "bob", RoomID: room.ID, LastSeenAt: 1,
		}))
		require.NoError(t, store.SaveKey(ctx, &models.KeyMaterial{
			ID: "k-" + room.ID, RoomID: room.ID, Kind: models.KeySymmetric, Version: 1, Bytes: []byte{1}, CreatedAt: 1,
		}))
	}

	require.NoError(t, store.DeleteRoom(ctx, doomed.ID))

	// every record scoped to the deleted room is gone
	_, err := store.GetRoom(ctx, doomed.ID)
	require.ErrorIs(t, err, storage.ErrNoRows)
	msgs, err := store.GetMessages(ctx, doomed.ID, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
	peers, err := store.GetPeers(ctx, doomed.ID)
	require.NoError(t, err)
	require.Empty(t, peers)
	keys, err := store.GetKeys(ctx, doomed.ID)
	require.NoError(t, err)
	require.Empty(t, keys)

	// the other room is untouched
	msgs, err = store.GetMessages(ctx, kept.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	keys, err = store.GetKeys(ctx, kept.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, src, "GGGG7777")
	require.NoError(t, src.SaveIdentity(ctx, &models.Identity{ID: "u1", DisplayName: "Alice", CreatedAt: 1}))
	require.NoError(t, src.SaveMessage(ctx, &models.Message{
		ID: "m1", RoomID: room.ID, SenderID: "u1", Kind: models.KindText, Body: "exported", SentAt: 1,
	}))
	require.NoError(t, src.UpsertPeer(ctx, &models.PeerRecord{ID: "p1", PeerUserID: "bob", RoomID: room.ID, LastSeenAt: 1}))
	require.NoError(t, src.SaveKey(ctx, &models.KeyMaterial{ID: "k1", RoomID: room.ID, Kind: models.KeySymmetric, Version: 1, Bytes: []byte{7}, CreatedAt: 1}))
	require.NoError(t, src.SetSetting(ctx, "theme", "dark"))

	snap, err := src.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Users, 1)
	require.Len(t, snap.Chatrooms, 1)
	require.Len(t, snap.Messages, 1)
	require.Len(t, snap.Peers, 1)
	require.Len(t, snap.EncryptionKeys, 1)
	require.Equal(t, "dark", snap.Settings["theme"])

	dst := openTestStore(t)
	require.NoError(t, dst.ImportAll(ctx, snap))

	msgs, err := dst.GetMessages(ctx, room.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "exported", msgs[0].Body)
	keys, err := dst.GetKeys(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	val, err := dst.GetSetting(ctx, "theme")
	require.NoError(t, err)
	require.Equal(t, "dark", val)

	// importing again is additive by primary key, not duplicating
	require.NoError(t, dst.ImportAll(ctx, snap))
	msgs, err = dst.GetMessages(ctx, room.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestClearAll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store, "HHHH8888")
	require.NoError(t, store.SaveMessage(ctx, &models.Message{
		ID: "m1", RoomID: room.ID, SenderID: "a", Kind: models.KindText, Body: "x", SentAt: 1,
	}))

	require.NoError(t, store.ClearAll(ctx))

	rooms, err := store.GetAllRooms(ctx)
	require.NoError(t, err)
	require.Empty(t, rooms)
	msgs, err := store.GetAllMessages(ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSealedSnapshot(t *testing.T) {
	snap := &storage.Snapshot{
		Users:    []models.Identity{{ID: "u1", DisplayName: "Alice"}},
		Settings: map[string]string{"theme": "dark"},
	}

	sealed, err := storage.SealSnapshot(snap, "correct horse")
	require.NoError(t, err)

	opened, err := storage.OpenSnapshot(sealed, "correct horse")
	require.NoError(t, err)
	require.Len(t, opened.Users, 1)
	require.Equal(t, "dark", opened.Settings["theme"])

	_, err = storage.OpenSnapshot(sealed, "wrong")
	require.ErrorIs(t, err, storage.ErrBadPassphrase)
}

func TestPeerWriterBatches(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	room := seedRoom(t, store, "IIII9999")

	w := storage.NewPeerWriter(64)
	w.Start(store)

	// many heartbeats for the same peer collapse to the last write
	for i := 0; i < 20; i++ {
		rec := &models.PeerRecord{
			ID: "p1", PeerUserID: "bob", DisplayName: "Bob", RoomID: room.ID,
			IsOnline: true, LastSeenAt: int64(i),
		}
		require.NoError(t, w.Enqueue(ctx, rec))
	}
	w.Stop()

	peers, err := store.GetPeers(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, int64(19), peers[0].LastSeenAt)
}

func TestPeerWriterHonorsEnqueueContext(t *testing.T) {
	store := openTestStore(t)
	room := seedRoom(t, store, "JJJJ0000")

	w := storage.NewPeerWriter(64)
	w.Start(store)

	// a caller that gave up before the flush must not produce a write
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &models.PeerRecord{
		ID: "p1", PeerUserID: "bob", DisplayName: "Bob", RoomID: room.ID,
		IsOnline: true, LastSeenAt: 1,
	}
	require.NoError(t, w.Enqueue(canceled, rec))
	w.Stop()

	peers, err := store.GetPeers(context.Background(), room.ID)
	require.NoError(t, err)
	require.Empty(t, peers)
}
