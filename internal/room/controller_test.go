package room_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerchat/internal/crypto"
	"peerchat/internal/models"
	"peerchat/internal/peer"
	"peerchat/internal/room"
	"peerchat/internal/signal"
	"peerchat/internal/storage"
	"peerchat/internal/utils"
)

// recorder captures controller events for assertions.
type recorder struct {
	mu        sync.Mutex
	connected []string
	messages  []*models.Message
	typing    []string
	peerInfo  []*models.PeerRecord
}

func (r *recorder) PeerConnected(roomID, peerID string) {
	r.mu.Lock()
	r.connected = append(r.connected, peerID)
	r.mu.Unlock()
}

func (r *recorder) PeerDisconnected(roomID, peerID string) {}

func (r *recorder) MessageReceived(msg *models.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *recorder) TypingIndicator(roomID, peerID string, active bool) {
	r.mu.Lock()
	r.typing = append(r.typing, peerID)
	r.mu.Unlock()
}

func (r *recorder) PeerInfoUpdated(rec *models.PeerRecord) {
	r.mu.Lock()
	r.peerInfo = append(r.peerInfo, rec)
	r.mu.Unlock()
}

func (r *recorder) connectedTo(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.connected {
		if id == peerID {
			return true
		}
	}
	return false
}

func (r *recorder) messageBodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Body)
	}
	return out
}

func (r *recorder) lastMessage() *models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	return r.messages[len(r.messages)-1]
}

type testNode struct {
	id   string
	ctrl *room.Controller
	rec  *recorder
}

func newTestNode(t *testing.T, bus *signal.Bus, network *peer.MemNetwork, id, name string, opts room.Options) *testNode {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	if opts.PresenceInterval == 0 {
		opts.PresenceInterval = 50 * time.Millisecond
	}
	self := &models.Identity{ID: id, DisplayName: name, CreatedAt: time.Now().UnixMicro()}
	require.NoError(t, store.SaveIdentity(context.Background(), self))

	ctrl := room.NewController(self, store, crypto.NewEngine(), bus.Endpoint(id), network.Transport("addr-"+id), opts)
	rec := &recorder{}
	ctrl.SetObserver(rec)
	t.Cleanup(ctrl.Close)
	return &testNode{id: id, ctrl: ctrl, rec: rec}
}

func waitConnected(t *testing.T, a, b *testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.rec.connectedTo(b.id) && b.rec.connectedTo(a.id)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSameCodeConvergesOnSameRoom(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	alice := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})
	bob := newTestNode(t, bus, network, "bob-2222", "Bob", room.Options{})
	ctx := context.Background()

	created, err := alice.ctrl.CreateRoom(ctx, "reading club", "", false)
	require.NoError(t, err)
	require.Len(t, created.SecretCode, utils.RoomCodeLength)
	require.Equal(t, created.SecretCode, created.ID)

	joined, err := bob.ctrl.JoinRoom(ctx, created.SecretCode)
	require.NoError(t, err)
	require.Equal(t, created.ID, joined.ID)

	// both sides derive the same key from the same code
	fpA, err := alice.ctrl.Fingerprint(created.ID)
	require.NoError(t, err)
	fpB, err := bob.ctrl.Fingerprint(joined.ID)
	require.NoError(t, err)
	require.Equal(t, fpA, fpB)
}

func TestEncryptedMessageDelivery(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	alice := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})
	bob := newTestNode(t, bus, network, "bob-2222", "Bob", room.Options{})
	ctx := context.Background()

	created, err := alice.ctrl.CreateRoom(ctx, "lounge", "", false)
	require.NoError(t, err)
	_, err = bob.ctrl.JoinRoom(ctx, created.SecretCode)
	require.NoError(t, err)
	waitConnected(t, alice, bob)

	sent, err := alice.ctrl.SendMessage(ctx, created.ID, "hello bob")
	require.NoError(t, err)
	require.True(t, sent.Encrypted)
	require.NotNil(t, sent.Cipher)

	require.Eventually(t, func() bool { return bob.rec.lastMessage() != nil }, 3*time.Second, 20*time.Millisecond)
	got := bob.rec.lastMessage()
	require.Equal(t, "hello bob", got.Body)
	require.Equal(t, sent.ID, got.ID)
	require.Equal(t, "Alice", got.SenderName)

	// the received message is persisted on bob's side
	msgs, err := bob.ctrl.History(ctx, created.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello bob", msgs[0].Body)
}

func TestMessagesFlowInEverySharedRoom(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	alice := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})
	bob := newTestNode(t, bus, network, "bob-2222", "Bob", room.Options{})
	ctx := context.Background()

	first, err := alice.ctrl.CreateRoom(ctx, "first", "", false)
	require.NoError(t, err)
	_, err = bob.ctrl.JoinRoom(ctx, first.SecretCode)
	require.NoError(t, err)
	waitConnected(t, alice, bob)

	// a second shared room rides on the channel the first one opened
	second, err := alice.ctrl.CreateRoom(ctx, "second", "", false)
	require.NoError(t, err)
	_, err = bob.ctrl.JoinRoom(ctx, second.SecretCode)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		peers, err := alice.ctrl.RoomPeers(ctx, second.ID)
		return err == nil && len(peers) == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err = alice.ctrl.SendMessage(ctx, second.ID, "hello in the second room")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m := bob.rec.lastMessage()
		return m != nil && m.Body == "hello in the second room"
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, second.ID, bob.rec.lastMessage().RoomID)

	// the first room keeps delivering over the same connection
	_, err = alice.ctrl.SendMessage(ctx, first.ID, "still the first room")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m := bob.rec.lastMessage()
		return m != nil && m.RoomID == first.ID && m.Body == "still the first room"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestOfflinePeerGetsNoBackfill(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	alice := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})
	ctx := context.Background()

	created, err := alice.ctrl.CreateRoom(ctx, "archive", "", false)
	require.NoError(t, err)

	// bob is not online yet: this message reaches nobody and is never queued
	_, err = alice.ctrl.SendMessage(ctx, created.ID, "early message")
	require.NoError(t, err)

	bob := newTestNode(t, bus, network, "bob-2222", "Bob", room.Options{})
	_, err = bob.ctrl.JoinRoom(ctx, created.SecretCode)
	require.NoError(t, err)
	waitConnected(t, alice, bob)

	_, err = alice.ctrl.SendMessage(ctx, created.ID, "hi again")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bob.rec.lastMessage() != nil }, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{"hi again"}, bob.rec.messageBodies())

	msgs, err := bob.ctrl.History(ctx, created.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi again", msgs[0].Body)
}

func TestUndecryptableMessageBecomesTombstone(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	alice := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})
	bob := newTestNode(t, bus, network, "bob-2222", "Bob", room.Options{})
	ctx := context.Background()

	created, err := alice.ctrl.CreateRoom(ctx, "vault", "", false)
	require.NoError(t, err)
	_, err = bob.ctrl.JoinRoom(ctx, created.SecretCode)
	require.NoError(t, err)
	waitConnected(t, alice, bob)

	// alice rotates; bob never learns the new version and must render a
	// tombstone instead of plaintext or garbage
	_, err = alice.ctrl.RotateRoomKey(ctx, created.ID)
	require.NoError(t, err)
	_, err = alice.ctrl.SendMessage(ctx, created.ID, "secret under new key")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bob.rec.lastMessage() != nil }, 3*time.Second, 20*time.Millisecond)
	got := bob.rec.lastMessage()
	require.Equal(t, room.TombstoneBody, got.Body)
	require.Equal(t, models.KindSystem, got.Kind)
	require.NotContains(t, got.Body, "secret")
}

func TestTypingIndicatorIsTransient(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	alice := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})
	bob := newTestNode(t, bus, network, "bob-2222", "Bob", room.Options{})
	ctx := context.Background()

	created, err := alice.ctrl.CreateRoom(ctx, "", "", false)
	require.NoError(t, err)
	_, err = bob.ctrl.JoinRoom(ctx, created.SecretCode)
	require.NoError(t, err)
	waitConnected(t, alice, bob)

	alice.ctrl.SendTyping(created.ID, true)
	require.Eventually(t, func() bool {
		bob.rec.mu.Lock()
		defer bob.rec.mu.Unlock()
		return len(bob.rec.typing) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// nothing stored for an indicator
	msgs, err := bob.ctrl.History(ctx, created.ID, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestStrictJoinRejectsUnknownCode(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	node := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{JoinPolicy: room.JoinStrict})

	_, err := node.ctrl.JoinRoom(context.Background(), "ZZZZ9999")
	require.ErrorIs(t, err, models.ErrRoomNotFound)
}

func TestAutoCreateJoinOpensRoomOnDemand(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	node := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})

	joined, err := node.ctrl.JoinRoom(context.Background(), "FRESH001")
	require.NoError(t, err)
	require.Equal(t, "FRESH001", joined.ID)
	require.True(t, joined.EncryptionEnabled)
}

func TestSendToUnopenedRoomFails(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	node := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})

	_, err := node.ctrl.SendMessage(context.Background(), "NOROOM00", "hello")
	require.ErrorIs(t, err, room.ErrRoomNotOpen)
}

func TestDeleteRoomRemovesEverything(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	alice := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})
	ctx := context.Background()

	doomed, err := alice.ctrl.CreateRoom(ctx, "doomed", "", false)
	require.NoError(t, err)
	kept, err := alice.ctrl.CreateRoom(ctx, "kept", "", false)
	require.NoError(t, err)
	_, err = alice.ctrl.SendMessage(ctx, doomed.ID, "to be purged")
	require.NoError(t, err)
	_, err = alice.ctrl.SendMessage(ctx, kept.ID, "survivor")
	require.NoError(t, err)

	require.NoError(t, alice.ctrl.DeleteRoom(ctx, doomed.ID))

	msgs, err := alice.ctrl.History(ctx, doomed.ID, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
	// key material is wiped along with the room
	_, err = alice.ctrl.Fingerprint(doomed.ID)
	require.Error(t, err)

	msgs, err = alice.ctrl.History(ctx, kept.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	_, err = alice.ctrl.Fingerprint(kept.ID)
	require.NoError(t, err)
}

func TestExportImportRestoresKeys(t *testing.T) {
	bus := signal.NewBus()
	network := peer.NewMemNetwork()
	alice := newTestNode(t, bus, network, "alice-1111", "Alice", room.Options{})
	ctx := context.Background()

	created, err := alice.ctrl.CreateRoom(ctx, "portable", "", false)
	require.NoError(t, err)
	_, err = alice.ctrl.SendMessage(ctx, created.ID, "kept across export")
	require.NoError(t, err)

	snap, err := alice.ctrl.ExportAllData(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Chatrooms, 1)
	require.Len(t, snap.Messages, 1)
	require.Len(t, snap.EncryptionKeys, 1)

	// a second instance imports the snapshot and can read everything back
	other := newTestNode(t, bus, network, "carol-333", "Carol", room.Options{})
	require.NoError(t, other.ctrl.ImportAllData(ctx, snap))
	joined, err := other.ctrl.JoinRoom(ctx, created.SecretCode)
	require.NoError(t, err)
	msgs, err := other.ctrl.History(ctx, joined.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "kept across export", msgs[0].Body)
}
