// Package room is the top of the core: it joins rooms by secret code,
// announces presence, fans encrypted messages out to connected peers, and
// applies inbound traffic to the local store.
package room

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerchat/internal/crypto"
	"peerchat/internal/models"
	"peerchat/internal/peer"
	"peerchat/internal/signal"
	"peerchat/internal/storage"
	"peerchat/internal/utils"
)

// JoinPolicy decides what joining an unknown code does.
type JoinPolicy int

const (
	// JoinAutoCreate constructs a placeholder room deterministically from
	// the code, so any code is joinable on demand.
	JoinAutoCreate JoinPolicy = iota
	// JoinStrict surfaces ErrRoomNotFound instead, for deployments where a
	// typo'd code must not silently open an empty room.
	JoinStrict
)

// TombstoneBody is displayed in place of a message that failed to decrypt.
const TombstoneBody = "[unreadable message]"

const (
	defaultPresenceInterval = 3 * time.Second
	maxRetryBackoff         = 60 * time.Second
)

type Options struct {
	JoinPolicy       JoinPolicy
	PresenceInterval time.Duration
}

type openRoom struct {
	room *models.Room
	stop chan struct{}

	// members are the peer user ids seen in this room's presence topic.
	// Connections themselves are per peer, not per room, so this set is
	// what scopes an outbound fan-out to the room.
	members map[string]struct{}
}

type retryState struct {
	attempts    int
	nextAllowed time.Time
}

// Controller wires the crypto engine, local store, signaling channel, and
// peer manager together for one local identity.
type Controller struct {
	self    *models.Identity
	store   *storage.Store
	writer  *storage.PeerWriter
	engine  *crypto.Engine
	signals signal.Channel
	peers   *peer.Manager
	opts    Options

	mu       sync.Mutex
	open     map[string]*openRoom   // room id -> presence loop handle
	retries  map[string]*retryState // peer user id -> backoff
	observer Observer
	closed   bool
}

// NewController builds the controller and starts the peer manager. The
// caller keeps ownership of the store and signaling channel.
func NewController(self *models.Identity, store *storage.Store, engine *crypto.Engine, signals signal.Channel, transport peer.Transport, opts Options) *Controller {
	if opts.PresenceInterval <= 0 {
		opts.PresenceInterval = defaultPresenceInterval
	}
	c := &Controller{
		self:    self,
		store:   store,
		writer:  storage.NewPeerWriter(256),
		engine:  engine,
		signals: signals,
		opts:    opts,
		open:    make(map[string]*openRoom),
		retries: make(map[string]*retryState),
	}
	c.writer.Start(store)
	c.peers = peer.NewManager(self.ID, transport, signals)
	c.peers.Callbacks(c.peerConnected, c.peerDisconnected, c.peerFailed, c.channelMessage)
	c.peers.Start()
	signals.OnMessage(c.handleSignal)
	return c
}

// Peers exposes the connection manager, mainly for inspection.
func (c *Controller) Peers() *peer.Manager { return c.peers }

// CreateRoom generates a fresh secret code, persists the room (the code is
// the id), and derives the room key when encryption is enabled.
func (c *Controller) CreateRoom(ctx context.Context, name, description string, isPrivate bool) (*models.Room, error) {
	code := utils.GenerateRoomCode()
	room := &models.Room{
		ID:                code,
		Name:              name,
		SecretCode:        code,
		Description:       description,
		CreatedBy:         c.self.ID,
		CreatedAt:         time.Now().UnixMicro(),
		IsPrivate:         isPrivate,
		EncryptionEnabled: true,
	}
	if room.Name == "" {
		room.Name = code
	}
	if err := c.store.SaveRoom(ctx, room); err != nil {
		return nil, err
	}
	if err := c.provisionKeys(ctx, room); err != nil {
		return nil, err
	}
	if err := c.openRoom(room); err != nil {
		return nil, err
	}
	return room, nil
}

// JoinRoom resolves a secret code to a room. Joining the same code from two
// independent instances converges on the same room id and the same key,
// since both are pure functions of the code.
func (c *Controller) JoinRoom(ctx context.Context, secretCode string) (*models.Room, error) {
	room, err := c.store.GetRoomByCode(ctx, secretCode)
	if errors.Is(err, storage.ErrNoRows) {
		if c.opts.JoinPolicy == JoinStrict {
			return nil, models.ErrRoomNotFound.WithDetails(secretCode)
		}
		room = &models.Room{
			ID:                secretCode,
			Name:              secretCode,
			SecretCode:        secretCode,
			CreatedBy:         c.self.ID,
			CreatedAt:         time.Now().UnixMicro(),
			EncryptionEnabled: true,
		}
		if err := c.store.SaveRoom(ctx, room); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if err := c.provisionKeys(ctx, room); err != nil {
		return nil, err
	}
	if err := c.openRoom(room); err != nil {
		return nil, err
	}
	return room, nil
}

// provisionKeys makes sure the engine holds every key version for the room:
// persisted versions are loaded back, and an encryption-enabled room gets
// its code-derived key before any message can be sent.
func (c *Controller) provisionKeys(ctx context.Context, room *models.Room) error {
	if !room.EncryptionEnabled {
		return nil
	}
	stored, err := c.store.GetKeys(ctx, room.ID)
	if err != nil {
		return err
	}
	for i := range stored {
		if stored[i].Kind != models.KeySymmetric {
			continue
		}
		if err := c.engine.ImportKey(room.ID, stored[i].Version, stored[i].Bytes); err != nil {
			return err
		}
	}
	if c.engine.ActiveVersion(room.ID) > 0 {
		return nil
	}
	version, err := c.engine.ProvisionRoomKey(room.ID, room.SecretCode)
	if err != nil {
		return err
	}
	return c.persistKey(ctx, room.ID, version)
}

func (c *Controller) persistKey(ctx context.Context, roomID string, version int) error {
	material, err := c.engine.ExportKey(roomID, version)
	if err != nil {
		return err
	}
	return c.store.SaveKey(ctx, &models.KeyMaterial{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Kind:      models.KeySymmetric,
		Version:   version,
		Bytes:     material,
		CreatedAt: time.Now().UnixMicro(),
	})
}

// RotateRoomKey installs a fresh key version for future messages. Older
// versions remain usable for decryption until the room is deleted.
func (c *Controller) RotateRoomKey(ctx context.Context, roomID string) (int, error) {
	version, err := c.engine.RotateRoomKey(roomID)
	if err != nil {
		return 0, err
	}
	if err := c.persistKey(ctx, roomID, version); err != nil {
		return 0, err
	}
	return version, nil
}

// Fingerprint returns the short out-of-band verification string for a room.
func (c *Controller) Fingerprint(roomID string) (string, error) {
	return c.engine.Fingerprint(roomID)
}

// openRoom starts listening for presence on the room secret and begins the
// periodic announcement loop. Idempotent per room.
func (c *Controller) openRoom(room *models.Room) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if _, ok := c.open[room.ID]; ok {
		c.mu.Unlock()
		return nil
	}
	or := &openRoom{room: room, stop: make(chan struct{}), members: make(map[string]struct{})}
	c.open[room.ID] = or
	c.mu.Unlock()

	if err := c.signals.Listen(room.SecretCode); err != nil {
		return err
	}
	go c.presenceLoop(or)
	return nil
}

// LeaveRoom stops presence for the room and drops connections to peers that
// no other open room still shares. Local history stays.
func (c *Controller) LeaveRoom(roomID string) {
	c.mu.Lock()
	or := c.open[roomID]
	delete(c.open, roomID)
	var orphaned []string
	if or != nil {
		for peerID := range or.members {
			shared := false
			for _, other := range c.open {
				if _, ok := other.members[peerID]; ok {
					shared = true
					break
				}
			}
			if !shared {
				orphaned = append(orphaned, peerID)
			}
		}
	}
	c.mu.Unlock()
	if or == nil {
		return
	}
	close(or.stop)
	_ = c.signals.Unlisten(or.room.SecretCode)
	for _, peerID := range orphaned {
		c.peers.Disconnect(peerID)
	}
}

// roomMembers snapshots the known participants of an open room.
func (c *Controller) roomMembers(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	or := c.open[roomID]
	if or == nil {
		return nil
	}
	out := make([]string, 0, len(or.members))
	for peerID := range or.members {
		out = append(out, peerID)
	}
	return out
}

// presenceLoop owns the room's recurring announcement timer. The handle is
// per room and is released on leave, delete, or shutdown, so no timer leaks.
func (c *Controller) presenceLoop(or *openRoom) {
	c.announce(or.room)
	ticker := time.NewTicker(c.opts.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-or.stop:
			return
		case <-ticker.C:
			c.announce(or.room)
		}
	}
}

func (c *Controller) announce(room *models.Room) {
	err := c.signals.AnnouncePresence(room.SecretCode, models.Presence{
		RoomID:      room.ID,
		UserID:      c.self.ID,
		DisplayName: c.self.DisplayName,
	})
	if err != nil {
		// degraded connectivity: the room stays usable for local history
		log.Printf("[ROOM] presence for %s undeliverable: %v", room.ID, err)
	}
}

// SendMessage encrypts (when enabled), persists the plaintext display copy,
// and fans the envelope out to every currently connected peer of the room.
// Peers that are offline never receive it; there is no store-and-forward.
func (c *Controller) SendMessage(ctx context.Context, roomID, text string) (*models.Message, error) {
	c.mu.Lock()
	or := c.open[roomID]
	c.mu.Unlock()
	if or == nil {
		return nil, ErrRoomNotOpen.WithDetails(roomID)
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   c.self.ID,
		SenderName: c.self.DisplayName,
		Kind:       models.KindText,
		Body:       text,
		SentAt:     time.Now().UnixMicro(),
	}
	payload := &models.ChatPayload{
		MessageID:  msg.ID,
		Kind:       msg.Kind,
		SenderName: msg.SenderName,
		SentAt:     msg.SentAt,
	}
	if or.room.EncryptionEnabled {
		env, err := c.engine.Encrypt(roomID, []byte(text))
		if err != nil {
			return nil, err
		}
		msg.Cipher = env
		msg.Encrypted = true
		payload.Cipher = env
		payload.Encrypted = true
	} else {
		payload.Body = text
	}

	if err := c.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}

	env, err := models.NewEnvelope(roomID, c.self.ID, "", payload)
	if err != nil {
		return nil, err
	}
	c.peers.Broadcast(env, c.roomMembers(roomID))
	return msg, nil
}

// SendTyping broadcasts a typing indicator to connected peers. Indicators
// are transient and never persisted.
func (c *Controller) SendTyping(roomID string, active bool) {
	env, err := models.NewEnvelope(roomID, c.self.ID, "", &models.Typing{
		UserID:      c.self.ID,
		DisplayName: c.self.DisplayName,
		Active:      active,
	})
	if err != nil {
		return
	}
	c.peers.Broadcast(env, c.roomMembers(roomID))
}

// DeleteRoom disconnects the room's peers and cascades deletion of its
// messages, peer records, and key material. Other rooms are untouched.
func (c *Controller) DeleteRoom(ctx context.Context, roomID string) error {
	c.LeaveRoom(roomID)
	if err := c.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	c.engine.Wipe(roomID)
	return nil
}

// handleSignal is the single entry point for inbound signaling envelopes.
func (c *Controller) handleSignal(env *models.Envelope) {
	switch env.Type {
	case models.SigPresence:
		c.handlePresence(env)
	case models.SigOffer, models.SigAnswer, models.SigCandidate:
		c.peers.HandleSignal(env)
	default:
		log.Printf("[ROOM] ignoring unknown signal %q from %s", env.Type, env.From)
	}
}

func (c *Controller) handlePresence(env *models.Envelope) {
	sig, err := env.Decode()
	if err != nil {
		return
	}
	p, ok := sig.(*models.Presence)
	if !ok || p.UserID == c.self.ID {
		return
	}
	c.mu.Lock()
	or := c.open[p.RoomID]
	if or != nil {
		or.members[p.UserID] = struct{}{}
	}
	c.mu.Unlock()
	if or == nil {
		return
	}

	now := time.Now().UnixMicro()
	rec := &models.PeerRecord{
		ID:          uuid.NewString(),
		PeerUserID:  p.UserID,
		DisplayName: p.DisplayName,
		RoomID:      p.RoomID,
		IsOnline:    true,
		LastSeenAt:  now,
	}
	ctx := context.Background()
	if existing, err := c.store.GetPeer(ctx, p.RoomID, p.UserID); err == nil {
		// heartbeat refresh for a known peer can go through the batcher
		rec.ID = existing.ID
		_ = c.writer.Enqueue(ctx, rec)
	} else if err := c.store.UpsertPeer(ctx, rec); err != nil {
		log.Printf("[ROOM] peer record for %s: %v", p.UserID, err)
	}

	if c.retryAllowed(p.UserID) {
		c.peers.MaybeInitiate(p.UserID, p.RoomID)
	}
}

// retryAllowed implements the backoff between connection attempts toward
// the same peer: a failed negotiation is retried on a later presence
// announcement, never in a tight loop.
func (c *Controller) retryAllowed(peerUserID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := c.retries[peerUserID]
	if rs == nil {
		return true
	}
	return time.Now().After(rs.nextAllowed)
}

func (c *Controller) peerFailed(peerUserID, roomID string) {
	c.mu.Lock()
	rs := c.retries[peerUserID]
	if rs == nil {
		rs = &retryState{}
		c.retries[peerUserID] = rs
	}
	rs.attempts++
	backoff := time.Duration(1<<uint(rs.attempts)) * time.Second
	if backoff > maxRetryBackoff {
		backoff = maxRetryBackoff
	}
	rs.nextAllowed = time.Now().Add(backoff)
	c.mu.Unlock()
}

func (c *Controller) peerConnected(peerUserID, roomID string) {
	c.mu.Lock()
	delete(c.retries, peerUserID)
	// the answering side can complete before it ever saw a presence
	// announcement, so the negotiation's room counts as membership too
	if or := c.open[roomID]; or != nil {
		or.members[peerUserID] = struct{}{}
	}
	var rooms []string
	for id, or := range c.open {
		if _, ok := or.members[peerUserID]; ok {
			rooms = append(rooms, id)
		}
	}
	c.mu.Unlock()

	ctx := context.Background()
	now := time.Now().UnixMicro()
	for _, id := range rooms {
		if err := c.store.SetPeerOnline(ctx, id, peerUserID, true, now); err != nil {
			log.Printf("[ROOM] mark %s online: %v", peerUserID, err)
		}

		// introduce ourselves over the fresh channel, once per shared room
		fp, _ := c.engine.Fingerprint(id)
		info, err := models.NewEnvelope(id, c.self.ID, peerUserID, &models.PeerInfo{
			UserID:      c.self.ID,
			DisplayName: c.self.DisplayName,
			Fingerprint: fp,
		})
		if err == nil {
			if err := c.peers.Send(peerUserID, info); err != nil {
				log.Printf("[ROOM] peer-info to %s: %v", peerUserID, err)
			}
		}

		if o := c.getObserver(); o != nil {
			o.PeerConnected(id, peerUserID)
		}
	}
}

func (c *Controller) peerDisconnected(peerUserID, _ string) {
	c.mu.Lock()
	var rooms []string
	for id, or := range c.open {
		if _, ok := or.members[peerUserID]; ok {
			rooms = append(rooms, id)
		}
	}
	c.mu.Unlock()

	ctx := context.Background()
	now := time.Now().UnixMicro()
	for _, id := range rooms {
		if err := c.store.SetPeerOnline(ctx, id, peerUserID, false, now); err != nil {
			log.Printf("[ROOM] mark %s offline: %v", peerUserID, err)
		}
		if o := c.getObserver(); o != nil {
			o.PeerDisconnected(id, peerUserID)
		}
	}
}

// channelMessage applies one envelope received over an open peer channel.
func (c *Controller) channelMessage(peerUserID string, env *models.Envelope) {
	sig, err := env.Decode()
	if err != nil {
		log.Printf("[ROOM] malformed channel payload from %s: %v", peerUserID, err)
		return
	}
	switch v := sig.(type) {
	case *models.ChatPayload:
		c.applyChat(peerUserID, env.RoomID, v)
	case *models.Typing:
		if o := c.getObserver(); o != nil {
			o.TypingIndicator(env.RoomID, peerUserID, v.Active)
		}
	case *models.PeerInfo:
		c.applyPeerInfo(peerUserID, env.RoomID, v)
	}
}

// applyChat decrypts an inbound message and persists it. A payload that
// fails authentication is stored as a tombstone, never as raw bytes.
func (c *Controller) applyChat(peerUserID, roomID string, p *models.ChatPayload) {
	msg := &models.Message{
		ID:         p.MessageID,
		RoomID:     roomID,
		SenderID:   peerUserID,
		SenderName: p.SenderName,
		Kind:       p.Kind,
		SentAt:     p.SentAt,
		ReplyTo:    p.ReplyTo,
		Encrypted:  p.Encrypted,
	}
	if p.Cipher != nil {
		plain, err := c.engine.Decrypt(roomID, p.Cipher)
		if err != nil {
			log.Printf("[ROOM] undecryptable message %s from %s", p.MessageID, peerUserID)
			msg.Kind = models.KindSystem
			msg.Body = TombstoneBody
			msg.Cipher = p.Cipher
		} else {
			msg.Body = string(plain)
			msg.Cipher = p.Cipher
		}
	} else {
		msg.Body = p.Body
	}

	if err := c.store.SaveMessage(context.Background(), msg); err != nil {
		log.Printf("[ROOM] store message %s: %v", msg.ID, err)
		return
	}
	if o := c.getObserver(); o != nil {
		o.MessageReceived(msg)
	}
}

func (c *Controller) applyPeerInfo(peerUserID, roomID string, info *models.PeerInfo) {
	ctx := context.Background()
	rec := &models.PeerRecord{
		ID:          uuid.NewString(),
		PeerUserID:  peerUserID,
		DisplayName: info.DisplayName,
		RoomID:      roomID,
		IsOnline:    true,
		LastSeenAt:  time.Now().UnixMicro(),
	}
	if existing, err := c.store.GetPeer(ctx, roomID, peerUserID); err == nil {
		rec.ID = existing.ID
	}
	if err := c.store.UpsertPeer(ctx, rec); err != nil {
		log.Printf("[ROOM] peer info for %s: %v", peerUserID, err)
		return
	}
	if o := c.getObserver(); o != nil {
		o.PeerInfoUpdated(rec)
	}
}

// RoomPeers lists the stored participant records for a room.
func (c *Controller) RoomPeers(ctx context.Context, roomID string) ([]models.PeerRecord, error) {
	return c.store.GetPeers(ctx, roomID)
}

// History returns up to limit stored messages for a room in local receipt
// order.
func (c *Controller) History(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	return c.store.GetMessages(ctx, roomID, limit)
}

// ExportAllData serializes every entity table into one document.
func (c *Controller) ExportAllData(ctx context.Context) (*storage.Snapshot, error) {
	return c.store.ExportAll(ctx)
}

// ImportAllData applies a snapshot additively by primary key and reloads
// key material for any room that is currently open.
func (c *Controller) ImportAllData(ctx context.Context, snap *storage.Snapshot) error {
	if err := c.store.ImportAll(ctx, snap); err != nil {
		return err
	}
	c.mu.Lock()
	rooms := make([]*models.Room, 0, len(c.open))
	for _, or := range c.open {
		rooms = append(rooms, or.room)
	}
	c.mu.Unlock()
	for _, r := range rooms {
		if err := c.provisionKeys(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// ClearAllData drops every table and wipes the keyring.
func (c *Controller) ClearAllData(ctx context.Context) error {
	c.mu.Lock()
	openRooms := make([]string, 0, len(c.open))
	for id := range c.open {
		openRooms = append(openRooms, id)
	}
	c.mu.Unlock()
	for _, id := range openRooms {
		c.LeaveRoom(id)
	}
	if err := c.store.ClearAll(ctx); err != nil {
		return err
	}
	c.engine.WipeAll()
	return nil
}

// Close releases all recurring timers, connections, and the write worker.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	openRooms := make([]*openRoom, 0, len(c.open))
	for id, or := range c.open {
		openRooms = append(openRooms, or)
		delete(c.open, id)
	}
	c.mu.Unlock()

	for _, or := range openRooms {
		close(or.stop)
		_ = c.signals.Unlisten(or.room.SecretCode)
	}
	c.peers.Close()
	c.writer.Stop()
}
