// Package peer owns one bidirectional logical connection per remote peer:
// it drives the offer/answer/candidate exchange over the signaling channel,
// tracks connection state, and multiplexes a reliable ordered message
// channel per peer once connectivity is established.
package peer

import (
	"context"
	"log"
	"sync"
	"time"

	"peerchat/internal/models"
	"peerchat/internal/signal"
	"peerchat/internal/utils"
)

// DefaultNegotiationTimeout bounds how long a connection attempt may stay
// short of connected before it is abandoned.
const DefaultNegotiationTimeout = 30 * time.Second

// Manager drives all peer connections for one local identity.
type Manager struct {
	selfID    string
	transport Transport
	signals   signal.Channel

	// NegotiationTimeout may be lowered before Start, mainly by tests.
	NegotiationTimeout time.Duration

	mu       sync.Mutex
	conns    map[string]*Connection // peer user id -> connection
	byConnID map[string]*Connection
	closed   bool

	onConnected    func(peerID, roomID string)
	onDisconnected func(peerID, roomID string)
	onFailed       func(peerID, roomID string)
	onChannel      func(peerID string, env *models.Envelope)
}

func NewManager(selfID string, transport Transport, signals signal.Channel) *Manager {
	return &Manager{
		selfID:             selfID,
		transport:          transport,
		signals:            signals,
		NegotiationTimeout: DefaultNegotiationTimeout,
		conns:              make(map[string]*Connection),
		byConnID:           make(map[string]*Connection),
	}
}

// Callbacks registers the observer functions. Pass nil to clear a handler.
func (m *Manager) Callbacks(onConnected, onDisconnected, onFailed func(peerID, roomID string), onChannel func(peerID string, env *models.Envelope)) {
	m.mu.Lock()
	m.onConnected = onConnected
	m.onDisconnected = onDisconnected
	m.onFailed = onFailed
	m.onChannel = onChannel
	m.mu.Unlock()
}

// Start begins accepting inbound transport connections.
func (m *Manager) Start() {
	go m.acceptLoop()
}

// MaybeInitiate reacts to a discovered peer. The glare rule decides which
// side offers; the other side waits for the offer to arrive. A peer with an
// active connection needs no second negotiation, the existing channel
// serves every room the two sides share. Returns true when an offer was
// sent.
func (m *Manager) MaybeInitiate(peerID, roomID string) bool {
	if peerID == m.selfID || !ShouldInitiate(m.selfID, peerID) {
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if c, ok := m.conns[peerID]; ok && c.active() {
		m.mu.Unlock()
		return false
	}
	c := &Connection{
		PeerID:    peerID,
		RoomID:    roomID,
		state:     StateOffering,
		connID:    utils.GenerateRandomID(),
		initiator: true,
		localDesc: sessionDescription(),
	}
	m.conns[peerID] = c
	m.byConnID[c.connID] = c
	m.armTimeout(c)
	offer := &models.Offer{ConnID: c.connID, Description: c.localDesc}
	m.mu.Unlock()

	env, err := models.NewEnvelope(roomID, m.selfID, peerID, offer)
	if err != nil {
		return false
	}
	if err := m.signals.SendDirect(peerID, env); err != nil {
		log.Printf("[PEER] offer to %s failed: %v", peerID, err)
	}
	return true
}

// HandleSignal processes one offer/answer/candidate envelope from the
// signaling channel.
func (m *Manager) HandleSignal(env *models.Envelope) {
	sig, err := env.Decode()
	if err != nil {
		log.Printf("[PEER] dropping malformed %s from %s: %v", env.Type, env.From, err)
		return
	}
	switch v := sig.(type) {
	case *models.Offer:
		m.handleOffer(env, v)
	case *models.Answer:
		m.handleAnswer(env, v)
	case *models.Candidate:
		m.handleCandidate(env, v)
	default:
		log.Printf("[PEER] ignoring unexpected signal %s from %s", env.Type, env.From)
	}
}

func (m *Manager) handleOffer(env *models.Envelope, offer *models.Offer) {
	peerID := env.From

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if c, ok := m.conns[peerID]; ok && c.active() {
		// Offer glare: the lesser side abandons its own attempt and
		// answers; any other active state means this offer is stale.
		if c.state == StateOffering && !ShouldInitiate(m.selfID, peerID) {
			delete(m.byConnID, c.connID)
			c.discard()
		} else {
			m.mu.Unlock()
			return
		}
	}
	c := &Connection{
		PeerID:     peerID,
		RoomID:     env.RoomID,
		state:      StateAnswering,
		connID:     offer.ConnID,
		remoteDesc: offer.Description,
		localDesc:  sessionDescription(),
	}
	m.conns[peerID] = c
	m.byConnID[c.connID] = c
	m.armTimeout(c)
	answer := &models.Answer{ConnID: c.connID, Description: c.localDesc}
	m.mu.Unlock()

	ansEnv, err := models.NewEnvelope(env.RoomID, m.selfID, peerID, answer)
	if err != nil {
		return
	}
	if err := m.signals.SendDirect(peerID, ansEnv); err != nil {
		log.Printf("[PEER] answer to %s failed: %v", peerID, err)
		return
	}
	// both descriptions set: candidate exchange begins
	m.enterConnecting(c)
}

func (m *Manager) handleAnswer(env *models.Envelope, answer *models.Answer) {
	m.mu.Lock()
	c := m.byConnID[answer.ConnID]
	if c == nil || c.state != StateOffering || c.PeerID != env.From {
		m.mu.Unlock()
		return
	}
	c.remoteDesc = answer.Description
	m.mu.Unlock()

	m.enterConnecting(c)
}

// enterConnecting moves a connection with both descriptions set into the
// candidate-exchange phase and emits the local candidates.
func (m *Manager) enterConnecting(c *Connection) {
	m.mu.Lock()
	if c.state != StateOffering && c.state != StateAnswering {
		m.mu.Unlock()
		return
	}
	c.state = StateConnecting
	peerID, roomID, connID := c.PeerID, c.RoomID, c.connID
	// candidates may already have arrived while we were still answering
	shouldDial := !c.initiator && len(c.candidates) > 0 && !c.dialing
	if shouldDial {
		c.dialing = true
	}
	addrs := append([]string(nil), c.candidates...)
	m.mu.Unlock()

	if shouldDial {
		go m.dialAndHandshake(c, addrs)
	}

	for _, addr := range m.transport.Candidates() {
		cand := &models.Candidate{ConnID: connID, Addr: addr}
		env, err := models.NewEnvelope(roomID, m.selfID, peerID, cand)
		if err != nil {
			continue
		}
		if err := m.signals.SendDirect(peerID, env); err != nil {
			log.Printf("[PEER] candidate to %s failed: %v", peerID, err)
		}
	}
}

func (m *Manager) handleCandidate(env *models.Envelope, cand *models.Candidate) {
	m.mu.Lock()
	c := m.byConnID[cand.ConnID]
	if c == nil || c.PeerID != env.From || (c.state != StateConnecting && c.state != StateOffering && c.state != StateAnswering) {
		m.mu.Unlock()
		return
	}
	c.candidates = append(c.candidates, cand.Addr)
	// The answering side runs the connectivity check by dialing the
	// offerer's candidates; the offerer accepts inbound.
	shouldDial := !c.initiator && c.state == StateConnecting && !c.dialing
	if shouldDial {
		c.dialing = true
	}
	addrs := append([]string(nil), c.candidates...)
	m.mu.Unlock()

	if shouldDial {
		go m.dialAndHandshake(c, addrs)
	}
}

// dialAndHandshake tries each remote candidate in order, then runs the
// hello exchange that binds the raw connection to this negotiation.
func (m *Manager) dialAndHandshake(c *Connection, addrs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.NegotiationTimeout)
	defer cancel()

	var conn Conn
	for _, addr := range addrs {
		dialed, err := m.transport.Dial(ctx, addr)
		if err != nil {
			log.Printf("[PEER] dial %s for %s failed: %v", addr, c.PeerID, err)
			continue
		}
		conn = dialed
		break
	}
	if conn == nil {
		m.mu.Lock()
		c.dialing = false
		m.mu.Unlock()
		return // timeout will fail the attempt if no candidate ever works
	}

	hello, err := models.NewEnvelope(c.RoomID, m.selfID, c.PeerID, &models.Hello{ConnID: c.connID, UserID: m.selfID})
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := conn.Send(hello); err != nil {
		_ = conn.Close()
		return
	}
	// wait for the ack before declaring connectivity
	ack, err := conn.Recv()
	if err != nil || ack.Type != models.SigHello {
		_ = conn.Close()
		return
	}
	m.completeConnection(c, conn)
}

// acceptLoop handles inbound transport connections on the offering side.
func (m *Manager) acceptLoop() {
	for conn := range m.transport.Accept() {
		go m.handleInbound(conn)
	}
}

func (m *Manager) handleInbound(conn Conn) {
	env, err := conn.Recv()
	if err != nil || env.Type != models.SigHello {
		_ = conn.Close()
		return
	}
	sig, err := env.Decode()
	if err != nil {
		_ = conn.Close()
		return
	}
	hello := sig.(*models.Hello)

	m.mu.Lock()
	c := m.byConnID[hello.ConnID]
	valid := c != nil && c.state == StateConnecting && c.PeerID == hello.UserID
	m.mu.Unlock()
	if !valid {
		_ = conn.Close()
		return
	}

	ack, err := models.NewEnvelope(c.RoomID, m.selfID, c.PeerID, &models.Hello{ConnID: c.connID, UserID: m.selfID})
	if err != nil || conn.Send(ack) != nil {
		_ = conn.Close()
		return
	}
	m.completeConnection(c, conn)
}

// completeConnection is the connecting -> connected transition: the gate
// after which application payloads may flow.
func (m *Manager) completeConnection(c *Connection, conn Conn) {
	m.mu.Lock()
	if c.state != StateConnecting {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.state = StateConnected
	c.conn = conn
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	cb := m.onConnected
	peerID, roomID := c.PeerID, c.RoomID
	m.mu.Unlock()

	log.Printf("[PEER] connected to %s", peerID)
	go m.readLoop(c, conn)
	if cb != nil {
		cb(peerID, roomID)
	}
}

func (m *Manager) readLoop(c *Connection, conn Conn) {
	for {
		env, err := conn.Recv()
		if err != nil {
			m.handleDisconnect(c, conn)
			return
		}
		switch env.Type {
		case models.SigChat, models.SigTyping, models.SigPeerInfo:
			m.mu.Lock()
			cb := m.onChannel
			m.mu.Unlock()
			if cb != nil {
				cb(c.PeerID, env)
			}
		default:
			// unknown channel payloads are a modeled case, never fatal
			log.Printf("[PEER] ignoring unknown channel payload %q from %s", env.Type, c.PeerID)
		}
	}
}

func (m *Manager) handleDisconnect(c *Connection, conn Conn) {
	m.mu.Lock()
	if c.conn != conn || c.state != StateConnected {
		m.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.discard()
	delete(m.byConnID, c.connID)
	cb := m.onDisconnected
	peerID, roomID := c.PeerID, c.RoomID
	m.mu.Unlock()

	log.Printf("[PEER] disconnected from %s", peerID)
	if cb != nil {
		cb(peerID, roomID)
	}
}

// armTimeout starts the negotiation deadline; the caller holds the lock.
func (m *Manager) armTimeout(c *Connection) {
	c.timer = time.AfterFunc(m.NegotiationTimeout, func() { m.failAttempt(c) })
}

// failAttempt abandons a negotiation that never reached connected. The
// attempt's partial state is discarded and no retry happens at this layer.
func (m *Manager) failAttempt(c *Connection) {
	m.mu.Lock()
	if c.state == StateConnected || c.state == StateFailed || c.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.discard()
	delete(m.byConnID, c.connID)
	cb := m.onFailed
	peerID, roomID := c.PeerID, c.RoomID
	m.mu.Unlock()

	log.Printf("[PEER] %s: %v", peerID, ErrNegotiationTimeout)
	if cb != nil {
		cb(peerID, roomID)
	}
}

// Send delivers one envelope over the peer's open channel. Payloads are
// rejected until the connection has reached connected.
func (m *Manager) Send(peerID string, env *models.Envelope) error {
	m.mu.Lock()
	c := m.conns[peerID]
	if c == nil || c.state != StateConnected || c.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected.WithDetails(peerID)
	}
	conn := c.conn
	m.mu.Unlock()

	env.From = m.selfID
	env.To = peerID
	return conn.Send(env)
}

// Broadcast fans an envelope out to each listed peer whose channel is open
// and returns the peer ids it reached. Delivery per peer is best effort.
// The envelope's own RoomID routes it on the receiving side; the caller
// owns room membership, connections do not.
func (m *Manager) Broadcast(env *models.Envelope, peerIDs []string) []string {
	var reached []string
	for _, peerID := range peerIDs {
		clone := *env
		if err := m.Send(peerID, &clone); err == nil {
			reached = append(reached, peerID)
		}
	}
	return reached
}

// ConnectedPeers lists every peer whose channel is open.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for peerID, c := range m.conns {
		if c.state == StateConnected {
			out = append(out, peerID)
		}
	}
	return out
}

// PeerState reports the lifecycle state for a peer, StateIdle when no
// connection object exists.
func (m *Manager) PeerState(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peerID]; ok {
		return c.state
	}
	return StateIdle
}

// Disconnect tears down the connection to one peer. The caller decides when
// a peer is no longer wanted, typically because no open room references it
// anymore.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	c := m.conns[peerID]
	if c == nil {
		m.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.discard()
	delete(m.byConnID, c.connID)
	delete(m.conns, peerID)
	cb := m.onDisconnected
	roomID := c.RoomID
	m.mu.Unlock()

	if wasConnected && cb != nil {
		cb(peerID, roomID)
	}
}

// Close tears down all connections, stops accepting new ones, and releases
// the transport listener.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for peerID, c := range m.conns {
		c.discard()
		delete(m.conns, peerID)
	}
	m.byConnID = make(map[string]*Connection)
	m.mu.Unlock()
	_ = m.transport.Close()
}
