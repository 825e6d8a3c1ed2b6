package signal

import (
	"sync"

	"peerchat/internal/models"
)

// Bus is the in-process broadcast medium behind Loopback endpoints. It
// stands in for the same-origin broadcast transport of the reference
// implementation and is what tests and single-host demos run on.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Loopback
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*Loopback)}
}

// Endpoint registers and returns the channel endpoint for a user id.
func (b *Bus) Endpoint(userID string) *Loopback {
	ep := &Loopback{
		bus:    b,
		userID: userID,
		topics: make(map[string]struct{}),
	}
	b.mu.Lock()
	b.endpoints[userID] = ep
	b.mu.Unlock()
	return ep
}

// Loopback is one user's view of the bus.
type Loopback struct {
	bus    *Bus
	userID string

	mu      sync.RWMutex
	topics  map[string]struct{}
	handler func(*models.Envelope)
	closed  bool
}

var _ Channel = (*Loopback)(nil)

func (l *Loopback) SendDirect(toUserID string, env *models.Envelope) error {
	l.bus.mu.RLock()
	target := l.bus.endpoints[toUserID]
	l.bus.mu.RUnlock()
	if target == nil {
		// at-most-once: nobody listening means the frame is dropped
		return nil
	}
	env.From = l.userID
	env.To = toUserID
	target.deliver(env)
	return nil
}

func (l *Loopback) AnnouncePresence(roomSecret string, p models.Presence) error {
	env, err := models.NewEnvelope(p.RoomID, l.userID, "", &p)
	if err != nil {
		return err
	}
	topic := TopicForSecret(roomSecret)

	l.bus.mu.RLock()
	targets := make([]*Loopback, 0, len(l.bus.endpoints))
	for uid, ep := range l.bus.endpoints {
		if uid == l.userID {
			continue
		}
		if ep.listening(topic) {
			targets = append(targets, ep)
		}
	}
	l.bus.mu.RUnlock()

	for _, ep := range targets {
		ep.deliver(env)
	}
	return nil
}

func (l *Loopback) Listen(roomSecret string) error {
	l.mu.Lock()
	l.topics[TopicForSecret(roomSecret)] = struct{}{}
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Unlisten(roomSecret string) error {
	l.mu.Lock()
	delete(l.topics, TopicForSecret(roomSecret))
	l.mu.Unlock()
	return nil
}

func (l *Loopback) OnMessage(handler func(*models.Envelope)) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.bus.mu.Lock()
	if l.bus.endpoints[l.userID] == l {
		delete(l.bus.endpoints, l.userID)
	}
	l.bus.mu.Unlock()
	return nil
}

func (l *Loopback) listening(topic string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.topics[topic]
	return ok
}

// deliver runs the handler on its own goroutine so a handler that sends
// through the bus cannot deadlock it.
func (l *Loopback) deliver(env *models.Envelope) {
	l.mu.RLock()
	handler := l.handler
	closed := l.closed
	l.mu.RUnlock()
	if handler == nil || closed {
		return
	}
	go handler(env)
}
