package signal

import (
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"peerchat/internal/models"
	"peerchat/internal/relay"
)

// RelayClient speaks the relay wire protocol over a WebSocket, turning
// cmd/relay into a drop-in replacement for the loopback stand-in.
type RelayClient struct {
	userID string
	conn   *websocket.Conn

	writeMu sync.Mutex
	mu      sync.RWMutex
	handler func(*models.Envelope)
	closed  bool
}

var _ Channel = (*RelayClient)(nil)

// DialRelay connects to a relay at rawURL (e.g. ws://host:9090/ws) and
// registers the local user id.
func DialRelay(rawURL, userID string) (*RelayClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ErrSignalingUnavailable.WithDetails(err.Error())
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, ErrSignalingUnavailable.WithDetails(err.Error())
	}
	c := &RelayClient{userID: userID, conn: conn}
	go c.readLoop()
	return c, nil
}

func (c *RelayClient) readLoop() {
	for {
		var f relay.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				log.Printf("[SIGNAL] relay read error: %v", err)
			}
			return
		}
		if f.Op != relay.OpDeliver || f.Env == nil {
			continue
		}
		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler != nil {
			handler(f.Env)
		}
	}
}

func (c *RelayClient) write(f *relay.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		return ErrSignalingUnavailable.WithDetails(err.Error())
	}
	return nil
}

func (c *RelayClient) SendDirect(toUserID string, env *models.Envelope) error {
	env.From = c.userID
	env.To = toUserID
	return c.write(&relay.Frame{Op: relay.OpDirect, To: toUserID, Env: env})
}

func (c *RelayClient) AnnouncePresence(roomSecret string, p models.Presence) error {
	env, err := models.NewEnvelope(p.RoomID, c.userID, "", &p)
	if err != nil {
		return err
	}
	return c.write(&relay.Frame{Op: relay.OpPresence, Topic: TopicForSecret(roomSecret), Env: env})
}

func (c *RelayClient) Listen(roomSecret string) error {
	return c.write(&relay.Frame{Op: relay.OpListen, Topic: TopicForSecret(roomSecret)})
}

func (c *RelayClient) Unlisten(roomSecret string) error {
	return c.write(&relay.Frame{Op: relay.OpUnlisten, Topic: TopicForSecret(roomSecret)})
}

func (c *RelayClient) OnMessage(handler func(*models.Envelope)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *RelayClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
