package signal

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"peerchat/internal/models"
)

const redisKeyPrefix = "peerchat:"

// subscribeTimeout bounds the wait for a SUBSCRIBE confirmation.
const subscribeTimeout = 5 * time.Second

// RedisChannel is a rendezvous transport over redis pub/sub: one channel per
// user for direct delivery and one per room topic for presence fan-out.
type RedisChannel struct {
	userID string
	client *redis.Client
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler func(*models.Envelope)
	closed  bool

	subMu   sync.Mutex
	pending map[string]chan struct{} // channel name -> closed on subscribe ack
}

var _ Channel = (*RedisChannel)(nil)

// DialRedis connects to redis at addr and subscribes the user's direct
// channel. It returns only after the server has confirmed the subscription,
// so a signal published right after connecting cannot be lost.
func DialRedis(addr, userID string) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		_ = client.Close()
		return nil, ErrSignalingUnavailable.WithDetails(err.Error())
	}
	c := &RedisChannel{
		userID:  userID,
		client:  client,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan struct{}),
	}
	ready := c.expectSubscribed(userChannel(userID))
	c.pubsub = client.Subscribe(ctx, userChannel(userID))
	go c.readLoop()
	if err := c.awaitSubscribed(ready); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func userChannel(userID string) string { return redisKeyPrefix + "user:" + userID }
func topicChannel(topic string) string { return redisKeyPrefix + "topic:" + topic }

// readLoop consumes the pubsub connection directly so that subscription
// confirmations stay visible; the client's Channel() helper swallows them.
func (c *RedisChannel) readLoop() {
	for {
		raw, err := c.pubsub.Receive(c.ctx)
		if err != nil {
			return
		}
		switch msg := raw.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				c.confirmSubscribed(msg.Channel)
			}
		case *redis.Message:
			var env models.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("[SIGNAL] redis: dropping malformed envelope: %v", err)
				continue
			}
			if env.From == c.userID {
				// own presence echoed back through the topic channel
				continue
			}
			c.mu.RLock()
			handler := c.handler
			c.mu.RUnlock()
			if handler != nil {
				handler(&env)
			}
		}
	}
}

// expectSubscribed registers interest in a confirmation before the SUBSCRIBE
// command is issued, so the ack cannot slip past unobserved.
func (c *RedisChannel) expectSubscribed(channel string) <-chan struct{} {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ready, ok := c.pending[channel]
	if !ok {
		ready = make(chan struct{})
		c.pending[channel] = ready
	}
	return ready
}

func (c *RedisChannel) confirmSubscribed(channel string) {
	c.subMu.Lock()
	if ready, ok := c.pending[channel]; ok {
		close(ready)
		delete(c.pending, channel)
	}
	c.subMu.Unlock()
}

func (c *RedisChannel) awaitSubscribed(ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-c.ctx.Done():
		return ErrSignalingUnavailable.WithDetails("subscribe not confirmed")
	case <-time.After(subscribeTimeout):
		return ErrSignalingUnavailable.WithDetails("subscribe not confirmed")
	}
}

func (c *RedisChannel) publish(channel string, env *models.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.client.Publish(c.ctx, channel, raw).Err(); err != nil {
		return ErrSignalingUnavailable.WithDetails(err.Error())
	}
	return nil
}

func (c *RedisChannel) SendDirect(toUserID string, env *models.Envelope) error {
	env.From = c.userID
	env.To = toUserID
	return c.publish(userChannel(toUserID), env)
}

func (c *RedisChannel) AnnouncePresence(roomSecret string, p models.Presence) error {
	env, err := models.NewEnvelope(p.RoomID, c.userID, "", &p)
	if err != nil {
		return err
	}
	return c.publish(topicChannel(TopicForSecret(roomSecret)), env)
}

// Listen subscribes the room's presence topic and blocks until the server
// confirms it, so announcements published immediately after are delivered.
func (c *RedisChannel) Listen(roomSecret string) error {
	channel := topicChannel(TopicForSecret(roomSecret))
	ready := c.expectSubscribed(channel)
	if err := c.pubsub.Subscribe(c.ctx, channel); err != nil {
		return ErrSignalingUnavailable.WithDetails(err.Error())
	}
	return c.awaitSubscribed(ready)
}

func (c *RedisChannel) Unlisten(roomSecret string) error {
	if err := c.pubsub.Unsubscribe(c.ctx, topicChannel(TopicForSecret(roomSecret))); err != nil {
		return ErrSignalingUnavailable.WithDetails(err.Error())
	}
	return nil
}

func (c *RedisChannel) OnMessage(handler func(*models.Envelope)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	_ = c.pubsub.Close()
	return c.client.Close()
}
