package signal_test

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"peerchat/internal/models"
	"peerchat/internal/signal"
)

// collector gathers envelopes delivered to one endpoint.
type collector struct {
	mu   sync.Mutex
	envs []*models.Envelope
}

func (c *collector) handle(env *models.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) first() *models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envs[0]
}

func TestTopicForSecretHidesSecret(t *testing.T) {
	topic := signal.TopicForSecret("ABCD1234")
	require.NotContains(t, topic, "ABCD1234")
	require.Len(t, topic, 16)
	// stable across calls, distinct across secrets
	require.Equal(t, topic, signal.TopicForSecret("ABCD1234"))
	require.NotEqual(t, topic, signal.TopicForSecret("ABCD1235"))
}

func TestLoopbackDirectDelivery(t *testing.T) {
	bus := signal.NewBus()
	alice := bus.Endpoint("alice")
	bob := bus.Endpoint("bob")

	var got collector
	bob.OnMessage(got.handle)

	env, err := models.NewEnvelope("R", "alice", "bob", &models.Offer{ConnID: "c1"})
	require.NoError(t, err)
	require.NoError(t, alice.SendDirect("bob", env))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "alice", got.first().From)
	require.Equal(t, models.SigOffer, got.first().Type)
}

func TestLoopbackDirectToAbsentUserIsDropped(t *testing.T) {
	bus := signal.NewBus()
	alice := bus.Endpoint("alice")

	env, err := models.NewEnvelope("R", "alice", "ghost", &models.Offer{ConnID: "c1"})
	require.NoError(t, err)
	// at most once: no listener, no error, no delivery
	require.NoError(t, alice.SendDirect("ghost", env))
}

func TestLoopbackPresenceFanOut(t *testing.T) {
	bus := signal.NewBus()
	alice := bus.Endpoint("alice")
	bob := bus.Endpoint("bob")
	carol := bus.Endpoint("carol")

	var bobGot, carolGot collector
	bob.OnMessage(bobGot.handle)
	carol.OnMessage(carolGot.handle)

	require.NoError(t, bob.Listen("SECRET01"))
	// carol listens on a different room and must not hear this one
	require.NoError(t, carol.Listen("SECRET02"))

	p := models.Presence{RoomID: "SECRET01", UserID: "alice", DisplayName: "Alice"}
	require.NoError(t, alice.AnnouncePresence("SECRET01", p))

	require.Eventually(t, func() bool { return bobGot.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, models.SigPresence, bobGot.first().Type)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, carolGot.count())

	// after unlisten the announcements stop arriving
	require.NoError(t, bob.Unlisten("SECRET01"))
	require.NoError(t, alice.AnnouncePresence("SECRET01", p))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, bobGot.count())
}

func newRedisPair(t *testing.T) (*signal.RedisChannel, *signal.RedisChannel) {
	t.Helper()
	mr := miniredis.RunT(t)

	alice, err := signal.DialRedis(mr.Addr(), "alice")
	require.NoError(t, err)
	t.Cleanup(func() { _ = alice.Close() })

	bob, err := signal.DialRedis(mr.Addr(), "bob")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bob.Close() })
	return alice, bob
}

func TestRedisDirectDelivery(t *testing.T) {
	alice, bob := newRedisPair(t)

	var got collector
	bob.OnMessage(got.handle)

	env, err := models.NewEnvelope("R", "alice", "bob", &models.Answer{ConnID: "c2"})
	require.NoError(t, err)
	require.NoError(t, alice.SendDirect("bob", env))

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, models.SigAnswer, got.first().Type)
	require.Equal(t, "alice", got.first().From)
}

func TestRedisPresenceTopic(t *testing.T) {
	alice, bob := newRedisPair(t)

	var got collector
	bob.OnMessage(got.handle)
	require.NoError(t, bob.Listen("SECRET01"))

	p := models.Presence{RoomID: "SECRET01", UserID: "alice", DisplayName: "Alice"}
	require.NoError(t, alice.AnnouncePresence("SECRET01", p))

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sig, err := got.first().Decode()
	require.NoError(t, err)
	presence, ok := sig.(*models.Presence)
	require.True(t, ok)
	require.Equal(t, "alice", presence.UserID)
}

func TestRedisListenIsImmediatelyEffective(t *testing.T) {
	alice, bob := newRedisPair(t)

	var got collector
	bob.OnMessage(got.handle)

	// each Listen must be confirmed before it returns: an announcement
	// published right after may not race past the subscription
	for i, secret := range []string{"SECRET01", "SECRET02", "SECRET03"} {
		require.NoError(t, bob.Listen(secret))
		p := models.Presence{RoomID: secret, UserID: "alice", DisplayName: "Alice"}
		require.NoError(t, alice.AnnouncePresence(secret, p))
		want := i + 1
		require.Eventually(t, func() bool { return got.count() == want }, 2*time.Second, 10*time.Millisecond)
	}
}

func TestRedisSkipsOwnEcho(t *testing.T) {
	alice, _ := newRedisPair(t)

	var got collector
	alice.OnMessage(got.handle)
	require.NoError(t, alice.Listen("SECRET01"))

	p := models.Presence{RoomID: "SECRET01", UserID: "alice"}
	require.NoError(t, alice.AnnouncePresence("SECRET01", p))

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, got.count())
}

func TestRedisDialFailure(t *testing.T) {
	_, err := signal.DialRedis("127.0.0.1:1", "alice")
	require.ErrorIs(t, err, signal.ErrSignalingUnavailable)
}
