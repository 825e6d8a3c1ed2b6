// Package config loads process configuration from the environment, with an
// optional .env file for development.
package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config is everything the binaries read from the environment.
type Config struct {
	// ListenAddr is the relay's HTTP/WebSocket bind address.
	ListenAddr string

	// DataDir holds the sqlite database. Defaults to ~/.peerchat.
	DataDir string

	// RelayURL points a client at a websocket relay. Empty means no relay.
	RelayURL string

	// RedisAddr points a client at a redis pub/sub rendezvous. Empty means
	// no redis. When both RelayURL and RedisAddr are set, redis wins.
	RedisAddr string

	// PeerListenAddr is the local TCP address peer channels accept on.
	PeerListenAddr string

	// AdvertiseHost overrides the host part of emitted candidates, for
	// machines whose bind address is not reachable from peers.
	AdvertiseHost string

	// DisplayName seeds the local identity on first run.
	DisplayName string

	// StrictJoin makes joining an unknown room code an error instead of
	// creating the room on demand.
	StrictJoin bool

	// PresenceInterval is how often open rooms announce presence.
	PresenceInterval time.Duration
}

// Load reads the environment, after loading .env if one exists. Missing
// values fall back to defaults; nothing here is required.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[CONFIG] .env not loaded: %v", err)
	}

	cfg := &Config{
		ListenAddr:       getEnv("PEERCHAT_LISTEN_ADDR", ":8091"),
		DataDir:          getEnv("PEERCHAT_DATA_DIR", defaultDataDir()),
		RelayURL:         os.Getenv("PEERCHAT_RELAY_URL"),
		RedisAddr:        os.Getenv("PEERCHAT_REDIS_ADDR"),
		PeerListenAddr:   getEnv("PEERCHAT_PEER_LISTEN_ADDR", "127.0.0.1:0"),
		AdvertiseHost:    os.Getenv("PEERCHAT_ADVERTISE_HOST"),
		DisplayName:      getEnv("PEERCHAT_DISPLAY_NAME", "anonymous"),
		StrictJoin:       os.Getenv("PEERCHAT_STRICT_JOIN") == "1",
		PresenceInterval: getDuration("PEERCHAT_PRESENCE_INTERVAL", 3*time.Second),
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[CONFIG] bad duration %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".peerchat"
	}
	return filepath.Join(home, ".peerchat")
}
