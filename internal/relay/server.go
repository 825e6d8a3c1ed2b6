package relay

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

type client struct {
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// Server tracks connected users and their topic subscriptions in memory.
type Server struct {
	mu       sync.RWMutex
	users    map[string]*client
	topics   map[string]map[string]*client // topic -> user id -> client
	upgrader websocket.Upgrader
}

func NewServer() *Server {
	log.Printf("[RELAY] Initializing relay server")
	return &Server{
		users:  make(map[string]*client),
		topics: make(map[string]map[string]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler to mount, typically at /ws.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[RELAY] ERROR: upgrade failed for %s: %v", userID, err)
		return
	}
	c := &client{userID: userID, conn: conn}

	s.mu.Lock()
	if old, ok := s.users[userID]; ok {
		// a reconnect supersedes the stale session
		_ = old.conn.Close()
	}
	s.users[userID] = c
	s.mu.Unlock()

	log.Printf("[RELAY] CONNECT: user %s from %s", userID, r.RemoteAddr)
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.dropClient(c)
		_ = c.conn.Close()
		log.Printf("[RELAY] DISCONNECT: user %s", c.userID)
	}()

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case OpDirect:
			s.deliverDirect(c, &f)
		case OpPresence:
			s.fanOut(c, &f)
		case OpListen:
			s.listen(c, f.Topic)
		case OpUnlisten:
			s.unlisten(c, f.Topic)
		default:
			log.Printf("[RELAY] ignoring unknown op %q from %s", f.Op, c.userID)
		}
	}
}

func (s *Server) deliverDirect(from *client, f *Frame) {
	if f.Env == nil || f.To == "" {
		return
	}
	f.Env.From = from.userID

	s.mu.RLock()
	target := s.users[f.To]
	s.mu.RUnlock()
	if target == nil {
		// best effort, at most once: recipients not listening miss the frame
		return
	}
	if err := target.send(&Frame{Op: OpDeliver, Env: f.Env}); err != nil {
		log.Printf("[RELAY] ERROR: deliver to %s: %v", f.To, err)
	}
}

func (s *Server) fanOut(from *client, f *Frame) {
	if f.Env == nil || f.Topic == "" {
		return
	}
	f.Env.From = from.userID

	s.mu.RLock()
	subs := make([]*client, 0, len(s.topics[f.Topic]))
	for uid, c := range s.topics[f.Topic] {
		if uid == from.userID {
			continue
		}
		subs = append(subs, c)
	}
	s.mu.RUnlock()

	for _, c := range subs {
		if err := c.send(&Frame{Op: OpDeliver, Env: f.Env}); err != nil {
			log.Printf("[RELAY] ERROR: fan-out to %s: %v", c.userID, err)
		}
	}
}

func (s *Server) listen(c *client, topic string) {
	if topic == "" {
		return
	}
	s.mu.Lock()
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[string]*client)
	}
	s.topics[topic][c.userID] = c
	s.mu.Unlock()
	log.Printf("[RELAY] user %s listening on topic %s", c.userID, topic)
}

func (s *Server) unlisten(c *client, topic string) {
	s.mu.Lock()
	if subs := s.topics[topic]; subs != nil {
		delete(subs, c.userID)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
	s.mu.Unlock()
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.users[c.userID]; ok && cur == c {
		delete(s.users, c.userID)
	}
	for topic, subs := range s.topics {
		if subs[c.userID] == c {
			delete(subs, c.userID)
			if len(subs) == 0 {
				delete(s.topics, topic)
			}
		}
	}
}
