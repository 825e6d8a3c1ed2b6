package peer

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"peerchat/internal/models"
)

// Conn is one reliable, ordered logical message channel to a peer. All
// payload kinds are multiplexed over it as tagged envelopes.
type Conn interface {
	Send(*models.Envelope) error
	Recv() (*models.Envelope, error)
	Close() error
}

// Transport produces connections from exchanged candidate addresses. The
// TCP transport is the production path; tests run on an in-memory network.
type Transport interface {
	// Candidates are the local addresses advertised to the remote side.
	Candidates() []string
	Dial(ctx context.Context, addr string) (Conn, error)
	// Accept yields inbound connections before the hello handshake.
	Accept() <-chan Conn
	Close() error
}

// jsonConn frames envelopes as a JSON stream over any byte pipe.
type jsonConn struct {
	rwc     io.ReadWriteCloser
	enc     *json.Encoder
	dec     *json.Decoder
	writeMu sync.Mutex
}

func newJSONConn(rwc io.ReadWriteCloser) Conn {
	return &jsonConn{
		rwc: rwc,
		enc: json.NewEncoder(rwc),
		dec: json.NewDecoder(rwc),
	}
}

func (c *jsonConn) Send(env *models.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(env)
}

func (c *jsonConn) Recv() (*models.Envelope, error) {
	var env models.Envelope
	if err := c.dec.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *jsonConn) Close() error { return c.rwc.Close() }

// TCPTransport listens on one TCP address and dials remote candidates.
type TCPTransport struct {
	ln        net.Listener
	advertise string
	acceptCh  chan Conn
	closeOnce sync.Once
}

// NewTCPTransport listens on listenAddr ("127.0.0.1:0" picks a free port).
// advertiseHost, when non-empty, replaces the bound host in the candidate
// address for peers on other machines.
func NewTCPTransport(listenAddr, advertiseHost string) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	t := &TCPTransport{
		ln:       ln,
		acceptCh: make(chan Conn, 8),
	}
	if advertiseHost != "" {
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		t.advertise = net.JoinHostPort(advertiseHost, port)
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			close(t.acceptCh)
			return
		}
		t.acceptCh <- newJSONConn(conn)
	}
}

func (t *TCPTransport) Candidates() []string {
	if t.advertise != "" {
		return []string{t.advertise}
	}
	return []string{t.ln.Addr().String()}
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newJSONConn(conn), nil
}

func (t *TCPTransport) Accept() <-chan Conn { return t.acceptCh }

func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.ln.Close() })
	return err
}

// MemNetwork is the in-memory transport registry used by tests: every
// endpoint is addressable by name and dialing crosses a net.Pipe.
type MemNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*MemTransport
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{endpoints: make(map[string]*MemTransport)}
}

func (n *MemNetwork) Transport(addr string) *MemTransport {
	t := &MemTransport{
		net:      n,
		addr:     addr,
		acceptCh: make(chan Conn, 8),
	}
	n.mu.Lock()
	n.endpoints[addr] = t
	n.mu.Unlock()
	return t
}

type MemTransport struct {
	net      *MemNetwork
	addr     string
	acceptCh chan Conn
	offline  bool
	mu       sync.Mutex
}

func (t *MemTransport) Candidates() []string { return []string{t.addr} }

// SetOffline makes dials to this endpoint fail, simulating an unreachable
// peer.
func (t *MemTransport) SetOffline(offline bool) {
	t.mu.Lock()
	t.offline = offline
	t.mu.Unlock()
}

func (t *MemTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.net.mu.RLock()
	target := t.net.endpoints[addr]
	t.net.mu.RUnlock()
	if target == nil {
		return nil, ErrNoRoute.WithDetails(addr)
	}
	target.mu.Lock()
	offline := target.offline
	target.mu.Unlock()
	if offline {
		return nil, ErrNoRoute.WithDetails(addr)
	}
	local, remote := net.Pipe()
	select {
	case target.acceptCh <- newJSONConn(remote):
	case <-ctx.Done():
		_ = local.Close()
		return nil, ctx.Err()
	}
	return newJSONConn(local), nil
}

func (t *MemTransport) Accept() <-chan Conn { return t.acceptCh }

func (t *MemTransport) Close() error {
	t.net.mu.Lock()
	if t.net.endpoints[t.addr] == t {
		delete(t.net.endpoints, t.addr)
	}
	t.net.mu.Unlock()
	return nil
}
