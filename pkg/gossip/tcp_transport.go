package gossip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ugorji/go/codec"
	"go.uber.org/zap"
)

const (
	bufSize          = 4096
	inboundQueueSize = 64
)

// TCPConfig configures a TCPTransport.
type TCPConfig struct {
	BindAddr      string
	AdvertiseAddr string // defaults to the bound address
	Timeout       time.Duration
}

// TCPTransport carries msgpack-encoded envelopes over plain TCP. Each side
// of a connection first writes a hello naming itself; after that the
// dialing side only writes envelopes and the accepting side only reads.
type TCPTransport struct {
	ident     *Identity
	ln        net.Listener
	advertise string
	timeout   time.Duration
	handle    *codec.MsgpackHandle

	connLock sync.Mutex
	conns    map[PeerID]*tcpConn

	inbound   chan Envelope
	contacts  chan Contact
	shutdown  chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
}

type tcpConn struct {
	mu   sync.Mutex
	peer PeerID
	conn net.Conn
	w    *bufio.Writer
	enc  *codec.Encoder
}

// NewTCPTransport binds cfg.BindAddr. A bind failure is returned to the
// caller; nothing is started until Listen.
func NewTCPTransport(ident *Identity, cfg TCPConfig, logger *zap.Logger) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.BindAddr, err)
	}
	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = ln.Addr().String()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPTransport{
		ident:     ident,
		ln:        ln,
		advertise: advertise,
		timeout:   timeout,
		handle:    &codec.MsgpackHandle{},
		conns:     make(map[PeerID]*tcpConn),
		inbound:   make(chan Envelope, inboundQueueSize),
		contacts:  make(chan Contact, inboundQueueSize),
		shutdown:  make(chan struct{}),
		logger:    logger.Named("tcp"),
	}, nil
}

func (t *TCPTransport) LocalID() PeerID { return t.ident.ID() }

// LocalAddr is the bound listener address.
func (t *TCPTransport) LocalAddr() string { return t.ln.Addr().String() }

// AdvertiseAddr is the address other peers should dial.
func (t *TCPTransport) AdvertiseAddr() string { return t.advertise }

func (t *TCPTransport) Inbound() <-chan Envelope { return t.inbound }

// Contacts yields an Up for every accepted handshake and a Down when that
// connection ends. Nothing is reported once the transport is closed.
func (t *TCPTransport) Contacts() <-chan Contact { return t.contacts }

func (t *TCPTransport) contact(c Contact) {
	select {
	case t.contacts <- c:
	case <-t.shutdown:
	}
}

func (t *TCPTransport) hello() hello {
	return hello{
		From:      t.ident.ID(),
		PublicKey: t.ident.PublicKey(),
		Addr:      t.advertise,
		SchemaV:   schemaVersion,
	}
}

// Listen runs the accept loop.
func (t *TCPTransport) Listen(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.shutdown:
		}
	}()

	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.isShutdown() {
				return nil
			}
			t.logger.Error("failed to accept connection", zap.Error(err))
			continue
		}
		t.logger.Debug("accepted connection",
			zap.Stringer("node", conn.LocalAddr()),
			zap.Stringer("from", conn.RemoteAddr()))

		go t.handleConn(conn)
	}
}

// handleConn serves one inbound connection for its lifespan.
func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, bufSize)
	w := bufio.NewWriterSize(conn, bufSize)
	dec := codec.NewDecoder(r, t.handle)
	enc := codec.NewEncoder(w, t.handle)

	_ = conn.SetDeadline(time.Now().Add(t.timeout))
	var h hello
	if err := dec.Decode(&h); err != nil {
		t.logger.Warn("failed to read hello", zap.Stringer("from", conn.RemoteAddr()), zap.Error(err))
		return
	}
	if err := verifyHello(h); err != nil {
		t.logger.Warn("rejected hello", zap.Stringer("from", conn.RemoteAddr()), zap.Error(err))
		return
	}
	if err := enc.Encode(t.hello()); err != nil {
		return
	}
	if err := w.Flush(); err != nil {
		return
	}
	_ = conn.SetDeadline(time.Time{})

	t.contact(Contact{Peer: h.From, Addr: h.Addr, Up: true})
	defer t.contact(Contact{Peer: h.From, Addr: h.Addr})

	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			if err != io.EOF && !t.isShutdown() {
				t.logger.Debug("inbound connection ended", zap.String("peer", h.From.Short()), zap.Error(err))
			}
			return
		}
		// the connection proves who sent it, not the envelope
		env.From = h.From
		select {
		case t.inbound <- env:
		case <-t.shutdown:
			return
		}
	}
}

// verifyHello checks that a hello is consistent. It does not authenticate
// the sender.
func verifyHello(h hello) error {
	if h.SchemaV != schemaVersion {
		return fmt.Errorf("unsupported schema version %d", h.SchemaV)
	}
	if IDFromPublicKey(h.PublicKey) != h.From {
		return fmt.Errorf("id %s does not match public key", h.From.Short())
	}
	return nil
}

// Dial connects to addr, exchanges hellos and keeps the connection for
// later sends.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (PeerID, error) {
	c, err := t.dial(ctx, addr)
	if err != nil {
		return "", err
	}
	t.connLock.Lock()
	if old, ok := t.conns[c.peer]; ok {
		old.conn.Close()
	}
	t.conns[c.peer] = c
	t.connLock.Unlock()
	return c.peer, nil
}

func (t *TCPTransport) dial(ctx context.Context, addr string) (*tcpConn, error) {
	if t.isShutdown() {
		return nil, ErrClosed
	}
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	w := bufio.NewWriterSize(conn, bufSize)
	enc := codec.NewEncoder(w, t.handle)
	dec := codec.NewDecoder(bufio.NewReaderSize(conn, bufSize), t.handle)

	_ = conn.SetDeadline(time.Now().Add(t.timeout))
	var h hello
	err = enc.Encode(t.hello())
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = dec.Decode(&h)
	}
	if err == nil {
		err = verifyHello(h)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &tcpConn{peer: h.From, conn: conn, w: w, enc: enc}, nil
}

// Send implements Transport.
func (t *TCPTransport) Send(ctx context.Context, peer PeerID, addr string, env Envelope) error {
	c, err := t.connFor(ctx, peer, addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	err = c.enc.Encode(env)
	if err == nil {
		err = c.w.Flush()
	}
	c.mu.Unlock()

	if err != nil {
		t.dropConn(c)
		return fmt.Errorf("send to %s: %w", peer.Short(), err)
	}
	return nil
}

func (t *TCPTransport) connFor(ctx context.Context, peer PeerID, addr string) (*tcpConn, error) {
	t.connLock.Lock()
	c, ok := t.conns[peer]
	t.connLock.Unlock()
	if ok {
		return c, nil
	}
	if addr == "" {
		return nil, ErrUnknownPeer
	}

	c, err := t.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if c.peer != peer {
		c.conn.Close()
		return nil, fmt.Errorf("%w: dialed %s, expected %s, got %s", ErrPeerMismatch, addr, peer.Short(), c.peer.Short())
	}

	t.connLock.Lock()
	defer t.connLock.Unlock()
	if existing, ok := t.conns[peer]; ok {
		// lost a race with another dial
		c.conn.Close()
		return existing, nil
	}
	t.conns[peer] = c
	return c, nil
}

func (t *TCPTransport) dropConn(c *tcpConn) {
	t.connLock.Lock()
	if t.conns[c.peer] == c {
		delete(t.conns, c.peer)
	}
	t.connLock.Unlock()
	c.conn.Close()
}

// Forget implements Transport.
func (t *TCPTransport) Forget(peer PeerID) {
	t.connLock.Lock()
	c, ok := t.conns[peer]
	delete(t.conns, peer)
	t.connLock.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (t *TCPTransport) isShutdown() bool {
	select {
	case <-t.shutdown:
		return true
	default:
		return false
	}
}

// Close stops the listener and closes every outbound connection.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.shutdown)
		err = t.ln.Close()

		t.connLock.Lock()
		for id, c := range t.conns {
			c.conn.Close()
			delete(t.conns, id)
		}
		t.connLock.Unlock()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
