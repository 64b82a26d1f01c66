package ssh

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kty-dev/kty/internal/metrics"
)

// DefaultInactivityTimeout disconnects sessions with no traffic in
// either direction for this long.
const DefaultInactivityTimeout = time.Hour

// Features gates the per-session surfaces. A disabled surface is
// refused at request time with a reason the client can show.
type Features struct {
	Pty     bool
	SFTP    bool
	Ingress bool
	Egress  bool
}

// AllFeatures enables every surface.
func AllFeatures() Features {
	return Features{Pty: true, SFTP: true, Ingress: true, Egress: true}
}

// Server accepts SSH connections and runs one session per connection.
// It implements transport.Listener.
type Server struct {
	address      string
	signer       ssh.Signer
	store        IdentityStore
	provider     CodeProvider
	impersonator Impersonator

	renderer    RendererFactory
	features    Features
	gatewayPod  string
	gatewayIP   string
	idleTimeout time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRenderer overrides the dashboard widget tree.
func WithRenderer(factory RendererFactory) ServerOption {
	return func(s *Server) { s.renderer = factory }
}

// WithFeatures replaces the enabled surface set.
func WithFeatures(features Features) ServerOption {
	return func(s *Server) { s.features = features }
}

// WithInactivityTimeout overrides the idle disconnect timeout. Zero
// disables it.
func WithInactivityTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) { s.idleTimeout = timeout }
}

// WithGateway identifies the gateway pod backing egress
// EndpointSlices.
func WithGateway(pod, ip string) ServerOption {
	return func(s *Server) { s.gatewayPod = pod; s.gatewayIP = ip }
}

// WithServerLogger configures a structured logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer builds a stopped Server listening on address once
// started.
func NewServer(address string, signer ssh.Signer, store IdentityStore, provider CodeProvider, impersonator Impersonator, opts ...ServerOption) *Server {
	s := &Server{
		address:      address,
		signer:       signer,
		store:        store,
		provider:     provider,
		impersonator: impersonator,
		renderer:     defaultRenderer,
		features:     AllFeatures(),
		idleTimeout:  DefaultInactivityTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "ssh")
	}

	return s
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("ssh server listening", "address", listener.Addr().String())

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight sessions, bounded
// by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	metrics.SessionTotal.Inc()
	metrics.ActiveSessions.Inc()
	start := time.Now()
	defer func() {
		metrics.ActiveSessions.Dec()
		metrics.SessionDuration.Observe(time.Since(start).Minutes())
	}()

	if s.idleTimeout > 0 {
		conn = &idleConn{Conn: conn, timeout: s.idleTimeout}
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := s.newSession(ctx)

	serverConn, chans, reqs, err := ssh.NewServerConn(conn, sess.config())
	if err != nil {
		sess.log.Info("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	defer serverConn.Close()

	context.AfterFunc(ctx, func() { serverConn.Close() })

	sess.finishLogin()

	sess.log.Info("connected",
		"remote", conn.RemoteAddr().String(),
		"user", serverConn.Permissions.Extensions["kty.dev/user"])

	sess.serve(serverConn, chans, reqs)
}

// idleConn disconnects after idle inactivity by pushing the deadline
// forward on every successful read or write.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if err := c.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
