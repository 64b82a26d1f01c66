// Package ssh fronts the gateway: it terminates SSH connections,
// drives the per-connection authentication state machine against the
// OpenID provider and the identity store, then routes accepted
// sessions to the dashboard, SFTP and tunnel subsystems.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/kty-dev/kty/internal/cluster"
	"github.com/kty-dev/kty/internal/dashboard"
	"github.com/kty-dev/kty/internal/identity"
	"github.com/kty-dev/kty/internal/metrics"
	"github.com/kty-dev/kty/internal/openid"
	"github.com/kty-dev/kty/internal/tunnel"
)

// IdentityStore is the slice of the identity store the session needs.
type IdentityStore interface {
	AuthenticateKey(ctx context.Context, pk ssh.PublicKey) (*identity.Identity, *identity.User, error)
	AuthenticateIdentity(ctx context.Context, ident *identity.Identity) (*identity.User, error)
	Bind(ctx context.Context, user *identity.User, ident *identity.Identity, pk ssh.PublicKey) (*identity.Key, error)
	Login(ctx context.Context, user *identity.User, method string) error
}

// CodeProvider issues device codes and exchanges them for verified
// identities.
type CodeProvider interface {
	Code(ctx context.Context) (*openid.DeviceCode, error)
	Identity(ctx context.Context, code *openid.DeviceCode) (*identity.Identity, error)
}

// Impersonator mints per-identity cluster clients.
type Impersonator interface {
	Impersonate(user string, groups []string) (cluster.Clients, error)
}

// session is the per-connection state machine. The SSH handshake
// runs callbacks sequentially, but after it every channel is served
// on its own goroutine and both reads and advances the state, so
// access goes through mu (expect, transition, currentState).
type session struct {
	id     string
	server *Server

	mu    sync.Mutex
	state State

	// offered carries an unrecognized public key forward so a
	// successful OpenID login can bind it.
	offered ssh.PublicKey
	code    *openid.DeviceCode

	ident  *identity.Identity
	user   *identity.User
	method string

	// authKey and perms make publicKeyCallback re-entrant: the
	// transport invokes it once for the unsigned probe and again for
	// the signed request.
	authKey ssh.PublicKey
	perms   *ssh.Permissions

	clients cluster.Clients

	// inputs routes client keystrokes to the dashboard consumer
	// registered for each PTY channel.
	inputs   *dashboard.Broadcast
	inputSeq atomic.Uint32

	ctx context.Context
	log *slog.Logger
}

func (s *Server) newSession(ctx context.Context) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		server: s,
		state:  StateUnauthenticated,
		inputs: dashboard.NewBroadcast(),
		ctx:    ctx,
		log:    s.log.With("session", id),
	}
}

// config builds the per-connection server config; the callbacks
// close over this session's state.
func (s *session) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PublicKeyCallback:           s.publicKeyCallback,
		KeyboardInteractiveCallback: s.keyboardInteractiveCallback,
		BannerCallback: func(ssh.ConnMetadata) string {
			return welcome
		},
		ServerVersion: "SSH-2.0-kty",
	}
	cfg.AddHostKey(s.server.signer)
	return cfg
}

// publicKeyCallback authenticates a previously bound key. An unknown
// key is remembered and refused, which steers the client into the
// keyboard-interactive flow where the key can be bound.
func (s *session) publicKeyCallback(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if s.currentState() == StateAuthenticated && s.authKey != nil &&
		bytes.Equal(s.authKey.Marshal(), key.Marshal()) {
		return s.perms, nil
	}

	metrics.AuthAttempts.WithLabelValues(metrics.MethodPublicKey).Inc()

	if err := s.expect(StateUnauthenticated, StateKeyOffered); err != nil {
		return nil, err
	}

	ident, user, err := s.server.store.AuthenticateKey(s.ctx, key)
	if err != nil {
		if !errors.Is(err, identity.ErrKeyNotFound) && !errors.Is(err, identity.ErrKeyExpired) {
			s.log.Error("public key auth", "error", err)
		}
		s.offered = key
		s.transition(StateKeyOffered)
		metrics.AuthResults.WithLabelValues(metrics.MethodPublicKey, metrics.ResultReject).Inc()
		return nil, fmt.Errorf("unknown public key %s", ssh.FingerprintSHA256(key))
	}

	s.authKey = key

	return s.accept(ident, user, metrics.MethodPublicKey, metrics.MethodPublicKey)
}

// keyboardInteractiveCallback runs the device-code flow: show the QR
// and wait for Enter, then check the token endpoint once per Enter.
// A pending code reprompts; a valid login without a cluster User is
// rejected outright.
func (s *session) keyboardInteractiveCallback(conn ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	metrics.AuthAttempts.WithLabelValues(metrics.MethodInteractive).Inc()

	if err := s.expect(StateUnauthenticated, StateKeyOffered); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(s.ctx, openid.TotalWait)
	defer cancel()

	code, err := s.server.provider.Code(ctx)
	if err != nil {
		metrics.AuthResults.WithLabelValues(metrics.MethodInteractive, metrics.ResultReject).Inc()
		return nil, fmt.Errorf("device code: %w", err)
	}
	s.code = code
	s.transition(StateCodeSent)

	instruction := loginInstruction(code)
	expires := time.Now().Add(time.Duration(code.ExpiresIn) * time.Second)

	for {
		if time.Now().After(expires) {
			s.reset()
			return nil, errors.New("device code expired")
		}

		if _, err := challenge(conn.User(), instruction, []string{"Press Enter after logging in: "}, []bool{false}); err != nil {
			s.reset()
			return nil, err
		}

		ident, err := s.server.provider.Identity(ctx, s.code)
		if errors.Is(err, openid.ErrPending) {
			metrics.AuthResults.WithLabelValues(metrics.MethodInteractive, metrics.ResultPartial).Inc()
			instruction = "Waiting for activation, please try again.\r\n"
			continue
		}
		if err != nil {
			s.reset()
			metrics.AuthResults.WithLabelValues(metrics.MethodInteractive, metrics.ResultReject).Inc()
			return nil, err
		}

		// The code has been exchanged; it must never be polled again.
		s.code = nil

		user, err := s.server.store.AuthenticateIdentity(ctx, ident)
		if err != nil {
			s.transition(StateInvalidIdentity)
			challenge(conn.User(), invalidIdentityNotice(ident), nil, nil)
			s.reset()
			metrics.AuthResults.WithLabelValues(metrics.MethodInteractive, metrics.ResultReject).Inc()
			return nil, fmt.Errorf("no user for %s: %w", ident.Name, err)
		}

		if s.offered != nil {
			if _, err := s.server.store.Bind(ctx, user, ident, s.offered); err != nil {
				s.log.Error("bind offered key", "error", err)
			}
		}

		return s.accept(ident, user, metrics.MethodOpenID, metrics.MethodInteractive)
	}
}

// accept finalizes authentication: impersonated clients, metrics,
// permissions carrying the identity into the connection. method names
// how the identity was established and travels with the connection;
// attempted is the SSH auth method the client used, and results are
// counted under it so accepts never exceed attempts for a label.
func (s *session) accept(ident *identity.Identity, user *identity.User, method, attempted string) (*ssh.Permissions, error) {
	clients, err := s.server.impersonator.Impersonate(ident.Name, ident.Groups)
	if err != nil {
		s.reset()
		metrics.AuthResults.WithLabelValues(attempted, metrics.ResultReject).Inc()
		return nil, fmt.Errorf("impersonate %s: %w", ident.Name, err)
	}

	s.ident = ident
	s.user = user
	s.method = method
	s.clients = clients
	s.transition(StateAuthenticated)

	metrics.AuthResults.WithLabelValues(attempted, metrics.ResultAccept).Inc()
	metrics.AuthSucceeded.WithLabelValues(attempted).Inc()

	s.log.Info("authenticated", "user", ident.Name, "method", method)

	s.perms = &ssh.Permissions{Extensions: map[string]string{
		"kty.dev/user":   ident.Name,
		"kty.dev/groups": strings.Join(ident.Groups, ","),
		"kty.dev/method": method,
	}}
	return s.perms, nil
}

// finishLogin records the login on the User after the handshake
// settles, once per connection.
func (s *session) finishLogin() {
	if s.user == nil {
		return
	}
	if err := s.server.store.Login(s.ctx, s.user, s.method); err != nil {
		s.log.Error("record login", "error", err)
	}
}

func (s *session) reset() {
	s.transition(StateUnauthenticated)
	s.code = nil
}

// egress builds the reverse-tunnel engine once the connection is up.
func (s *session) egress(conn tunnel.ChannelOpener) *tunnel.Egress {
	return tunnel.NewEgress(s.clients, conn,
		s.server.gatewayPod, s.server.gatewayIP, s.ident.Name,
		tunnel.WithEgressLogger(s.log))
}
