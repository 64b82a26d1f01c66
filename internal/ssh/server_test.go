package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/ssh"

	"github.com/kty-dev/kty/internal/cluster"
	"github.com/kty-dev/kty/internal/identity"
	"github.com/kty-dev/kty/internal/metrics"
	"github.com/kty-dev/kty/internal/openid"
)

type stubStore struct {
	mu sync.Mutex

	// known maps an authorized public key to its identity.
	known map[string]*identity.Identity
	// users holds identities that have a cluster User.
	users map[string]bool

	bound  []ssh.PublicKey
	logins []string
}

func (s *stubStore) AuthenticateKey(_ context.Context, pk ssh.PublicKey) (*identity.Identity, *identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.known[ssh.FingerprintSHA256(pk)]
	if !ok {
		return nil, nil, identity.ErrKeyNotFound
	}
	return ident, &identity.User{Spec: identity.UserSpec{ID: ident.Name}}, nil
}

func (s *stubStore) AuthenticateIdentity(_ context.Context, ident *identity.Identity) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.users[ident.Name] {
		return nil, identity.ErrUserNotFound
	}
	return &identity.User{Spec: identity.UserSpec{ID: ident.Name}}, nil
}

func (s *stubStore) Bind(_ context.Context, _ *identity.User, _ *identity.Identity, pk ssh.PublicKey) (*identity.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = append(s.bound, pk)
	return &identity.Key{}, nil
}

func (s *stubStore) Login(_ context.Context, user *identity.User, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins = append(s.logins, user.Spec.ID+"/"+method)
	return nil
}

func (s *stubStore) snapshot() (bound int, logins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bound), append([]string(nil), s.logins...)
}

type stubProvider struct {
	mu      sync.Mutex
	pending int
	ident   *identity.Identity
	err     error
}

func (p *stubProvider) Code(context.Context) (*openid.DeviceCode, error) {
	return &openid.DeviceCode{
		DeviceCode:              "device-code",
		UserCode:                "ABCD-1234",
		VerificationURI:         "https://login.example.com/activate",
		VerificationURIComplete: "https://login.example.com/activate?code=ABCD-1234",
		ExpiresIn:               300,
		Interval:                1,
	}, nil
}

func (p *stubProvider) Identity(context.Context, *openid.DeviceCode) (*identity.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending > 0 {
		p.pending--
		return nil, openid.ErrPending
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.ident, nil
}

type stubImpersonator struct{}

func (stubImpersonator) Impersonate(string, []string) (cluster.Clients, error) {
	return cluster.Clients{}, nil
}

func startServer(t *testing.T, store *stubStore, provider *stubProvider, opts ...ServerOption) string {
	t.Helper()

	signer, _, err := GenerateHostKey()
	if err != nil {
		t.Fatalf("GenerateHostKey: %v", err)
	}

	srv := NewServer("127.0.0.1:0", signer, store, provider, stubImpersonator{}, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := srv.Start(ctx); err != nil {
			t.Errorf("Start: %v", err)
		}
	}()
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		srv.Stop(stopCtx)
	})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return srv.Addr().String()
}

func clientKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	return signer
}

func TestPublicKeyLogin(t *testing.T) {
	key := clientKey(t)
	store := &stubStore{
		known: map[string]*identity.Identity{
			ssh.FingerprintSHA256(key.PublicKey()): {Name: "alex@example.com", Groups: []string{"dev"}},
		},
	}
	addr := startServer(t, store, &stubProvider{})

	var banner string
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "kty",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		BannerCallback:  func(message string) error { banner = message; return nil },
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if !strings.Contains(banner, "Welcome to kty!") {
		t.Errorf("banner = %q, want welcome message", banner)
	}

	_, logins := store.snapshot()
	if len(logins) != 1 || logins[0] != "alex@example.com/publickey" {
		t.Errorf("logins = %v, want one publickey login for alex@example.com", logins)
	}
}

func TestDeviceCodeLoginBindsOfferedKey(t *testing.T) {
	key := clientKey(t)
	store := &stubStore{users: map[string]bool{"alex@example.com": true}}
	provider := &stubProvider{
		pending: 1,
		ident:   &identity.Identity{Name: "alex@example.com", Groups: []string{"dev"}},
	}
	addr := startServer(t, store, provider)

	var mu sync.Mutex
	var instructions []string
	answer := func(_, instruction string, questions []string, _ []bool) ([]string, error) {
		mu.Lock()
		instructions = append(instructions, instruction)
		mu.Unlock()
		return make([]string, len(questions)), nil
	}

	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: "kty",
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(key),
			ssh.KeyboardInteractive(answer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(instructions) < 2 {
		t.Fatalf("instructions = %d, want at least 2 (code prompt, pending retry)", len(instructions))
	}
	if !strings.Contains(instructions[0], "ABCD-1234") || !strings.Contains(instructions[0], "https://login.example.com/activate") {
		t.Errorf("first instruction missing code or URI: %q", instructions[0])
	}
	if !strings.Contains(instructions[1], "Waiting for activation, please try again.") {
		t.Errorf("second instruction = %q, want pending notice", instructions[1])
	}

	bound, logins := store.snapshot()
	if bound != 1 {
		t.Errorf("bound keys = %d, want the offered public key bound", bound)
	}
	if len(logins) != 1 || logins[0] != "alex@example.com/openid" {
		t.Errorf("logins = %v, want one openid login", logins)
	}
}

func TestDeviceCodeLoginWithoutUserRejected(t *testing.T) {
	store := &stubStore{}
	provider := &stubProvider{ident: &identity.Identity{Name: "mallory@example.com"}}
	addr := startServer(t, store, provider)

	var mu sync.Mutex
	var instructions []string
	answer := func(_, instruction string, questions []string, _ []bool) ([]string, error) {
		mu.Lock()
		instructions = append(instructions, instruction)
		mu.Unlock()
		return make([]string, len(questions)), nil
	}

	_, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "kty",
		Auth:            []ssh.AuthMethod{ssh.KeyboardInteractive(answer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("Dial succeeded, want auth failure for identity without a User")
	}

	mu.Lock()
	defer mu.Unlock()
	var notice string
	for _, instruction := range instructions {
		if strings.Contains(instruction, "not authorized") {
			notice = instruction
		}
	}
	if !strings.Contains(notice, "mallory@example.com") {
		t.Errorf("instructions %q missing rejection notice for mallory@example.com", instructions)
	}
}

func TestProviderErrorFailsAuth(t *testing.T) {
	store := &stubStore{users: map[string]bool{"alex@example.com": true}}
	provider := &stubProvider{err: errors.New("token endpoint unavailable")}
	addr := startServer(t, store, provider)

	answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
		return make([]string, len(questions)), nil
	}

	if _, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "kty",
		Auth:            []ssh.AuthMethod{ssh.KeyboardInteractive(answer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}); err == nil {
		t.Fatal("Dial succeeded, want failure when the provider errors")
	}
}

func TestIngressDisabledRejectsDirectTCPIP(t *testing.T) {
	key := clientKey(t)
	store := &stubStore{
		known: map[string]*identity.Identity{
			ssh.FingerprintSHA256(key.PublicKey()): {Name: "alex@example.com"},
		},
	}
	features := AllFeatures()
	features.Ingress = false
	addr := startServer(t, store, &stubProvider{}, WithFeatures(features))

	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "kty",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.Dial("tcp", "pods/default/nginx:80")
	if err == nil {
		t.Fatal("direct-tcpip succeeded, want rejection while ingress is disabled")
	}
	if !strings.Contains(err.Error(), "disabled") {
		t.Errorf("rejection = %v, want disabled notice", err)
	}
}

func TestExecRejected(t *testing.T) {
	key := clientKey(t)
	store := &stubStore{
		known: map[string]*identity.Identity{
			ssh.FingerprintSHA256(key.PublicKey()): {Name: "alex@example.com"},
		},
	}
	addr := startServer(t, store, &stubProvider{})

	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "kty",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	sess, err := conn.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	if err := sess.Run("kubectl get pods"); err == nil {
		t.Error("exec succeeded, want rejection")
	}
}

// Session channels are served on independent goroutines that both
// read and advance the session state; opening many at once must stay
// race free.
func TestConcurrentSessionChannels(t *testing.T) {
	key := clientKey(t)
	store := &stubStore{
		known: map[string]*identity.Identity{
			ssh.FingerprintSHA256(key.PublicKey()): {Name: "alex@example.com"},
		},
	}
	addr := startServer(t, store, &stubProvider{})

	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "kty",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := conn.NewSession()
			if err != nil {
				t.Errorf("NewSession: %v", err)
				return
			}
			if err := sess.RequestPty("xterm", 40, 80, ssh.TerminalModes{}); err != nil {
				t.Errorf("RequestPty: %v", err)
			}
			sess.Close()
		}()
	}
	wg.Wait()
}

// q on the dashboard must travel client -> pump -> broadcast table ->
// driver and end the session with a clean exit status.
func TestDashboardQuitKey(t *testing.T) {
	key := clientKey(t)
	store := &stubStore{
		known: map[string]*identity.Identity{
			ssh.FingerprintSHA256(key.PublicKey()): {Name: "alex@example.com"},
		},
	}
	addr := startServer(t, store, &stubProvider{})

	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "kty",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	sess, err := conn.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	sess.Stdout = io.Discard
	stdin, err := sess.StdinPipe()
	if err != nil {
		t.Fatalf("StdinPipe: %v", err)
	}
	if err := sess.RequestPty("xterm", 40, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("RequestPty: %v", err)
	}
	if err := sess.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}

	if _, err := stdin.Write([]byte("q")); err != nil {
		t.Fatalf("write q: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait: %v, want clean exit on q", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dashboard did not exit on q")
	}
}

// An interactive login attempt must land its result under the
// interactive label; openid names how the identity was established
// and belongs on the login event, not the auth counters.
func TestInteractiveResultsCountUnderAttemptedMethod(t *testing.T) {
	store := &stubStore{users: map[string]bool{"alex@example.com": true}}
	provider := &stubProvider{ident: &identity.Identity{Name: "alex@example.com"}}
	addr := startServer(t, store, provider)

	attemptsBefore := testutil.ToFloat64(metrics.AuthAttempts.WithLabelValues(metrics.MethodInteractive))
	acceptsBefore := testutil.ToFloat64(metrics.AuthResults.WithLabelValues(metrics.MethodInteractive, metrics.ResultAccept))
	openidBefore := testutil.ToFloat64(metrics.AuthResults.WithLabelValues(metrics.MethodOpenID, metrics.ResultAccept))

	answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
		return make([]string, len(questions)), nil
	}
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "kty",
		Auth:            []ssh.AuthMethod{ssh.KeyboardInteractive(answer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	attempts := testutil.ToFloat64(metrics.AuthAttempts.WithLabelValues(metrics.MethodInteractive)) - attemptsBefore
	accepts := testutil.ToFloat64(metrics.AuthResults.WithLabelValues(metrics.MethodInteractive, metrics.ResultAccept)) - acceptsBefore

	if accepts != 1 {
		t.Errorf("interactive accepts = %v, want 1", accepts)
	}
	if accepts > attempts {
		t.Errorf("interactive accepts %v exceed attempts %v", accepts, attempts)
	}
	if delta := testutil.ToFloat64(metrics.AuthResults.WithLabelValues(metrics.MethodOpenID, metrics.ResultAccept)) - openidBefore; delta != 0 {
		t.Errorf("openid accept results = %v, want none", delta)
	}
}

func TestUnknownKeyFallsThrough(t *testing.T) {
	key := clientKey(t)
	addr := startServer(t, &stubStore{}, &stubProvider{err: fmt.Errorf("unused")})

	if _, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "kty",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}); err == nil {
		t.Fatal("Dial succeeded with an unknown key and no interactive fallback")
	}
}
