// Package openid implements the OAuth 2.0 device-authorization grant
// against an OpenID Connect provider. The id_token is used once, to
// bridge an external identity onto a cluster User; its own audience
// and expiry checks are intentionally skipped because the Key minted
// from it carries the enforced expiration.
package openid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/kty-dev/kty/internal/identity"
	"github.com/kty-dev/kty/internal/metrics"
)

// ErrPending is returned by Identity while the user has not yet
// approved the device code. The token endpoint signals this with a
// 403; it is not a terminal error.
var ErrPending = errors.New("device code not yet validated")

// TotalWait bounds how long a device-code flow may keep checking the
// token endpoint.
const TotalWait = 10 * time.Minute

// DeviceCode is the device-authorization response. A code is single
// use: once a token has been exchanged the provider rejects it.
type DeviceCode struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// Config is the subset of the OpenID configuration document the
// provider needs.
type Config struct {
	TokenEndpoint               string `json:"token_endpoint"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
	JWKSURI                     string `json:"jwks_uri"`
}

type oauthToken struct {
	IDToken   string `json:"id_token"`
	ExpiresIn int64  `json:"expires_in"`
}

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Provider talks to one OpenID Connect issuer.
type Provider struct {
	audience string
	clientID string
	claim    string

	config Config
	keys   *oidc.RemoteKeySet

	client *http.Client
	log    *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithClaim sets the claim used as the stable user identifier.
// Defaults to "email".
func WithClaim(claim string) Option {
	return func(p *Provider) {
		if claim != "" {
			p.claim = claim
		}
	}
}

// WithHTTPClient overrides the HTTP client, mostly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.client = client }
}

// WithLogger configures a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// New fetches the OpenID configuration from configURL and prepares a
// remote JWKS for signature validation.
func New(ctx context.Context, configURL, clientID, audience string, opts ...Option) (*Provider, error) {
	p := &Provider{
		audience: audience,
		clientID: clientID,
		claim:    "email",
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default().With("component", "openid")
	}

	if err := p.fetch(ctx, configURL, &p.config); err != nil {
		return nil, fmt.Errorf("openid configuration: %w", err)
	}

	for name, endpoint := range map[string]string{
		"token_endpoint":                p.config.TokenEndpoint,
		"device_authorization_endpoint": p.config.DeviceAuthorizationEndpoint,
		"jwks_uri":                      p.config.JWKSURI,
	} {
		if endpoint == "" {
			return nil, fmt.Errorf("openid configuration: missing %s", name)
		}
	}

	p.keys = oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), p.client), p.config.JWKSURI)

	return p, nil
}

// Code requests a fresh device-authorization code.
func (p *Provider) Code(ctx context.Context) (*DeviceCode, error) {
	metrics.CodeGenerated.Inc()

	var code DeviceCode
	if err := p.postForm(ctx, p.config.DeviceAuthorizationEndpoint, url.Values{
		"client_id": {p.clientID},
		"scope":     {"openid email profile"},
		"audience":  {p.audience},
	}, &code); err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}

	return &code, nil
}

// Identity performs a single token-endpoint check for code. It
// returns ErrPending while the user has not approved the code; on
// success the returned identity carries the id_token expiry, which
// callers store as the Key expiration.
func (p *Provider) Identity(ctx context.Context, code *DeviceCode) (*identity.Identity, error) {
	var token oauthToken
	err := p.postForm(ctx, p.config.TokenEndpoint, url.Values{
		"client_id":   {p.clientID},
		"device_code": {code.DeviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}, &token)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusForbidden {
			metrics.CodeChecked.WithLabelValues(metrics.ResultInvalid).Inc()
			return nil, ErrPending
		}
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	metrics.CodeChecked.WithLabelValues(metrics.ResultValid).Inc()

	claims, err := p.Verify(ctx, token.IDToken)
	if err != nil {
		return nil, err
	}

	return p.identityFromClaims(claims)
}

// Verify checks the compact JWT's signature against the cached JWKS
// (matching by kid, RSA keys only in practice) and returns the claim
// set. Audience and expiry are not validated here; see the package
// comment.
func (p *Provider) Verify(ctx context.Context, rawToken string) (map[string]any, error) {
	payload, err := p.keys.VerifySignature(oidc.ClientContext(ctx, p.client), rawToken)
	if err != nil {
		return nil, fmt.Errorf("id_token signature: %w", err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("id_token claims: %w", err)
	}

	return claims, nil
}

func (p *Provider) identityFromClaims(claims map[string]any) (*identity.Identity, error) {
	name, ok := claims[p.claim].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("id_token missing claim %q", p.claim)
	}

	var groups []string
	if raw, ok := claims["groups"].([]any); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				groups = append(groups, s)
			}
		}
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, errors.New("id_token missing exp claim")
	}

	sub, _ := claims["sub"].(string)

	return &identity.Identity{
		Name:       name,
		Groups:     groups,
		Sub:        sub,
		Expiration: time.Unix(int64(exp), 0),
		Claims:     claims,
	}, nil
}

func (p *Provider) fetch(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decode(resp, out)
}

func (p *Provider) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
