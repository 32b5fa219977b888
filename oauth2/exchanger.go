// Package oauth2 talks to the tenant's token endpoint: the client-credentials
// grant for the management API and the authorization-code transaction nested
// inside a login.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/cache"
	"github.com/chimerakang/acctlink-go/metrics"
)

// Token is an access token issued by the client-credentials grant.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int32
	ExpiresAt   time.Time
	Scope       string
}

// Exchanger implements acctlink.CredentialSource using the HTTP token endpoint.
// Tokens are stored through a cache.Manager under "management-token".
type Exchanger struct {
	clientID      string
	clientSecret  string
	tokenURL      string
	audience      string
	scopes        []string
	refreshBuffer time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
	metrics       *metrics.Metrics

	tokens *cache.Manager
}

// compile-time check
var _ acctlink.CredentialSource = (*Exchanger)(nil)

// Option configures the Exchanger.
type Option func(*Exchanger)

// WithHTTPClient sets a custom HTTP client for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) { e.httpClient = c }
}

// WithRefreshBuffer shortens the cached lifetime of a token so it is
// refreshed before it expires. Default: 0.
func WithRefreshBuffer(d time.Duration) Option {
	return func(e *Exchanger) { e.refreshBuffer = d }
}

// WithAudience sets the audience parameter of the grant.
func WithAudience(aud string) Option {
	return func(e *Exchanger) { e.audience = aud }
}

// WithScopes sets the scopes requested with every grant.
func WithScopes(scopes ...string) Option {
	return func(e *Exchanger) { e.scopes = scopes }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exchanger) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exchanger) { e.metrics = m }
}

// TokenURL returns the token endpoint of a tenant domain.
func TokenURL(domain string) string {
	return "https://" + domain + "/oauth/token"
}

// New creates a new client-credentials exchanger whose tokens are cached in tokens.
func New(clientID, clientSecret, tokenURL string, tokens *cache.Manager, opts ...Option) *Exchanger {
	e := &Exchanger{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   &http.Client{Timeout: acctlink.DefaultHTTPTimeout},
		logger:       slog.Default(),
		metrics:      metrics.New(false),
		tokens:       tokens,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// tokenResponse is the raw JSON response from the token endpoint.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int32  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// ExchangeToken requests a new access token using client credentials.
func (e *Exchanger) ExchangeToken(ctx context.Context) (*Token, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveUpstream("client_credentials", time.Since(start).Seconds()) }()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {e.clientID},
		"client_secret": {e.clientSecret},
	}
	if e.audience != "" {
		form.Set("audience", e.audience)
	}
	if len(e.scopes) > 0 {
		form.Set("scope", strings.Join(e.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("acctlink/oauth2: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acctlink/oauth2: token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("acctlink/oauth2: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acctlink/oauth2: token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("acctlink/oauth2: failed to decode response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("acctlink/oauth2: empty access_token in response")
	}

	return &Token{
		AccessToken: tokenResp.AccessToken,
		TokenType:   tokenResp.TokenType,
		ExpiresIn:   tokenResp.ExpiresIn,
		ExpiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		Scope:       tokenResp.Scope,
	}, nil
}

// AccessToken returns the cached management token, running the grant on a miss.
// The token is cached for its lifetime minus the refresh buffer.
func (e *Exchanger) AccessToken(ctx context.Context) (string, error) {
	return e.tokens.GetOrRefresh(ctx, acctlink.ManagementTokenCacheKey, func(ctx context.Context) (string, time.Duration, error) {
		tok, err := e.ExchangeToken(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "failed calling cc grant", "error", err)
			return "", 0, err
		}
		e.logger.InfoContext(ctx, "cache miss for management token")

		ttl := time.Duration(tok.ExpiresIn)*time.Second - e.refreshBuffer
		if ttl <= 0 {
			ttl = -1
		}
		return tok.AccessToken, ttl, nil
	})
}
