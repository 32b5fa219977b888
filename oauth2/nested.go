package oauth2

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/metrics"
	xoauth2 "golang.org/x/oauth2"
)

// DefaultExchangeTimeout bounds the authorization-code exchange.
const DefaultExchangeTimeout = 5 * time.Second

// NestedConfig describes the inner linking client.
type NestedConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string

	// Prompt is sent as the prompt parameter. Default: "login".
	Prompt string

	// Timeout bounds ExchangeCode. Default: 5s.
	Timeout time.Duration
}

// NestedConfigFor returns the configuration of the linking client on a tenant domain.
func NestedConfigFor(domain, clientID, clientSecret string) NestedConfig {
	return NestedConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      "https://" + domain + "/authorize",
		TokenURL:     TokenURL(domain),
		RedirectURL:  "https://" + domain + "/continue",
	}
}

// Nested implements acctlink.NestedTransaction with golang.org/x/oauth2.
type Nested struct {
	conf       xoauth2.Config
	prompt     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// compile-time check
var _ acctlink.NestedTransaction = (*Nested)(nil)

// NestedOption configures Nested.
type NestedOption func(*Nested)

// WithNestedHTTPClient sets the HTTP client used for the code exchange.
func WithNestedHTTPClient(c *http.Client) NestedOption {
	return func(n *Nested) { n.httpClient = c }
}

// WithNestedLogger sets a structured logger.
func WithNestedLogger(l *slog.Logger) NestedOption {
	return func(n *Nested) { n.logger = l }
}

// WithNestedMetrics sets the metrics sink.
func WithNestedMetrics(m *metrics.Metrics) NestedOption {
	return func(n *Nested) { n.metrics = m }
}

// NewNested creates a nested transaction client.
func NewNested(cfg NestedConfig, opts ...NestedOption) *Nested {
	if cfg.Prompt == "" {
		cfg.Prompt = acctlink.DefaultPrompt
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultExchangeTimeout
	}
	n := &Nested{
		conf: xoauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: xoauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: xoauth2.AuthStyleInParams,
			},
		},
		prompt:  cfg.Prompt,
		timeout: cfg.Timeout,
		logger:  slog.Default(),
		metrics: metrics.New(false),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Timeout returns the budget of one code exchange.
func (n *Nested) Timeout() time.Duration { return n.timeout }

// AuthorizeURL builds the nested authorize URL. The request's scope string is
// sent as given.
func (n *Nested) AuthorizeURL(req acctlink.AuthorizeRequest) (string, error) {
	if req.Connection == "" {
		return "", fmt.Errorf("acctlink/oauth2: authorize request has no connection")
	}
	if req.Nonce == "" {
		return "", fmt.Errorf("acctlink/oauth2: authorize request has no nonce")
	}

	conf := n.conf
	conf.Scopes = strings.Fields(req.Scope)

	prompt := n.prompt
	if req.Prompt != "" {
		prompt = req.Prompt
	}
	opts := []xoauth2.AuthCodeOption{
		xoauth2.SetAuthURLParam("nonce", req.Nonce),
		xoauth2.SetAuthURLParam("prompt", prompt),
		xoauth2.SetAuthURLParam("connection", req.Connection),
	}
	if req.RedirectURI != "" {
		opts = append(opts, xoauth2.SetAuthURLParam("redirect_uri", req.RedirectURI))
	}
	if req.LoginHint != "" {
		opts = append(opts, xoauth2.SetAuthURLParam("login_hint", req.LoginHint))
	}
	return conf.AuthCodeURL("", opts...), nil
}

// ExchangeCode trades code for the ID token of the nested transaction.
func (n *Nested) ExchangeCode(ctx context.Context, code, redirectURI string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("acctlink/oauth2: empty authorization code")
	}

	start := time.Now()
	defer func() { n.metrics.ObserveUpstream("token_exchange", time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if n.httpClient != nil {
		ctx = context.WithValue(ctx, xoauth2.HTTPClient, n.httpClient)
	}

	var opts []xoauth2.AuthCodeOption
	if redirectURI != "" {
		opts = append(opts, xoauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	tok, err := n.conf.Exchange(ctx, code, opts...)
	if err != nil {
		return "", fmt.Errorf("acctlink/oauth2: code exchange: %w", err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return "", fmt.Errorf("acctlink/oauth2: token response has no id_token")
	}
	n.logger.DebugContext(ctx, "nested code exchanged")
	return idToken, nil
}
