// Package acctlink links and unlinks user identities from inside a login
// pipeline.
//
// The engine runs in two phases of one login transaction. The first phase
// decides whether the login asks for a link or unlink and, if so, redirects
// the user into a nested transaction against the upstream connection. The
// continuation phase verifies the nested transaction's ID token and performs
// the change through the management API.
//
// Collaborators are injected via Option functions:
//
//	client, err := acctlink.NewClient(
//	    acctlink.Config{Domain: "tenant.example.com", ClientID: id, ClientSecret: secret},
//	    acctlink.WithCache(cache.NewMemory()),
//	    acctlink.WithTokenVerifier(verifier),
//	    acctlink.WithIdentityManager(mgmt),
//	)
//	engine := flow.NewEngine(client)
package acctlink

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/chimerakang/acctlink-go/audit"
	"github.com/chimerakang/acctlink-go/metrics"
)

// Defaults applied by NewClient.
const (
	DefaultInteractiveProtocol   = "^oidc-"
	DefaultLinkingResourceServer = "my-account"
	DefaultConnectionScopes      = "openid profile email"
	DefaultPrompt                = "login"
	DefaultHTTPTimeout           = 5 * time.Second
	ManagementTokenCacheKey      = "management-token"
	SigningKeyCacheKeyPrefix     = "key-"
)

// FailurePolicy decides what happens when the management API rejects a link
// or unlink.
type FailurePolicy int

const (
	// FailureIgnore logs the failure and lets the login continue.
	FailureIgnore FailurePolicy = iota
	// FailureSurface denies the login with the failure reason.
	FailureSurface
)

// Client is the main entry point. It holds configuration and the injected
// collaborators shared by every invocation.
type Client struct {
	config      Config
	interactive *regexp.Regexp
	logger      *slog.Logger
	cache       Cache
	verifier    TokenVerifier
	nested      NestedTransaction
	credentials CredentialSource
	identities  IdentityManager
	audit       *audit.Logger
	metrics     *metrics.Metrics
}

// Config holds tenant and behavior configuration.
type Config struct {
	// Domain is the tenant domain, e.g. "tenant.example.com".
	Domain string

	// ClientID and ClientSecret belong to the inner linking client used for
	// the nested transaction and the client-credentials grant.
	ClientID     string
	ClientSecret string

	// Issuer defaults to "https://<Domain>/".
	Issuer string

	// InteractiveProtocol matches protocols of interactive logins. Default: "^oidc-".
	InteractiveProtocol string

	// LinkingResourceServer is the audience that carries link requests. Default: "my-account".
	LinkingResourceServer string

	// ContinueURL is the nested transaction's redirect_uri. Default: "https://<Domain>/continue".
	ContinueURL string

	// DefaultConnectionScopes is used when the request names none.
	DefaultConnectionScopes string

	// Prompt is sent on the nested authorize request. Default: "login".
	Prompt string

	// HTTPTimeout bounds token verification and each management call. The
	// nested code exchange keeps its own budget. Default: 5s.
	HTTPTimeout time.Duration

	// RequireMatchingEmail additionally requires the nested token's email to
	// equal the user's email before linking.
	RequireMatchingEmail bool

	// LinkFailurePolicy applies to management API failures.
	LinkFailurePolicy FailurePolicy
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCache sets the cache substrate.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithTokenVerifier sets the token verification implementation.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(c *Client) { c.verifier = v }
}

// WithNestedTransaction sets the nested authorization implementation.
func WithNestedTransaction(n NestedTransaction) Option {
	return func(c *Client) { c.nested = n }
}

// WithCredentialSource sets the machine credential source.
func WithCredentialSource(s CredentialSource) Option {
	return func(c *Client) { c.credentials = s }
}

// WithIdentityManager sets the management API implementation.
func WithIdentityManager(m IdentityManager) Option {
	return func(c *Client) { c.identities = m }
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(a *audit.Logger) Option {
	return func(c *Client) { c.audit = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDefaults returns cfg with every unset optional field filled in.
func (cfg Config) WithDefaults() Config {
	if cfg.Issuer == "" {
		cfg.Issuer = "https://" + cfg.Domain + "/"
	}
	if cfg.InteractiveProtocol == "" {
		cfg.InteractiveProtocol = DefaultInteractiveProtocol
	}
	if cfg.LinkingResourceServer == "" {
		cfg.LinkingResourceServer = DefaultLinkingResourceServer
	}
	if cfg.ContinueURL == "" {
		cfg.ContinueURL = "https://" + cfg.Domain + "/continue"
	}
	if cfg.DefaultConnectionScopes == "" {
		cfg.DefaultConnectionScopes = DefaultConnectionScopes
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	return cfg
}

// NewClient creates a new Client with the given configuration and options.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("acctlink: Domain is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("acctlink: ClientID is required")
	}
	cfg = cfg.WithDefaults()

	re, err := regexp.Compile(cfg.InteractiveProtocol)
	if err != nil {
		return nil, fmt.Errorf("acctlink: invalid InteractiveProtocol: %w", err)
	}

	c := &Client{config: cfg, interactive: re}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.New(false)
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

// IsInteractive reports whether protocol belongs to an interactive login.
func (c *Client) IsInteractive(protocol string) bool {
	return c.interactive.MatchString(protocol)
}

// Logger returns the configured logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Cache returns the cache substrate, or nil if not configured.
func (c *Client) Cache() Cache { return c.cache }

// Verifier returns the token verifier, or nil if not configured.
func (c *Client) Verifier() TokenVerifier { return c.verifier }

// Nested returns the nested transaction implementation, or nil if not configured.
func (c *Client) Nested() NestedTransaction { return c.nested }

// Credentials returns the machine credential source, or nil if not configured.
func (c *Client) Credentials() CredentialSource { return c.credentials }

// Identities returns the identity manager, or nil if not configured.
func (c *Client) Identities() IdentityManager { return c.identities }

// Audit returns the audit logger, or nil if not configured.
func (c *Client) Audit() *audit.Logger { return c.audit }

// Metrics returns the metrics sink. It is never nil.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// Close releases all resources held by the client.
// Any injected service that implements io.Closer will be closed.
func (c *Client) Close() error {
	closers := []interface{}{
		c.cache, c.verifier, c.nested,
		c.credentials, c.identities,
	}
	var firstErr error
	for _, svc := range closers {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if c.audit != nil {
		if err := c.audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
