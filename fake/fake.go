// Package fake provides in-memory implementations of the acctlink
// collaborators for testing.
//
// Use fake.NewEnv() in unit tests to avoid network calls; every fake records
// the calls it receives so tests can assert on them.
package fake

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
)

// Env bundles one fake of each collaborator.
type Env struct {
	Cache       *Cache
	Verifier    *Verifier
	Nested      *Nested
	Credentials *Credentials
	Identities  *IdentityManager
}

// NewEnv creates an Env with empty fakes.
func NewEnv() *Env {
	return &Env{
		Cache:       NewCache(),
		Verifier:    NewVerifier(),
		Nested:      NewNested(),
		Credentials: &Credentials{Token: "fake-management-token"},
		Identities:  &IdentityManager{},
	}
}

// NewClient creates an *acctlink.Client with every collaborator wired to the
// env's fakes. Extra options are applied last.
func (e *Env) NewClient(cfg acctlink.Config, opts ...acctlink.Option) (*acctlink.Client, error) {
	base := []acctlink.Option{
		acctlink.WithCache(e.Cache),
		acctlink.WithTokenVerifier(e.Verifier),
		acctlink.WithNestedTransaction(e.Nested),
		acctlink.WithCredentialSource(e.Credentials),
		acctlink.WithIdentityManager(e.Identities),
	}
	return acctlink.NewClient(cfg, append(base, opts...)...)
}

// --- Cache ---

type cacheEntry struct {
	value     string
	expiresAt time.Time // zero = never
}

// Cache is an acctlink.Cache with a controllable clock.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     time.Time

	// GetErr and SetErr, when set, are returned by every Get/Set.
	GetErr error
	SetErr error

	gets, sets int
}

var _ acctlink.Cache = (*Cache)(nil)

// NewCache creates an empty cache whose clock starts at a fixed instant.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Advance moves the cache clock forward.
func (c *Cache) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Cache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.GetErr != nil {
		return "", false, c.GetErr
	}
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !c.now.Before(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *Cache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.SetErr != nil {
		return c.SetErr
	}
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now.Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Peek returns the stored value without touching counters or expiry.
func (c *Cache) Peek(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// TTL returns the remaining lifetime of key; zero means no expiry.
func (c *Cache) TTL(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expiresAt.IsZero() {
		return 0, ok
	}
	return e.expiresAt.Sub(c.now), true
}

// Calls returns the number of Get and Set calls so far.
func (c *Cache) Calls() (gets, sets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets, c.sets
}

// --- TokenVerifier ---

// Verifier accepts tokens registered with Issue and applies the same
// issuer/audience/nonce checks as the real verifier.
type Verifier struct {
	mu     sync.Mutex
	tokens map[string]acctlink.VerifiedToken
	calls  []acctlink.Expectations
}

var _ acctlink.TokenVerifier = (*Verifier)(nil)

// NewVerifier creates a verifier that knows no tokens.
func NewVerifier() *Verifier {
	return &Verifier{tokens: make(map[string]acctlink.VerifiedToken)}
}

// Issue registers token as carrying claims.
func (v *Verifier) Issue(token string, claims acctlink.VerifiedToken) {
	v.mu.Lock()
	v.tokens[token] = claims
	v.mu.Unlock()
}

func (v *Verifier) Verify(_ context.Context, token string, want acctlink.Expectations) (*acctlink.VerifiedToken, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, want)

	claims, ok := v.tokens[token]
	if !ok {
		return nil, &acctlink.VerificationError{Reason: acctlink.ReasonSignature, Err: fmt.Errorf("unknown token %q", token)}
	}
	if claims.Issuer != want.Issuer {
		return nil, &acctlink.VerificationError{Reason: acctlink.ReasonIssuer}
	}
	if want.Audience != "" && !slices.Contains(claims.Audience, want.Audience) {
		return nil, &acctlink.VerificationError{Reason: acctlink.ReasonAudience}
	}
	if want.Nonce != "" && subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(want.Nonce)) != 1 {
		return nil, &acctlink.VerificationError{Reason: acctlink.ReasonNonce}
	}
	out := claims
	return &out, nil
}

// Calls returns the expectations of every Verify call.
func (v *Verifier) Calls() []acctlink.Expectations {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.calls)
}

// --- NestedTransaction ---

// Nested builds authorize URLs on a fixed base and exchanges registered codes.
type Nested struct {
	BaseURL     string
	RedirectURI string

	mu        sync.Mutex
	codes     map[string]string
	ExchErr   error
	requests  []acctlink.AuthorizeRequest
	exchanged []string
	redirects []string
}

var _ acctlink.NestedTransaction = (*Nested)(nil)

// NewNested creates a nested transaction fake rooted at https://fake.test.
func NewNested() *Nested {
	return &Nested{
		BaseURL:     "https://fake.test/authorize",
		RedirectURI: "https://fake.test/continue",
		codes:       make(map[string]string),
	}
}

// AddCode makes code exchangeable for idToken.
func (n *Nested) AddCode(code, idToken string) {
	n.mu.Lock()
	n.codes[code] = idToken
	n.mu.Unlock()
}

func (n *Nested) AuthorizeURL(req acctlink.AuthorizeRequest) (string, error) {
	n.mu.Lock()
	n.requests = append(n.requests, req)
	n.mu.Unlock()

	redirect, prompt := n.RedirectURI, "login"
	if req.RedirectURI != "" {
		redirect = req.RedirectURI
	}
	if req.Prompt != "" {
		prompt = req.Prompt
	}
	q := url.Values{
		"redirect_uri":  {redirect},
		"nonce":         {req.Nonce},
		"response_type": {"code"},
		"prompt":        {prompt},
		"connection":    {req.Connection},
		"login_hint":    {req.LoginHint},
		"scope":         {req.Scope},
	}
	return n.BaseURL + "?" + q.Encode(), nil
}

func (n *Nested) ExchangeCode(_ context.Context, code, redirectURI string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exchanged = append(n.exchanged, code)
	n.redirects = append(n.redirects, redirectURI)
	if n.ExchErr != nil {
		return "", n.ExchErr
	}
	tok, ok := n.codes[code]
	if !ok {
		return "", fmt.Errorf("fake: invalid_grant for code %q", code)
	}
	return tok, nil
}

// Requests returns every AuthorizeURL request.
func (n *Nested) Requests() []acctlink.AuthorizeRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.requests)
}

// ExchangeRedirects returns the redirect URI passed with every exchange.
func (n *Nested) ExchangeRedirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.redirects)
}

// Exchanged returns every exchanged code.
func (n *Nested) Exchanged() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.exchanged)
}

// --- CredentialSource ---

// Credentials returns Token, or Err when set.
type Credentials struct {
	mu    sync.Mutex
	Token string
	Err   error
	calls int
}

var _ acctlink.CredentialSource = (*Credentials)(nil)

func (c *Credentials) AccessToken(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.Err != nil {
		return "", c.Err
	}
	return c.Token, nil
}

// Calls returns the number of AccessToken calls.
func (c *Credentials) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// --- IdentityManager ---

// Call is one recorded management API call.
type Call struct {
	Op        string // "link" or "unlink"
	Token     string
	Primary   string
	Secondary acctlink.Identity
}

// IdentityManager records link and unlink calls. LinkErr and UnlinkErr are
// returned when set.
type IdentityManager struct {
	mu        sync.Mutex
	LinkErr   error
	UnlinkErr error
	calls     []Call
}

var _ acctlink.IdentityManager = (*IdentityManager)(nil)

func (m *IdentityManager) Link(_ context.Context, accessToken, primaryUserID string, secondary acctlink.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "link", Token: accessToken, Primary: primaryUserID, Secondary: secondary})
	return m.LinkErr
}

func (m *IdentityManager) Unlink(_ context.Context, accessToken, primaryUserID string, secondary acctlink.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "unlink", Token: accessToken, Primary: primaryUserID, Secondary: secondary})
	return m.UnlinkErr
}

// Calls returns every recorded call.
func (m *IdentityManager) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}
