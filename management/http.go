package management

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	acctlink "github.com/chimerakang/acctlink-go"
)

// APIError is a non-2xx response from the Management API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management api returned %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps well-known statuses to the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return ErrConflict
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return nil
	}
}

// IsConflict reports whether err is a 409 from the Management API.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// HTTPBackend calls Management API v2 over HTTPS.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

// compile-time check
var _ Backend = (*HTTPBackend)(nil)

// HTTPOption configures the HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.httpClient = c }
}

// APIURL returns the Management API v2 base URL of a tenant domain.
func APIURL(domain string) string {
	return "https://" + domain + "/api/v2"
}

// NewHTTPBackend creates a backend rooted at baseURL, e.g. APIURL(domain).
func NewHTTPBackend(baseURL string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: acctlink.DefaultHTTPTimeout},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type linkRequest struct {
	Provider string `json:"provider"`
	UserID   string `json:"user_id"`
}

// LinkIdentity calls POST /users/{id}/identities.
func (b *HTTPBackend) LinkIdentity(ctx context.Context, accessToken, primaryID, provider, userID string) error {
	body, err := json.Marshal(linkRequest{Provider: provider, UserID: userID})
	if err != nil {
		return fmt.Errorf("encode link request: %w", err)
	}
	u := b.baseURL + "/users/" + url.PathEscape(primaryID) + "/identities"
	return b.do(ctx, http.MethodPost, u, accessToken, body)
}

// UnlinkIdentity calls DELETE /users/{id}/identities/{provider}/{user_id}.
func (b *HTTPBackend) UnlinkIdentity(ctx context.Context, accessToken, primaryID, provider, userID string) error {
	u := b.baseURL + "/users/" + url.PathEscape(primaryID) + "/identities/" +
		url.PathEscape(provider) + "/" + url.PathEscape(userID)
	return b.do(ctx, http.MethodDelete, u, accessToken, nil)
}

func (b *HTTPBackend) do(ctx context.Context, method, u, accessToken string, body []byte) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
