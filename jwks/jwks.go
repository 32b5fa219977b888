// Package jwks provides a TokenVerifier implementation using JWKS (JSON Web Key Set).
//
// It fetches RSA public keys from the tenant's JWKS endpoint (RFC 7517) one kid
// at a time, stores them through a cache.Manager under "key-<kid>" with no
// expiry, and verifies RS256 ID tokens against issuer, audience and nonce
// expectations.
package jwks

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/cache"
	"github.com/chimerakang/acctlink-go/metrics"
	"github.com/golang-jwt/jwt/v5"
)

var (
	errKeyFetch  = errors.New("signing key unavailable")
	errAlgorithm = errors.New("algorithm not allowed")
	errNoKid     = errors.New("token header has no kid")
)

// Verifier implements acctlink.TokenVerifier using JWKS public keys.
type Verifier struct {
	jwksURL    string
	httpClient *http.Client
	keys       *cache.Manager
	logger     *slog.Logger
	metrics    *metrics.Metrics
	leeway     time.Duration
}

// compile-time check
var _ acctlink.TokenVerifier = (*Verifier)(nil)

// Option configures the Verifier.
type Option func(*Verifier)

// WithHTTPClient sets a custom HTTP client for fetching JWKS.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithLeeway allows clock skew when checking exp.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// URL returns the JWKS endpoint of a tenant domain.
func URL(domain string) string {
	return "https://" + domain + "/.well-known/jwks.json"
}

// NewVerifier creates a new JWKS-based token verifier. Keys are read through keys.
func NewVerifier(jwksURL string, keys *cache.Manager, opts ...Option) *Verifier {
	v := &Verifier{
		jwksURL:    jwksURL,
		httpClient: &http.Client{Timeout: acctlink.DefaultHTTPTimeout},
		keys:       keys,
		logger:     slog.Default(),
		metrics:    metrics.New(false),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce         string `json:"nonce,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

// Verify validates an ID token string against want and returns its claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string, want acctlink.Expectations) (*acctlink.VerifiedToken, error) {
	tok, err := v.verify(ctx, tokenString, want)
	if err != nil {
		var ve *acctlink.VerificationError
		if errors.As(err, &ve) {
			v.metrics.RecordVerificationFailure(string(ve.Reason))
			v.logger.DebugContext(ctx, "id token rejected", "reason", ve.Reason)
		}
		return nil, err
	}
	return tok, nil
}

func (v *Verifier) verify(ctx context.Context, tokenString string, want acctlink.Expectations) (*acctlink.VerifiedToken, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(want.Issuer),
		jwt.WithLeeway(v.leeway),
	}
	if want.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(want.Audience))
	}
	parser := jwt.NewParser(parserOpts...)

	var claims idTokenClaims
	token, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("%w: %v", errAlgorithm, token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errNoKid
		}
		return v.getKey(ctx, kid)
	})
	if err != nil {
		return nil, &acctlink.VerificationError{Reason: reasonOf(err), Err: fmt.Errorf("acctlink/jwks: %w", err)}
	}
	if !token.Valid {
		return nil, &acctlink.VerificationError{Reason: acctlink.ReasonMalformed, Err: fmt.Errorf("acctlink/jwks: invalid token claims")}
	}

	if want.Nonce != "" && subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(want.Nonce)) != 1 {
		return nil, &acctlink.VerificationError{Reason: acctlink.ReasonNonce, Err: fmt.Errorf("acctlink/jwks: nonce mismatch")}
	}

	out := &acctlink.VerifiedToken{
		Subject:       claims.Subject,
		Nonce:         claims.Nonce,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Issuer:        claims.Issuer,
		Audience:      []string(claims.Audience),
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func reasonOf(err error) acctlink.Reason {
	switch {
	case errors.Is(err, errKeyFetch):
		return acctlink.ReasonKeyFetch
	case errors.Is(err, errAlgorithm):
		return acctlink.ReasonAlgorithm
	case errors.Is(err, errNoKid), errors.Is(err, jwt.ErrTokenMalformed):
		return acctlink.ReasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return acctlink.ReasonSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return acctlink.ReasonExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return acctlink.ReasonIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return acctlink.ReasonAudience
	default:
		return acctlink.ReasonMalformed
	}
}

// getKey returns the RSA public key for kid, fetching it on a cache miss.
func (v *Verifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	encoded, err := v.keys.GetOrRefresh(ctx, acctlink.SigningKeyCacheKeyPrefix+kid, func(ctx context.Context) (string, time.Duration, error) {
		v.logger.InfoContext(ctx, "cache miss for signing key", "kid", kid)
		pub, err := v.fetch(ctx, kid)
		if err != nil {
			return "", 0, err
		}
		s, err := encodePEM(pub)
		if err != nil {
			return "", 0, err
		}
		return s, 0, nil
	})
	if err != nil {
		v.logger.WarnContext(ctx, "failed to download signing key", "kid", kid, "error", err)
		return nil, fmt.Errorf("%w: %w", errKeyFetch, err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: cached key for kid %q: %w", errKeyFetch, kid, err)
	}
	return pub, nil
}

// fetch downloads the JWKS and returns the RSA signing key with the given kid.
func (v *Verifier) fetch(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	start := time.Now()
	defer func() { v.metrics.ObserveUpstream("jwks_fetch", time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("acctlink/jwks: create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acctlink/jwks: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acctlink/jwks: fetch returned status %d", resp.StatusCode)
	}

	var jwksResp jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return nil, fmt.Errorf("acctlink/jwks: decode: %w", err)
	}

	for _, jwk := range jwksResp.Keys {
		if jwk.Kid != kid {
			continue
		}
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			return nil, fmt.Errorf("acctlink/jwks: key %q is not an RSA signing key", kid)
		}
		return jwk.rsaPublicKey()
	}
	return nil, fmt.Errorf("acctlink/jwks: key not found for kid %q", kid)
}

func encodePEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("acctlink/jwks: marshal key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// JWKS JSON types

type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *jwkKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("acctlink/jwks: decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("acctlink/jwks: decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
