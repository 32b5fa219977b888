package oauth2_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chimerakang/acctlink-go/cache"
	"github.com/chimerakang/acctlink-go/fake"
	"github.com/chimerakang/acctlink-go/oauth2"
)

const testAudience = "https://tenant.example/api/v2/"

func newTestServer(t *testing.T, calls *atomic.Int32, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.Method != "POST" {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if r.FormValue("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
			return
		}

		clientID := r.FormValue("client_id")
		clientSecret := r.FormValue("client_secret")
		if clientID != "app_test" || clientSecret != "secret_test" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
			return
		}
		if r.FormValue("audience") != testAudience {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "access_denied"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9.test",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
			"scope":        r.FormValue("scope"),
		})
	}))
}

func newExchanger(url string, store *fake.Cache, opts ...oauth2.Option) *oauth2.Exchanger {
	opts = append([]oauth2.Option{oauth2.WithAudience(testAudience)}, opts...)
	return oauth2.New("app_test", "secret_test", url, cache.NewManager(store), opts...)
}

func TestExchangeToken_Success(t *testing.T) {
	server := newTestServer(t, nil, 86400)
	defer server.Close()

	e := newExchanger(server.URL, fake.NewCache(), oauth2.WithScopes("update:users"))

	token, err := e.ExchangeToken(context.Background())
	if err != nil {
		t.Fatalf("ExchangeToken() error: %v", err)
	}

	if token.AccessToken == "" {
		t.Error("expected non-empty access_token")
	}
	if token.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", token.TokenType, "Bearer")
	}
	if token.ExpiresIn != 86400 {
		t.Errorf("ExpiresIn = %d, want 86400", token.ExpiresIn)
	}
	if token.Scope != "update:users" {
		t.Errorf("Scope = %q, want %q", token.Scope, "update:users")
	}
	if token.ExpiresAt.Before(time.Now()) {
		t.Error("ExpiresAt should be in the future")
	}
}

func TestExchangeToken_InvalidCredentials(t *testing.T) {
	server := newTestServer(t, nil, 3600)
	defer server.Close()

	e := oauth2.New("wrong_id", "wrong_secret", server.URL, cache.NewManager(fake.NewCache()), oauth2.WithAudience(testAudience))

	if _, err := e.ExchangeToken(context.Background()); err == nil {
		t.Fatal("expected error for invalid credentials")
	}
}

func TestExchangeToken_MissingAudience(t *testing.T) {
	server := newTestServer(t, nil, 3600)
	defer server.Close()

	e := oauth2.New("app_test", "secret_test", server.URL, cache.NewManager(fake.NewCache()))

	if _, err := e.ExchangeToken(context.Background()); err == nil {
		t.Fatal("expected error when audience is not sent")
	}
}

func TestAccessToken_CachesForLifetime(t *testing.T) {
	var callCount atomic.Int32
	server := newTestServer(t, &callCount, 86400)
	defer server.Close()

	store := fake.NewCache()
	e := newExchanger(server.URL, store)

	// First call fetches from server
	token1, err := e.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}

	// Second call uses the cache
	token2, err := e.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}
	if token1 != token2 {
		t.Errorf("tokens differ: %q vs %q", token1, token2)
	}
	if callCount.Load() != 1 {
		t.Errorf("server was called %d times, want 1 (cached)", callCount.Load())
	}

	ttl, ok := store.TTL("management-token")
	if !ok {
		t.Fatal("token not cached under management-token")
	}
	if ttl != 86400*time.Second {
		t.Errorf("ttl = %v, want 86400s", ttl)
	}

	// After the lifetime the grant runs again.
	store.Advance(86400 * time.Second)
	if _, err := e.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}
	if callCount.Load() != 2 {
		t.Errorf("server was called %d times, want 2 (expired)", callCount.Load())
	}
}

func TestAccessToken_Singleflight(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		time.Sleep(50 * time.Millisecond) // simulate latency
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "singleflight_token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	e := newExchanger(server.URL, fake.NewCache())

	// Launch 10 concurrent requests
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := e.AccessToken(context.Background())
			if err != nil {
				t.Errorf("AccessToken() error: %v", err)
			}
			if tok != "singleflight_token" {
				t.Errorf("token = %q", tok)
			}
		}()
	}
	wg.Wait()

	// singleflight should collapse to 1 request
	if callCount.Load() != 1 {
		t.Errorf("server was called %d times, want 1 (singleflight)", callCount.Load())
	}
}

func TestAccessToken_RefreshBufferLongerThanLifetime(t *testing.T) {
	var callCount atomic.Int32
	server := newTestServer(t, &callCount, 1)
	defer server.Close()

	store := fake.NewCache()
	e := newExchanger(server.URL, store, oauth2.WithRefreshBuffer(2*time.Second))

	for i := 0; i < 2; i++ {
		if _, err := e.AccessToken(context.Background()); err != nil {
			t.Fatalf("AccessToken() error: %v", err)
		}
	}
	if callCount.Load() != 2 {
		t.Errorf("server was called %d times, want 2 (never cached)", callCount.Load())
	}
	if _, ok := store.Peek("management-token"); ok {
		t.Error("token that expires within the buffer must not be cached")
	}
}

func TestAccessToken_FailureNotCached(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal server error"))
	}))
	defer server.Close()

	store := fake.NewCache()
	e := newExchanger(server.URL, store)

	if _, err := e.AccessToken(context.Background()); err == nil {
		t.Fatal("expected error for server error")
	}
	if _, ok := store.Peek("management-token"); ok {
		t.Error("failed grant must not be cached")
	}
}

func TestTokenURL(t *testing.T) {
	if got := oauth2.TokenURL("tenant.example"); got != "https://tenant.example/oauth/token" {
		t.Errorf("TokenURL() = %q", got)
	}
}
