package ginmw

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/fake"
	"github.com/chimerakang/acctlink-go/flow"
	"github.com/chimerakang/acctlink-go/metrics"
	"github.com/chimerakang/acctlink-go/nonce"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, opts ...RouterOption) (*gin.Engine, *fake.Env) {
	t.Helper()
	env := fake.NewEnv()
	reg := prometheus.NewRegistry()
	c, err := env.NewClient(
		acctlink.Config{Domain: "tenant.example", ClientID: "linking-client"},
		acctlink.WithMetrics(metrics.NewWithRegisterer(reg)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	engine, err := flow.NewEngine(c)
	if err != nil {
		t.Fatal(err)
	}
	env.Verifier.Issue("hint", acctlink.VerifiedToken{Subject: "auth0|abc", Issuer: "https://tenant.example/"})
	return NewRouter(engine, append([]RouterOption{WithGatherer(reg)}, opts...)...), env
}

func loginBody(t *testing.T, mutate func(*acctlink.LoginEvent)) *bytes.Reader {
	t.Helper()
	ev := acctlink.LoginEvent{
		Protocol:              "oidc-basic-profile",
		ClientID:              "app-client",
		RequestedScopes:       []string{"openid", acctlink.ScopeLinkAccount},
		ResourceServer:        "my-account",
		RequestIP:             "203.0.113.7",
		Query:                 acctlink.Query{IDTokenHint: "hint", RequestedConnection: "google-oauth2"},
		AuthenticationMethods: []string{"pwd"},
		User: &acctlink.User{
			UserID:        "auth0|abc",
			EmailVerified: true,
			Identities:    []acctlink.Identity{{Provider: "auth0", UserID: "abc", Connection: "db"}},
		},
	}
	if mutate != nil {
		mutate(&ev)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return out
}

func TestExecuteReturnsRedirectCommand(t *testing.T) {
	r, env := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, PathExecute, loginBody(t, nil))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	out := decode(t, w)
	dec := out["decision"].(map[string]any)
	if dec["outcome"] != "redirect" || dec["operation"] != "link" {
		t.Errorf("decision = %v", dec)
	}
	cmds := out["commands"].([]any)
	if len(cmds) != 1 || cmds[0].(map[string]any)["type"] != "redirect" {
		t.Errorf("commands = %v", cmds)
	}
	if len(env.Nested.Requests()) != 1 {
		t.Errorf("nested requests = %d, want 1", len(env.Nested.Requests()))
	}
}

func TestSkipReturnsEmptyCommands(t *testing.T) {
	r, _ := newTestRouter(t)

	body := loginBody(t, func(ev *acctlink.LoginEvent) { ev.Protocol = "oauth2-refresh-token" })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, PathExecute, body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"commands":[]`) {
		t.Errorf("body = %s, want empty commands array", w.Body)
	}
}

func TestContinueLinks(t *testing.T) {
	r, env := newTestRouter(t)
	env.Nested.AddCode("code-1", "nested")
	env.Verifier.Issue("nested", acctlink.VerifiedToken{
		Subject:       "google-oauth2|987",
		Issuer:        "https://tenant.example/",
		Audience:      []string{"linking-client"},
		Nonce:         nonce.Make("auth0|abc", "203.0.113.7"),
		EmailVerified: true,
	})

	body := loginBody(t, func(ev *acctlink.LoginEvent) { ev.Query = acctlink.Query{Code: "code-1"} })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, PathContinue, body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if dec := decode(t, w)["decision"].(map[string]any); dec["outcome"] != "linked" {
		t.Errorf("decision = %v", dec)
	}
	calls := env.Identities.Calls()
	if len(calls) != 1 || calls[0].Op != "link" || calls[0].Secondary.Provider != "google-oauth2" {
		t.Errorf("management calls = %+v", calls)
	}
}

func TestInvalidBody(t *testing.T) {
	r, _ := newTestRouter(t)

	for name, body := range map[string]string{
		"not json": "{",
		"no user":  `{"protocol":"oidc-basic-profile","client_id":"app"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, PathExecute, strings.NewReader(body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestRequestIDPropagation(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, PathHealth, nil)
	req.Header.Set(HeaderRequestID, "req-7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(HeaderRequestID); got != "req-7" {
		t.Errorf("request id = %q, want req-7", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if got := w.Header().Get(HeaderRequestID); len(got) != 36 {
		t.Errorf("generated request id = %q, want a uuid", got)
	}
}

func TestRequestIDInContext(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	var fromGin, fromCtx string
	r.GET("/", func(c *gin.Context) {
		fromGin = GetRequestID(c)
		fromCtx = acctlink.RequestIDFromContext(c.Request.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if fromGin != "abc" || fromCtx != "abc" {
		t.Errorf("gin = %q, ctx = %q", fromGin, fromCtx)
	}
}

func TestAuth(t *testing.T) {
	r, _ := newTestRouter(t, WithSecret("hook-secret"))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing", PathExecute, "", http.StatusUnauthorized},
		{"wrong", PathExecute, "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", PathExecute, "Basic hook-secret", http.StatusUnauthorized},
		{"valid", PathExecute, "Bearer hook-secret", http.StatusOK},
		{"health excluded", PathHealth, "", http.StatusOK},
		{"metrics excluded", PathMetrics, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodPost
			var body *bytes.Reader
			if tt.path != PathExecute {
				method = http.MethodGet
				body = bytes.NewReader(nil)
			} else {
				body = loginBody(t, nil)
			}
			req := httptest.NewRequest(method, tt.path, body)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, PathExecute, loginBody(t, nil)))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathMetrics, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `acctlink_decisions_total{outcome="redirect",phase="execute"} 1`) {
		t.Errorf("metrics body missing decision counter:\n%s", w.Body)
	}
}
