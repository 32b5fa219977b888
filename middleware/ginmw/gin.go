// Package ginmw exposes the linking engine to a pipeline runtime over HTTP.
//
// The runtime posts the login event to /v1/login/execute or
// /v1/login/continue and applies the returned commands. Both routes may be
// guarded by a shared bearer secret.
package ginmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/flow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Context keys and headers.
const (
	KeyRequestID    = "acctlink_request_id"
	HeaderRequestID = "X-Request-ID"
)

// Routes served by NewRouter.
const (
	PathExecute  = "/v1/login/execute"
	PathContinue = "/v1/login/continue"
	PathHealth   = "/healthz"
	PathMetrics  = "/metrics"
)

// Response is the body returned for both phases.
type Response struct {
	Decision flow.Decision      `json:"decision"`
	Commands []acctlink.Command `json:"commands"`
}

// RequestID returns Gin middleware that propagates X-Request-ID, generating
// one when absent, into the request context and the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(KeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(acctlink.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedPaths map[string]bool
}

// WithExcludedPaths sets paths that skip authentication (e.g. health checks).
func WithExcludedPaths(paths ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// Auth returns Gin middleware that requires "Authorization: Bearer <secret>".
// An empty secret disables the check.
func Auth(secret string, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if secret == "" || cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenStr := extractBearerToken(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(tokenStr), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Next()
	}
}

// Execute returns the handler for the initial phase.
func Execute(engine *flow.Engine) gin.HandlerFunc {
	return phase(engine.OnExecute)
}

// Continue returns the handler for the continuation phase.
func Continue(engine *flow.Engine) gin.HandlerFunc {
	return phase(engine.OnContinue)
}

type phaseFunc func(ctx context.Context, ev *acctlink.LoginEvent, actions acctlink.Actions) (flow.Decision, error)

func phase(run phaseFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev acctlink.LoginEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid login event"})
			return
		}

		rec := &acctlink.Recorder{}
		d, err := run(c.Request.Context(), &ev, rec)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, Response{Decision: d, Commands: rec.Commands()})
	}
}

// RouterOption configures NewRouter.
type RouterOption func(*routerConfig)

type routerConfig struct {
	secret   string
	gatherer prometheus.Gatherer
	mws      []gin.HandlerFunc
}

// WithSecret guards the phase routes with a shared bearer secret.
func WithSecret(secret string) RouterOption {
	return func(cfg *routerConfig) { cfg.secret = secret }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) RouterOption {
	return func(cfg *routerConfig) { cfg.gatherer = g }
}

// WithMiddleware adds middleware ahead of every route, after request-id
// propagation.
func WithMiddleware(mws ...gin.HandlerFunc) RouterOption {
	return func(cfg *routerConfig) { cfg.mws = append(cfg.mws, mws...) }
}

// NewRouter builds a Gin engine serving both phases plus health and metrics.
func NewRouter(engine *flow.Engine, opts ...RouterOption) *gin.Engine {
	cfg := &routerConfig{gatherer: prometheus.DefaultGatherer}
	for _, o := range opts {
		o(cfg)
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID())
	r.Use(cfg.mws...)
	r.Use(Auth(cfg.secret, WithExcludedPaths(PathHealth, PathMetrics)))

	r.GET(PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(PathMetrics, gin.WrapH(promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{})))
	r.POST(PathExecute, Execute(engine))
	r.POST(PathContinue, Continue(engine))
	return r
}

// --- Context helpers ---

// GetRequestID returns the request ID from the Gin context.
func GetRequestID(c *gin.Context) string {
	v, _ := c.Get(KeyRequestID)
	s, _ := v.(string)
	return s
}

// --- internal helpers ---

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
