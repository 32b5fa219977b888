package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/audit"
	"github.com/chimerakang/acctlink-go/cache"
	"github.com/chimerakang/acctlink-go/flow"
	"github.com/chimerakang/acctlink-go/jwks"
	"github.com/chimerakang/acctlink-go/management"
	"github.com/chimerakang/acctlink-go/metrics"
	"github.com/chimerakang/acctlink-go/middleware/ginmw"
	"github.com/chimerakang/acctlink-go/oauth2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the linking webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg Config) error {
	log := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reg prometheus.Registerer
	if cfg.MetricsEnabled {
		reg = prometheus.DefaultRegisterer
	}
	c, err := buildClient(ctx, cfg, newSlogLogger(log, os.Stderr), reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close client")
		}
	}()

	engine, err := flow.NewEngine(c)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: ginmw.NewRouter(engine,
			ginmw.WithSecret(cfg.WebhookSecret),
			ginmw.WithMiddleware(requestLogger(log)),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("domain", cfg.Domain).
		Str("cache", cfg.Cache.Backend).
		Msg("acctlinkd started")

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info().Msg("acctlinkd stopped cleanly")
	return nil
}

// buildClient wires the production collaborators. A nil reg disables metrics.
func buildClient(ctx context.Context, cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*acctlink.Client, error) {
	clientCfg := cfg.ClientConfig().WithDefaults()

	mt := metrics.New(false)
	if reg != nil {
		mt = metrics.NewWithRegisterer(reg)
	}

	store, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	keys := cache.NewManager(store, cache.WithLogger(logger), cache.WithMetrics(mt))
	httpClient := &http.Client{Timeout: clientCfg.HTTPTimeout}

	verifier := jwks.NewVerifier(jwks.URL(clientCfg.Domain), keys,
		jwks.WithHTTPClient(httpClient),
		jwks.WithLogger(logger),
		jwks.WithMetrics(mt),
	)

	nestedCfg := oauth2.NestedConfigFor(clientCfg.Domain, clientCfg.ClientID, cfg.ClientSecret)
	nestedCfg.RedirectURL = clientCfg.ContinueURL
	nestedCfg.Prompt = clientCfg.Prompt
	// The code exchange keeps its own fixed budget (oauth2.DefaultExchangeTimeout).
	nested := oauth2.NewNested(nestedCfg,
		oauth2.WithNestedLogger(logger),
		oauth2.WithNestedMetrics(mt),
	)

	credentials := oauth2.New(clientCfg.ClientID, cfg.ClientSecret, oauth2.TokenURL(clientCfg.Domain), keys,
		oauth2.WithHTTPClient(httpClient),
		oauth2.WithAudience(cfg.managementAudience()),
		oauth2.WithRefreshBuffer(cfg.TokenRefreshBuffer),
		oauth2.WithLogger(logger),
		oauth2.WithMetrics(mt),
	)

	identities := management.New(management.NewHTTPBackend(management.APIURL(clientCfg.Domain),
		management.WithHTTPClient(httpClient),
	))

	auditOpts := []audit.Option{audit.WithSlogHandler(logger)}
	if cfg.AuditStdout {
		auditOpts = append(auditOpts, audit.WithStdoutHandler())
	}

	return acctlink.NewClient(clientCfg,
		acctlink.WithLogger(logger),
		acctlink.WithCache(store),
		acctlink.WithTokenVerifier(verifier),
		acctlink.WithNestedTransaction(nested),
		acctlink.WithCredentialSource(credentials),
		acctlink.WithIdentityManager(identities),
		acctlink.WithAuditLogger(audit.New(cfg.AuditBuffer, auditOpts...)),
		acctlink.WithMetrics(mt),
	)
}

func newCache(ctx context.Context, cfg CacheConfig) (acctlink.Cache, error) {
	if cfg.Backend != CacheRedis {
		return cache.NewMemory(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return cache.NewRedis(rdb, cfg.RedisPrefix), nil
}

// requestLogger logs one line per webhook call.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", ginmw.GetRequestID(c)).
			Msg("request")
	}
}
