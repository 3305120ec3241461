package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gogotex/docstore/internal/catalog"
	"github.com/gogotex/docstore/internal/config"
	"github.com/gogotex/docstore/internal/database"
	"github.com/gogotex/docstore/internal/document/cache"
	"github.com/gogotex/docstore/internal/document/handler"
	"github.com/gogotex/docstore/internal/document/repository"
	"github.com/gogotex/docstore/internal/document/service"
	"github.com/gogotex/docstore/internal/oidc"
	"github.com/gogotex/docstore/internal/security"
	"github.com/gogotex/docstore/internal/tokens"
	"github.com/gogotex/docstore/pkg/logger"
	"github.com/gogotex/docstore/pkg/metrics"
	"github.com/gogotex/docstore/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("docstore listening on %s (store=%s cache=%s)", srv.Addr, cfg.Store.Backend, cfg.Cache.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// app is the assembled server: runtime, backends and router.
type app struct {
	router  *gin.Engine
	runtime *service.Runtime
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()
	checks := map[string]handler.ReadinessCheck{}

	store, dialect, err := openStore(ctx, cfg, a, checks)
	if err != nil {
		return nil, err
	}
	registry, err := catalog.Registry(dialect)
	if err != nil {
		return nil, err
	}
	if ms, ok := store.(*repository.MongoStore); ok {
		names := append(registry.Names(), service.DefaultChangeDocTypeName)
		if err := ms.EnsureIndexes(ctx, names); err != nil {
			return nil, err
		}
	}
	safe, err := repository.NewSafeDocStore(store)
	if err != nil {
		return nil, err
	}
	safe.SetSlowCallThreshold(cfg.Store.SlowCallThreshold)

	rdb, err := openRedis(ctx, cfg, a, checks)
	if err != nil {
		return nil, err
	}

	var docCache cache.DocCache
	if cfg.Cache.Backend == config.BackendRedis {
		docCache = cache.NewRedisCache(rdb, cfg.Cache.Prefix, time.Now)
	} else {
		ttl := cache.NewTTLCache(time.Now)
		janitorCtx, cancel := context.WithCancel(context.Background())
		if cfg.Cache.SweepInterval > 0 {
			go ttl.RunJanitor(janitorCtx, cfg.Cache.SweepInterval)
		}
		a.closers = append(a.closers, cancel)
		docCache = ttl
	}

	a.runtime, err = service.New(service.Options{Registry: registry, Store: safe, Cache: docCache})
	if err != nil {
		return nil, err
	}

	authOpts := middleware.AuthOptions{}
	if cfg.Auth.PermissionsFile != "" {
		dir, err := security.LoadDirectory(cfg.Auth.PermissionsFile)
		if err != nil {
			return nil, err
		}
		authOpts.Directory = dir
	}
	if rdb != nil {
		authOpts.Revocations = tokens.NewRedisRevocations(rdb, "")
	}
	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterCollectors(reg)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	handler.RegisterOpsRoutes(r, reg, checks)
	handler.RegisterSwagger(r, registry.Names())

	api := r.Group("/")
	api.Use(middleware.AuthMiddleware(verifier, authOpts))
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis {
			api.Use(middleware.RedisRateLimitMiddleware(rdb, cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.Window))
		} else {
			api.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		}
	}
	handler.RegisterDocumentRoutes(api, a.runtime)
	a.router = r
	built = true
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, a *app, checks map[string]handler.ReadinessCheck) (repository.DocStore, catalog.Dialect, error) {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		client, err := database.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
		if err != nil {
			return nil, "", err
		}
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		return repository.NewMongoStore(client.Database(cfg.MongoDB.Database), nil), catalog.DialectMongo, nil
	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, "", err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		checks["sqlite"] = db.PingContext
		return repository.NewSQLiteStore(db, nil), catalog.DialectSQLite, nil
	default:
		logger.Warnf("using the in-memory store; documents are lost on restart")
		return repository.NewMemoryStore(), catalog.DialectMemory, nil
	}
}

// openRedis connects when a Redis host is configured. The connection is
// required only when the cache or the rate limiter depends on it.
func openRedis(ctx context.Context, cfg *config.Config, a *app, checks map[string]handler.ReadinessCheck) (*redis.Client, error) {
	if !cfg.Redis.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	required := cfg.Cache.Backend == config.BackendRedis || (cfg.RateLimit.Enabled && cfg.RateLimit.UseRedis)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if required {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr(), err)
		}
		logger.Warnf("redis at %s unreachable, token revocation disabled: %v", cfg.Redis.Addr(), err)
		return nil, nil
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return client, nil
}

func newVerifier(ctx context.Context, cfg *config.Config) (middleware.Verifier, error) {
	if cfg.Auth.OIDCIssuer != "" {
		return oidc.NewVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
	}
	return tokens.NewHMACVerifier(cfg.Auth.JWTSecret)
}
