// Package oauthcore assembles the authorization server: storage, client
// caches, rate limiting, webhook delivery, sessions and the HTTP surface.
package oauthcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/Seann-Moser/oauthcore/cache"
	"github.com/Seann-Moser/oauthcore/config"
	"github.com/Seann-Moser/oauthcore/logging"
	"github.com/Seann-Moser/oauthcore/metrics"
	"github.com/Seann-Moser/oauthcore/oauth/oserver"
	"github.com/Seann-Moser/oauthcore/session"
	"github.com/Seann-Moser/oauthcore/user"
	"github.com/Seann-Moser/oauthcore/webhook"
)

const (
	mongoConnectTimeout = time.Minute
	usersCollection     = "users"
)

// App is a fully wired authorization server.
type App struct {
	Server     *oserver.Server
	Dispatcher *webhook.Dispatcher
	Sessions   *session.Client
	Profiles   *user.Server
	Metrics    *metrics.Recorder
	Handler    http.Handler

	logger  *zap.Logger
	closers []func(context.Context) error
}

type appOptions struct {
	httpClient *http.Client
	redis      redis.Cmdable
	users      user.Store
	now        func() time.Time
}

type Option func(*appOptions)

// WithHTTPClient sets the client used for webhook deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(o *appOptions) { o.httpClient = c }
}

// WithRedis backs the client cache and the token rate limiter with redis
// instead of process memory.
func WithRedis(cmdable redis.Cmdable) Option {
	return func(o *appOptions) { o.redis = cmdable }
}

// WithUserStore sets where profiles live. Without it profiles are kept in
// memory.
func WithUserStore(s user.Store) Option {
	return func(o *appOptions) { o.users = s }
}

func WithClock(now func() time.Time) Option {
	return func(o *appOptions) { o.now = now }
}

// New connects to MongoDB (and redis when configured), ensures indexes and
// wires the server.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	mc, err := connectMongo(ctx, cfg.MongoURI, logger)
	if err != nil {
		return nil, err
	}
	closers := []func(context.Context) error{mc.Disconnect}
	closeAll := func() {
		for _, c := range closers {
			_ = c(context.Background())
		}
	}

	db := mc.Database(cfg.MongoDatabase)
	store := oserver.NewMongoStore(db)
	if err := store.EnsureIndexes(ctx, cfg.WebhookEventRetention); err != nil {
		closeAll()
		return nil, err
	}
	users := user.NewMongoDBStore(db, usersCollection)
	if err := users.EnsureIndexes(ctx); err != nil {
		closeAll()
		return nil, err
	}

	opts := []Option{WithUserStore(users)}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		closers = append(closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			closeAll()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		opts = append(opts, WithRedis(rdb))
	}

	app := NewWithStore(cfg, store, logger, opts...)
	app.closers = append(app.closers, closers...)
	return app, nil
}

// connectMongo retries until the server answers a ping or the deadline passes.
func connectMongo(ctx context.Context, uri string, logger *zap.Logger) (*mongo.Client, error) {
	client, err := backoff.Retry(ctx, func() (*mongo.Client, error) {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("connect mongo: %w", err))
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(ctx)
			logger.Warn("mongo not reachable yet", zap.Error(err))
			return nil, err
		}
		return client, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(mongoConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo unavailable: %w", err)
	}
	return client, nil
}

// NewWithStore wires the server on top of an existing store. Tests use it with
// oserver.MemoryStore.
func NewWithStore(cfg *config.Config, store oserver.Store, logger *zap.Logger, opts ...Option) *App {
	o := appOptions{httpClient: http.DefaultClient, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.users == nil {
		o.users = user.NewMemoryStore()
	}
	logger = logging.OrNop(logger)
	rec := metrics.NewRecorder()

	var (
		clientCache oserver.ClientCache
		limiter     oserver.RateLimiter
	)
	if o.redis != nil {
		clientCache = cache.NewRedisClientCache(o.redis, cfg.ClientCacheTTL, logger)
		limiter = cache.NewRedisLimiter(o.redis, cfg.TokenRateLimit, cfg.TokenRateWindow)
	} else {
		clientCache = cache.NewLocalClientCache(cfg.ClientCacheTTL, o.now)
		if l := cache.NewLocalLimiter(cfg.TokenRateLimit, cfg.TokenRateWindow, o.now); l != nil {
			limiter = l
		}
	}

	dispatcher := webhook.NewDispatcher(oserver.NewSubscriberIndex(store, store), store,
		webhook.WithHTTPClient(o.httpClient),
		webhook.WithLogger(logger.Named("webhook")),
		webhook.WithMetrics(rec),
		webhook.WithClock(o.now),
		webhook.WithTimeout(cfg.WebhookTimeout),
		webhook.WithRetry(cfg.WebhookMaxAttempts, 0),
		webhook.WithConcurrency(cfg.WebhookConcurrency),
	)

	signer := oserver.NewJWTSigner([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.AccessTokenTTL)
	server := oserver.NewServer(store, signer, dispatcher, oserver.Config{
		ConsentURL:      cfg.ConsentURL,
		AuthCodeTTL:     cfg.AuthCodeTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		BcryptCost:      cfg.BcryptCost,
	},
		oserver.WithClientCache(clientCache),
		oserver.WithLogger(logger.Named("oauth")),
		oserver.WithMetrics(rec),
		oserver.WithClock(o.now),
	)

	var sessionOpts []session.Option
	if cfg.CookieDomain {
		sessionOpts = append(sessionOpts, session.WithCookieDomain())
	}
	sessions := session.NewClient([]byte(cfg.SessionSecret), cfg.SessionTTL, logger.Named("session"), sessionOpts...)
	profiles := user.NewServer(o.users, sessions, server, server,
		user.WithLogger(logger.Named("user")),
		user.WithClock(o.now),
	)

	router := mux.NewRouter()
	router.Use(logging.Middleware(logger))
	router.Use(sessions.Middleware)
	oserver.NewHandler(server, sessions, oserver.HandlerConfig{
		LoginURL: cfg.LoginURL,
		Limiter:  limiter,
		Logger:   logger.Named("http"),
		Metrics:  rec,
	}).Register(router)
	profiles.Register(router)
	router.Handle("/metrics", rec.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &App{
		Server:     server,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Profiles:   profiles,
		Metrics:    rec,
		Handler:    router,
		logger:     logger,
	}
}

// Close waits for in-flight webhook deliveries, bounded by ctx, then releases
// connections. Call it only after Handler stops serving requests, since a
// request still running could dispatch an event while Close is waiting.
func (a *App) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.Dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("webhook deliveries still in flight at shutdown")
	}

	var errs []error
	for _, c := range a.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
