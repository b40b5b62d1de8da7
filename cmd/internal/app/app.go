// Package app wires the duet server runtime: config, logging, persistence, HTTP routes
// and the realtime change feed.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"duet/cmd/internal/api"
	"duet/cmd/internal/attachment"
	"duet/cmd/internal/auth"
	"duet/cmd/internal/profile"
	"duet/cmd/internal/realtime"
	"duet/cmd/messaging"
)

// ProfileStore is the writable profile backend behind the read path.
type ProfileStore interface {
	profile.Lookup
	Put(ctx context.Context, p profile.Profile) error
}

// App is the duet server runtime. It owns the database pool, the cache client and
// the HTTP server.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	cache *profile.RedisCache

	hub      *realtime.Hub
	store    messaging.Store
	listener *realtime.Listener

	profiles ProfileStore
	lookup   profile.Lookup

	tokens *auth.TokenManager
	api    *api.Handler
	ws     *realtime.WSGateway

	attachmentsRoot string
}

// New constructs a fully wired App. On error every resource opened so far is released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.Log)
	}
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.tokens, err = TokenManager(ctx, cfg); err != nil {
		return nil, err
	}

	a.hub = realtime.NewHub(log, realtime.WithSubscriptionQueue(cfg.WS.SubscriptionQueue))

	if err = a.openStores(ctx); err != nil {
		return nil, err
	}

	resolver, err := messaging.NewResolver(a.store, log)
	if err != nil {
		return nil, err
	}

	uploader, err := a.newUploader(ctx)
	if err != nil {
		return nil, err
	}

	if err = a.openProfileCache(ctx); err != nil {
		return nil, err
	}

	a.api, err = api.NewHandler(log, api.Deps{
		Resolver: resolver,
		Store:    a.store,
		Uploader: uploader,
		Profiles: a.lookup,
	}, api.Config{
		MaxBodyBytes:    cfg.API.MaxBodyBytes,
		AppendPerSecond: cfg.API.AppendPerSecond,
		AppendBurst:     cfg.API.AppendBurst,
	})
	if err != nil {
		return nil, err
	}

	membership, err := realtime.NewConversationMembership(a.store)
	if err != nil {
		return nil, err
	}
	a.ws, err = realtime.NewWSGateway(log, a.hub, a.tokens, membership, gatewayConfig(cfg.WS))
	if err != nil {
		return nil, err
	}

	return a, nil
}

// openStores selects Postgres persistence when database.url is set, else in-memory stores.
func (a *App) openStores(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.Database.URL) == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = messaging.NewMemoryStore(messaging.WithPublisher(a.hub))
		a.profiles = profile.NewMemoryStore()
		a.lookup = a.profiles
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	a.pool = pool

	msgs, err := messaging.NewPostgresStore(pool,
		messaging.WithSchema(a.cfg.Database.Schema),
		messaging.WithNotifyChannel(a.cfg.Database.NotifyChannel),
	)
	if err != nil {
		return err
	}
	profiles, err := profile.NewPostgresStore(pool, a.cfg.Database.Schema)
	if err != nil {
		return err
	}

	if a.cfg.Database.AutoMigrate {
		if err := msgs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("db migrate messages: %w", err)
		}
		if err := profiles.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("db migrate profiles: %w", err)
		}
	}

	// Inserts from every process reach the local hub through LISTEN/NOTIFY.
	a.listener, err = realtime.NewListener(pool, msgs.NotifyChannel(), msgs, a.hub, a.log)
	if err != nil {
		return err
	}

	a.store = msgs
	a.profiles = profiles
	a.lookup = profiles
	a.log.Info("db.enabled.postgres_store", "schema", msgs.Schema(), "notify_channel", msgs.NotifyChannel())
	return nil
}

func (a *App) openProfileCache(ctx context.Context) error {
	url := strings.TrimSpace(a.cfg.Redis.URL)
	if url == "" {
		return nil
	}
	cache, err := profile.NewRedisCache(ctx, url)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.cache = cache

	cached, err := profile.NewCachedLookup(a.profiles, cache, a.cfg.Redis.ProfileTTL, a.log)
	if err != nil {
		return err
	}
	a.lookup = cached
	a.log.Info("profile.cache.enabled", "ttl", a.cfg.Redis.ProfileTTL)
	return nil
}

func (a *App) newUploader(ctx context.Context) (*attachment.Uploader, error) {
	c := a.cfg.Attachments

	var backend attachment.Backend
	switch c.Backend {
	case "s3":
		awsCfg, err := loadAWSConfig(ctx, c.S3Region)
		if err != nil {
			return nil, err
		}
		b, err := attachment.NewS3Backend(s3.NewFromConfig(awsCfg), awsCfg.Region, c.S3PublicBaseURL)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		baseURL := strings.TrimSpace(c.DiskBaseURL)
		if baseURL == "" {
			baseURL = runtimeBaseURL(a.cfg.HTTP.Addr) + strings.TrimSuffix(attachmentsPrefix, "/")
		}
		b, err := attachment.NewDiskBackend(c.DiskRoot, baseURL)
		if err != nil {
			return nil, err
		}
		backend = b
		a.attachmentsRoot = b.Root
	}

	return attachment.NewUploader(backend, a.log,
		attachment.WithBucket(c.Bucket),
		attachment.WithMaxBytes(c.MaxBytes),
		attachment.WithAllowedTypes(c.AllowedTypes...),
	)
}

func gatewayConfig(c WSConfig) realtime.GatewayConfig {
	g := realtime.GatewayConfig{
		DevInsecure:       c.DevInsecure,
		OriginRequired:    c.OriginRequired,
		AllowedOrigins:    c.AllowedOrigins,
		SendQueueSize:     c.SendQueueSize,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		RateEvents:        c.RateEvents,
		RateWindow:        c.RateWindow,
		MaxSubscriptions:  c.MaxSubscriptions,
	}
	if len(g.AllowedOrigins) == 0 {
		g.AllowedOrigins = realtime.DefaultGatewayConfig().AllowedOrigins
	}
	return g
}

// Handler returns the complete HTTP handler (routes plus middleware).
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg.HTTP, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Tokens is the access token manager.
func (a *App) Tokens() *auth.TokenManager { return a.tokens }

// Run serves HTTP (and the Postgres change listener) until ctx is done or a component
// fails, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTP.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTP.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTP.Addr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTP.Addr,
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"cache_enabled", a.cache != nil,
		"attachments", a.cfg.Attachments.Backend,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.listener != nil {
		g.Go(func() error { return a.listener.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.HTTP.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// Close releases resources of an App that is not running. Run closes on return.
func (a *App) Close() { a.close() }

// close releases the cache client and the pool. The pool is owned here, not by the stores.
func (a *App) close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Error("cache.close.fail", "err", err)
		}
		a.cache = nil
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
