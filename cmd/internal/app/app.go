// Package app wires the Relay server runtime: config, logging, HTTP routes,
// and the realtime session layer.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"relay/cmd/internal/bus"
	"relay/cmd/internal/chat"
	"relay/cmd/internal/identity"
	"relay/cmd/internal/metrics"
	"relay/cmd/internal/presence"
	"relay/cmd/internal/queue"
	"relay/cmd/internal/roomapi"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow backing resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for fully in-memory mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Relay server runtime: it owns the HTTP server wiring and the
// session layer's shared collaborators.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	bus      bus.Bus
	presence presence.Store
	beats    *presence.HeartbeatTable
	members  chat.MembershipStore
	msgs     chat.MessageStore
	queues   *queue.Set
	drainer  *queue.Drainer
	reaper   *presence.Reaper

	registry *prometheus.Registry
	metrics  *metrics.Set

	gateway *chat.Gateway
	rooms   *roomapi.Handler

	resolver *identity.Resolver

	taskCtx    context.Context
	taskCancel context.CancelFunc
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	resolver, err := identity.NewResolver([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	mset := metrics.New(registry)

	st, dbPool, dbEnabled, members, msgs, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	b, busCloser, err := newBus(cfg, log)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	pstore, presCloser, err := newPresenceStore(cfg, log)
	if err != nil {
		busCloser()
		_ = st.Close(context.Background())
		return nil, err
	}

	beats := presence.NewHeartbeatTable()
	queues := queue.NewSet()
	drainer := queue.NewDrainer(log, queues, msgs,
		queue.WithDrainInterval(cfg.DrainInterval),
		queue.WithBatchSize(cfg.DrainBatchSize),
		queue.WithDrainerMetrics(mset),
	)
	reaper := presence.NewReaper(log, b, pstore, beats, members,
		presence.WithReapInterval(cfg.ReapInterval),
		presence.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
		presence.WithReaperMetrics(mset),
	)

	taskCtx, taskCancel := context.WithCancel(context.Background())

	deps := &chat.SessionDeps{
		Log:      log,
		Bus:      b,
		Presence: pstore,
		Beats:    beats,
		Members:  members,
		Queues:   queues,
		Drainer:  drainer,
		Reaper:   reaper,
		Tracker:  chat.NewTracker(),
		Metrics:  mset,
		TaskCtx:  taskCtx,
	}
	gateway := chat.NewGateway(log, deps)

	rooms, err := roomapi.NewHandler(log, members, msgs)
	if err != nil {
		taskCancel()
		presCloser()
		busCloser()
		_ = st.Close(context.Background())
		return nil, err
	}

	return &App{
		cfg:        cfg,
		log:        log,
		store:      closerChain{store: st, fns: []func(){presCloser, busCloser}},
		dbPool:     dbPool,
		dbEnabled:  dbEnabled,
		bus:        b,
		presence:   pstore,
		beats:      beats,
		members:    members,
		msgs:       msgs,
		queues:     queues,
		drainer:    drainer,
		reaper:     reaper,
		registry:   registry,
		metrics:    mset,
		gateway:    gateway,
		rooms:      rooms,
		resolver:   resolver,
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, a.rooms, a.registry)

	handler := identity.Middleware(mux, a.resolver, a.log)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(handler, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"ws", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr)),
		"db_enabled", a.dbEnabled,
		"bus", busKind(a.cfg),
		"presence", presenceKind(a.cfg),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Background work goes after the listener: the final drain sweep gets
	// to flush queued messages before the stores close.
	a.reaper.Stop()
	a.drainer.StopAll()
	a.taskCancel()

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newStores decides between Postgres-backed persistence and in-memory dev stores.
func newStores(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.MembershipStore, chat.MessageStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, chat.NewMemoryMembershipStore(), chat.NewMemoryMessageStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - the stores never close the pool
	members, err := chat.NewPostgresMembershipStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}
	msgs, err := chat.NewPostgresMessageStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool}, pool, true, members, msgs, nil
}

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// closerChain closes the primary store plus any extra teardown funcs.
type closerChain struct {
	store Store
	fns   []func()
}

func (c closerChain) Close(ctx context.Context) error {
	for _, fn := range c.fns {
		if fn != nil {
			fn()
		}
	}
	if c.store != nil {
		return c.store.Close(ctx)
	}
	return nil
}

// newBus picks NATS when configured, in-process otherwise. The returned
// closer owns the NATS connection.
func newBus(cfg Config, log Logger) (bus.Bus, func(), error) {
	if cfg.NATSURL == "" {
		log.Info("bus.inprocess")
		mb := bus.NewMemoryBus(log)
		return mb, mb.Close, nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, err
	}

	nb, err := bus.NewNATSBus(log, nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	log.Info("bus.nats", "url", cfg.NATSURL)
	return nb, nc.Close, nil
}

// newPresenceStore picks Redis when configured, in-memory otherwise.
func newPresenceStore(cfg Config, log Logger) (presence.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("presence.inmemory")
		return presence.NewMemoryStore(presence.WithTTL(cfg.PresenceTTL)), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}

	log.Info("presence.redis", "addr", cfg.RedisAddr)
	return presence.NewRedisStore(rdb, cfg.PresenceTTL), func() { _ = rdb.Close() }, nil
}

func busKind(cfg Config) string {
	if cfg.NATSURL != "" {
		return "nats"
	}
	return "memory"
}

func presenceKind(cfg Config) string {
	if cfg.RedisAddr != "" {
		return "redis"
	}
	return "memory"
}

// runtimeBaseURL turns a bind address into a URL a developer can open.
// Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}

	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL maps an HTTP base URL onto its websocket scheme.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
