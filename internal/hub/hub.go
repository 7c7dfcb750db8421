// ABOUTME: Hub assembles the registry, multiplexer, dispatcher, and health checks
// ABOUTME: Runs the HTTP server and background loops with graceful shutdown

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/warrenhq/warren/internal/config"
	"github.com/warrenhq/warren/internal/dispatch"
	"github.com/warrenhq/warren/internal/health"
	"github.com/warrenhq/warren/internal/session"
	"github.com/warrenhq/warren/internal/store"
	"github.com/warrenhq/warren/internal/stream"
	"github.com/warrenhq/warren/internal/workqueue"
)

// HandleFactory builds the I/O handle backing a new session. The default
// factory returns a loopback handle; deployments wrapping real processes
// install their own.
type HandleFactory func(sessionID, owner string) (session.Handle, error)

// Option customizes hub construction.
type Option func(*Hub)

// WithHandleFactory replaces the default loopback handle factory.
func WithHandleFactory(f HandleFactory) Option {
	return func(h *Hub) { h.handleFactory = f }
}

// Hub is the composed server.
type Hub struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	registry   *session.Registry
	streams    *stream.Mux
	counters   *workqueue.Counters
	dispatcher *dispatch.Dispatcher
	health     *health.Aggregator

	handleFactory HandleFactory
	pollLimits    *clientLimiters
	httpServer    *http.Server

	addrMu    sync.Mutex
	boundAddr string
}

// New builds the hub's object graph. The returned hub is idle until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry := session.NewRegistry(cfg.Sessions.GracePeriod, logger)

	streams := stream.NewMux(stream.Config{
		RingCapacity:     cfg.Stream.RingCapacity,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		OnActivity:       registry.Touch,
		Logger:           logger,
	})

	// Termination stops deliveries but keeps the ring readable for the
	// grace window; eviction drops it for good.
	registry.OnTerminate(streams.CloseSession)
	registry.OnEvict(streams.Drop)

	counters := &workqueue.Counters{}
	dispatcher := dispatch.New(st, dispatch.RegistryResolver{Registry: registry}, counters, dispatch.Config{
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		TickInterval: cfg.Dispatch.TickInterval,
		WriteTimeout: cfg.Dispatch.WriteTimeout,
		BackoffBase:  cfg.Dispatch.BackoffBase,
		BackoffMax:   cfg.Dispatch.BackoffMax,
		Logger:       logger,
	})

	aggregator := health.New(cfg.Health.CheckTimeout, cfg.Health.Interval, logger,
		health.RegistryCheck{Registry: registry},
		health.StoreCheck{Store: st},
		health.WorkqueueCheck{Counters: counters},
	)

	h := &Hub{
		cfg:        cfg,
		logger:     logger.With("component", "hub"),
		store:      st,
		registry:   registry,
		streams:    streams,
		counters:   counters,
		dispatcher: dispatcher,
		health:     aggregator,
		handleFactory: func(string, string) (session.Handle, error) {
			return session.NewLoopbackHandle(cfg.Stream.SubscriberBuffer), nil
		},
		pollLimits: newClientLimiters(rate.Limit(cfg.API.PollRate), cfg.API.PollBurst),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.cfg.Server.HTTPAddr, err)
	}
	h.addrMu.Lock()
	h.boundAddr = ln.Addr().String()
	h.addrMu.Unlock()
	h.logger.Info("hub listening", "addr", h.BoundAddr())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := h.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return h.dispatcher.Run(ctx) })
	g.Go(func() error { return h.health.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	h.close()
	if err != nil {
		return err
	}
	h.logger.Info("hub stopped")
	return nil
}

// close tears components down in dependency order: terminate sessions so
// their output channels close, then drain the multiplexer, then the store.
func (h *Hub) close() {
	h.registry.Close()
	h.streams.Close()
	if err := h.store.Close(); err != nil {
		h.logger.Error("closing store failed", "error", err)
	}
}

// BoundAddr returns the listening address, empty until Run has bound the
// listener. Safe for concurrent use.
func (h *Hub) BoundAddr() string {
	h.addrMu.Lock()
	defer h.addrMu.Unlock()
	return h.boundAddr
}

// Heartbeat runs an on-demand health snapshot.
func (h *Hub) Heartbeat(ctx context.Context) health.Snapshot {
	return h.health.Heartbeat(ctx)
}

// CreateSession registers a new session, attaches its output to the stream
// multiplexer, and activates it. An empty id gets a generated UUID.
func (h *Hub) CreateSession(id, owner string) (session.Info, error) {
	if id == "" {
		id = uuid.New().String()
	}

	handle, err := h.handleFactory(id, owner)
	if err != nil {
		return session.Info{}, fmt.Errorf("creating session handle: %w", err)
	}

	if _, err := h.registry.Register(id, handle, owner); err != nil {
		_ = handle.Terminate()
		return session.Info{}, err
	}

	// Registration replacing a terminated-in-grace session leaves the old
	// incarnation's closed feed behind; drop it so the new output attaches.
	h.streams.Drop(id)

	if err := h.streams.Attach(id, handle.Output()); err != nil {
		_ = h.registry.Terminate(id)
		return session.Info{}, fmt.Errorf("attaching session output: %w", err)
	}

	if err := h.registry.Activate(id); err != nil {
		return session.Info{}, err
	}

	h.logger.Info("session created", "session_id", id, "owner", owner)
	return h.registry.Lookup(id)
}

// TerminateSession terminates a session. Idempotent.
func (h *Hub) TerminateSession(id string) error {
	return h.registry.Terminate(id)
}

// Sessions lists sessions, optionally filtered by owner.
func (h *Hub) Sessions(owner string) []session.Info {
	return h.registry.List(owner)
}

// clientLimiters keeps one token bucket per client for the pull-fallback
// read path.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	if limit <= 0 {
		limit = rate.Limit(config.DefaultPollRate)
	}
	if burst <= 0 {
		burst = config.DefaultPollBurst
	}
	return &clientLimiters{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

func (l *clientLimiters) allow(client string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[client]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[client] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}
