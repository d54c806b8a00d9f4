package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/DeliveryTrack/config"
	"github.com/BearBump/DeliveryTrack/internal/broker/fanout"
	"github.com/BearBump/DeliveryTrack/internal/broker/kafka"
	"github.com/BearBump/DeliveryTrack/internal/broker/messages"
	"github.com/BearBump/DeliveryTrack/internal/cache"
	"github.com/BearBump/DeliveryTrack/internal/cache/rediscache"
	"github.com/BearBump/DeliveryTrack/internal/integrations/backend/memory"
	"github.com/BearBump/DeliveryTrack/internal/integrations/backend/restv1"
	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/BearBump/DeliveryTrack/internal/services/lookup"
	"github.com/BearBump/DeliveryTrack/internal/services/tracking"
	"github.com/BearBump/DeliveryTrack/internal/storage/pgdelivery"
	"github.com/BearBump/DeliveryTrack/internal/viewtoken"
	"github.com/google/uuid"
)

const (
	sourcePostgres = "postgres"
	sourceRest     = "rest"
	sourceMemory   = "memory"
)

type trackAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    trackAPIOpts
	deps    trackAPIDeps
	closers []func()
}

// recordSource is the backend the sessions and the lookup gate read from.
type recordSource struct {
	kind   string
	store  tracking.RecordStore
	lookup lookup.Store
	memory *memory.Store
	ping   func(ctx context.Context) error
	close  func()
}

func mustBootstrapTrackAPI() *trackAPIApp {
	if err := config.LoadEnv(); err != nil {
		panic(err)
	}
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config: %v", err))
	}

	src, err := newRecordSource(cfg, 60*time.Second)
	if err != nil {
		panic(err)
	}
	app := &trackAPIApp{closers: []func(){src.close}}

	cacheTTL := time.Duration(cfg.Track.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	var (
		rc cache.BytesCache
		rl *rediscache.RateLimiter
	)
	if cfg.Redis.Host != "" {
		redisCache := rediscache.New(rediscache.Options{Addr: cfg.Redis.Addr()})
		rl = rediscache.NewRateLimiter(rediscache.Options{Addr: cfg.Redis.Addr()})
		rc = redisCache
		app.closers = append(app.closers, func() { _ = redisCache.Close() }, func() { _ = rl.Close() })
	} else {
		slog.Warn("redis is not configured, record cache and lookup rate limit are off")
	}

	hub := fanout.New()
	app.closers = append(app.closers, hub.Close)
	svc := tracking.New(src.store, rc, cacheTTL, hub, sessionOptions(cfg.Track))

	if src.memory != nil {
		src.memory.OnChange(func(c models.DeliveryChange) {
			_ = svc.ApplyChange(context.Background(), messages.DeliveryChanged{
				ChangeID:     c.ID,
				DeliveryID:   c.DeliveryID,
				TenantID:     c.TenantID,
				TrackingCode: c.TrackingCode,
				RawStatus:    string(c.RawStatus),
				ChangedAt:    c.ChangedAt,
			})
		})
	}

	deps := trackAPIDeps{
		svc:   svc,
		gate:  lookup.New(src.lookup),
		ready: src.ping,
	}
	if rl != nil {
		deps.rl = rl
	}

	if cfg.Track.ViewTokenSecret != "" {
		tokens, err := viewtoken.New(cfg.Track.ViewTokenSecret, time.Duration(cfg.Track.ViewTokenTTLSeconds)*time.Second)
		if err != nil {
			panic(err)
		}
		deps.tokens = tokens
	} else {
		slog.Warn("view_token_secret is empty, lookups return no live token")
	}

	topic := cfg.Kafka.DeliveryChangedTopicName
	if topic == "" {
		topic = "delivery.changed"
	}
	// every replica keeps its own sessions, so each one needs every change
	group := consumerGroup(cfg.Track.KafkaConsumerGroupPrefix)
	if src.kind != sourceMemory && cfg.Kafka.Host != "" {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, group, kafka.ConsumerOptions{})
		deps.consumer = consumer
		app.closers = append(app.closers, func() { _ = consumer.Close() })
	}

	grpcAddr := cfg.Track.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := cfg.Track.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app.ctx = ctx
	app.cancel = cancel
	app.deps = deps
	app.opts = trackAPIOpts{
		grpcAddr:                 grpcAddr,
		httpAddr:                 httpAddr,
		swaggerPath:              swaggerPath,
		topic:                    topic,
		consumerGroup:            group,
		lookupRateLimitPerMinute: int64(cfg.Track.LookupRateLimitPerMinute),
		heartbeat:                time.Duration(cfg.Track.SSEHeartbeatSeconds) * time.Second,
	}
	slog.Info("track-api configured", "record_source", src.kind, "topic", topic, "group", group)
	return app
}

func sessionOptions(c config.TrackConfig) tracking.Options {
	opts := tracking.DefaultOptions()
	if c.PollIntervalSeconds > 0 {
		opts.PollInterval = time.Duration(c.PollIntervalSeconds) * time.Second
	}
	if c.PushDebounceMillis != nil && *c.PushDebounceMillis >= 0 {
		opts.PushDebounce = time.Duration(*c.PushDebounceMillis) * time.Millisecond
	}
	if c.FetchTimeoutSeconds > 0 {
		opts.FetchTimeout = time.Duration(c.FetchTimeoutSeconds) * time.Second
	}
	return opts
}

func consumerGroup(prefix string) string {
	if prefix == "" {
		prefix = "track-api"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

func newRecordSource(cfg *config.Config, wait time.Duration) (*recordSource, error) {
	kind := cfg.Backend.RecordSource
	if kind == "" {
		kind = sourcePostgres
	}

	switch kind {
	case sourcePostgres:
		st, err := openPostgresWithRetry(cfg.Database.ConnString(), wait)
		if err != nil {
			return nil, err
		}
		return &recordSource{kind: kind, store: st, lookup: st, ping: st.Ping, close: st.Close}, nil

	case sourceRest:
		if cfg.Backend.RestBaseURL == "" {
			return nil, fmt.Errorf("backend.rest_base_url is required for record_source %q", kind)
		}
		c := restv1.New(cfg.Backend.RestBaseURL, cfg.Backend.RestAPIKey)
		return &recordSource{kind: kind, store: c, lookup: c, ping: noPing, close: func() {}}, nil

	case sourceMemory:
		st := memory.New()
		if cfg.Backend.SeedFile != "" {
			n, err := st.LoadFile(cfg.Backend.SeedFile)
			if err != nil {
				return nil, err
			}
			slog.Info("memory record source seeded", "records", n)
		}
		return &recordSource{kind: kind, store: st, lookup: st, memory: st, ping: noPing, close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown record_source %q", kind)
}

func noPing(context.Context) error { return nil }

func openPostgresWithRetry(connString string, wait time.Duration) (*pgdelivery.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for {
		st, err := pgdelivery.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *trackAPIApp) Run() error {
	return runTrackAPI(a.ctx, a.opts, a.deps)
}
