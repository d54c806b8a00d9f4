package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/BearBump/DeliveryTrack/config"
	"github.com/BearBump/DeliveryTrack/internal/broker/kafka"
	"github.com/BearBump/DeliveryTrack/internal/services/relay"
	"github.com/BearBump/DeliveryTrack/internal/storage/pgdelivery"
)

const defaultTopic = "delivery.changed"

type workerFactories struct {
	newStorage  func(cfg *config.Config) (repo relay.Repository, closeFn func(), err error)
	newProducer func(cfg *config.Config) relay.Producer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (relay.Repository, func(), error) {
			st, err := pgdelivery.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) relay.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
	}
}

type relaySettings struct {
	topic        string
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration
	planner      relay.PlannerConfig
}

func settingsFromConfig(cfg *config.Config) relaySettings {
	s := relaySettings{
		topic:        cfg.Kafka.DeliveryChangedTopicName,
		pollInterval: time.Duration(cfg.Relay.PollIntervalSeconds) * time.Second,
		batchSize:    cfg.Relay.BatchSize,
		concurrency:  cfg.Relay.Concurrency,
		lease:        time.Duration(cfg.Relay.LeaseSeconds) * time.Second,
		planner: relay.PlannerConfig{
			Backoff1: time.Duration(cfg.Relay.Backoff1Seconds) * time.Second,
			Backoff2: time.Duration(cfg.Relay.Backoff2Seconds) * time.Second,
			Backoff3: time.Duration(cfg.Relay.Backoff3Seconds) * time.Second,
			Backoff4: time.Duration(cfg.Relay.Backoff4Seconds) * time.Second,
			Jitter:   time.Duration(cfg.Relay.BackoffJitterMillis) * time.Millisecond,
		},
	}
	if s.topic == "" {
		s.topic = defaultTopic
	}
	if s.pollInterval <= 0 {
		s.pollInterval = time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.concurrency <= 0 {
		s.concurrency = 10
	}
	if s.lease <= 0 {
		s.lease = 30 * time.Second
	}
	return s
}

// RunTrackWorker drains the change outbox until ctx ends. When swaggerPath is
// set the ops HTTP server runs next to the relay.
func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, swaggerPath string) error {
	s := settingsFromConfig(cfg)

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	if c, ok := producer.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	r := relay.New(repo, producer, s.topic).
		WithSettings(s.pollInterval, s.batchSize, s.concurrency, s.lease).
		WithPlanner(s.planner)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpErr := make(chan error, 1)
	if swaggerPath != "" {
		go func() {
			httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    cfg.Relay.HTTPAddr,
				swaggerPath: swaggerPath,
				relay:       r,
				repo:        repo,
				settings:    s,
			})
		}()
	} else {
		slog.Warn("worker swaggerPath is empty, ops HTTP server is off")
	}

	relayErr := make(chan error, 1)
	go func() {
		slog.Info("change relay started", "topic", s.topic, "batch", s.batchSize, "concurrency", s.concurrency)
		relayErr <- r.Run(ctx)
	}()

	select {
	case err := <-relayErr:
		return err
	case err := <-httpErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("worker http server stopped")
		}
		return err
	}
}
