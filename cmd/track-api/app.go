package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	trackingapi "github.com/BearBump/DeliveryTrack/internal/api/tracking_api"
	"github.com/BearBump/DeliveryTrack/internal/broker/messages"
	"github.com/BearBump/DeliveryTrack/internal/services/lookup"
	"github.com/BearBump/DeliveryTrack/internal/services/tracking"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the name reported by the gRPC health service for the
// tracking API as a whole.
const healthService = "deliverytrack.TrackingAPI"

type trackAPIOpts struct {
	grpcAddr    string
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	lookupRateLimitPerMinute int64
	heartbeat                time.Duration

	onListen func(grpcAddr, httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type trackAPIDeps struct {
	svc    *tracking.Service
	gate   *lookup.Gate
	tokens trackingapi.TokenIssuer
	rl     trackingapi.RateLimiter

	// consumer is nil when changes arrive in-process (memory source).
	consumer kafkaConsumer
	ready    func(ctx context.Context) error
}

func runTrackAPI(ctx context.Context, opts trackAPIOpts, deps trackAPIDeps) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}
	if deps.svc == nil || deps.gate == nil {
		return fmt.Errorf("tracking service and lookup gate are required")
	}

	api := trackingapi.New(deps.svc, deps.gate, deps.tokens, deps.rl, trackingapi.Options{
		LookupRateLimitPerMinute: opts.lookupRateLimitPerMinute,
		Heartbeat:                opts.heartbeat,
	})

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	hs := health.NewServer()
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- runGRPCServer(ctx, grpcLis, hs)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpLis, api, deps.ready, opts.swaggerPath)
	}()

	if deps.consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			err := deps.consumer.Consume(ctx, changeHandler(ctx, deps.svc))
			if ctx.Err() != nil {
				return
			}
			// sessions fall back to polling; report it so the replica gets replaced
			slog.Error("kafka consumer stopped", "topic", opts.topic, "error", errString(err))
			hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-grpcErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	case err := <-httpErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
}

// changeHandler applies one delivery.changed message. Malformed messages are
// skipped: the change feed only speeds sessions up, polling still covers them.
func changeHandler(ctx context.Context, svc *tracking.Service) func(key, value []byte) error {
	return func(_key, value []byte) error {
		var m messages.DeliveryChanged
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Warn("skip malformed delivery change", "error", err.Error())
			return nil
		}
		if err := svc.ApplyChange(ctx, m); err != nil {
			slog.Warn("skip delivery change", "change_id", m.ChangeID, "error", err.Error())
		}
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func runGRPCServer(ctx context.Context, lis net.Listener, hs *health.Server) error {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

func runHTTPServer(ctx context.Context, lis net.Listener, api *trackingapi.TrackingAPI, ready func(context.Context) error, swaggerPath string) error {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil {
			pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(pctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))

	api.Register(r)

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// live streams end with the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
