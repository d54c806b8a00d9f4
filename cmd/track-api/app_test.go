package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/DeliveryTrack/config"
	"github.com/BearBump/DeliveryTrack/internal/broker/fanout"
	"github.com/BearBump/DeliveryTrack/internal/integrations/backend/memory"
	"github.com/BearBump/DeliveryTrack/internal/services/lookup"
	"github.com/BearBump/DeliveryTrack/internal/services/tracking"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeConsumer struct {
	err error
}

func (c fakeConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	if c.err != nil {
		return c.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func writeSwagger(t *testing.T) string {
	t.Helper()
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	return sw
}

func testDeps(hub *fanout.Hub) trackAPIDeps {
	store := memory.New()
	return trackAPIDeps{
		svc:  tracking.New(store, nil, 0, hub, tracking.Options{PollInterval: time.Hour}),
		gate: lookup.New(store),
	}
}

type started struct {
	grpcAddr string
	httpAddr string
	errCh    chan error
	cancel   context.CancelFunc
}

func start(t *testing.T, deps trackAPIDeps) *started {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	type addrs struct{ grpc, http string }
	addrCh := make(chan addrs, 1)
	opts := trackAPIOpts{
		grpcAddr:      "127.0.0.1:0",
		httpAddr:      "127.0.0.1:0",
		swaggerPath:   writeSwagger(t),
		topic:         "delivery.changed",
		consumerGroup: "g",
		onListen:      func(g, h string) { addrCh <- addrs{g, h} },
	}

	s := &started{errCh: make(chan error, 1), cancel: cancel}
	go func() { s.errCh <- runTrackAPI(ctx, opts, deps) }()

	select {
	case a := <-addrCh:
		s.grpcAddr, s.httpAddr = a.grpc, a.http
	case err := <-s.errCh:
		t.Fatalf("track-api did not start: %v", err)
	}
	return s
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func healthStatus(addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		return 0, err
	}
	return resp.GetStatus(), nil
}

func TestRunTrackAPI_ServesRoutes(t *testing.T) {
	s := start(t, testDeps(fanout.New()))

	code, body := get(t, "http://"+s.httpAddr+"/swagger.json")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"swagger"`)

	code, _ = get(t, "http://"+s.httpAddr+"/healthz")
	require.Equal(t, http.StatusOK, code)
	code, body = get(t, "http://"+s.httpAddr+"/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "ready")

	code, body = get(t, "http://"+s.httpAddr+"/api/v1/timeline")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "Order Confirmed")

	code, _ = get(t, "http://"+s.httpAddr+"/api/v1/tenants/t-1/deliveries/ORD-NOPE")
	require.Equal(t, http.StatusNotFound, code)

	st, err := healthStatus(s.grpcAddr)
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	s.cancel()
	select {
	case err := <-s.errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting track-api to stop")
	}
}

func TestRunTrackAPI_ReadyzReportsBackend(t *testing.T) {
	deps := testDeps(fanout.New())
	deps.ready = func(context.Context) error { return errors.New("pg down") }
	s := start(t, deps)

	code, body := get(t, "http://"+s.httpAddr+"/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body, "pg down")
}

func TestRunTrackAPI_ConsumerStopIsNotServing(t *testing.T) {
	deps := testDeps(fanout.New())
	deps.consumer = fakeConsumer{err: errors.New("broker gone")}
	s := start(t, deps)

	require.Eventually(t, func() bool {
		st, err := healthStatus(s.grpcAddr)
		return err == nil && st == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunTrackAPI_MissingSwagger(t *testing.T) {
	opts := trackAPIOpts{grpcAddr: "127.0.0.1:0", httpAddr: "127.0.0.1:0", swaggerPath: filepath.Join(t.TempDir(), "nope.json")}
	err := runTrackAPI(context.Background(), opts, testDeps(fanout.New()))
	require.Error(t, err)
	require.Contains(t, err.Error(), "swagger file not found")
}

func TestChangeHandler(t *testing.T) {
	hub := fanout.New()
	deps := testDeps(hub)

	woke := make(chan struct{}, 1)
	unsub, err := hub.Subscribe("d-1", func() { woke <- struct{}{} })
	require.NoError(t, err)
	defer unsub()

	h := changeHandler(context.Background(), deps.svc)

	require.NoError(t, h(nil, []byte(`{not json`)))
	require.NoError(t, h(nil, []byte(`{"delivery_id":"d-1"}`))) // no tenant, skipped
	select {
	case <-woke:
		t.Fatal("invalid message reached the hub")
	default:
	}

	require.NoError(t, h([]byte("d-1"), []byte(`{"change_id":3,"delivery_id":"d-1","tenant_id":"t-1","tracking_code":"ORD-1"}`)))
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("change not fanned out")
	}
}

func TestSessionOptions(t *testing.T) {
	ms := func(v int) *int { return &v }
	opts := sessionOptions(config.TrackConfig{PollIntervalSeconds: 5, PushDebounceMillis: ms(100), FetchTimeoutSeconds: 3})
	require.Equal(t, 5*time.Second, opts.PollInterval)
	require.Equal(t, 100*time.Millisecond, opts.PushDebounce)
	require.Equal(t, 3*time.Second, opts.FetchTimeout)

	def := sessionOptions(config.TrackConfig{})
	require.Equal(t, 15*time.Second, def.PollInterval)
	require.Equal(t, tracking.DefaultOptions().PushDebounce, def.PushDebounce)

	off := sessionOptions(config.TrackConfig{PushDebounceMillis: ms(0)})
	require.Zero(t, off.PushDebounce)
	neg := sessionOptions(config.TrackConfig{PushDebounceMillis: ms(-5)})
	require.Equal(t, tracking.DefaultOptions().PushDebounce, neg.PushDebounce)
}

func TestConsumerGroup_UniquePerReplica(t *testing.T) {
	a, b := consumerGroup(""), consumerGroup("")
	require.Contains(t, a, "track-api-")
	require.NotEqual(t, a, b)
	require.Contains(t, consumerGroup("edge"), "edge-")
}

func TestNewRecordSource(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(seed, []byte(`[
  {"tenant_id":"t-1","tracking_code":"ORD-AB12","raw_status":"in_transit","customer_phone":"555-123-4567"}
]`), 0o600))

	src, err := newRecordSource(&config.Config{Backend: config.BackendConfig{RecordSource: "memory", SeedFile: seed}}, 0)
	require.NoError(t, err)
	require.NotNil(t, src.memory)
	rec, err := src.store.GetByTrackingCode(context.Background(), "t-1", "ORD-AB12")
	require.NoError(t, err)
	require.Equal(t, "in_transit", string(rec.RawStatus))

	src, err = newRecordSource(&config.Config{Backend: config.BackendConfig{RecordSource: "rest", RestBaseURL: "http://backend"}}, 0)
	require.NoError(t, err)
	require.Nil(t, src.memory)
	require.NoError(t, src.ping(context.Background()))

	_, err = newRecordSource(&config.Config{Backend: config.BackendConfig{RecordSource: "rest"}}, 0)
	require.Error(t, err)

	_, err = newRecordSource(&config.Config{Backend: config.BackendConfig{RecordSource: "mongo"}}, 0)
	require.Error(t, err)
}
