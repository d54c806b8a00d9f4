package tracking_api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/broker/fanout"
	"github.com/BearBump/DeliveryTrack/internal/broker/messages"
	"github.com/BearBump/DeliveryTrack/internal/integrations/backend/memory"
	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/BearBump/DeliveryTrack/internal/services/lookup"
	"github.com/BearBump/DeliveryTrack/internal/services/tracking"
	"github.com/BearBump/DeliveryTrack/internal/viewtoken"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (l *countingLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, 0, l.err
	}
	if l.counts == nil {
		l.counts = map[string]int64{}
	}
	l.counts[key]++
	n := l.counts[key]
	return n <= limit, n, nil
}

func (l *countingLimiter) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

type failingStore struct{}

func (failingStore) GetByTrackingCode(ctx context.Context, tenantID, trackingCode string) (*models.DeliveryRecord, error) {
	return nil, errors.New("connection refused")
}

type env struct {
	store *memory.Store
	svc   *tracking.Service
	rl    *countingLimiter
	srv   *httptest.Server
}

func str(s string) *string { return &s }

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	hub := fanout.New()
	svc := tracking.New(store, nil, 0, hub, tracking.Options{PollInterval: time.Hour})
	store.OnChange(func(c models.DeliveryChange) {
		_ = svc.ApplyChange(context.Background(), messages.DeliveryChanged{
			ChangeID: c.ID, DeliveryID: c.DeliveryID, TenantID: c.TenantID, TrackingCode: c.TrackingCode,
		})
	})

	lat, lng := 41.3, 69.2
	_, err := store.Upsert(models.DeliveryRecord{
		TenantID:        "t-1",
		TrackingCode:    "ORD-7F3K9",
		RawStatus:       models.RawStatusInTransit,
		CustomerName:    "Ann",
		CustomerPhone:   str("555-123-4567"),
		DeliveryAddress: str("1 Main St"),
		TotalAmount:     42.5,
		Courier:         &models.Courier{ID: "c-1", Name: "Bob", Phone: str("+1 555 000"), CurrentLat: &lat, CurrentLng: &lng},
	})
	require.NoError(t, err)

	tokens, err := viewtoken.New("secret", time.Minute)
	require.NoError(t, err)
	rl := &countingLimiter{}

	api := New(svc, lookup.New(store), tokens, rl, Options{LookupRateLimitPerMinute: 3, Heartbeat: time.Hour})
	r := chi.NewRouter()
	api.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &env{store: store, svc: svc, rl: rl, srv: srv}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postLookup(t *testing.T, e *env, tenant, body string, out any) int {
	t.Helper()
	resp, err := http.Post(e.srv.URL+"/api/v1/tenants/"+tenant+"/lookup", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type sseReader struct {
	br   *bufio.Reader
	body io.Closer
}

func openStream(t *testing.T, url string) (*sseReader, *http.Response) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return &sseReader{br: bufio.NewReader(resp.Body), body: resp.Body}, resp
}

// next returns the data of the next "view" event.
func (s *sseReader) next(t *testing.T) ViewDTO {
	t.Helper()
	var data []byte
	for {
		line, err := s.br.ReadBytes('\n')
		require.NoError(t, err)
		line = bytes.TrimRight(line, "\n")
		switch {
		case len(line) == 0 && data != nil:
			var v ViewDTO
			require.NoError(t, json.Unmarshal(data, &v))
			return v
		case bytes.HasPrefix(line, []byte("data: ")):
			data = append([]byte{}, line[len("data: "):]...)
		}
	}
}

// until skips events until one satisfies ok. A view may be delivered twice
// when the stream subscribes while the first fetch is still being dispatched.
func (s *sseReader) until(t *testing.T, ok func(ViewDTO) bool) ViewDTO {
	t.Helper()
	for i := 0; i < 10; i++ {
		if v := s.next(t); ok(v) {
			return v
		}
	}
	t.Fatal("expected view never arrived")
	return ViewDTO{}
}

func TestTimeline(t *testing.T) {
	e := newEnv(t)
	var steps []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/api/v1/timeline", &steps))
	require.Len(t, steps, 5)
	require.Equal(t, "Order Confirmed", steps[0]["label"])
	require.Equal(t, "Delivered", steps[4]["label"])
}

func TestGetDelivery_InTransit(t *testing.T) {
	e := newEnv(t)
	var v ViewDTO
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/api/v1/tenants/t-1/deliveries/ORD-7F3K9", &v))

	require.Equal(t, "ready", v.State)
	require.Equal(t, 2, v.CurrentStep)
	require.False(t, v.IsTerminal)
	require.Len(t, v.Timeline, 5)
	require.True(t, v.Timeline[2].Completed)
	require.True(t, v.Timeline[2].Current)
	require.False(t, v.Timeline[3].Completed)
	require.NotNil(t, v.Courier)
	require.Equal(t, "Bob", v.Courier.Name)
	require.Equal(t, "1 Main St", *v.DeliveryAddress)
	require.InDelta(t, 42.5, *v.TotalAmount, 0.001)
	require.NotNil(t, v.LastUpdated)
	require.NotNil(t, v.NextPollAt)
}

func TestGetDelivery_Cancelled(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.SetStatus("t-1", "ORD-7F3K9", models.RawStatusCancelled))

	var v ViewDTO
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/api/v1/tenants/t-1/deliveries/ORD-7F3K9", &v))
	require.Equal(t, "done", v.State)
	require.Equal(t, -1, v.CurrentStep)
	require.True(t, v.Cancelled)
	require.True(t, v.IsTerminal)
	require.Nil(t, v.Courier)
	require.Nil(t, v.NextPollAt)
	for _, s := range v.Timeline {
		require.False(t, s.Completed)
		require.False(t, s.Current)
	}
}

func TestGetDelivery_NotFoundAndCrossTenant(t *testing.T) {
	e := newEnv(t)
	var body ErrorDTO
	require.Equal(t, http.StatusNotFound, getJSON(t, e.srv.URL+"/api/v1/tenants/t-1/deliveries/NOPE", &body))
	require.Equal(t, "not_found", body.Error)

	require.Equal(t, http.StatusNotFound, getJSON(t, e.srv.URL+"/api/v1/tenants/t-2/deliveries/ORD-7F3K9", nil))
}

func TestGetDelivery_BackendDown(t *testing.T) {
	svc := tracking.New(failingStore{}, nil, 0, nil, tracking.Options{})
	api := New(svc, lookup.New(memory.New()), nil, nil, Options{})
	r := chi.NewRouter()
	api.Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	var body ErrorDTO
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/api/v1/tenants/t-1/deliveries/ORD-1", &body))
	require.Equal(t, "unavailable", body.Error)
}

func TestLookup_OK_IssuesToken(t *testing.T) {
	e := newEnv(t)
	var out LookupResponseDTO
	code := postLookup(t, e, "t-1", `{"orderNumber":"7f3k","phone":"(555) 123-4567"}`, &out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ORD-7F3K9", out.View.TrackingCode)
	require.Equal(t, 2, out.View.CurrentStep)
	require.NotEmpty(t, out.ViewToken)
	require.NotNil(t, out.TokenExpiresAt)

	stream, resp := openStream(t, e.srv.URL+"/api/v1/live?token="+out.ViewToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	v := stream.next(t)
	require.Equal(t, "ORD-7F3K9", v.TrackingCode)
	require.Equal(t, 2, v.CurrentStep)
}

func TestLookup_Failures(t *testing.T) {
	e := newEnv(t)

	var body ErrorDTO
	require.Equal(t, http.StatusNotFound, postLookup(t, e, "t-1", `{"orderNumber":"7f3k","phone":"555-000-0000"}`, &body))
	require.Equal(t, "not_found", body.Error)

	require.Equal(t, http.StatusNotFound, postLookup(t, e, "t-2", `{"orderNumber":"7f3k","phone":"555-123-4567"}`, nil))

	body = ErrorDTO{}
	require.Equal(t, http.StatusBadRequest, postLookup(t, e, "t-3", `{"orderNumber":"7f3k","phone":"12"}`, &body))
	require.Equal(t, "phone", body.Field)

	require.Equal(t, http.StatusBadRequest, postLookup(t, e, "t-3", `not json`, nil))
}

func TestLookup_RateLimited(t *testing.T) {
	e := newEnv(t)
	req := `{"orderNumber":"7f3k","phone":"555-000-0000"}`
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusNotFound, postLookup(t, e, "t-1", req, nil))
	}
	var body ErrorDTO
	require.Equal(t, http.StatusTooManyRequests, postLookup(t, e, "t-1", req, &body))
	require.Equal(t, "rate_limited", body.Error)

	// limiter outage does not lock customers out
	e.rl.fail(errors.New("redis down"))
	require.Equal(t, http.StatusNotFound, postLookup(t, e, "t-1", req, nil))
}

func TestLive_InvalidToken(t *testing.T) {
	e := newEnv(t)
	var body ErrorDTO
	require.Equal(t, http.StatusUnauthorized, getJSON(t, e.srv.URL+"/api/v1/live?token=garbage", &body))
	require.Equal(t, "view_token", body.Error)
}

func TestLive_StaleTokenForReplacedDelivery(t *testing.T) {
	e := newEnv(t)
	tokens, _ := viewtoken.New("secret", time.Minute)
	tok, _, err := tokens.Issue("t-1", "ORD-7F3K9", "some-other-id")
	require.NoError(t, err)

	require.Equal(t, http.StatusNotFound, getJSON(t, e.srv.URL+"/api/v1/live?token="+tok, nil))
}

func TestLiveByCode_StreamsUntilDelivered(t *testing.T) {
	e := newEnv(t)
	stream, resp := openStream(t, e.srv.URL+"/api/v1/tenants/t-1/deliveries/ORD-7F3K9/live")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v := stream.next(t)
	require.Equal(t, 2, v.CurrentStep)

	require.NoError(t, e.store.SetStatus("t-1", "ORD-7F3K9", models.RawStatusNearby))
	v = stream.until(t, func(v ViewDTO) bool { return v.CurrentStep == 3 })
	require.Equal(t, "nearby", v.RawStatus)
	require.NotNil(t, v.Courier)

	require.NoError(t, e.store.SetStatus("t-1", "ORD-7F3K9", models.RawStatusDelivered))
	v = stream.until(t, func(v ViewDTO) bool { return v.State == "done" })
	require.Equal(t, 4, v.CurrentStep)
	require.True(t, v.IsTerminal)
	require.Nil(t, v.Courier)

	// server ends the stream after the terminal view
	_, err := io.ReadAll(stream.br)
	require.NoError(t, err)
}

func TestLiveByCode_NotFound(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusNotFound, getJSON(t, e.srv.URL+"/api/v1/tenants/t-1/deliveries/NOPE/live", nil))
}

func TestErrorResponse_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&lookup.ValidationError{Field: "phone", Reason: "x"}, http.StatusBadRequest},
		{models.ErrNotFound, http.StatusNotFound},
		{viewtoken.ErrExpired, http.StatusUnauthorized},
		{errRateLimited, http.StatusTooManyRequests},
		{lookup.ErrLookupFailed, http.StatusServiceUnavailable},
		{fetchErr(errors.New("io")), http.StatusServiceUnavailable},
		{tracking.ErrSessionClosed, http.StatusGone},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := errorResponse(tc.err)
		require.Equal(t, tc.want, got, tc.err.Error())
	}
	require.ErrorIs(t, fetchErr(models.ErrNotFound), models.ErrNotFound)
}
