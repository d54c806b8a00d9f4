package tracking_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/DeliveryTrack/internal/cache/rediscache"
	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/BearBump/DeliveryTrack/internal/services/lookup"
	"github.com/BearBump/DeliveryTrack/internal/services/timeline"
	"github.com/BearBump/DeliveryTrack/internal/services/tracking"
	"github.com/BearBump/DeliveryTrack/internal/viewtoken"
	"github.com/go-chi/chi/v5"
)

const (
	maxLookupBody   = 4 << 10
	rateLimitWindow = 70 * time.Second
)

type Tracker interface {
	Open(tenantID, trackingCode string) *tracking.Session
	OpenAuthorized(rec *models.DeliveryRecord) *tracking.Session
	Snapshot(ctx context.Context, tenantID, trackingCode string) (tracking.View, error)
	GetRecord(ctx context.Context, tenantID, trackingCode string) (*models.DeliveryRecord, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, req lookup.Request) (*models.DeliveryRecord, error)
}

type TokenIssuer interface {
	Issue(tenantID, trackingCode, deliveryID string) (string, time.Time, error)
	Parse(raw string) (viewtoken.Grant, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Options struct {
	// LookupRateLimitPerMinute caps lookup attempts per tenant and client
	// address. 0 disables the limit.
	LookupRateLimitPerMinute int64
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
}

type TrackingAPI struct {
	tracker Tracker
	gate    Authorizer
	tokens  TokenIssuer
	rl      RateLimiter
	opts    Options
}

// New wires the public tracking routes. tokens and rl may be nil: lookups
// then return no view token and are not rate limited.
func New(tracker Tracker, gate Authorizer, tokens TokenIssuer, rl RateLimiter, opts Options) *TrackingAPI {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &TrackingAPI{tracker: tracker, gate: gate, tokens: tokens, rl: rl, opts: opts}
}

func (a *TrackingAPI) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/timeline", a.getTimeline)
		r.Get("/live", a.liveByToken)
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Post("/lookup", a.postLookup)
			r.Get("/deliveries/{trackingCode}", a.getDelivery)
			r.Get("/deliveries/{trackingCode}/live", a.liveByCode)
		})
	})
}

func (a *TrackingAPI) getTimeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, timeline.Steps())
}

func (a *TrackingAPI) getDelivery(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	code := strings.TrimSpace(chi.URLParam(r, "trackingCode"))

	v, err := a.tracker.Snapshot(r.Context(), tenantID, code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toViewDTO(v))
}

func (a *TrackingAPI) postLookup(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var in LookupRequestDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLookupBody)).Decode(&in); err != nil {
		writeError(w, &lookup.ValidationError{Field: "body", Reason: "must be a JSON object"})
		return
	}

	if !a.allowLookup(r, tenantID) {
		writeError(w, errRateLimited)
		return
	}

	rec, err := a.gate.Authorize(r.Context(), lookup.Request{
		TenantID:    tenantID,
		OrderNumber: in.OrderNumber,
		Phone:       in.Phone,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	sess := a.tracker.OpenAuthorized(rec)
	v := sess.CurrentView()
	sess.Close()

	out := LookupResponseDTO{View: toViewDTO(v)}
	if a.tokens != nil {
		tok, exp, err := a.tokens.Issue(rec.TenantID, rec.TrackingCode, rec.ID)
		if err != nil {
			slog.Error("issue view token", "delivery_id", rec.ID, "error", err.Error())
		} else {
			out.ViewToken = tok
			out.TokenExpiresAt = &exp
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// allowLookup fails open when the limiter itself is unavailable.
func (a *TrackingAPI) allowLookup(r *http.Request, tenantID string) bool {
	if a.rl == nil || a.opts.LookupRateLimitPerMinute <= 0 {
		return true
	}
	key := rediscache.MinuteKey("lookup", tenantID+":"+clientIP(r), time.Now())
	allowed, n, err := a.rl.Allow(r.Context(), key, a.opts.LookupRateLimitPerMinute, rateLimitWindow)
	if err != nil {
		slog.Warn("lookup rate limiter unavailable", "error", err.Error())
		return true
	}
	if !allowed {
		slog.Warn("lookup rate limit exceeded", "tenant_id", tenantID, "count", n)
	}
	return allowed
}

func (a *TrackingAPI) liveByCode(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	code := strings.TrimSpace(chi.URLParam(r, "trackingCode"))

	sess := a.tracker.Open(tenantID, code)
	defer sess.Close()

	v, err := sess.Refresh(r.Context())
	if err != nil && v.Record == nil {
		writeError(w, err)
		return
	}
	a.stream(w, r, sess)
}

func (a *TrackingAPI) liveByToken(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil {
		writeError(w, models.ErrNotFound)
		return
	}
	grant, err := a.tokens.Parse(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := a.tracker.GetRecord(r.Context(), grant.TenantID, grant.TrackingCode)
	if err != nil {
		writeError(w, fetchErr(err))
		return
	}
	if rec.ID != grant.DeliveryID {
		writeError(w, models.ErrNotFound)
		return
	}

	sess := a.tracker.OpenAuthorized(rec)
	defer sess.Close()
	a.stream(w, r, sess)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
