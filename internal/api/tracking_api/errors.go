package tracking_api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BearBump/DeliveryTrack/internal/models"
	"github.com/BearBump/DeliveryTrack/internal/services/lookup"
	"github.com/BearBump/DeliveryTrack/internal/services/tracking"
	"github.com/BearBump/DeliveryTrack/internal/viewtoken"
)

var errRateLimited = errors.New("too many lookup attempts")

func fetchErr(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", tracking.ErrFetchFailed, err)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		slog.Warn("tracking request failed", "status", status, "error", err.Error())
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, ErrorDTO) {
	var verr *lookup.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorDTO{Error: "validation", Message: verr.Error(), Field: verr.Field}
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, ErrorDTO{
			Error:   "not_found",
			Message: "We couldn't find that order. Please check your details and try again.",
		}
	case errors.Is(err, viewtoken.ErrExpired), errors.Is(err, viewtoken.ErrInvalid):
		return http.StatusUnauthorized, ErrorDTO{
			Error:   "view_token",
			Message: "This tracking link is no longer valid. Please look up your order again.",
		}
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, ErrorDTO{
			Error:   "rate_limited",
			Message: "Too many attempts. Please wait a minute and try again.",
		}
	case errors.Is(err, lookup.ErrLookupFailed), errors.Is(err, tracking.ErrFetchFailed):
		return http.StatusServiceUnavailable, ErrorDTO{
			Error:   "unavailable",
			Message: "Something went wrong on our side. Please try again.",
		}
	case errors.Is(err, tracking.ErrSessionClosed):
		return http.StatusGone, ErrorDTO{Error: "closed", Message: "This tracking session has ended."}
	}
	return http.StatusInternalServerError, ErrorDTO{Error: "internal", Message: "Something went wrong. Please try again."}
}
