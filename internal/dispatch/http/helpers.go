package dispatchhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"resqBack/internal/dispatch/auth"
	"resqBack/internal/dispatch/claim"
	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
	"resqBack/internal/dispatch/lifecycle"
	"resqBack/internal/dispatch/repo"
	"resqBack/internal/dispatch/requests"
	"resqBack/internal/dispatch/session"
)

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Second)
}

// statusFor maps domain errors to HTTP status codes. Unknown errors are 500.
func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, claim.ErrAlreadyClaimed),
		errors.Is(err, session.ErrNoCandidate),
		errors.Is(err, session.ErrNoActiveJob),
		errors.Is(err, session.ErrActiveJob),
		errors.Is(err, lifecycle.ErrInvalidOperation),
		errors.Is(err, lifecycle.ErrOTPRequired),
		errors.Is(err, lifecycle.ErrBillAlreadySubmitted),
		errors.Is(err, repo.ErrStatusChanged):
		return http.StatusConflict
	case errors.Is(err, claim.ErrStaleOrDeleted):
		return http.StatusGone
	case errors.Is(err, claim.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrOTPMismatch),
		errors.Is(err, lifecycle.ErrIncompleteBill):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrActionThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, fsm.ErrUnknownDomain):
		return http.StatusNotFound
	case errors.Is(err, requests.ErrForbidden), errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, requests.ErrInvalidRequest),
		errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, geo.ErrInvalidSpeed):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseDomain(r *http.Request) (fsm.Domain, error) {
	return fsm.Lookup(r.URL.Query().Get(":domain"))
}

func parseFloatParam(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return f, nil
}

func parsePoint(r *http.Request, latName, lonName string) (geo.Point, error) {
	lat, err := parseFloatParam(r, latName)
	if err != nil {
		return geo.Point{}, err
	}
	lon, err := parseFloatParam(r, lonName)
	if err != nil {
		return geo.Point{}, err
	}
	return geo.Point{Lat: lat, Lon: lon}, nil
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
