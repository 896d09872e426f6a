package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	devicepool "github.com/httprunner/DevicePool"
	"github.com/httprunner/DevicePool/internal/config"
	"github.com/httprunner/DevicePool/internal/metrics"
	"github.com/httprunner/DevicePool/internal/storage"
	"github.com/httprunner/DevicePool/pkg/device"
	"github.com/httprunner/DevicePool/pkg/selection"
)

const defaultEventLimit = 50

// Pool is the allocation surface served over HTTP.
type Pool interface {
	ListDevices() []device.Status
	Device(serial string) (device.Status, bool)
	AllocateDevice(ctx context.Context, c *selection.Criteria) (device.Device, error)
	ForceAllocateDevice(serial string) (device.Device, error)
	FreeDevice(dev device.Device, target device.State) error
}

// EventSource returns persisted state transitions of a device.
type EventSource interface {
	Events(serial string, limit int) ([]storage.EventRow, error)
}

type Handler struct {
	log      zerolog.Logger
	pool     Pool
	profiles config.Profiles
	events   EventSource
	metrics  *metrics.Metrics
}

// Option customizes a Handler.
type Option func(*Handler)

// WithProfiles enables allocation by profile name.
func WithProfiles(p config.Profiles) Option {
	return func(h *Handler) { h.profiles = p }
}

// WithEvents enables the device history endpoint.
func WithEvents(src EventSource) Option {
	return func(h *Handler) { h.events = src }
}

// WithMetrics records request and allocation metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(log zerolog.Logger, pool Pool, opts ...Option) *Handler {
	h := &Handler{log: log, pool: pool, profiles: config.Profiles{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(h.accessLog)

	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", h.handleListDevices)
			r.Route("/{serial}", func(r chi.Router) {
				r.Get("/", h.handleGetDevice)
				r.Get("/events", h.handleDeviceEvents)
			})
		})
		r.Get("/profiles", h.handleListProfiles)
		r.Route("/allocations", func(r chi.Router) {
			r.Post("/", h.handleAllocate)
			r.Post("/{serial}", h.handleForceAllocate)
			r.Delete("/{serial}", h.handleFree)
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

// writePoolError maps pool sentinels onto HTTP statuses.
func (h *Handler) writePoolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devicepool.ErrNoDeviceAvailable):
		h.writeError(w, http.StatusConflict, "no_device_available", err.Error(), nil)
	case errors.Is(err, devicepool.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, devicepool.ErrPoolTerminated):
		h.writeError(w, http.StatusServiceUnavailable, "pool_terminated", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	default:
		h.log.Error().Err(err).Msg("device pool request failed")
		h.writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

// decodeJSONStrict decodes a single JSON value. An empty body leaves dst untouched.
func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.pool.ListDevices()
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state, ok := device.ParseState(raw)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "invalid_state", "unknown device state", map[string]any{"state": raw})
			return
		}
		filtered := devices[:0]
		for _, st := range devices {
			if st.State == state {
				filtered = append(filtered, st)
			}
		}
		devices = filtered
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	st, ok := h.pool.Device(serial)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"serial": serial})
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.writeError(w, http.StatusNotImplemented, "journal_disabled", "state journal not configured", nil)
		return
	}
	limit := defaultEventLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	serial := chi.URLParam(r, "serial")
	rows, err := h.events.Events(serial, limit)
	if err != nil {
		h.log.Error().Err(err).Str("serial", serial).Msg("query device events failed")
		h.writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
		return
	}
	if rows == nil {
		rows = []storage.EventRow{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"serial": serial, "events": rows})
}

func (h *Handler) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]selection.Spec, len(h.profiles))
	for name, spec := range h.profiles {
		out[name] = spec
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}

type allocateRequest struct {
	Profile  string          `json:"profile,omitempty"`
	Criteria *selection.Spec `json:"criteria,omitempty"`
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), nil)
		return
	}
	var spec selection.Spec
	switch {
	case req.Profile != "" && req.Criteria != nil:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "profile and criteria are mutually exclusive", nil)
		return
	case req.Profile != "":
		found, ok := h.profiles.Lookup(req.Profile)
		if !ok {
			h.writeError(w, http.StatusNotFound, "unknown_profile", "profile not found", map[string]any{"profile": req.Profile})
			return
		}
		spec = found
	case req.Criteria != nil:
		spec = *req.Criteria
	}
	criteria, err := spec.Build()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_criteria", err.Error(), nil)
		return
	}

	start := time.Now()
	dev, err := h.pool.AllocateDevice(r.Context(), criteria)
	h.metrics.ObserveAllocation(allocationResult(err), time.Since(start))
	if err != nil {
		h.writePoolError(w, err)
		return
	}
	h.writeAllocated(w, dev)
}

func (h *Handler) handleForceAllocate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dev, err := h.pool.ForceAllocateDevice(chi.URLParam(r, "serial"))
	h.metrics.ObserveAllocation(allocationResult(err), time.Since(start))
	if err != nil {
		h.writePoolError(w, err)
		return
	}
	h.writeAllocated(w, dev)
}

func (h *Handler) writeAllocated(w http.ResponseWriter, dev device.Device) {
	if st, ok := h.pool.Device(dev.Serial); ok {
		h.writeJSON(w, http.StatusCreated, st)
		return
	}
	h.writeJSON(w, http.StatusCreated, device.Status{Serial: dev.Serial, Kind: dev.Kind, State: device.StateAllocated})
}

func (h *Handler) handleFree(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	target := device.StateAvailable
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		parsed, ok := device.ParseState(raw)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "invalid_state", "unknown device state", map[string]any{"state": raw})
			return
		}
		target = parsed
	}
	st, ok := h.pool.Device(serial)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"serial": serial})
		return
	}
	if err := h.pool.FreeDevice(device.Device{Serial: st.Serial, Kind: st.Kind}, target); err != nil {
		h.writePoolError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func allocationResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultAllocated
	case errors.Is(err, devicepool.ErrNoDeviceAvailable):
		return metrics.ResultNoDevice
	case errors.Is(err, devicepool.ErrPoolTerminated):
		return metrics.ResultTerminated
	default:
		return metrics.ResultError
	}
}
