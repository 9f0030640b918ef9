// v2
// internal/httpapi/router.go
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/tcalmant/nfc-voting/internal/binding"
	"github.com/tcalmant/nfc-voting/internal/device"
	"github.com/tcalmant/nfc-voting/internal/metrics"
)

// ReaderView is the operator-facing state of one attached reader.
type ReaderView struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	AttachedAt time.Time `json:"attached_at"`
	State      string    `json:"state,omitempty"`
	Value      string    `json:"value,omitempty"`
}

// Counters summarises vote outcomes.
type Counters struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Lost      uint64 `json:"lost"`
	Journaled int    `json:"journaled"`
}

// StatusSource exposes the machine state served by the API.
type StatusSource interface {
	Phase() string
	Readers() []ReaderView
	Bindings() []binding.Binding
	Counters() Counters
}

// ReaderControl accepts operator actions on readers while assigning. When
// the StatusSource implements it, POST /readers/{id}/arm and
// POST /readers/{id}/forget are served.
type ReaderControl interface {
	ArmReader(id string) error
	ForgetReader(id string) error
}

// Health tracks readiness. Liveness is implied by the process running.
type Health struct {
	ready atomic.Bool
}

func (h *Health) SetReady(v bool) { h.ready.Store(v) }
func (h *Health) Ready() bool     { return h.ready.Load() }

// NewRouter wires the status API routes.
func NewRouter(logger *slog.Logger, health *Health, src StatusSource, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "OK")
	}).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !health.Ready() {
			writeText(w, http.StatusServiceUnavailable, "NOT_READY")
			return
		}
		writeText(w, http.StatusOK, "OK")
	}).Methods(http.MethodGet)
	r.HandleFunc("/phase", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, map[string]string{"phase": src.Phase()})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, nonNil(src.Readers()))
	}).Methods(http.MethodGet)
	r.HandleFunc("/bindings", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, nonNil(src.Bindings()))
	}).Methods(http.MethodGet)
	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, src.Counters())
	}).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	if ctl, ok := src.(ReaderControl); ok {
		r.HandleFunc("/readers/{id}/arm", readerAction(logger, "arm", ctl.ArmReader)).Methods(http.MethodPost)
		r.HandleFunc("/readers/{id}/forget", readerAction(logger, "forget", ctl.ForgetReader)).Methods(http.MethodPost)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusNotFound, "not found")
	})
	r.Use(countRequests(m))
	return r
}

// Wrap adds panic recovery, Apache-style access logs to accessLog and a
// structured request log.
func Wrap(logger *slog.Logger, accessLog io.Writer, next http.Handler) http.Handler {
	recovered := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger}), handlers.PrintRecoveryStack(false))(next)
	structured := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		recovered.ServeHTTP(rw, r)
		logger.Debug("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.String("duration", time.Since(start).String()),
		)
	})
	if accessLog == nil {
		return structured
	}
	return handlers.LoggingHandler(accessLog, structured)
}

func readerAction(logger *slog.Logger, action string, fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := fn(id); err != nil {
			status := http.StatusConflict
			if errors.Is(err, device.ErrUnknownReader) {
				status = http.StatusNotFound
			}
			logger.Warn("reader_action_rejected", slog.String("action", action), slog.String("reader", id), slog.Any("err", err))
			writeText(w, status, err.Error())
			return
		}
		logger.Info("reader_action", slog.String("action", action), slog.String("reader", id))
		writeJSON(w, logger, map[string]string{"reader": id, "action": action})
	}
}

func countRequests(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.HTTPRequest(route, rw.status)
		})
	}
}

type recoveryLogger struct {
	log *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("http_handler_panic", slog.Any("detail", v))
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("write_response_failed", slog.Any("err", err))
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
