package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/configplane/controlplane/internal/platform/metrics"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

// RequestIDHeader is the header requestIDMiddleware reads and echoes.
const RequestIDHeader = "X-Request-ID"

// NewRouter builds the gorilla/mux router carrying every operational
// route, wrapped with request-id and structured access logging. There
// is no auth, CORS, or rate-limit middleware here: the operational
// surface is meant to sit behind whatever gateway already terminates
// those concerns. The refresh, cache/clear and drift/statistics handlers
// enforce their own SYS_ADMIN check and the share handlers an ADMIN
// check through share.Service, against the actor extracted from request
// headers; the heartbeat and health routes carry no check.
func NewRouter(h *Handler, m *metrics.Registry, logger *slog.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(logger))
	router.Use(metricsMiddleware(m))
	h.Register(router)
	return router
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDContextKey, id)))
	})
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("http request",
				"request_id", r.Context().Value(requestIDContextKey),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func metricsMiddleware(m *metrics.Registry) func(http.Handler) http.Handler {
	hm := m.HTTP()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			route := r.URL.Path
			if rt := mux.CurrentRoute(r); rt != nil {
				if tmpl, err := rt.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			hm.RequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
			hm.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}
