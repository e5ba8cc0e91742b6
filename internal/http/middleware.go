package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/observability"
)

type ctxKey struct{}

// callInfo travels with a request so handlers can report the error kind back
// to the access log.
type callInfo struct {
	requestID string
	errKind   string
}

func callInfoFrom(ctx context.Context) *callInfo {
	if ci, ok := ctx.Value(ctxKey{}).(*callInfo); ok {
		return ci
	}
	return &callInfo{}
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.withRecovery, s.withCallInfo, s.withAccessLog)
}

func (s *Server) withCallInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ci := &callInfo{requestID: r.Header.Get("X-Request-ID")}
		if ci.requestID == "" {
			ci.requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", ci.requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, ci)))
	})
}

// withAccessLog records one log line and the request metrics per call. Trip and
// driver routes carry their id so a trip can be followed through the log.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeOf(r)
		stream := strings.HasPrefix(route, "/ws/")
		if stream {
			observability.OpenStreams.WithLabelValues(route).Inc()
			defer observability.OpenStreams.WithLabelValues(route).Dec()
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		status := strconv.Itoa(rec.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		if !stream {
			observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())
		}

		ci := callInfoFrom(r.Context())
		args := []any{"method", r.Method, "route", route, "status", rec.status,
			"duration_ms", elapsed.Milliseconds(), "request_id", ci.requestID}
		if key := subjectKey(route); key != "" {
			args = append(args, key, mux.Vars(r)["id"])
		}
		if ci.errKind != "" {
			observability.APIErrors.WithLabelValues(route, ci.errKind).Inc()
			args = append(args, "kind", ci.errKind)
		}
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http_request", args...)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic_recovered", "route", routeOf(r), "request_id", callInfoFrom(r.Context()).requestID, "err", rec)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// subjectKey names the log field for the {id} of a route.
func subjectKey(route string) string {
	switch {
	case strings.Contains(route, "/trips/{id}"):
		return "trip_id"
	case strings.Contains(route, "/drivers/{id}"):
		return "driver_id"
	}
	return ""
}

func routeOf(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tmpl, err := cur.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
