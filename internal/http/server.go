package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/trip"
)

const maxBodyBytes = 1 << 20

// Deps are the services the API exposes. Ready may be nil.
type Deps struct {
	Coordinator *dispatch.Coordinator
	Trips       *trip.Service
	Drivers     *session.Manager
	Fares       fare.SettingsStore
	Hub         *events.Hub
	WSReg       *notify.WSRegistry
	Ready       func(ctx context.Context) error
	Logger      *slog.Logger
}

type Server struct {
	coord   *dispatch.Coordinator
	trips   *trip.Service
	drivers *session.Manager
	fares   fare.SettingsStore
	hub     *events.Hub
	wsreg   *notify.WSRegistry
	ready   func(ctx context.Context) error
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		coord:   d.Coordinator,
		trips:   d.Trips,
		drivers: d.Drivers,
		fares:   d.Fares,
		hub:     d.Hub,
		wsreg:   d.WSReg,
		ready:   d.Ready,
		logger:  d.Logger,
		mux:     mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips", s.handleListTrips).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/end", s.handleEnd).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/dropoffs", s.handleDropoffs).Methods(http.MethodPut)

	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/online", s.handleDriverOnline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/offline", s.handleDriverOffline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/position", s.handleDriverPosition).Methods(http.MethodPut)

	api.HandleFunc("/admin/fare-settings", s.handleGetFareSettings).Methods(http.MethodGet)
	api.HandleFunc("/admin/fare-settings", s.handlePutFareSettings).Methods(http.MethodPut)
	api.HandleFunc("/fare/quote", s.handleQuote).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/trips/{id}", s.handleTripStream).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/drivers/{id}", s.handleDriverSocket).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness_failed", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindStaleAssignment:
		return http.StatusConflict
	case apperr.KindNoDriversAvailable:
		return http.StatusServiceUnavailable
	case apperr.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := kindName(err)
	ci := callInfoFrom(r.Context())
	ci.errKind = kind
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "route", routeOf(r), "request_id", ci.requestID, "err", err)
	}
	if status == http.StatusServiceUnavailable || status == http.StatusBadGateway {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorBody{Error: kind, Message: err.Error()})
}

func kindName(err error) string {
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.InvalidArgument("http.decode", "malformed JSON body: %v", err)
}

func decodeBytes(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return apperr.InvalidArgument("http.decode", "malformed JSON message: %v", err)
	}
	return nil
}

// dispatchOutcome summarizes the dispatch pass an operation triggered.
type dispatchOutcome struct {
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

func outcomeOf(res dispatch.Result) *dispatchOutcome {
	if res.Dispatch != nil {
		return &dispatchOutcome{Outcome: string(apperr.KindOf(res.Dispatch)), Message: res.Dispatch.Error()}
	}
	if res.Trip != nil && res.Trip.AssignedDriverID != "" {
		return &dispatchOutcome{Outcome: "assigned"}
	}
	return nil
}
