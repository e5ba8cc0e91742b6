package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/trip"
)

type tripResponse struct {
	Trip     *models.Trip     `json:"trip"`
	Dispatch *dispatchOutcome `json:"dispatch,omitempty"`
}

func resultResponse(res dispatch.Result) tripResponse {
	return tripResponse{Trip: res.Trip, Dispatch: outcomeOf(res)}
}

type driverRequest struct {
	DriverID string `json:"driver_id"`
}

type cancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

type dropoffsRequest struct {
	CustomerID string         `json:"customer_id"`
	Dropoffs   []models.Place `json:"dropoffs"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req trip.CreateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.coord.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resultResponse(res))
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: t})
}

// handleListTrips serves history and badge views:
// ?customer_id=&driver_id=&status=completed,cancelled&limit=
func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.TripFilter{CustomerID: q.Get("customer_id"), DriverID: q.Get("driver_id")}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, models.TripStatus(st))
			}
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, apperr.InvalidArgument("http.ListTrips", "limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	trips, err := s.trips.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": trips, "count": len(trips)})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.Dispatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: t})
}

func (s *Server) driverFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req driverRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	if req.DriverID == "" {
		s.writeError(w, r, apperr.InvalidArgument("http.driver", "driver_id is required"))
		return "", false
	}
	return req.DriverID, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverFromBody(w, r)
	if !ok {
		return
	}
	t, err := s.coord.Accept(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: t})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverFromBody(w, r)
	if !ok {
		return
	}
	res, err := s.coord.Reject(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(res))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverFromBody(w, r)
	if !ok {
		return
	}
	t, err := s.coord.Start(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: t})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverFromBody(w, r)
	if !ok {
		return
	}
	t, err := s.coord.End(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: t})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.coord.Cancel(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: t})
}

func (s *Server) handleDropoffs(w http.ResponseWriter, r *http.Request) {
	var req dropoffsRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.coord.UpdateDropoffs(r.Context(), mux.Vars(r)["id"], req.CustomerID, req.Dropoffs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tripResponse{Trip: t})
}

type quoteRequest struct {
	Pickup   models.Place   `json:"pickup"`
	Dropoffs []models.Place `json:"dropoffs"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.trips.Quote(r.Context(), req.Pickup, req.Dropoffs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleGetFareSettings(w http.ResponseWriter, r *http.Request) {
	fs, err := s.fares.GetFareSettings(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Upstream("http.GetFareSettings", err))
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) handlePutFareSettings(w http.ResponseWriter, r *http.Request) {
	var fs models.FareSettings
	if err := decode(w, r, &fs); err != nil {
		s.writeError(w, r, err)
		return
	}
	fs.UpdatedAt = s.trips.Now()
	if err := s.fares.PutFareSettings(r.Context(), fs); err != nil {
		s.writeError(w, r, apperr.Upstream("http.PutFareSettings", err))
		return
	}
	s.logger.Info("fare_settings_updated", "base_fare", fs.BaseFare, "per_km_rate", fs.PerKmRate)
	writeJSON(w, http.StatusOK, fs)
}
