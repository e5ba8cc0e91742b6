package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
)

type onlineRequest struct {
	Position models.Coord      `json:"position"`
	Meta     models.DriverMeta `json:"meta"`
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drivers.GoOnline(r.Context(), mux.Vars(r)["id"], req.Position, req.Meta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	d, err := s.drivers.GoOffline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverPosition(w http.ResponseWriter, r *http.Request) {
	var pos models.Coord
	if err := decode(w, r, &pos); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drivers.UpdatePosition(r.Context(), mux.Vars(r)["id"], pos)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.drivers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
