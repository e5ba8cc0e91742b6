package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	pingPeriod   = 30 * time.Second
	pongWait     = 60 * time.Second
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// clients are mobile apps; identity is not enforced at this layer
	CheckOrigin: func(*http.Request) bool { return true },
}

// keepAlive arms pong-driven read deadlines and returns a channel closed once
// the client goes away.
func keepAlive(conn *websocket.Conn, onMessage func([]byte)) <-chan struct{} {
	done := make(chan struct{})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if onMessage != nil {
				onMessage(msg)
			}
		}
	}()
	return done
}

// handleTripStream sends the current trip, then every event on its topic.
// The stream ends after a terminal state is delivered.
func (s *Server) handleTripStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	// subscribe before reading the snapshot so no transition falls in between
	ch, stop := s.hub.Subscribe(models.TripTopic(id), 32)
	defer stop()
	t, err := s.trips.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "trip_id", id, "err", err)
		return
	}
	defer conn.Close()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}
	if err := write(models.Event{Type: models.EventTripSnapshot, TripID: id, To: t.Status, At: time.Now().UTC(), Trip: t}); err != nil {
		return
	}
	if t.Status.Terminal() {
		closeNormal(conn)
		return
	}

	done := keepAlive(conn, nil)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == models.EventTripTransition && ev.Trip != nil && ev.Trip.Version <= t.Version {
				// already part of the snapshot
				continue
			}
			if err := write(ev); err != nil {
				s.logger.Warn("ws_write_failed", "trip_id", id, "err", err)
				return
			}
			if ev.To.Terminal() {
				closeNormal(conn)
				return
			}
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
}

// driverCommand is what a driver app may send back over its socket.
type driverCommand struct {
	Action string `json:"action"` // accept or reject
	TripID string `json:"trip_id"`
}

type driverReply struct {
	Action string           `json:"action"`
	Trip   *models.Trip     `json:"trip,omitempty"`
	Error  *errorBody       `json:"error,omitempty"`
	Result *dispatchOutcome `json:"dispatch,omitempty"`
}

// handleDriverSocket registers the driver's offer channel. Offers arrive as
// driver.offer events; the app answers with accept or reject commands.
func (s *Server) handleDriverSocket(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "driver_id", driverID, "err", err)
		return
	}
	sess := s.wsreg.Add(driverID, conn)
	s.logger.Info("ws_registered", "driver_id", driverID)
	defer func() {
		s.wsreg.Remove(driverID, sess)
		_ = conn.Close()
		s.logger.Info("ws_removed", "driver_id", driverID)
	}()

	ctx := r.Context()
	done := keepAlive(conn, func(msg []byte) {
		reply := s.driverCommand(r, driverID, msg)
		if err := sess.Send(reply, writeTimeout); err != nil {
			s.logger.Warn("ws_write_failed", "driver_id", driverID, "err", err)
		}
	})
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) driverCommand(r *http.Request, driverID string, msg []byte) driverReply {
	var cmd driverCommand
	if err := decodeBytes(msg, &cmd); err != nil {
		return driverReply{Action: "error", Error: &errorBody{Error: "invalid_argument", Message: err.Error()}}
	}
	reply := driverReply{Action: cmd.Action}
	var err error
	switch cmd.Action {
	case "accept":
		reply.Trip, err = s.coord.Accept(r.Context(), cmd.TripID, driverID)
	case "reject":
		res, rerr := s.coord.Reject(r.Context(), cmd.TripID, driverID)
		reply.Trip, reply.Result, err = res.Trip, outcomeOf(res), rerr
	default:
		return driverReply{Action: "error", Error: &errorBody{Error: "invalid_argument", Message: "unknown action " + cmd.Action}}
	}
	if err != nil {
		reply.Error = &errorBody{Error: kindName(err), Message: err.Error()}
	}
	return reply
}
