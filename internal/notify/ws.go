package notify

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// wsConn is the part of *websocket.Conn a session writes through.
type wsConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSSession represents a connected driver session
type WSSession struct {
	conn wsConn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return s.conn.WriteJSON(v)
}

// WSRegistry holds one live session per driver.
type WSRegistry struct {
	mu           sync.RWMutex
	sessions     map[string]*WSSession
	WriteTimeout time.Duration
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), WriteTimeout: 5 * time.Second}
}

// Add registers conn for driverID, closing any session it replaces.
func (r *WSRegistry) Add(driverID string, conn wsConn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops s if it is still the driver's current session.
func (r *WSRegistry) Remove(driverID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[driverID] == s {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Notify(_ context.Context, driverID string, ev models.Event) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ev, r.WriteTimeout); err != nil {
		r.Remove(driverID, s)
		_ = s.conn.Close()
		return err
	}
	return nil
}
