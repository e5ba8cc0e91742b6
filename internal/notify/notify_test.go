package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func offerEvent() models.Event {
	return models.Event{
		Type:     models.EventDriverOffer,
		TripID:   "t1",
		DriverID: "d1",
		Offer:    &models.Offer{TripID: "t1", DriverID: "d1", Attempt: 1, ETAMinutes: 3},
	}
}

// wsPair starts a server that registers every upgraded conn as driver d1 and
// returns the client side.
func wsPair(t *testing.T, reg *WSRegistry) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("d1", conn)
		close(registered)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("server never registered the session")
	}
	return client
}

func TestWSRegistryDeliversOffer(t *testing.T) {
	reg := NewWSRegistry()
	client := wsPair(t, reg)
	require.True(t, reg.Connected("d1"))

	require.NoError(t, reg.Notify(context.Background(), "d1", offerEvent()))

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	var got models.Event
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, models.EventDriverOffer, got.Type)
	require.NotNil(t, got.Offer)
	assert.Equal(t, 3, got.Offer.ETAMinutes)
}

func TestWSRegistryNoSession(t *testing.T) {
	err := NewWSRegistry().Notify(context.Background(), "nobody", offerEvent())
	assert.ErrorIs(t, err, ErrNoSession)
}

type fakeConn struct {
	closed bool
	err    error
	sent   []any
}

func (f *fakeConn) WriteJSON(v any) error {
	f.sent = append(f.sent, v)
	return f.err
}
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) Close() error                     { f.closed = true; return nil }

func TestWSRegistryReplacesAndDropsBrokenSessions(t *testing.T) {
	reg := NewWSRegistry()
	first := &fakeConn{}
	s1 := reg.Add("d1", first)
	second := &fakeConn{err: errors.New("broken pipe")}
	reg.Add("d1", second)
	assert.True(t, first.closed, "replaced session is closed")

	reg.Remove("d1", s1) // stale handle must not evict the new session
	assert.True(t, reg.Connected("d1"))

	assert.Error(t, reg.Notify(context.Background(), "d1", offerEvent()))
	assert.False(t, reg.Connected("d1"))
	assert.True(t, second.closed)
}

func TestPushNotifierPosts(t *testing.T) {
	var (
		auth string
		msg  pushMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&msg)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewPushNotifier(srv.URL, "secret").Notify(context.Background(), "d1", offerEvent()))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "d1", msg.DriverID)
	assert.Equal(t, "t1", msg.Event.TripID)
}

func TestPushNotifierGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewPushNotifier(srv.URL, "").Notify(context.Background(), "d1", offerEvent())
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, string, models.Event) error {
	c.calls++
	return c.err
}

func TestChainFallsBack(t *testing.T) {
	ws := &countingNotifier{err: ErrNoSession}
	push := &countingNotifier{}
	require.NoError(t, Chain{ws, nil, push}.Notify(context.Background(), "d1", offerEvent()))
	assert.Equal(t, 1, ws.calls)
	assert.Equal(t, 1, push.calls)

	push.err = errors.New("down")
	err := Chain{ws, push}.Notify(context.Background(), "d1", offerEvent())
	assert.ErrorIs(t, err, ErrNoSession)

	assert.ErrorIs(t, Chain{}.Notify(context.Background(), "d1", offerEvent()), ErrNoSession)
}
