package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
	"resqBack/internal/dispatch/session"
)

type stubLogger struct{}

func (stubLogger) Infof(string, ...interface{})  {}
func (stubLogger) Errorf(string, ...interface{}) {}

type stubSessions struct {
	mu        sync.Mutex
	locations []geo.Point
}

func (s *stubSessions) UpdateLocation(_ context.Context, _ fsm.Domain, _ string, pos geo.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = append(s.locations, pos)
	return nil
}

func (s *stubSessions) Snapshot(d fsm.Domain, partnerID string) (session.State, bool) {
	return session.State{Domain: d.Name, PartnerID: partnerID, Online: true}, true
}

func (s *stubSessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locations)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/partner?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPartnerHubDeliversEvents(t *testing.T) {
	sessions := &stubSessions{}
	hub := NewPartnerHub(nil, stubLogger{})
	hub.Bind(sessions)
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "domain=garage&partner_id=m1")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello struct {
		Type  string        `json:"type"`
		State session.State `json:"state"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "state", hello.Type)
	assert.Equal(t, "m1", hello.State.PartnerID)

	require.Eventually(t, func() bool { return hub.Connected("garage", "m1") }, time.Second, 5*time.Millisecond)
	hub.Notify(context.Background(), session.Event{Type: session.EventCountdown, Domain: "garage", PartnerID: "m1", Remaining: 9})
	hub.Notify(context.Background(), session.Event{Type: session.EventCountdown, Domain: "ride", PartnerID: "m1", Remaining: 3})

	var ev session.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, session.EventCountdown, ev.Type)
	assert.Equal(t, 9, ev.Remaining)

	require.NoError(t, conn.WriteJSON(map[string]float64{"lat": 12.97, "lon": 77.59}))
	require.Eventually(t, func() bool { return sessions.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPartnerHubRejectsUnknownDomain(t *testing.T) {
	hub := NewPartnerHub(nil, stubLogger{})
	hub.Bind(&stubSessions{})
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/partner?domain=boats&partner_id=p1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)

	url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/partner?domain=ride"
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func httpHandler(h *PartnerHub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/partner", h.ServeWS)
	return mux
}

func (s *stubSessions) last() geo.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locations[len(s.locations)-1]
}

func TestPartnerHubIgnoresMessagesWithoutCoordinates(t *testing.T) {
	sessions := &stubSessions{}
	hub := NewPartnerHub(nil, stubLogger{})
	hub.Bind(sessions)
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "domain=ride&partner_id=d1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"lat":28.61}`)))
	require.NoError(t, conn.WriteJSON(map[string]float64{"lat": 28.6139, "lon": 77.2090}))

	require.Eventually(t, func() bool { return sessions.count() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sessions.count())
	assert.Equal(t, geo.Point{Lat: 28.6139, Lon: 77.2090}, sessions.last())
}

func TestPartnerHubPingsIdleSocket(t *testing.T) {
	hub := NewPartnerHub(nil, stubLogger{})
	hub.Bind(&stubSessions{})
	hub.ping = 20 * time.Millisecond
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "domain=ride&partner_id=d1")
	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(data string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not ping the idle socket")
	}
}
