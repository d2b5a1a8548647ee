package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"resqBack/internal/dispatch/fsm"
	"resqBack/internal/dispatch/geo"
	"resqBack/internal/dispatch/session"
)

const (
	readTimeout  = 90 * time.Second
	writeTimeout = 5 * time.Second
	pingPeriod   = readTimeout * 9 / 10
	sendBuffer   = 32
)

// Logger is a minimal logger interface required by the hub.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Sessions is the part of the session manager driven by the socket.
type Sessions interface {
	UpdateLocation(ctx context.Context, d fsm.Domain, partnerID string, pos geo.Point) error
	Snapshot(d fsm.Domain, partnerID string) (session.State, bool)
}

// IdentityFunc resolves the authenticated partner of a request.
type IdentityFunc func(r *http.Request) (string, error)

// ErrNoIdentity is returned by QueryIdentity when no partner id is present.
var ErrNoIdentity = errors.New("missing partner_id")

// QueryIdentity reads partner_id from the query or the X-partner_id header.
func QueryIdentity(r *http.Request) (string, error) {
	if v := r.URL.Query().Get("partner_id"); v != "" {
		return v, nil
	}
	if v := r.Header.Get("X-partner_id"); v != "" {
		return v, nil
	}
	return "", ErrNoIdentity
}

type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) offer(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// PartnerHub keeps the live channel of every connected partner and
// implements session.Notifier. Notify never blocks: events for a slow
// socket are dropped.
type PartnerHub struct {
	upgrader websocket.Upgrader
	sessions Sessions
	identity IdentityFunc
	logger   Logger
	ping     time.Duration

	mu    sync.RWMutex
	conns map[string]*client
}

// NewPartnerHub creates a partner hub. A nil identity uses QueryIdentity.
// Bind must be called before serving connections.
func NewPartnerHub(identity IdentityFunc, logger Logger) *PartnerHub {
	if identity == nil {
		identity = QueryIdentity
	}
	return &PartnerHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		identity: identity,
		logger:   logger,
		ping:     pingPeriod,
		conns:    make(map[string]*client),
	}
}

// Bind attaches the session manager. The hub is itself a notifier of that
// manager, so it cannot be passed at construction.
func (h *PartnerHub) Bind(sessions Sessions) {
	h.sessions = sessions
}

func connKey(domain, partnerID string) string {
	return domain + ":" + partnerID
}

// ServeWS upgrades a partner connection. The domain comes from the
// "domain" query parameter.
func (h *PartnerHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		http.Error(w, "sessions unavailable", http.StatusServiceUnavailable)
		return
	}
	partnerID, err := h.identity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	d, err := fsm.Lookup(r.URL.Query().Get("domain"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("partner ws upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	key := connKey(d.Name, partnerID)
	h.mu.Lock()
	if old, ok := h.conns[key]; ok {
		old.close()
	}
	h.conns[key] = c
	h.mu.Unlock()

	h.logger.Infof("partner %s connected to %s", partnerID, d.Name)
	if st, ok := h.sessions.Snapshot(d, partnerID); ok {
		h.enqueue(c, map[string]interface{}{"type": "state", "state": st})
	}

	go h.writeLoop(c)
	go h.readLoop(d, partnerID, c)
}

func (h *PartnerHub) readLoop(d fsm.Domain, partnerID string, c *client) {
	key := connKey(d.Name, partnerID)
	defer func() {
		h.mu.Lock()
		if h.conns[key] == c {
			delete(h.conns, key)
		}
		h.mu.Unlock()
		c.close()
		h.logger.Infof("partner %s disconnected from %s", partnerID, d.Name)
	}()

	conn := c.conn
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		var payload struct {
			Lat *float64 `json:"lat"`
			Lon *float64 `json:"lon"`
		}
		if err := json.Unmarshal(message, &payload); err != nil {
			h.logger.Errorf("partner %s invalid payload: %v", partnerID, err)
			continue
		}
		// only messages carrying both coordinates are location pings
		if payload.Lat == nil || payload.Lon == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = h.sessions.UpdateLocation(ctx, d, partnerID, geo.Point{Lat: *payload.Lat, Lon: *payload.Lon})
		cancel()
		if err != nil {
			h.logger.Errorf("partner %s location update failed: %v", partnerID, err)
		}
	}
}

func (h *PartnerHub) writeLoop(c *client) {
	ticker := time.NewTicker(h.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Errorf("partner ws write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *PartnerHub) enqueue(c *client, v interface{}) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Errorf("partner ws marshal failed: %v", err)
		return false
	}
	return c.offer(msg)
}

// Notify implements session.Notifier.
func (h *PartnerHub) Notify(_ context.Context, ev session.Event) {
	h.mu.RLock()
	c := h.conns[connKey(ev.Domain, ev.PartnerID)]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	if !h.enqueue(c, ev) {
		h.logger.Errorf("partner %s event %s dropped", ev.PartnerID, ev.Type)
	}
}

// Connected reports whether the partner has a live socket.
func (h *PartnerHub) Connected(domain, partnerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connKey(domain, partnerID)]
	return ok
}
