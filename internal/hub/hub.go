package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/walkie/internal/ptt"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	pingToken = "ping"
	ack       = "pong"
)

// emptyDocument is what a client receives on joining a room nobody has
// spoken in yet.
var emptyDocument = []byte("{}")

// ErrHubClosed is returned by operations on a closed hub.
var ErrHubClosed = errors.New("hub is closed")

// Config controls relay behavior.
type Config struct {
	PingInterval   time.Duration // keep-alive period; must be less than PongWait
	PongWait       time.Duration // read deadline, reset by any inbound message
	MaxMessageSize int64
	RateLimit      float64 // messages per second per client
	Burst          int
	SendQueue      int
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		PingInterval:   25 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 1 << 20,
		RateLimit:      50,
		Burst:          100,
		SendQueue:      256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	return c
}

// Stats counts relay activity.
type Stats struct {
	Connections atomic.Int64 // currently connected
	Accepted    atomic.Int64
	Messages    atomic.Int64 // broadcast
	Limited     atomic.Int64 // dropped by the rate limiter
	Slow        atomic.Int64 // clients dropped for a full send queue
}

// RoomInfo describes a room for listings.
type RoomInfo struct {
	Name     string `json:"name"`
	Clients  int    `json:"clients"`
	LastSize int    `json:"lastSize"`
}

type room struct {
	name    string
	clients map[*client]struct{}
	last    []byte
}

// Hub relays every message a client sends to every client in the same room,
// the sender included. Each room remembers its last message and replays it
// to clients that join later.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	stats Stats
	wg    sync.WaitGroup
}

// New creates a hub.
func New(cfg Config) *Hub {
	return &Hub{
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are not browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Router returns the relay's HTTP routes.
func (h *Hub) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/rooms", h.handleRooms)
	r.Get("/rooms/{room}/ws", h.handleWS)
	return r
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (h *Hub) handleRooms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Rooms()); err != nil {
		log.Error("failed to encode room list", "error", err)
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	if err := ptt.ValidateRoom(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		hub:     h,
		id:      uuid.NewString()[:8],
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendQueue),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.Burst),
		done:    make(chan struct{}),
	}
	if !h.join(name, c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// join adds c to the named room and queues the replay document ahead of any
// broadcast. On success the caller must start both pumps.
func (h *Hub) join(name string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	rm, ok := h.rooms[name]
	if !ok {
		rm = &room{name: name, clients: make(map[*client]struct{})}
		h.rooms[name] = rm
	}
	rm.clients[c] = struct{}{}
	c.room = rm

	replay := rm.last
	if replay == nil {
		replay = emptyDocument
	}
	c.send <- replay

	h.wg.Add(2)
	h.stats.Connections.Add(1)
	h.stats.Accepted.Add(1)
	log.Info("client joined", "room", name, "client", c.id, "clients", len(rm.clients))
	return true
}

// leave removes c from its room. It is safe to call more than once.
func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm := c.room
	if rm == nil {
		return
	}
	if _, ok := rm.clients[c]; !ok {
		return
	}
	delete(rm.clients, c)
	h.stats.Connections.Add(-1)
	log.Info("client left", "room", rm.name, "client", c.id, "clients", len(rm.clients))
}

// broadcast records msg as the room's last document and queues it for every
// member. Members whose queue is full are disconnected.
func (h *Hub) broadcast(rm *room, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm.last = msg
	h.stats.Messages.Add(1)

	for c := range rm.clients {
		select {
		case c.send <- msg:
		default:
			h.stats.Slow.Add(1)
			log.Warn("dropping slow client", "room", rm.name, "client", c.id)
			delete(rm.clients, c)
			h.stats.Connections.Add(-1)
			c.close()
		}
	}
}

// Rooms lists every known room, sorted by name.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make([]RoomInfo, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, RoomInfo{Name: rm.name, Clients: len(rm.clients), LastSize: len(rm.last)})
	}
	slices.SortFunc(rooms, func(a, b RoomInfo) int { return strings.Compare(a.Name, b.Name) })
	return rooms
}

// Stats returns the hub's counters.
func (h *Hub) Stats() *Stats {
	return &h.stats
}

// Close disconnects every client and waits for their pumps to exit.
// Clients see a going-away close and may reconnect elsewhere.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var clients []*client
	for _, rm := range h.rooms {
		for c := range rm.clients {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.close()
	}
	h.wg.Wait()
	return nil
}

// client is one connected peer.
type client struct {
	hub     *Hub
	id      string
	room    *room
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump pumps messages from the websocket connection to the room.
func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.close()
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		switch string(msg) {
		case ack:
			continue
		case pingToken:
			c.enqueue([]byte(ack))
			continue
		}

		if !c.limiter.Allow() {
			c.hub.stats.Limited.Add(1)
			log.Debug("rate limited", "client", c.id, "size", humanize.Bytes(uint64(len(msg))))
			continue
		}
		c.hub.broadcast(c.room, msg)
	}
}

func (c *client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

// writePump pumps queued messages and keep-alive pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(pingToken)); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
