package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/dgnsrekt/walkie/internal/protocol"
	"github.com/dgnsrekt/walkie/internal/ptt"
)

const (
	writeWait          = 10 * time.Second
	handshakeTimeout   = 10 * time.Second
	defaultReadTimeout = 60 * time.Second
	defaultRedialPause = 250 * time.Millisecond
	defaultSendQueue   = 256
	maxMessageSize     = 1 << 20
)

// Close codes that mean the remote rejected us at the protocol level.
// Any other close is treated as transient and triggers a reconnect.
var permanentCloseCodes = []int{
	websocket.CloseProtocolError,
	websocket.CloseUnsupportedData,
	websocket.ClosePolicyViolation,
	websocket.CloseInternalServerErr,
}

// WebSocketConfig holds WebSocket channel configuration
type WebSocketConfig struct {
	// RedialPause is slept between failed reconnect attempts. The first
	// attempt after a drop is immediate and attempts are never capped.
	RedialPause time.Duration

	// SendQueue is the number of outbound messages buffered while the link is down.
	SendQueue int

	// ReadTimeout drops a connection that has been silent this long.
	ReadTimeout time.Duration

	// Replay is set when the remote replays the room's current document to
	// every fresh subscription.
	Replay bool

	Header http.Header
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.RedialPause <= 0 {
		c.RedialPause = defaultRedialPause
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	return c
}

// WebSocket is a Channel over a reconnecting WebSocket connection.
type WebSocket struct {
	cfg       WebSocketConfig
	dialer    *websocket.Dialer
	address   string
	state     atomic.Int32
	listeners *listeners

	connMu      sync.RWMutex
	conn        *websocket.Conn
	connChanged chan struct{}
	writeMu     sync.Mutex

	sendMu    sync.RWMutex
	closing   bool
	flush     chan struct{} // closed when Close starts draining sendCh
	flushed   chan struct{} // closed by the write pump once drained
	pending   atomic.Int64  // accepted by Send, not yet written
	sendCh    chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebSocket creates an unconnected WebSocket channel.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &WebSocket{
		cfg:         cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		listeners:   newListeners(),
		connChanged: make(chan struct{}),
		sendCh:      make(chan []byte, cfg.SendQueue),
		flush:       make(chan struct{}),
		flushed:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Connect dials address and starts the read and write pumps.
func (c *WebSocket) Connect(ctx context.Context, address string) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("websocket channel already connected")
	}
	c.address = address

	conn, err := c.dial(ctx)
	if err != nil {
		c.shutdown(err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.swapConn(conn)
	c.state.Store(int32(StateOpen))
	log.Info("connected", "addr", address)
	c.listeners.dispatch(Event{Kind: EventOpen})

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return nil
}

func (c *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.address, c.cfg.Header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			msg := fmt.Sprintf("handshake rejected with HTTP %d", resp.StatusCode)
			return nil, ptt.NewError(ptt.CodePermanentClose, msg, err)
		}
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// Send queues data for the write pump. Messages queued while the link is
// down are written once it is back.
func (c *WebSocket) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closing || c.State() == StateClosed {
		return ptt.ErrChannelClosed
	}

	select {
	case c.sendCh <- data:
		c.pending.Add(1)
		return nil
	case <-c.done:
		return ptt.ErrChannelClosed
	default:
		return ptt.ErrSendQueueFull
	}
}

// On registers a handler for a lifecycle event.
func (c *WebSocket) On(kind EventKind, h Handler) *Subscription {
	return c.listeners.add(kind, h)
}

// State returns the current lifecycle state.
func (c *WebSocket) State() State {
	return State(c.state.Load())
}

// Replays reports whether the remote replays the current document on subscribe.
func (c *WebSocket) Replays() bool {
	return c.cfg.Replay
}

// Address returns the address passed to Connect.
func (c *WebSocket) Address() string {
	return c.address
}

// Close stops accepting sends, gives the write pump up to writeWait to
// deliver what is already queued, then closes the connection and waits for
// the pumps to exit. Messages that could not be delivered are reported in
// the returned error and as an EventError. It must not be called from
// inside a handler.
func (c *WebSocket) Close() error {
	c.sendMu.Lock()
	first := !c.closing
	c.closing = true
	if first {
		close(c.flush)
	}
	c.sendMu.Unlock()

	if first && c.started.Load() && !c.isDone() {
		select {
		case <-c.flushed:
		case <-c.done:
		case <-time.After(writeWait):
			log.Warn("timed out flushing send queue", "addr", c.address, "queued", c.pending.Load())
		}
	}

	c.shutdown(nil)
	c.wg.Wait()

	if n := c.pending.Swap(0); n > 0 {
		err := ptt.NewError(ptt.CodeChannelClosed, fmt.Sprintf("%d queued messages were not delivered", n), nil).
			WithContext("addr", c.address)
		c.listeners.dispatch(Event{Kind: EventError, Err: err})
		return err
	}
	return nil
}

// shutdown moves the channel to Closed exactly once and dispatches close.
func (c *WebSocket) shutdown(cause error) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.state.Store(int32(StateClosed))
		c.cancel()
		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	})

	if first {
		log.Debug("channel closed", "addr", c.address, "cause", cause)
		c.listeners.dispatch(Event{Kind: EventClose, Err: cause})
	}
}

func (c *WebSocket) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *WebSocket) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *WebSocket) swapConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	close(c.connChanged)
	c.connChanged = make(chan struct{})
	c.connMu.Unlock()
}

// dropConn forgets conn if it is still current and closes it.
func (c *WebSocket) dropConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()
}

// waitConn blocks until a connection is available or the channel is closed.
func (c *WebSocket) waitConn() *websocket.Conn {
	for {
		c.connMu.RLock()
		conn, changed := c.conn, c.connChanged
		c.connMu.RUnlock()

		if conn != nil {
			return conn
		}
		select {
		case <-changed:
		case <-c.done:
			return nil
		}
	}
}

func (c *WebSocket) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

func (c *WebSocket) readLoop() {
	defer c.wg.Done()

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		err := c.readPump(conn)
		if c.isDone() {
			return
		}

		if isPermanent(err) {
			log.Error("connection rejected permanently", "addr", c.address, "error", err)
			c.shutdown(ptt.NewError(ptt.CodePermanentClose, "remote closed the connection", err))
			return
		}

		log.Warn("connection lost, reconnecting", "addr", c.address, "error", err)
		c.dropConn(conn)
		if !c.reconnect() {
			return
		}
	}
}

// readPump reads until the connection fails. Keep-alive pings are answered
// here and never reach the handlers.
func (c *WebSocket) readPump(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if messageType == websocket.TextMessage && string(data) == protocol.PingToken {
			if err := c.write(conn, websocket.TextMessage, []byte(protocol.AckToken)); err != nil {
				return err
			}
			continue
		}

		c.listeners.dispatch(Event{Kind: EventMessage, Data: data})
	}
}

// reconnect redials the same address until it succeeds, the remote rejects
// us permanently or the channel is closed.
// TODO: add exponential backoff and a retry ceiling; attempts are unbounded today.
func (c *WebSocket) reconnect() bool {
	c.state.Store(int32(StateReconnecting))

	for attempt := 1; ; attempt++ {
		conn, err := c.dial(c.ctx)
		if err == nil {
			c.swapConn(conn)
			c.state.Store(int32(StateOpen))
			log.Info("reconnected", "addr", c.address, "attempts", attempt)

			c.listeners.dispatch(Event{Kind: EventOpen})
			c.listeners.dispatch(Event{Kind: EventReconnect})
			return true
		}

		if c.isDone() {
			return false
		}
		if errors.Is(err, ptt.ErrPermanentClose) {
			log.Error("reconnect rejected", "addr", c.address, "error", err)
			c.shutdown(err)
			return false
		}

		log.Debug("reconnect attempt failed", "addr", c.address, "attempt", attempt, "error", err)
		c.listeners.dispatch(Event{Kind: EventError, Err: ptt.NewError(ptt.CodeTransientClose, "reconnect attempt failed", err)})

		select {
		case <-c.done:
			return false
		case <-time.After(c.cfg.RedialPause):
		}
	}
}

func (c *WebSocket) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return

		case <-c.flush:
			// Send no longer accepts messages, so sendCh only shrinks.
			for {
				select {
				case msg := <-c.sendCh:
					if !c.deliver(msg) {
						return
					}
				default:
					close(c.flushed)
					return
				}
			}

		case msg := <-c.sendCh:
			if !c.deliver(msg) {
				return
			}
		}
	}
}

// deliver retries msg across reconnects until it is written. It reports
// false once the channel is closed.
func (c *WebSocket) deliver(msg []byte) bool {
	for {
		conn := c.waitConn()
		if conn == nil {
			return false
		}
		err := c.write(conn, websocket.TextMessage, msg)
		if err == nil {
			c.pending.Add(-1)
			return true
		}
		if c.isDone() {
			return false
		}
		log.Warn("write error", "addr", c.address, "error", err)
		c.listeners.dispatch(Event{Kind: EventError, Err: err})
		c.dropConn(conn)
	}
}

func isPermanent(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return slices.Contains(permanentCloseCodes, ce.Code)
	}
	return false
}
