// Package transport adapts gorilla/websocket connections to the
// conn.Transport interface, translating between the Coordinator's
// open/message/close/pong events and gorilla's read-loop/write-loop
// conventions. It is an external collaborator per spec.md §1: the
// Helios core never imports gorilla/websocket directly.
package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Config tunes the adapter's read/write behavior.
type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendQueueSize  int
}

// DefaultConfig follows the teacher's own websocket session defaults.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1 << 20,
		SendQueueSize:  256,
	}
}

// Handler receives events from a WebSocket's read loop. The Coordinator
// implements this to wire transport events into the Registry.
type Handler interface {
	OnMessage(t *WebSocket, data []byte)
	OnPong(t *WebSocket)
	OnClose(t *WebSocket, code int, reason string)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocket adapts one gorilla *websocket.Conn to conn.Transport. All
// writes funnel through a single goroutine (writePump), matching
// gorilla's documented single-writer requirement.
type WebSocket struct {
	conn    *websocket.Conn
	cfg     Config
	handler Handler
	logger  *slog.Logger

	sendCh chan []byte
	closed atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// Upgrade upgrades an HTTP request to a WebSocket and returns the
// adapter wrapping it. Callers must call Serve to start its read/write
// pumps.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config, handler Handler, logger *slog.Logger) (*WebSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(cfg.MaxMessageSize)

	ws := &WebSocket{
		conn:    c,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		sendCh:  make(chan []byte, cfg.SendQueueSize),
		done:    make(chan struct{}),
	}
	c.SetPongHandler(func(string) error {
		ws.handler.OnPong(ws)
		return nil
	})
	return ws, nil
}

// Serve starts the read and write pumps and blocks until the connection
// closes. Callers typically invoke it in its own goroutine per
// connection, mirroring the teacher's Session.Start pattern.
func (w *WebSocket) Serve() {
	go w.writePump()
	w.readPump()
}

func (w *WebSocket) readPump() {
	defer w.teardown(websocket.CloseNormalClosure, "read loop ended")

	for {
		w.conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			w.teardown(code, reason)
			return
		}
		w.handler.OnMessage(w, data)
	}
}

func (w *WebSocket) writePump() {
	for {
		select {
		case data, ok := <-w.sendCh:
			if !ok {
				return
			}
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				w.logger.Warn("transport: write failed", "error", err)
				return
			}
		case <-w.done:
			return
		}
	}
}

// Write enqueues an application data frame for delivery. It never
// blocks on back-pressure: a full send queue is reported as a failure.
func (w *WebSocket) Write(data []byte) error {
	if w.closed.Load() {
		return errClosed
	}
	select {
	case w.sendCh <- data:
		return nil
	default:
		return errBackpressure
	}
}

// Writable reports whether the adapter would currently accept a Write.
func (w *WebSocket) Writable() bool {
	return !w.closed.Load() && len(w.sendCh) < cap(w.sendCh)
}

// Ping sends a native WebSocket ping control frame.
func (w *WebSocket) Ping() error {
	if w.closed.Load() {
		return errClosed
	}
	w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a close control frame and tears down the connection.
func (w *WebSocket) Close(code int, reason string) error {
	if w.closed.Load() {
		return nil
	}
	w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	w.teardown(code, reason)
	return nil
}

func (w *WebSocket) teardown(code int, reason string) {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
		w.conn.Close()
		w.handler.OnClose(w, code, reason)
	})
}

type transportError string

func (e transportError) Error() string { return string(e) }

const (
	errClosed       = transportError("transport: connection closed")
	errBackpressure = transportError("transport: send queue full")
)
