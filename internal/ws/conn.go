package ws

import (
	"errors"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/console-relay/backend/internal/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the peer to answer our close frame.
	defaultCloseGrace = 5 * time.Second

	defaultSendBuffer = 256

	// Maximum length of a close frame reason.
	maxCloseReason = 123
)

// ErrSendBufferFull is returned by Send when the peer cannot keep up. The
// connection is closed when this happens.
var ErrSendBufferFull = errors.New("send buffer full")

// Options tunes a Conn. Zero values select the defaults.
type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	CloseGrace     time.Duration
}

// Conn is the browser side of a proxy session. It owns one read pump and one
// write pump; writes are queued on a buffered channel so frames leave in the
// order they were sent.
type Conn struct {
	id   string
	conn *websocket.Conn
	opts Options

	send chan []byte

	mu          sync.Mutex
	closed      bool
	peerClosed  bool
	closeCode   int
	closeReason string

	onMessage func(data []byte)
	onClose   func()
	closeOnce sync.Once

	readDone chan struct{}
	done     chan struct{}
}

// NewConn wraps an upgraded connection. Call Start to begin pumping.
func NewConn(conn *websocket.Conn, id string, opts Options) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}
	return &Conn{
		id:        id,
		conn:      conn,
		opts:      opts,
		send:      make(chan []byte, opts.SendBuffer),
		closeCode: websocket.CloseNormalClosure,
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the session ID this connection belongs to.
func (c *Conn) ID() string {
	return c.id
}

// Start launches the pumps. onMessage is called for every inbound frame from
// the read goroutine, in order; onClose is called once when the connection
// has closed for any reason.
func (c *Conn) Start(onMessage func(data []byte), onClose func()) {
	c.onMessage = onMessage
	c.onClose = onClose
	go c.writePump()
	go c.readPump()
}

// Connected reports whether frames can still be queued.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send queues a text frame. The closed check and the enqueue happen under the
// same lock as Close, so a frame is either queued before the close frame or
// rejected with relay.ErrPeerClosed.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return relay.ErrPeerClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		log.Printf("Session %s: browser too slow, disconnecting", c.id)
		c.closeLocked(websocket.CloseTryAgainLater, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close closes the connection with a normal closure.
func (c *Conn) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith flushes queued frames, then sends a close frame carrying code
// and reason. Later calls are ignored.
func (c *Conn) CloseWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Conn) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = truncateReason(reason)
	close(c.send)
}

// Done is closed once both pumps have stopped and the socket is released.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// readPump pumps frames from the browser to onMessage.
func (c *Conn) readPump() {
	defer func() {
		c.mu.Lock()
		c.peerClosed = true
		c.closeLocked(websocket.CloseNormalClosure, "")
		c.mu.Unlock()
		close(c.readDone)
		c.closeOnce.Do(func() {
			if c.onClose != nil {
				c.onClose()
			}
		})
	}()

	if c.opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.opts.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Session %s: browser read error: %v", c.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			log.Printf("Session %s: ignoring non-text frame", c.id)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

// writePump pumps queued frames to the browser and finishes with a close
// frame once the send channel is closed.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		<-c.readDone
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.finishClose()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Session %s: browser write error: %v", c.id, err)
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				c.drain()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.CloseWith(websocket.CloseAbnormalClosure, "")
				c.drain()
				return
			}
		}
	}
}

// finishClose sends our close frame, unless the browser already closed, and
// waits a bounded time for the browser's reply.
func (c *Conn) finishClose() {
	c.mu.Lock()
	peerClosed := c.peerClosed
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	if peerClosed {
		return
	}

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))

	select {
	case <-c.readDone:
	case <-time.After(c.opts.CloseGrace):
		log.Printf("Session %s: browser did not answer close in %v", c.id, c.opts.CloseGrace)
	}
}

func (c *Conn) drain() {
	for range c.send {
	}
}

// truncateReason fits reason into a close frame without splitting a rune;
// peers reject close reasons that are not valid UTF-8.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
