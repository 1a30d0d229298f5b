// Package upstream implements the outbound WebSocket connection from the relay
// to the orchestration API.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidScheme is returned by Dial when the URL is not ws or wss.
	ErrInvalidScheme = errors.New("upstream url must use ws or wss")

	// ErrDial wraps every connection-establishment failure.
	ErrDial = errors.New("upstream dial failed")

	// ErrNotConnected is returned by Send once the transport is gone.
	ErrNotConnected = errors.New("upstream not connected")
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCloseTimeout     = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// Options tunes a client. Zero values select the defaults.
type Options struct {
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables keepalive pings when positive.
	PingInterval   time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// MessageHandler receives every inbound frame, in order, on the client's
// read goroutine.
type MessageHandler func(data []byte)

// Client is one live connection to the upstream API.
type Client struct {
	url       string
	conn      *websocket.Conn
	opts      Options
	onMessage MessageHandler

	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	err       error

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// Dial connects to rawURL and starts delivering inbound frames to onMessage.
//
// header is merged into the handshake request. Certificate verification is
// disabled; trust decisions belong to the deployment. Failures are wrapped
// with ErrDial and never retried here.
func Dial(ctx context.Context, rawURL string, onMessage MessageHandler, header http.Header, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}

	opts = opts.withDefaults()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %v (status %d)", ErrDial, rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDial, rawURL, err)
	}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}

	c := &Client{
		url:       rawURL,
		conn:      conn,
		opts:      opts,
		onMessage: onMessage,
		connected: true,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	go c.readLoop()
	if opts.PingInterval > 0 {
		go c.pingLoop()
	}

	return c, nil
}

// URL returns the URL the client is connected to.
func (c *Client) URL() string {
	return c.url
}

// Send writes one text frame. A failed write leaves the stream in an
// unknown state, so the transport is torn down and Done fires with the error.
func (c *Client) Send(data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		err = fmt.Errorf("upstream write: %w", err)
		c.fail(err)
		return err
	}
	return nil
}

// fail records err as the termination cause and closes the transport; the
// read loop then ends and closes done.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.connected = false
	if c.err == nil && !c.isClosing() {
		c.err = err
	}
	c.mu.Unlock()
	c.conn.Close()
}

// IsConnected reports whether the transport is still up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close starts the close handshake and returns a channel that is closed once
// the transport has actually terminated, either because the peer echoed the
// close frame or because the close timeout expired. Calling Close again
// returns the same channel.
//
// Frames that arrive after Close but before termination are still delivered.
func (c *Client) Close() <-chan struct{} {
	c.closeOnce.Do(func() {
		close(c.closing)

		c.writeMu.Lock()
		err := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout),
		)
		c.writeMu.Unlock()

		if err != nil {
			// Transport already unusable; nothing to wait for.
			c.conn.Close()
			return
		}

		go func() {
			select {
			case <-c.done:
			case <-time.After(c.opts.CloseTimeout):
				log.Printf("Upstream %s did not finish close handshake in %v, forcing", c.url, c.opts.CloseTimeout)
				c.conn.Close()
			}
		}()
	})
	return c.done
}

// Done is closed when the transport terminates for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the transport terminated. It is nil while connected and
// after a normal close handshake.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) readLoop() {
	defer func() {
		c.conn.Close()
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.connected = false
			if c.err == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosing() {
				c.err = err
			}
			c.mu.Unlock()
			return
		}

		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.closing:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("Upstream %s ping failed: %v", c.url, err)
				c.fail(fmt.Errorf("upstream ping: %w", err))
				return
			}
		}
	}
}

func (c *Client) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}
