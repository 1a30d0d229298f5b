package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWSServer creates a test WebSocket server running handler for every
// connection. The handshake request is published on the returned channel.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) (*httptest.Server, <-chan *http.Request) {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	requests := make(chan *http.Request, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		select {
		case requests <- r:
		default:
		}
		handler(conn)
	}))
	t.Cleanup(server.Close)

	return server, requests
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// echo replies to every frame and answers the close handshake.
func echo(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

type collector struct {
	mu       sync.Mutex
	messages []string
	notify   chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handle(data []byte) {
	c.mu.Lock()
	c.messages = append(c.messages, string(data))
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.messages) >= n {
			out := append([]string(nil), c.messages...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

func TestDial_SendAndReceiveInOrder(t *testing.T) {
	server, _ := mockWSServer(t, echo)
	got := newCollector()

	client, err := Dial(context.Background(), wsURL(server), got.handle, nil, Options{})
	require.NoError(t, err)
	defer client.Close()

	require.True(t, client.IsConnected())

	for _, msg := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, client.Send([]byte(msg)))
	}

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got.waitFor(t, 3))
}

func TestDial_PropagatesHeaders(t *testing.T) {
	server, requests := mockWSServer(t, echo)

	header := HandshakeHeader(http.Header{"Origin": {"https://console.example.com"}}, wsURL(server), "upstream-token")
	client, err := Dial(context.Background(), wsURL(server), nil, header, Options{})
	require.NoError(t, err)
	defer client.Close()

	select {
	case r := <-requests:
		assert.Equal(t, "https://console.example.com", r.Header.Get("Origin"))
		assert.Equal(t, "Bearer upstream-token", r.Header.Get("Authorization"))
	case <-time.After(time.Second):
		t.Fatal("handshake request not observed")
	}
}

func TestDial_RejectsNonWebSocketScheme(t *testing.T) {
	_, err := Dial(context.Background(), "https://example.com/api", nil, nil, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidScheme))
}

func TestDial_RefusedConnection(t *testing.T) {
	// Reserve a port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), "ws://"+addr+"/api", nil, nil, Options{HandshakeTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDial))
}

func TestDial_HandshakeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := Dial(context.Background(), wsURL(server), nil, nil, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDial))
	assert.Contains(t, err.Error(), "403")
}

func TestClose_WaitsForHandshake(t *testing.T) {
	server, _ := mockWSServer(t, echo)

	client, err := Dial(context.Background(), wsURL(server), nil, nil, Options{})
	require.NoError(t, err)

	done := client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close never completed")
	}

	assert.False(t, client.IsConnected())
	assert.NoError(t, client.Err())
	assert.ErrorIs(t, client.Send([]byte(`{}`)), ErrNotConnected)

	// Idempotent: the same completion channel is returned.
	select {
	case <-client.Close():
	default:
		t.Fatal("second Close should return the already closed channel")
	}
}

func TestClose_DeliversMessagesArrivingDuringClose(t *testing.T) {
	// The server sends one last frame after it sees the close request and only
	// then completes the handshake.
	server, _ := mockWSServer(t, func(conn *websocket.Conn) {
		conn.SetCloseHandler(func(code int, text string) error {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"last":true}`))
			return conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	got := newCollector()

	client, err := Dial(context.Background(), wsURL(server), got.handle, nil, Options{})
	require.NoError(t, err)

	<-client.Close()
	assert.Equal(t, []string{`{"last":true}`}, got.waitFor(t, 1))
}

func TestClose_ForcedAfterTimeout(t *testing.T) {
	// A server that never answers the close frame.
	server, _ := mockWSServer(t, func(conn *websocket.Conn) {
		conn.SetCloseHandler(func(int, string) error { return nil })
		time.Sleep(2 * time.Second)
	})

	client, err := Dial(context.Background(), wsURL(server), nil, nil, Options{CloseTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	<-client.Close()
	assert.Less(t, time.Since(start), time.Second)
}

func TestDone_PeerDisconnect(t *testing.T) {
	server, _ := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"bye":1}`))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
	})
	got := newCollector()

	client, err := Dial(context.Background(), wsURL(server), got.handle, nil, Options{})
	require.NoError(t, err)

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed after peer disconnect")
	}
	assert.Equal(t, []string{`{"bye":1}`}, got.waitFor(t, 1))
	assert.False(t, client.IsConnected())
}

// stalledPeer accepts the connection and never reads from it.
func stalledPeer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	server, _ := mockWSServer(t, func(conn *websocket.Conn) {
		<-release
	})
	t.Cleanup(func() { close(release) })
	return server
}

// fillUntilError sends large frames until a write fails.
func fillUntilError(t *testing.T, client *Client) error {
	t.Helper()
	frame := []byte(`{"pad":"` + strings.Repeat("x", 512<<10) + `"}`)
	for i := 0; i < 400; i++ {
		if err := client.Send(frame); err != nil {
			return err
		}
	}
	t.Fatal("writes to a peer that never reads kept succeeding")
	return nil
}

func TestSend_WriteFailureTearsDownTransport(t *testing.T) {
	server := stalledPeer(t)

	client, err := Dial(context.Background(), wsURL(server), nil, nil, Options{WriteTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer client.Close()

	sendErr := fillUntilError(t, client)
	assert.Contains(t, sendErr.Error(), "upstream write")

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed after a failed write")
	}
	require.Error(t, client.Err())
	assert.Contains(t, client.Err().Error(), "upstream write")
	assert.False(t, client.IsConnected())
	assert.ErrorIs(t, client.Send([]byte(`{}`)), ErrNotConnected)
}
