package relay

import (
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	frames    [][]byte
}

func newFakePeer() *fakePeer {
	return &fakePeer{connected: true}
}

func (p *fakePeer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.frames = append(p.frames, data)
	return nil
}

func (p *fakePeer) disconnect() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}

func (p *fakePeer) sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

func TestWrap_DeliversWhileConnected(t *testing.T) {
	peer := newFakePeer()
	forward := Wrap(peer, "test")

	assert.True(t, forward(Message{"RequestId": 1, "Response": "ok"}))
	assert.True(t, forward(Message{"RequestId": 2}))

	frames := peer.sent()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"RequestId":1,"Response":"ok"}`, string(frames[0]))
	assert.JSONEq(t, `{"RequestId":2}`, string(frames[1]))
}

func TestWrap_DisconnectedPeerDiscards(t *testing.T) {
	peer := newFakePeer()
	forward := Wrap(peer, "test")
	peer.disconnect()

	assert.False(t, forward(Message{"RequestId": 1}))
	assert.Empty(t, peer.sent())
}

func TestWrap_LostCloseRaceDiscards(t *testing.T) {
	peer := newFakePeer()
	peer.sendErr = ErrPeerClosed
	forward := Wrap(peer, "test")

	assert.False(t, forward(Message{"RequestId": 7}))
}

func TestWrap_WriteFailureDiscards(t *testing.T) {
	peer := newFakePeer()
	peer.sendErr = errors.New("broken pipe")
	forward := Wrap(peer, "test")

	assert.False(t, forward(Message{"RequestId": 7}))
}

func TestWrap_UnencodableDiscards(t *testing.T) {
	peer := newFakePeer()
	forward := Wrap(peer, "test")

	assert.False(t, forward(Message{"bad": make(chan int)}))
	assert.Empty(t, peer.sent())
}

func TestWrap_DoesNotKeepPeerAlive(t *testing.T) {
	forward := func() Forwarder {
		peer := newFakePeer()
		return Wrap(peer, "test")
	}()

	// The forwarder is the only thing left that mentions the peer.
	for i := 0; i < 3; i++ {
		runtime.GC()
	}

	assert.False(t, forward(Message{"RequestId": 3}))
}
