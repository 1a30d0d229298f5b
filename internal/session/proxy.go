package session

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/console-relay/backend/internal/buffer"
	"github.com/console-relay/backend/internal/config"
	"github.com/console-relay/backend/internal/inspect"
	"github.com/console-relay/backend/internal/logger"
	"github.com/console-relay/backend/internal/metrics"
	"github.com/console-relay/backend/internal/model"
	"github.com/console-relay/backend/internal/relay"
	"github.com/console-relay/backend/internal/upstream"
	"github.com/console-relay/backend/internal/watcher"
	"github.com/console-relay/backend/internal/ws"
)

// PendingQueueFull is the Code of the error frame sent to the browser when a
// frame arrives before the upstream link is ready and the queue is full.
const PendingQueueFull = "pending queue full"

// ReservedRequestID is the Code of the error frame sent when the browser
// uses a RequestId from the relay's own range.
const ReservedRequestID = "reserved request id"

const storeTimeout = 5 * time.Second

// Store persists session audit records.
type Store interface {
	Create(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context, userID string, limit int) ([]*model.Session, error)
	UpdateState(ctx context.Context, id string, state model.SessionState, reason string) error
	UpdateCounters(ctx context.Context, id string, up, down int64) error
}

// Proxy pairs one browser connection with one upstream connection.
//
// States move strictly forward: authenticating, connecting, relaying,
// closing, closed. Browser frames that arrive before relaying are queued and
// flushed upstream, in order, before any later frame.
type Proxy struct {
	id      string
	cfg     *config.Config
	store   Store
	browser *ws.Conn

	forward   relay.Forwarder
	inspector inspect.Inspector
	watcher   *watcher.Watcher
	poller    *watcher.Poller
	pending   *buffer.Queue
	limiter   *rate.Limiter

	// sendMu orders frames sent upstream on behalf of the browser. It is
	// taken before mu and held across the network write; mu never is.
	sendMu sync.Mutex

	mu          sync.Mutex
	state       model.SessionState
	closeReason string
	record      *model.Session
	upstream    *upstream.Client
	recorder    *logger.Recorder
	calls       map[uint64]chan relay.Message

	nextCall atomic.Uint64
	up       atomic.Int64
	down     atomic.Int64

	// owner is set by the Manager before the proxy is registered.
	owner string

	done     chan struct{}
	onClosed func(*Proxy)
}

func newProxy(id string, browser *ws.Conn, cfg *config.Config, store Store) *Proxy {
	p := &Proxy{
		id:        id,
		cfg:       cfg,
		store:     store,
		browser:   browser,
		forward:   relay.Wrap(browser, id),
		inspector: inspect.New(cfg.Upstream.Inspector),
		watcher:   watcher.New(),
		state:     model.SessionStateAuthenticating,
		calls:     make(map[uint64]chan relay.Message),
		done:      make(chan struct{}),
	}
	p.poller = watcher.NewPoller(p.watcher)
	if cfg.Relay.PendingLimit > 0 {
		p.pending = buffer.NewQueue(cfg.Relay.PendingLimit)
	}
	if cfg.Relay.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.Relay.RateLimit), cfg.Relay.RateBurst)
	}
	return p
}

// ID returns the session ID.
func (p *Proxy) ID() string {
	return p.id
}

// State returns the current lifecycle state.
func (p *Proxy) State() model.SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// UserID returns the authenticated user, or "" before authentication.
func (p *Proxy) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.record == nil {
		return ""
	}
	return p.record.UserID
}

// Done is closed once the session reaches the closed state.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// Poller returns the long-poll view of the session's change watcher.
func (p *Proxy) Poller() *watcher.Poller {
	return p.poller
}

// Snapshot returns a copy of the session record with live state and counters.
func (p *Proxy) Snapshot() *model.Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &model.Session{ID: p.id}
	if p.record != nil {
		*s = *p.record
	}
	s.State = p.state
	s.CloseReason = p.closeReason
	s.MessagesUp = p.up.Load()
	s.MessagesDown = p.down.Load()
	return s
}

// start begins reading browser frames. Frames are queued until the upstream
// link is ready.
func (p *Proxy) start() {
	metrics.SessionOpened()
	metrics.SessionTransition(string(model.SessionStateAuthenticating))
	p.browser.Start(p.onBrowserMessage, func() {
		go p.shutdown(websocket.CloseNormalClosure, "browser disconnected")
	})
}

// attach records who the session belongs to and where it connects. It
// reports false if the session was closed during authentication.
func (p *Proxy) attach(desc *model.SessionDescriptor, upstreamURL, origin string) bool {
	now := time.Now()
	record := &model.Session{
		ID:          p.id,
		UserID:      desc.UserID,
		UpstreamURL: upstreamURL,
		Origin:      origin,
		State:       model.SessionStateAuthenticating,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var recorder *logger.Recorder
	if dir := p.cfg.Storage.TranscriptDir; dir != "" {
		path := filepath.Join(dir, p.id+".jsonl")
		r, err := logger.NewRecorder(path)
		if err != nil {
			log.Printf("Session %s: transcript disabled: %v", p.id, err)
		} else if err := r.WriteHeader(p.id, desc.UserID, upstreamURL); err != nil {
			log.Printf("Session %s: transcript disabled: %v", p.id, err)
			r.Close()
		} else {
			record.TranscriptPath = path
			recorder = r
		}
	}

	p.mu.Lock()
	if p.state != model.SessionStateAuthenticating {
		p.mu.Unlock()
		if recorder != nil {
			recorder.Close()
		}
		return false
	}
	p.record = record
	p.recorder = recorder
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := p.store.Create(ctx, record); err != nil {
		log.Printf("Session %s: failed to record session: %v", p.id, err)
	}
	return true
}

// connect dials the upstream and, on success, flushes the queue and starts
// relaying. On failure the browser gets a single close frame explaining why.
func (p *Proxy) connect(ctx context.Context, desc *model.SessionDescriptor, browserHeader http.Header) error {
	upstreamURL := p.cfg.Upstream.URL
	if desc.UpstreamURL != "" {
		upstreamURL = desc.UpstreamURL
	}
	header := upstream.HandshakeHeader(browserHeader, upstreamURL, desc.UpstreamToken)

	if !p.attach(desc, upstreamURL, header.Get("Origin")) {
		return model.ErrSessionClosed
	}
	if !p.advance(model.SessionStateAuthenticating, model.SessionStateConnecting) {
		return model.ErrSessionClosed
	}

	client, err := upstream.Dial(ctx, upstreamURL, p.onUpstreamMessage, header, upstream.Options{
		HandshakeTimeout: p.cfg.Upstream.HandshakeTimeout,
		CloseTimeout:     p.cfg.Upstream.CloseTimeout,
		WriteTimeout:     p.cfg.Upstream.WriteTimeout,
		PingInterval:     p.cfg.Upstream.PingInterval,
		MaxMessageSize:   p.cfg.Relay.MaxMessageSize,
	})
	if err != nil {
		log.Printf("Session %s: upstream connection failed: %v", p.id, err)
		p.shutdown(websocket.CloseInternalServerErr, "upstream connection failed: "+err.Error())
		return err
	}

	// Browser frames wait on sendMu until the queue is flushed.
	p.sendMu.Lock()
	p.mu.Lock()
	if p.state != model.SessionStateConnecting {
		p.mu.Unlock()
		p.sendMu.Unlock()
		<-client.Close()
		return model.ErrSessionClosed
	}
	p.upstream = client
	recorder := p.recorder
	var queued [][]byte
	if p.pending != nil {
		queued = p.pending.Drain()
	}
	p.state = model.SessionStateRelaying
	p.mu.Unlock()

	for _, frame := range queued {
		p.sendUpstream(client, recorder, frame)
	}
	p.sendMu.Unlock()
	if len(queued) > 0 {
		log.Printf("Session %s: flushed %d queued frames", p.id, len(queued))
	}

	p.persistState(model.SessionStateRelaying, "")
	log.Printf("Session %s: relaying to %s", p.id, upstreamURL)

	go p.watchUpstream(client)
	return nil
}

// advance moves from one state to the next, failing if something else
// (normally a close) got there first.
func (p *Proxy) advance(from, to model.SessionState) bool {
	p.mu.Lock()
	if p.state != from {
		p.mu.Unlock()
		return false
	}
	p.state = to
	p.mu.Unlock()

	p.persistState(to, "")
	return true
}

func (p *Proxy) persistState(state model.SessionState, reason string) {
	metrics.SessionTransition(string(state))

	p.mu.Lock()
	recorded := p.record != nil
	p.mu.Unlock()
	if !recorded {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := p.store.UpdateState(ctx, p.id, state, reason); err != nil {
		log.Printf("Session %s: failed to record state %s: %v", p.id, state, err)
	}
}

func (p *Proxy) watchUpstream(client *upstream.Client) {
	<-client.Done()
	if err := client.Err(); err != nil {
		p.shutdown(websocket.CloseInternalServerErr, "upstream connection lost: "+err.Error())
		return
	}
	p.shutdown(websocket.CloseGoingAway, "upstream closed the connection")
}

// onBrowserMessage runs on the browser read goroutine, one frame at a time.
func (p *Proxy) onBrowserMessage(data []byte) {
	if p.limiter != nil && !p.limiter.Allow() {
		log.Printf("Session %s: rate limit exceeded, dropping browser frame", p.id)
		metrics.FrameRejected("rate_limited")
		return
	}

	msg, err := relay.Decode(data)
	if err != nil {
		log.Printf("Session %s: dropping browser frame: %v", p.id, err)
		metrics.FrameRejected("malformed")
		return
	}
	if id, ok := msg.RequestID(); ok && inspect.IsProxyRequest(id) {
		log.Printf("Session %s: dropping browser frame with reserved RequestId %d", p.id, id)
		metrics.FrameRejected("reserved_request_id")
		p.sendError(fmt.Sprintf("RequestId %d is reserved", id), ReservedRequestID)
		return
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	state := p.state
	client := p.upstream
	recorder := p.recorder
	queueFull := false
	if state == model.SessionStateAuthenticating || state == model.SessionStateConnecting {
		queueFull = p.pending == nil || p.pending.Push(data) != nil
	}
	p.mu.Unlock()

	switch state {
	case model.SessionStateAuthenticating, model.SessionStateConnecting:
		if queueFull {
			log.Printf("Session %s: pending queue full, rejecting %s", p.id, relay.Describe(msg))
			metrics.FrameRejected("pending_full")
			p.sendError("session is not connected yet and its queue is full", PendingQueueFull)
		}
	case model.SessionStateRelaying:
		p.sendUpstream(client, recorder, data)
	default:
		log.Printf("Session %s: session %s, discarding browser frame %s", p.id, state, relay.Describe(msg))
		metrics.MessageDiscarded(string(relay.DiscardDisconnected))
	}
}

// sendUpstream forwards the browser's original bytes. p.sendMu must be held.
// A failed write tears the upstream link down, which closes the session.
func (p *Proxy) sendUpstream(client *upstream.Client, recorder *logger.Recorder, data []byte) {
	if recorder != nil {
		recorder.RecordIn(data)
	}
	if err := client.Send(data); err != nil {
		log.Printf("Session %s: upstream write failed: %v", p.id, err)
		metrics.MessageDiscarded(string(relay.DiscardDisconnected))
		return
	}
	p.up.Add(1)
	metrics.MessageRelayed(metrics.Upstream)
}

// sendError writes a relay-originated error frame to the browser.
func (p *Proxy) sendError(message, code string) {
	data, err := relay.Encode(relay.Message{"Error": message, "Code": code})
	if err != nil {
		return
	}
	if err := p.browser.Send(data); err != nil {
		log.Printf("Session %s: failed to send error frame: %v", p.id, err)
	}
}

// onUpstreamMessage runs on the upstream read goroutine, one frame at a time.
func (p *Proxy) onUpstreamMessage(data []byte) {
	msg, err := relay.Decode(data)
	if err != nil {
		log.Printf("Session %s: dropping upstream frame: %v", p.id, err)
		metrics.FrameRejected("malformed_upstream")
		return
	}

	p.mu.Lock()
	recorder := p.recorder
	p.mu.Unlock()
	if recorder != nil {
		recorder.RecordOut(data)
	}

	result := p.inspector.Inspect(msg)
	if result.ProxyReply {
		p.deliverReply(result.RequestID, msg)
		return
	}

	for _, delta := range result.Deltas {
		if err := p.watcher.Put(delta); err != nil {
			break
		}
		metrics.WatcherChange()
	}

	if p.forward(msg) {
		p.down.Add(1)
	}
}

func (p *Proxy) deliverReply(id uint64, msg relay.Message) {
	p.mu.Lock()
	ch, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()

	if !ok {
		log.Printf("Session %s: no caller waiting for RequestId %d", p.id, id)
		return
	}
	ch <- msg
}

// Call sends request upstream with a RequestId from the relay's reserved
// range and waits for the matching response. The response is not forwarded
// to the browser.
func (p *Proxy) Call(ctx context.Context, request relay.Message) (relay.Message, error) {
	id := inspect.ProxyRequestBase + p.nextCall.Add(1)
	ch := make(chan relay.Message, 1)

	outbound := make(relay.Message, len(request)+1)
	for k, v := range request {
		outbound[k] = v
	}
	outbound["RequestId"] = id
	data, err := relay.Encode(outbound)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	p.mu.Lock()
	if p.state != model.SessionStateRelaying {
		p.mu.Unlock()
		return nil, model.ErrSessionClosed
	}
	p.calls[id] = ch
	client := p.upstream
	p.mu.Unlock()

	if err := client.Send(data); err != nil {
		p.forgetCall(id)
		return nil, err
	}

	select {
	case response, ok := <-ch:
		if !ok {
			return nil, model.ErrSessionClosed
		}
		return response, nil
	case <-ctx.Done():
		p.forgetCall(id)
		return nil, ctx.Err()
	}
}

func (p *Proxy) forgetCall(id uint64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// Close closes the session with a normal closure and waits until it is closed.
func (p *Proxy) Close(reason string) {
	p.shutdown(websocket.CloseNormalClosure, reason)
	<-p.done
}

// shutdown runs the closing state: the remaining live side is closed and
// waited for, the watcher gets its closing record, and the record is
// finalised. Only the first call does anything.
func (p *Proxy) shutdown(code int, reason string) {
	p.mu.Lock()
	if p.state == model.SessionStateClosing || p.state == model.SessionStateClosed {
		p.mu.Unlock()
		return
	}
	p.state = model.SessionStateClosing
	p.closeReason = reason
	client := p.upstream
	calls := p.calls
	p.calls = nil
	var dropped [][]byte
	if p.pending != nil {
		dropped = p.pending.Drain()
	}
	p.mu.Unlock()

	p.persistState(model.SessionStateClosing, reason)
	log.Printf("Session %s: closing: %s", p.id, reason)

	if len(dropped) > 0 {
		log.Printf("Session %s: discarding %d queued frames", p.id, len(dropped))
		for range dropped {
			metrics.MessageDiscarded(string(relay.DiscardDisconnected))
		}
	}
	for _, ch := range calls {
		close(ch)
	}

	closeTimeout := p.cfg.Upstream.CloseTimeout
	p.browser.CloseWith(code, reason)
	if client != nil {
		select {
		case <-client.Close():
		case <-time.After(2 * closeTimeout):
			log.Printf("Session %s: upstream close did not complete", p.id)
		}
	}
	select {
	case <-p.browser.Done():
	case <-time.After(2 * closeTimeout):
		log.Printf("Session %s: browser close did not complete", p.id)
	}

	p.watcher.Close(map[string]any{"closed": true, "reason": reason})

	p.mu.Lock()
	p.state = model.SessionStateClosed
	recorder := p.recorder
	recorded := p.record != nil
	p.mu.Unlock()

	if recorder != nil {
		recorder.Close()
	}
	if recorded {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := p.store.UpdateCounters(ctx, p.id, p.up.Load(), p.down.Load()); err != nil {
			log.Printf("Session %s: failed to record counters: %v", p.id, err)
		}
		cancel()
	}
	p.persistState(model.SessionStateClosed, "")

	metrics.SessionClosed()
	log.Printf("Session %s: closed (%d up, %d down)", p.id, p.up.Load(), p.down.Load())
	if p.onClosed != nil {
		p.onClosed(p)
	}
	close(p.done)
}
