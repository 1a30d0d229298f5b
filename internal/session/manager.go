// Package session runs proxy sessions: each one pairs a browser connection
// with an upstream connection, relays between them and mirrors upstream
// watcher deltas into a per-session change watcher.
package session

import (
	"context"
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/console-relay/backend/internal/auth"
	"github.com/console-relay/backend/internal/config"
	"github.com/console-relay/backend/internal/deploy"
	"github.com/console-relay/backend/internal/model"
	"github.com/console-relay/backend/internal/watcher"
	"github.com/console-relay/backend/internal/ws"
)

// Manager owns every live proxy session.
type Manager struct {
	cfg      *config.Config
	auth     auth.Authenticator
	store    Store
	deployer deploy.Deployer

	// ctx is cancelled by Shutdown and aborts in-flight upstream dials.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	proxies map[string]*Proxy
}

// NewManager creates a new session manager.
func NewManager(cfg *config.Config, authenticator auth.Authenticator, store Store, deployer deploy.Deployer) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		auth:     authenticator,
		store:    store,
		deployer: deployer,
		ctx:      ctx,
		cancel:   cancel,
		proxies:  make(map[string]*Proxy),
	}
}

// Serve runs a new session on an upgraded browser connection: it
// authenticates credential, dials the upstream and starts relaying. It
// returns once the session is relaying or has failed; in both cases the
// returned Proxy is non-nil and owns the connection.
func (m *Manager) Serve(ctx context.Context, raw *websocket.Conn, credential string, browserHeader http.Header) (*Proxy, error) {
	id := uuid.NewString()
	browser := ws.NewConn(raw, id, ws.Options{
		SendBuffer:     m.cfg.Relay.SendBuffer,
		MaxMessageSize: m.cfg.Relay.MaxMessageSize,
		CloseGrace:     m.cfg.Upstream.CloseTimeout,
	})
	p := newProxy(id, browser, m.cfg, m.store)
	p.onClosed = m.remove
	p.start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	desc, err := m.auth.Authenticate(ctx, credential)
	if err != nil {
		log.Printf("Session %s: authentication failed: %v", id, err)
		p.shutdown(websocket.ClosePolicyViolation, "authentication failed: "+err.Error())
		return p, err
	}

	if !m.register(p, desc.UserID) {
		log.Printf("Session %s: user %s has too many sessions", id, desc.UserID)
		p.shutdown(websocket.CloseTryAgainLater, model.ErrConcurrencyLimit.Error())
		return p, model.ErrConcurrencyLimit
	}

	if err := p.connect(ctx, desc, browserHeader); err != nil {
		return p, err
	}
	return p, nil
}

// register adds p to the registry unless it already closed or its user is
// at the session cap.
func (m *Manager) register(p *Proxy, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A proxy already closing removes itself; adding it now would leak it.
	if state := p.State(); state == model.SessionStateClosing || state == model.SessionStateClosed {
		return true
	}

	if limit := m.cfg.Relay.MaxSessionsPerUser; limit > 0 {
		count := 0
		for _, other := range m.proxies {
			if other.owner == userID {
				count++
			}
		}
		if count >= limit {
			return false
		}
	}

	p.owner = userID
	m.proxies[p.id] = p
	return true
}

func (m *Manager) remove(p *Proxy) {
	m.mu.Lock()
	delete(m.proxies, p.id)
	m.mu.Unlock()
}

// Get returns the live proxy for id.
func (m *Manager) Get(id string) (*Proxy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.proxies[id]
	return p, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.proxies)
}

// live returns the live proxy for id if it belongs to userID.
func (m *Manager) live(id, userID string) (*Proxy, error) {
	p, ok := m.Get(id)
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	if p.owner != userID {
		return nil, model.ErrForbidden
	}
	return p, nil
}

// Session returns the record for id: the live snapshot when the session is
// running, the stored record otherwise.
func (m *Manager) Session(ctx context.Context, id, userID string) (*model.Session, error) {
	if p, ok := m.Get(id); ok {
		if p.owner != userID {
			return nil, model.ErrForbidden
		}
		return p.Snapshot(), nil
	}

	s, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, model.ErrForbidden
	}
	return s, nil
}

// List returns the user's sessions, newest first. Live sessions are reported
// with their current state and counters.
func (m *Manager) List(ctx context.Context, userID string, limit int) ([]*model.Session, error) {
	stored, err := m.store.List(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(stored))
	for i, s := range stored {
		seen[s.ID] = true
		if p, ok := m.Get(s.ID); ok {
			stored[i] = p.Snapshot()
		}
	}

	// A live session whose record failed to persist is still reported.
	var unrecorded []*Proxy
	m.mu.RLock()
	for id, p := range m.proxies {
		if !seen[id] && p.owner == userID {
			unrecorded = append(unrecorded, p)
		}
	}
	m.mu.RUnlock()
	for _, p := range unrecorded {
		stored = append(stored, p.Snapshot())
	}

	sort.SliceStable(stored, func(i, j int) bool {
		return stored[i].CreatedAt.After(stored[j].CreatedAt)
	})
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	return stored, nil
}

// Close closes a live session and waits for it to finish.
func (m *Manager) Close(id, userID, reason string) error {
	p, err := m.live(id, userID)
	if err != nil {
		return err
	}
	p.Close(reason)
	return nil
}

// Changes long-polls the session's change watcher for listener.
func (m *Manager) Changes(ctx context.Context, id, userID, listener string) ([]watcher.Change, error) {
	if listener == "" {
		return nil, model.ErrListenerRequired
	}
	p, err := m.live(id, userID)
	if err != nil {
		return nil, err
	}
	return p.Poller().Poll(ctx, listener)
}

// Deploy submits spec through the session's upstream link.
func (m *Manager) Deploy(ctx context.Context, id, userID string, spec []byte) (*deploy.Result, error) {
	p, err := m.live(id, userID)
	if err != nil {
		return nil, err
	}
	if p.State() != model.SessionStateRelaying {
		return nil, model.ErrSessionClosed
	}
	return m.deployer.Deploy(ctx, spec, p)
}

// Transcript returns the transcript path of a session the user owns.
func (m *Manager) Transcript(ctx context.Context, id, userID string) (string, error) {
	s, err := m.Session(ctx, id, userID)
	if err != nil {
		return "", err
	}
	if s.TranscriptPath == "" {
		return "", model.ErrSessionNotFound
	}
	return s.TranscriptPath, nil
}

// Shutdown aborts pending dials and closes every live session in parallel.
// It returns ctx's error if sessions are still closing when ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.mu.RLock()
	proxies := make([]*Proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		proxies = append(proxies, p)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range proxies {
		g.Go(func() error {
			go p.shutdown(websocket.CloseGoingAway, "server shutting down")
			select {
			case <-p.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("Closed %d sessions", len(proxies))
	return nil
}
