package watcher

import (
	"context"
	"sync"
)

// Poller adapts a Watcher to long-poll style callers, such as HTTP requests,
// that may give up on a wait and come back later.
//
// An unresolved future is kept per listener and reused by the next Poll, so a
// timed out request neither trips ErrAlreadyWaiting on retry nor loses the
// batch that resolves in between. Two concurrent polls for the same listener
// still fail with ErrAlreadyWaiting.
type Poller struct {
	watcher *Watcher

	mu      sync.Mutex
	futures map[string]<-chan []Change
	active  map[string]bool
}

// NewPoller creates a Poller over w.
func NewPoller(w *Watcher) *Poller {
	return &Poller{
		watcher: w,
		futures: make(map[string]<-chan []Change),
		active:  make(map[string]bool),
	}
}

// Poll waits for the listener's next batch until ctx is done.
func (p *Poller) Poll(ctx context.Context, listener string) ([]Change, error) {
	p.mu.Lock()
	if p.active[listener] {
		p.mu.Unlock()
		return nil, ErrAlreadyWaiting
	}

	future, ok := p.futures[listener]
	if !ok {
		var err error
		future, err = p.watcher.Next(listener)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.futures[listener] = future
	}
	p.active[listener] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.active, listener)
		p.mu.Unlock()
	}()

	select {
	case batch := <-future:
		p.mu.Lock()
		delete(p.futures, listener)
		p.mu.Unlock()
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outstanding returns the number of listeners holding an unresolved future.
func (p *Poller) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.futures)
}
