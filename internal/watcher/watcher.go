// Package watcher provides an in-memory, append-only change log that fans out
// batches of changes to independently paced listeners.
//
// Each listener is identified by a string and tracks its own position in the
// log. A call to Next returns a future (a buffered channel receiving exactly
// one batch) that resolves immediately when the listener is behind, or when
// the next change is put otherwise. Closing the watcher replaces the log with
// a single closing change that every subsequent Next receives.
package watcher

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrAlreadyWaiting is returned when a listener calls Next while a previous
	// call for the same listener is still unresolved.
	ErrAlreadyWaiting = errors.New("listener is already waiting for changes")

	// ErrAlreadyClosed is returned when Close is called on a closed watcher.
	ErrAlreadyClosed = errors.New("watcher is already closed")

	// ErrClosedWatcher is returned when Put is called on a closed watcher.
	ErrClosedWatcher = errors.New("cannot put changes into a closed watcher")

	// ErrEmptyWatcher is returned by Last when no change has been put yet.
	ErrEmptyWatcher = errors.New("watcher has no changes")
)

// Change is an opaque, immutable record stored in the log.
type Change = any

// Watcher is the change log. The zero value is not usable; use New.
type Watcher struct {
	mu        sync.Mutex
	closed    bool
	changes   []Change
	positions map[string]int
	pending   map[string]chan []Change
}

// New creates an empty, open watcher.
func New() *Watcher {
	return &Watcher{
		positions: make(map[string]int),
		pending:   make(map[string]chan []Change),
	}
}

// Next returns a future for the batch of changes the listener has not seen yet.
//
// The returned channel receives exactly one batch and is never closed. If the
// listener is caught up the batch is delivered by the next Put or Close.
func (w *Watcher) Next(listener string) (<-chan []Change, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	future := make(chan []Change, 1)

	if w.closed {
		future <- []Change{w.changes[0]}
		return future, nil
	}

	if _, waiting := w.pending[listener]; waiting {
		return nil, ErrAlreadyWaiting
	}

	position := w.positions[listener]
	if position < len(w.changes) {
		batch := make([]Change, len(w.changes)-position)
		copy(batch, w.changes[position:])
		w.positions[listener] = len(w.changes)
		future <- batch
		return future, nil
	}

	w.pending[listener] = future
	return future, nil
}

// Wait blocks until the listener's next batch is available or ctx is done.
//
// When ctx ends first the listener stays registered as waiting, and its batch
// is delivered to the abandoned future. Callers that need to resume a wait
// across calls should use a Poller.
func (w *Watcher) Wait(ctx context.Context, listener string) ([]Change, error) {
	future, err := w.Next(listener)
	if err != nil {
		return nil, err
	}

	select {
	case batch := <-future:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put appends a change and wakes every waiting listener with it.
func (w *Watcher) Put(change Change) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosedWatcher
	}

	w.changes = append(w.changes, change)
	length := len(w.changes)

	for listener, future := range w.pending {
		future <- []Change{change}
		w.positions[listener] = length
		delete(w.pending, listener)
	}

	return nil
}

// Last returns the most recently put change, or the closing change once the
// watcher is closed.
func (w *Watcher) Last() (Change, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.changes) == 0 {
		return nil, ErrEmptyWatcher
	}
	return w.changes[len(w.changes)-1], nil
}

// Close replaces the log with the closing change, wakes every waiting listener
// with it and permanently closes the watcher.
func (w *Watcher) Close(change Change) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrAlreadyClosed
	}

	w.closed = true
	w.changes = []Change{change}

	for _, future := range w.pending {
		future <- []Change{change}
	}
	w.pending = make(map[string]chan []Change)
	w.positions = make(map[string]int)

	return nil
}

// IsEmpty reports whether the log holds no change. A watcher closed with a
// change is not empty.
func (w *Watcher) IsEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.changes) == 0
}

// IsClosed reports whether Close has been called.
func (w *Watcher) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Waiting returns the number of listeners currently blocked on a future.
func (w *Watcher) Waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
