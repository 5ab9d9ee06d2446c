package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/louisbranch/ledger/internal/services/ledger/storage"
)

const defaultQueueSize = 64

// Writer persists snapshots on a background goroutine. Offer never blocks; a
// full queue drops the snapshot since the next one will supersede it anyway.
type Writer struct {
	store   storage.SnapshotStore
	queue   chan storage.Snapshot
	timeout time.Duration
	logf    func(string, ...any)

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	dropped int
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithQueueSize sets the number of pending snapshots held before dropping.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan storage.Snapshot, n)
		}
	}
}

// WithLogf sets the writer's log function.
func WithLogf(logf func(string, ...any)) WriterOption {
	return func(w *Writer) {
		if logf != nil {
			w.logf = logf
		}
	}
}

// WithSaveTimeout bounds each save.
func WithSaveTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// NewWriter starts a writer draining into store.
func NewWriter(store storage.SnapshotStore, opts ...WriterOption) *Writer {
	w := &Writer{
		store:   store,
		queue:   make(chan storage.Snapshot, defaultQueueSize),
		timeout: 5 * time.Second,
		logf:    func(string, ...any) {},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	go w.loop()
	return w
}

// ErrWriterClosed is returned by Offer after Close.
var ErrWriterClosed = errors.New("snapshot writer is closed")

// Offer enqueues snap. It reports false when the snapshot was dropped.
func (w *Writer) Offer(snap storage.Snapshot) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- snap:
		return true
	default:
		w.dropped++
		w.logf("snapshot queue full, dropping %s@%d", snap.Stream, snap.Revision)
		return false
	}
}

// Dropped returns the number of snapshots dropped so far.
func (w *Writer) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close stops accepting snapshots and waits for queued ones to be written
// or for ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for snap := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.store.SaveSnapshot(ctx, snap); err != nil {
			w.logf("save snapshot %s@%d: %v", snap.Stream, snap.Revision, err)
		}
		cancel()
	}
}
