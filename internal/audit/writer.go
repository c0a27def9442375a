// Package audit records every API request and its response as a LogRecord.
//
// Middleware builds the record while the request is served and hands it to
// a Writer, which persists records on a single background goroutine so the
// response never waits for the audit log. A full queue drops records and a
// failed write is only logged: auditing never breaks a request.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"client-file-vault/internal/metrics"
	"client-file-vault/internal/store"
)

// DefaultQueueSize is used when NewWriter is given a non-positive size.
const DefaultQueueSize = 1024

const writeTimeout = 5 * time.Second

// Sink persists audit records.
type Sink interface {
	CreateLog(ctx context.Context, l *store.LogRecord) error
}

// Writer is a bounded, asynchronous audit record writer.
type Writer struct {
	sink   Sink
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *store.LogRecord
	done   chan struct{}

	base  context.Context
	abort context.CancelFunc
}

// NewWriter starts a writer with room for size pending records.
func NewWriter(sink Sink, size int, logger *zap.Logger) *Writer {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, abort := context.WithCancel(context.Background())
	w := &Writer{
		sink:   sink,
		logger: logger,
		queue:  make(chan *store.LogRecord, size),
		done:   make(chan struct{}),
		base:   base,
		abort:  abort,
	}
	go w.run()
	return w
}

// Enqueue schedules rec for writing without blocking. It reports false when
// the record was dropped because the queue is full or the writer is closed.
func (w *Writer) Enqueue(rec *store.LogRecord) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		metrics.AuditRecords.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case w.queue <- rec:
		metrics.AuditQueueDepth.Inc()
		return true
	default:
		metrics.AuditRecords.WithLabelValues("dropped").Inc()
		w.logger.Warn("audit queue full, record dropped",
			zap.String("endpoint", rec.Endpoint), zap.Int("status", rec.StatusCode))
		return false
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.queue {
		metrics.AuditQueueDepth.Dec()
		w.write(rec)
	}
}

func (w *Writer) write(rec *store.LogRecord) {
	ctx, cancel := context.WithTimeout(w.base, writeTimeout)
	defer cancel()

	if err := w.sink.CreateLog(ctx, rec); err != nil {
		metrics.AuditRecords.WithLabelValues("failed").Inc()
		w.logger.Error("audit record not saved",
			zap.String("endpoint", rec.Endpoint),
			zap.String("method", rec.Method),
			zap.Int("status", rec.StatusCode),
			zap.Error(err))
		return
	}
	metrics.AuditRecords.WithLabelValues("written").Inc()
}

// Close stops accepting records and waits for the queue to drain. When ctx
// ends first, pending writes are cancelled and ctx's error is returned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		w.abort()
		return nil
	case <-ctx.Done():
		w.abort()
		w.logger.Warn("audit queue not drained before shutdown", zap.Int("pending", len(w.queue)))
		return ctx.Err()
	}
}
