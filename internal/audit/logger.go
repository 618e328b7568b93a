// ABOUTME: Asynchronous audit logger that fans records out to sinks
// ABOUTME: Never blocks the request path; drops and sink failures are counted

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcpgate/internal/metrics"
)

const (
	// DefaultQueueSize is the number of records buffered for the worker.
	DefaultQueueSize = 1024
	// DefaultWriteTimeout bounds a single sink write.
	DefaultWriteTimeout = 5 * time.Second
)

// Config configures a Logger.
type Config struct {
	Sinks        []Sink
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Logger is a Recorder that writes records to its sinks on a background
// worker.
type Logger struct {
	sinks        []Sink
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

// NewLogger creates a Logger and starts its worker. Call Close to flush.
func NewLogger(cfg Config) *Logger {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		sinks:        cfg.Sinks,
		writeTimeout: timeout,
		logger:       logger.With("component", "audit"),
		metrics:      cfg.Metrics,
		queue:        make(chan Record, size),
		done:         make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues r for writing. It drops r when the queue is full or the
// Logger is closed.
func (l *Logger) Record(r Record) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.drop(r, "closed")
		return
	}
	select {
	case l.queue <- r:
	default:
		l.drop(r, "queue full")
	}
}

func (l *Logger) drop(r Record, why string) {
	l.metrics.AuditDropped()
	l.logger.Warn("audit record dropped", "reason", why, "request_id", r.RequestID, "outcome", r.Outcome)
}

// Close stops accepting records and waits for queued ones to be written or
// for ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flushing audit log: %w", ctx.Err())
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for r := range l.queue {
		for _, sink := range l.sinks {
			l.write(sink, r)
		}
	}
}

func (l *Logger) write(sink Sink, r Record) {
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			l.metrics.AuditSinkFailed(sink.Name())
			l.logger.Error("audit sink panicked", "sink", sink.Name(), "request_id", r.RequestID, "panic", p)
		}
	}()

	if err := sink.Write(ctx, r); err != nil {
		l.metrics.AuditSinkFailed(sink.Name())
		l.logger.Warn("audit sink failed", "sink", sink.Name(), "request_id", r.RequestID, "error", err)
	}
}
