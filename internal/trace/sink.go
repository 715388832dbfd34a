package trace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives finished traces. Record must not block the caller for
// long; slow sinks belong behind an AsyncSink.
type Sink interface {
	Record(s Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

// Record calls f.
func (f SinkFunc) Record(s Snapshot) { f(s) }

// Multi fans a trace out to several sinks in order.
type Multi []Sink

// Record forwards s to every sink.
func (m Multi) Record(s Snapshot) {
	for _, sink := range m {
		if sink != nil {
			sink.Record(s)
		}
	}
}

// Discard drops every trace.
var Discard Sink = SinkFunc(func(Snapshot) {})

// ═══════════════════════════════════════════════════════════════════════════════
// ASYNC
// ═══════════════════════════════════════════════════════════════════════════════

// AsyncSink hands traces to a background goroutine through a bounded
// buffer. When the buffer is full the trace is dropped; Record never blocks.
type AsyncSink struct {
	next    Sink
	ch      chan Snapshot
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink starts the delivery goroutine. Call Close to stop it.
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer < 1 {
		buffer = 1
	}
	a := &AsyncSink{
		next: next,
		ch:   make(chan Snapshot, buffer),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for s := range a.ch {
		a.next.Record(s)
	}
}

// Record enqueues s or drops it.
func (a *AsyncSink) Record(s Snapshot) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- s:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many traces were discarded.
func (a *AsyncSink) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains the buffer and stops the goroutine.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOG
// ═══════════════════════════════════════════════════════════════════════════════

// LogSink writes a one-line summary per trace and, at debug level, one line
// per event.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record logs s.
func (l *LogSink) Record(s Snapshot) {
	l.logger.Info().
		Str("trace_id", s.ID).
		Str("route", s.Route).
		Str("decided_by", s.DecidedBy).
		Bool("degraded", s.Degraded).
		Int64("duration_ms", s.DurationMs).
		Int("events", len(s.Events)).
		Msg("query traced")

	if l.logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	for _, e := range s.Events {
		ev := l.logger.Debug().
			Str("trace_id", s.ID).
			Str("stage", string(e.Stage)).
			Dur("duration", e.Duration)
		if e.Confidence > 0 {
			ev = ev.Float64("confidence", e.Confidence)
		}
		if e.Err != "" {
			ev = ev.Str("error", e.Err)
		}
		ev.Msg(e.Name)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// STORE
// ═══════════════════════════════════════════════════════════════════════════════

// Writer persists traces.
type Writer interface {
	SaveTrace(ctx context.Context, s Snapshot) error
}

// StoreSink persists traces through a Writer with its own timeout.
type StoreSink struct {
	w       Writer
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStoreSink creates a persisting sink.
func NewStoreSink(w Writer, timeout time.Duration, logger zerolog.Logger) *StoreSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StoreSink{w: w, timeout: timeout, logger: logger}
}

// Record saves s. Failures are logged, never returned.
func (s *StoreSink) Record(snap Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.w.SaveTrace(ctx, snap); err != nil {
		s.logger.Warn().Err(err).Str("trace_id", snap.ID).Msg("failed to persist trace")
	}
}
