package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const sinkTimeout = 5 * time.Second

// Logger implements AuditLogger by fanning each event out to its sinks.
// Writes run in background goroutines with a timeout so a slow sink never
// delays the request; Close waits for them.
type Logger struct {
	sinks       []Sink
	ipExtractor IPExtractor
	log         *slog.Logger
	now         func() time.Time

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewLogger returns a Logger writing to sinks. ipExtractor may be nil; then IP
// is recorded as "unknown".
func NewLogger(log *slog.Logger, ipExtractor IPExtractor, sinks ...Sink) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{sinks: sinks, ipExtractor: ipExtractor, log: log, now: time.Now}
}

// LogEvent stamps ev with time and client IP and hands it to every sink.
func (l *Logger) LogEvent(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.now().UTC()
	}
	if ev.IP == "" {
		ev.IP = "unknown"
		if l.ipExtractor != nil {
			if ip := l.ipExtractor(ctx); ip != "" {
				ev.IP = ip
			}
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	for _, s := range l.sinks {
		l.wg.Add(1)
		go func(s Sink) {
			defer l.wg.Done()
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
			defer cancel()
			if err := s.Write(writeCtx, ev); err != nil {
				l.log.Warn("audit: sink write failed", "sink", s.Name(), "action", string(ev.Action), "error", err)
			}
		}(s)
	}
}

// Close stops accepting events, waits for pending writes and closes every sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.wg.Wait()
	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
