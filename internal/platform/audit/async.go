package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBufferSize = 10_000
	writeTimeout      = 5 * time.Second
)

// Reasons passed to OnDrop.
const (
	DropBufferFull = "buffer_full"
	DropClosed     = "closed"
)

// AsyncSink buffers events and hands them to the wrapped sink on a single
// worker goroutine. Emit never blocks: when the buffer is full, or the sink
// has been shut down, the event is dropped and OnDrop is invoked.
type AsyncSink struct {
	next    Sink
	logger  zerolog.Logger
	entries chan Event
	done    chan struct{}

	// mu guards closed. Emit holds the read lock while sending so Shutdown
	// cannot close entries underneath it.
	mu     sync.RWMutex
	closed bool

	// OnDrop, when set, is called for every dropped event.
	OnDrop func(ev Event, reason string)
}

func NewAsyncSink(next Sink, bufferSize int, logger zerolog.Logger) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	s := &AsyncSink{
		next:    next,
		logger:  logger,
		entries: make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *AsyncSink) Emit(_ context.Context, ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(ev, DropClosed)
		return nil
	}
	select {
	case s.entries <- ev:
	default:
		s.drop(ev, DropBufferFull)
	}
	return nil
}

func (s *AsyncSink) drop(ev Event, reason string) {
	s.logger.Warn().
		Str("action", ev.Action).
		Str("resource_id", ev.ResourceID.String()).
		Str("reason", reason).
		Msg("dropping audit event")
	if s.OnDrop != nil {
		s.OnDrop(ev, reason)
	}
}

// Shutdown stops accepting events and waits for the buffer to drain or ctx
// to expire.
func (s *AsyncSink) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.entries)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn().Msg("audit shutdown timed out; some events may be lost")
	}
}

func (s *AsyncSink) worker() {
	defer close(s.done)
	for ev := range s.entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.next.Emit(ctx, ev); err != nil {
			s.logger.Error().Err(err).Str("action", ev.Action).Msg("failed to deliver audit event")
		}
		cancel()
	}
}
