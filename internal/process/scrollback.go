package process

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/HyphaGroup/lattice/internal/logger"
	"github.com/HyphaGroup/lattice/internal/metrics"
)

const (
	// ScrollbackFlushInterval is how often buffered output is written to the sink
	ScrollbackFlushInterval = 500 * time.Millisecond

	// ScrollbackFinalFlushTimeout bounds the flush scheduled by Close
	ScrollbackFinalFlushTimeout = 2 * time.Second

	// ScrollbackLossWindow bounds how much output can be lost when a
	// scrollback is closed during teardown: up to one flush interval of
	// output, if the final flush does not finish within its timeout.
	ScrollbackLossWindow = ScrollbackFlushInterval + ScrollbackFinalFlushTimeout
)

// ScrollbackSink persists flushed output lines
type ScrollbackSink interface {
	AppendScrollback(ctx context.Context, processID string, lines []string) error
}

// Scrollback buffers a process's output and flushes it periodically.
// It implements io.Writer; partial lines are held until their newline.
type Scrollback struct {
	processID string
	sink      ScrollbackSink
	interval  time.Duration

	mu      sync.Mutex
	pending []string
	partial []byte
	closed  bool

	stop    chan struct{}
	stopped chan struct{}
}

// NewScrollback starts a flush loop for processID. A non-positive interval
// uses ScrollbackFlushInterval.
func NewScrollback(processID string, sink ScrollbackSink, interval time.Duration) *Scrollback {
	if interval <= 0 {
		interval = ScrollbackFlushInterval
	}
	s := &Scrollback{
		processID: processID,
		sink:      sink,
		interval:  interval,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Scrollback) ProcessID() string { return s.processID }

// WriteLine queues one line. Lines written after Close are dropped.
func (s *Scrollback) WriteLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, line)
}

func (s *Scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	data := append(s.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		s.pending = append(s.pending, string(bytes.TrimSuffix(data[:i], []byte("\r"))))
		data = data[i+1:]
	}
	s.partial = append([]byte(nil), data...)
	return len(p), nil
}

// Pending returns the number of lines not yet flushed
func (s *Scrollback) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scrollback) loop() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			_ = s.Flush(ctx)
			cancel()
		}
	}
}

// Flush writes pending lines to the sink. On failure the lines are put
// back so the next flush retries them.
func (s *Scrollback) Flush(ctx context.Context) error {
	s.mu.Lock()
	lines := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(lines) == 0 {
		return nil
	}
	if err := s.sink.AppendScrollback(ctx, s.processID, lines); err != nil {
		metrics.RecordScrollbackFlushFailure()
		logger.WithContext(ctx).Warn("scrollback flush failed",
			"process_id", s.processID,
			"lines", len(lines),
			"error", err)
		s.mu.Lock()
		s.pending = append(lines, s.pending...)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the flush loop and schedules a final flush without waiting
// for it. The returned channel receives the final flush result and can be
// ignored. Output still pending when the final flush times out is lost.
func (s *Scrollback) Close() <-chan error {
	done := make(chan error, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done <- nil
		close(done)
		return done
	}
	s.closed = true
	if len(s.partial) > 0 {
		s.pending = append(s.pending, string(s.partial))
		s.partial = nil
	}
	s.mu.Unlock()

	close(s.stop)
	go func() {
		defer close(done)
		<-s.stopped
		ctx, cancel := context.WithTimeout(context.Background(), ScrollbackFinalFlushTimeout)
		defer cancel()
		done <- s.Flush(ctx)
	}()
	return done
}
