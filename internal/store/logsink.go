package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telescope-ops/donutsbridge/internal/guide"
)

// LogSink appends correction records to the guide log without ever blocking
// the guiding thread. Records go through a bounded in-memory queue drained
// by a single writer goroutine; when the queue is full the oldest record is
// shed. Database failures are logged and dropped.
type LogSink struct {
	store    *Store
	capacity int

	mu       sync.Mutex
	notEmpty *sync.Cond
	records  []*guide.Record

	totalEnqueued atomic.Int64
	totalWritten  atomic.Int64
	dropped       atomic.Int64
	writeErrors   atomic.Int64

	closed atomic.Bool
	done   chan struct{}
}

// NewLogSink builds a sink over st and starts its writer goroutine.
func NewLogSink(st *Store, capacity int) *LogSink {
	if capacity <= 0 {
		capacity = 1000
	}
	s := &LogSink{
		store:    st,
		capacity: capacity,
		done:     make(chan struct{}),
	}
	s.notEmpty = sync.NewCond(&s.mu)
	go s.writeLoop()
	return s
}

// Append enqueues a record. Never blocks; returns false if the record was
// dropped because the sink is closed.
func (s *LogSink) Append(rec *guide.Record) bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) >= s.capacity {
		// Shed the oldest so recent decisions survive a stalled database.
		s.records = s.records[1:]
		s.dropped.Add(1)
	}
	s.records = append(s.records, rec)
	s.totalEnqueued.Add(1)
	s.notEmpty.Signal()
	return true
}

func (s *LogSink) writeLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.records) == 0 && !s.closed.Load() {
			s.notEmpty.Wait()
		}
		if len(s.records) == 0 {
			s.mu.Unlock()
			return
		}
		rec := s.records[0]
		s.records = s.records[1:]
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.store.insertLog(ctx, rec)
		cancel()
		if err != nil {
			s.writeErrors.Add(1)
			slog.Warn("guide_log_write_failed", "error", err, "target", rec.TargetPath)
			continue
		}
		s.totalWritten.Add(1)
	}
}

// Close stops accepting records and waits for the queue to drain, up to the
// given timeout.
func (s *LogSink) Close(timeout time.Duration) {
	s.closed.Store(true)
	s.mu.Lock()
	s.notEmpty.Broadcast()
	s.mu.Unlock()
	select {
	case <-s.done:
	case <-time.After(timeout):
	}
}

// Stats reports sink counters for diagnostics.
func (s *LogSink) Stats() (enqueued, written, dropped, writeErrors int64) {
	return s.totalEnqueued.Load(), s.totalWritten.Load(), s.dropped.Load(), s.writeErrors.Load()
}
