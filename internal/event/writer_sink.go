package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blehost/internal/groutine"
)

// DefaultWriterSinkCapacity is the byte capacity of a WriterSink queue.
const DefaultWriterSinkCapacity = 64 * 1024

// WriterSink writes events as JSON lines to an io.Writer:
//
//	{"receiver":"SensorManager","event":"OnScanResult","payload":{"rssi":-40,...}}
//
// Send only appends the encoded line to a byte ring buffer; a flush goroutine
// copies the ring to the writer. A line that does not fit in the free space is
// dropped whole and counted, so output never contains a torn line.
type WriterSink struct {
	w      io.Writer
	buf    *ringbuffer.RingBuffer
	logger *logrus.Logger

	mu      sync.Mutex // serializes Free+Write so a line is queued whole
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closed  uint32
	dropped uint64
	written uint64
}

type writerLine struct {
	Receiver string          `json:"receiver"`
	Event    Name            `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

// NewWriterSink creates a WriterSink and starts its flush goroutine. The
// goroutine exits when ctx is done or Close is called.
func NewWriterSink(ctx context.Context, w io.Writer, capacity int, logger *logrus.Logger) *WriterSink {
	if capacity <= 0 {
		capacity = DefaultWriterSinkCapacity
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &WriterSink{
		w:      w,
		buf:    ringbuffer.New(capacity),
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	groutine.Go(ctx, logger, "event-writer-sink", func(ctx context.Context) {
		defer close(s.done)
		s.flushLoop(ctx)
	})

	return s
}

func (s *WriterSink) Send(receiver string, name Name, payload string) {
	if atomic.LoadUint32(&s.closed) == 1 {
		atomic.AddUint64(&s.dropped, 1)
		return
	}

	raw := json.RawMessage(payload)
	if !json.Valid(raw) {
		// Non-JSON payloads are carried as a JSON string.
		quoted, _ := json.Marshal(payload)
		raw = quoted
	}
	line, err := json.Marshal(writerLine{Receiver: receiver, Event: name, Payload: raw})
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode event line")
		atomic.AddUint64(&s.dropped, 1)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	if s.buf.Free() < len(line) {
		s.mu.Unlock()
		atomic.AddUint64(&s.dropped, 1)
		s.logger.WithFields(logrus.Fields{
			"event": name,
			"bytes": len(line),
		}).Warn("Event writer buffer full, dropping event")
		return
	}
	_, err = s.buf.Write(line)
	s.mu.Unlock()

	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		s.logger.WithError(err).Warn("Event writer buffer write failed")
		atomic.AddUint64(&s.dropped, 1)
		return
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *WriterSink) flushLoop(ctx context.Context) {
	chunk := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			s.drain(chunk)
			return
		case <-s.stop:
			s.drain(chunk)
			return
		case <-s.wake:
			s.drain(chunk)
		}
	}
}

// drain copies everything currently queued to the writer.
func (s *WriterSink) drain(chunk []byte) {
	for {
		n, err := s.buf.TryRead(chunk)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			s.logger.WithError(err).Warn("Event writer buffer read failed")
			return
		}
		if n == 0 {
			return
		}
		if _, err := s.w.Write(chunk[:n]); err != nil {
			s.logger.WithError(err).Warn("Event writer output failed")
			return
		}
		atomic.AddUint64(&s.written, uint64(n))
	}
}

// Close flushes queued events and stops the flush goroutine. Safe to call more than once.
func (s *WriterSink) Close() {
	if atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		close(s.stop)
	}
	<-s.done
}

// Dropped returns how many events were discarded because the queue was full or closed.
func (s *WriterSink) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Written returns how many bytes reached the writer.
func (s *WriterSink) Written() uint64 {
	return atomic.LoadUint64(&s.written)
}
