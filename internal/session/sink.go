package session

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	// ErrSinkFull is returned by QueueSink.Send when the viewer is too slow.
	ErrSinkFull = errors.New("sink queue full")
	// ErrSinkClosed is returned by Send after Close.
	ErrSinkClosed = errors.New("sink closed")
)

// Sink accepts serialized FLV buffers for one viewer. Send must not block;
// an error is treated as a disconnect and the sink is removed. Sinks are
// compared by identity, so implementations should be pointers.
type Sink interface {
	Send(buf []byte) error
	Close() error
}

// QueueSink is a Sink backed by a bounded queue that a single writer
// goroutine drains with Pump.
type QueueSink struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewQueueSink creates a sink that holds up to size pending buffers.
func NewQueueSink(size int) *QueueSink {
	if size < 1 {
		size = 1
	}
	return &QueueSink{
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

// Send enqueues buf without blocking.
func (q *QueueSink) Send(buf []byte) error {
	select {
	case <-q.done:
		return ErrSinkClosed
	default:
	}

	select {
	case q.queue <- buf:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close marks the sink closed. Buffers already queued are still delivered
// by Pump.
func (q *QueueSink) Close() error {
	q.once.Do(func() {
		close(q.done)
	})
	return nil
}

// Done is closed once the sink has been closed.
func (q *QueueSink) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of buffers waiting to be written.
func (q *QueueSink) Len() int {
	return len(q.queue)
}

// Pump writes queued buffers to w until the sink is closed, ctx is done or
// a write fails. It flushes after every buffer when w supports it.
func (q *QueueSink) Pump(ctx context.Context, w io.Writer) error {
	flusher, _ := w.(interface{ Flush() })

	write := func(buf []byte) error {
		if _, err := w.Write(buf); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf := <-q.queue:
			if err := write(buf); err != nil {
				return err
			}
		case <-q.done:
			for {
				select {
				case buf := <-q.queue:
					if err := write(buf); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}
