package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueSink_SendNeverBlocks(t *testing.T) {
	q := NewQueueSink(2)
	require.NoError(t, q.Send([]byte("a")))
	require.NoError(t, q.Send([]byte("b")))
	assert.ErrorIs(t, q.Send([]byte("c")), ErrSinkFull)
	assert.Equal(t, 2, q.Len())

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Send([]byte("d")), ErrSinkClosed)
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestQueueSink_PumpDrainsAfterClose(t *testing.T) {
	q := NewQueueSink(4)
	require.NoError(t, q.Send([]byte("FLV")))
	require.NoError(t, q.Send([]byte("tag")))
	require.NoError(t, q.Close())

	var w flushRecorder
	require.NoError(t, q.Pump(context.Background(), &w))
	assert.Equal(t, "FLVtag", w.String())
	assert.Equal(t, 2, w.flushes)
}

func TestQueueSink_PumpStopsOnCancel(t *testing.T) {
	q := NewQueueSink(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- q.Pump(ctx, &bytes.Buffer{})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after cancel")
	}
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestQueueSink_PumpReturnsWriteError(t *testing.T) {
	q := NewQueueSink(1)
	require.NoError(t, q.Send([]byte("x")))

	err := q.Pump(context.Background(), errWriter{})
	assert.EqualError(t, err, "connection reset")
}

func TestQueueSink_PumpDeliversLive(t *testing.T) {
	q := NewQueueSink(8)
	var w flushRecorder
	done := make(chan error, 1)
	go func() {
		done <- q.Pump(context.Background(), &w)
	}()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, q.Send([]byte(s)))
	}
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after close")
	}
	assert.Equal(t, "abc", w.String())
}
