// Package ingest connects publisher transports to stream sessions. Each
// transport only has to deliver chunks of raw FLV bytes; framing is the
// session's concern.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/net/websocket"

	"flvrelay/internal/session"
	"flvrelay/internal/streammanager"
)

// DefaultReadSize is the buffer used when reading an HTTP request body
const DefaultReadSize = 32 * 1024

// ChunkReader delivers the next chunk of publisher bytes. It returns io.EOF
// once the publisher has disconnected cleanly.
type ChunkReader interface {
	ReadChunk() ([]byte, error)
}

// Server runs publisher flows against the stream registry
type Server struct {
	streamManager   *streammanager.Manager
	logger          *slog.Logger
	maxPayloadBytes int
}

// New creates an ingest server. maxPayloadBytes bounds a single WebSocket
// message.
func New(streamManager *streammanager.Manager, logger *slog.Logger, maxPayloadBytes int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		streamManager:   streamManager,
		logger:          logger.With("component", "ingest"),
		maxPayloadBytes: maxPayloadBytes,
	}
}

// Publish claims the stream name and feeds every chunk from src into its
// session until src is exhausted or ctx is done. A fatal parse error tears
// the stream down, disconnecting all of its viewers.
func (s *Server) Publish(ctx context.Context, name string, src ChunkReader) error {
	sess, publisherID, err := s.streamManager.Publish(name)
	if err != nil {
		return err
	}
	defer sess.EndPublish()

	logger := s.logger.With("stream", name, "publisher", publisherID)
	logger.Info("publisher connected")

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("publisher cancelled", "err", err)
			return err
		}

		chunk, readErr := src.ReadChunk()
		if len(chunk) > 0 {
			if err := sess.Ingest(chunk); err != nil {
				if errors.Is(err, session.ErrSessionClosed) {
					logger.Info("stream stopped while publishing")
					return err
				}
				logger.Error("fatal ingest error", "err", err)
				if terr := s.streamManager.TeardownSession(sess, err); terr != nil {
					logger.Warn("teardown", "err", terr)
				}
				return err
			}
		}

		if errors.Is(readErr, io.EOF) {
			logger.Info("publisher disconnected")
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read from publisher: %w", readErr)
		}
	}
}

// ServeWebSocket upgrades the request and publishes every WebSocket message
// as a chunk of the named stream.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request, name string) {
	ws := websocket.Server{
		// no Handshake: publishers are not browsers, so Origin is not checked
		Handler: func(conn *websocket.Conn) {
			conn.MaxPayloadBytes = s.maxPayloadBytes
			conn.PayloadType = websocket.BinaryFrame

			ctx, cancel := context.WithCancel(r.Context())
			defer cancel()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()

			if err := s.Publish(ctx, name, &wsChunkReader{conn: conn}); err != nil {
				s.logger.Warn("websocket publish ended", "stream", name, "remote", r.RemoteAddr, "err", err)
			}
		},
	}
	ws.ServeHTTP(w, r)
}

// ServeBody publishes a streamed request body, e.g. a chunked POST.
func (s *Server) ServeBody(ctx context.Context, name string, body io.Reader) error {
	return s.Publish(ctx, name, NewReaderChunkReader(body, DefaultReadSize))
}

type wsChunkReader struct {
	conn *websocket.Conn
}

func (r *wsChunkReader) ReadChunk() ([]byte, error) {
	var msg []byte
	if err := websocket.Message.Receive(r.conn, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ReaderChunkReader adapts an io.Reader. The returned chunk is reused by the
// next call.
type ReaderChunkReader struct {
	r   io.Reader
	buf []byte
}

// NewReaderChunkReader reads at most size bytes per chunk from r
func NewReaderChunkReader(r io.Reader, size int) *ReaderChunkReader {
	if size <= 0 {
		size = DefaultReadSize
	}
	return &ReaderChunkReader{r: r, buf: make([]byte, size)}
}

// ReadChunk implements ChunkReader
func (r *ReaderChunkReader) ReadChunk() ([]byte, error) {
	n, err := r.r.Read(r.buf)
	return r.buf[:n], err
}
