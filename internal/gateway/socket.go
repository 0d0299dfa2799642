package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var (
	ErrSocketClosed = errors.New("socket closed")
	ErrSlowConsumer = errors.New("socket send buffer full")
)

// Conn is the websocket connection a Socket drives.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Socket is one client connection. Sends are queued and written by a
// single writer goroutine, so they never block the caller.
type Socket struct {
	id     string
	userID string
	conn   Conn
	logger *zap.Logger

	writeTimeout time.Duration
	out          chan frame
	done         chan struct{}
	closeOnce    sync.Once
}

func newSocket(id, userID string, conn Conn, buffer int, writeTimeout time.Duration, logger *zap.Logger) *Socket {
	return &Socket{
		id:           id,
		userID:       userID,
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		out:          make(chan frame, buffer),
		done:         make(chan struct{}),
	}
}

func (s *Socket) ID() string {
	return s.id
}

func (s *Socket) UserID() string {
	return s.userID
}

func (s *Socket) SendText(ctx context.Context, data []byte) error {
	return s.enqueue(frame{typ: websocket.MessageText, data: data})
}

func (s *Socket) SendBinary(ctx context.Context, data []byte) error {
	return s.enqueue(frame{typ: websocket.MessageBinary, data: data})
}

// enqueue closes a socket whose buffer is full; the client reconnects and
// receives the full state again.
func (s *Socket) enqueue(f frame) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return ErrSocketClosed
	default:
		s.logger.Warn("closing slow socket", zap.String("socket_id", s.id))
		s.close(websocket.StatusTryAgainLater, "send buffer full")
		return ErrSlowConsumer
	}
}

func (s *Socket) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case f := <-s.out:
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := s.conn.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				s.logger.Debug("socket write failed", zap.String("socket_id", s.id), zap.Error(err))
				s.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Done is closed once the socket is closed.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// close marks the socket closed at once; the close handshake runs in the
// background because it may wait on the peer.
func (s *Socket) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		go func() { _ = s.conn.Close(code, reason) }()
	})
}
