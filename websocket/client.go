package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	pingInterval          = 30 * time.Second
	activityTimeout       = 60 * time.Second
	activityCheckInterval = 10 * time.Second
	writeWait             = 5 * time.Second
	defaultSendQueue      = 16
)

var (
	ErrSessionClosed = errors.New("client session is closed")
	ErrSendQueueFull = errors.New("client send queue is full")
)

// ClientSendError reports a broadcast recipient that could not accept a payload.
type ClientSendError struct {
	ClientID uuid.UUID
	Err      error
}

func (e *ClientSendError) Error() string {
	return fmt.Sprintf("send to client %s: %v", e.ClientID, e.Err)
}

func (e *ClientSendError) Unwrap() error { return e.Err }

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type SessionState int32

const (
	Open SessionState = iota
	Closing
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type ClientSession struct {
	ID uuid.UUID

	conn  Conn
	clock clockwork.Clock
	send  chan []byte
	done  chan struct{}

	state        atomic.Int32
	lastActivity atomic.Int64 // UnixNano timestamp

	mu        sync.Mutex // serializes writes on conn
	closeOnce sync.Once
}

func NewClientSession(conn Conn, queueSize int, clock clockwork.Clock) *ClientSession {
	if queueSize < 1 {
		queueSize = defaultSendQueue
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &ClientSession{
		ID:    uuid.New(),
		conn:  conn,
		clock: clock,
		send:  make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	s.lastActivity.Store(clock.Now().UnixNano())
	return s
}

func (s *ClientSession) State() SessionState {
	return SessionState(s.state.Load())
}

// Enqueue hands payload to the session's writer without blocking.
func (s *ClientSession) Enqueue(payload []byte) error {
	if s.State() != Open {
		return ErrSessionClosed
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// WritePump writes queued payloads as text frames until the session closes,
// ctx ends, or a write fails. A failed write is passed to onError.
func (s *ClientSession) WritePump(ctx context.Context, onError func(error)) {
	for {
		select {
		case payload := <-s.send:
			if err := s.write(websocket.TextMessage, payload); err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *ClientSession) write(messageType int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, payload)
}

func (s *ClientSession) UpdateActivity() {
	s.lastActivity.Store(s.clock.Now().UnixNano())
}

func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *ClientSession) StartPingSender(ctx context.Context) {
	ticker := s.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.mu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.mu.Unlock()
			if err != nil {
				logger().Debug("Ping failed", "client_id", s.ID, "error", err)
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *ClientSession) StartActivityChecker(ctx context.Context, onTimeout func()) {
	ticker := s.clock.NewTicker(activityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if s.clock.Since(s.LastActivityTime()) > activityTimeout {
				_ = s.Close(websocket.CloseGoingAway, "inactivity timeout")
				onTimeout()
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close sends a close frame with code and text, then closes the socket.
// Only the first call has any effect.
func (s *ClientSession) Close(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closing))

		s.mu.Lock()
		writeErr := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(writeWait),
		)
		s.mu.Unlock()
		if writeErr != nil {
			logger().Debug("Error sending close message", "client_id", s.ID, "error", writeErr)
		}

		err = s.conn.Close()
		s.state.Store(int32(Closed))
		close(s.done)
	})
	return err
}
