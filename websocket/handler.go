package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	publishTimeout         = 10 * time.Second
	defaultMaxMessageBytes = 64 * 1024
)

// MessageSink receives everything a client sends. HandleClientMessage is
// called from the connection's read loop, one message at a time.
type MessageSink interface {
	ClientConnected(session *ClientSession)
	HandleClientMessage(ctx context.Context, session *ClientSession, payload []byte) error
}

type HandlerOptions struct {
	MaxMessageBytes int64
	SendQueueSize   int
	// MessageRate limits inbound messages per second per client. Zero disables it.
	MessageRate  float64
	MessageBurst int
	Clock        clockwork.Clock
}

type Handler struct {
	manager  *ClientManager
	sink     MessageSink
	opts     HandlerOptions
	upgrader websocket.Upgrader
}

func NewHandler(manager *ClientManager, sink MessageSink, opts HandlerOptions) *Handler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Handler{
		manager: manager,
		sink:    sink,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) newLimiter() *rate.Limiter {
	if h.opts.MessageRate <= 0 {
		return nil
	}
	burst := h.opts.MessageBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.opts.MessageRate), burst)
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger().Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(h.opts.MaxMessageBytes)

	session := NewClientSession(conn, h.opts.SendQueueSize, h.opts.Clock)
	clientID := h.manager.AddClient(session)
	h.sink.ClientConnected(session)
	logger().Info("Client connected", "client_id", clientID, "remote_addr", r.RemoteAddr, "clients", h.manager.Size())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetPongHandler(func(string) error { session.UpdateActivity(); return nil })
	go session.WritePump(ctx, func(err error) {
		logger().Warn("Write to client failed", "client_id", clientID, "error", err)
		h.manager.RemoveClient(clientID)
		_ = session.Close(websocket.CloseInternalServerErr, "write failed")
	})
	go session.StartPingSender(ctx)
	go session.StartActivityChecker(ctx, func() {
		logger().Info("Connection timeout", "client_id", clientID)
		h.manager.RemoveClient(clientID)
	})

	limiter := h.newLimiter()

	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger().Warn("Read error", "client_id", clientID, "error", err)
			} else {
				logger().Debug("Client closed connection", "client_id", clientID, "error", err)
			}
			break
		}

		session.UpdateActivity()

		if messageType != websocket.TextMessage {
			logger().Debug("Ignoring non-text frame", "client_id", clientID, "type", messageType)
			continue
		}

		if limiter != nil && !limiter.Allow() {
			logger().Warn("Client exceeded message rate", "client_id", clientID)
			_ = session.Close(websocket.ClosePolicyViolation, "rate limit exceeded")
			break
		}

		if !h.forward(ctx, session, msg) {
			break
		}
	}

	h.manager.RemoveClient(clientID)
	_ = session.Close(websocket.CloseNormalClosure, "")
	logger().Info("Client disconnected", "client_id", clientID, "clients", h.manager.Size())
}

// forward publishes one client message. A failure closes the client with a
// reason so it never mistakes an unsent message for a delivered one.
func (h *Handler) forward(ctx context.Context, session *ClientSession, msg []byte) bool {
	h.manager.IncreaseWaitGroup()
	defer h.manager.DecreaseWaitGroup()

	ctxTimeout, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := h.sink.HandleClientMessage(ctxTimeout, session, msg); err != nil {
		logger().Warn("Failed to publish message", "client_id", session.ID, "error", err)
		_ = session.Close(websocket.CloseTryAgainLater, "publish failed")
		return false
	}
	return true
}
