package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wailbentafat/ws-stomp-bridge/broker"
	"github.com/wailbentafat/ws-stomp-bridge/logging"
	"github.com/wailbentafat/ws-stomp-bridge/metrics"
	"github.com/wailbentafat/ws-stomp-bridge/presence"
	"github.com/wailbentafat/ws-stomp-bridge/websocket"
)

// ErrBrokerClosed is returned by Run when the broker ends the subscription.
var ErrBrokerClosed = errors.New("broker subscription closed")

const presenceQueueSize = 256

type Options struct {
	Topic       string
	ContentType string
	// Transform is applied to client payloads before publishing. Nil disables it.
	Transform Transform
}

type presenceEvent struct {
	clientID string
	online   bool
}

// Bridge connects the broker topic and the WebSocket clients. Broker frames
// are broadcast to every client; client frames are published to the topic.
type Bridge struct {
	broker   broker.MessageBroker
	manager  *websocket.ClientManager
	tracker  presence.Tracker
	metrics  *metrics.BridgeMetrics
	opts     Options
	messages <-chan broker.Message

	cancelSub context.CancelFunc
	closing   atomic.Bool
	once      sync.Once

	presenceMu      sync.RWMutex
	presenceStopped bool
	presenceCh      chan presenceEvent
	presenceDone    chan struct{}
}

func logger() *slog.Logger {
	return logging.Component("bridge")
}

func New(mb broker.MessageBroker, manager *websocket.ClientManager, tracker presence.Tracker, m *metrics.BridgeMetrics, opts Options) *Bridge {
	if tracker == nil {
		tracker = presence.Noop{}
	}

	b := &Bridge{
		broker:       mb,
		manager:      manager,
		tracker:      tracker,
		metrics:      m,
		opts:         opts,
		presenceCh:   make(chan presenceEvent, presenceQueueSize),
		presenceDone: make(chan struct{}),
	}
	manager.OnRemove(b.clientRemoved)
	go b.runPresence()

	return b
}

// Start connects to the broker and subscribes to the topic. The caller must
// not accept WebSocket connections until Start has returned nil.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.broker.Connect(ctx); err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	messages, err := b.broker.Subscribe(subCtx, b.opts.Topic)
	if err != nil {
		cancel()
		if closeErr := b.broker.Close(); closeErr != nil {
			logger().Warn("Broker close after failed subscribe", "error", closeErr)
		}
		return err
	}

	b.messages = messages
	b.cancelSub = cancel
	logger().Info("Bridge started", "topic", b.opts.Topic)
	return nil
}

// Run broadcasts broker frames to clients, one at a time and in broker order,
// until ctx is cancelled or the subscription ends.
func (b *Bridge) Run(ctx context.Context) error {
	if b.messages == nil {
		return errors.New("bridge not started")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-b.messages:
			if !ok {
				if b.closing.Load() || ctx.Err() != nil {
					return nil
				}
				logger().Error("Broker subscription ended", "topic", b.opts.Topic)
				return ErrBrokerClosed
			}
			b.deliver(msg)
		}
	}
}

func (b *Bridge) deliver(msg broker.Message) {
	b.metrics.BrokerMessagesReceived.Inc()

	result := b.manager.Broadcast(msg.Body)

	b.metrics.BroadcastDeliveries.Add(float64(result.Delivered))
	b.metrics.BroadcastSendFailures.Add(float64(result.Failed))
	logger().Debug("Broadcast broker message", "bytes", len(msg.Body), "delivered", result.Delivered, "failed", result.Failed)
}

// HandleClientMessage publishes one client payload. Errors are returned to the
// caller so only that client sees them.
func (b *Bridge) HandleClientMessage(ctx context.Context, session *websocket.ClientSession, payload []byte) error {
	b.metrics.ClientMessagesReceived.Inc()

	body := payload
	if b.opts.Transform != nil {
		body = b.opts.Transform(payload)
	}

	err := b.broker.Publish(ctx, b.opts.Topic, broker.Message{
		ContentType: b.opts.ContentType,
		Body:        body,
	})
	if err != nil {
		b.metrics.PublishFailures.Inc()
		return fmt.Errorf("client %s: %w", session.ID, err)
	}

	b.metrics.MessagesPublished.Inc()
	return nil
}

func (b *Bridge) ClientConnected(session *websocket.ClientSession) {
	b.metrics.ActiveConnections.Set(float64(b.manager.Size()))
	b.queuePresence(presenceEvent{clientID: session.ID.String(), online: true})
}

func (b *Bridge) clientRemoved(session *websocket.ClientSession) {
	b.metrics.ActiveConnections.Set(float64(b.manager.Size()))
	b.queuePresence(presenceEvent{clientID: session.ID.String(), online: false})
}

func (b *Bridge) queuePresence(ev presenceEvent) {
	b.presenceMu.RLock()
	defer b.presenceMu.RUnlock()

	if b.presenceStopped {
		return
	}
	select {
	case b.presenceCh <- ev:
	default:
		logger().Warn("Presence queue full, dropping update", "client_id", ev.clientID, "online", ev.online)
	}
}

// runPresence applies presence updates in order, off the connection and
// broadcast paths.
func (b *Bridge) runPresence() {
	defer close(b.presenceDone)

	for ev := range b.presenceCh {
		var err error
		if ev.online {
			err = b.tracker.AddOnlineClient(context.Background(), ev.clientID)
		} else {
			err = b.tracker.RemoveOnlineClient(context.Background(), ev.clientID)
		}
		if err != nil {
			logger().Warn("Presence update failed", "client_id", ev.clientID, "online", ev.online, "error", err)
		}
	}
}

// BrokerState reports the state of the broker link for health checks.
func (b *Bridge) BrokerState() broker.State {
	return b.broker.State()
}

// Shutdown stops the subscription and disconnects the broker, then closes
// every client, then waits up to ctx for in-flight client messages. Only the first call has any effect.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.once.Do(func() {
		b.closing.Store(true)

		// The subscription must stop before DISCONNECT, or unread frames hold
		// up the receipt.
		if b.cancelSub != nil {
			b.cancelSub()
		}
		logger().Info("Closing message broker...")
		if err := b.broker.Close(); err != nil {
			logger().Warn("Broker closure error", "error", err)
		}

		logger().Info("Closing WebSocket connections...", "clients", b.manager.Size())
		b.manager.CloseAllConnections("Server shutting down")

		done := make(chan struct{})
		go func() {
			b.manager.WaitForCompletion()
			close(done)
		}()

		select {
		case <-done:
			logger().Info("All client operations completed")
		case <-ctx.Done():
			logger().Warn("Shutdown grace period exceeded, abandoning in-flight messages")
		}

		b.stopPresence(ctx)
		if err := b.tracker.Close(); err != nil {
			logger().Warn("Presence store close error", "error", err)
		}
	})
}

func (b *Bridge) stopPresence(ctx context.Context) {
	b.presenceMu.Lock()
	if !b.presenceStopped {
		b.presenceStopped = true
		close(b.presenceCh)
	}
	b.presenceMu.Unlock()

	select {
	case <-b.presenceDone:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}
