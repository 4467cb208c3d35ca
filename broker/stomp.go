package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3"

	"github.com/wailbentafat/ws-stomp-bridge/logging"
)

const (
	initialBackoff    = 500 * time.Millisecond
	maxBackoff        = 10 * time.Second
	disconnectTimeout = 5 * time.Second
)

// Options configures a StompBroker.
type Options struct {
	Addr     string
	Login    string
	Passcode string
	// VHost is sent as the STOMP host header. Empty means the host part of Addr.
	VHost       string
	ContentType string

	ConnectTimeout  time.Duration
	ConnectAttempts int
	HeartBeat       time.Duration

	// OnDrop is called for every inbound frame dropped as malformed.
	OnDrop func(err error)
}

// StompBroker implements MessageBroker over a single STOMP connection.
// All outbound frames go through one mutex so they are never interleaved.
type StompBroker struct {
	opts   Options
	dialer net.Dialer

	state atomic.Int32

	mu      sync.Mutex
	conn    *stomp.Conn
	netConn net.Conn
	sub     *stomp.Subscription
	stopSub chan struct{}
}

// NewStompBroker creates a disconnected broker. Call Connect before use.
func NewStompBroker(opts Options) *StompBroker {
	if opts.ConnectAttempts < 1 {
		opts.ConnectAttempts = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &StompBroker{opts: opts}
}

func logger() *slog.Logger {
	return logging.Component("broker")
}

func (b *StompBroker) State() State {
	return State(b.state.Load())
}

func (b *StompBroker) setState(s State) {
	b.state.Store(int32(s))
}

// Connect dials the broker and performs the STOMP handshake. With more than
// one configured attempt, failures are retried with exponential backoff.
func (b *StompBroker) Connect(ctx context.Context) error {
	if b.State() == Connected {
		return nil
	}
	if !b.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) &&
		!b.state.CompareAndSwap(int32(Failed), int32(Connecting)) {
		return &ConnectError{Addr: b.opts.Addr, Err: errors.New("connect already in progress")}
	}

	var (
		conn    *stomp.Conn
		netConn net.Conn
	)
	operation := func() error {
		c, nc, err := b.dialOnce(ctx)
		if err != nil {
			return err
		}
		conn, netConn = c, nc
		return nil
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			uint64(b.opts.ConnectAttempts-1),
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		logger().Warn("Retrying broker connect", "addr", b.opts.Addr, "error", err, "next_attempt_in", d)
	})
	if err != nil {
		b.setState(Failed)
		return &ConnectError{Addr: b.opts.Addr, Err: err}
	}

	b.mu.Lock()
	b.conn = conn
	b.netConn = netConn
	b.sub = nil
	b.stopSub = nil
	b.mu.Unlock()
	b.setState(Connected)

	logger().Info("Connected to broker", "addr", b.opts.Addr)
	return nil
}

func (b *StompBroker) dialOnce(ctx context.Context) (*stomp.Conn, net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()

	netConn, err := b.dialer.DialContext(dialCtx, "tcp", b.opts.Addr)
	if err != nil {
		return nil, nil, err
	}

	// Bound the handshake by the same deadline as the dial.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	conn, err := stomp.Connect(netConn, b.connOptions()...)
	if err != nil {
		_ = netConn.Close()
		return nil, nil, fmt.Errorf("stomp handshake: %w", err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return conn, netConn, nil
}

func (b *StompBroker) connOptions() []func(*stomp.Conn) error {
	host := b.opts.VHost
	if host == "" {
		if h, _, err := net.SplitHostPort(b.opts.Addr); err == nil {
			host = h
		}
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(b.opts.HeartBeat, b.opts.HeartBeat),
		stomp.ConnOpt.DisconnectReceiptTimeout(disconnectTimeout),
	}
	if host != "" {
		opts = append(opts, stomp.ConnOpt.Host(host))
	}
	if b.opts.Login != "" || b.opts.Passcode != "" {
		opts = append(opts, stomp.ConnOpt.Login(b.opts.Login, b.opts.Passcode))
	}
	return opts
}

// Publish sends message as a single SEND frame. It fails immediately when the
// connection is not Connected and never queues or retries.
func (b *StompBroker) Publish(ctx context.Context, topic string, message Message) error {
	if b.State() != Connected {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}

	contentType := message.ContentType
	if contentType == "" {
		contentType = b.opts.ContentType
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.State() != Connected {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}
	if err := b.conn.Send(topic, contentType, message.Body); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Subscribe registers the connection's only subscription. The returned channel
// yields frames in broker order and is closed when the subscription ends.
func (b *StompBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	b.mu.Lock()
	if b.conn == nil || b.State() != Connected {
		b.mu.Unlock()
		return nil, &SubscribeError{Topic: topic, Err: ErrNotConnected}
	}
	if b.sub != nil {
		b.mu.Unlock()
		return nil, &SubscribeError{Topic: topic, Err: ErrAlreadySubscribed}
	}

	sub, err := b.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		b.mu.Unlock()
		return nil, &SubscribeError{Topic: topic, Err: err}
	}
	stop := make(chan struct{})
	b.sub = sub
	b.stopSub = stop
	conn := b.conn
	b.mu.Unlock()

	logger().Info("Subscribed to topic", "topic", topic)

	messages := make(chan Message)
	go b.forward(ctx, stop, conn, sub, messages)

	return messages, nil
}

// forward hands frames to out until the subscription ends. Once ctx is done
// or the broker is closing, the rest of the subscription is drained instead.
func (b *StompBroker) forward(ctx context.Context, stop <-chan struct{}, conn *stomp.Conn, sub *stomp.Subscription, out chan<- Message) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			go b.drain(conn, sub)
			return
		case <-stop:
			go b.drain(conn, sub)
			return
		case msg, ok := <-sub.C:
			if !ok {
				b.markDisconnected(conn)
				return
			}

			message, err := decode(msg)
			if err != nil {
				logger().Warn("Dropping broker frame", "topic", sub.Destination(), "error", err)
				if b.opts.OnDrop != nil {
					b.opts.OnDrop(err)
				}
				continue
			}

			select {
			case out <- message:
			case <-ctx.Done():
				go b.drain(conn, sub)
				return
			case <-stop:
				go b.drain(conn, sub)
				return
			}
		}
	}
}

// drain keeps the subscription read after its consumer has gone. An unread
// subscription blocks the connection's frame loop, DISCONNECT included.
func (b *StompBroker) drain(conn *stomp.Conn, sub *stomp.Subscription) {
	for range sub.C {
	}
	b.markDisconnected(conn)
}

func decode(msg *stomp.Message) (Message, error) {
	if msg.Err != nil {
		return Message{}, &MalformedFrameError{Reason: "error frame", Err: msg.Err}
	}
	if !utf8.Valid(msg.Body) {
		return Message{}, &MalformedFrameError{Reason: "body is not valid UTF-8"}
	}
	return Message{
		Destination: msg.Destination,
		ContentType: msg.ContentType,
		Body:        msg.Body,
	}, nil
}

// markDisconnected handles a broker-initiated close. The connection is not
// re-established.
func (b *StompBroker) markDisconnected(conn *stomp.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != conn {
		return
	}
	b.conn = nil
	b.netConn = nil
	b.sub = nil
	b.stopSub = nil
	b.setState(Disconnected)
	logger().Warn("Broker closed the connection", "addr", b.opts.Addr)
}

// Close disconnects from the broker. It is safe to call more than once and
// returns within disconnectTimeout even if the broker stops responding.
func (b *StompBroker) Close() error {
	b.mu.Lock()
	conn, netConn, stop := b.conn, b.netConn, b.stopSub
	b.conn = nil
	b.netConn = nil
	b.sub = nil
	b.stopSub = nil
	b.setState(Disconnected)
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	if stop != nil {
		close(stop)
	}

	// Bounds the DISCONNECT write as well as the receipt wait.
	_ = netConn.SetDeadline(time.Now().Add(disconnectTimeout))
	if err := conn.Disconnect(); err != nil {
		_ = netConn.Close()
		return fmt.Errorf("disconnect from broker: %w", err)
	}

	logger().Info("Disconnected from broker", "addr", b.opts.Addr)
	return nil
}
