package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/ws-stomp-bridge/broker"
	"github.com/wailbentafat/ws-stomp-bridge/metrics"
	"github.com/wailbentafat/ws-stomp-bridge/websocket"
)

const testTopic = "/topic/SampleTopic"

// eventLog records the order of close calls across fakes.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeBroker struct {
	mu           sync.Mutex
	log          *eventLog
	state        broker.State
	connectErr   error
	subscribeErr error
	publishErr   error
	published    []broker.Message
	subscribed   []string
	closeCalls   int
	messages     chan broker.Message

	subCtx              context.Context
	subCancelledAtClose bool
}

func newFakeBroker(log *eventLog) *fakeBroker {
	return &fakeBroker{log: log, messages: make(chan broker.Message)}
}

func (f *fakeBroker) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		f.state = broker.Failed
		return &broker.ConnectError{Addr: "fake:61613", Err: f.connectErr}
	}
	f.state = broker.Connected
	return nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, topic string) (<-chan broker.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, &broker.SubscribeError{Topic: topic, Err: f.subscribeErr}
	}
	f.subCtx = ctx
	f.subscribed = append(f.subscribed, topic)
	return f.messages, nil
}

func (f *fakeBroker) Publish(_ context.Context, topic string, message broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != broker.Connected {
		return &broker.PublishError{Topic: topic, Err: broker.ErrNotConnected}
	}
	if f.publishErr != nil {
		return &broker.PublishError{Topic: topic, Err: f.publishErr}
	}
	message.Destination = topic
	f.published = append(f.published, message)
	return nil
}

func (f *fakeBroker) State() broker.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.subCancelledAtClose = f.subCtx != nil && f.subCtx.Err() != nil
	f.state = broker.Disconnected
	if f.log != nil {
		f.log.add("broker closed")
	}
	return nil
}

func (f *fakeBroker) publishedBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.published))
	for _, m := range f.published {
		out = append(out, string(m.Body))
	}
	return out
}

// recordingConn is a websocket.Conn that keeps written text frames.
type recordingConn struct {
	mu       sync.Mutex
	log      *eventLog
	messages []string
}

func (c *recordingConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, string(data))
	return nil
}

func (c *recordingConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *recordingConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *recordingConn) Close() error {
	if c.log != nil {
		c.log.add("client closed")
	}
	return nil
}

func (c *recordingConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

type recordingTracker struct {
	mu     sync.Mutex
	events []string
	closed bool
}

func (r *recordingTracker) AddOnlineClient(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "+"+id)
	return nil
}

func (r *recordingTracker) RemoveOnlineClient(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "-"+id)
	return nil
}

func (r *recordingTracker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fixture struct {
	bridge  *Bridge
	broker  *fakeBroker
	manager *websocket.ClientManager
	metrics *metrics.BridgeMetrics
	log     *eventLog
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.Topic == "" {
		opts.Topic = testTopic
	}

	log := &eventLog{}
	fb := newFakeBroker(log)
	manager := websocket.NewClientManager()
	m := metrics.NewBridgeMetrics(prometheus.NewRegistry())

	return &fixture{
		bridge:  New(fb, manager, nil, m, opts),
		broker:  fb,
		manager: manager,
		metrics: m,
		log:     log,
	}
}

// addClient registers a session backed by a recordingConn with a running writer.
func (f *fixture) addClient(t *testing.T) (*websocket.ClientSession, *recordingConn) {
	t.Helper()
	conn := &recordingConn{log: f.log}
	session := websocket.NewClientSession(conn, 16, nil)
	f.manager.AddClient(session)
	f.bridge.ClientConnected(session)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go session.WritePump(ctx, nil)

	return session, conn
}

func (f *fixture) run(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	require.NoError(t, f.bridge.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.bridge.Run(ctx) }()
	t.Cleanup(cancel)

	return cancel, errCh
}

func TestBridge_StartConnectFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.connectErr = errors.New("connection refused")

	err := f.bridge.Start(context.Background())

	var connErr *broker.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Empty(t, f.broker.subscribed)
	assert.Equal(t, broker.Failed, f.bridge.BrokerState())
}

func TestBridge_StartSubscribeFailureClosesBroker(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.subscribeErr = errors.New("access refused")

	err := f.bridge.Start(context.Background())

	var subErr *broker.SubscribeError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 1, f.broker.closeCalls)
}

func TestBridge_RunBeforeStart(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Error(t, f.bridge.Run(context.Background()))
}

func TestBridge_StartSubscribesToTopic(t *testing.T) {
	f := newFixture(t, Options{Topic: "/topic/Chat"})

	require.NoError(t, f.bridge.Start(context.Background()))

	assert.Equal(t, []string{"/topic/Chat"}, f.broker.subscribed)
	assert.Equal(t, broker.Connected, f.bridge.BrokerState())
}

func TestBridge_BroadcastsBrokerMessagesInOrder(t *testing.T) {
	f := newFixture(t, Options{})
	_, connA := f.addClient(t)
	_, connB := f.addClient(t)
	f.run(t)

	for _, body := range []string{"one", "two", "three"} {
		f.broker.messages <- broker.Message{Body: []byte(body)}
	}

	for _, conn := range []*recordingConn{connA, connB} {
		assert.Eventually(t, func() bool { return len(conn.received()) == 3 }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"one", "two", "three"}, conn.received())
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.BrokerMessagesReceived))
	assert.Equal(t, float64(6), testutil.ToFloat64(f.metrics.BroadcastDeliveries))
}

func TestBridge_BroadcastToNoClients(t *testing.T) {
	f := newFixture(t, Options{})
	_, errCh := f.run(t)

	f.broker.messages <- broker.Message{Body: []byte("nobody listening")}

	select {
	case err := <-errCh:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.BrokerMessagesReceived) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.BroadcastDeliveries))
}

func TestBridge_ClientGoneMidBroadcast(t *testing.T) {
	f := newFixture(t, Options{})
	a, _ := f.addClient(t)
	_, connB := f.addClient(t)
	_, connC := f.addClient(t)
	_, errCh := f.run(t)

	// A's socket is gone but its read loop has not unregistered it yet.
	require.NoError(t, a.Close(1001, "gone"))

	f.broker.messages <- broker.Message{Body: []byte("still delivered")}

	for _, conn := range []*recordingConn{connB, connC} {
		assert.Eventually(t, func() bool { return len(conn.received()) == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"still delivered"}, conn.received())
	}
	assert.Equal(t, 2, f.manager.Size())

	select {
	case err := <-errCh:
		t.Fatalf("Run returned after client loss: %v", err)
	default:
	}
}

func TestBridge_RunReportsBrokerClose(t *testing.T) {
	f := newFixture(t, Options{})
	_, errCh := f.run(t)

	close(f.broker.messages)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBrokerClosed)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after broker close")
	}
}

func TestBridge_RunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, Options{})
	cancel, errCh := f.run(t)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestBridge_HandleClientMessagePublishes(t *testing.T) {
	f := newFixture(t, Options{ContentType: "application/json"})
	session, _ := f.addClient(t)
	f.run(t)

	require.NoError(t, f.bridge.HandleClientMessage(context.Background(), session, []byte(`{"text":"hi"}`)))

	require.Len(t, f.broker.published, 1)
	assert.Equal(t, testTopic, f.broker.published[0].Destination)
	assert.Equal(t, "application/json", f.broker.published[0].ContentType)
	assert.Equal(t, `{"text":"hi"}`, string(f.broker.published[0].Body))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.MessagesPublished))
}

func TestBridge_HandleClientMessagePreservesOrder(t *testing.T) {
	f := newFixture(t, Options{})
	session, _ := f.addClient(t)
	f.run(t)

	for _, body := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, f.bridge.HandleClientMessage(context.Background(), session, []byte(body)))
	}

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, f.broker.publishedBodies())
}

func TestBridge_HandleClientMessageAppliesTransform(t *testing.T) {
	f := newFixture(t, Options{Transform: SetField("color", "green")})
	session, _ := f.addClient(t)
	f.run(t)

	require.NoError(t, f.bridge.HandleClientMessage(context.Background(), session, []byte(`{"text":"hi"}`)))

	assert.Equal(t, []string{`{"color":"green","text":"hi"}`}, f.broker.publishedBodies())
}

func TestBridge_HandleClientMessageFailure(t *testing.T) {
	f := newFixture(t, Options{})
	session, _ := f.addClient(t)
	f.run(t)
	f.broker.publishErr = errors.New("socket closed")

	err := f.bridge.HandleClientMessage(context.Background(), session, []byte("lost"))

	var pubErr *broker.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Contains(t, err.Error(), session.ID.String())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PublishFailures))
	// The subscription keeps running.
	assert.Equal(t, broker.Connected, f.bridge.BrokerState())
}

func TestBridge_ShutdownOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.addClient(t)
	f.addClient(t)
	_, errCh := f.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.bridge.Shutdown(ctx)
	f.bridge.Shutdown(ctx)

	events := f.log.all()
	require.Len(t, events, 3)
	assert.Equal(t, "broker closed", events[0])
	assert.Equal(t, []string{"client closed", "client closed"}, events[1:])
	assert.Equal(t, 1, f.broker.closeCalls)
	assert.True(t, f.broker.subCancelledAtClose, "subscription must stop before the broker is closed")
	assert.Equal(t, 0, f.manager.Size())

	// A subscription ending during shutdown is not an error.
	close(f.broker.messages)
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestBridge_PresenceTracking(t *testing.T) {
	fb := newFakeBroker(nil)
	manager := websocket.NewClientManager()
	tracker := &recordingTracker{}
	m := metrics.NewBridgeMetrics(prometheus.NewRegistry())
	b := New(fb, manager, tracker, m, Options{Topic: testTopic})

	session := websocket.NewClientSession(&recordingConn{}, 4, nil)
	manager.AddClient(session)
	b.ClientConnected(session)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConnections))

	manager.RemoveClient(session.ID)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveConnections))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Shutdown(ctx)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	id := session.ID.String()
	assert.Equal(t, []string{"+" + id, "-" + id}, tracker.events)
	assert.True(t, tracker.closed)
}
