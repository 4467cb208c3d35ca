package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// BroadcastResult counts the outcome of one Broadcast call.
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// ClientManager is the registry of connected clients. Membership changes take
// a short write lock; broadcasts snapshot under a read lock and enqueue outside
// it, so no lock is ever held across network I/O.
type ClientManager struct {
	mu       sync.RWMutex
	clients  map[uuid.UUID]*ClientSession
	onRemove func(*ClientSession)
	wg       sync.WaitGroup
}

func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[uuid.UUID]*ClientSession),
	}
}

// OnRemove registers fn to run once for every session that leaves the
// registry, whatever the reason. It must be set before clients are added.
func (m *ClientManager) OnRemove(fn func(*ClientSession)) {
	m.onRemove = fn
}

func (m *ClientManager) AddClient(session *ClientSession) uuid.UUID {
	m.mu.Lock()
	m.clients[session.ID] = session
	m.mu.Unlock()
	return session.ID
}

// RemoveClient reports whether this call removed the session. Removing an
// unknown or already removed id is a no-op.
func (m *ClientManager) RemoveClient(clientID uuid.UUID) bool {
	m.mu.Lock()
	session, ok := m.clients[clientID]
	if ok {
		delete(m.clients, clientID)
	}
	m.mu.Unlock()

	if ok && m.onRemove != nil {
		m.onRemove(session)
	}
	return ok
}

func (m *ClientManager) GetClient(clientID uuid.UUID) (*ClientSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.clients[clientID]
	return session, ok
}

func (m *ClientManager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *ClientManager) snapshot() []*ClientSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*ClientSession, 0, len(m.clients))
	for _, session := range m.clients {
		sessions = append(sessions, session)
	}
	return sessions
}

// Broadcast queues payload for every registered session. A session that
// cannot take it is removed and closed; the others are unaffected.
func (m *ClientManager) Broadcast(payload []byte) BroadcastResult {
	var result BroadcastResult

	for _, session := range m.snapshot() {
		if err := session.Enqueue(payload); err != nil {
			result.Failed++
			sendErr := &ClientSendError{ClientID: session.ID, Err: err}
			logger().Warn("Dropping client after failed send", "client_id", session.ID, "error", sendErr)

			m.RemoveClient(session.ID)
			go func(s *ClientSession) {
				_ = s.Close(websocket.CloseTryAgainLater, "client too slow")
			}(session)
			continue
		}
		result.Delivered++
	}

	return result
}

func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

func (m *ClientManager) CloseAllConnections(reason string) {
	var wg sync.WaitGroup
	for _, session := range m.snapshot() {
		logger().Info("Closing connection", "client_id", session.ID, "reason", reason)
		m.RemoveClient(session.ID)

		wg.Add(1)
		go func(s *ClientSession) {
			defer wg.Done()
			_ = s.Close(websocket.CloseGoingAway, reason)
		}(session)
	}
	wg.Wait()
}
