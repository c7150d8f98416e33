// Package widget provides the WebSocket live channel used by the embedded
// chat widget as an alternative to the HTTP turn endpoint.
package widget

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks active widget connections per chatbot and session key.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnManager creates a new connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the active connection for a chatbot and session key.
func (m *ConnManager) GetActive(chatbotID, sessionKey string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conns, ok := m.active[chatbotID]; ok {
		return conns[sessionKey]
	}
	return nil
}

// Register adds a connection, replacing a stale one for the same session.
func (m *ConnManager) Register(chatbotID, sessionKey string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[chatbotID]; !exists {
		m.active[chatbotID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[chatbotID][sessionKey]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	m.active[chatbotID][sessionKey] = conn
	slog.Info("widget connection registered", "chatbot_id", chatbotID, "session_key", sessionKey)
}

// Unregister removes a connection if it is still the active one.
func (m *ConnManager) Unregister(chatbotID, sessionKey string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[chatbotID]; ok {
		if current, exists := conns[sessionKey]; exists && current == conn {
			delete(conns, sessionKey)
			if len(conns) == 0 {
				delete(m.active, chatbotID)
			}
			slog.Info("widget connection unregistered", "chatbot_id", chatbotID, "session_key", sessionKey)
		}
	}
}

// ActiveCount returns the number of open connections across all chatbots.
func (m *ConnManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.active {
		n += len(conns)
	}
	return n
}
