package server

import (
	"sync"

	"github.com/HuyHT130204/VIBE-SocialWeb/internal/presence"
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/signaling"
	"go.uber.org/zap"
)

const defaultSendBuffer = 32

// ConnectionRegistry tracks every open websocket and delivers outbound
// messages without blocking the signaling loop. A connection whose buffer is
// full misses the message.
type ConnectionRegistry struct {
	mu         sync.RWMutex
	clients    map[presence.ConnID]outboundQueue
	bufferSize int
	logger     *zap.Logger
}

type outboundQueue interface {
	enqueue(message signaling.Outbound) bool
}

func NewConnectionRegistry(bufferSize int, logger *zap.Logger) *ConnectionRegistry {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionRegistry{
		clients:    make(map[presence.ConnID]outboundQueue),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Send implements signaling.Transport.
func (r *ConnectionRegistry) Send(conn presence.ConnID, message signaling.Outbound) bool {
	r.mu.RLock()
	client, ok := r.clients[conn]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !client.enqueue(message) {
		r.logger.Warn("dropping outbound message",
			zap.String("conn", conn.String()),
			zap.String("event", message.Event))
		return false
	}
	return true
}

// Broadcast implements signaling.Transport.
func (r *ConnectionRegistry) Broadcast(message signaling.Outbound) {
	r.mu.RLock()
	ids := make([]presence.ConnID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Send(id, message)
	}
}

// Len reports the number of open connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *ConnectionRegistry) add(id presence.ConnID, client outboundQueue) {
	r.mu.Lock()
	r.clients[id] = client
	r.mu.Unlock()
}

func (r *ConnectionRegistry) remove(id presence.ConnID) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}
