package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/HuyHT130204/VIBE-SocialWeb/internal/presence"
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/signaling"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// wsClient owns one websocket. Only writePump writes to the socket.
type wsClient struct {
	id        presence.ConnID
	userID    string
	conn      *websocket.Conn
	send      chan signaling.Outbound
	closed    chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newWSClient(id presence.ConnID, userID string, conn *websocket.Conn, bufferSize int, logger *zap.Logger) *wsClient {
	return &wsClient{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan signaling.Outbound, bufferSize),
		closed: make(chan struct{}),
		logger: logger,
	}
}

func (c *wsClient) enqueue(message signaling.Outbound) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsClient) sender() signaling.Sender {
	return signaling.Sender{Conn: c.id, UserID: c.userID}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case message := <-c.send:
			payload, err := json.Marshal(message)
			if err != nil {
				c.logger.Error("failed to encode outbound message", zap.String("event", message.Event), zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", zap.String("conn", c.id.String()), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump decodes frames until the socket fails. Undecodable frames are
// answered with an error event and the socket stays open.
func (c *wsClient) readPump(hub EventSink, maxMessageBytes int64) {
	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket closed unexpectedly", zap.String("conn", c.id.String()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.enqueue(signaling.ErrorMessage(signaling.CodeBadEnvelope, "expected text message"))
			continue
		}

		event, err := signaling.DecodeEvent(c.sender(), frame)
		if err != nil {
			if decodeErr, ok := signaling.AsDecodeError(err); ok {
				c.logger.Warn("rejected inbound frame",
					zap.String("conn", c.id.String()),
					zap.String("user_id", c.userID),
					zap.String("code", decodeErr.Code))
				c.enqueue(signaling.ErrorMessage(decodeErr.Code, decodeErr.Message))
			}
			continue
		}

		if err := hub.Submit(context.Background(), event); err != nil {
			if !errors.Is(err, signaling.ErrHubStopped) {
				c.logger.Warn("failed to submit event", zap.String("event", event.Name()), zap.Error(err))
			}
			return
		}
	}
}
