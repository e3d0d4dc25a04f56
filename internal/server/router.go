package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/HuyHT130204/VIBE-SocialWeb/internal/presence"
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/signaling"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	defaultMaxMessageBytes = 64 * 1024
	wildcardOrigin         = "*"
)

var (
	errMissingHub           = errors.New("signaling hub dependency required")
	errMissingConnections   = errors.New("connection registry dependency required")
	errMissingTokenManager  = errors.New("token validator dependency required")
	errInvalidAuthorization = errors.New("authorization missing or invalid")
)

// TokenValidator resolves a connection token to a user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// EventSink accepts decoded signaling events.
type EventSink interface {
	Submit(ctx context.Context, event signaling.Event) error
	OnlineCount() int
}

type Dependencies struct {
	Hub             EventSink
	Connections     *ConnectionRegistry
	Tokens          TokenValidator
	AuthDisabled    bool
	AllowedOrigins  []string
	ICEServerURLs   []string
	MaxMessageBytes int64
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Connections == nil {
		return nil, errMissingConnections
	}
	if deps.Tokens == nil && !deps.AuthDisabled {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxMessageBytes := deps.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}

	origins := newOriginPolicy(deps.AllowedOrigins)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(origins.corsConfig()))

	handler := &httpHandler{
		hub:             deps.Hub,
		connections:     deps.Connections,
		tokens:          deps.Tokens,
		authDisabled:    deps.AuthDisabled,
		iceServers:      []webrtc.ICEServer{{URLs: append([]string(nil), deps.ICEServerURLs...)}},
		maxMessageBytes: maxMessageBytes,
		logger:          logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.allowRequest,
		},
	}
	if len(deps.ICEServerURLs) == 0 {
		handler.iceServers = []webrtc.ICEServer{}
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ice-servers", handler.handleICEServers)
	router.GET("/ws", handler.handleWebSocket)

	return router, nil
}

type httpHandler struct {
	hub             EventSink
	connections     *ConnectionRegistry
	tokens          TokenValidator
	authDisabled    bool
	iceServers      []webrtc.ICEServer
	maxMessageBytes int64
	logger          *zap.Logger
	upgrader        websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": h.hub.OnlineCount()})
}

func (h *httpHandler) handleICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.iceServers})
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	userID, err := h.authenticate(c)
	if err != nil {
		h.logger.Debug("websocket authentication failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(presence.ConnID(uuid.NewString()), userID, conn, h.connections.bufferSize, h.logger)
	h.connections.add(client.id, client)
	go client.writePump()

	ctx := context.Background()
	defer func() {
		h.connections.remove(client.id)
		client.close()
		if err := h.hub.Submit(ctx, signaling.Disconnect{Sender: client.sender()}); err != nil && !errors.Is(err, signaling.ErrHubStopped) {
			h.logger.Warn("failed to submit disconnect", zap.String("conn", client.id.String()), zap.Error(err))
		}
	}()

	if err := h.hub.Submit(ctx, signaling.Connect{Sender: client.sender()}); err != nil {
		return
	}
	h.logger.Debug("websocket connected", zap.String("conn", client.id.String()), zap.String("user_id", userID))
	client.readPump(h.hub, h.maxMessageBytes)
}

func (h *httpHandler) authenticate(c *gin.Context) (string, error) {
	if h.authDisabled {
		userID := strings.TrimSpace(c.Query("userId"))
		if userID == "" {
			return "", errInvalidAuthorization
		}
		return userID, nil
	}

	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if len(header) > len("Bearer ") && strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
			token = strings.TrimSpace(header[len("Bearer "):])
		}
	}
	if token == "" {
		return "", errInvalidAuthorization
	}
	return h.tokens.ValidateToken(token)
}

type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	list     []string
}

func newOriginPolicy(origins []string) originPolicy {
	policy := originPolicy{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == wildcardOrigin {
			policy.allowAll = true
			continue
		}
		if _, seen := policy.allowed[origin]; !seen {
			policy.allowed[origin] = struct{}{}
			policy.list = append(policy.list, origin)
		}
	}
	if len(policy.list) == 0 {
		policy.allowAll = true
	}
	return policy
}

func (p originPolicy) corsConfig() cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if p.allowAll {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = p.list
	}
	return config
}

func (p originPolicy) allowRequest(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAll {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}
