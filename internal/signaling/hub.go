package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HuyHT130204/VIBE-SocialWeb/internal/calls"
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/presence"
	"go.uber.org/zap"
)

const defaultInboxSize = 256

// ErrHubStopped is returned by Submit once the hub has shut down.
var ErrHubStopped = errors.New("signaling: hub stopped")

type HubConfig struct {
	Transport       Transport
	Store           ChatStore
	Clock           func() time.Time
	Logger          *zap.Logger
	InboxSize       int
	RecorderTimeout time.Duration
}

// Hub serializes every signaling event through one goroutine. The presence
// registry and the call store are touched only from Run.
type Hub struct {
	router   *Router
	recorder *Recorder
	presence *presence.Registry
	inbox    chan Event
	done     chan struct{}
	stopOnce sync.Once
	online   atomic.Int64
	logger   *zap.Logger
}

func NewHub(cfg HubConfig) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}

	hub := &Hub{
		presence: presence.NewRegistry(),
		inbox:    make(chan Event, inboxSize),
		done:     make(chan struct{}),
		logger:   logger,
	}

	recorder, err := NewRecorder(RecorderConfig{
		Store:   cfg.Store,
		Notify:  hub.post,
		Timeout: cfg.RecorderTimeout,
		Logger:  logger.Named("recorder"),
	})
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(RouterConfig{
		Presence:  hub.presence,
		Calls:     calls.NewStore(),
		Transport: cfg.Transport,
		Recorder:  recorder,
		Resolver:  recorder,
		Seen:      recorder,
		Clock:     cfg.Clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	hub.recorder = recorder
	hub.router = router
	return hub, nil
}

// Submit queues an event for the loop. It blocks while the inbox is full.
func (h *Hub) Submit(ctx context.Context, event Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.inbox <- event:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) post(event Event) {
	if err := h.Submit(context.Background(), event); err != nil {
		h.logger.Debug("dropping background result", zap.String("event", event.Name()), zap.Error(err))
	}
}

// Run processes events until ctx is cancelled, then waits for outstanding
// background writes.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		h.stopOnce.Do(func() { close(h.done) })
		h.recorder.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-h.inbox:
			h.dispatch(event)
		}
	}
}

// OnlineCount reports the number of online users as of the last event.
func (h *Hub) OnlineCount() int {
	return int(h.online.Load())
}

func (h *Hub) dispatch(event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("signaling event panicked",
				zap.String("event", event.Name()),
				zap.Any("panic", recovered))
		}
		h.online.Store(int64(h.presence.Len()))
	}()
	h.router.Handle(event)
}
