package signaling

import (
	"errors"
	"time"

	"github.com/HuyHT130204/VIBE-SocialWeb/internal/calls"
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/presence"
	"go.uber.org/zap"
)

var (
	errMissingPresence  = errors.New("presence registry dependency required")
	errMissingCallStore = errors.New("call store dependency required")
	errMissingTransport = errors.New("transport dependency required")
)

// Transport delivers outbound messages to live connections. Implementations
// must not block the caller.
type Transport interface {
	Send(conn presence.ConnID, message Outbound) bool
	Broadcast(message Outbound)
}

// CallRecorder documents call lifecycle milestones in the conversation
// history. Implementations must return without waiting on storage.
type CallRecorder interface {
	RecordCallStarted(record calls.Record)
	RecordCallEnded(record calls.Record, durationSeconds int64)
}

// ConversationResolver binds an Initiate to the conversation its two users
// share. It answers asynchronously with CallResolved or CallUnresolved.
type ConversationResolver interface {
	ResolveCall(initiate Initiate)
}

// SeenMarker marks a conversation read on behalf of viewerID.
type SeenMarker interface {
	MarkConversationSeen(conversationID, viewerID, notifyUserID string)
}

type RouterConfig struct {
	Presence  *presence.Registry
	Calls     *calls.Store
	Transport Transport
	Recorder  CallRecorder
	Resolver  ConversationResolver
	Seen      SeenMarker
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Router applies inbound events to the presence registry and the call store
// and emits the resulting outbound messages. It is driven by a single
// goroutine and holds no locks.
type Router struct {
	presence  *presence.Registry
	calls     *calls.Store
	transport Transport
	recorder  CallRecorder
	resolver  ConversationResolver
	seen      SeenMarker
	clock     func() time.Time
	logger    *zap.Logger
}

func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Calls == nil {
		return nil, errMissingCallStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	seen := cfg.Seen
	if seen == nil {
		seen = noopRecorder{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		presence:  cfg.Presence,
		calls:     cfg.Calls,
		transport: cfg.Transport,
		recorder:  recorder,
		resolver:  cfg.Resolver,
		seen:      seen,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Handle applies one event.
func (r *Router) Handle(event Event) {
	switch ev := event.(type) {
	case Connect:
		r.connect(ev)
	case Disconnect:
		r.disconnect(ev)
	case Initiate:
		r.initiate(ev)
	case CallResolved:
		r.callResolved(ev)
	case CallUnresolved:
		r.logger.Warn("call dropped without a conversation",
			zap.String("user_id", ev.UserID),
			zap.String("conversation_id", ev.ConversationID),
			zap.String("code", ev.Code))
		r.transport.Send(ev.Conn, ErrorMessage(ev.Code, ev.Message))
	case Answer:
		r.answer(ev)
	case ICECandidate:
		r.iceCandidate(ev)
	case Reject:
		r.reject(ev)
	case End:
		r.end(ev)
	case MediaStateChanged:
		r.mediaStateChanged(ev)
	case MarkMessagesSeen:
		r.seen.MarkConversationSeen(ev.ConversationID, ev.UserID, ev.NotifyUserID)
	case MessageRecorded:
		r.deliverMessage(ev)
	case MessagesSeen:
		r.sendToUser(ev.NotifyUserID, Outbound{
			Event: OutboundMessagesSeen,
			Data:  MessagesSeenPayload{ConversationID: ev.ConversationID},
		})
	default:
		r.logger.Warn("unhandled signaling event", zap.String("event", event.Name()))
	}
}

func (r *Router) connect(ev Connect) {
	if previous, replaced := r.presence.Register(ev.UserID, ev.Conn); replaced {
		r.logger.Info("connection superseded",
			zap.String("user_id", ev.UserID),
			zap.String("previous_conn", previous.String()),
			zap.String("conn", ev.Conn.String()))
	}
	r.broadcastPresence()
}

func (r *Router) broadcastPresence() {
	r.transport.Broadcast(presenceListMessage(r.presence.Online()))
}

// initiate hands the call to the resolver when one is configured; the call
// record is only created once the conversation has been confirmed.
func (r *Router) initiate(ev Initiate) {
	if r.resolver == nil {
		r.beginCall(ev)
		return
	}
	r.resolver.ResolveCall(ev)
}

// callResolved drops calls whose caller went away while the conversation was
// being looked up.
func (r *Router) callResolved(ev CallResolved) {
	caller := ev.Initiate.Sender
	if conn, online := r.presence.Lookup(caller.UserID); !online || conn != caller.Conn {
		r.logger.Debug("caller left before the call was resolved",
			zap.String("user_id", caller.UserID),
			zap.String("conversation_id", ev.Initiate.ConversationID))
		return
	}
	r.beginCall(ev.Initiate)
}

func (r *Router) beginCall(ev Initiate) {
	if existing, active := r.calls.Get(ev.ConversationID); active {
		r.logger.Info("call already active for conversation",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("user_id", ev.UserID),
			zap.String("phase", string(existing.Phase)))
		r.transport.Send(ev.Conn, Outbound{Event: OutboundBusy, Data: BusyPayload{ConversationID: ev.ConversationID}})
		return
	}

	calleeConn, online := r.presence.Lookup(ev.TargetUserID)
	if !online {
		r.logger.Debug("callee offline, dropping initiate",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("callee_id", ev.TargetUserID))
		return
	}

	record, err := r.calls.Begin(calls.Record{
		ConversationID: ev.ConversationID,
		CallerID:       ev.UserID,
		CalleeID:       ev.TargetUserID,
		IsVideo:        ev.IsVideo,
		StartedAt:      r.clock(),
	})
	if err != nil {
		r.logger.Warn("failed to track call", zap.String("conversation_id", ev.ConversationID), zap.Error(err))
		return
	}

	r.transport.Send(calleeConn, Outbound{
		Event: OutboundIncomingCall,
		Data: IncomingCallPayload{
			ConversationID: record.ConversationID,
			CallerID:       record.CallerID,
			DisplayName:    ev.DisplayName,
			IsVideo:        record.IsVideo,
			Offer:          ev.Offer,
		},
	})
	r.recorder.RecordCallStarted(record)
}

func (r *Router) answer(ev Answer) {
	record, found := r.resolve(ev.UserID, ev.TargetUserID, ev.ConversationID)
	if !found || record.CalleeID != ev.UserID {
		r.logger.Debug("answer without a matching call",
			zap.String("user_id", ev.UserID),
			zap.String("conversation_id", ev.ConversationID))
		return
	}

	switch record.Phase {
	case calls.PhaseRinging:
		if _, moved := r.calls.MarkOngoing(record.ConversationID, r.clock()); !moved {
			return
		}
		r.sendToUser(record.CallerID, Outbound{
			Event: OutboundAnswered,
			Data: AnsweredPayload{
				ConversationID: record.ConversationID,
				From:           ev.UserID,
				Answer:         ev.Answer,
			},
		})
		r.transport.Send(ev.Conn, Outbound{
			Event: OutboundCallConnected,
			Data:  CallConnectedPayload{ConversationID: record.ConversationID},
		})
	case calls.PhaseOngoing:
		r.logger.Debug("duplicate answer ignored", zap.String("conversation_id", record.ConversationID))
	}
}

func (r *Router) iceCandidate(ev ICECandidate) {
	if _, found := r.calls.FindBetween(ev.UserID, ev.TargetUserID); !found {
		r.logger.Debug("ice candidate without a call",
			zap.String("user_id", ev.UserID),
			zap.String("target_user_id", ev.TargetUserID))
		return
	}
	r.sendToUser(ev.TargetUserID, Outbound{
		Event: OutboundICECandidate,
		Data:  ICECandidatePayload{From: ev.UserID, Candidate: ev.Candidate},
	})
}

func (r *Router) reject(ev Reject) {
	record, found := r.resolve(ev.UserID, ev.TargetUserID, ev.ConversationID)
	if !found || record.CalleeID != ev.UserID {
		return
	}

	switch record.Phase {
	case calls.PhaseRinging:
		r.calls.End(record.ConversationID)
		r.sendToUser(record.CallerID, Outbound{
			Event: OutboundRejected,
			Data:  RejectedPayload{ConversationID: record.ConversationID},
		})
	case calls.PhaseOngoing:
		r.logger.Debug("reject ignored for ongoing call", zap.String("conversation_id", record.ConversationID))
	}
}

func (r *Router) end(ev End) {
	record, found := r.resolve(ev.UserID, ev.TargetUserID, ev.ConversationID)
	if !found {
		r.logger.Debug("end without a matching call",
			zap.String("user_id", ev.UserID),
			zap.String("conversation_id", ev.ConversationID))
		return
	}

	switch record.Phase {
	case calls.PhaseRinging, calls.PhaseOngoing:
		r.calls.End(record.ConversationID)
		duration := ev.DurationSeconds
		if !record.Answered() {
			duration = 0
		}
		peer, _ := record.Peer(ev.UserID)
		r.sendToUser(peer, Outbound{
			Event: OutboundEnded,
			Data:  EndedPayload{ConversationID: record.ConversationID, DurationSeconds: duration},
		})
		r.recorder.RecordCallEnded(record, duration)
	}
}

func (r *Router) mediaStateChanged(ev MediaStateChanged) {
	record, found := r.calls.FindBetween(ev.UserID, ev.TargetUserID)
	if !found || record.Phase != calls.PhaseOngoing {
		return
	}
	r.sendToUser(ev.TargetUserID, Outbound{
		Event: OutboundPeerMediaStateChanged,
		Data:  PeerMediaStatePayload{From: ev.UserID, Muted: ev.Muted, VideoOff: ev.VideoOff},
	})
}

func (r *Router) deliverMessage(ev MessageRecorded) {
	message := chatMessageOutbound(ev.Message)
	for _, userID := range ev.Recipients {
		r.sendToUser(userID, message)
	}
}

// resolve finds the call a control event refers to. An explicit conversation
// id must name a call between the two users; otherwise the pair is searched.
func (r *Router) resolve(userID, targetUserID, conversationID string) (calls.Record, bool) {
	if conversationID == "" {
		return r.calls.FindBetween(userID, targetUserID)
	}
	record, found := r.calls.Get(conversationID)
	if !found || !record.Involves(userID) || !record.Involves(targetUserID) {
		return calls.Record{}, false
	}
	return record, true
}

func (r *Router) sendToUser(userID string, message Outbound) bool {
	conn, online := r.presence.Lookup(userID)
	if !online {
		return false
	}
	return r.transport.Send(conn, message)
}

type noopRecorder struct{}

func (noopRecorder) RecordCallStarted(calls.Record)              {}
func (noopRecorder) RecordCallEnded(calls.Record, int64)         {}
func (noopRecorder) MarkConversationSeen(string, string, string) {}
