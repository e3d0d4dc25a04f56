package signaling

import (
	"time"

	"github.com/HuyHT130204/VIBE-SocialWeb/internal/calls"
	"go.uber.org/zap"
)

// disconnect drops the connection from presence and tears down every call
// the user was part of. A connection already superseded by a reconnect
// removes nothing and leaves the user's calls alone.
func (r *Router) disconnect(ev Disconnect) {
	userID, removed := r.presence.Unregister(ev.Conn)
	if !removed {
		r.logger.Debug("stale connection closed",
			zap.String("conn", ev.Conn.String()),
			zap.String("user_id", ev.UserID))
		return
	}
	r.broadcastPresence()

	for {
		conversationID, found := r.calls.FindByCaller(userID)
		if !found {
			conversationID, found = r.calls.FindByCallee(userID)
		}
		if !found {
			return
		}
		record, ended := r.calls.End(conversationID)
		if !ended {
			return
		}
		r.endForDisconnect(userID, record)
	}
}

func (r *Router) endForDisconnect(userID string, record calls.Record) {
	duration := elapsedSeconds(record, r.clock())
	peer, _ := record.Peer(userID)
	r.logger.Info("call ended by disconnect",
		zap.String("conversation_id", record.ConversationID),
		zap.String("user_id", userID),
		zap.String("peer_id", peer),
		zap.Int64("duration_s", duration))
	r.sendToUser(peer, Outbound{
		Event: OutboundEnded,
		Data: EndedPayload{
			ConversationID:  record.ConversationID,
			DurationSeconds: duration,
			Reason:          EndReasonPeerDisconnected,
		},
	})
	r.recorder.RecordCallEnded(record, duration)
}

func elapsedSeconds(record calls.Record, now time.Time) int64 {
	if !record.Answered() || record.AnsweredAt.IsZero() {
		return 0
	}
	elapsed := int64(now.Sub(record.AnsweredAt) / time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
