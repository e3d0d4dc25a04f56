package signaling

import (
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/chat"
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/presence"
	"github.com/pion/webrtc/v4"
)

// Inbound event names as they appear on the wire.
const (
	EventInitiate          = "initiate"
	EventAnswer            = "answer"
	EventICECandidate      = "ice-candidate"
	EventReject            = "reject"
	EventEnd               = "end"
	EventMediaStateChanged = "media-state-changed"
	EventMarkMessagesSeen  = "markMessagesAsSeen"

	eventConnect         = "connect"
	eventDisconnect      = "disconnect"
	eventMessageRecorded = "message-recorded"
	eventMessagesSeen    = "messages-seen"
	eventCallResolved    = "call-resolved"
	eventCallUnresolved  = "call-unresolved"
)

// Event is one unit of work for the Router. The concrete types below form a
// closed set that Router.Handle matches on.
type Event interface {
	Name() string
}

// Sender identifies the connection an event arrived on and the user the
// connection authenticated as.
type Sender struct {
	Conn   presence.ConnID
	UserID string
}

// Connect is emitted by the transport once a connection is authenticated.
type Connect struct {
	Sender
}

// Disconnect is emitted by the transport when a connection closes for any reason.
type Disconnect struct {
	Sender
}

// Initiate asks to ring TargetUserID with an SDP offer.
type Initiate struct {
	Sender
	TargetUserID   string
	ConversationID string
	Offer          webrtc.SessionDescription
	DisplayName    string
	IsVideo        bool
}

// Answer carries the callee's SDP answer back to the caller.
type Answer struct {
	Sender
	TargetUserID   string
	ConversationID string
	Answer         webrtc.SessionDescription
}

// ICECandidate is a trickled network candidate for the peer.
type ICECandidate struct {
	Sender
	TargetUserID string
	Candidate    webrtc.ICECandidateInit
}

// Reject declines a ringing call.
type Reject struct {
	Sender
	TargetUserID   string
	ConversationID string
}

// End hangs up a ringing or ongoing call.
type End struct {
	Sender
	TargetUserID    string
	ConversationID  string
	DurationSeconds int64
}

// MediaStateChanged reports the sender toggling its microphone or camera.
type MediaStateChanged struct {
	Sender
	TargetUserID string
	Muted        *bool
	VideoOff     *bool
}

// MarkMessagesSeen marks a conversation read and notifies NotifyUserID.
type MarkMessagesSeen struct {
	Sender
	ConversationID string
	NotifyUserID   string
}

// MessageRecorded is posted back to the loop after a call message was stored.
type MessageRecorded struct {
	Message    chat.Message
	Recipients []string
}

// MessagesSeen is posted back to the loop after a conversation was marked read.
type MessagesSeen struct {
	ConversationID string
	NotifyUserID   string
}

// CallResolved is posted back to the loop once an Initiate has been bound to
// the conversation both users share. Its ConversationID is authoritative.
type CallResolved struct {
	Initiate Initiate
}

// CallUnresolved is posted back when no conversation could be bound to an
// Initiate.
type CallUnresolved struct {
	Sender
	ConversationID string
	Code           string
	Message        string
}

func (Connect) Name() string           { return eventConnect }
func (Disconnect) Name() string        { return eventDisconnect }
func (Initiate) Name() string          { return EventInitiate }
func (Answer) Name() string            { return EventAnswer }
func (ICECandidate) Name() string      { return EventICECandidate }
func (Reject) Name() string            { return EventReject }
func (End) Name() string               { return EventEnd }
func (MediaStateChanged) Name() string { return EventMediaStateChanged }
func (MarkMessagesSeen) Name() string  { return EventMarkMessagesSeen }
func (MessageRecorded) Name() string   { return eventMessageRecorded }
func (MessagesSeen) Name() string      { return eventMessagesSeen }
func (CallResolved) Name() string      { return eventCallResolved }
func (CallUnresolved) Name() string    { return eventCallUnresolved }
