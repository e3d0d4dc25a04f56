package signaling

import (
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/chat"
	"github.com/pion/webrtc/v4"
)

// Outbound event names.
const (
	OutboundPresenceList          = "presenceList"
	OutboundIncomingCall          = "incomingCall"
	OutboundAnswered              = "answered"
	OutboundCallConnected         = "callConnected"
	OutboundICECandidate          = "ice-candidate"
	OutboundRejected              = "rejected"
	OutboundEnded                 = "ended"
	OutboundBusy                  = "busy"
	OutboundPeerMediaStateChanged = "peerMediaStateChanged"
	OutboundNewChatMessage        = "newChatMessage"
	OutboundMessagesSeen          = "messagesSeen"
	OutboundError                 = "error"
)

// EndReasonPeerDisconnected is reported when a call ends because the other
// participant dropped off.
const EndReasonPeerDisconnected = "peer disconnected"

// Outbound is one message written to a connection.
type Outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type PresenceListPayload struct {
	UserIDs []string `json:"userIds"`
}

type IncomingCallPayload struct {
	ConversationID string                    `json:"conversationId"`
	CallerID       string                    `json:"callerId"`
	DisplayName    string                    `json:"displayName"`
	IsVideo        bool                      `json:"isVideo"`
	Offer          webrtc.SessionDescription `json:"offer"`
}

type AnsweredPayload struct {
	ConversationID string                    `json:"conversationId"`
	From           string                    `json:"from"`
	Answer         webrtc.SessionDescription `json:"answer"`
}

type CallConnectedPayload struct {
	ConversationID string `json:"conversationId"`
}

type ICECandidatePayload struct {
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type RejectedPayload struct {
	ConversationID string `json:"conversationId"`
}

type EndedPayload struct {
	ConversationID  string `json:"conversationId"`
	DurationSeconds int64  `json:"durationSeconds"`
	Reason          string `json:"reason,omitempty"`
}

type BusyPayload struct {
	ConversationID string `json:"conversationId"`
}

type PeerMediaStatePayload struct {
	From     string `json:"from"`
	Muted    *bool  `json:"muted,omitempty"`
	VideoOff *bool  `json:"videoOff,omitempty"`
}

type ChatMessagePayload struct {
	MessageID           string           `json:"messageId"`
	ConversationID      string           `json:"conversationId"`
	SenderID            string           `json:"senderId"`
	Text                string           `json:"text"`
	MessageType         chat.MessageType `json:"messageType"`
	CallStatus          chat.CallStatus  `json:"callStatus,omitempty"`
	CallDurationSeconds *int64           `json:"callDurationSeconds,omitempty"`
	IsVideoCall         bool             `json:"isVideoCall"`
	Seen                bool             `json:"seen"`
	CreatedAtSeconds    int64            `json:"createdAtS"`
}

type MessagesSeenPayload struct {
	ConversationID string `json:"conversationId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func presenceListMessage(userIDs []string) Outbound {
	return Outbound{Event: OutboundPresenceList, Data: PresenceListPayload{UserIDs: userIDs}}
}

func chatMessageOutbound(message chat.Message) Outbound {
	payload := ChatMessagePayload{
		MessageID:        message.MessageID,
		ConversationID:   message.ConversationID,
		SenderID:         message.SenderID,
		Text:             message.Text,
		MessageType:      message.MessageType,
		CallStatus:       message.CallStatus,
		IsVideoCall:      message.IsVideoCall,
		Seen:             message.Seen,
		CreatedAtSeconds: message.CreatedAtSeconds,
	}
	if message.MessageType == chat.MessageTypeCall && message.CallStatus != chat.CallStatusStarted {
		duration := message.CallDurationSeconds
		payload.CallDurationSeconds = &duration
	}
	return Outbound{Event: OutboundNewChatMessage, Data: payload}
}

// ErrorMessage builds the outbound error event sent for an undecodable frame.
func ErrorMessage(code, message string) Outbound {
	return Outbound{Event: OutboundError, Data: ErrorPayload{Code: code, Message: message}}
}
