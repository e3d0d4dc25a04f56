package chat

import (
	"errors"
	"fmt"
	"strings"
)

// MessageType distinguishes call records from ordinary chat content.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "text"
	// MessageTypeImage carries an uploaded image.
	MessageTypeImage MessageType = "image"
	// MessageTypeCall documents a call started or ended in the conversation.
	MessageTypeCall MessageType = "call"
)

// CallStatus describes what a call message documents.
type CallStatus string

const (
	CallStatusStarted CallStatus = "started"
	CallStatusEnded   CallStatus = "ended"
	CallStatusMissed  CallStatus = "missed"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidConversationID indicates an empty or oversized conversation identifier.
	ErrInvalidConversationID = errors.New("chat: invalid conversation id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("chat: invalid user id")
	// ErrInvalidMessageType indicates a message type outside the known set.
	ErrInvalidMessageType = errors.New("chat: invalid message type")
	// ErrConversationNotFound indicates the referenced conversation does not exist.
	ErrConversationNotFound = errors.New("chat: conversation not found")
)

func validateIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Conversation is a two-party chat thread. Participants are stored in
// lexical order so a pair maps to exactly one row.
type Conversation struct {
	ConversationID      string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	ParticipantLow      string `gorm:"column:participant_low;size:190;not null;uniqueIndex:idx_conversations_pair,priority:1"`
	ParticipantHigh     string `gorm:"column:participant_high;size:190;not null;uniqueIndex:idx_conversations_pair,priority:2"`
	LastMessageText     string `gorm:"column:last_message_text;type:text;not null;default:''"`
	LastMessageSenderID string `gorm:"column:last_message_sender_id;size:190;not null;default:''"`
	LastMessageSeen     bool   `gorm:"column:last_message_seen;not null;default:false"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds    int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// Participants returns both participants.
func (c Conversation) Participants() []string {
	return []string{c.ParticipantLow, c.ParticipantHigh}
}

// Message is one entry in a conversation's history.
type Message struct {
	MessageID           string      `gorm:"column:message_id;primaryKey;size:190;not null"`
	ConversationID      string      `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID            string      `gorm:"column:sender_id;size:190;not null"`
	Text                string      `gorm:"column:text;type:text;not null;default:''"`
	ImageURL            string      `gorm:"column:image_url;size:512;not null;default:''"`
	Seen                bool        `gorm:"column:seen;not null;default:false"`
	MessageType         MessageType `gorm:"column:message_type;size:16;not null;default:'text'"`
	CallStatus          CallStatus  `gorm:"column:call_status;size:16;not null;default:''"`
	CallDurationSeconds int64       `gorm:"column:call_duration_s;not null;default:0"`
	IsVideoCall         bool        `gorm:"column:is_video_call;not null;default:false"`
	CreatedAtSeconds    int64       `gorm:"column:created_at_s;not null;index:idx_messages_conversation_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// CallDetails is attached to call messages.
type CallDetails struct {
	Status          CallStatus
	DurationSeconds int64
	IsVideo         bool
}

// AppendRequest describes a message to add to a conversation.
type AppendRequest struct {
	ConversationID string
	SenderID       string
	Text           string
	ImageURL       string
	Type           MessageType
	Call           *CallDetails
}

func (r AppendRequest) normalized() (AppendRequest, error) {
	conversationID, err := validateIdentifier(r.ConversationID, ErrInvalidConversationID)
	if err != nil {
		return AppendRequest{}, err
	}
	senderID, err := validateIdentifier(r.SenderID, ErrInvalidUserID)
	if err != nil {
		return AppendRequest{}, err
	}
	messageType := r.Type
	if messageType == "" {
		messageType = MessageTypeText
	}
	switch messageType {
	case MessageTypeText, MessageTypeImage:
	case MessageTypeCall:
		if r.Call == nil {
			return AppendRequest{}, fmt.Errorf("%w: call message without call details", ErrInvalidMessageType)
		}
	default:
		return AppendRequest{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, messageType)
	}
	r.ConversationID = conversationID
	r.SenderID = senderID
	r.Type = messageType
	return r, nil
}
