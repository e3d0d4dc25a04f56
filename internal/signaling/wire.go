package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Error codes reported back to the client in the outbound error event.
const (
	CodeBadEnvelope     = "bad_envelope"
	CodeUnknownEvent    = "unknown_event"
	CodeBadPayload      = "bad_payload"
	CodeMissingTarget   = "missing_target"
	CodeSelfTarget      = "self_target"
	CodeBadSDP          = "bad_sdp"
	CodeSenderMismatch  = "sender_mismatch"
	CodeMissingField    = "missing_field"
	CodeNegativeSeconds = "negative_duration"

	CodeConversationMismatch    = "conversation_mismatch"
	CodeConversationUnavailable = "conversation_unavailable"
)

// DecodeError describes why an inbound frame was rejected. The connection
// stays open.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("signaling: %s: %s", e.Code, e.Message)
}

func decodeErrorf(code, format string, args ...interface{}) error {
	return &DecodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s sdp) toPion(want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch strings.ToLower(s.Type) {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, decodeErrorf(CodeBadSDP, "unsupported sdp type %q", s.Type)
	}
	if t != want {
		return webrtc.SessionDescription{}, decodeErrorf(CodeBadSDP, "expected %s, got %s", want, t)
	}
	desc := webrtc.SessionDescription{Type: t, SDP: s.SDP}
	if _, err := desc.Unmarshal(); err != nil {
		return webrtc.SessionDescription{}, decodeErrorf(CodeBadSDP, "unparseable sdp: %v", err)
	}
	return desc, nil
}

type initiatePayload struct {
	TargetUserID   string `json:"targetUserId"`
	ConversationID string `json:"conversationId"`
	CallerID       string `json:"callerId"`
	DisplayName    string `json:"displayName"`
	IsVideo        bool   `json:"isVideo"`
	Offer          *sdp   `json:"offer"`
}

type answerPayload struct {
	TargetUserID   string `json:"targetUserId"`
	ConversationID string `json:"conversationId"`
	Answer         *sdp   `json:"answer"`
}

type iceCandidatePayload struct {
	TargetUserID string                   `json:"targetUserId"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate"`
}

type rejectPayload struct {
	TargetUserID   string `json:"targetUserId"`
	ConversationID string `json:"conversationId"`
}

type endPayload struct {
	TargetUserID    string `json:"targetUserId"`
	ConversationID  string `json:"conversationId"`
	DurationSeconds int64  `json:"durationSeconds"`
}

type mediaStatePayload struct {
	TargetUserID string `json:"targetUserId"`
	Muted        *bool  `json:"muted"`
	VideoOff     *bool  `json:"videoOff"`
}

type markSeenPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// DecodeEvent parses one inbound frame received from sender. Every failure is
// a *DecodeError.
func DecodeEvent(sender Sender, frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, decodeErrorf(CodeBadEnvelope, "invalid json: %v", err)
	}
	if env.Event == "" {
		return nil, decodeErrorf(CodeBadEnvelope, "missing event name")
	}

	switch env.Event {
	case EventInitiate:
		var p initiatePayload
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		target, err := requireTarget(sender, p.TargetUserID)
		if err != nil {
			return nil, err
		}
		if caller := strings.TrimSpace(p.CallerID); caller != "" && caller != sender.UserID {
			return nil, decodeErrorf(CodeSenderMismatch, "callerId %q does not match the connection", caller)
		}
		if p.Offer == nil {
			return nil, decodeErrorf(CodeMissingField, "offer is required")
		}
		offer, err := p.Offer.toPion(webrtc.SDPTypeOffer)
		if err != nil {
			return nil, err
		}
		return Initiate{
			Sender:         sender,
			TargetUserID:   target,
			ConversationID: strings.TrimSpace(p.ConversationID),
			Offer:          offer,
			DisplayName:    strings.TrimSpace(p.DisplayName),
			IsVideo:        p.IsVideo,
		}, nil

	case EventAnswer:
		var p answerPayload
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		target, err := requireTarget(sender, p.TargetUserID)
		if err != nil {
			return nil, err
		}
		if p.Answer == nil {
			return nil, decodeErrorf(CodeMissingField, "answer is required")
		}
		answer, err := p.Answer.toPion(webrtc.SDPTypeAnswer)
		if err != nil {
			return nil, err
		}
		return Answer{
			Sender:         sender,
			TargetUserID:   target,
			ConversationID: strings.TrimSpace(p.ConversationID),
			Answer:         answer,
		}, nil

	case EventICECandidate:
		var p iceCandidatePayload
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		target, err := requireTarget(sender, p.TargetUserID)
		if err != nil {
			return nil, err
		}
		if p.Candidate == nil {
			return nil, decodeErrorf(CodeMissingField, "candidate is required")
		}
		return ICECandidate{Sender: sender, TargetUserID: target, Candidate: *p.Candidate}, nil

	case EventReject:
		var p rejectPayload
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		target, err := requireTarget(sender, p.TargetUserID)
		if err != nil {
			return nil, err
		}
		return Reject{Sender: sender, TargetUserID: target, ConversationID: strings.TrimSpace(p.ConversationID)}, nil

	case EventEnd:
		var p endPayload
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		target, err := requireTarget(sender, p.TargetUserID)
		if err != nil {
			return nil, err
		}
		if p.DurationSeconds < 0 {
			return nil, decodeErrorf(CodeNegativeSeconds, "durationSeconds must not be negative")
		}
		return End{
			Sender:          sender,
			TargetUserID:    target,
			ConversationID:  strings.TrimSpace(p.ConversationID),
			DurationSeconds: p.DurationSeconds,
		}, nil

	case EventMediaStateChanged:
		var p mediaStatePayload
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		target, err := requireTarget(sender, p.TargetUserID)
		if err != nil {
			return nil, err
		}
		if p.Muted == nil && p.VideoOff == nil {
			return nil, decodeErrorf(CodeMissingField, "muted or videoOff is required")
		}
		return MediaStateChanged{Sender: sender, TargetUserID: target, Muted: p.Muted, VideoOff: p.VideoOff}, nil

	case EventMarkMessagesSeen:
		var p markSeenPayload
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		conversationID, err := requireField("conversationId", p.ConversationID)
		if err != nil {
			return nil, err
		}
		notify, err := requireField("userId", p.UserID)
		if err != nil {
			return nil, err
		}
		return MarkMessagesSeen{Sender: sender, ConversationID: conversationID, NotifyUserID: notify}, nil
	}

	return nil, decodeErrorf(CodeUnknownEvent, "unknown event %q", env.Event)
}

func decodeData(env envelope, target interface{}) error {
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return decodeErrorf(CodeBadPayload, "%s: missing data", env.Event)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return decodeErrorf(CodeBadPayload, "%s: %v", env.Event, err)
	}
	return nil
}

func requireTarget(sender Sender, raw string) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", decodeErrorf(CodeMissingTarget, "targetUserId is required")
	}
	if target == sender.UserID {
		return "", decodeErrorf(CodeSelfTarget, "targetUserId must differ from the sender")
	}
	return target, nil
}

func requireField(name, raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", decodeErrorf(CodeMissingField, "%s is required", name)
	}
	return value, nil
}

// AsDecodeError extracts the decode error from err, if any.
func AsDecodeError(err error) (*DecodeError, bool) {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return decodeErr, true
	}
	return nil, false
}
