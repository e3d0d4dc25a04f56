package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HuyHT130204/VIBE-SocialWeb/internal/calls"
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/chat"
	"go.uber.org/zap"
)

const defaultRecorderTimeout = 5 * time.Second

var (
	errMissingChatStore     = errors.New("chat store dependency required")
	errNotParticipant       = errors.New("user is not a participant of the conversation")
	errConversationMismatch = errors.New("conversation does not belong to both users")
)

// ChatStore is the persistence surface the recorder writes through.
type ChatStore interface {
	CreateConversation(ctx context.Context, userA, userB string) (chat.Conversation, error)
	AppendMessage(ctx context.Context, request chat.AppendRequest) (chat.Message, error)
	SetConversationLastMessage(ctx context.Context, conversationID, text, senderID string) error
	GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error)
	MarkConversationSeen(ctx context.Context, conversationID string) (int64, error)
}

type RecorderConfig struct {
	Store   ChatStore
	Notify  func(Event)
	Timeout time.Duration
	Logger  *zap.Logger
}

// Recorder resolves call conversations and writes call messages and read
// receipts in the background. Writes to one conversation run in submission
// order. Failures are logged and never reach the signaling loop; results are
// posted back through Notify.
type Recorder struct {
	store   ChatStore
	notify  func(Event)
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu    sync.Mutex
	tails map[string]chan struct{}
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, errMissingChatStore
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(Event) {}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRecorderTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:   cfg.Store,
		notify:  notify,
		timeout: timeout,
		logger:  logger,
		tails:   make(map[string]chan struct{}),
	}, nil
}

// ResolveCall binds initiate to the conversation shared by caller and
// callee, creating it for a first call. A conversation id supplied by the
// client must name that same conversation.
func (r *Recorder) ResolveCall(initiate Initiate) {
	r.run("resolve_call", []zap.Field{
		zap.String("conversation_id", initiate.ConversationID),
		zap.String("caller_id", initiate.UserID),
		zap.String("callee_id", initiate.TargetUserID),
	}, func(ctx context.Context) error {
		conversation, err := r.store.CreateConversation(ctx, initiate.UserID, initiate.TargetUserID)
		if err != nil {
			r.notify(CallUnresolved{
				Sender:         initiate.Sender,
				ConversationID: initiate.ConversationID,
				Code:           CodeConversationUnavailable,
				Message:        "conversation could not be loaded",
			})
			return err
		}
		if initiate.ConversationID != "" && initiate.ConversationID != conversation.ConversationID {
			r.notify(CallUnresolved{
				Sender:         initiate.Sender,
				ConversationID: initiate.ConversationID,
				Code:           CodeConversationMismatch,
				Message:        errConversationMismatch.Error(),
			})
			return errConversationMismatch
		}
		initiate.ConversationID = conversation.ConversationID
		r.notify(CallResolved{Initiate: initiate})
		return nil
	})
}

// RecordCallStarted stores a "call started" message from the caller.
func (r *Recorder) RecordCallStarted(record calls.Record) {
	request := chat.AppendRequest{
		ConversationID: record.ConversationID,
		SenderID:       record.CallerID,
		Text:           CallStartedText(record.IsVideo),
		Type:           chat.MessageTypeCall,
		Call:           &chat.CallDetails{Status: chat.CallStatusStarted, IsVideo: record.IsVideo},
	}
	r.appendCallMessage("record_call_started", record, request)
}

// RecordCallEnded stores the closing message for a call. A call that was
// never answered is recorded as missed.
func (r *Recorder) RecordCallEnded(record calls.Record, durationSeconds int64) {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	status := chat.CallStatusEnded
	text := CallEndedText(record.IsVideo, durationSeconds)
	if !record.Answered() {
		status = chat.CallStatusMissed
		durationSeconds = 0
		text = CallEndedText(record.IsVideo, 0)
	}
	request := chat.AppendRequest{
		ConversationID: record.ConversationID,
		SenderID:       record.CallerID,
		Text:           text,
		Type:           chat.MessageTypeCall,
		Call:           &chat.CallDetails{Status: status, DurationSeconds: durationSeconds, IsVideo: record.IsVideo},
	}
	r.appendCallMessage("record_call_ended", record, request)
}

// MarkConversationSeen marks the conversation read once viewerID and
// notifyUserID are confirmed to be its participants.
func (r *Recorder) MarkConversationSeen(conversationID, viewerID, notifyUserID string) {
	r.runOrdered(conversationID, "mark_conversation_seen", []zap.Field{
		zap.String("conversation_id", conversationID),
		zap.String("user_id", viewerID),
	}, func(ctx context.Context) error {
		conversation, err := r.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if !isParticipant(conversation, viewerID) || !isParticipant(conversation, notifyUserID) {
			return errNotParticipant
		}
		if _, err := r.store.MarkConversationSeen(ctx, conversationID); err != nil {
			return err
		}
		r.notify(MessagesSeen{ConversationID: conversationID, NotifyUserID: notifyUserID})
		return nil
	})
}

// Wait blocks until every background write has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) appendCallMessage(operation string, record calls.Record, request chat.AppendRequest) {
	r.runOrdered(record.ConversationID, operation, []zap.Field{
		zap.String("conversation_id", record.ConversationID),
		zap.String("caller_id", record.CallerID),
	}, func(ctx context.Context) error {
		conversation, err := r.store.GetConversation(ctx, record.ConversationID)
		if err != nil {
			return err
		}
		if !isParticipant(conversation, record.CallerID) || !isParticipant(conversation, record.CalleeID) {
			return errNotParticipant
		}
		message, err := r.store.AppendMessage(ctx, request)
		if err != nil {
			return err
		}
		if err := r.store.SetConversationLastMessage(ctx, message.ConversationID, message.Text, message.SenderID); err != nil {
			return err
		}
		r.notify(MessageRecorded{Message: message, Recipients: []string{record.CallerID, record.CalleeID}})
		return nil
	})
}

func (r *Recorder) run(operation string, fields []zap.Field, task func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(operation, fields, task)
	}()
}

// runOrdered chains tasks sharing key so each starts after the previous one
// finished.
func (r *Recorder) runOrdered(key, operation string, fields []zap.Field, task func(ctx context.Context) error) {
	done := make(chan struct{})
	r.mu.Lock()
	previous := r.tails[key]
	r.tails[key] = done
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			if r.tails[key] == done {
				delete(r.tails, key)
			}
			r.mu.Unlock()
			close(done)
		}()
		if previous != nil {
			<-previous
		}
		r.execute(operation, fields, task)
	}()
}

func (r *Recorder) execute(operation string, fields []zap.Field, task func(ctx context.Context) error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("recorder task panicked",
				append(fields, zap.String("operation", operation), zap.Any("panic", recovered))...)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := task(ctx); err != nil {
		r.logger.Warn("recorder task failed",
			append(fields, zap.String("operation", operation), zap.Error(err))...)
	}
}

func isParticipant(conversation chat.Conversation, userID string) bool {
	if userID == "" {
		return false
	}
	for _, participant := range conversation.Participants() {
		if participant == userID {
			return true
		}
	}
	return false
}

// CallStartedText is the summary line stored when a call starts ringing.
func CallStartedText(isVideo bool) string {
	if isVideo {
		return "Started a video call"
	}
	return "Started an audio call"
}

// CallEndedText is the summary line stored when a call ends.
func CallEndedText(isVideo bool, durationSeconds int64) string {
	kind := "Audio"
	if isVideo {
		kind = "Video"
	}
	return fmt.Sprintf("%s call · %s", kind, FormatDuration(durationSeconds))
}

// FormatDuration renders seconds as MM:SS. Minutes are not capped at 59.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
