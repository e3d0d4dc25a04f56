package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "chat.service.new"
	opCreateConversation  = "chat.create_conversation"
	opFindConversation    = "chat.find_conversation"
	opAppendMessage       = "chat.append_message"
	opSetLastMessage      = "chat.set_last_message"
	opMarkSeen            = "chat.mark_seen"
	opListMessages        = "chat.list_messages"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "conversation_not_found"
	reasonQueryFailed     = "query_failed"
	reasonIDGeneration    = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonMissingDatabase = "missing_database"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists conversations and their messages.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateConversation returns the conversation between the two users,
// creating it when none exists yet.
func (s *Service) CreateConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	low, high, err := orderedPair(userA, userB)
	if err != nil {
		return Conversation{}, newServiceError(opCreateConversation, reasonInvalidInput, err)
	}

	existing, err := s.FindConversation(ctx, low, high)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return Conversation{}, err
	}

	conversationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateConversation, reasonIDGeneration, err)
		return Conversation{}, newServiceError(opCreateConversation, reasonIDGeneration, err)
	}
	now := s.clock().UTC().Unix()
	conversation := Conversation{
		ConversationID:   conversationID,
		ParticipantLow:   low,
		ParticipantHigh:  high,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		// A concurrent first call for the same pair may have won the insert.
		if existing, findErr := s.FindConversation(ctx, low, high); findErr == nil {
			return existing, nil
		}
		s.logError(opCreateConversation, reasonInsertFailed, err,
			zap.String("participant_low", low),
			zap.String("participant_high", high))
		return Conversation{}, newServiceError(opCreateConversation, reasonInsertFailed, err)
	}
	return conversation, nil
}

// FindConversation returns the conversation linking both users.
func (s *Service) FindConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	low, high, err := orderedPair(userA, userB)
	if err != nil {
		return Conversation{}, newServiceError(opFindConversation, reasonInvalidInput, err)
	}

	var conversation Conversation
	err = s.db.WithContext(ctx).
		Where("participant_low = ? AND participant_high = ?", low, high).
		Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, newServiceError(opFindConversation, reasonNotFound, ErrConversationNotFound)
	}
	if err != nil {
		s.logError(opFindConversation, reasonQueryFailed, err)
		return Conversation{}, newServiceError(opFindConversation, reasonQueryFailed, err)
	}
	return conversation, nil
}

// AppendMessage stores a message in an existing conversation.
func (s *Service) AppendMessage(ctx context.Context, request AppendRequest) (Message, error) {
	normalized, err := request.normalized()
	if err != nil {
		return Message{}, newServiceError(opAppendMessage, reasonInvalidInput, err)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendMessage, reasonIDGeneration, err)
		return Message{}, newServiceError(opAppendMessage, reasonIDGeneration, err)
	}

	message := Message{
		MessageID:        messageID,
		ConversationID:   normalized.ConversationID,
		SenderID:         normalized.SenderID,
		Text:             normalized.Text,
		ImageURL:         normalized.ImageURL,
		MessageType:      normalized.Type,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if normalized.Call != nil {
		message.CallStatus = normalized.Call.Status
		message.CallDurationSeconds = normalized.Call.DurationSeconds
		message.IsVideoCall = normalized.Call.IsVideo
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireConversation(tx, normalized.ConversationID); err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				return newServiceError(opAppendMessage, reasonNotFound, err)
			}
			s.logError(opAppendMessage, reasonQueryFailed, err,
				zap.String("conversation_id", normalized.ConversationID))
			return newServiceError(opAppendMessage, reasonQueryFailed, err)
		}
		if err := tx.Create(&message).Error; err != nil {
			s.logError(opAppendMessage, reasonInsertFailed, err,
				zap.String("conversation_id", normalized.ConversationID))
			return newServiceError(opAppendMessage, reasonInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Message{}, txErr
	}

	return message, nil
}

// SetConversationLastMessage replaces the conversation's summary. The new
// summary is unseen.
func (s *Service) SetConversationLastMessage(ctx context.Context, conversationID, text, senderID string) error {
	id, err := validateIdentifier(conversationID, ErrInvalidConversationID)
	if err != nil {
		return newServiceError(opSetLastMessage, reasonInvalidInput, err)
	}
	sender, err := validateIdentifier(senderID, ErrInvalidUserID)
	if err != nil {
		return newServiceError(opSetLastMessage, reasonInvalidInput, err)
	}

	result := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("conversation_id = ?", id).
		Updates(map[string]interface{}{
			"last_message_text":      text,
			"last_message_sender_id": sender,
			"last_message_seen":      false,
			"updated_at_s":           s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opSetLastMessage, reasonUpdateFailed, result.Error, zap.String("conversation_id", id))
		return newServiceError(opSetLastMessage, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetLastMessage, reasonNotFound, ErrConversationNotFound)
	}
	return nil
}

// MarkConversationSeen flags every unseen message of the conversation and
// its summary as seen. It returns the number of messages updated.
func (s *Service) MarkConversationSeen(ctx context.Context, conversationID string) (int64, error) {
	id, err := validateIdentifier(conversationID, ErrInvalidConversationID)
	if err != nil {
		return 0, newServiceError(opMarkSeen, reasonInvalidInput, err)
	}

	var updated int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireConversation(tx, id); err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				return newServiceError(opMarkSeen, reasonNotFound, err)
			}
			return newServiceError(opMarkSeen, reasonQueryFailed, err)
		}
		result := tx.Model(&Message{}).
			Where("conversation_id = ? AND seen = ?", id, false).
			Update("seen", true)
		if result.Error != nil {
			s.logError(opMarkSeen, reasonUpdateFailed, result.Error, zap.String("conversation_id", id))
			return newServiceError(opMarkSeen, reasonUpdateFailed, result.Error)
		}
		updated = result.RowsAffected
		if err := tx.Model(&Conversation{}).
			Where("conversation_id = ?", id).
			Update("last_message_seen", true).Error; err != nil {
			s.logError(opMarkSeen, reasonUpdateFailed, err, zap.String("conversation_id", id))
			return newServiceError(opMarkSeen, reasonUpdateFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return updated, nil
}

// ListMessages returns a conversation's messages, oldest first.
func (s *Service) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	id, err := validateIdentifier(conversationID, ErrInvalidConversationID)
	if err != nil {
		return nil, newServiceError(opListMessages, reasonInvalidInput, err)
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", id).
		Order("created_at_s ASC").
		Order("message_id ASC").
		Find(&messages).Error; err != nil {
		s.logError(opListMessages, reasonQueryFailed, err, zap.String("conversation_id", id))
		return nil, newServiceError(opListMessages, reasonQueryFailed, err)
	}
	return messages, nil
}

// GetConversation loads a conversation by id.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	id, err := validateIdentifier(conversationID, ErrInvalidConversationID)
	if err != nil {
		return Conversation{}, newServiceError(opFindConversation, reasonInvalidInput, err)
	}
	var conversation Conversation
	err = s.db.WithContext(ctx).Where("conversation_id = ?", id).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, newServiceError(opFindConversation, reasonNotFound, ErrConversationNotFound)
	}
	if err != nil {
		return Conversation{}, newServiceError(opFindConversation, reasonQueryFailed, err)
	}
	return conversation, nil
}

func requireConversation(tx *gorm.DB, conversationID string) error {
	var count int64
	if err := tx.Model(&Conversation{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func orderedPair(userA, userB string) (string, string, error) {
	first, err := validateIdentifier(userA, ErrInvalidUserID)
	if err != nil {
		return "", "", err
	}
	second, err := validateIdentifier(userB, ErrInvalidUserID)
	if err != nil {
		return "", "", err
	}
	if first == second {
		return "", "", fmt.Errorf("%w: conversation needs two distinct participants", ErrInvalidUserID)
	}
	if second < first {
		first, second = second, first
	}
	return first, second, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("chat service error", attrs...)
}
