package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
	"github.com/capitalize-ai/inbox/pkg/metrics"
)

// MaxContentBytes bounds a message body.
const MaxContentBytes = 100000

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Feed is a live subscription opened on a MessageLog.
type Feed interface {
	Unsubscribe() error
}

// MessageLog is the ordered, append-only store of messages.
type MessageLog interface {
	Append(ctx context.Context, msg *model.Message) (bool, error)
	History(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error)
	Subscribe(ctx context.Context, conversationID string, onEvent func(model.Message), onLost func(error)) (Feed, error)
}

// concreteLog is a log whose Subscribe returns its own feed type.
type concreteLog[F Feed] interface {
	Append(ctx context.Context, msg *model.Message) (bool, error)
	History(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error)
	Subscribe(ctx context.Context, conversationID string, onEvent func(model.Message), onLost func(error)) (F, error)
}

// AdaptLog turns a log with a concrete feed type into a MessageLog.
func AdaptLog[F Feed](l concreteLog[F]) MessageLog {
	return adaptedLog[F]{l}
}

type adaptedLog[F Feed] struct {
	concreteLog[F]
}

func (a adaptedLog[F]) Subscribe(ctx context.Context, conversationID string, onEvent func(model.Message), onLost func(error)) (Feed, error) {
	f, err := a.concreteLog.Subscribe(ctx, conversationID, onEvent, onLost)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// MessageService handles message operations.
type MessageService struct {
	log           MessageLog
	conversations *ConversationService
	users         *UserService
	logger        *logger.Logger
	now           func() time.Time
}

// NewMessageService creates a new message service.
func NewMessageService(log MessageLog, conversations *ConversationService, users *UserService, l *logger.Logger) *MessageService {
	return &MessageService{
		log:           log,
		conversations: conversations,
		users:         users,
		logger:        l.Named("messages"),
		now:           time.Now,
	}
}

// Insert validates and stores a message from userID. A missing or local id
// is replaced by a UUIDv7 and every message is stamped with the server clock.
// Inserting an id that is already stored returns the stored message.
func (s *MessageService) Insert(ctx context.Context, userID, conversationID string, req *model.SendMessageRequest) (*model.Message, error) {
	ctx, span := tracer.Start(ctx, "MessageService.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	msg, err := s.build(userID, conversationID, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := s.conversations.Authorize(ctx, userID, conversationID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if u, err := s.users.Get(ctx, userID); err == nil {
		msg.Sender = u
	}

	duplicate, err := s.log.Append(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	seq := msg.Sequence
	if duplicate {
		if msg.ConversationID != conversationID || msg.SenderID != userID {
			span.SetStatus(codes.Error, "id reused")
			return nil, fmt.Errorf("%w: message id already used", model.ErrValidation)
		}
		span.SetAttributes(attribute.Bool("message.duplicate", true))
		s.logger.Debug("message already stored",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", msg.ID),
			zap.Uint64("sequence", seq),
		)
		return msg, nil
	}

	if err := s.conversations.RecordMessage(ctx, msg); err != nil {
		s.logger.Warn("failed to record conversation activity",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Kind)).Inc()
	span.SetAttributes(attribute.String("message.id", msg.ID), attribute.Int64("message.sequence", int64(seq)))
	s.logger.Debug("message inserted",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", msg.ID),
		zap.Uint64("sequence", seq),
	)

	return msg, nil
}

func (s *MessageService) build(userID, conversationID string, req *model.SendMessageRequest) (*model.Message, error) {
	content := strings.TrimSpace(req.Content)
	switch {
	case content == "":
		return nil, fmt.Errorf("%w: content is required", model.ErrValidation)
	case len(content) > MaxContentBytes:
		return nil, fmt.Errorf("%w: content exceeds %d bytes", model.ErrValidation, MaxContentBytes)
	case !utf8.ValidString(content):
		return nil, fmt.Errorf("%w: content is not valid UTF-8", model.ErrValidation)
	}

	kind := req.Kind
	if kind == "" {
		kind = model.KindText
	}
	if !kind.Valid() || kind == model.KindSystem {
		return nil, fmt.Errorf("%w: kind %q cannot be sent", model.ErrValidation, kind)
	}

	now := s.now().UTC()
	msg := &model.Message{
		ID:             req.ID,
		ConversationID: conversationID,
		SenderID:       userID,
		Kind:           kind,
		Content:        content,
		AttachmentURL:  req.AttachmentURL,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if msg.ID == "" || model.IsPlaceholderID(msg.ID) {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	} else if _, err := uuid.Parse(msg.ID); err != nil {
		return nil, fmt.Errorf("%w: message id must be a UUID", model.ErrValidation)
	}
	return msg, nil
}

// History returns a page of a conversation's messages in ascending order.
func (s *MessageService) History(ctx context.Context, userID, conversationID string, afterSequence uint64, limit int) (*model.ListMessagesResponse, error) {
	ctx, span := tracer.Start(ctx, "MessageService.History")
	defer span.End()

	if err := s.conversations.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	messages, lastSeq, hasMore, err := s.log.History(ctx, conversationID, afterSequence, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	span.SetAttributes(attribute.Int("messages.count", len(messages)))

	return &model.ListMessagesResponse{
		Messages:     messages,
		HasMore:      hasMore,
		LastSequence: lastSeq,
	}, nil
}

// Subscribe opens a live feed of messages inserted into a conversation the
// caller participates in.
func (s *MessageService) Subscribe(ctx context.Context, userID, conversationID string, onEvent func(model.Message), onLost func(error)) (Feed, error) {
	if err := s.conversations.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	feed, err := s.log.Subscribe(ctx, conversationID, onEvent, onLost)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return feed, nil
}
