// Package service provides business logic for the inbox backend.
package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/directory"
	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
	"github.com/capitalize-ai/inbox/pkg/metrics"
	"github.com/capitalize-ai/inbox/pkg/tracing"
)

var tracer = tracing.Tracer("github.com/capitalize-ai/inbox/internal/service")

// ConversationService handles conversation operations.
type ConversationService struct {
	dir    directory.Directory
	logger *logger.Logger
	now    func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(dir directory.Directory, log *logger.Logger) *ConversationService {
	return &ConversationService{
		dir:    dir,
		logger: log.Named("conversations"),
		now:    time.Now,
	}
}

// Create provisions a conversation. The caller joins as admin; the listed
// participants join as members.
func (s *ConversationService) Create(ctx context.Context, userID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	ctx, span := tracer.Start(ctx, "ConversationService.Create")
	defer span.End()

	members := []string{userID}
	for _, id := range req.Participants {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}

	kind := req.Kind
	if kind == "" {
		kind = model.ConversationGroup
		if len(members) == 2 {
			kind = model.ConversationDirect
		}
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown conversation kind %q", model.ErrValidation, kind)
	}
	if kind == model.ConversationDirect && len(members) != 2 {
		return nil, fmt.Errorf("%w: a direct conversation has exactly two participants", model.ErrValidation)
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a conversation needs at least one other participant", model.ErrValidation)
	}

	now := s.now().UTC()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      strings.TrimSpace(req.Name),
		AvatarURL: req.AvatarURL,
		Kind:      kind,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	participants := make([]model.Participant, len(members))
	for i, id := range members {
		role := model.RoleMember
		if i == 0 {
			role = model.RoleAdmin
		}
		participants[i] = model.Participant{ConversationID: conv.ID, UserID: id, Role: role, JoinedAt: now}
	}

	if err := s.dir.CreateConversation(ctx, conv, participants); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	span.SetAttributes(attribute.String("conversation.id", conv.ID), attribute.Int("conversation.participants", len(members)))
	metrics.ConversationsTotal.WithLabelValues(string(kind)).Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("kind", string(kind)),
		zap.Int("participants", len(members)),
	)

	return conv, nil
}

// Get returns a conversation the caller participates in. Conversations the
// caller cannot see are reported as not found.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	if err := s.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.dir.Conversation(ctx, conversationID)
}

// Authorize checks that userID participates in conversationID.
func (s *ConversationService) Authorize(ctx context.Context, userID, conversationID string) error {
	ok, err := s.dir.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	return nil
}

// List returns the caller's inbox, most recent activity first.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	convs, err := s.dir.ConversationsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	if start < 0 {
		start = 0
	}
	end := start + limit
	if end > total {
		end = total
	}

	page := convs[start:end]
	if page == nil {
		page = []model.Conversation{}
	}
	return &model.ListConversationsResponse{
		Conversations: page,
		Total:         total,
		HasMore:       end < total,
	}, nil
}

// Participants returns the members of a conversation with their profiles.
func (s *ConversationService) Participants(ctx context.Context, userID, conversationID string) ([]model.Participant, error) {
	if err := s.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	parts, err := s.dir.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range parts {
		if u, err := s.dir.User(ctx, parts[i].UserID); err == nil {
			parts[i].User = u
		}
	}
	return parts, nil
}

// RecordMessage bumps the conversation's activity after an insert.
func (s *ConversationService) RecordMessage(ctx context.Context, msg *model.Message) error {
	return s.dir.RecordMessage(ctx, msg)
}
