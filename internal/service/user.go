package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/directory"
	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

// UserService manages user profiles.
type UserService struct {
	dir    directory.Directory
	logger *logger.Logger
	now    func() time.Time
}

// NewUserService creates a new user service.
func NewUserService(dir directory.Directory, log *logger.Logger) *UserService {
	return &UserService{dir: dir, logger: log.Named("users"), now: time.Now}
}

// Ensure creates the profile of an authenticated user on first sight.
func (s *UserService) Ensure(ctx context.Context, userID, name string) (*model.User, error) {
	u, err := s.dir.User(ctx, userID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	if name = strings.TrimSpace(name); name == "" {
		name = userID
	}
	now := s.now().UTC()
	u = &model.User{
		ID:        userID,
		FullName:  name,
		Status:    model.StatusOnline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.dir.UpsertUser(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("user provisioned", zap.String("user_id", userID))
	return u, nil
}

// Get returns a profile.
func (s *UserService) Get(ctx context.Context, userID string) (*model.User, error) {
	return s.dir.User(ctx, userID)
}

// Update changes the caller's profile, creating it if needed.
func (s *UserService) Update(ctx context.Context, userID string, req *model.UpdateProfileRequest) (*model.User, error) {
	u, err := s.Ensure(ctx, userID, req.FullName)
	if err != nil {
		return nil, err
	}

	if name := strings.TrimSpace(req.FullName); name != "" {
		u.FullName = name
	}
	if req.AvatarURL != "" {
		u.AvatarURL = req.AvatarURL
	}
	switch req.Status {
	case "":
	case model.StatusOnline, model.StatusOffline, model.StatusAway:
		u.Status = req.Status
	default:
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrValidation, req.Status)
	}
	u.UpdatedAt = s.now().UTC()

	if err := s.dir.UpsertUser(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return u, nil
}
