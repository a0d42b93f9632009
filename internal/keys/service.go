package keys

import (
	"context"
	"fmt"
	"log/slog"

	"coursecast/internal/models"
)

// EntryFinder locates the video entry a key ID belongs to. The lessons
// repository satisfies this.
type EntryFinder interface {
	FindVideoByKeyID(ctx context.Context, keyID string) (models.Lesson, int, bool, error)
}

// ServiceConfig wires the retrieval contract together.
type ServiceConfig struct {
	Manager *Manager
	Finder  EntryFinder
	Policy  AccessPolicy
	Logger  *slog.Logger
}

// Service implements key retrieval for the streaming gateway: find the entry,
// consult the entitlement policy, unwrap, and length-check.
type Service struct {
	manager *Manager
	finder  EntryFinder
	policy  AccessPolicy
	logger  *slog.Logger
}

// NewService validates its collaborators; every one of them is mandatory, the
// access policy included.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	if cfg.Finder == nil {
		return nil, fmt.Errorf("entry finder is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("access policy is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{manager: cfg.Manager, finder: cfg.Finder, policy: cfg.Policy, logger: logger}, nil
}

// Resolve returns the raw 16 content-key bytes for keyID, or ErrNotFound /
// ErrAccessDenied / ErrDecrypt / ErrKeyFormat.
func (s *Service) Resolve(ctx context.Context, keyID, subject string) ([]byte, error) {
	lesson, index, found, err := s.finder.FindVideoByKeyID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("lookup key %s: %w", keyID, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	entry := lesson.Videos[index]
	if err := s.policy.Authorize(ctx, AccessRequest{
		KeyID:    keyID,
		LessonID: lesson.ID,
		CourseID: lesson.CourseID,
		Subject:  subject,
	}); err != nil {
		return nil, err
	}
	raw, err := s.manager.Unwrap(entry.WrappedKey)
	if err != nil {
		s.logger.Error("content key unwrap failed",
			"key_id", keyID, "lesson_id", lesson.ID, "video_index", index, "error", err)
		return nil, err
	}
	return raw, nil
}
