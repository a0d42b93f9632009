package keys

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"coursecast/internal/models"
)

type fakeFinder struct {
	lesson models.Lesson
	index  int
	found  bool
	err    error
}

func (f *fakeFinder) FindVideoByKeyID(context.Context, string) (models.Lesson, int, bool, error) {
	return f.lesson, f.index, f.found, f.err
}

type denyPolicy struct{}

func (denyPolicy) Authorize(context.Context, AccessRequest) error { return ErrAccessDenied }

type recordingPolicy struct {
	req AccessRequest
}

func (p *recordingPolicy) Authorize(_ context.Context, req AccessRequest) error {
	p.req = req
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServiceResolveReturnsRawKey(t *testing.T) {
	manager := newTestManager(t)
	raw, keyID, err := manager.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	wrapped, err := manager.Wrap(raw)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	policy := &recordingPolicy{}
	service, err := NewService(ServiceConfig{
		Manager: manager,
		Finder: &fakeFinder{
			lesson: models.Lesson{
				ID:       7,
				CourseID: 3,
				Videos:   []models.VideoEntry{{KeyID: keyID, WrappedKey: wrapped}},
			},
			found: true,
		},
		Policy: policy,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	resolved, err := service.Resolve(context.Background(), keyID, "viewer-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(resolved) != string(raw) {
		t.Fatal("resolved key does not match generated key")
	}
	if policy.req.LessonID != 7 || policy.req.CourseID != 3 || policy.req.Subject != "viewer-1" {
		t.Fatalf("policy saw %+v", policy.req)
	}
}

func TestServiceResolveUnknownKey(t *testing.T) {
	service, err := NewService(ServiceConfig{
		Manager: newTestManager(t),
		Finder:  &fakeFinder{},
		Policy:  AllowAll{},
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := service.Resolve(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve = %v, want ErrNotFound", err)
	}
}

func TestServiceResolveDenied(t *testing.T) {
	manager := newTestManager(t)
	raw, keyID, err := manager.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	wrapped, err := manager.Wrap(raw)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Manager: manager,
		Finder: &fakeFinder{
			lesson: models.Lesson{Videos: []models.VideoEntry{{KeyID: keyID, WrappedKey: wrapped}}},
			found:  true,
		},
		Policy: denyPolicy{},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := service.Resolve(context.Background(), keyID, "stranger"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Resolve = %v, want ErrAccessDenied", err)
	}
}

func TestServiceRequiresPolicy(t *testing.T) {
	if _, err := NewService(ServiceConfig{
		Manager: newTestManager(t),
		Finder:  &fakeFinder{},
	}); err == nil {
		t.Fatal("expected error when policy is missing")
	}
}
