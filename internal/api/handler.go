package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"coursecast/internal/lessons"
	"coursecast/internal/objectstore"
	"coursecast/internal/pipeline"
)

// Dispatcher queues transcode jobs. Satisfied by the pipeline orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, job pipeline.Job) error
}

type Config struct {
	Store      lessons.Repository
	Objects    objectstore.Client
	Dispatcher Dispatcher
	Janitor    *pipeline.Janitor
	UploadDir  string
	PublicBase string
	Logger     *slog.Logger
}

// Handler owns the lesson management endpoints.
type Handler struct {
	store      lessons.Repository
	objects    objectstore.Client
	dispatcher Dispatcher
	janitor    *pipeline.Janitor
	uploadDir  string
	publicBase string
	logger     *slog.Logger
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lesson store is required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	uploadDir := strings.TrimSpace(cfg.UploadDir)
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      cfg.Store,
		objects:    cfg.Objects,
		dispatcher: cfg.Dispatcher,
		janitor:    cfg.Janitor,
		uploadDir:  uploadDir,
		publicBase: strings.TrimRight(strings.TrimSpace(cfg.PublicBase), "/"),
		logger:     logger,
	}, nil
}

// Register mounts the lesson routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/lessons", h.Lessons)
	mux.HandleFunc("/api/lessons/", h.LessonByID)
}

// Health responds to liveness probes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
