package lessons

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"coursecast/internal/models"
)

type dataset struct {
	NextID  int64                   `json:"nextId"`
	Lessons map[int64]models.Lesson `json:"lessons"`
}

// Store is the JSON-file-backed repository used for single-node deployments
// and tests. All reads return deep copies; the backing file is rewritten
// atomically after every mutation.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	hooks    []RemovalHook
	logger   *slog.Logger

	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// StoreOption mutates store configuration.
type StoreOption func(*Store)

// WithRemovalHook registers a lifecycle hook fired for removed entries.
func WithRemovalHook(hook RemovalHook) StoreOption {
	return func(s *Store) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore opens (or initialises) the store. An empty filePath keeps the
// dataset purely in memory.
func NewStore(filePath string, opts ...StoreOption) (*Store, error) {
	store := &Store{
		filePath: strings.TrimSpace(filePath),
		data:     dataset{NextID: 1, Lessons: make(map[int64]models.Lesson)},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(store)
	}
	if store.filePath != "" {
		if err := store.load(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lesson store: %w", err)
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode lesson store: %w", err)
	}
	if data.Lessons == nil {
		data.Lessons = make(map[int64]models.Lesson)
	}
	if data.NextID <= 0 {
		data.NextID = 1
	}
	s.data = data
	return nil
}

func (s *Store) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lesson store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filePath), "lessons-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write lesson store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close lesson store: %w", err)
	}
	return os.Rename(tmp.Name(), s.filePath)
}

func (s *Store) CreateLesson(_ context.Context, courseID int64, name, thumbnail string, videos []VideoInput) (models.Lesson, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return models.Lesson{}, fmt.Errorf("lesson name is required")
	}
	entries := EntriesFromInputs(videos)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	lesson := models.Lesson{
		ID:         s.data.NextID,
		CourseID:   courseID,
		Name:       trimmed,
		Thumbnail:  strings.TrimSpace(thumbnail),
		Videos:     entries,
		Processing: models.ComputeProcessing(entries),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.data.NextID++
	s.data.Lessons[lesson.ID] = lesson
	if err := s.persistLocked(); err != nil {
		delete(s.data.Lessons, lesson.ID)
		s.data.NextID--
		return models.Lesson{}, err
	}
	return models.CloneLesson(lesson), nil
}

func (s *Store) GetLesson(_ context.Context, id int64) (models.Lesson, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lesson, ok := s.data.Lessons[id]
	if !ok {
		return models.Lesson{}, false, nil
	}
	return models.CloneLesson(lesson), true, nil
}

func (s *Store) ListLessons(_ context.Context) ([]models.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lessons := make([]models.Lesson, 0, len(s.data.Lessons))
	for _, lesson := range s.data.Lessons {
		lessons = append(lessons, models.CloneLesson(lesson))
	}
	sort.Slice(lessons, func(i, j int) bool { return lessons[i].ID < lessons[j].ID })
	return lessons, nil
}

func (s *Store) ReplaceVideos(ctx context.Context, lessonID int64, videos []models.VideoEntry) (models.Lesson, error) {
	s.mu.Lock()
	lesson, ok := s.data.Lessons[lessonID]
	if !ok {
		s.mu.Unlock()
		return models.Lesson{}, ErrLessonNotFound
	}
	original := lesson
	previous := lesson.Videos
	lesson.Videos = models.CloneVideos(videos)
	lesson.Processing = models.ComputeProcessing(lesson.Videos)
	lesson.UpdatedAt = time.Now().UTC()
	s.data.Lessons[lessonID] = lesson
	if err := s.persistLocked(); err != nil {
		s.data.Lessons[lessonID] = original
		s.mu.Unlock()
		return models.Lesson{}, err
	}
	s.mu.Unlock()

	// Entries beyond the new length no longer exist; cascade their artifacts.
	for index := len(videos); index < len(previous); index++ {
		s.fireRemoval(ctx, lessonID, index, previous[index])
	}
	return models.CloneLesson(lesson), nil
}

func (s *Store) DeleteLesson(ctx context.Context, id int64) error {
	s.mu.Lock()
	lesson, ok := s.data.Lessons[id]
	if !ok {
		s.mu.Unlock()
		return ErrLessonNotFound
	}
	delete(s.data.Lessons, id)
	if err := s.persistLocked(); err != nil {
		s.data.Lessons[id] = lesson
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	for index, entry := range lesson.Videos {
		s.fireRemoval(ctx, id, index, entry)
	}
	return nil
}

func (s *Store) SetVideoState(_ context.Context, lessonID int64, index int, state models.VideoState, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lesson, ok := s.data.Lessons[lessonID]
	if !ok {
		return ErrLessonNotFound
	}
	if index < 0 || index >= len(lesson.Videos) {
		return ErrVideoIndexOutOfRange
	}
	entry := lesson.Videos[index]
	entry.State = state
	entry.Error = message
	lesson.Videos = models.CloneVideos(lesson.Videos)
	lesson.Videos[index] = entry
	lesson.Processing = models.ComputeProcessing(lesson.Videos)
	lesson.UpdatedAt = time.Now().UTC()
	s.data.Lessons[lessonID] = lesson
	return s.persistLocked()
}

func (s *Store) CommitVideoReady(_ context.Context, lessonID int64, index int, commit VideoCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lesson, ok := s.data.Lessons[lessonID]
	if !ok {
		return ErrLessonNotFound
	}
	if index < 0 || index >= len(lesson.Videos) {
		return ErrVideoIndexOutOfRange
	}
	entry := lesson.Videos[index]
	entry.ManifestRef = commit.ManifestRef
	entry.KeyID = commit.KeyID
	entry.WrappedKey = commit.WrappedKey
	if commit.OriginalFilename != "" {
		entry.OriginalFilename = commit.OriginalFilename
	}
	entry.SourceRef = ""
	entry.State = models.VideoStateReady
	entry.Error = ""
	lesson.Videos = models.CloneVideos(lesson.Videos)
	lesson.Videos[index] = entry
	lesson.Processing = models.ComputeProcessing(lesson.Videos)
	lesson.UpdatedAt = time.Now().UTC()
	s.data.Lessons[lessonID] = lesson
	return s.persistLocked()
}

func (s *Store) SetThumbnail(_ context.Context, lessonID int64, thumbnail string) (models.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lesson, ok := s.data.Lessons[lessonID]
	if !ok {
		return models.Lesson{}, ErrLessonNotFound
	}
	original := lesson
	lesson.Thumbnail = strings.TrimSpace(thumbnail)
	lesson.UpdatedAt = time.Now().UTC()
	s.data.Lessons[lessonID] = lesson
	if err := s.persistLocked(); err != nil {
		s.data.Lessons[lessonID] = original
		return models.Lesson{}, err
	}
	return models.CloneLesson(lesson), nil
}

func (s *Store) FindVideoByKeyID(_ context.Context, keyID string) (models.Lesson, int, bool, error) {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return models.Lesson{}, 0, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lesson := range s.data.Lessons {
		for index, entry := range lesson.Videos {
			if entry.KeyID == trimmed {
				return models.CloneLesson(lesson), index, true, nil
			}
		}
	}
	return models.Lesson{}, 0, false, nil
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) fireRemoval(ctx context.Context, lessonID int64, index int, entry models.VideoEntry) {
	for _, hook := range s.hooks {
		if err := hook.OnEntryRemoved(ctx, lessonID, index, entry); err != nil {
			s.logger.Error("entry removal cleanup failed",
				"lesson_id", lessonID, "video_index", index, "error", err)
		}
	}
}
