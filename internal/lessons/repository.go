// Package lessons is the video lifecycle store: the ordered list of video
// entries per lesson, their per-index processing state, and the derived
// lesson-level processing flag.
package lessons

import (
	"context"
	"errors"

	"coursecast/internal/models"
)

// ErrLessonNotFound is returned when the lesson ID is unknown.
var ErrLessonNotFound = errors.New("lesson not found")

// ErrVideoIndexOutOfRange is returned when an operation names an index the
// lesson does not have.
var ErrVideoIndexOutOfRange = errors.New("video index out of range")

// VideoInput describes one video entry in a create or edit submission. A
// non-empty LocalSource marks a fresh upload awaiting transcode; an empty one
// means "keep whatever this index already holds".
type VideoInput struct {
	Name             string `json:"name"`
	LocalSource      string `json:"localSource,omitempty"`
	Thumbnail        string `json:"thumbnail,omitempty"`
	OriginalFilename string `json:"originalFilename,omitempty"`
}

// VideoCommit is the atomic field set written when a transcode job succeeds.
// The whole entry is replaced in one write so no reader ever observes a
// manifest reference without its key material.
type VideoCommit struct {
	ManifestRef      string
	KeyID            string
	WrappedKey       string
	OriginalFilename string
}

// RemovalHook is notified for every entry dropped from a lesson, whether by
// an edit shrinking the list or by lesson deletion. Implementations own the
// cascading artifact cleanup; failures are logged by the store and do not
// abort the removal.
type RemovalHook interface {
	OnEntryRemoved(ctx context.Context, lessonID int64, index int, entry models.VideoEntry) error
}

// Repository is the persistence contract shared by the in-memory and
// Postgres implementations.
type Repository interface {
	CreateLesson(ctx context.Context, courseID int64, name, thumbnail string, videos []VideoInput) (models.Lesson, error)
	GetLesson(ctx context.Context, id int64) (models.Lesson, bool, error)
	ListLessons(ctx context.Context) ([]models.Lesson, error)
	// ReplaceVideos installs a new entry list for the lesson, firing the
	// removal hook for indices that no longer exist, and recomputes the
	// processing flag.
	ReplaceVideos(ctx context.Context, lessonID int64, videos []models.VideoEntry) (models.Lesson, error)
	// SetThumbnail replaces the lesson-level thumbnail reference.
	SetThumbnail(ctx context.Context, lessonID int64, thumbnail string) (models.Lesson, error)
	// DeleteLesson removes the lesson, firing the removal hook for every
	// entry it held.
	DeleteLesson(ctx context.Context, id int64) error
	// SetVideoState records a state transition for one entry and recomputes
	// the lesson processing flag.
	SetVideoState(ctx context.Context, lessonID int64, index int, state models.VideoState, message string) error
	// CommitVideoReady atomically writes the full ready entry: manifest,
	// key identity, wrapped key, audit filename; the transient source
	// reference is cleared in the same write.
	CommitVideoReady(ctx context.Context, lessonID int64, index int, commit VideoCommit) error
	// FindVideoByKeyID scans the whole corpus for the entry carrying keyID.
	FindVideoByKeyID(ctx context.Context, keyID string) (models.Lesson, int, bool, error)
	Close(ctx context.Context) error
}

// EntriesFromInputs builds fresh entries for a create submission.
func EntriesFromInputs(videos []VideoInput) []models.VideoEntry {
	entries := make([]models.VideoEntry, 0, len(videos))
	for _, input := range videos {
		entry := models.VideoEntry{
			Name:             input.Name,
			SourceRef:        input.LocalSource,
			ThumbnailRef:     input.Thumbnail,
			OriginalFilename: input.OriginalFilename,
			State:            models.VideoStatePending,
		}
		entries = append(entries, entry)
	}
	return entries
}
