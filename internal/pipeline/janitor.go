package pipeline

import (
	"context"
	"log/slog"

	"coursecast/internal/models"
	"coursecast/internal/objectstore"
)

// Janitor removes streaming artifacts that no lesson entry references any
// more. It backs the store's removal hook and the edit-time reconcile pass.
type Janitor struct {
	store  objectstore.Client
	logger *slog.Logger
}

func NewJanitor(store objectstore.Client, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, logger: logger}
}

// OnEntryRemoved deletes everything a removed entry published. Wrapped key
// material dies with the lesson record; only remote objects need cleanup.
func (j *Janitor) OnEntryRemoved(ctx context.Context, lessonID int64, index int, entry models.VideoEntry) error {
	if entry.ManifestRef == "" && entry.ThumbnailRef == "" {
		return nil
	}
	if entry.ManifestRef != "" {
		if err := j.store.DeletePrefix(ctx, ArtifactPrefix(lessonID, index)); err != nil {
			return err
		}
	}
	if entry.ThumbnailRef != "" {
		if err := j.store.Delete(ctx, entry.ThumbnailRef); err != nil {
			j.logger.Warn("thumbnail cleanup failed",
				"lesson_id", lessonID, "video_index", index, "error", err)
		}
	}
	j.logger.Info("removed artifacts for dropped entry",
		"lesson_id", lessonID, "video_index", index)
	return nil
}

// Reconcile compares the previous entry list against the incoming one and
// deletes artifacts for every index whose published output is being replaced
// by a fresh upload. Entries kept as-is are left untouched. Call before
// dispatching the new jobs so stale segments never shadow new ones.
func (j *Janitor) Reconcile(ctx context.Context, lessonID int64, previous, next []models.VideoEntry) {
	for index, entry := range next {
		if index >= len(previous) {
			continue
		}
		old := previous[index]
		if old.ManifestRef == "" {
			continue
		}
		// A pending source at this index means the old rendition is
		// being re-encoded.
		if entry.SourceRef == "" {
			continue
		}
		if err := j.store.DeletePrefix(ctx, ArtifactPrefix(lessonID, index)); err != nil {
			j.logger.Warn("stale artifact cleanup failed",
				"lesson_id", lessonID, "video_index", index, "error", err)
		}
	}
}
