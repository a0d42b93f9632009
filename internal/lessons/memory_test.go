package lessons

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"coursecast/internal/models"
)

type recordedRemoval struct {
	lessonID int64
	index    int
	entry    models.VideoEntry
}

type captureHook struct {
	removals []recordedRemoval
	err      error
}

func (h *captureHook) OnEntryRemoved(_ context.Context, lessonID int64, index int, entry models.VideoEntry) error {
	h.removals = append(h.removals, recordedRemoval{lessonID: lessonID, index: index, entry: entry})
	return h.err
}

func newMemStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	store, err := NewStore("", opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestCreateLessonAssignsIDsAndProcessing(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	lesson, err := store.CreateLesson(ctx, 4, "Intro", "", []VideoInput{
		{Name: "Part 1", LocalSource: "/tmp/a.mp4"},
	})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	if lesson.ID != 1 {
		t.Fatalf("first lesson ID = %d, want 1", lesson.ID)
	}
	if !lesson.Processing {
		t.Fatal("lesson with a pending video must be processing")
	}
	if lesson.Videos[0].State != models.VideoStatePending {
		t.Fatalf("entry state = %q, want pending", lesson.Videos[0].State)
	}

	second, err := store.CreateLesson(ctx, 4, "Outro", "", nil)
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	if second.ID != 2 {
		t.Fatalf("second lesson ID = %d, want 2", second.ID)
	}
	if second.Processing {
		t.Fatal("lesson with no videos must not be processing")
	}
}

func TestCreateLessonRequiresName(t *testing.T) {
	store := newMemStore(t)
	if _, err := store.CreateLesson(context.Background(), 1, "   ", "", nil); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestCreateLessonRollsBackOnPersistFailure(t *testing.T) {
	store := newMemStore(t)
	store.persistOverride = func(dataset) error { return fmt.Errorf("disk full") }

	if _, err := store.CreateLesson(context.Background(), 1, "Doomed", "", nil); err == nil {
		t.Fatal("expected persist failure to surface")
	}

	store.persistOverride = nil
	lesson, err := store.CreateLesson(context.Background(), 1, "Recovered", "", nil)
	if err != nil {
		t.Fatalf("CreateLesson after failure: %v", err)
	}
	if lesson.ID != 1 {
		t.Fatalf("lesson ID = %d, want 1 after rollback", lesson.ID)
	}
}

func TestReplaceVideosRollsBackWholeLesson(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	lesson, err := store.CreateLesson(ctx, 1, "Lesson", "", []VideoInput{
		{Name: "Clip", LocalSource: "/tmp/src.mp4"},
	})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	if err := store.SetVideoState(ctx, lesson.ID, 0, models.VideoStateReady, ""); err != nil {
		t.Fatalf("SetVideoState: %v", err)
	}
	before, _, _ := store.GetLesson(ctx, lesson.ID)

	store.persistOverride = func(dataset) error { return fmt.Errorf("disk full") }
	replacement := []models.VideoEntry{
		{Name: "Fresh", SourceRef: "/tmp/new.mp4", State: models.VideoStatePending},
	}
	if _, err := store.ReplaceVideos(ctx, lesson.ID, replacement); err == nil {
		t.Fatal("expected persist failure to surface")
	}
	store.persistOverride = nil

	after, _, _ := store.GetLesson(ctx, lesson.ID)
	if after.Videos[0].Name != "Clip" {
		t.Fatalf("videos not rolled back: %+v", after.Videos)
	}
	if after.Processing != before.Processing {
		t.Fatalf("processing flag = %v, want %v after rollback", after.Processing, before.Processing)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("updated at = %v, want %v after rollback", after.UpdatedAt, before.UpdatedAt)
	}
}

func TestSetThumbnail(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	lesson, err := store.CreateLesson(ctx, 1, "Lesson", "thumbnails/old.jpg", nil)
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}

	updated, err := store.SetThumbnail(ctx, lesson.ID, "thumbnails/new.jpg")
	if err != nil {
		t.Fatalf("SetThumbnail: %v", err)
	}
	if updated.Thumbnail != "thumbnails/new.jpg" {
		t.Fatalf("thumbnail = %q", updated.Thumbnail)
	}
	if !updated.UpdatedAt.After(lesson.UpdatedAt) && !updated.UpdatedAt.Equal(lesson.UpdatedAt) {
		t.Fatal("updated at went backwards")
	}

	if _, err := store.SetThumbnail(ctx, 99, "thumbnails/x.jpg"); !errors.Is(err, ErrLessonNotFound) {
		t.Fatalf("unknown lesson error = %v", err)
	}
}

func TestCommitVideoReadyIsAtomic(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	lesson, err := store.CreateLesson(ctx, 1, "Lesson", "", []VideoInput{
		{Name: "Clip", LocalSource: "/tmp/src.mp4", OriginalFilename: "raw.mov"},
	})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}

	commit := VideoCommit{
		ManifestRef: "hls/1/0/playlist.m3u8",
		KeyID:       "key-1",
		WrappedKey:  "wrapped",
	}
	if err := store.CommitVideoReady(ctx, lesson.ID, 0, commit); err != nil {
		t.Fatalf("CommitVideoReady: %v", err)
	}

	got, ok, err := store.GetLesson(ctx, lesson.ID)
	if err != nil || !ok {
		t.Fatalf("GetLesson: ok=%v err=%v", ok, err)
	}
	entry := got.Videos[0]
	if entry.State != models.VideoStateReady {
		t.Fatalf("state = %q, want ready", entry.State)
	}
	if entry.ManifestRef != commit.ManifestRef || entry.KeyID != commit.KeyID || entry.WrappedKey != commit.WrappedKey {
		t.Fatalf("commit fields not all present: %+v", entry)
	}
	if entry.SourceRef != "" {
		t.Fatal("source reference must be cleared on commit")
	}
	if entry.OriginalFilename != "raw.mov" {
		t.Fatalf("original filename = %q, want preserved", entry.OriginalFilename)
	}
	if got.Processing {
		t.Fatal("lesson must stop processing once every entry is terminal")
	}
}

func TestSetVideoStateFailedRecordsMessage(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	lesson, err := store.CreateLesson(ctx, 1, "Lesson", "", []VideoInput{
		{Name: "A", LocalSource: "/tmp/a.mp4"},
		{Name: "B", LocalSource: "/tmp/b.mp4"},
	})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}

	if err := store.SetVideoState(ctx, lesson.ID, 0, models.VideoStateFailed, "encode exploded"); err != nil {
		t.Fatalf("SetVideoState: %v", err)
	}
	got, _, err := store.GetLesson(ctx, lesson.ID)
	if err != nil {
		t.Fatalf("GetLesson: %v", err)
	}
	if got.Videos[0].Error != "encode exploded" {
		t.Fatalf("error message = %q", got.Videos[0].Error)
	}
	if !got.Processing {
		t.Fatal("lesson must stay processing while another entry is pending")
	}

	if err := store.SetVideoState(ctx, lesson.ID, 1, models.VideoStateFailed, "also failed"); err != nil {
		t.Fatalf("SetVideoState: %v", err)
	}
	got, _, _ = store.GetLesson(ctx, lesson.ID)
	if got.Processing {
		t.Fatal("lesson must stop processing once every entry is terminal")
	}
}

func TestSetVideoStateOutOfRange(t *testing.T) {
	store := newMemStore(t)
	lesson, err := store.CreateLesson(context.Background(), 1, "Lesson", "", nil)
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	err = store.SetVideoState(context.Background(), lesson.ID, 3, models.VideoStateReady, "")
	if !errors.Is(err, ErrVideoIndexOutOfRange) {
		t.Fatalf("SetVideoState = %v, want ErrVideoIndexOutOfRange", err)
	}
}

func TestReplaceVideosFiresRemovalForDroppedIndices(t *testing.T) {
	hook := &captureHook{}
	store := newMemStore(t, WithRemovalHook(hook))
	ctx := context.Background()

	lesson, err := store.CreateLesson(ctx, 1, "Lesson", "", []VideoInput{
		{Name: "A"}, {Name: "B"}, {Name: "C"},
	})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.CommitVideoReady(ctx, lesson.ID, i, VideoCommit{
			ManifestRef: fmt.Sprintf("hls/%d/%d/playlist.m3u8", lesson.ID, i),
			KeyID:       fmt.Sprintf("key-%d", i),
			WrappedKey:  "wrapped",
		}); err != nil {
			t.Fatalf("CommitVideoReady %d: %v", i, err)
		}
	}

	current, _, _ := store.GetLesson(ctx, lesson.ID)
	if _, err := store.ReplaceVideos(ctx, lesson.ID, current.Videos[:1]); err != nil {
		t.Fatalf("ReplaceVideos: %v", err)
	}

	if len(hook.removals) != 2 {
		t.Fatalf("removal hook fired %d times, want 2", len(hook.removals))
	}
	if hook.removals[0].index != 1 || hook.removals[1].index != 2 {
		t.Fatalf("removals fired for wrong indices: %+v", hook.removals)
	}
	if hook.removals[0].entry.KeyID != "key-1" {
		t.Fatalf("hook got entry %+v, want the dropped one", hook.removals[0].entry)
	}
}

func TestDeleteLessonCascades(t *testing.T) {
	hook := &captureHook{}
	store := newMemStore(t, WithRemovalHook(hook))
	ctx := context.Background()

	lesson, err := store.CreateLesson(ctx, 1, "Lesson", "", []VideoInput{{Name: "A"}, {Name: "B"}})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	if err := store.DeleteLesson(ctx, lesson.ID); err != nil {
		t.Fatalf("DeleteLesson: %v", err)
	}
	if len(hook.removals) != 2 {
		t.Fatalf("removal hook fired %d times, want 2", len(hook.removals))
	}
	if _, ok, _ := store.GetLesson(ctx, lesson.ID); ok {
		t.Fatal("lesson still present after delete")
	}
	if err := store.DeleteLesson(ctx, lesson.ID); !errors.Is(err, ErrLessonNotFound) {
		t.Fatalf("second delete = %v, want ErrLessonNotFound", err)
	}
}

func TestRemovalHookErrorDoesNotAbort(t *testing.T) {
	hook := &captureHook{err: fmt.Errorf("cleanup broke")}
	store := newMemStore(t, WithRemovalHook(hook))
	ctx := context.Background()

	lesson, err := store.CreateLesson(ctx, 1, "Lesson", "", []VideoInput{{Name: "A"}})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	if err := store.DeleteLesson(ctx, lesson.ID); err != nil {
		t.Fatalf("DeleteLesson must swallow hook error, got %v", err)
	}
}

func TestFindVideoByKeyID(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()

	lesson, err := store.CreateLesson(ctx, 1, "Lesson", "", []VideoInput{{Name: "A"}, {Name: "B"}})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	if err := store.CommitVideoReady(ctx, lesson.ID, 1, VideoCommit{
		ManifestRef: "hls/1/1/playlist.m3u8",
		KeyID:       "the-key",
		WrappedKey:  "wrapped",
	}); err != nil {
		t.Fatalf("CommitVideoReady: %v", err)
	}

	found, index, ok, err := store.FindVideoByKeyID(ctx, "the-key")
	if err != nil {
		t.Fatalf("FindVideoByKeyID: %v", err)
	}
	if !ok || found.ID != lesson.ID || index != 1 {
		t.Fatalf("FindVideoByKeyID = (%d, %d, %v)", found.ID, index, ok)
	}

	if _, _, ok, _ := store.FindVideoByKeyID(ctx, "nope"); ok {
		t.Fatal("unknown key must not match")
	}
	if _, _, ok, _ := store.FindVideoByKeyID(ctx, ""); ok {
		t.Fatal("empty key must not match")
	}
}

func TestStoreSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lessons.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	lesson, err := store.CreateLesson(ctx, 9, "Persistent", "thumbs/t.jpg", []VideoInput{{Name: "A"}})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	if err := store.CommitVideoReady(ctx, lesson.ID, 0, VideoCommit{
		ManifestRef: "hls/1/0/playlist.m3u8",
		KeyID:       "key",
		WrappedKey:  "wrapped",
	}); err != nil {
		t.Fatalf("CommitVideoReady: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got, ok, err := reloaded.GetLesson(ctx, lesson.ID)
	if err != nil || !ok {
		t.Fatalf("GetLesson after reload: ok=%v err=%v", ok, err)
	}
	if got.Name != "Persistent" || got.Videos[0].KeyID != "key" {
		t.Fatalf("reloaded lesson mismatch: %+v", got)
	}

	next, err := reloaded.CreateLesson(ctx, 9, "Second", "", nil)
	if err != nil {
		t.Fatalf("CreateLesson after reload: %v", err)
	}
	if next.ID != lesson.ID+1 {
		t.Fatalf("ID sequence not preserved: got %d", next.ID)
	}
}

func TestGetLessonReturnsCopies(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	lesson, err := store.CreateLesson(ctx, 1, "Lesson", "", []VideoInput{{Name: "A"}})
	if err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}

	got, _, _ := store.GetLesson(ctx, lesson.ID)
	got.Videos[0].Name = "mutated"

	again, _, _ := store.GetLesson(ctx, lesson.ID)
	if again.Videos[0].Name != "A" {
		t.Fatal("store state leaked through a returned copy")
	}
}
