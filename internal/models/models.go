package models

import (
	"fmt"
	"strings"
	"time"
)

// VideoState tracks where a video entry sits in the transcode lifecycle. The
// state is stored explicitly rather than inferred from which optional fields
// happen to be populated, so a crash mid-pipeline never leaves an ambiguous
// entry behind.
type VideoState string

const (
	VideoStatePending     VideoState = "pending"
	VideoStateTranscoding VideoState = "transcoding"
	VideoStateReady       VideoState = "ready"
	VideoStateFailed      VideoState = "failed"
)

// ParseVideoState validates a serialized state value.
func ParseVideoState(value string) (VideoState, error) {
	switch state := VideoState(strings.ToLower(strings.TrimSpace(value))); state {
	case VideoStatePending, VideoStateTranscoding, VideoStateReady, VideoStateFailed:
		return state, nil
	default:
		return "", fmt.Errorf("unknown video state %q", value)
	}
}

// Terminal reports whether the state accepts no further pipeline transitions.
func (s VideoState) Terminal() bool {
	return s == VideoStateReady || s == VideoStateFailed
}

// VideoEntry is one element of a lesson's ordered video list. The slice index
// is the entry's stable identity: artifact paths embed it, so reordering
// entries without migrating artifacts is not supported.
type VideoEntry struct {
	Name             string     `json:"name"`
	SourceRef        string     `json:"sourceRef,omitempty"`
	ThumbnailRef     string     `json:"thumbnailRef,omitempty"`
	ManifestRef      string     `json:"manifestRef,omitempty"`
	KeyID            string     `json:"keyId,omitempty"`
	WrappedKey       string     `json:"wrappedKey,omitempty"`
	OriginalFilename string     `json:"originalFilename,omitempty"`
	State            VideoState `json:"state"`
	Error            string     `json:"error,omitempty"`
}

// Ready reports whether the entry has a published manifest.
func (v VideoEntry) Ready() bool {
	return v.State == VideoStateReady && v.ManifestRef != ""
}

// Lesson owns an ordered sequence of video entries. Processing is derived:
// it is true exactly while any entry has not reached a terminal state with a
// ready manifest, and is recomputed on every entry mutation.
type Lesson struct {
	ID         int64        `json:"id"`
	CourseID   int64        `json:"courseId"`
	Name       string       `json:"name"`
	Thumbnail  string       `json:"thumbnail,omitempty"`
	Videos     []VideoEntry `json:"videos"`
	Processing bool         `json:"processing"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// ComputeProcessing derives the aggregate processing flag from the entries.
// An entry counts as settled once it is Ready or Failed; Failed entries do
// not hold the flag true so the surrounding UI cannot get stuck on a dead job.
func ComputeProcessing(videos []VideoEntry) bool {
	for _, video := range videos {
		switch video.State {
		case VideoStateReady, VideoStateFailed:
		default:
			return true
		}
	}
	return false
}

// CloneVideos returns a deep copy of the entry slice.
func CloneVideos(videos []VideoEntry) []VideoEntry {
	if videos == nil {
		return nil
	}
	out := make([]VideoEntry, len(videos))
	copy(out, videos)
	return out
}

// CloneLesson returns a copy safe to hand to callers outside the store.
func CloneLesson(lesson Lesson) Lesson {
	cloned := lesson
	cloned.Videos = CloneVideos(lesson.Videos)
	return cloned
}
