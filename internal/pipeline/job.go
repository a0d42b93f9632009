package pipeline

import (
	"strconv"

	"github.com/google/uuid"
)

// Job describes one video awaiting transcode. The source file lives on local
// disk until the job completes; everything durable is addressed by lesson and
// index so a requeued job always operates on the current entry.
type Job struct {
	ID               string `json:"id"`
	LessonID         int64  `json:"lessonId"`
	VideoIndex       int    `json:"videoIndex"`
	LocalSourcePath  string `json:"localSourcePath"`
	OriginalFilename string `json:"originalFilename,omitempty"`
}

// NewJob assigns a fresh job ID for the given entry.
func NewJob(lessonID int64, videoIndex int, localSourcePath, originalFilename string) Job {
	return Job{
		ID:               uuid.NewString(),
		LessonID:         lessonID,
		VideoIndex:       videoIndex,
		LocalSourcePath:  localSourcePath,
		OriginalFilename: originalFilename,
	}
}

// Key identifies the slot a job operates on. Two jobs with equal keys must
// never run concurrently.
func (j Job) Key() string {
	return strconv.FormatInt(j.LessonID, 10) + ":" + strconv.Itoa(j.VideoIndex)
}
