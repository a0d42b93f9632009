package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"coursecast/internal/lessons"
	"coursecast/internal/models"
	"coursecast/internal/objectstore"
	"coursecast/internal/pipeline"
)

type videoResponse struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	PlaylistURL      string `json:"playlistUrl,omitempty"`
	OriginalFilename string `json:"originalFilename,omitempty"`
	Error            string `json:"error,omitempty"`
}

type lessonResponse struct {
	ID         int64           `json:"id"`
	CourseID   int64           `json:"courseId"`
	Name       string          `json:"name"`
	Thumbnail  string          `json:"thumbnail,omitempty"`
	Videos     []videoResponse `json:"videos"`
	Processing bool            `json:"processing"`
	CreatedAt  string          `json:"createdAt"`
	UpdatedAt  string          `json:"updatedAt"`
}

type createLessonRequest struct {
	CourseID int64  `json:"courseId"`
	Name     string `json:"name"`
}

// videoForm is one repeater row from a multipart request. A row without a
// file keeps the already-published entry at the same position.
type videoForm struct {
	name  string
	media *uploadedMedia
}

type uploadedMedia struct {
	tempPath     string
	size         int64
	originalName string
}

// newLessonResponse shapes a lesson for the wire. Wrapped key material and
// local source paths never leave the process.
func (h *Handler) newLessonResponse(lesson models.Lesson) lessonResponse {
	videos := make([]videoResponse, 0, len(lesson.Videos))
	for _, entry := range lesson.Videos {
		video := videoResponse{
			Name:             entry.Name,
			State:            string(entry.State),
			OriginalFilename: entry.OriginalFilename,
			Error:            entry.Error,
		}
		if entry.State == models.VideoStateReady && entry.ManifestRef != "" {
			video.PlaylistURL = h.publicBase + "/hls-stream/" + entry.ManifestRef
		}
		videos = append(videos, video)
	}
	return lessonResponse{
		ID:         lesson.ID,
		CourseID:   lesson.CourseID,
		Name:       lesson.Name,
		Thumbnail:  lesson.Thumbnail,
		Videos:     videos,
		Processing: lesson.Processing,
		CreatedAt:  lesson.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  lesson.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Lessons handles /api/lessons: POST creates a lesson, GET lists them.
func (h *Handler) Lessons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		all, err := h.store.ListLessons(r.Context())
		if err != nil {
			h.logger.Error("list lessons failed", "error", err)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("list lessons"))
			return
		}
		responses := make([]lessonResponse, 0, len(all))
		for _, lesson := range all {
			responses = append(responses, h.newLessonResponse(lesson))
		}
		writeJSON(w, http.StatusOK, responses)
	case http.MethodPost:
		contentType := r.Header.Get("Content-Type")
		if strings.HasPrefix(contentType, "multipart/form-data") {
			h.createLessonFromMultipart(w, r)
			return
		}
		h.createLessonFromJSON(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

// LessonByID handles /api/lessons/{id} and /api/lessons/{id}/videos.
func (h *Handler) LessonByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/lessons/"), "/")
	idPart, tail, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid lesson id"))
		return
	}

	switch {
	case tail == "" && r.Method == http.MethodGet:
		h.getLesson(w, r, id)
	case tail == "" && r.Method == http.MethodDelete:
		h.deleteLesson(w, r, id)
	case tail == "videos" && r.Method == http.MethodPut:
		h.replaceVideos(w, r, id)
	case tail == "":
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	case tail == "videos":
		w.Header().Set("Allow", "PUT")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

func (h *Handler) getLesson(w http.ResponseWriter, r *http.Request, id int64) {
	lesson, ok, err := h.store.GetLesson(r.Context(), id)
	if err != nil {
		h.logger.Error("get lesson failed", "lesson_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("get lesson"))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("lesson %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, h.newLessonResponse(lesson))
}

func (h *Handler) deleteLesson(w http.ResponseWriter, r *http.Request, id int64) {
	lesson, ok, err := h.store.GetLesson(r.Context(), id)
	if err != nil {
		h.logger.Error("get lesson failed", "lesson_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("delete lesson"))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("lesson %d not found", id))
		return
	}
	if err := h.store.DeleteLesson(r.Context(), id); err != nil {
		if errors.Is(err, lessons.ErrLessonNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("lesson %d not found", id))
			return
		}
		h.logger.Error("delete lesson failed", "lesson_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("delete lesson"))
		return
	}
	// Video artifacts cascade through the removal hook; the lesson-level
	// thumbnail is owned here.
	h.removeThumbnailObject(r.Context(), lesson.Thumbnail)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createLessonFromJSON(w http.ResponseWriter, r *http.Request) {
	var req createLessonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	if req.CourseID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("courseId is required"))
		return
	}
	lesson, err := h.store.CreateLesson(r.Context(), req.CourseID, req.Name, "", nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.newLessonResponse(lesson))
}

func (h *Handler) createLessonFromMultipart(w http.ResponseWriter, r *http.Request) {
	form, status, err := h.parseLessonForm(r)
	if err != nil {
		form.discard()
		writeError(w, status, err)
		return
	}
	if form.courseID <= 0 {
		form.discard()
		writeError(w, http.StatusBadRequest, fmt.Errorf("courseId is required"))
		return
	}
	for i, video := range form.videos {
		if video.media == nil {
			form.discard()
			writeError(w, http.StatusBadRequest, fmt.Errorf("video %d requires a file", i))
			return
		}
	}

	thumbnail, err := h.storeThumbnail(r.Context(), form.thumbnail)
	if err != nil {
		form.discard()
		h.logger.Error("thumbnail upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("store thumbnail"))
		return
	}

	inputs := make([]lessons.VideoInput, 0, len(form.videos))
	for _, video := range form.videos {
		inputs = append(inputs, lessons.VideoInput{
			Name:             video.name,
			LocalSource:      video.media.tempPath,
			OriginalFilename: video.media.originalName,
		})
	}
	lesson, err := h.store.CreateLesson(r.Context(), form.courseID, form.name, thumbnail, inputs)
	if err != nil {
		form.discard()
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h.dispatchPending(r.Context(), lesson)
	writeJSON(w, http.StatusCreated, h.newLessonResponse(lesson))
}

func (h *Handler) replaceVideos(w http.ResponseWriter, r *http.Request, id int64) {
	lesson, ok, err := h.store.GetLesson(r.Context(), id)
	if err != nil {
		h.logger.Error("get lesson failed", "lesson_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("get lesson"))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("lesson %d not found", id))
		return
	}

	form, status, err := h.parseLessonForm(r)
	if err != nil {
		form.discard()
		writeError(w, status, err)
		return
	}

	previous := lesson.Videos
	entries := make([]models.VideoEntry, 0, len(form.videos))
	for i, video := range form.videos {
		switch {
		case video.media != nil:
			entries = append(entries, models.VideoEntry{
				Name:             video.name,
				SourceRef:        video.media.tempPath,
				OriginalFilename: video.media.originalName,
				State:            models.VideoStatePending,
			})
		case i < len(previous):
			kept := previous[i]
			if video.name != "" {
				kept.Name = video.name
			}
			entries = append(entries, kept)
		default:
			form.discard()
			writeError(w, http.StatusBadRequest, fmt.Errorf("video %d requires a file", i))
			return
		}
	}

	// Replaced renditions lose their old segments before the new encode
	// starts, so a stale playlist can never point at mixed output.
	if h.janitor != nil {
		h.janitor.Reconcile(r.Context(), id, previous, entries)
	}

	updated, err := h.store.ReplaceVideos(r.Context(), id, entries)
	if err != nil {
		if errors.Is(err, lessons.ErrLessonNotFound) {
			form.discard()
			writeError(w, http.StatusNotFound, fmt.Errorf("lesson %d not found", id))
			return
		}
		form.discard()
		h.logger.Error("replace videos failed", "lesson_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("replace videos"))
		return
	}

	if form.thumbnail != nil {
		updated = h.replaceThumbnail(r.Context(), updated, form.thumbnail)
	}

	h.dispatchPending(r.Context(), updated)
	writeJSON(w, http.StatusOK, h.newLessonResponse(updated))
}

// replaceThumbnail stores the uploaded replacement, swaps the lesson
// reference, and removes the superseded object once the new one is committed.
// Failures leave the previous thumbnail in place; the video edit has already
// been accepted.
func (h *Handler) replaceThumbnail(ctx context.Context, lesson models.Lesson, media *uploadedMedia) models.Lesson {
	previous := lesson.Thumbnail
	key, err := h.storeThumbnail(ctx, media)
	if err != nil {
		h.logger.Error("thumbnail upload failed", "lesson_id", lesson.ID, "error", err)
		return lesson
	}
	updated, err := h.store.SetThumbnail(ctx, lesson.ID, key)
	if err != nil {
		h.logger.Error("thumbnail update failed", "lesson_id", lesson.ID, "error", err)
		if delErr := h.objects.Delete(ctx, key); delErr != nil {
			h.logger.Warn("orphaned thumbnail cleanup failed", "key", key, "error", delErr)
		}
		return lesson
	}
	h.removeThumbnailObject(ctx, previous)
	return updated
}

// removeThumbnailObject deletes a stored thumbnail, ignoring references that
// do not live under the thumbnail prefix.
func (h *Handler) removeThumbnailObject(ctx context.Context, key string) {
	if !strings.HasPrefix(key, "thumbnails/") {
		return
	}
	if err := h.objects.Delete(ctx, key); err != nil {
		h.logger.Warn("thumbnail cleanup failed", "key", key, "error", err)
	}
}

func (h *Handler) dispatchPending(ctx context.Context, lesson models.Lesson) {
	for index, entry := range lesson.Videos {
		if entry.SourceRef == "" || entry.State != models.VideoStatePending {
			continue
		}
		job := pipeline.NewJob(lesson.ID, index, entry.SourceRef, entry.OriginalFilename)
		if err := h.dispatcher.Dispatch(ctx, job); err != nil {
			h.logger.Error("job dispatch failed",
				"lesson_id", lesson.ID, "video_index", index, "error", err)
		}
	}
}

type lessonForm struct {
	courseID  int64
	name      string
	thumbnail *uploadedMedia
	videos    []videoForm
}

func (f *lessonForm) discard() {
	if f == nil {
		return
	}
	if f.thumbnail != nil && f.thumbnail.tempPath != "" {
		_ = os.Remove(f.thumbnail.tempPath)
	}
	for _, video := range f.videos {
		if video.media != nil && video.media.tempPath != "" {
			_ = os.Remove(video.media.tempPath)
		}
	}
}

// parseLessonForm reads a multipart lesson payload. Video rows use indexed
// field names, videos[0][name] and videos[0][file], so ordering survives the
// wire regardless of part order.
func (h *Handler) parseLessonForm(r *http.Request) (*lessonForm, int, error) {
	form := &lessonForm{}
	reader, err := r.MultipartReader()
	if err != nil {
		return form, http.StatusBadRequest, fmt.Errorf("invalid multipart payload")
	}
	rows := make(map[int]*videoForm)
	maxIndex := -1
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return form, http.StatusBadRequest, fmt.Errorf("read multipart data: %w", err)
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if name == "thumbnail" {
			saved, saveErr := h.saveMultipartFile(part)
			if saveErr != nil {
				return form, http.StatusBadRequest, saveErr
			}
			form.thumbnail = saved
			continue
		}
		if index, field, ok := parseVideoField(name); ok {
			row := rows[index]
			if row == nil {
				row = &videoForm{}
				rows[index] = row
			}
			if index > maxIndex {
				maxIndex = index
			}
			switch field {
			case "file":
				saved, saveErr := h.saveMultipartFile(part)
				if saveErr != nil {
					form.videos = collectRows(rows, maxIndex)
					return form, http.StatusBadRequest, saveErr
				}
				row.media = saved
			case "name":
				payload, readErr := io.ReadAll(part)
				_ = part.Close()
				if readErr != nil {
					form.videos = collectRows(rows, maxIndex)
					return form, http.StatusBadRequest, fmt.Errorf("read form field: %w", readErr)
				}
				row.name = strings.TrimSpace(string(payload))
			default:
				_ = part.Close()
			}
			continue
		}
		payload, readErr := io.ReadAll(part)
		_ = part.Close()
		if readErr != nil {
			form.videos = collectRows(rows, maxIndex)
			return form, http.StatusBadRequest, fmt.Errorf("read form field: %w", readErr)
		}
		value := strings.TrimSpace(string(payload))
		switch name {
		case "courseId":
			if value != "" {
				courseID, parseErr := strconv.ParseInt(value, 10, 64)
				if parseErr != nil {
					form.videos = collectRows(rows, maxIndex)
					return form, http.StatusBadRequest, fmt.Errorf("invalid courseId")
				}
				form.courseID = courseID
			}
		case "name":
			form.name = value
		}
	}
	form.videos = collectRows(rows, maxIndex)
	return form, http.StatusOK, nil
}

func collectRows(rows map[int]*videoForm, maxIndex int) []videoForm {
	if maxIndex < 0 {
		return nil
	}
	videos := make([]videoForm, maxIndex+1)
	for index, row := range rows {
		if index >= 0 && index <= maxIndex && row != nil {
			videos[index] = *row
		}
	}
	return videos
}

// parseVideoField matches videos[N][name] and videos[N][file].
func parseVideoField(name string) (int, string, bool) {
	if !strings.HasPrefix(name, "videos[") {
		return 0, "", false
	}
	rest := name[len("videos["):]
	closeIdx := strings.Index(rest, "]")
	if closeIdx <= 0 {
		return 0, "", false
	}
	index, err := strconv.Atoi(rest[:closeIdx])
	if err != nil || index < 0 {
		return 0, "", false
	}
	rest = rest[closeIdx+1:]
	if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
		return 0, "", false
	}
	return index, rest[1 : len(rest)-1], true
}

func (h *Handler) saveMultipartFile(part *multipart.Part) (*uploadedMedia, error) {
	defer part.Close()
	tmp, err := os.CreateTemp(h.uploadDir, "pending-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()
	written, err := io.Copy(tmp, part)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("save upload: %w", err)
	}
	return &uploadedMedia{
		tempPath:     tmp.Name(),
		size:         written,
		originalName: part.FileName(),
	}, nil
}

func (h *Handler) storeThumbnail(ctx context.Context, media *uploadedMedia) (string, error) {
	if media == nil || media.tempPath == "" {
		return "", nil
	}
	defer os.Remove(media.tempPath)
	data, err := os.ReadFile(media.tempPath)
	if err != nil {
		return "", fmt.Errorf("read thumbnail: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(media.originalName))
	if ext == "" {
		ext = ".jpg"
	}
	key := path.Join("thumbnails", uuid.NewString()+ext)
	if err := h.objects.Put(ctx, key, objectstore.ContentTypeFor(key), data); err != nil {
		return "", err
	}
	return key, nil
}
