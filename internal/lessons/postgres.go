package lessons

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coursecast/internal/models"
)

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ApplicationName string
	Hooks           []RemovalHook
	Logger          *slog.Logger
}

type postgresStore struct {
	pool   *pgxpool.Pool
	hooks  []RemovalHook
	logger *slog.Logger
}

const lessonsSchema = `
CREATE TABLE IF NOT EXISTS lessons (
    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    course_id BIGINT NOT NULL,
    name TEXT NOT NULL,
    thumbnail TEXT NOT NULL DEFAULT '',
    videos JSONB NOT NULL DEFAULT '[]'::jsonb,
    processing BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

// NewPostgres opens a Postgres-backed repository and ensures the lessons
// table exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, lessonsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure lessons schema: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &postgresStore{pool: pool, hooks: cfg.Hooks, logger: logger}, nil
}

func encodeVideos(videos []models.VideoEntry) ([]byte, error) {
	if videos == nil {
		videos = []models.VideoEntry{}
	}
	payload, err := json.Marshal(videos)
	if err != nil {
		return nil, fmt.Errorf("encode videos: %w", err)
	}
	return payload, nil
}

func decodeVideos(payload []byte) ([]models.VideoEntry, error) {
	var videos []models.VideoEntry
	if len(payload) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(payload, &videos); err != nil {
		return nil, fmt.Errorf("decode videos: %w", err)
	}
	return videos, nil
}

func (p *postgresStore) CreateLesson(ctx context.Context, courseID int64, name, thumbnail string, videos []VideoInput) (models.Lesson, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return models.Lesson{}, fmt.Errorf("lesson name is required")
	}
	entries := EntriesFromInputs(videos)
	payload, err := encodeVideos(entries)
	if err != nil {
		return models.Lesson{}, err
	}
	now := time.Now().UTC()
	lesson := models.Lesson{
		CourseID:   courseID,
		Name:       trimmed,
		Thumbnail:  strings.TrimSpace(thumbnail),
		Videos:     entries,
		Processing: models.ComputeProcessing(entries),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	row := p.pool.QueryRow(ctx,
		`INSERT INTO lessons (course_id, name, thumbnail, videos, processing, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`,
		lesson.CourseID, lesson.Name, lesson.Thumbnail, payload, lesson.Processing, now)
	if err := row.Scan(&lesson.ID); err != nil {
		return models.Lesson{}, fmt.Errorf("insert lesson: %w", err)
	}
	return lesson, nil
}

func scanLesson(row pgx.Row) (models.Lesson, error) {
	var lesson models.Lesson
	var payload []byte
	if err := row.Scan(&lesson.ID, &lesson.CourseID, &lesson.Name, &lesson.Thumbnail,
		&payload, &lesson.Processing, &lesson.CreatedAt, &lesson.UpdatedAt); err != nil {
		return models.Lesson{}, err
	}
	videos, err := decodeVideos(payload)
	if err != nil {
		return models.Lesson{}, err
	}
	lesson.Videos = videos
	return lesson, nil
}

const lessonColumns = `id, course_id, name, thumbnail, videos, processing, created_at, updated_at`

func (p *postgresStore) GetLesson(ctx context.Context, id int64) (models.Lesson, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+lessonColumns+` FROM lessons WHERE id = $1`, id)
	lesson, err := scanLesson(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Lesson{}, false, nil
		}
		return models.Lesson{}, false, fmt.Errorf("get lesson %d: %w", id, err)
	}
	return lesson, true, nil
}

func (p *postgresStore) ListLessons(ctx context.Context) ([]models.Lesson, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+lessonColumns+` FROM lessons ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()
	var lessons []models.Lesson
	for rows.Next() {
		lesson, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		lessons = append(lessons, lesson)
	}
	return lessons, rows.Err()
}

func (p *postgresStore) ReplaceVideos(ctx context.Context, lessonID int64, videos []models.VideoEntry) (models.Lesson, error) {
	lesson, ok, err := p.GetLesson(ctx, lessonID)
	if err != nil {
		return models.Lesson{}, err
	}
	if !ok {
		return models.Lesson{}, ErrLessonNotFound
	}
	previous := lesson.Videos
	payload, err := encodeVideos(videos)
	if err != nil {
		return models.Lesson{}, err
	}
	processing := models.ComputeProcessing(videos)
	now := time.Now().UTC()
	if _, err := p.pool.Exec(ctx,
		`UPDATE lessons SET videos = $2, processing = $3, updated_at = $4 WHERE id = $1`,
		lessonID, payload, processing, now); err != nil {
		return models.Lesson{}, fmt.Errorf("replace videos for lesson %d: %w", lessonID, err)
	}
	for index := len(videos); index < len(previous); index++ {
		p.fireRemoval(ctx, lessonID, index, previous[index])
	}
	lesson.Videos = models.CloneVideos(videos)
	lesson.Processing = processing
	lesson.UpdatedAt = now
	return lesson, nil
}

func (p *postgresStore) SetThumbnail(ctx context.Context, lessonID int64, thumbnail string) (models.Lesson, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE lessons SET thumbnail = $2, updated_at = $3 WHERE id = $1 RETURNING `+lessonColumns,
		lessonID, strings.TrimSpace(thumbnail), time.Now().UTC())
	lesson, err := scanLesson(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Lesson{}, ErrLessonNotFound
		}
		return models.Lesson{}, fmt.Errorf("set thumbnail for lesson %d: %w", lessonID, err)
	}
	return lesson, nil
}

func (p *postgresStore) DeleteLesson(ctx context.Context, id int64) error {
	lesson, ok, err := p.GetLesson(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLessonNotFound
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM lessons WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete lesson %d: %w", id, err)
	}
	for index, entry := range lesson.Videos {
		p.fireRemoval(ctx, id, index, entry)
	}
	return nil
}

// mutateVideos reads, transforms, and writes back the entry list inside one
// transaction with the row locked, so the commit of a transcode job is a
// single atomic write even when another index of the same lesson is mid-job.
func (p *postgresStore) mutateVideos(ctx context.Context, lessonID int64, mutate func([]models.VideoEntry) ([]models.VideoEntry, error)) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin lesson update: %w", err)
	}
	defer tx.Rollback(ctx)

	var payload []byte
	row := tx.QueryRow(ctx, `SELECT videos FROM lessons WHERE id = $1 FOR UPDATE`, lessonID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLessonNotFound
		}
		return fmt.Errorf("lock lesson %d: %w", lessonID, err)
	}
	videos, err := decodeVideos(payload)
	if err != nil {
		return err
	}
	updated, err := mutate(videos)
	if err != nil {
		return err
	}
	encoded, err := encodeVideos(updated)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE lessons SET videos = $2, processing = $3, updated_at = $4 WHERE id = $1`,
		lessonID, encoded, models.ComputeProcessing(updated), time.Now().UTC()); err != nil {
		return fmt.Errorf("update lesson %d: %w", lessonID, err)
	}
	return tx.Commit(ctx)
}

func (p *postgresStore) SetVideoState(ctx context.Context, lessonID int64, index int, state models.VideoState, message string) error {
	return p.mutateVideos(ctx, lessonID, func(videos []models.VideoEntry) ([]models.VideoEntry, error) {
		if index < 0 || index >= len(videos) {
			return nil, ErrVideoIndexOutOfRange
		}
		videos[index].State = state
		videos[index].Error = message
		return videos, nil
	})
}

func (p *postgresStore) CommitVideoReady(ctx context.Context, lessonID int64, index int, commit VideoCommit) error {
	return p.mutateVideos(ctx, lessonID, func(videos []models.VideoEntry) ([]models.VideoEntry, error) {
		if index < 0 || index >= len(videos) {
			return nil, ErrVideoIndexOutOfRange
		}
		entry := videos[index]
		entry.ManifestRef = commit.ManifestRef
		entry.KeyID = commit.KeyID
		entry.WrappedKey = commit.WrappedKey
		if commit.OriginalFilename != "" {
			entry.OriginalFilename = commit.OriginalFilename
		}
		entry.SourceRef = ""
		entry.State = models.VideoStateReady
		entry.Error = ""
		videos[index] = entry
		return videos, nil
	})
}

func (p *postgresStore) FindVideoByKeyID(ctx context.Context, keyID string) (models.Lesson, int, bool, error) {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return models.Lesson{}, 0, false, nil
	}
	row := p.pool.QueryRow(ctx,
		`SELECT `+lessonColumns+` FROM lessons
		 WHERE EXISTS (
		     SELECT 1 FROM jsonb_array_elements(videos) AS entry
		     WHERE entry->>'keyId' = $1
		 ) LIMIT 1`, trimmed)
	lesson, err := scanLesson(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Lesson{}, 0, false, nil
		}
		return models.Lesson{}, 0, false, fmt.Errorf("find key %s: %w", trimmed, err)
	}
	for index, entry := range lesson.Videos {
		if entry.KeyID == trimmed {
			return lesson, index, true, nil
		}
	}
	return models.Lesson{}, 0, false, nil
}

func (p *postgresStore) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *postgresStore) fireRemoval(ctx context.Context, lessonID int64, index int, entry models.VideoEntry) {
	for _, hook := range p.hooks {
		if err := hook.OnEntryRemoved(ctx, lessonID, index, entry); err != nil {
			p.logger.Error("entry removal cleanup failed",
				"lesson_id", lessonID, "video_index", index, "error", err)
		}
	}
}
