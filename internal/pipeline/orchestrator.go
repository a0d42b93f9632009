package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"coursecast/internal/keys"
	"coursecast/internal/lessons"
	"coursecast/internal/media"
	"coursecast/internal/models"
	"coursecast/internal/observability/metrics"
)

// ErrSourceMissing reports that a job's uploaded source file is gone. The
// job cannot be retried; the entry is marked failed immediately.
var ErrSourceMissing = errors.New("source file missing")

type OrchestratorConfig struct {
	Store        lessons.Repository
	Keys         *keys.Manager
	Encoder      *media.Encoder
	Publisher    *Publisher
	Queue        Queue
	KeyPublicURL string
	ScratchDir   string
	Workers      int
	JobTimeout   time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Orchestrator runs the transcode pipeline: verify the uploaded source,
// mint and wrap a content key, encode to encrypted HLS, publish the
// artifacts, and commit the entry in one atomic store write.
type Orchestrator struct {
	store        lessons.Repository
	keys         *keys.Manager
	encoder      *media.Encoder
	publisher    *Publisher
	queue        Queue
	keyPublicURL string
	scratchDir   string
	workers      int
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	sub    Subscription
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultWorkers    = 2
	defaultJobTimeout = time.Hour
)

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Keys == nil || cfg.Encoder == nil || cfg.Publisher == nil || cfg.Queue == nil {
		return nil, fmt.Errorf("store, keys, encoder, publisher, and queue are required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scratch := strings.TrimSpace(cfg.ScratchDir)
	if scratch == "" {
		scratch = os.TempDir()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        cfg.Store,
		keys:         cfg.Keys,
		encoder:      cfg.Encoder,
		publisher:    cfg.Publisher,
		queue:        cfg.Queue,
		keyPublicURL: strings.TrimRight(strings.TrimSpace(cfg.KeyPublicURL), "/"),
		scratchDir:   scratch,
		workers:      workers,
		timeout:      timeout,
		logger:       logger,
		metrics:      cfg.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		inFlight:     make(map[string]struct{}),
	}, nil
}

func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.sub = o.queue.Subscribe()
	o.mu.Unlock()

	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}

	go o.recoverPending()
}

func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	o.mu.Lock()
	if o.sub != nil {
		o.sub.Close()
	}
	o.mu.Unlock()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch queues one job. Duplicate submissions for an in-flight slot are
// filtered by the workers, not here, so requeues after a crash stay cheap.
func (o *Orchestrator) Dispatch(ctx context.Context, job Job) error {
	select {
	case <-o.ctx.Done():
		return fmt.Errorf("orchestrator is shut down")
	default:
	}
	return o.queue.Enqueue(ctx, job)
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case job, ok := <-o.sub.Jobs():
			if !ok {
				return
			}
			if !o.beginWork(job.Key()) {
				o.logger.Warn("duplicate job skipped",
					"lesson_id", job.LessonID, "video_index", job.VideoIndex)
				continue
			}
			o.process(job)
			o.finishWork(job.Key())
		}
	}
}

func (o *Orchestrator) beginWork(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[key]; exists {
		return false
	}
	o.inFlight[key] = struct{}{}
	return true
}

func (o *Orchestrator) finishWork(key string) {
	o.mu.Lock()
	delete(o.inFlight, key)
	o.mu.Unlock()
}

// recoverPending requeues entries left mid-flight by a previous process. The
// local source path is revalidated by the worker, so jobs whose upload was
// lost with the old node fail fast instead of hanging.
func (o *Orchestrator) recoverPending() {
	ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	defer cancel()
	all, err := o.store.ListLessons(ctx)
	if err != nil {
		o.logger.Error("pending job recovery failed", "error", err)
		return
	}
	for _, lesson := range all {
		for index, entry := range lesson.Videos {
			if entry.State.Terminal() || entry.SourceRef == "" {
				continue
			}
			job := NewJob(lesson.ID, index, entry.SourceRef, entry.OriginalFilename)
			if err := o.Dispatch(o.ctx, job); err != nil {
				o.logger.Error("pending job dispatch failed",
					"lesson_id", lesson.ID, "video_index", index, "error", err)
			}
		}
	}
}

func (o *Orchestrator) process(job Job) {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.JobStarted()
	}
	logger := o.logger.With(
		"job_id", job.ID, "lesson_id", job.LessonID, "video_index", job.VideoIndex)

	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()

	err := o.run(ctx, job, logger)
	status := "ok"
	switch {
	case err == nil:
		logger.Info("video transcoded", "elapsed", time.Since(start).Round(time.Millisecond))
	case errors.Is(err, lessons.ErrLessonNotFound), errors.Is(err, lessons.ErrVideoIndexOutOfRange):
		// The entry disappeared while the job waited. Nothing to update.
		status = "orphaned"
		logger.Warn("job target no longer exists", "error", err)
	default:
		status = "failed"
		logger.Error("transcode failed", "error", err)
		o.failEntry(job, err)
	}
	if o.metrics != nil {
		o.metrics.JobFinished(status)
	}
	o.removeSource(job, logger)
}

func (o *Orchestrator) run(ctx context.Context, job Job, logger *slog.Logger) error {
	if _, err := os.Stat(job.LocalSourcePath); err != nil {
		return fmt.Errorf("%w: %s", ErrSourceMissing, job.LocalSourcePath)
	}

	if err := o.store.SetVideoState(ctx, job.LessonID, job.VideoIndex, models.VideoStateTranscoding, ""); err != nil {
		return err
	}

	rawKey, keyID, err := o.keys.GenerateKey()
	if err != nil {
		return err
	}
	wrapped, err := o.keys.Wrap(rawKey)
	if err != nil {
		return err
	}
	iv, err := keys.GenerateIV()
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(o.scratchDir, "transcode-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)
	outputDir, err := os.MkdirTemp(o.scratchDir, "hls-*")
	if err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	defer os.RemoveAll(outputDir)

	info := media.KeyInfo{
		KeyURL: o.keyPublicURL + "/hls/keys/" + keyID,
		RawKey: rawKey,
		IV:     iv,
	}
	if err := o.encoder.Encode(ctx, job.LocalSourcePath, scratch, outputDir, info); err != nil {
		return err
	}

	manifestRef, err := o.publisher.Publish(ctx, job.LessonID, job.VideoIndex, outputDir)
	if err != nil {
		return err
	}

	commit := lessons.VideoCommit{
		ManifestRef:      manifestRef,
		KeyID:            keyID,
		WrappedKey:       wrapped,
		OriginalFilename: job.OriginalFilename,
	}
	if err := o.store.CommitVideoReady(ctx, job.LessonID, job.VideoIndex, commit); err != nil {
		// Artifacts are orphaned without the commit; leave nothing behind.
		if cleanupErr := o.publisher.Unpublish(context.Background(), job.LessonID, job.VideoIndex); cleanupErr != nil {
			logger.Warn("orphaned artifact cleanup failed", "error", cleanupErr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) failEntry(job Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	message := strings.TrimSpace(cause.Error())
	if err := o.store.SetVideoState(ctx, job.LessonID, job.VideoIndex, models.VideoStateFailed, message); err != nil {
		o.logger.Error("failed to record entry failure",
			"lesson_id", job.LessonID, "video_index", job.VideoIndex,
			"error", err, "failure", cause)
	}
}

func (o *Orchestrator) removeSource(job Job, logger *slog.Logger) {
	if job.LocalSourcePath == "" {
		return
	}
	if err := os.Remove(job.LocalSourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("source cleanup failed", "path", job.LocalSourcePath, "error", err)
	}
}
