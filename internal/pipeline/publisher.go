package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"coursecast/internal/media"
	"coursecast/internal/objectstore"
)

// ArtifactRoot is the prefix under which all streaming artifacts live.
const ArtifactRoot = "hls"

// PublishError wraps any failure while uploading encoder output.
type PublishError struct {
	Key string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ArtifactPrefix returns the object-store prefix for one video's artifacts.
func ArtifactPrefix(lessonID int64, videoIndex int) string {
	return path.Join(ArtifactRoot, strconv.FormatInt(lessonID, 10), strconv.Itoa(videoIndex)) + "/"
}

// ManifestKey returns the object-store key of a video's playlist.
func ManifestKey(lessonID int64, videoIndex int) string {
	return path.Join(ArtifactRoot, strconv.FormatInt(lessonID, 10), strconv.Itoa(videoIndex), media.ManifestFilename)
}

// PublisherConfig tunes artifact uploads.
type PublisherConfig struct {
	Store       objectstore.Client
	Concurrency int
	Logger      *slog.Logger
}

// Publisher copies encoder output from a local directory into the object
// store. The raw key file never leaves the worker; it is wrapped and stored
// in the lesson record instead.
type Publisher struct {
	store       objectstore.Client
	concurrency int
	logger      *slog.Logger
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: cfg.Store, concurrency: concurrency, logger: logger}, nil
}

// Publish uploads every playlist and segment under outputDir to the video's
// artifact prefix and returns the manifest key. Key material files are
// skipped. On any upload failure the already-uploaded objects under the
// prefix are removed so a retry starts clean.
func (p *Publisher) Publish(ctx context.Context, lessonID int64, videoIndex int, outputDir string) (string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", &PublishError{Key: ArtifactPrefix(lessonID, videoIndex), Err: err}
	}

	prefix := ArtifactPrefix(lessonID, videoIndex)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)

	uploaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".key") || strings.HasSuffix(name, ".txt") {
			continue
		}
		uploaded++
		localPath := filepath.Join(outputDir, name)
		key := prefix + name
		group.Go(func() error {
			data, err := os.ReadFile(localPath)
			if err != nil {
				return &PublishError{Key: key, Err: err}
			}
			if err := p.store.Put(groupCtx, key, objectstore.ContentTypeFor(name), data); err != nil {
				return &PublishError{Key: key, Err: err}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		p.cleanup(lessonID, videoIndex)
		return "", err
	}
	if uploaded == 0 {
		return "", &PublishError{Key: prefix, Err: fmt.Errorf("encoder produced no artifacts")}
	}
	p.logger.Info("artifacts published",
		"lesson_id", lessonID, "video_index", videoIndex, "objects", uploaded)
	return ManifestKey(lessonID, videoIndex), nil
}

// Unpublish removes every artifact under the video's prefix.
func (p *Publisher) Unpublish(ctx context.Context, lessonID int64, videoIndex int) error {
	return p.store.DeletePrefix(ctx, ArtifactPrefix(lessonID, videoIndex))
}

func (p *Publisher) cleanup(lessonID int64, videoIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.store.DeletePrefix(ctx, ArtifactPrefix(lessonID, videoIndex)); err != nil {
		p.logger.Warn("partial artifact cleanup failed",
			"lesson_id", lessonID, "video_index", videoIndex, "error", err)
	}
}
