// Package media drives the external encoder that splits a source file into
// AES-128 encrypted HLS segments plus a clear-text manifest.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ManifestFilename is the playlist the encoder emits and the publisher
	// reports back as the entry's manifest reference.
	ManifestFilename = "playlist.m3u8"

	// SegmentPattern yields segment_000.ts, segment_001.ts, ... in encode order.
	SegmentPattern = "segment_%03d.ts"

	keyFilename     = "encryption.key"
	keyInfoFilename = "keyinfo.txt"

	// DefaultTimeout bounds a single encode. Large uploads legitimately take
	// a long time; past this the job fails rather than truncating silently.
	DefaultTimeout = time.Hour

	defaultSegmentSeconds = 10
)

// EncodeError carries the encoder's captured diagnostics alongside its exit
// failure so the job log shows why ffmpeg bailed.
type EncodeError struct {
	Err    error
	Output string
}

func (e *EncodeError) Error() string {
	detail := strings.TrimSpace(e.Output)
	if detail == "" {
		return fmt.Sprintf("encoder failed: %v", e.Err)
	}
	return fmt.Sprintf("encoder failed: %v: %s", e.Err, detail)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// KeyInfo is the wrapped-key bundle the encoder needs: the public URI players
// will fetch the key from, the raw key bytes for the encoder's own use, and
// the hex-encoded initialization vector.
type KeyInfo struct {
	KeyURL string
	RawKey []byte
	IV     string
}

// Config tunes the encoder invocation.
type Config struct {
	Binary         string
	SegmentSeconds int
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Encoder shells out to ffmpeg. It is stateless; one Encoder serves any
// number of concurrent jobs.
type Encoder struct {
	binary         string
	segmentSeconds int
	timeout        time.Duration
	logger         *slog.Logger
}

// NewEncoder applies defaults for anything unset.
func NewEncoder(cfg Config) *Encoder {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	segmentSeconds := cfg.SegmentSeconds
	if segmentSeconds <= 0 {
		segmentSeconds = defaultSegmentSeconds
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{binary: binary, segmentSeconds: segmentSeconds, timeout: timeout, logger: logger}
}

// Encode converts sourcePath into an encrypted segment set under outputDir,
// using scratchDir for the key material files. The manifest it writes
// references KeyInfo.KeyURL, so published manifests already point players at
// the gateway's key endpoint.
func (e *Encoder) Encode(ctx context.Context, sourcePath, scratchDir, outputDir string, info KeyInfo) error {
	if strings.TrimSpace(sourcePath) == "" {
		return fmt.Errorf("source path is required")
	}
	if len(info.RawKey) == 0 {
		return fmt.Errorf("content key is required")
	}
	for _, dir := range []string{scratchDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("prepare encoder directory: %w", err)
		}
	}

	keyPath := filepath.Join(scratchDir, keyFilename)
	if err := os.WriteFile(keyPath, info.RawKey, 0o600); err != nil {
		return fmt.Errorf("write content key: %w", err)
	}
	keyInfoPath := filepath.Join(scratchDir, keyInfoFilename)
	keyInfo := strings.Join([]string{info.KeyURL, keyPath, info.IV}, "\n")
	if err := os.WriteFile(keyInfoPath, []byte(keyInfo), 0o600); err != nil {
		return fmt.Errorf("write key info: %w", err)
	}

	args := e.buildArgs(sourcePath, outputDir, keyInfoPath)

	encodeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(encodeCtx, e.binary, args...)
	cmd.Stdout = newLogWriter(e.logger, "stdout")
	cmd.Stderr = &teeWriter{primary: &stderr, secondary: newLogWriter(e.logger, "stderr")}

	if err := cmd.Run(); err != nil {
		if errors.Is(encodeCtx.Err(), context.DeadlineExceeded) {
			return &EncodeError{Err: fmt.Errorf("timed out after %s", e.timeout), Output: tail(stderr.String())}
		}
		return &EncodeError{Err: err, Output: tail(stderr.String())}
	}
	return nil
}

func (e *Encoder) buildArgs(sourcePath, outputDir, keyInfoPath string) []string {
	return []string{
		"-i", sourcePath,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-hls_time", fmt.Sprintf("%d", e.segmentSeconds),
		"-hls_key_info_file", keyInfoPath,
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outputDir, SegmentPattern),
		filepath.Join(outputDir, ManifestFilename),
	}
}

// tail keeps error payloads bounded; ffmpeg is chatty and the useful part is
// at the end.
func tail(output string) string {
	const limit = 4096
	trimmed := strings.TrimSpace(output)
	if len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[len(trimmed)-limit:]
}

type teeWriter struct {
	primary   *bytes.Buffer
	secondary *logWriter
}

func (t *teeWriter) Write(p []byte) (int, error) {
	t.primary.Write(p)
	return t.secondary.Write(p)
}

// logWriter splits encoder output into lines and forwards them to slog so the
// job log interleaves encoder diagnostics with pipeline events.
type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("encoder output", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
