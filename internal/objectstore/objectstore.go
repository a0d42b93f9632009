// Package objectstore provides the single storage-client abstraction shared by
// the transcode pipeline and the streaming gateway. Components receive a
// Client by injection; nothing reaches for a global handle.
package objectstore

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Client is the capability surface the pipeline needs from durable storage.
type Client interface {
	// Get returns the full object body.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores the body under key with the given content type.
	Put(ctx context.Context, key, contentType string, body []byte) error
	// Delete removes a single object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// Exists reports whether an object is present under key.
	Exists(ctx context.Context, key string) (bool, error)
	// SignedURL issues a time-limited URL granting direct read access.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ContentTypeFor maps artifact filenames to their streaming content types.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// NormalizeKey trims surrounding whitespace and any leading slash so callers
// can compose keys without worrying about double separators.
func NormalizeKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}
