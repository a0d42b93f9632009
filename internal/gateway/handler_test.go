package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coursecast/internal/keys"
	"coursecast/internal/models"
	"coursecast/internal/objectstore"
)

type stubFinder struct {
	keyID   string
	wrapped string
}

func (s *stubFinder) FindVideoByKeyID(_ context.Context, keyID string) (models.Lesson, int, bool, error) {
	if keyID != s.keyID {
		return models.Lesson{}, 0, false, nil
	}
	return models.Lesson{
		ID:     1,
		Videos: []models.VideoEntry{{KeyID: s.keyID, WrappedKey: s.wrapped}},
	}, 0, true, nil
}

func newTestHandler(t *testing.T, store objectstore.Client, policy keys.AccessPolicy) (*Handler, []byte, string) {
	t.Helper()
	manager, err := keys.NewManager(keys.ManagerConfig{Passphrase: "pass", Salt: "salt"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	raw, keyID, err := manager.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	wrapped, err := manager.Wrap(raw)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service, err := keys.NewService(keys.ServiceConfig{
		Manager: manager,
		Finder:  &stubFinder{keyID: keyID, wrapped: wrapped},
		Policy:  policy,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	handler, err := NewHandler(Config{
		Store:      store,
		Keys:       service,
		PublicBase: "https://gw.test",
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return handler, raw, keyID
}

func TestNewHandlerRejectsRelativeBase(t *testing.T) {
	manager, err := keys.NewManager(keys.ManagerConfig{Passphrase: "pass", Salt: "salt"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	service, err := keys.NewService(keys.ServiceConfig{
		Manager: manager,
		Finder:  &stubFinder{},
		Policy:  keys.AllowAll{},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	for _, base := range []string{"gw.test", "/streaming", "//gw.test"} {
		_, err := NewHandler(Config{
			Store:      objectstore.NewMemory(),
			Keys:       service,
			PublicBase: base,
		})
		if err == nil {
			t.Errorf("base %q accepted, want error", base)
		}
	}
}

func TestStreamServesRewrittenManifest(t *testing.T) {
	store := objectstore.NewMemory()
	manifest := "#EXTM3U\n#EXTINF:10.0,\nsegment_000.ts\n#EXT-X-ENDLIST"
	if err := store.Put(context.Background(), "hls/1/0/playlist.m3u8", "application/vnd.apple.mpegurl", []byte(manifest)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	handler, _, _ := newTestHandler(t, store, keys.AllowAll{})

	rec := httptest.NewRecorder()
	handler.Stream(rec, httptest.NewRequest(http.MethodGet, "/hls-stream/hls/1/0/playlist.m3u8", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
	body := rec.Body.String()
	if !strings.Contains(body, "https://gw.test/hls-stream/hls/1/0/segment_000.ts") {
		t.Fatalf("manifest not rewritten:\n%s", body)
	}
}

func TestStreamRedirectsSegments(t *testing.T) {
	store := objectstore.NewMemory()
	if err := store.Put(context.Background(), "hls/1/0/segment_000.ts", "video/mp2t", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	handler, _, _ := newTestHandler(t, store, keys.AllowAll{})

	rec := httptest.NewRecorder()
	handler.Stream(rec, httptest.NewRequest(http.MethodGet, "/hls-stream/hls/1/0/segment_000.ts", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.Contains(location, "hls/1/0/segment_000.ts") {
		t.Fatalf("redirect location %q does not reference the segment", location)
	}
}

func TestStreamRejectsOutsideArtifactRoot(t *testing.T) {
	handler, _, _ := newTestHandler(t, objectstore.NewMemory(), keys.AllowAll{})

	rec := httptest.NewRecorder()
	handler.Stream(rec, httptest.NewRequest(http.MethodGet, "/hls-stream/secrets/backup.json", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestStreamNeverServesKeyObjects(t *testing.T) {
	store := objectstore.NewMemory()
	if err := store.Put(context.Background(), "hls/1/0/encryption.key", "application/octet-stream", []byte("0123456789abcdef")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	handler, _, _ := newTestHandler(t, store, keys.AllowAll{})

	rec := httptest.NewRecorder()
	handler.Stream(rec, httptest.NewRequest(http.MethodGet, "/hls-stream/hls/1/0/encryption.key", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStreamMissingObject(t *testing.T) {
	handler, _, _ := newTestHandler(t, objectstore.NewMemory(), keys.AllowAll{})

	rec := httptest.NewRecorder()
	handler.Stream(rec, httptest.NewRequest(http.MethodGet, "/hls-stream/hls/1/0/playlist.m3u8", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestKeyEndpointServesRawBytes(t *testing.T) {
	handler, raw, keyID := newTestHandler(t, objectstore.NewMemory(), keys.AllowAll{})

	rec := httptest.NewRecorder()
	handler.Key(rec, httptest.NewRequest(http.MethodGet, "/hls/keys/"+keyID, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
	if got := rec.Body.Bytes(); string(got) != string(raw) {
		t.Fatalf("key bytes mismatch: got %d bytes", len(got))
	}
}

func TestKeyEndpointUnknownKey(t *testing.T) {
	handler, _, _ := newTestHandler(t, objectstore.NewMemory(), keys.AllowAll{})

	rec := httptest.NewRecorder()
	handler.Key(rec, httptest.NewRequest(http.MethodGet, "/hls/keys/does-not-exist", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

type denyAllPolicy struct{}

func (denyAllPolicy) Authorize(context.Context, keys.AccessRequest) error {
	return keys.ErrAccessDenied
}

func TestKeyEndpointDenied(t *testing.T) {
	handler, _, keyID := newTestHandler(t, objectstore.NewMemory(), denyAllPolicy{})

	rec := httptest.NewRecorder()
	handler.Key(rec, httptest.NewRequest(http.MethodGet, "/hls/keys/"+keyID, nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestKeyEndpointPreflight(t *testing.T) {
	handler, _, _ := newTestHandler(t, objectstore.NewMemory(), keys.AllowAll{})

	rec := httptest.NewRecorder()
	handler.Key(rec, httptest.NewRequest(http.MethodOptions, "/hls/keys/any", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestStreamPreflight(t *testing.T) {
	handler, _, _ := newTestHandler(t, objectstore.NewMemory(), keys.AllowAll{})

	rec := httptest.NewRecorder()
	handler.Stream(rec, httptest.NewRequest(http.MethodOptions, "/hls-stream/hls/1/0/playlist.m3u8", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}
