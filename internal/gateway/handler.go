package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coursecast/internal/keys"
	"coursecast/internal/objectstore"
	"coursecast/internal/observability/metrics"
)

// SegmentURLTTL bounds how long a signed segment redirect stays valid.
const SegmentURLTTL = 5 * time.Minute

type Config struct {
	Store      objectstore.Client
	Keys       *keys.Service
	PublicBase string
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Handler serves the playback surface: manifests rewritten to point back at
// the gateway, signed redirects for media segments, and decrypted content
// keys for entitled players.
type Handler struct {
	store      objectstore.Client
	keys       *keys.Service
	publicBase string
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key service is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.PublicBase), "/")
	if base == "" {
		return nil, fmt.Errorf("public base URL is required")
	}
	// Rewritten manifest lines are recognised by their scheme, so a relative
	// base would break rewrite idempotency.
	if parsed, err := url.Parse(base); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("public base URL must be absolute: %q", cfg.PublicBase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      cfg.Store,
		keys:       cfg.Keys,
		publicBase: base,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Register mounts the playback routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/hls-stream/", h.Stream)
	mux.HandleFunc("/hls/keys/", h.Key)
}

// Stream handles GET /hls-stream/{objectPath}. Playlists are rewritten and
// served inline; segments answer with a short-lived signed redirect so the
// media bytes never proxy through this process.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		writeStreamCORS(w)
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	objectPath := objectstore.NormalizeKey(strings.TrimPrefix(r.URL.Path, "/hls-stream/"))
	if objectPath == "" || strings.Contains(objectPath, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(objectPath, "hls/") {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	// Key material is never served from the object store.
	if strings.HasSuffix(objectPath, ".key") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if strings.HasSuffix(objectPath, ".m3u8") {
		h.serveManifest(w, r, objectPath)
		return
	}
	h.redirectSegment(w, r, objectPath)
}

func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, objectPath string) {
	manifest, err := h.store.Get(r.Context(), objectPath)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.logger.Error("manifest fetch failed", "path", objectPath, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	rewritten := RewriteManifest(manifest, objectPath, h.publicBase)

	writeStreamCORS(w)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(rewritten); err != nil {
		h.logger.Debug("manifest write aborted", "path", objectPath, "error", err)
	}
}

func (h *Handler) redirectSegment(w http.ResponseWriter, r *http.Request, objectPath string) {
	signed, err := h.store.SignedURL(r.Context(), objectPath, SegmentURLTTL)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.logger.Error("segment signing failed", "path", objectPath, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeStreamCORS(w)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, signed, http.StatusFound)
}

// Key handles GET /hls/keys/{keyId}: the 16 raw AES bytes for one video,
// after the entitlement policy clears the caller.
func (h *Handler) Key(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		writeKeyCORS(w)
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	keyID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/hls/keys/"), "/")
	if keyID == "" || strings.Contains(keyID, "/") {
		h.observeKey("bad_request")
		http.Error(w, "invalid key id", http.StatusBadRequest)
		return
	}

	rawKey, err := h.keys.Resolve(r.Context(), keyID, subjectFromRequest(r))
	if err != nil {
		switch {
		case errors.Is(err, keys.ErrNotFound):
			h.observeKey("not_found")
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, keys.ErrAccessDenied):
			h.observeKey("denied")
			http.Error(w, "forbidden", http.StatusForbidden)
		case errors.Is(err, context.Canceled):
			h.observeKey("canceled")
		default:
			h.observeKey("error")
			h.logger.Error("key resolution failed", "key_id", keyID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	h.observeKey("served")
	writeKeyCORS(w)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(rawKey)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(rawKey); err != nil {
		h.logger.Debug("key write aborted", "key_id", keyID, "error", err)
	}
}

func (h *Handler) observeKey(outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveKeyRequest(outcome)
	}
}

// subjectFromRequest extracts the caller identity the entitlement policy
// sees: a bearer token if present, otherwise the token query parameter HLS
// players commonly append.
func subjectFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeStreamCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Origin, Range, Authorization, Content-Type")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
}

func writeKeyCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Origin, Authorization, Content-Type")
}
