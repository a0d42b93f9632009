package gateway

import (
	"path"
	"regexp"
	"strings"
)

var keyURIPattern = regexp.MustCompile(`(#EXT-X-KEY:[^\n]*?URI=")([^"]+)(")`)

// RewriteManifest turns the relative references inside an HLS playlist into
// absolute gateway URLs. Segment lines become stream URLs under the manifest's
// own directory and #EXT-X-KEY URIs are redirected through the key endpoint.
// Lines that are already absolute are left alone, so rewriting an already
// rewritten playlist is a no-op.
func RewriteManifest(manifest []byte, manifestKey, publicBase string) []byte {
	base := strings.TrimRight(publicBase, "/")
	dir := path.Dir(manifestKey)

	lines := strings.Split(string(manifest), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.Contains(trimmed, "://") {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines[i] = base + "/hls-stream/" + path.Join(dir, trimmed)
	}
	rewritten := strings.Join(lines, "\n")

	rewritten = keyURIPattern.ReplaceAllStringFunc(rewritten, func(match string) string {
		groups := keyURIPattern.FindStringSubmatch(match)
		uri := groups[2]
		keyID := extractKeyID(uri)
		if keyID == "" {
			return match
		}
		return groups[1] + base + "/hls/keys/" + keyID + groups[3]
	})
	return []byte(rewritten)
}

// extractKeyID pulls the key identifier out of an #EXT-X-KEY URI. The
// encoder writes the full key endpoint URL, so the ID is the final path
// element; a bare filename from hand-built playlists loses its extension.
func extractKeyID(uri string) string {
	trimmed := strings.TrimSpace(uri)
	if trimmed == "" {
		return ""
	}
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	last := path.Base(trimmed)
	if last == "." || last == "/" {
		return ""
	}
	return strings.TrimSuffix(last, path.Ext(last))
}
