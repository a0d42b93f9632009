package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeStubBinary installs a shell script standing in for ffmpeg. It writes a
// playlist and one segment to the output location it is given, mirroring the
// argument order the encoder uses.
func writeStubBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg-stub")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub binary: %v", err)
	}
	return path
}

const producingStub = `#!/bin/sh
for arg; do out="$arg"; done
dir=$(dirname "$out")
printf '#EXTM3U\n#EXTINF:10.0,\nsegment_000.ts\n#EXT-X-ENDLIST\n' > "$out"
printf 'segment data' > "$dir/segment_000.ts"
`

func TestBuildArgs(t *testing.T) {
	encoder := NewEncoder(Config{SegmentSeconds: 10, Logger: quietLogger()})
	args := encoder.buildArgs("/in/source.mp4", "/out", "/scratch/keyinfo.txt")

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-i /in/source.mp4",
		"-c:v libx264",
		"-c:a aac",
		"-hls_time 10",
		"-hls_key_info_file /scratch/keyinfo.txt",
		"-hls_playlist_type vod",
		"-hls_segment_filename /out/segment_%03d.ts",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "/out/playlist.m3u8" {
		t.Fatalf("last arg = %q, want the playlist path", args[len(args)-1])
	}
}

func TestEncodeWritesKeyMaterialAndRunsBinary(t *testing.T) {
	encoder := NewEncoder(Config{
		Binary:         writeStubBinary(t, producingStub),
		SegmentSeconds: 10,
		Logger:         quietLogger(),
	})

	scratch := t.TempDir()
	output := t.TempDir()
	source := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(source, []byte("video"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	rawKey := []byte("0123456789abcdef")
	info := KeyInfo{
		KeyURL: "https://gw.test/hls/keys/abc",
		RawKey: rawKey,
		IV:     "000102030405060708090a0b0c0d0e0f",
	}
	if err := encoder.Encode(context.Background(), source, scratch, output, info); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	keyBytes, err := os.ReadFile(filepath.Join(scratch, "encryption.key"))
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	if string(keyBytes) != string(rawKey) {
		t.Fatal("key file does not hold the raw content key")
	}

	keyInfo, err := os.ReadFile(filepath.Join(scratch, "keyinfo.txt"))
	if err != nil {
		t.Fatalf("read key info: %v", err)
	}
	lines := strings.Split(string(keyInfo), "\n")
	if len(lines) != 3 {
		t.Fatalf("key info has %d lines, want 3:\n%s", len(lines), keyInfo)
	}
	if lines[0] != info.KeyURL {
		t.Fatalf("key info URL = %q", lines[0])
	}
	if lines[1] != filepath.Join(scratch, "encryption.key") {
		t.Fatalf("key info path = %q", lines[1])
	}
	if lines[2] != info.IV {
		t.Fatalf("key info IV = %q", lines[2])
	}

	if _, err := os.Stat(filepath.Join(output, ManifestFilename)); err != nil {
		t.Fatalf("stub produced no playlist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(output, "segment_000.ts")); err != nil {
		t.Fatalf("stub produced no segment: %v", err)
	}
}

func TestEncodeSurfacesBinaryFailure(t *testing.T) {
	encoder := NewEncoder(Config{
		Binary: writeStubBinary(t, "#!/bin/sh\necho 'codec exploded' >&2\nexit 1\n"),
		Logger: quietLogger(),
	})
	source := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(source, []byte("video"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	err := encoder.Encode(context.Background(), source, t.TempDir(), t.TempDir(), KeyInfo{
		KeyURL: "https://gw.test/hls/keys/abc",
		RawKey: []byte("0123456789abcdef"),
		IV:     "00",
	})
	var encodeErr *EncodeError
	if !errors.As(err, &encodeErr) {
		t.Fatalf("error %v is not an EncodeError", err)
	}
	if !strings.Contains(encodeErr.Output, "codec exploded") {
		t.Fatalf("diagnostics lost: %q", encodeErr.Output)
	}
}

func TestEncodeTimesOut(t *testing.T) {
	encoder := NewEncoder(Config{
		Binary:  writeStubBinary(t, "#!/bin/sh\nsleep 5\n"),
		Timeout: 100 * time.Millisecond,
		Logger:  quietLogger(),
	})
	source := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(source, []byte("video"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	err := encoder.Encode(context.Background(), source, t.TempDir(), t.TempDir(), KeyInfo{
		KeyURL: "u",
		RawKey: []byte("0123456789abcdef"),
		IV:     "00",
	})
	var encodeErr *EncodeError
	if !errors.As(err, &encodeErr) {
		t.Fatalf("error %v is not an EncodeError", err)
	}
	if !strings.Contains(encodeErr.Err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", encodeErr.Err)
	}
}

func TestEncodeValidatesInputs(t *testing.T) {
	encoder := NewEncoder(Config{Logger: quietLogger()})
	if err := encoder.Encode(context.Background(), "", t.TempDir(), t.TempDir(), KeyInfo{RawKey: []byte("k")}); err == nil {
		t.Fatal("expected error for empty source")
	}
	if err := encoder.Encode(context.Background(), "/in.mp4", t.TempDir(), t.TempDir(), KeyInfo{}); err == nil {
		t.Fatal("expected error for missing key")
	}
}
