// Package media materializes inbound attachments to disk and transcodes
// outbound audio into the network's voice codec.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Subdirectories under the uploads root, one per media kind.
const (
	DirVoice = "voice"
	DirImage = "image"
)

// Store writes inbound media under a per-kind directory with
// timestamp-based filenames, returning paths relative to the uploads root
// for persistence alongside inbox rows.
type Store struct {
	Root string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Root: dir}
}

// Save writes data under kind/<timestamp><ext> and returns the relative
// path.
func (s *Store) Save(kind string, data []byte, ext string) (string, error) {
	dir := filepath.Join(s.Root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("media: create %s: %w", dir, err)
	}
	name := time.Now().Format("20060102-150405.000") + ext
	rel := filepath.Join(kind, name)
	if err := os.WriteFile(filepath.Join(s.Root, rel), data, 0o644); err != nil {
		return "", fmt.Errorf("media: write %s: %w", rel, err)
	}
	return rel, nil
}

// SaveVoice stores an audio payload as a voice note file.
func (s *Store) SaveVoice(data []byte) (string, error) {
	return s.Save(DirVoice, data, ".ogg")
}

// SaveImage stores an image payload.
func (s *Store) SaveImage(data []byte) (string, error) {
	return s.Save(DirImage, data, ".jpg")
}

// FFmpegTranscoder shells out to ffmpeg to produce ogg/opus voice notes.
type FFmpegTranscoder struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
}

// TranscodeVoice converts data to ogg/opus. On any failure it falls back to
// the original bytes with a generic mime type so the send still goes out.
func (t *FFmpegTranscoder) TranscodeVoice(ctx context.Context, data []byte) ([]byte, string) {
	bin := t.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-i", "pipe:0",
		"-c:a", "libopus", "-b:a", "32k", "-ac", "1",
		"-f", "ogg", "pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	if err := cmd.Run(); err != nil {
		log.Printf("media: transcode failed, sending original bytes: %v (%s)", err, lastLine(errb.String()))
		return data, "application/octet-stream"
	}
	return out.Bytes(), "audio/ogg; codecs=opus"
}

func lastLine(s string) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte{'\n'})
	if len(lines) == 0 {
		return ""
	}
	return string(lines[len(lines)-1])
}
