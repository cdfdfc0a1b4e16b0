// Package transcribe converts voice clips to text using ffmpeg and a local
// whisper.cpp binary. Every step is best-effort: missing tooling, timeouts,
// or conversion failures degrade to "no transcript" rather than erroring,
// and scratch files are removed on every exit path.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Placeholder is substituted by callers when no transcript is available.
const Placeholder = "[voice message - transcription unavailable]"

const (
	convertTimeout    = 30 * time.Second
	transcribeTimeout = 60 * time.Second
)

// whisperBinaries are probed in priority order.
var whisperBinaries = []string{"whisper-cpp", "whisper"}

// Transcriber runs the ffmpeg + whisper pipeline.
type Transcriber struct {
	// ModelPath is the whisper acoustic model file.
	ModelPath string

	logger *slog.Logger
}

// New creates a Transcriber using the given model path.
func New(modelPath string, logger *slog.Logger) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		ModelPath: modelPath,
		logger:    logger.With("component", "transcribe"),
	}
}

// Transcribe converts an OGG voice clip to text. Returns ("", false) when
// any step fails; it never returns an error.
func (tr *Transcriber) Transcribe(ctx context.Context, oggData []byte) (string, bool) {
	scratch, err := os.MkdirTemp("", "nanoclaw-voice-*")
	if err != nil {
		tr.logger.Warn("transcribe: creating scratch dir failed", "error", err)
		return "", false
	}
	defer os.RemoveAll(scratch)

	oggPath := filepath.Join(scratch, "clip.ogg")
	wavPath := filepath.Join(scratch, "clip.wav")
	if err := os.WriteFile(oggPath, oggData, 0o600); err != nil {
		tr.logger.Warn("transcribe: writing clip failed", "error", err)
		return "", false
	}

	if err := tr.convert(ctx, oggPath, wavPath); err != nil {
		tr.logger.Warn("transcribe: ffmpeg conversion failed", "error", err)
		return "", false
	}

	bin, ok := findWhisper()
	if !ok {
		tr.logger.Warn("transcribe: whisper.cpp not found, skipping transcription")
		return "", false
	}

	text, err := tr.run(ctx, bin, wavPath)
	if err != nil {
		tr.logger.Warn("transcribe: whisper.cpp transcription failed", "binary", bin, "error", err)
		return "", false
	}
	if text == "" {
		return "", false
	}
	return text, true
}

// convert produces a mono 16kHz waveform from the source clip.
func (tr *Transcriber) convert(ctx context.Context, src, dst string) error {
	cctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "ffmpeg", "-y", "-i", src, "-ar", "16000", "-ac", "1", dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w (%s)", err, firstLine(out))
	}
	return nil
}

// run invokes the whisper binary and reads its emitted transcript file.
// The transcript file lives in the scratch dir, so the deferred RemoveAll
// covers it too.
func (tr *Transcriber) run(ctx context.Context, bin, wavPath string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, bin,
		"-m", tr.ModelPath,
		"-f", wavPath,
		"--output-txt",
		"--output-file", wavPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%s: %w (%s)", bin, err, firstLine(out))
	}

	txtPath := wavPath + ".txt"
	data, err := os.ReadFile(txtPath)
	if err != nil {
		return "", fmt.Errorf("reading transcript: %w", err)
	}
	os.Remove(txtPath)
	return strings.TrimSpace(string(data)), nil
}

// findWhisper probes the known binary names in priority order.
func findWhisper() (string, bool) {
	for _, name := range whisperBinaries {
		if _, err := exec.LookPath(name); err == nil {
			return name, true
		}
	}
	return "", false
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
