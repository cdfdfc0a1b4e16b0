package transcribe

import (
	"context"
	"testing"
)

// Garbage input must degrade to "no transcript" no matter which pipeline
// stage rejects it (ffmpeg on the clip, or ffmpeg/whisper being absent).
func TestTranscribeGarbageInputSoftFails(t *testing.T) {
	t.Parallel()

	tr := New("/nonexistent/model.bin", nil)
	text, ok := tr.Transcribe(context.Background(), []byte("not an ogg file"))
	if ok {
		t.Fatalf("Transcribe accepted garbage: %q", text)
	}
	if text != "" {
		t.Errorf("text = %q, want empty on failure", text)
	}
}

func TestTranscribeEmptyClipSoftFails(t *testing.T) {
	t.Parallel()

	tr := New("/nonexistent/model.bin", nil)
	if _, ok := tr.Transcribe(context.Background(), nil); ok {
		t.Fatal("Transcribe accepted an empty clip")
	}
}
