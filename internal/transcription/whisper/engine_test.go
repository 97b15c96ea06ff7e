package whisper

import (
	"context"
	"os"
	"testing"

	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

func TestNewRequiresModelPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("Expected error for empty model path")
	}
}

// Needs a ggml model on disk.
func TestEngineTranscribeSilence(t *testing.T) {
	modelPath := os.Getenv("WHISPER_MODEL")
	if modelPath == "" {
		t.Skip("WHISPER_MODEL not set")
	}

	engine, err := New(modelPath, WithThreads(2))
	if err != nil {
		t.Fatalf("Failed to load model: %v", err)
	}
	defer engine.Close()

	opts := transcription.Options{Language: "en", BeamSize: 1}.Streaming()
	segments, err := engine.Transcribe(context.Background(), make([]float32, 16000), opts)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	for _, s := range segments {
		if s.Start != 0 || s.End != 0 {
			t.Errorf("Expected no timings for streaming call, got %+v", s)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Transcribe(ctx, make([]float32, 16000), opts); err == nil {
		t.Error("Expected error for cancelled context")
	}

	if err := engine.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}
