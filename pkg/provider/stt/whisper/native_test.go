package whisper

import (
	"context"
	"os"
	"testing"

	"github.com/MrWong99/gemos/pkg/provider/stt"
)

func TestNewNative_EmptyPath(t *testing.T) {
	if _, err := NewNative(""); err == nil {
		t.Fatal("NewNative(\"\") error = nil, want error")
	}
}

func TestNewNative_InvalidPath(t *testing.T) {
	if _, err := NewNative("/nonexistent/ggml-model.bin"); err == nil {
		t.Fatal("NewNative(invalid) error = nil, want error")
	}
}

func TestNativeTranscribe(t *testing.T) {
	path := os.Getenv("WHISPER_MODEL_PATH")
	if path == "" {
		t.Skip("WHISPER_MODEL_PATH not set")
	}
	e, err := NewNative(path, WithNativeLanguage("en"), WithNativeThreads(2))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer e.Close()

	res, err := e.Transcribe(context.Background(), stt.Request{Samples: makeSpeechPCM(16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Engine != NativeName {
		t.Fatalf("Engine = %q, want %q", res.Engine, NativeName)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		t.Fatalf("Confidence = %v, want within [0,1]", res.Confidence)
	}
}
