package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/gemos/pkg/provider/stt"
)

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil, want error")
	}
}

func TestPrimaryLanguage(t *testing.T) {
	cases := map[string]string{"pt-BR": "pt", "en": "en", "": "", " EN_us ": "en"}
	for in, want := range cases {
		if got := primaryLanguage(in); got != want {
			t.Errorf("primaryLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildParams(t *testing.T) {
	e, _ := New("k", WithPrompt("GEM"))
	p := e.buildParams(stt.Request{Language: "pt-BR"}, []byte("RIFF"))
	if string(p.Model) != "whisper-1" {
		t.Errorf("Model = %q, want whisper-1", p.Model)
	}
	if p.Language.Value != "pt" {
		t.Errorf("Language = %q, want pt", p.Language.Value)
	}
	if p.Prompt.Value != "GEM" {
		t.Errorf("Prompt = %q, want GEM", p.Prompt.Value)
	}
}

func TestTranscribe(t *testing.T) {
	var gotPath, gotAuth string
	var gotForm bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(10 << 20); err == nil {
			_, gotForm = r.MultipartForm.File["file"]
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" hey gem, what time is it? "}`)
	}))
	defer srv.Close()

	e, _ := New("sk-test", WithBaseURL(srv.URL+"/v1/"))
	res, err := e.Transcribe(context.Background(), stt.Request{Samples: make([]int16, 1600), Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotPath != "/v1/audio/transcriptions" {
		t.Errorf("path = %q, want /v1/audio/transcriptions", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !gotForm {
		t.Error("multipart file field missing")
	}
	if res.Text != "hey gem, what time is it?" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Confidence != DefaultConfidence {
		t.Errorf("Confidence = %v, want %v", res.Confidence, DefaultConfidence)
	}
	if res.Engine != Name {
		t.Errorf("Engine = %q, want %q", res.Engine, Name)
	}
}

func TestTranscribe_BadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad audio","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	e, _ := New("sk-test", WithBaseURL(srv.URL+"/v1/"))
	_, err := e.Transcribe(context.Background(), stt.Request{Samples: make([]int16, 160)})
	if err == nil || !strings.Contains(err.Error(), "openai: transcription") {
		t.Fatalf("err = %v, want transcription error", err)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	e, _ := New("k")
	if _, err := e.Transcribe(context.Background(), stt.Request{}); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
}
