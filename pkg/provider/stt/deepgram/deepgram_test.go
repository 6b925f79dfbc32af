package deepgram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/gemos/pkg/provider/stt"
)

const sampleResponse = `{
  "results": {
    "channels": [{
      "detected_language": "pt",
      "alternatives": [{
        "transcript": "olá gem que horas são",
        "confidence": 0.93,
        "words": [
          {"word": "olá", "start": 0.1, "end": 0.4, "punctuated_word": "Olá"},
          {"word": "gem", "start": 0.4, "end": 0.7}
        ]
      }]
    }]
  }
}`

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil, want error")
	}
}

func TestBuildURL(t *testing.T) {
	e, _ := New("key", WithModel("base"), WithKeywords("gem:2"))

	raw, err := e.buildURL("en")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if q.Get("model") != "base" {
		t.Errorf("model = %q, want base", q.Get("model"))
	}
	if q.Get("language") != "en" {
		t.Errorf("language = %q, want en", q.Get("language"))
	}
	if q.Get("keywords") != "gem:2" {
		t.Errorf("keywords = %q, want gem:2", q.Get("keywords"))
	}

	raw, _ = e.buildURL("")
	u, _ = url.Parse(raw)
	if u.Query().Get("detect_language") != "true" {
		t.Errorf("detect_language not set when language is empty: %s", raw)
	}
}

func TestTranscribe_Success(t *testing.T) {
	var gotAuth, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, sampleResponse)
	}))
	defer srv.Close()

	e, _ := New("secret", WithEndpoint(srv.URL))
	res, err := e.Transcribe(context.Background(), stt.Request{Samples: make([]int16, 1600), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotAuth != "Token secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Token secret")
	}
	if gotType != "audio/wav" {
		t.Errorf("Content-Type = %q, want audio/wav", gotType)
	}
	if !strings.HasPrefix(string(gotBody), "RIFF") {
		t.Errorf("body does not start with RIFF header")
	}
	if res.Text != "olá gem que horas são" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Confidence != 0.93 {
		t.Errorf("Confidence = %v, want 0.93", res.Confidence)
	}
	if res.Language != "pt" {
		t.Errorf("Language = %q, want pt", res.Language)
	}
	if len(res.Segments) != 2 || res.Segments[0].Text != "Olá" || res.Segments[1].Text != "gem" {
		t.Errorf("Segments = %+v", res.Segments)
	}
	if res.Segments[0].End != 400*time.Millisecond {
		t.Errorf("Segments[0].End = %v, want 400ms", res.Segments[0].End)
	}
}

func TestTranscribe_NoAlternatives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results":{"channels":[]}}`)
	}))
	defer srv.Close()

	e, _ := New("k", WithEndpoint(srv.URL), WithLanguage("en"))
	res, err := e.Transcribe(context.Background(), stt.Request{Samples: make([]int16, 160)})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "" {
		t.Fatalf("Text = %q, want empty", res.Text)
	}
	if res.Language != "en" {
		t.Fatalf("Language = %q, want en", res.Language)
	}
}

func TestTranscribe_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	e, _ := New("bad", WithEndpoint(srv.URL))
	_, err := e.Transcribe(context.Background(), stt.Request{Samples: make([]int16, 160)})
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Fatalf("err = %v, want HTTP 401 error", err)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	e, _ := New("k")
	if _, err := e.Transcribe(context.Background(), stt.Request{}); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
}
