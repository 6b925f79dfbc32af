package coqui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/gemos/pkg/audio"
	"github.com/MrWong99/gemos/pkg/provider/tts"
)

// testWAV returns 100 ms of silent 22.05 kHz WAV.
func testWAV(t *testing.T) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(make([]int16, 2205), 22050)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return data
}

// recorder captures the last request seen by a test server.
type recorder struct {
	mu     sync.Mutex
	method string
	path   string
	query  map[string]string
	body   ttsRequest
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{method: r.method, path: r.path, query: r.query, body: r.body}
}

func newServer(t *testing.T, rec *recorder) *httptest.Server {
	t.Helper()
	wav := testWAV(t)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = map[string]string{}
		for k := range r.URL.Query() {
			rec.query[k] = r.URL.Query().Get(k)
		}
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		rec.mu.Unlock()

		switch r.URL.Path {
		case apiTTSEndpoint, ttsEndpoint:
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(wav)
		case detailsEndpoint:
			_ = json.NewEncoder(w).Encode(detailsResponse{
				ModelName: "tts_models/multilingual/vits",
				Language:  "pt",
				Speakers:  []string{"p2", "p1"},
			})
		case studioSpeakersEndpoint:
			_ = json.NewEncoder(w).Encode(map[string]any{"Daisy": map[string]any{}, "Ana": map[string]any{}})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil, want error")
	}
	e, err := New("http://localhost:5002/", WithLanguage("pt"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.serverURL != "http://localhost:5002" {
		t.Errorf("serverURL = %q, want trailing slash trimmed", e.serverURL)
	}
	if e.language != "pt" || e.httpClient.Timeout != 5*time.Second || e.apiMode != APIModeStandard {
		t.Errorf("unexpected engine config %+v", e)
	}
}

func TestSynthesize_Standard(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec)
	defer srv.Close()

	e, _ := New(srv.URL)
	a, err := e.Synthesize(context.Background(), tts.Request{Text: " Olá! ", Voice: "p1", Language: "pt-BR"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if a.SampleRate != 22050 || a.Format != "wav" {
		t.Errorf("audio = rate %d format %q", a.SampleRate, a.Format)
	}
	got := rec.snapshot()
	if got.method != http.MethodGet || got.path != apiTTSEndpoint {
		t.Errorf("request = %s %s", got.method, got.path)
	}
	if got.query["text"] != "Olá!" || got.query["speaker_id"] != "p1" || got.query["language_id"] != "pt" {
		t.Errorf("query = %v", got.query)
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	rec := &recorder{}
	srv := newServer(t, rec)
	defer srv.Close()

	e, _ := New(srv.URL, WithAPIMode(APIModeXTTS), WithDefaultSpeaker("Ana"))
	if _, err := e.Synthesize(context.Background(), tts.Request{Text: "hello", Rate: tts.NormalRate}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := rec.snapshot()
	if got.method != http.MethodPost || got.path != ttsEndpoint {
		t.Errorf("request = %s %s", got.method, got.path)
	}
	if got.body.SpeakerWav != "Ana" || got.body.Language != "en" || got.body.Speed != 1.0 {
		t.Errorf("body = %+v", got.body)
	}
}

func TestSynthesize_XTTSRequiresVoice(t *testing.T) {
	e, _ := New("http://127.0.0.1:1", WithAPIMode(APIModeXTTS))
	if _, err := e.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Fatal("Synthesize without voice in XTTS mode: error = nil, want error")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	e, _ := New("http://127.0.0.1:1")
	if _, err := e.Synthesize(context.Background(), tts.Request{Text: "  "}); !errors.Is(err, tts.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := New(srv.URL)
	_, err := e.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("err = %v, want status 500 error", err)
	}
}

func TestSynthesize_InvalidWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not a wav"))
	}))
	defer srv.Close()

	e, _ := New(srv.URL)
	if _, err := e.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Fatal("Synthesize with invalid WAV: error = nil, want error")
	}
}

func TestVoices_Standard(t *testing.T) {
	srv := newServer(t, &recorder{})
	defer srv.Close()

	e, _ := New(srv.URL)
	voices, err := e.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "p1" || voices[1].ID != "p2" {
		t.Fatalf("voices = %+v, want sorted p1, p2", voices)
	}
	if voices[0].Language != "pt" {
		t.Errorf("Language = %q, want pt", voices[0].Language)
	}
}

func TestVoices_SingleSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(detailsResponse{ModelName: "tts_models/en/ljspeech/vits"})
	}))
	defer srv.Close()

	e, _ := New(srv.URL)
	voices, err := e.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "" || voices[0].Name != "tts_models/en/ljspeech/vits" {
		t.Fatalf("voices = %+v", voices)
	}
}

func TestVoices_XTTS(t *testing.T) {
	srv := newServer(t, &recorder{})
	defer srv.Close()

	e, _ := New(srv.URL, WithAPIMode(APIModeXTTS))
	voices, err := e.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	if len(voices) != 2 || voices[0].Name != "Ana" || voices[1].Name != "Daisy" {
		t.Fatalf("voices = %+v, want sorted Ana, Daisy", voices)
	}
}

func TestWarmup_Unreachable(t *testing.T) {
	srv := newServer(t, &recorder{})
	e, _ := New(srv.URL)
	srv.Close()
	if err := e.Warmup(context.Background()); err == nil {
		t.Fatal("Warmup against closed server: error = nil, want error")
	}
}
