package vad

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtc-vad"

	"github.com/MrWong99/gemos/pkg/audio"
)

// Defaults for the WebRTC tier.
const (
	DefaultMode        = 2
	DefaultSubFrameMs  = 30
	DefaultSpeechRatio = 0.3
)

// Compile-time interface assertion.
var _ Detector = (*WebRTC)(nil)

// WebRTC classifies frames with the WebRTC VAD model. Each frame is cut into
// fixed sub-frames; the frame is speech when the fraction of voiced sub-frames
// is strictly greater than the speech ratio. A trailing partial sub-frame is
// ignored.
type WebRTC struct {
	mode        int
	subFrameMs  int
	speechRatio float64

	mu  sync.Mutex // the underlying C instance is not reentrant
	vad *webrtcvad.VAD
}

// WebRTCOption is a functional option for [WebRTC].
type WebRTCOption func(*WebRTC)

// WithMode sets the aggressiveness (0 = least, 3 = most aggressive).
func WithMode(mode int) WebRTCOption {
	return func(w *WebRTC) { w.mode = mode }
}

// WithSubFrameMs sets the analysis sub-frame length: 10, 20, or 30 ms.
func WithSubFrameMs(ms int) WebRTCOption {
	return func(w *WebRTC) { w.subFrameMs = ms }
}

// WithSpeechRatio sets the voiced fraction that must be exceeded.
func WithSpeechRatio(r float64) WebRTCOption {
	return func(w *WebRTC) { w.speechRatio = r }
}

// NewWebRTC creates the model detector.
func NewWebRTC(opts ...WebRTCOption) (*WebRTC, error) {
	w := &WebRTC{
		mode:        DefaultMode,
		subFrameMs:  DefaultSubFrameMs,
		speechRatio: DefaultSpeechRatio,
	}
	for _, o := range opts {
		o(w)
	}
	if w.mode < 0 || w.mode > 3 {
		return nil, fmt.Errorf("vad: mode %d out of range [0, 3]", w.mode)
	}
	switch w.subFrameMs {
	case 10, 20, 30:
	default:
		return nil, fmt.Errorf("vad: sub-frame %d ms not one of 10, 20, 30", w.subFrameMs)
	}
	if w.speechRatio < 0 || w.speechRatio >= 1 {
		return nil, fmt.Errorf("vad: speech ratio %.2f out of range [0, 1)", w.speechRatio)
	}

	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("vad: create webrtc instance: %w", err)
	}
	if err := v.SetMode(w.mode); err != nil {
		return nil, fmt.Errorf("vad: set mode %d: %w", w.mode, err)
	}
	w.vad = v
	return w, nil
}

// SupportsRate reports whether the model accepts frames at rate Hz.
func SupportsRate(rate int) bool {
	switch rate {
	case 8000, 16000, 32000, 48000:
		return true
	}
	return false
}

// IsSpeech implements [Detector]. It returns [ErrUnsupportedRate] for rates
// the model cannot handle and [ErrFrameTooShort] when not even one sub-frame
// fits.
func (w *WebRTC) IsSpeech(frame audio.Frame) (bool, error) {
	rate := frame.Rate()
	if !SupportsRate(rate) {
		return false, fmt.Errorf("%w: %d Hz", ErrUnsupportedRate, rate)
	}
	sub := rate * w.subFrameMs / 1000
	total := len(frame.Samples) / sub
	if total == 0 {
		return false, ErrFrameTooShort
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	voiced := 0
	for i := range total {
		chunk := audio.Int16ToBytes(frame.Samples[i*sub : (i+1)*sub])
		active, err := w.vad.Process(rate, chunk)
		if err != nil {
			return false, fmt.Errorf("vad: webrtc process: %w", err)
		}
		if active {
			voiced++
		}
	}
	return float64(voiced)/float64(total) > w.speechRatio, nil
}

// Name implements [Detector].
func (w *WebRTC) Name() string { return "webrtc" }
