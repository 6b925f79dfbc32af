package audio

import (
	"errors"
	"testing"
	"time"
)

func frameAt(t0 time.Time, offset time.Duration, n int, v int16) Frame {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return Frame{Samples: s, SampleRate: 16000, Timestamp: t0.Add(offset)}
}

func TestFrame_Duration(t *testing.T) {
	f := Frame{Samples: make([]int16, 480), SampleRate: 16000}
	if got := f.Duration(); got != 30*time.Millisecond {
		t.Fatalf("Duration = %v, want 30ms", got)
	}
	if got := (Frame{Samples: make([]int16, 160)}).Duration(); got != 10*time.Millisecond {
		t.Fatalf("Duration with default rate = %v, want 10ms", got)
	}
}

func TestUtterance_FinalizeKeepsOrder(t *testing.T) {
	t0 := time.Now()
	u := NewUtterance()
	for i := range 3 {
		if err := u.Append(frameAt(t0, time.Duration(i)*30*time.Millisecond, 2, int16(i+1)), true); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	got := u.Finalize()
	want := []int16{1, 1, 2, 2, 3, 3}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if !u.Finalized() {
		t.Fatal("Finalized() = false after Finalize")
	}
}

func TestUtterance_AppendAfterFinalize(t *testing.T) {
	u := NewUtterance()
	_ = u.Append(frameAt(time.Now(), 0, 4, 1), true)
	u.Finalize()
	err := u.Append(frameAt(time.Now(), time.Second, 4, 1), true)
	if !errors.Is(err, ErrUtteranceFinalized) {
		t.Fatalf("Append after Finalize err = %v, want ErrUtteranceFinalized", err)
	}
	if u.Len() != 1 {
		t.Fatalf("Len = %d, want 1", u.Len())
	}
}

func TestUtterance_RejectsOutOfOrder(t *testing.T) {
	t0 := time.Now()
	u := NewUtterance()
	_ = u.Append(frameAt(t0, time.Second, 4, 1), true)
	if err := u.Append(frameAt(t0, 0, 4, 1), true); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
}

func TestUtterance_Counters(t *testing.T) {
	t0 := time.Now()
	u := NewUtterance()
	_ = u.Append(frameAt(t0, 0, 160, 1), true)
	_ = u.Append(frameAt(t0, 10*time.Millisecond, 160, 0), false)
	if u.SpeechFrames() != 1 {
		t.Fatalf("SpeechFrames = %d, want 1", u.SpeechFrames())
	}
	if u.Duration() != 20*time.Millisecond {
		t.Fatalf("Duration = %v, want 20ms", u.Duration())
	}
	if !u.Started().Equal(t0) {
		t.Fatalf("Started = %v, want %v", u.Started(), t0)
	}
}
