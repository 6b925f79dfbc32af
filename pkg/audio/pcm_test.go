package audio

import (
	"math"
	"testing"
)

func TestInt16Bytes_RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	out := BytesToInt16(Int16ToBytes(in))
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample[%d] = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestMeanSquare(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", make([]int16, 100), 0},
		{"half scale", []int16{16384, -16384}, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MeanSquare(tt.samples); math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("MeanSquare = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDownmix(t *testing.T) {
	got := Downmix([]int16{100, 300, -100, -300}, 2)
	if len(got) != 2 || got[0] != 200 || got[1] != -200 {
		t.Fatalf("Downmix = %v, want [200 -200]", got)
	}
	mono := []int16{1, 2, 3}
	if got := Downmix(mono, 1); len(got) != 3 {
		t.Fatalf("Downmix mono len = %d, want 3", len(got))
	}
}

func TestResample_Length(t *testing.T) {
	in := make([]int16, 480)
	if got := Resample(in, 48000, 16000); len(got) != 160 {
		t.Fatalf("len = %d, want 160", len(got))
	}
	if got := Resample(in, 16000, 16000); len(got) != 480 {
		t.Fatalf("same-rate len = %d, want 480", len(got))
	}
}
