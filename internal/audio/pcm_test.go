package audio

import (
	"math"
	"testing"
)

func TestBytesToSamples(t *testing.T) {
	samples, err := BytesToSamples([]byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80})
	if err != nil {
		t.Fatalf("BytesToSamples failed: %v", err)
	}

	expected := []int16{1, -1, math.MinInt16}
	if len(samples) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(samples))
	}
	for i := range expected {
		if samples[i] != expected[i] {
			t.Errorf("Expected sample %d to be %d, got %d", i, expected[i], samples[i])
		}
	}
}

func TestBytesToSamples_OddLength(t *testing.T) {
	if _, err := BytesToSamples([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
}

func TestSamplesToBytes(t *testing.T) {
	in := []int16{0, 1000, -1000, math.MaxInt16}
	out, err := BytesToSamples(SamplesToBytes(in))
	if err != nil {
		t.Fatalf("BytesToSamples failed: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("Expected %d at %d, got %d", in[i], i, out[i])
		}
	}
}

func TestMulawToSamples(t *testing.T) {
	tests := []struct {
		in   byte
		want int16
	}{
		{0xFF, 0},
		{0x7F, 0},
		{0x80, 32124},
		{0x00, -32124},
	}

	for _, tt := range tests {
		got := MulawToSamples([]byte{tt.in})[0]
		if got != tt.want {
			t.Errorf("mu-law 0x%02X: expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestDecode(t *testing.T) {
	if _, err := Decode("opus", []byte{1, 2}); err == nil {
		t.Error("Expected error for unsupported encoding")
	}

	samples, err := Decode(EncodingMulaw, []byte{0xFF, 0xFF, 0xFF})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(samples) != 3 {
		t.Errorf("Expected one sample per mu-law byte, got %d", len(samples))
	}
}

func TestCalculateRMS(t *testing.T) {
	rms := CalculateRMS([]int16{3, -3, 3, -3})
	if rms != 3 {
		t.Errorf("Expected RMS 3, got %f", rms)
	}
	if CalculateRMS(nil) != 0 {
		t.Error("Expected RMS of empty input to be 0")
	}
}

func TestRMSToDBFS(t *testing.T) {
	if db := RMSToDBFS(math.MaxInt16); math.Abs(db) > 1e-9 {
		t.Errorf("Expected full scale to be 0 dBFS, got %f", db)
	}
	if !math.IsInf(RMSToDBFS(0), -1) {
		t.Error("Expected silence to be -Inf dBFS")
	}
}
