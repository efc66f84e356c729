package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/voxscribe/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 100, 200, 300, 400, 500})
	out := bytesToSamples(audio.ResampleMono16(pcm, 48000, 16000))
	want := []int16{0, 300}
	if len(out) != len(want) {
		t.Fatalf("got %d samples, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 100})
	out := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	want := []int16{0, 50, 100, 100}
	if len(out) != len(want) {
		t.Fatalf("got %d samples, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResampleMono16_InvalidRates(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2})
	if out := audio.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("zero source rate changed length to %d", len(out))
	}
}

func TestToFloat32(t *testing.T) {
	got := audio.ToFloat32(append(samplesToBytes([]int16{0, 16384, -32768}), 0x7f))
	want := []float32{0, 0.5, -1}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	got := audio.RMS(samplesToBytes([]int16{300, -300, 300, -300}))
	if math.Abs(got-300) > 1e-9 {
		t.Errorf("RMS = %v, want 300", got)
	}
}

func TestDurationMs(t *testing.T) {
	if got := audio.DurationMs(make([]byte, 6400), 16000); got != 200 {
		t.Errorf("DurationMs = %d, want 200", got)
	}
	if got := audio.DurationMs(make([]byte, 6400), 0); got != 0 {
		t.Errorf("DurationMs with zero rate = %d, want 0", got)
	}
	if got := audio.BytesPerMs(16000); got != 32 {
		t.Errorf("BytesPerMs = %d, want 32", got)
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3})
	wav := audio.EncodeWAV(pcm, 16000)
	if len(wav) != audio.WAVHeaderSize+len(pcm) {
		t.Fatalf("len = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Errorf("bad chunk ids: %q %q %q", wav[0:4], wav[8:12], wav[36:40])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); int(size) != len(pcm) {
		t.Errorf("data size = %d", size)
	}
}
