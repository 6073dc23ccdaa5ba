package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func wavFile(t *testing.T, format, bits, channels uint16, rate uint32, data []byte) []byte {
	t.Helper()

	var b bytes.Buffer
	blockAlign := channels * bits / 8
	byteRate := rate * uint32(blockAlign)

	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(4+8+16+8+len(data)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, format)
	binary.Write(&b, binary.LittleEndian, channels)
	binary.Write(&b, binary.LittleEndian, rate)
	binary.Write(&b, binary.LittleEndian, byteRate)
	binary.Write(&b, binary.LittleEndian, blockAlign)
	binary.Write(&b, binary.LittleEndian, bits)
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(data)))
	b.Write(data)
	return b.Bytes()
}

func pcm16Bytes(t *testing.T, samples []int16) []byte {
	t.Helper()
	var b bytes.Buffer
	for _, s := range samples {
		binary.Write(&b, binary.LittleEndian, s)
	}
	return b.Bytes()
}

func TestDecodeWAV_PCM16Mono(t *testing.T) {
	raw := wavFile(t, 1, 16, 1, 22050, pcm16Bytes(t, []int16{0, 16384, -16384, 32767, -32768}))

	w, err := DecodeWAV(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if w.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", w.SampleRate)
	}
	want := []float64{0, 0.5, -0.5, 32767.0 / 32768.0, -1.0}
	if len(w.Samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(w.Samples), len(want))
	}
	for i := range want {
		if math.Abs(w.Samples[i]-want[i]) > 1e-9 {
			t.Errorf("sample[%d] = %f, want %f", i, w.Samples[i], want[i])
		}
	}
}

func TestDecodeWAV_StereoAveragesChannels(t *testing.T) {
	// Interleaved L/R frames: (1000, 3000) and (-2000, 2000).
	raw := wavFile(t, 1, 16, 2, 44100, pcm16Bytes(t, []int16{1000, 3000, -2000, 2000}))

	w, err := DecodeWAV(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(w.Samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(w.Samples))
	}
	if math.Abs(w.Samples[0]-2000.0/32768.0) > 1e-9 {
		t.Errorf("sample[0] = %f, want %f", w.Samples[0], 2000.0/32768.0)
	}
	if math.Abs(w.Samples[1]) > 1e-9 {
		t.Errorf("sample[1] = %f, want 0", w.Samples[1])
	}
}

func TestDecodeWAV_Float32(t *testing.T) {
	var data bytes.Buffer
	for _, v := range []float32{0.25, -0.75} {
		binary.Write(&data, binary.LittleEndian, math.Float32bits(v))
	}
	raw := wavFile(t, 3, 32, 1, 16000, data.Bytes())

	w, err := DecodeWAV(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if math.Abs(w.Samples[0]-0.25) > 1e-6 || math.Abs(w.Samples[1]+0.75) > 1e-6 {
		t.Errorf("samples = %v, want [0.25 -0.75]", w.Samples)
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	base := wavFile(t, 1, 16, 1, 22050, pcm16Bytes(t, []int16{100}))

	// Splice a LIST chunk between the fmt and data chunks.
	var b bytes.Buffer
	b.Write(base[:36])
	b.WriteString("LIST")
	binary.Write(&b, binary.LittleEndian, uint32(4))
	b.WriteString("INFO")
	b.Write(base[36:])

	w, err := DecodeWAV(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(w.Samples) != 1 {
		t.Errorf("got %d samples, want 1", len(w.Samples))
	}
}

func TestDecodeWAV_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"not riff", []byte("OGGSxxxxxxxxxxxxxxxxxxxx")},
		{"truncated header", []byte("RIFF")},
		{"unsupported bits", wavFile(t, 1, 8, 1, 8000, []byte{1, 2, 3})},
	}

	for _, tc := range cases {
		if _, err := DecodeWAV(bytes.NewReader(tc.raw)); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}

func TestDecodeWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	raw := wavFile(t, 1, 16, 1, 22050, pcm16Bytes(t, []int16{0, 1, 2}))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := DecodeWAVFile(path)
	if err != nil {
		t.Fatalf("DecodeWAVFile: %v", err)
	}
	if len(w.Samples) != 3 {
		t.Errorf("got %d samples, want 3", len(w.Samples))
	}

	if _, err := DecodeWAVFile(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("expected error for missing file")
	}
}
