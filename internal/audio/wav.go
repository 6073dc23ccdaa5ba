package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Waveform is decoded mono audio with samples scaled to [-1, 1].
type Waveform struct {
	SampleRate int
	Samples    []float64
}

const (
	formatPCM       = 1
	formatIEEEFloat = 3
)

// DecodeWAV reads a RIFF/WAVE stream and returns mono samples scaled to
// [-1, 1]. Multi-channel audio is averaged down to one channel. 16-bit PCM
// and 32-bit float encodings are supported.
func DecodeWAV(r io.Reader) (*Waveform, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE stream")
	}

	var (
		format     uint16
		channels   uint16
		rate       uint32
		bits       uint16
		haveFormat bool
	)

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, errors.New("missing data chunk")
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("fmt chunk too short")
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			rate = binary.LittleEndian.Uint32(body[4:8])
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFormat = true
			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return nil, fmt.Errorf("skip fmt padding: %w", err)
				}
			}
		case "data":
			if !haveFormat {
				return nil, errors.New("data chunk before fmt chunk")
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
			samples, err := decodeSamples(body, format, bits, int(channels))
			if err != nil {
				return nil, err
			}
			return &Waveform{SampleRate: int(rate), Samples: samples}, nil
		default:
			// Skip LIST, fact and other chunks. Chunks are word aligned.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("skip %s chunk: %w", id, err)
			}
		}
	}
}

// DecodeWAVFile opens and decodes a wav file.
func DecodeWAVFile(path string) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	w, err := DecodeWAV(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return w, nil
}

func decodeSamples(raw []byte, format, bits uint16, channels int) ([]float64, error) {
	if channels < 1 {
		return nil, errors.New("invalid channel count")
	}

	switch {
	case format == formatPCM && bits == 16:
		frames := len(raw) / 2 / channels
		out := make([]float64, frames)
		for f := 0; f < frames; f++ {
			var sum float64
			for c := 0; c < channels; c++ {
				v := int16(binary.LittleEndian.Uint16(raw[2*(f*channels+c):]))
				sum += float64(v) / 32768.0
			}
			out[f] = sum / float64(channels)
		}
		return out, nil

	case format == formatIEEEFloat && bits == 32:
		frames := len(raw) / 4 / channels
		out := make([]float64, frames)
		for f := 0; f < frames; f++ {
			var sum float64
			for c := 0; c < channels; c++ {
				u := binary.LittleEndian.Uint32(raw[4*(f*channels+c):])
				sum += float64(math.Float32frombits(u))
			}
			out[f] = sum / float64(channels)
		}
		return out, nil
	}

	return nil, fmt.Errorf("unsupported wav encoding: format=%d bits=%d", format, bits)
}
