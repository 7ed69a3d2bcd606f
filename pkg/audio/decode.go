package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
)

var ErrTruncatedChunk = errors.New("chunk length is not a whole number of frames")

// Decode turns one encoded chunk into mono float samples in [-1, 1] and
// reports the rate they were captured at.
func Decode(chunk []byte, f Format) ([]float32, int, error) {
	switch f.Encoding {
	case EncodingPCM16, "":
		samples, err := decodePCM16(chunk, f.Channels)
		return samples, f.SampleRate, err
	case EncodingFloat32:
		samples, err := decodeFloat32(chunk, f.Channels)
		return samples, f.SampleRate, err
	case EncodingFLAC:
		return decodeFLAC(chunk)
	default:
		return nil, 0, fmt.Errorf("unsupported audio encoding %q", f.Encoding)
	}
}

func decodePCM16(chunk []byte, channels int) ([]float32, error) {
	if channels < 1 {
		channels = 1
	}
	frameBytes := 2 * channels
	if len(chunk)%frameBytes != 0 {
		return nil, ErrTruncatedChunk
	}

	n := len(chunk) / frameBytes
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			s := int16(binary.LittleEndian.Uint16(chunk[off:]))
			sum += float32(s) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out, nil
}

func decodeFloat32(chunk []byte, channels int) ([]float32, error) {
	if channels < 1 {
		channels = 1
	}
	frameBytes := 4 * channels
	if len(chunk)%frameBytes != 0 {
		return nil, ErrTruncatedChunk
	}

	n := len(chunk) / frameBytes
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 4
			v := math.Float32frombits(binary.LittleEndian.Uint32(chunk[off:]))
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("non-finite sample at frame %d", i)
			}
			sum += v
		}
		out[i] = sum / float32(channels)
	}
	return out, nil
}

func decodeFLAC(chunk []byte) ([]float32, int, error) {
	stream, err := flac.New(bytes.NewReader(chunk))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open flac stream: %w", err)
	}
	defer stream.Close()

	samples, err := ReadFLAC(stream)
	if err != nil {
		return nil, 0, err
	}
	return samples, int(stream.Info.SampleRate), nil
}

// ReadFLAC decodes every remaining frame of stream, downmixed to mono.
func ReadFLAC(stream *flac.Stream) ([]float32, error) {
	scale := float32(int64(1) << (stream.Info.BitsPerSample - 1))

	var out []float32
	for {
		f, err := stream.ParseNext()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse flac frame: %w", err)
		}
		out = appendFrame(out, f.Subframes, scale)
	}
}

func appendFrame(out []float32, subframes []*frame.Subframe, scale float32) []float32 {
	if len(subframes) == 0 {
		return out
	}
	n := subframes[0].NSamples
	channels := float32(len(subframes))
	for i := 0; i < n; i++ {
		var sum float32
		for _, sub := range subframes {
			sum += float32(sub.Samples[i]) / scale
		}
		out = append(out, sum/channels)
	}
	return out
}
