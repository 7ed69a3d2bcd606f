package audio

import (
	"fmt"
	"strings"
	"time"
)

const (
	// TargetSampleRate is the canonical rate of every frame sent upstream.
	TargetSampleRate = 16000
	BitsPerSample    = 16
	Channels         = 1

	// ChunkDuration is the capture cadence; it bounds end-to-end latency.
	ChunkDuration = 100 * time.Millisecond
)

type Encoding string

const (
	EncodingPCM16   Encoding = "pcm_s16le"
	EncodingFloat32 Encoding = "pcm_f32le"
	EncodingFLAC    Encoding = "flac"
)

func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingPCM16:
		return EncodingPCM16, nil
	case EncodingFloat32:
		return EncodingFloat32, nil
	case EncodingFLAC:
		return EncodingFLAC, nil
	default:
		return "", fmt.Errorf("unsupported audio encoding %q", s)
	}
}

// Format describes the chunks a client sends. FLAC chunks carry their own
// rate and channel count, so SampleRate and Channels only apply to raw PCM.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

func Canonical() Format {
	return Format{Encoding: EncodingPCM16, SampleRate: TargetSampleRate, Channels: Channels}
}

func (f Format) Validate() error {
	if _, err := ParseEncoding(string(f.Encoding)); err != nil {
		return err
	}
	if f.Encoding == EncodingFLAC {
		return nil
	}
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return fmt.Errorf("sample rate %d out of range", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("channel count %d out of range", f.Channels)
	}
	return nil
}

// SampleDuration converts a sample count at rate into wall-clock time.
func SampleDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
