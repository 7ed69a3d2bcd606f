package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/echowrite/relay/pkg/logger"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

func TestResampleLength(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		n        int
		from, to int
	}{
		{"48k to 16k", 4800, 48000, 16000},
		{"48k odd length", 4801, 48000, 16000},
		{"44.1k to 16k", 4410, 44100, 16000},
		{"22.05k to 16k", 2205, 22050, 16000},
		{"8k to 16k", 800, 8000, 16000},
	} {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]float32, tt.n)
			out := Resample(in, tt.from, tt.to)
			want := int(math.Round(float64(tt.n) * float64(tt.to) / float64(tt.from)))
			if d := len(out) - want; d < -1 || d > 1 {
				t.Errorf("len = %d, want %d ±1", len(out), want)
			}
		})
	}
}

func TestResampleAveragesWindows(t *testing.T) {
	t.Parallel()

	in := []float32{0.3, 0.6, 0.9, -0.3, -0.6, -0.9}
	out := Resample(in, 48000, 16000)
	want := []float32{0.6, -0.6}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestQuantizeClips(t *testing.T) {
	t.Parallel()

	got := Quantize([]float32{0, 1, -1, 1.5, -2, 0.5, float32(math.NaN())})
	want := []int16{0, 32767, -32768, 32767, -32768, 16383, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPipeline48kChunkStaysInRange(t *testing.T) {
	t.Parallel()

	p, err := NewPipeline(Format{Encoding: EncodingFloat32, SampleRate: 48000, Channels: 1}, logger.Discard())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	in := make([]float32, 4800)
	for i := range in {
		in[i] = 1.8 * float32(math.Sin(float64(i)*0.05))
	}

	f, ok := p.Process(Float32Bytes(in))
	if !ok {
		t.Fatal("frame dropped")
	}
	if d := f.Samples - 1600; d < -1 || d > 1 {
		t.Errorf("samples = %d, want 1600 ±1", f.Samples)
	}
	if len(f.PCM) != f.Samples*2 {
		t.Fatalf("pcm bytes = %d, want %d", len(f.PCM), f.Samples*2)
	}

	sawPeak := false
	for i := 0; i < f.Samples; i++ {
		s := int16(binary.LittleEndian.Uint16(f.PCM[i*2:]))
		if s == 32767 || s == -32768 {
			sawPeak = true
		}
		// A wrapped sample would flip sign against its neighbour at the peak.
		if i > 0 {
			prev := int16(binary.LittleEndian.Uint16(f.PCM[(i-1)*2:]))
			if int32(prev)-int32(s) > 30000 || int32(s)-int32(prev) > 30000 {
				t.Fatalf("discontinuity at %d: %d -> %d", i, prev, s)
			}
		}
	}
	if !sawPeak {
		t.Error("expected clipped samples at full scale")
	}
	if f.Duration.Milliseconds() != 100 {
		t.Errorf("duration = %v, want 100ms", f.Duration)
	}
}

func TestPipelineDrops(t *testing.T) {
	t.Parallel()

	p, err := NewPipeline(Canonical(), logger.Discard())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	chunk := PCM16Bytes(make([]int16, 160))

	if _, ok := p.Process(nil); ok {
		t.Error("empty chunk should be dropped")
	}

	p.Pause()
	if _, ok := p.Process(chunk); ok {
		t.Error("paused pipeline should drop")
	}
	p.Resume()
	if _, ok := p.Process(chunk); !ok {
		t.Error("resumed pipeline should emit")
	}

	if _, ok := p.Process([]byte{1, 2, 3}); ok {
		t.Error("truncated chunk should be dropped")
	}
	f, ok := p.Process(chunk)
	if !ok {
		t.Fatal("pipeline should keep going after a bad chunk")
	}
	if f.Seq != 2 {
		t.Errorf("seq = %d, want 2", f.Seq)
	}

	p.Disconnect()
	if _, ok := p.Process(chunk); ok {
		t.Error("disconnected pipeline should drop")
	}

	dropped, failed := p.Stats()
	if dropped != 3 || failed != 1 {
		t.Errorf("stats = (%d, %d), want (3, 1)", dropped, failed)
	}
}

func TestDecodeStereoPCM16Downmix(t *testing.T) {
	t.Parallel()

	chunk := PCM16Bytes([]int16{16384, -16384, 16384, 16384})
	got, rate, err := Decode(chunk, Format{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 2})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rate != 16000 || len(got) != 2 {
		t.Fatalf("rate = %d len = %d", rate, len(got))
	}
	if got[0] != 0 || got[1] != 0.5 {
		t.Errorf("got %v, want [0 0.5]", got)
	}
}

func TestDecodeFLACChunk(t *testing.T) {
	t.Parallel()

	const n = 4800
	var buf bytes.Buffer
	enc, err := flac.NewEncoder(&buf, &meta.StreamInfo{
		BlockSizeMin:  n,
		BlockSizeMax:  n,
		SampleRate:    48000,
		NChannels:     1,
		BitsPerSample: 16,
	})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	samples := make([]int32, n)
	for i := range samples {
		samples[i] = int32(i%200) * 100
	}
	err = enc.WriteFrame(&frame.Frame{
		Header: frame.Header{
			BlockSize:     n,
			SampleRate:    48000,
			Channels:      frame.ChannelsMono,
			BitsPerSample: 16,
		},
		Subframes: []*frame.Subframe{{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  n,
		}},
	})
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, rate, err := Decode(buf.Bytes(), Format{Encoding: EncodingFLAC})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rate != 48000 || len(got) != n {
		t.Fatalf("rate = %d len = %d, want 48000 %d", rate, len(got), n)
	}
	if want := float32(100*100) / 32768; math.Abs(float64(got[100]-want)) > 1e-6 {
		t.Errorf("got[100] = %v, want %v", got[100], want)
	}
}

func TestChunker(t *testing.T) {
	t.Parallel()

	c := NewChunker(16000, ChunkDuration)
	if c.Size() != 1600 {
		t.Fatalf("size = %d, want 1600", c.Size())
	}
	if chunks := c.Push(make([]float32, 1000)); len(chunks) != 0 {
		t.Errorf("got %d chunks, want 0", len(chunks))
	}
	if chunks := c.Push(make([]float32, 2500)); len(chunks) != 2 {
		t.Errorf("got %d chunks, want 2", len(chunks))
	}
	if tail := c.Flush(); len(tail) != 300 {
		t.Errorf("tail = %d, want 300", len(tail))
	}
}
