package audio

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Frame is one canonical unit of audio: 16-bit mono PCM at TargetSampleRate.
type Frame struct {
	Seq        uint64
	PCM        []byte
	Samples    int
	Duration   time.Duration
	CapturedAt time.Time
}

// Pipeline turns client chunks into canonical frames. Process is meant to be
// called from a single goroutine; Pause, Resume and Disconnect may be called
// from any goroutine.
type Pipeline struct {
	format Format
	log    *slog.Logger
	now    func() time.Time

	paused       atomic.Bool
	disconnected atomic.Bool
	seq          uint64

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewPipeline(format Format, log *slog.Logger) (*Pipeline, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio format: %w", err)
	}
	return &Pipeline{
		format: format,
		log:    log,
		now:    time.Now,
	}, nil
}

func (p *Pipeline) Format() Format { return p.format }

func (p *Pipeline) Pause()       { p.paused.Store(true) }
func (p *Pipeline) Resume()      { p.paused.Store(false) }
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// Disconnect permanently stops frame emission.
func (p *Pipeline) Disconnect() { p.disconnected.Store(true) }

// Process converts one chunk. ok is false when the chunk was dropped: the
// pipeline is paused or disconnected, the chunk is empty, or it failed to
// decode. Decode failures are logged and never stop later chunks.
func (p *Pipeline) Process(chunk []byte) (frame Frame, ok bool) {
	if p.paused.Load() || p.disconnected.Load() || len(chunk) == 0 {
		p.dropped.Add(1)
		return Frame{}, false
	}

	samples, rate, err := Decode(chunk, p.format)
	if err != nil {
		p.failed.Add(1)
		p.log.Warn("dropping undecodable audio chunk",
			slog.String("encoding", string(p.format.Encoding)),
			slog.Int("bytes", len(chunk)),
			slog.String("error", err.Error()))
		return Frame{}, false
	}

	samples = Resample(samples, rate, TargetSampleRate)
	if len(samples) == 0 {
		p.dropped.Add(1)
		return Frame{}, false
	}

	p.seq++
	return Frame{
		Seq:        p.seq,
		PCM:        PCM16Bytes(Quantize(samples)),
		Samples:    len(samples),
		Duration:   SampleDuration(len(samples), TargetSampleRate),
		CapturedAt: p.now(),
	}, true
}

// Stats reports dropped and undecodable chunk counts.
func (p *Pipeline) Stats() (dropped, failed uint64) {
	return p.dropped.Load(), p.failed.Load()
}
