// Package transcription keeps one upstream speech-to-text stream alive for a
// relay connection and forwards its transcripts.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echowrite/relay/pkg/retry"
)

const (
	KeepaliveInterval = 30 * time.Second
	// MaxSendAttempts is the first send plus three retries.
	MaxSendAttempts = 4
)

var (
	ErrClosed           = errors.New("transcription session closed")
	ErrRetriesExhausted = errors.New("failed to deliver audio to transcription service")
	// ErrStreamClosed marks a send or receive on a dead upstream socket.
	// Stream implementations wrap their transport errors with it.
	ErrStreamClosed = errors.New("upstream stream closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
	Errored
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Errored:
		return "errored"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type Transcript struct {
	Text  string
	Final bool
}

// Stream is one upstream connection. SendAudio and Ping may be called
// concurrently with Recv.
type Stream interface {
	SendAudio(pcm []byte) error
	Ping() error
	Recv() (Transcript, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// Sink receives session events. Calls are serialized per session and must
// not block for long or call back into Close.
type Sink interface {
	OnTranscript(t Transcript)
	OnError(err error, fatal bool)
}

type Config struct {
	Keepalive   time.Duration
	MaxAttempts int
	Backoff     retry.Policy
}

func DefaultConfig() Config {
	return Config{
		Keepalive:   KeepaliveInterval,
		MaxAttempts: MaxSendAttempts,
		Backoff:     retry.Exponential(100*time.Millisecond, time.Second),
	}
}

type Session struct {
	dialer Dialer
	sink   Sink
	cfg    Config
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	stream Stream
	gen    uint64

	emitMu    sync.Mutex
	keepalive sync.Once
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(dialer Dialer, sink Sink, cfg Config, log *slog.Logger) *Session {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = KeepaliveInterval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = MaxSendAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		dialer: dialer,
		sink:   sink,
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the upstream stream. On failure an error event is emitted
// and the session stays disconnected so the caller may try again.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return ErrClosed
	case Open:
		s.mu.Unlock()
		return nil
	}
	s.state = Connecting
	s.mu.Unlock()

	if err := s.dial(ctx, Disconnected); err != nil {
		if !errors.Is(err, ErrClosed) {
			s.emitError(fmt.Errorf("failed to connect to transcription service: %w", err), false)
		}
		return err
	}
	return nil
}

// SendAudio forwards one frame. A session that is not open reconnects once
// first; sends that hit a closed socket are retried with a reconnect between
// attempts, up to MaxAttempts in total. Exhaustion emits a single terminal
// error event and returns ErrRetriesExhausted; the session stays usable.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	if s.State() == Closed {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if s.State() != Open {
		if err := s.dial(ctx, Disconnected); err != nil {
			s.log.Warn("reconnect before send failed", slog.String("error", err.Error()))
		}
	}

	res := retry.Do(ctx, s.cfg.MaxAttempts, s.cfg.Backoff, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if err := s.dial(ctx, Disconnected); err != nil {
				if errors.Is(err, ErrClosed) {
					return retry.Permanent(err)
				}
				return err
			}
		}

		stream, gen := s.current()
		if stream == nil {
			return ErrStreamClosed
		}

		err := stream.SendAudio(pcm)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStreamClosed) {
			s.drop(gen, Disconnected)
			return err
		}
		return retry.Permanent(err)
	})

	switch res.Outcome {
	case retry.Succeeded:
		return nil
	case retry.Canceled:
		return res.Err
	case retry.Aborted:
		if errors.Is(res.Err, ErrClosed) {
			return ErrClosed
		}
		s.log.Warn("audio frame rejected upstream", slog.String("error", res.Err.Error()))
		s.emitError(fmt.Errorf("failed to send audio: %w", res.Err), false)
		return res.Err
	}

	if ctx.Err() != nil || s.State() == Closed {
		return ErrClosed
	}

	s.mu.Lock()
	if s.state != Closed {
		s.state = Errored
	}
	s.mu.Unlock()

	err := fmt.Errorf("%w: %w", ErrRetriesExhausted, res.Err)
	s.log.Error("audio send retries exhausted",
		slog.Int("attempts", res.Attempts),
		slog.String("error", res.Err.Error()))
	s.emitError(err, true)
	return err
}

// Close releases the upstream stream and stops the keepalive. It is safe to
// call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.state = Closed
		stream := s.stream
		s.stream = nil
		s.gen++
		s.mu.Unlock()

		if stream != nil {
			if cerr := stream.Close(); cerr != nil {
				err = fmt.Errorf("failed to close upstream stream: %w", cerr)
			}
		}
		s.wg.Wait()
		s.log.Debug("transcription session closed")
	})
	return err
}

// dial replaces the current stream with a fresh one. failState is the state
// left behind when the handshake fails.
func (s *Session) dial(ctx context.Context, failState State) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.stream
	s.stream = nil
	s.gen++
	if s.state != Connecting {
		s.state = Reconnecting
	}
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	stream, err := s.dialer.Dial(ctx)
	if err != nil {
		s.mu.Lock()
		if s.state != Closed {
			s.state = failState
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to dial upstream: %w", err)
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		stream.Close()
		return ErrClosed
	}
	s.stream = stream
	s.gen++
	gen := s.gen
	s.state = Open
	s.mu.Unlock()

	go s.recvLoop(stream, gen)
	s.keepalive.Do(func() {
		s.wg.Add(1)
		go s.keepaliveLoop()
	})

	s.log.Debug("upstream stream open", slog.Uint64("generation", gen))
	return nil
}

func (s *Session) current() (Stream, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream, s.gen
}

// drop forgets the stream of generation gen if it is still current.
func (s *Session) drop(gen uint64, next State) {
	s.mu.Lock()
	if s.gen != gen || s.state == Closed {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	s.stream = nil
	s.gen++
	s.state = next
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}

func (s *Session) recvLoop(stream Stream, gen uint64) {
	for {
		t, err := stream.Recv()
		if err != nil {
			s.mu.Lock()
			stale := s.gen != gen || s.state == Closed
			s.mu.Unlock()
			if stale {
				return
			}

			s.drop(gen, Disconnected)
			if errors.Is(err, ErrStreamClosed) {
				s.log.Info("upstream stream ended", slog.String("error", err.Error()))
				return
			}
			s.log.Warn("upstream stream failed", slog.String("error", err.Error()))
			s.emitError(err, false)
			return
		}

		if t.Text == "" {
			continue
		}

		s.emitMu.Lock()
		s.sink.OnTranscript(t)
		s.emitMu.Unlock()
	}
}

func (s *Session) keepaliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			stream, _ := s.current()
			if stream == nil || s.State() != Open {
				continue
			}
			if err := stream.Ping(); err != nil {
				s.log.Warn("keepalive failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Session) emitError(err error, fatal bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.sink.OnError(err, fatal)
}
