package transcription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/echowrite/relay/pkg/logger"
	"github.com/echowrite/relay/pkg/retry"
)

type fakeStream struct {
	mu       sync.Mutex
	sent     [][]byte
	pings    int
	closed   bool
	sendErr  error
	pingErr  error
	incoming chan Transcript
	done     chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		incoming: make(chan Transcript, 16),
		done:     make(chan struct{}),
	}
}

func (f *fakeStream) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStreamClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeStream) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeStream) Recv() (Transcript, error) {
	select {
	case t := <-f.incoming:
		return t, nil
	case <-f.done:
		return Transcript{}, ErrStreamClosed
	}
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	next    func() (*fakeStream, error)
}

func (d *fakeDialer) Dial(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		s   *fakeStream
		err error
	)
	if d.next != nil {
		s, err = d.next()
	} else {
		s = newFakeStream()
	}
	if err != nil {
		return nil, err
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

type recordSink struct {
	mu          sync.Mutex
	transcripts []Transcript
	errs        []error
	fatal       []bool
	got         chan struct{}
}

func newRecordSink() *recordSink {
	return &recordSink{got: make(chan struct{}, 64)}
}

func (r *recordSink) OnTranscript(t Transcript) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, t)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recordSink) OnError(err error, fatal bool) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.fatal = append(r.fatal, fatal)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recordSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
}

func testConfig() Config {
	return Config{Keepalive: time.Hour, MaxAttempts: MaxSendAttempts, Backoff: retry.Constant(0)}
}

func TestConnectFailureStaysDisconnected(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{next: func() (*fakeStream, error) { return nil, errors.New("handshake refused") }}
	sink := newRecordSink()
	s := New(dialer, sink, testConfig(), logger.Discard())
	defer s.Close()

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if s.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
	if len(sink.errs) != 1 || sink.fatal[0] {
		t.Errorf("errors = %v fatal = %v, want one non-fatal", sink.errs, sink.fatal)
	}

	dialer.next = nil
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("retry Connect: %v", err)
	}
	if s.State() != Open {
		t.Errorf("state = %v, want open", s.State())
	}
}

func TestSendAudioExhaustsAfterFourAttempts(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{next: func() (*fakeStream, error) {
		s := newFakeStream()
		s.sendErr = ErrStreamClosed
		return s, nil
	}}
	sink := newRecordSink()
	s := New(dialer, sink, testConfig(), logger.Discard())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := s.SendAudio(context.Background(), []byte{1, 2})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}

	// Connect plus one reconnect between each of the four attempts.
	if got := dialer.dials(); got != MaxSendAttempts {
		t.Errorf("dials = %d, want %d", got, MaxSendAttempts)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(sink.errs))
	}
	if !sink.fatal[0] {
		t.Error("exhaustion should be terminal")
	}
	if s.State() != Errored {
		t.Errorf("state = %v, want errored", s.State())
	}
}

func TestSendAudioReconnectsAfterClosedSocket(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sink := newRecordSink()
	s := New(dialer, sink, testConfig(), logger.Discard())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := dialer.streams[0]
	first.mu.Lock()
	first.sendErr = ErrStreamClosed
	first.mu.Unlock()

	if err := s.SendAudio(context.Background(), []byte{7}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if dialer.dials() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dials())
	}
	if !first.isClosed() {
		t.Error("dead stream should be released")
	}
	second := dialer.streams[1]
	if len(second.sent) != 1 || second.sent[0][0] != 7 {
		t.Errorf("second stream sent %v", second.sent)
	}
	if len(sink.errs) != 0 {
		t.Errorf("unexpected error events: %v", sink.errs)
	}
}

func TestSendAudioWhenNotOpenReconnectsOnce(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s := New(dialer, newRecordSink(), testConfig(), logger.Discard())
	defer s.Close()

	if err := s.SendAudio(context.Background(), []byte{1}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if dialer.dials() != 1 || s.State() != Open {
		t.Errorf("dials = %d state = %v", dialer.dials(), s.State())
	}
}

func TestTranscriptsForwardedInOrderSkippingEmpty(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sink := newRecordSink()
	s := New(dialer, sink, testConfig(), logger.Discard())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stream := dialer.streams[0]
	stream.incoming <- Transcript{Text: "hello"}
	stream.incoming <- Transcript{Text: ""}
	stream.incoming <- Transcript{Text: "hello world", Final: true}
	stream.incoming <- Transcript{Text: "next"}

	sink.wait(t, 3)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []Transcript{{Text: "hello"}, {Text: "hello world", Final: true}, {Text: "next"}}
	if len(sink.transcripts) != len(want) {
		t.Fatalf("transcripts = %v", sink.transcripts)
	}
	for i := range want {
		if sink.transcripts[i] != want[i] {
			t.Errorf("transcript %d = %+v, want %+v", i, sink.transcripts[i], want[i])
		}
	}
}

func TestKeepalivePingsWhileOpen(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{next: func() (*fakeStream, error) {
		s := newFakeStream()
		s.pingErr = errors.New("ping rejected")
		return s, nil
	}}
	cfg := testConfig()
	cfg.Keepalive = 5 * time.Millisecond
	s := New(dialer, newRecordSink(), cfg, logger.Discard())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	stream := dialer.streams[0]
	for {
		stream.mu.Lock()
		pings := stream.pings
		stream.mu.Unlock()
		if pings >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pings = %d, want at least 2", pings)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Ping failures are not fatal.
	if s.State() != Open {
		t.Errorf("state = %v, want open", s.State())
	}

	s.Close()
	stream.mu.Lock()
	after := stream.pings
	stream.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.pings != after {
		t.Error("keepalive kept running after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	s := New(dialer, newRecordSink(), testConfig(), logger.Discard())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !dialer.streams[0].isClosed() {
		t.Error("upstream stream left open")
	}
	if s.State() != Closed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if err := s.SendAudio(context.Background(), []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("SendAudio after close = %v, want ErrClosed", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after close = %v, want ErrClosed", err)
	}
}

func TestCloseStopsPendingRetries(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{next: func() (*fakeStream, error) {
		s := newFakeStream()
		s.sendErr = ErrStreamClosed
		return s, nil
	}}
	sink := newRecordSink()
	cfg := testConfig()
	cfg.Backoff = retry.Constant(time.Hour)
	s := New(dialer, sink, cfg, logger.Discard())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.SendAudio(context.Background(), []byte{1}) }()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if errors.Is(err, ErrRetriesExhausted) {
			t.Errorf("err = %v, retry loop should stop on close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendAudio did not observe close")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 0 {
		t.Errorf("error events after close: %v", sink.errs)
	}
}
