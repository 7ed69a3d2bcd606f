// Package relay bridges one client websocket to one transcription session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echowrite/relay/gateways/relay/transcription"
	"github.com/echowrite/relay/pkg/audio"
	"github.com/echowrite/relay/services/quota/usecase"
)

const (
	audioQueueSize    = 32
	outboundQueueSize = 64
	teardownTimeout   = 5 * time.Second

	writeWait = 10 * time.Second
	closeWait = time.Second
	pongWait  = 60 * time.Second
)

const (
	ReasonEnd        = "end"
	ReasonDisconnect = "disconnect"
	ReasonQuota      = "quota"
	ReasonUpstream   = "upstream"
	ReasonShutdown   = "shutdown"
)

// Conn is the client side of the duplex channel. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Meter interface {
	Add(ctx context.Context, d time.Duration) (usecase.Usage, error)
	Remaining() float64
	Close(ctx context.Context) error
}

type Params struct {
	SessionID     string
	UserID        string
	Remaining     float64
	Conn          Conn
	Pipeline      *audio.Pipeline
	Dialer        transcription.Dialer
	Transcription transcription.Config
	Meter         Meter
	// OnEnd runs once during teardown, after usage has been committed.
	OnEnd func(ctx context.Context) error

	// PongWait is how long the client may stay silent before it is dropped.
	// Pings go out every PingPeriod. Zero values use the defaults.
	PongWait   time.Duration
	PingPeriod time.Duration
}

// Relay owns a client connection, its audio pipeline, its transcription
// session and its usage meter. Teardown happens exactly once.
type Relay struct {
	id        string
	userID    string
	remaining float64

	conn     Conn
	pipeline *audio.Pipeline
	session  *transcription.Session
	meter    Meter
	onEnd    func(ctx context.Context) error
	log      *slog.Logger

	pongWait   time.Duration
	pingPeriod time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	frames     chan audio.Frame
	out        chan Message
	quit       chan struct{}
	writerDone chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	reason   string
	onClose  []func()
	teardown sync.Once
}

func New(p Params, log *slog.Logger) *Relay {
	log = log.With(slog.String("session_id", p.SessionID), slog.String("user_id", p.UserID))
	ctx, cancel := context.WithCancel(context.Background())

	if p.PongWait <= 0 {
		p.PongWait = pongWait
	}
	if p.PingPeriod <= 0 || p.PingPeriod >= p.PongWait {
		p.PingPeriod = (p.PongWait * 9) / 10
	}

	r := &Relay{
		id:         p.SessionID,
		userID:     p.UserID,
		remaining:  p.Remaining,
		conn:       p.Conn,
		pipeline:   p.Pipeline,
		meter:      p.Meter,
		onEnd:      p.OnEnd,
		log:        log,
		pongWait:   p.PongWait,
		pingPeriod: p.PingPeriod,
		ctx:        ctx,
		cancel:     cancel,
		frames:     make(chan audio.Frame, audioQueueSize),
		out:        make(chan Message, outboundQueueSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	r.session = transcription.New(p.Dialer, r, p.Transcription, log)

	go r.writeLoop()
	return r
}

func (r *Relay) ID() string     { return r.id }
func (r *Relay) UserID() string { return r.userID }

// Session exposes the transcription session for status reporting.
func (r *Relay) Session() *transcription.Session { return r.session }

// Done is closed when teardown has finished.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Reason reports why the relay closed, or "" while it is live.
func (r *Relay) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// OnClose registers fn to run at the end of teardown.
func (r *Relay) OnClose(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, fn)
}

// Run serves the connection until the client ends it, disconnects, runs out
// of quota or the upstream gives up. It returns after teardown.
func (r *Relay) Run(ctx context.Context) {
	format := r.pipeline.Format()
	r.log.Info("relay started",
		slog.String("encoding", string(format.Encoding)),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels))

	remaining := r.remaining
	r.send(Message{Type: TypeSession, SessionID: r.id, RemainingMinutes: &remaining})

	stop := context.AfterFunc(ctx, func() { r.Close(ReasonShutdown) })
	defer stop()

	if err := r.session.Connect(r.ctx); err != nil {
		r.log.Warn("initial upstream connect failed", slog.String("error", err.Error()))
	}

	go r.forwardLoop()
	r.readLoop()
	<-r.done
}

// Close tears the relay down. Only the first call has any effect; later
// calls wait for that teardown to finish.
func (r *Relay) Close(reason string) {
	r.teardown.Do(func() {
		r.mu.Lock()
		r.reason = reason
		r.mu.Unlock()

		r.log.Info("closing relay", slog.String("reason", reason))

		r.cancel()
		r.pipeline.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		// Commit usage first; closing a stalled upstream can take a while.
		if err := r.meter.Close(ctx); err != nil {
			r.log.Error("failed to commit final usage", slog.String("error", err.Error()))
		}
		if r.onEnd != nil {
			if err := r.onEnd(ctx); err != nil {
				r.log.Error("failed to end session", slog.String("error", err.Error()))
			}
		}

		if err := r.session.Close(); err != nil {
			r.log.Warn("failed to close transcription session", slog.String("error", err.Error()))
		}

		close(r.quit)
		<-r.writerDone

		closeMsg := websocket.FormatCloseMessage(closeCode(reason), reason)
		if err := r.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeWait)); err != nil {
			r.log.Debug("client close frame", slog.String("error", err.Error()))
		}
		if err := r.conn.Close(); err != nil {
			r.log.Debug("client connection close", slog.String("error", err.Error()))
		}

		r.mu.Lock()
		hooks := r.onClose
		r.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}

		dropped, failed := r.pipeline.Stats()
		r.log.Info("relay closed",
			slog.String("reason", reason),
			slog.Uint64("dropped_chunks", dropped),
			slog.Uint64("failed_chunks", failed))
		close(r.done)
	})
	<-r.done
}

func closeCode(reason string) int {
	switch reason {
	case ReasonShutdown:
		return websocket.CloseGoingAway
	case ReasonUpstream:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}

// OnTranscript implements transcription.Sink.
func (r *Relay) OnTranscript(t transcription.Transcript) {
	r.send(Message{Type: TypeTranscript, Text: t.Text, Final: t.Final})
}

// OnError implements transcription.Sink.
func (r *Relay) OnError(err error, fatal bool) {
	r.send(Message{Type: TypeError, Text: err.Error(), Fatal: fatal})
}

func (r *Relay) readLoop() {
	extend := func() error {
		return r.conn.SetReadDeadline(time.Now().Add(r.pongWait))
	}
	extend()
	r.conn.SetPongHandler(func(string) error { return extend() })

	for {
		mt, payload, err := r.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				r.log.Info("client stopped responding", slog.Duration("pong_wait", r.pongWait))
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				r.log.Info("client connection lost", slog.String("error", err.Error()))
			}
			go r.Close(ReasonDisconnect)
			return
		}
		extend()

		switch mt {
		case websocket.BinaryMessage:
			// Decoding here keeps pause and resume ordered with the audio
			// around them.
			frame, ok := r.pipeline.Process(payload)
			if !ok {
				continue
			}
			select {
			case r.frames <- frame:
			case <-r.ctx.Done():
				return
			}
		case websocket.TextMessage:
			if !r.handleControl(payload) {
				return
			}
		}
	}
}

// handleControl applies one control message and reports whether reading
// should continue.
func (r *Relay) handleControl(payload []byte) bool {
	kind, err := parseControl(payload)
	if err != nil {
		r.log.Warn("ignoring control message", slog.String("error", err.Error()))
		r.send(Message{Type: TypeError, Text: err.Error()})
		return true
	}

	switch kind {
	case ControlPause:
		r.pipeline.Pause()
		r.sendStatus(StatePaused)
	case ControlResume:
		r.pipeline.Resume()
		r.sendStatus(StateRecording)
	case ControlEnd:
		go r.Close(ReasonEnd)
		return false
	}
	return true
}

func (r *Relay) sendStatus(state string) {
	remaining := max(r.meter.Remaining(), 0)
	r.send(Message{Type: TypeStatus, State: state, RemainingMinutes: &remaining})
}

func (r *Relay) forwardLoop() {
	for {
		var frame audio.Frame
		select {
		case <-r.ctx.Done():
			return
		case frame = <-r.frames:
		}
		if r.pipeline.Paused() {
			continue
		}

		usage, err := r.meter.Add(r.ctx, frame.Duration)
		if err != nil {
			r.log.Error("usage accounting failed", slog.String("error", err.Error()))
		}
		if r.ctx.Err() != nil {
			// Teardown closed the meter under this frame.
			return
		}
		if usage.Exhausted {
			remaining := max(usage.Remaining, 0)
			r.send(Message{
				Type:             TypeQuotaExhausted,
				Text:             fmt.Sprintf("No minutes remaining (%.2f). Purchase more minutes to keep recording.", remaining),
				RemainingMinutes: &remaining,
			})
			go r.Close(ReasonQuota)
			return
		}

		err = r.session.SendAudio(r.ctx, frame.PCM)
		switch {
		case err == nil:
		case errors.Is(err, transcription.ErrRetriesExhausted):
			go r.Close(ReasonUpstream)
			return
		case errors.Is(err, transcription.ErrClosed), errors.Is(err, context.Canceled):
			return
		default:
			r.log.Warn("audio frame not delivered",
				slog.Uint64("seq", frame.Seq),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Relay) send(m Message) {
	select {
	case r.out <- m:
	case <-r.quit:
	}
}

func (r *Relay) writeLoop() {
	defer close(r.writerDone)

	broken := false
	write := func(m Message) {
		if broken {
			return
		}
		payload, err := json.Marshal(m)
		if err != nil {
			r.log.Error("failed to encode message", slog.String("type", m.Type), slog.String("error", err.Error()))
			return
		}
		r.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := r.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			broken = true
			r.log.Info("client write failed", slog.String("error", err.Error()))
			go r.Close(ReasonDisconnect)
		}
	}

	ping := time.NewTicker(r.pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ping.C:
			if broken {
				continue
			}
			if err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				broken = true
				r.log.Info("client ping failed", slog.String("error", err.Error()))
				go r.Close(ReasonDisconnect)
			}
		case m := <-r.out:
			write(m)
		case <-r.quit:
			for {
				select {
				case m := <-r.out:
					write(m)
				default:
					return
				}
			}
		}
	}
}
