// Package assemblyai streams PCM audio to the AssemblyAI realtime API.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echowrite/relay/gateways/relay/transcription"
	"github.com/echowrite/relay/pkg/audio"
)

const (
	DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

	handshakeTimeout = 10 * time.Second
	controlTimeout   = 5 * time.Second
	closeTimeout     = time.Second
)

type Config struct {
	APIKey      string
	URL         string
	SampleRate  int
	FormatTurns bool
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
}

func New(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.TargetSampleRate
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Dial opens one realtime stream.
func (c *Client) Dial(ctx context.Context) (transcription.Stream, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, errors.New("ASSEMBLYAI_API_KEY is not configured")
	}

	wsURL, err := buildURL(c.cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", c.cfg.APIKey)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to AssemblyAI (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	return &stream{conn: conn, legacy: isLegacy(wsURL)}, nil
}

func buildURL(cfg Config) (string, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return "", fmt.Errorf("invalid AssemblyAI URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid AssemblyAI URL scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	if !isLegacy(u.String()) {
		q.Set("encoding", string(audio.EncodingPCM16))
		q.Set("format_turns", strconv.FormatBool(cfg.FormatTurns))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// isLegacy reports whether raw points at the v2 realtime API.
func isLegacy(raw string) bool {
	return strings.Contains(raw, "/v2/")
}

type stream struct {
	conn   *websocket.Conn
	legacy bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *stream) SendAudio(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(controlTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		// gorilla connections are unusable after any write error.
		return fmt.Errorf("%w: %w", transcription.ErrStreamClosed, err)
	}
	return nil
}

func (s *stream) Ping() error {
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlTimeout)); err != nil {
		return fmt.Errorf("failed to ping AssemblyAI: %w", err)
	}
	return nil
}

func (s *stream) Recv() (transcription.Transcript, error) {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) || errors.Is(err, websocket.ErrCloseSent) {
				return transcription.Transcript{}, fmt.Errorf("%w: %w", transcription.ErrStreamClosed, err)
			}
			return transcription.Transcript{}, fmt.Errorf("failed to read AssemblyAI event: %w", err)
		}

		t, ok, err := parseMessage(payload)
		if err != nil {
			return transcription.Transcript{}, err
		}
		if ok {
			return t, nil
		}
	}
}

// Close asks the service to terminate the session, then drops the socket.
// When a send is stuck on a stalled peer the socket is dropped at once, which
// also unblocks that send.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.writeMu.TryLock() {
			err = s.conn.Close()
			return
		}

		terminate := []byte(`{"type":"Terminate"}`)
		if s.legacy {
			terminate = []byte(`{"terminate_session":true}`)
		}

		deadline := time.Now().Add(closeTimeout)
		s.conn.SetWriteDeadline(deadline)
		_ = s.conn.WriteMessage(websocket.TextMessage, terminate)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline)
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

type message struct {
	// v3
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	EndOfTurn  bool   `json:"end_of_turn"`
	Formatted  bool   `json:"turn_is_formatted"`

	// v2
	MessageType string `json:"message_type"`
	Text        string `json:"text"`

	Error string `json:"error"`
}

// parseMessage turns one vendor event into a transcript. ok is false for
// events that carry no transcript, like session begin notices.
func parseMessage(payload []byte) (transcription.Transcript, bool, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return transcription.Transcript{}, false, nil
	}

	if msg.Error != "" || strings.EqualFold(msg.Type, "Error") {
		text := strings.TrimSpace(msg.Error)
		if text == "" {
			text = "AssemblyAI returned an unknown error"
		}
		return transcription.Transcript{}, false, fmt.Errorf("assemblyai: %s", text)
	}

	switch {
	case msg.Type == "Turn":
		return transcription.Transcript{Text: msg.Transcript, Final: msg.EndOfTurn}, true, nil
	case msg.Type == "Termination" || msg.MessageType == "SessionTerminated":
		return transcription.Transcript{}, false, nil
	case msg.MessageType == "PartialTranscript":
		return transcription.Transcript{Text: msg.Text}, true, nil
	case msg.MessageType == "FinalTranscript":
		return transcription.Transcript{Text: msg.Text, Final: true}, true, nil
	case msg.Text != "":
		return transcription.Transcript{Text: msg.Text}, true, nil
	}
	return transcription.Transcript{}, false, nil
}
