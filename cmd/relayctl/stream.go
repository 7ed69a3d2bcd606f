package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mewkiz/flac"

	"github.com/echowrite/relay/gateways/relay/relay"
	"github.com/echowrite/relay/pkg/audio"
	"github.com/echowrite/relay/pkg/audio/capture"
)

const drainTimeout = 10 * time.Second

type streamOptions struct {
	URL   string
	Token string
	Chunk time.Duration
	Fast  bool
}

func streamURL(base string, format audio.Format) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/stream"

	q := u.Query()
	q.Set("encoding", string(format.Encoding))
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", strconv.Itoa(format.Channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// client is one open stream plus the goroutine printing its messages.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	err  error
}

func dial(ctx context.Context, opts streamOptions, format audio.Format) (*client, error) {
	target, err := streamURL(opts.URL, format)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %s", resp.Status)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &client{conn: conn, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	defer close(c.done)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				c.err = err
			}
			return
		}

		var m relay.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			fmt.Fprintf(os.Stderr, "unreadable message: %s\n", payload)
			continue
		}
		switch m.Type {
		case relay.TypeSession:
			remaining := 0.0
			if m.RemainingMinutes != nil {
				remaining = *m.RemainingMinutes
			}
			fmt.Fprintf(os.Stderr, "session %s, %.2f minutes remaining\n", m.SessionID, remaining)
		case relay.TypeTranscript:
			if m.Final {
				fmt.Printf("\r\033[K%s\n", m.Text)
			} else {
				fmt.Printf("\r\033[K%s", m.Text)
			}
		case relay.TypeStatus:
			fmt.Fprintf(os.Stderr, "status: %s\n", m.State)
		case relay.TypeQuotaExhausted:
			fmt.Fprintf(os.Stderr, "quota exhausted: %s\n", m.Text)
		case relay.TypeError:
			if m.Fatal {
				fmt.Fprintf(os.Stderr, "fatal: %s\n", m.Text)
			} else {
				fmt.Fprintf(os.Stderr, "error: %s\n", m.Text)
			}
		}
	}
}

func (c *client) send(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// finish asks the relay to end the session and waits for it to hang up.
func (c *client) finish() error {
	c.mu.Lock()
	err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end"}`))
	c.mu.Unlock()
	if err != nil {
		c.conn.Close()
		<-c.done
		return c.err
	}

	select {
	case <-c.done:
	case <-time.After(drainTimeout):
		c.conn.Close()
		<-c.done
	}
	return c.err
}

func streamFile(ctx context.Context, opts streamOptions, path string, raw bool) error {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer stream.Close()

	samples, err := audio.ReadFLAC(stream)
	if err != nil {
		return err
	}
	rate := int(stream.Info.SampleRate)

	format := audio.Canonical()
	if raw {
		format = audio.Format{Encoding: audio.EncodingFloat32, SampleRate: rate, Channels: 1}
	} else {
		samples = audio.Resample(samples, rate, audio.TargetSampleRate)
		rate = audio.TargetSampleRate
	}

	c, err := dial(ctx, opts, format)
	if err != nil {
		return err
	}

	encode := func(chunk []float32) []byte {
		if raw {
			return audio.Float32Bytes(chunk)
		}
		return audio.PCM16Bytes(audio.Quantize(chunk))
	}

	chunker := audio.NewChunker(rate, opts.Chunk)
	chunks := chunker.Push(samples)
	if tail := chunker.Flush(); len(tail) > 0 {
		chunks = append(chunks, tail)
	}

	ticker := time.NewTicker(opts.Chunk)
	defer ticker.Stop()

	for _, chunk := range chunks {
		if !opts.Fast {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return c.finish()
			case <-c.done:
				return c.err
			}
		}
		if err := c.send(encode(chunk)); err != nil {
			<-c.done
			return c.err
		}
	}
	return c.finish()
}

func streamMic(ctx context.Context, opts streamOptions) error {
	c, err := dial(ctx, opts, audio.Canonical())
	if err != nil {
		return err
	}

	chunks := make(chan []byte, 32)
	var (
		mu      sync.Mutex
		chunker = audio.NewChunker(audio.TargetSampleRate, opts.Chunk)
	)

	device, err := capture.Open(capture.Config{SampleRate: audio.TargetSampleRate, Channels: audio.Channels}, func(samples []int16) {
		mu.Lock()
		ready := chunker.Push(audio.FromInt16(samples))
		mu.Unlock()
		for _, chunk := range ready {
			select {
			case chunks <- audio.PCM16Bytes(audio.Quantize(chunk)):
			default:
			}
		}
	})
	if err != nil {
		c.conn.Close()
		return err
	}
	defer device.Close()

	if err := device.Start(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to start capture: %w", err)
	}
	defer device.Stop()
	fmt.Fprintln(os.Stderr, "recording, press Ctrl+C to stop")

	for {
		select {
		case <-ctx.Done():
			return c.finish()
		case <-c.done:
			return c.err
		case chunk := <-chunks:
			if err := c.send(chunk); err != nil {
				<-c.done
				return c.err
			}
		}
	}
}
