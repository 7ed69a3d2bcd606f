package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/echowrite/relay/gateways/relay/relay"
	"github.com/echowrite/relay/pkg/audio"
	"github.com/echowrite/relay/pkg/json"
	"github.com/echowrite/relay/services/quota/entity"
	"github.com/echowrite/relay/services/quota/usecase"
)

// MaxMessageBytes caps one client frame. The largest accepted format sends
// well under this per 100ms chunk.
const MaxMessageBytes = 1 << 20

// StreamHandler gates the recording, upgrades to a websocket and serves one
// relay until it closes.
func (h *Handler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	format, err := parseFormat(r)
	if err != nil {
		json.WriteError(w, http.StatusBadRequest, err)
		return
	}
	pipeline, err := audio.NewPipeline(format, h.log)
	if err != nil {
		json.WriteError(w, http.StatusBadRequest, err)
		return
	}

	session, quota, err := h.usecase.StartSession(r.Context(), userID)
	if errors.Is(err, usecase.ErrInsufficientMinutes) {
		json.WriteError(w, http.StatusPaymentRequired, usecase.ErrInsufficientMinutes)
		return
	}
	if err != nil {
		h.log.Error("failed to start session", slog.String("user_id", userID), slog.String("error", err.Error()))
		json.WriteError(w, http.StatusInternalServerError, errors.New("failed to start session"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		if err := h.usecase.EndSession(context.WithoutCancel(r.Context()), session.ID); err != nil {
			h.log.Error("failed to end session", slog.String("session_id", session.ID), slog.String("error", err.Error()))
		}
		return
	}
	conn.SetReadLimit(MaxMessageBytes)

	rl := relay.New(relay.Params{
		SessionID:     session.ID,
		UserID:        userID,
		Remaining:     entity.Remaining(*quota),
		Conn:          conn,
		Pipeline:      pipeline,
		Dialer:        h.dialer,
		Transcription: h.transcription,
		Meter:         h.usecase.NewMeter(session, *quota),
		OnEnd: func(ctx context.Context) error {
			return h.usecase.EndSession(ctx, session.ID)
		},
	}, h.log)

	if err := h.registry.Add(rl); err != nil {
		h.log.Error("failed to register relay", slog.String("error", err.Error()))
		rl.Close(relay.ReasonShutdown)
		return
	}

	rl.Run(r.Context())
}

func parseFormat(r *http.Request) (audio.Format, error) {
	q := r.URL.Query()

	enc, err := audio.ParseEncoding(q.Get("encoding"))
	if err != nil {
		return audio.Format{}, err
	}
	format := audio.Format{Encoding: enc, SampleRate: audio.TargetSampleRate, Channels: audio.Channels}

	if v := q.Get("sample_rate"); v != "" {
		format.SampleRate, err = strconv.Atoi(v)
		if err != nil {
			return audio.Format{}, fmt.Errorf("invalid sample_rate %q", v)
		}
	}
	if v := q.Get("channels"); v != "" {
		format.Channels, err = strconv.Atoi(v)
		if err != nil {
			return audio.Format{}, fmt.Errorf("invalid channels %q", v)
		}
	}
	return format, nil
}
