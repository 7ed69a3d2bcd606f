package relay

import (
	"encoding/json"
	"fmt"
)

const (
	TypeSession        = "session"
	TypeTranscript     = "transcript"
	TypeError          = "error"
	TypeStatus         = "status"
	TypeQuotaExhausted = "quota-exhausted"

	ControlPause  = "pause"
	ControlResume = "resume"
	ControlEnd    = "end"

	StatePaused    = "paused"
	StateRecording = "recording"
)

// Message is every server to client frame. Unused fields are omitted.
type Message struct {
	Type             string   `json:"type"`
	SessionID        string   `json:"session_id,omitempty"`
	RemainingMinutes *float64 `json:"remaining_minutes,omitempty"`
	Text             string   `json:"text,omitempty"`
	Final            bool     `json:"final,omitempty"`
	Fatal            bool     `json:"fatal,omitempty"`
	State            string   `json:"state,omitempty"`
}

type control struct {
	Type string `json:"type"`
}

func parseControl(payload []byte) (string, error) {
	var c control
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", fmt.Errorf("failed to parse control message: %w", err)
	}
	switch c.Type {
	case ControlPause, ControlResume, ControlEnd:
		return c.Type, nil
	default:
		return "", fmt.Errorf("unknown control message %q", c.Type)
	}
}
