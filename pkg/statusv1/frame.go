// Package statusv1 defines the versioned JSON frames pushed over the
// monitor daemon's status stream.
package statusv1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const Version = 1

// Frame types carried on the stream.
const (
	TypeLimiterStats    = "limiter_stats"
	TypeNetSpeed        = "net_speed"
	TypeRecommendations = "recommendations"
)

// Frame wraps every status message with metadata.
type Frame struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	FrameID string          `json:"frame_id"`
	At      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame of the given type, marshaling the payload.
func NewFrame(frameType string, at time.Time, payload any) (Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("statusv1: marshal payload: %w", err)
		}
	}
	return Frame{
		V:       Version,
		Type:    frameType,
		FrameID: uuid.NewString(),
		At:      at,
		Payload: raw,
	}, nil
}

// DecodePayload unmarshals the frame's payload into out.
func (f Frame) DecodePayload(out any) error {
	if len(f.Payload) == 0 {
		return errors.New("statusv1: empty payload")
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("statusv1: unmarshal payload: %w", err)
	}
	return nil
}

// ValidateBasic checks frame metadata.
func (f Frame) ValidateBasic() error {
	if f.V != Version {
		return fmt.Errorf("statusv1: version %d, expected %d", f.V, Version)
	}
	switch f.Type {
	case TypeLimiterStats, TypeNetSpeed, TypeRecommendations:
	default:
		return fmt.Errorf("statusv1: unknown frame type %q", f.Type)
	}
	if f.FrameID == "" {
		return errors.New("statusv1: missing frame_id")
	}
	return nil
}
