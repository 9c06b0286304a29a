// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event names in the bidirectional voice-stream protocol (spec.md §6).
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
	EventMark  = "mark"
)

// MediaPayload carries one chunk of 16-bit/8kHz/mono little-endian PCM,
// base64-encoded (spec.md §6).
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Mark carries the name of a playback-completion marker the server asked
// the gateway to notify it on.
type Mark struct {
	Name string `json:"name"`
}

// Frame is the envelope every voice-stream message is wrapped in, keyed by
// stream_sid (spec.md §6).
type Frame struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"stream_sid"`
	CallSid   string        `json:"callSid,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *Mark         `json:"mark,omitempty"`
}

// DecodeFrame parses one inbound websocket text message.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("telephony: decode frame: %w", err)
	}
	return &f, nil
}

// EncodeMediaFrame builds an outbound `media` frame carrying one rebuffered
// PCM chunk (internal/voice/framing produces fixed-size chunks per spec.md
// §4.5's framing contract).
func EncodeMediaFrame(streamSid string, pcm []byte) ([]byte, error) {
	f := Frame{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(pcm)},
	}
	return json.Marshal(f)
}

// EncodeMarkFrame builds an outbound `mark` frame so the server is notified
// when the gateway finishes playing a named segment (used to serialize
// barge-in against in-flight TTS).
func EncodeMarkFrame(streamSid, name string) ([]byte, error) {
	f := Frame{Event: EventMark, StreamSid: streamSid, Mark: &Mark{Name: name}}
	return json.Marshal(f)
}

// DecodePCM base64-decodes an inbound media frame's payload.
func DecodePCM(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode pcm payload: %w", err)
	}
	return b, nil
}
