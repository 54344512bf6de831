package mux

import (
	"encoding/json"
	"time"

	"warpgate/pkg/stream"
)

// Inbound envelope types.
const (
	TypeAIRequest      = "ai_stream_request"
	TypeVoiceRequest   = "voice_stream_request"
	TypeCommandRequest = "command_stream_request"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeHeartbeat      = "heartbeat"
	TypeCancel         = "cancel"
)

// Outbound frame types.
const (
	TypeConnected     = "connected"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeError         = "error"
	TypeSubscribed    = "subscription_confirmed"
	TypeUnsubscribed  = "unsubscription_confirmed"
	TypeAIStart       = "ai_stream_start"
	TypeAIToken       = "ai_token"
	TypeAIComplete    = "ai_complete"
	TypeAIError       = "ai_stream_error"
	TypeVoiceStart    = "voice_stream_start"
	TypeVoiceChunk    = "voice_chunk"
	TypeVoiceComplete = "voice_complete"
	TypeVoiceError    = "voice_stream_error"
	TypeCommandStart  = "command_start"
	TypeCommandOutput = "command_output"
	TypeCommandDone   = "command_complete"
	TypeCommandError  = "command_error"
)

type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Text      string          `json:"text,omitempty"`
	Voice     string          `json:"voice,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	Token     string          `json:"token,omitempty"`
	Events    []string        `json:"events,omitempty"`
}

// Frame is every message the server writes. Hub events carry Class and Data.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Token     string          `json:"token,omitempty"`
	Finished  bool            `json:"finished,omitempty"`
	Response  string          `json:"response,omitempty"`
	Audio     []byte          `json:"audio,omitempty"`
	Size      int             `json:"size,omitempty"`
	Command   string          `json:"command,omitempty"`
	Output    string          `json:"output,omitempty"`
	Stream    string          `json:"stream,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	Events    []string        `json:"events,omitempty"`
	Class     stream.Class    `json:"class,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func newFrame(typ, requestID string) Frame {
	return Frame{Type: typ, RequestID: requestID, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

func fromEvent(evt stream.Event) Frame {
	return Frame{Type: evt.Type, Class: evt.Class, Data: evt.Data, Timestamp: evt.At}
}
