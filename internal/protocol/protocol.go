// Package protocol defines the structured JSON envelope exchanged on a
// voice session socket: inbound client messages, outbound server events,
// wire-level error codes and websocket close codes.
package protocol

import "encoding/json"

// Inbound message types.
const (
	TypeStart  = "start"
	TypeEnd    = "end"
	TypeCancel = "cancel"
	TypePing   = "ping"
)

// Outbound event types.
const (
	TypeReady             = "session.ready"
	TypeStarted           = "session.started"
	TypeTranscriptPartial = "transcript.partial"
	TypeTranscriptFinal   = "transcript.final"
	TypeSpeechEndHint     = "speech.end.hint"
	TypeCompleted         = "session.completed"
	TypeCancelled         = "session.cancelled"
	TypeTTSStart          = "tts.start"
	TypeTTSEnd            = "tts.end"
	TypeTimeout           = "session.timeout"
	TypeError             = "session.error"
	TypePong              = "session.pong"
	TypeClosed            = "session.closed"
)

// Websocket close codes used by the session layer.
const (
	CloseIdleTimeout  = 4000
	CloseReplaced     = 4001
	CloseUnauthorized = 4401
)

// ErrorCode is the stable code carried by session.error events.
type ErrorCode string

const (
	ErrInvalidPayload      ErrorCode = "INVALID_PAYLOAD"
	ErrCommandInProgress   ErrorCode = "COMMAND_IN_PROGRESS"
	ErrNoActiveCommand     ErrorCode = "NO_ACTIVE_COMMAND"
	ErrTranscriptionFailed ErrorCode = "TRANSCRIPTION_FAILED"
	ErrAudioForwardFailed  ErrorCode = "AUDIO_FORWARD_FAILED"
	ErrAgentFailed         ErrorCode = "AGENT_FAILED"
	ErrTTSFailed           ErrorCode = "TTS_FAILED"
	ErrFinalizeFailed      ErrorCode = "FINALIZE_FAILED"
	ErrRecorderStartFailed ErrorCode = "RECORDER_START_FAILED"
	ErrUnknown             ErrorCode = "UNKNOWN"
)

// Speech-end detection modes.
const (
	ModeManual = "manual"
	ModeAuto   = "auto"
)

// AudioConfig describes the inbound microphone audio a client intends to
// send for a command.
type AudioConfig struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// SpeechEndDetection selects how the end of user speech is detected for a
// command. Provider and Options are passed through to the transcription
// provider untouched.
type SpeechEndDetection struct {
	Mode     string         `json:"mode,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// Normalize returns a copy with Mode forced to ModeManual unless it is
// exactly ModeAuto. A nil config yields the manual default.
func (d *SpeechEndDetection) Normalize() SpeechEndDetection {
	if d == nil {
		return SpeechEndDetection{Mode: ModeManual}
	}
	out := *d
	if out.Mode != ModeAuto {
		out.Mode = ModeManual
	}
	return out
}

// ClientMessage is the flat inbound JSON payload. Unlike server events it
// carries its fields at the top level.
type ClientMessage struct {
	Type               string              `json:"type"`
	Audio              *AudioConfig        `json:"audio,omitempty"`
	SpeechEndDetection *SpeechEndDetection `json:"speechEndDetection,omitempty"`
	Timestamp          int64               `json:"timestamp,omitempty"`
}

// ParseClientMessage decodes a text frame into a ClientMessage.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

// ServerEvent is the outbound {type, data} envelope.
type ServerEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// RawServerEvent is ServerEvent with the data left undecoded; used on the
// receiving side where the payload shape depends on the type.
type RawServerEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseServerEvent decodes a text frame into a RawServerEvent.
func ParseServerEvent(raw []byte) (RawServerEvent, error) {
	var ev RawServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return RawServerEvent{}, err
	}
	if ev.Type == "" {
		return RawServerEvent{}, errMissingType
	}
	return ev, nil
}

type protocolError string

func (e protocolError) Error() string { return string(e) }

const errMissingType = protocolError("protocol: event has no type")
