package protocol

// Event constructors. Field names follow the wire contract, so data maps
// use camelCase keys.

func Ready(timeoutMs int64) ServerEvent {
	return ServerEvent{Type: TypeReady, Data: map[string]any{"timeoutMs": timeoutMs}}
}

func Started() ServerEvent {
	return ServerEvent{Type: TypeStarted}
}

func TranscriptPartial(transcript string) ServerEvent {
	return ServerEvent{Type: TypeTranscriptPartial, Data: map[string]any{"transcript": transcript}}
}

func TranscriptFinal(transcript string) ServerEvent {
	return ServerEvent{Type: TypeTranscriptFinal, Data: map[string]any{"transcript": transcript}}
}

func SpeechEndHint(reason string, confidence float64) ServerEvent {
	data := map[string]any{}
	if reason != "" {
		data["reason"] = reason
	}
	if confidence != 0 {
		data["confidence"] = confidence
	}
	return ServerEvent{Type: TypeSpeechEndHint, Data: data}
}

// Completed wraps the agent result. The map must contain a responseText
// key; extra provider fields ride along untouched.
func Completed(data map[string]any) ServerEvent {
	return ServerEvent{Type: TypeCompleted, Data: data}
}

func Cancelled() ServerEvent {
	return ServerEvent{Type: TypeCancelled}
}

// TTSStart advertises the fixed synthesized-audio parameters for a cycle.
func TTSStart(encoding string, sampleRate int, mimeType string) ServerEvent {
	return ServerEvent{Type: TypeTTSStart, Data: map[string]any{
		"encoding":   encoding,
		"sampleRate": sampleRate,
		"mimeType":   mimeType,
	}}
}

func TTSEnd(errored, interrupted bool) ServerEvent {
	data := map[string]any{}
	if errored {
		data["errored"] = true
	}
	if interrupted {
		data["interrupted"] = true
	}
	if len(data) == 0 {
		return ServerEvent{Type: TypeTTSEnd}
	}
	return ServerEvent{Type: TypeTTSEnd, Data: data}
}

func Timeout(idleMs int64) ServerEvent {
	return ServerEvent{Type: TypeTimeout, Data: map[string]any{"idleMs": idleMs}}
}

func Pong(timestamp int64) ServerEvent {
	return ServerEvent{Type: TypePong, Data: map[string]any{"timestamp": timestamp}}
}

func Closed(code int, reason string) ServerEvent {
	return ServerEvent{Type: TypeClosed, Data: map[string]any{"code": code, "reason": reason}}
}

// ErrorDetail is the optional extra payload on a session.error event.
type ErrorDetail struct {
	Retryable bool
	Details   map[string]any
}

// Error builds a session.error event. The message is duplicated under the
// legacy "error" key that older clients read.
func Error(code ErrorCode, message string, extra *ErrorDetail) ServerEvent {
	data := map[string]any{
		"code":    code,
		"message": message,
		"error":   message,
	}
	if extra != nil {
		if extra.Retryable {
			data["retryable"] = true
		}
		if extra.Details != nil {
			data["details"] = extra.Details
		}
	}
	return ServerEvent{Type: TypeError, Data: data}
}
