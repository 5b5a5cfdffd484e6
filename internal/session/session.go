// Package session implements the voice session protocol core: the per
// connection state machine that sequences transcription, agent turns and
// speech synthesis over one duplex message-oriented transport.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/providers/agent"
	"github.com/voicegate/voicegate/internal/providers/speech"
	"github.com/voicegate/voicegate/internal/providers/transcription"
)

// DefaultIdleTimeout closes sessions that see no transport activity.
const DefaultIdleTimeout = 5 * time.Minute

// Synthesized audio parameters advertised on every tts.start.
const (
	ttsEncoding   = "linear16"
	ttsSampleRate = 48000
	ttsMimeType   = "audio/raw"
)

// Sink is the injected transport: a raw socket server, a managed durable
// actor, anything that can move frames. Implementations must be safe for
// concurrent use.
type Sink interface {
	SendJSON(event protocol.ServerEvent) error
	SendBinary(chunk []byte) error
	Close(code int, reason string) error
}

// Options wires a Session to its transport and providers.
type Options struct {
	UserID        string
	Transcription transcription.Provider
	Agent         agent.Processor
	Speech        speech.Provider
	Sink          Sink

	// IdleTimeout defaults to DefaultIdleTimeout when zero.
	IdleTimeout time.Duration
	Logger      *logrus.Logger
}

// turnState tracks one agent round-trip inside a command. A turn
// superseded by newer speech before its agent call returns has
// skipResponse set; its result is discarded when it finally arrives. The
// command's activeTurnID names the turn the next partial supersedes.
type turnState struct {
	id           int
	skipResponse bool
}

// command is one voice turn cycle: listen, transcribe, respond, speak.
type command struct {
	id             int64
	transcriber    transcription.Stream
	finalChunks    []string
	startedAt      time.Time
	detection      protocol.SpeechEndDetection
	mode           string
	completionReq  bool
	acceptingAudio bool
	hintDispatched bool
	activeTurnID   int
	turnCounter    int
	pendingTurns   []*turnState
}

type ttsState struct {
	streaming   bool
	interrupted bool
	endSent     bool
}

// Session owns the lifecycle of at most one active command per
// connection. Handle* methods are invoked by the transport's read pump;
// long-running turn work happens on internal goroutines that re-acquire
// the session mutex to publish results, so new transport events (audio,
// partial transcripts, cancel) interleave with in-flight turns.
type Session struct {
	opts Options
	log  *logrus.Entry

	mu            sync.Mutex
	active        *command
	starting      bool
	nextCommandID int64
	tts           ttsState
	lastActivity  time.Time
	idleTimer     *time.Timer
	closed        bool
}

func New(opts Options) *Session {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		opts:          opts,
		log:           logger.WithField("user_id", opts.UserID),
		nextCommandID: 1,
		lastActivity:  time.Now(),
	}
}

// UserID returns the session owner.
func (s *Session) UserID() string { return s.opts.UserID }

// CloseSocket closes the underlying transport.
func (s *Session) CloseSocket(code int, reason string) {
	if err := s.opts.Sink.Close(code, reason); err != nil {
		s.log.WithError(err).Debug("close socket")
	}
}

// HandleOpen announces readiness and arms the idle timer.
func (s *Session) HandleOpen() {
	s.touch()
	s.send(protocol.Ready(s.opts.IdleTimeout.Milliseconds()))
}

// HandleText processes one inbound structured frame.
func (s *Session) HandleText(raw []byte) {
	s.touch()
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		s.sendError(protocol.ErrInvalidPayload, "invalid JSON payload")
		return
	}

	switch msg.Type {
	case protocol.TypeStart:
		s.startCommand(msg)
	case protocol.TypeEnd:
		go s.completeCommand()
	case protocol.TypeCancel:
		s.cancelCommand()
	case protocol.TypePing:
		ts := msg.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		s.send(protocol.Pong(ts))
	default:
		s.sendError(protocol.ErrInvalidPayload, fmt.Sprintf("unsupported event type %q", msg.Type))
	}
}

// HandleBinary forwards one microphone chunk to the active command's
// transcription stream. Forwarding failures are reported but do not tear
// the command down; the stream may recover.
func (s *Session) HandleBinary(chunk []byte) {
	s.touch()
	s.mu.Lock()
	cmd := s.active
	if cmd == nil || !cmd.acceptingAudio {
		s.mu.Unlock()
		return
	}
	transcriber := cmd.transcriber
	s.mu.Unlock()

	if err := transcriber.Send(chunk); err != nil {
		s.sendError(protocol.ErrAudioForwardFailed, err.Error())
	}
}

// HandleClose tears down session state after the transport is gone.
func (s *Session) HandleClose(code int, reason string) {
	s.mu.Lock()
	s.closed = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if reason == "" {
		reason = fmt.Sprintf("socket closed (%d)", code)
	}
	s.teardownLocked(reason)
	s.mu.Unlock()
}

func (s *Session) startCommand(msg protocol.ClientMessage) {
	s.mu.Lock()
	if s.active != nil || s.starting {
		s.mu.Unlock()
		s.sendError(protocol.ErrCommandInProgress, "a command is already in progress")
		return
	}
	s.starting = true
	s.mu.Unlock()

	detection := msg.SpeechEndDetection.Normalize()
	cfg := transcription.StreamConfig{
		SpeechEnd: transcription.SpeechEndConfig{
			Mode:     detection.Mode,
			Provider: detection.Provider,
			Options:  detection.Options,
		},
		OnTranscript: s.handleTranscript,
		OnError:      s.handleTranscriptionError,
		OnSpeechEnd:  s.handleSpeechEndHint,
	}
	if msg.Audio != nil {
		cfg.Encoding = msg.Audio.Encoding
		cfg.SampleRate = msg.Audio.SampleRate
		cfg.Channels = msg.Audio.Channels
	}

	transcriber, err := s.opts.Transcription.CreateStream(context.Background(), cfg)

	s.mu.Lock()
	s.starting = false
	if err != nil {
		s.mu.Unlock()
		s.sendError(protocol.ErrTranscriptionFailed, err.Error())
		return
	}
	if s.closed {
		s.mu.Unlock()
		_ = transcriber.Abort("socket closed during start")
		return
	}
	cmd := &command{
		id:             s.nextCommandID,
		transcriber:    transcriber,
		startedAt:      time.Now(),
		detection:      detection,
		mode:           detection.Mode,
		acceptingAudio: true,
	}
	s.nextCommandID++
	s.active = cmd
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"command_id": cmd.id, "mode": cmd.mode}).Info("command started")
	s.send(protocol.Started())
}

// completeCommand finalizes the transcription stream, runs one turn over
// the joined transcript, and tears the command down regardless of turn
// outcome.
func (s *Session) completeCommand() {
	s.mu.Lock()
	cmd := s.active
	if cmd == nil {
		s.mu.Unlock()
		s.sendError(protocol.ErrNoActiveCommand, "no active command")
		return
	}
	if cmd.completionReq {
		s.mu.Unlock()
		return
	}
	cmd.completionReq = true
	cmd.acceptingAudio = false
	s.mu.Unlock()

	if err := cmd.transcriber.Finish(context.Background()); err != nil {
		s.sendError(protocol.ErrFinalizeFailed, err.Error())
		s.mu.Lock()
		s.teardownLocked("finalization failed")
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	final := joinSegments(cmd.finalChunks...)
	s.mu.Unlock()

	if final != "" {
		s.processTranscript(cmd, final)
	}

	s.mu.Lock()
	s.teardownLocked("command complete")
	s.mu.Unlock()
}

// cancelCommand aborts the transcription stream and discards the command
// without running a turn. A cancel with no active command is a no-op.
func (s *Session) cancelCommand() {
	s.mu.Lock()
	cmd := s.active
	if cmd == nil {
		s.mu.Unlock()
		return
	}
	cmd.acceptingAudio = false
	s.active = nil
	s.mu.Unlock()

	if err := cmd.transcriber.Abort("command cancelled"); err != nil {
		s.log.WithError(err).Warn("abort transcription stream")
	}
	s.send(protocol.Cancelled())
}

// handleTranscript merges provider fragments into one running aggregate.
// Providers re-segment speech, so the client always sees a single joined
// transcript rather than disjoint fragments.
func (s *Session) handleTranscript(res transcription.Result) {
	s.mu.Lock()
	cmd := s.active
	if cmd == nil {
		s.mu.Unlock()
		return
	}

	trimmed := strings.TrimSpace(res.Transcript)
	if trimmed == "" && len(cmd.finalChunks) == 0 {
		s.mu.Unlock()
		return
	}

	if res.IsFinal {
		if trimmed == "" {
			s.mu.Unlock()
			return
		}
		cmd.finalChunks = append(cmd.finalChunks, trimmed)
		aggregate := joinSegments(cmd.finalChunks...)
		s.mu.Unlock()
		if aggregate != "" {
			s.send(protocol.TranscriptPartial(aggregate))
		}
		return
	}

	aggregate := joinSegments(append(append([]string{}, cmd.finalChunks...), trimmed)...)
	if aggregate == "" {
		s.mu.Unlock()
		return
	}

	// New speech supersedes the turn whose agent call is still in
	// flight: its result will be discarded on arrival, never cancelled.
	if cmd.activeTurnID != 0 {
		for _, ts := range cmd.pendingTurns {
			if ts.id == cmd.activeTurnID {
				ts.skipResponse = true
				break
			}
		}
		cmd.activeTurnID = 0
	}

	interrupt := trimmed != "" && s.tts.streaming && !s.tts.endSent
	if interrupt {
		s.tts.interrupted = true
	}
	var endEvent *protocol.ServerEvent
	if interrupt {
		endEvent = s.endTTSLocked(false, true)
		s.tts.streaming = false
	}
	s.mu.Unlock()

	s.send(protocol.TranscriptPartial(aggregate))
	if endEvent != nil {
		s.send(*endEvent)
	}
}

func (s *Session) handleTranscriptionError(err error) {
	s.sendError(protocol.ErrTranscriptionFailed, err.Error())
	s.mu.Lock()
	s.teardownLocked("transcriber error")
	s.mu.Unlock()
}

// handleSpeechEndHint republishes the hint, then either completes the
// command (manual mode, once) or runs another turn (auto mode, per hint).
func (s *Session) handleSpeechEndHint(hint *transcription.EndHint) {
	s.mu.Lock()
	cmd := s.active
	if cmd == nil {
		s.mu.Unlock()
		return
	}

	var reason string
	var confidence float64
	if hint != nil {
		reason = hint.Reason
		confidence = hint.Confidence
	}

	if cmd.mode != protocol.ModeAuto {
		if cmd.hintDispatched {
			s.mu.Unlock()
			s.send(protocol.SpeechEndHint(reason, confidence))
			return
		}
		cmd.hintDispatched = true
		cmd.acceptingAudio = false
		s.mu.Unlock()
		s.send(protocol.SpeechEndHint(reason, confidence))
		go s.completeCommand()
		return
	}
	s.mu.Unlock()

	s.send(protocol.SpeechEndHint(reason, confidence))
	go s.finalizeAutoTurn(cmd)
}

// finalizeAutoTurn drains the finalized fragments into one turn but keeps
// the command open for further turns.
func (s *Session) finalizeAutoTurn(cmd *command) {
	s.mu.Lock()
	if s.active != cmd {
		s.mu.Unlock()
		return
	}
	transcript := joinSegments(cmd.finalChunks...)
	cmd.finalChunks = nil
	if transcript == "" {
		cmd.hintDispatched = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.processTranscript(cmd, transcript)

	s.mu.Lock()
	if s.active == cmd {
		cmd.hintDispatched = false
	}
	s.mu.Unlock()
}

// processTranscript runs one turn: transcript.final, the agent call, and
// on success the completion event plus a TTS cycle. Shared by the manual
// and auto paths.
func (s *Session) processTranscript(cmd *command, transcript string) {
	s.mu.Lock()
	cmd.turnCounter++
	turnID := cmd.turnCounter
	cmd.activeTurnID = turnID
	ts := &turnState{id: turnID}
	cmd.pendingTurns = append(cmd.pendingTurns, ts)
	s.mu.Unlock()

	s.send(protocol.TranscriptFinal(transcript))

	resp, err := s.opts.Agent.Process(context.Background(), agent.Request{
		Transcript: transcript,
		UserID:     s.opts.UserID,
		ExcludeFromConversation: func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return ts.skipResponse
		},
		Send: func(ev protocol.ServerEvent) {
			s.forwardAgentEvent(ev)
		},
	})

	switch {
	case err != nil:
		s.removeTurn(cmd, ts)
		s.sendError(protocol.ErrAgentFailed, err.Error())
	case resp == nil || strings.TrimSpace(resp.ResponseText) == "":
		s.removeTurn(cmd, ts)
		s.sendError(protocol.ErrAgentFailed, "agent returned no response text")
	default:
		data := map[string]any{"responseText": resp.ResponseText}
		for k, v := range resp.Fields {
			if k == "responseText" {
				continue
			}
			data[k] = v
		}
		s.deliverCompletion(cmd, ts, protocol.Completed(data))
	}

	s.mu.Lock()
	if s.active != nil && s.active.id == cmd.id {
		s.active.activeTurnID = 0
	}
	s.mu.Unlock()
}

// removeTurn drops a turn's pending entry once the turn has terminated,
// whatever the outcome.
func (s *Session) removeTurn(cmd *command, ts *turnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range cmd.pendingTurns {
		if p == ts {
			cmd.pendingTurns = append(cmd.pendingTurns[:i], cmd.pendingTurns[i+1:]...)
			return
		}
	}
}

// forwardAgentEvent relays processor-sent intermediate events to the
// transport. Completion events are never honored on this path; the one
// completion per turn is sourced from the processor's return value.
func (s *Session) forwardAgentEvent(ev protocol.ServerEvent) {
	if ev.Type == protocol.TypeCompleted {
		return
	}
	s.send(ev)
}

// deliverCompletion publishes a turn's result, unless the turn was
// superseded by newer speech while its agent call was in flight. The
// check is per turn record, so completions arriving out of order cannot
// drop the wrong turn's result.
func (s *Session) deliverCompletion(cmd *command, ts *turnState, ev protocol.ServerEvent) {
	s.mu.Lock()
	skip := ts.skipResponse
	s.mu.Unlock()
	s.removeTurn(cmd, ts)
	if skip {
		s.log.WithField("turn_id", ts.id).Debug("superseded turn result discarded")
		return
	}

	s.send(ev)

	text := completionText(ev.Data)
	if text == "" || s.opts.Speech == nil {
		return
	}
	s.runTTSCycle(text)
}

// runTTSCycle streams one synthesized response to the transport between a
// tts.start / tts.end pair. Exactly one tts.end is sent per cycle, even
// when close, error and interruption signals overlap.
func (s *Session) runTTSCycle(text string) {
	s.send(protocol.TTSStart(ttsEncoding, ttsSampleRate, ttsMimeType))

	s.mu.Lock()
	s.tts = ttsState{streaming: true}
	s.mu.Unlock()

	handled := false
	_, err := s.opts.Speech.Send(context.Background(), text, speech.Handlers{
		OnAudioChunk: func(chunk []byte) {
			s.mu.Lock()
			if s.tts.endSent {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			if err := s.opts.Sink.SendBinary(chunk); err != nil {
				s.log.WithError(err).Debug("send audio chunk")
			}
		},
		OnClose: func() {
			s.mu.Lock()
			endEvent := s.endTTSLocked(false, false)
			s.mu.Unlock()
			if endEvent != nil {
				s.send(*endEvent)
			}
		},
		OnError: func(cause error) {
			s.mu.Lock()
			handled = true
			endEvent := s.endTTSLocked(true, false)
			s.mu.Unlock()
			s.sendError(protocol.ErrTTSFailed, cause.Error())
			if endEvent != nil {
				s.send(*endEvent)
			}
		},
	})
	if err != nil {
		s.mu.Lock()
		alreadyHandled := handled
		var endEvent *protocol.ServerEvent
		if !alreadyHandled {
			endEvent = s.endTTSLocked(true, false)
		}
		s.mu.Unlock()
		if !alreadyHandled {
			s.sendError(protocol.ErrTTSFailed, err.Error())
			if endEvent != nil {
				s.send(*endEvent)
			}
		}
	}

	s.mu.Lock()
	s.tts = ttsState{}
	s.mu.Unlock()
}

// endTTSLocked marks the cycle ended and returns the tts.end event to
// send, or nil if the cycle is not streaming or already ended.
func (s *Session) endTTSLocked(errored, interrupted bool) *protocol.ServerEvent {
	if !s.tts.streaming || s.tts.endSent {
		return nil
	}
	if s.tts.interrupted {
		interrupted = true
	}
	s.tts.endSent = true
	ev := protocol.TTSEnd(errored, interrupted)
	return &ev
}

// teardownLocked aborts any active command's transcription stream (best
// effort) and discards the command.
func (s *Session) teardownLocked(reason string) {
	cmd := s.active
	if cmd == nil {
		return
	}
	cmd.acceptingAudio = false
	s.active = nil
	transcriber := cmd.transcriber
	closed := s.closed
	s.mu.Unlock()

	if err := transcriber.Abort(reason); err != nil {
		s.log.WithError(err).Error("abort transcription stream")
		if !closed {
			s.sendError(protocol.ErrTranscriptionFailed, "failed to abort transcription stream: "+reason)
		}
	}
	s.mu.Lock()
}

func (s *Session) send(ev protocol.ServerEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.opts.Sink.SendJSON(ev); err != nil {
		s.log.WithError(err).WithField("event", ev.Type).Debug("send event")
	}
}

func (s *Session) sendError(code protocol.ErrorCode, message string) {
	s.log.WithField("code", code).Warn(message)
	s.send(protocol.Error(code, message, nil))
}

// touch records activity and re-arms the idle timer.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastActivity = time.Now()
	s.scheduleIdleLocked(s.opts.IdleTimeout)
}

func (s *Session) scheduleIdleLocked(d time.Duration) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(d, s.onIdleTimeout)
}

func (s *Session) onIdleTimeout() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	idle := time.Since(s.lastActivity)
	if idle < s.opts.IdleTimeout {
		s.scheduleIdleLocked(s.opts.IdleTimeout - idle)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.WithField("idle_ms", idle.Milliseconds()).Info("session idle timeout")
	s.send(protocol.Timeout(idle.Milliseconds()))
	s.CloseSocket(protocol.CloseIdleTimeout, "idle timeout")
}

// completionText digs the spoken response out of a completion payload,
// accepting the nested formattedContent.content shape some processors
// return.
func completionText(data any) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	if text, ok := m["responseText"].(string); ok && strings.TrimSpace(text) != "" {
		return text
	}
	if fc, ok := m["formattedContent"].(map[string]any); ok {
		if text, ok := fc["content"].(string); ok && strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}

func joinSegments(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, " ")
}
