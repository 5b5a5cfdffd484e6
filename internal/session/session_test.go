package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/providers/agent"
	"github.com/voicegate/voicegate/internal/providers/speech"
	"github.com/voicegate/voicegate/internal/providers/transcription"
)

type closeCall struct {
	code   int
	reason string
}

// fakeSink records everything the session sends.
type fakeSink struct {
	mu     sync.Mutex
	events []protocol.ServerEvent
	binary [][]byte
	closes []closeCall
}

func (f *fakeSink) SendJSON(ev protocol.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) SendBinary(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]byte, len(chunk))
	copy(copied, chunk)
	f.binary = append(f.binary, copied)
	return nil
}

func (f *fakeSink) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, closeCall{code, reason})
	return nil
}

func (f *fakeSink) Events() []protocol.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ServerEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeSink) EventsOfType(eventType string) []protocol.ServerEvent {
	var out []protocol.ServerEvent
	for _, ev := range f.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeSink) BinaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.binary)
}

func (f *fakeSink) Closes() []closeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]closeCall, len(f.closes))
	copy(out, f.closes)
	return out
}

type fixture struct {
	sess *Session
	sink *fakeSink
	tr   *transcription.Mock
	ag   *agent.Mock
	sp   *speech.Mock
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		sink: &fakeSink{},
		tr:   &transcription.Mock{},
		ag:   &agent.Mock{},
		sp:   &speech.Mock{},
	}
	opts := Options{
		UserID:        "user-1",
		Transcription: f.tr,
		Agent:         f.ag,
		Speech:        f.sp,
		Sink:          f.sink,
		Logger:        quietLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.sess = New(opts)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func eventData(t *testing.T, ev protocol.ServerEvent) map[string]any {
	t.Helper()
	m, ok := ev.Data.(map[string]any)
	if !ok {
		t.Fatalf("event %s data is %T, want map", ev.Type, ev.Data)
	}
	return m
}

func indexOf(events []protocol.ServerEvent, eventType string) int {
	for i, ev := range events {
		if ev.Type == eventType {
			return i
		}
	}
	return -1
}

func (f *fixture) start(t *testing.T, payload string) {
	t.Helper()
	f.sess.HandleText([]byte(payload))
	waitFor(t, "session.started", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeStarted)) > 0
	})
}

func TestHandleOpenSendsReady(t *testing.T) {
	f := newFixture(t)
	f.sess.HandleOpen()

	ready := f.sink.EventsOfType(protocol.TypeReady)
	if len(ready) != 1 {
		t.Fatalf("ready events = %d, want 1", len(ready))
	}
	if ms := eventData(t, ready[0])["timeoutMs"]; ms != DefaultIdleTimeout.Milliseconds() {
		t.Fatalf("timeoutMs = %v, want %d", ms, DefaultIdleTimeout.Milliseconds())
	}
}

func TestManualCommandFullCycle(t *testing.T) {
	f := newFixture(t)
	f.tr.Transcript = "turn on the lights"
	f.sess.HandleOpen()
	f.start(t, `{"type":"start","audio":{"encoding":"linear16","sampleRate":16000,"channels":1}}`)

	f.sess.HandleBinary([]byte{0, 1})
	f.sess.HandleBinary([]byte{2, 3})
	if got := f.tr.Stream().Chunks(); got != 2 {
		t.Fatalf("forwarded chunks = %d, want 2", got)
	}

	f.sess.HandleText([]byte(`{"type":"end"}`))
	waitFor(t, "tts.end", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeTTSEnd)) > 0
	})

	events := f.sink.Events()
	order := []string{
		protocol.TypeReady,
		protocol.TypeStarted,
		protocol.TypeTranscriptPartial,
		protocol.TypeTranscriptFinal,
		protocol.TypeCompleted,
		protocol.TypeTTSStart,
		protocol.TypeTTSEnd,
	}
	prev := -1
	for _, want := range order {
		idx := indexOf(events, want)
		if idx < 0 {
			t.Fatalf("missing event %s in %v", want, events)
		}
		if idx < prev {
			t.Fatalf("event %s out of order in %v", want, events)
		}
		prev = idx
	}

	completed := f.sink.EventsOfType(protocol.TypeCompleted)
	if got := eventData(t, completed[0])["responseText"]; got != "ok: turn on the lights" {
		t.Fatalf("responseText = %v", got)
	}

	// "ok:" + three words of transcript synthesized as one chunk each.
	if got := f.sink.BinaryCount(); got != 5 {
		t.Fatalf("binary chunks = %d, want 5", got)
	}

	// Command is gone; further audio is dropped silently.
	f.sess.HandleBinary([]byte{9})
	if got := f.tr.Stream().Chunks(); got != 2 {
		t.Fatalf("chunks after teardown = %d, want 2", got)
	}
}

func TestFinalFragmentsAggregateAcrossSegments(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"type":"start"}`)

	f.tr.TriggerFinal("hello")
	f.tr.TriggerFinal("  world ")
	f.tr.TriggerPartial("again")

	partials := f.sink.EventsOfType(protocol.TypeTranscriptPartial)
	if len(partials) != 3 {
		t.Fatalf("partials = %d, want 3", len(partials))
	}
	want := []string{"hello", "hello world", "hello world again"}
	for i, ev := range partials {
		if got := eventData(t, ev)["transcript"]; got != want[i] {
			t.Fatalf("partial %d = %v, want %q", i, got, want[i])
		}
	}
}

func TestWhitespaceOnlyFragmentsAreDropped(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"type":"start"}`)

	f.tr.TriggerPartial("   ")
	f.tr.TriggerFinal(" \t ")

	if got := len(f.sink.EventsOfType(protocol.TypeTranscriptPartial)); got != 0 {
		t.Fatalf("partials = %d, want 0", got)
	}
}

func TestStartWhileCommandActive(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"type":"start"}`)

	f.sess.HandleText([]byte(`{"type":"start"}`))

	errs := f.sink.EventsOfType(protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("errors = %d, want 1", len(errs))
	}
	if code := eventData(t, errs[0])["code"]; code != protocol.ErrCommandInProgress {
		t.Fatalf("code = %v, want %v", code, protocol.ErrCommandInProgress)
	}
	if got := f.tr.Created(); got != 1 {
		t.Fatalf("streams created = %d, want 1", got)
	}
}

func TestEndWithoutCommand(t *testing.T) {
	f := newFixture(t)
	f.sess.HandleText([]byte(`{"type":"end"}`))

	waitFor(t, "no-active-command error", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeError)) > 0
	})
	errs := f.sink.EventsOfType(protocol.TypeError)
	if code := eventData(t, errs[0])["code"]; code != protocol.ErrNoActiveCommand {
		t.Fatalf("code = %v, want %v", code, protocol.ErrNoActiveCommand)
	}
}

func TestCancelAbortsCommand(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"type":"start"}`)
	stream := f.tr.Stream()

	f.sess.HandleText([]byte(`{"type":"cancel"}`))

	if got := len(f.sink.EventsOfType(protocol.TypeCancelled)); got != 1 {
		t.Fatalf("cancelled events = %d, want 1", got)
	}
	if !stream.Aborted() {
		t.Fatal("transcription stream not aborted")
	}
	if got := len(f.sink.EventsOfType(protocol.TypeCompleted)); got != 0 {
		t.Fatalf("completed events = %d, want 0", got)
	}
}

func TestCancelWithoutCommandIsSilent(t *testing.T) {
	f := newFixture(t)
	f.sess.HandleText([]byte(`{"type":"cancel"}`))
	f.sess.HandleText([]byte(`{"type":"ping","timestamp":42}`))

	waitFor(t, "pong", func() bool {
		return len(f.sink.EventsOfType(protocol.TypePong)) > 0
	})
	if got := len(f.sink.EventsOfType(protocol.TypeCancelled)); got != 0 {
		t.Fatalf("cancelled events = %d, want 0", got)
	}
	if got := len(f.sink.EventsOfType(protocol.TypeError)); got != 0 {
		t.Fatalf("error events = %d, want 0", got)
	}
}

func TestPingEchoesTimestamp(t *testing.T) {
	f := newFixture(t)
	f.sess.HandleText([]byte(`{"type":"ping","timestamp":42}`))

	pongs := f.sink.EventsOfType(protocol.TypePong)
	if len(pongs) != 1 {
		t.Fatalf("pongs = %d, want 1", len(pongs))
	}
	if ts := eventData(t, pongs[0])["timestamp"]; ts != int64(42) {
		t.Fatalf("timestamp = %v, want 42", ts)
	}
}

func TestInvalidPayloads(t *testing.T) {
	f := newFixture(t)
	f.sess.HandleText([]byte(`{not json`))
	f.sess.HandleText([]byte(`{"type":"mystery"}`))

	errs := f.sink.EventsOfType(protocol.TypeError)
	if len(errs) != 2 {
		t.Fatalf("errors = %d, want 2", len(errs))
	}
	for i, ev := range errs {
		if code := eventData(t, ev)["code"]; code != protocol.ErrInvalidPayload {
			t.Fatalf("error %d code = %v, want %v", i, code, protocol.ErrInvalidPayload)
		}
	}
}

func TestManualSpeechEndHintCompletesOnce(t *testing.T) {
	f := newFixture(t)
	f.tr.Transcript = "dim the kitchen"
	f.start(t, `{"type":"start"}`)

	f.tr.TriggerSpeechEnd(&transcription.EndHint{Reason: "vad", Confidence: 0.9})

	waitFor(t, "session.completed", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeCompleted)) > 0
	})

	hints := f.sink.EventsOfType(protocol.TypeSpeechEndHint)
	if len(hints) != 1 {
		t.Fatalf("hints = %d, want 1", len(hints))
	}
	data := eventData(t, hints[0])
	if data["reason"] != "vad" || data["confidence"] != 0.9 {
		t.Fatalf("hint data = %v", data)
	}
	if got := len(f.sink.EventsOfType(protocol.TypeCompleted)); got != 1 {
		t.Fatalf("completed = %d, want 1", got)
	}
}

func TestAutoModeRunsTurnPerHintAndKeepsCommand(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"type":"start","speechEndDetection":{"mode":"auto"}}`)

	f.tr.TriggerFinal("first turn")
	f.tr.TriggerSpeechEnd(nil)
	waitFor(t, "first completion", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeCompleted)) == 1
	})

	f.tr.TriggerFinal("second turn")
	f.tr.TriggerSpeechEnd(nil)
	waitFor(t, "second completion", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeCompleted)) == 2
	})

	completed := f.sink.EventsOfType(protocol.TypeCompleted)
	if got := eventData(t, completed[0])["responseText"]; got != "ok: first turn" {
		t.Fatalf("turn 1 responseText = %v", got)
	}
	if got := eventData(t, completed[1])["responseText"]; got != "ok: second turn" {
		t.Fatalf("turn 2 responseText = %v", got)
	}

	// Command survives turns in auto mode.
	f.sess.HandleText([]byte(`{"type":"start"}`))
	errs := f.sink.EventsOfType(protocol.TypeError)
	if len(errs) != 1 || eventData(t, errs[0])["code"] != protocol.ErrCommandInProgress {
		t.Fatalf("expected COMMAND_IN_PROGRESS, got %v", errs)
	}
}

func TestNewSpeechSupersedesInFlightTurn(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t)
	f.ag.Gate = gate
	f.start(t, `{"type":"start","speechEndDetection":{"mode":"auto"}}`)

	f.tr.TriggerFinal("one")
	f.tr.TriggerSpeechEnd(nil)
	waitFor(t, "turn one in flight", func() bool {
		return len(f.ag.Calls()) == 1
	})

	// User speaks again while the agent call is pending.
	f.tr.TriggerPartial("two")
	waitFor(t, "partial for new speech", func() bool {
		for _, ev := range f.sink.EventsOfType(protocol.TypeTranscriptPartial) {
			if eventData(t, ev)["transcript"] == "two" {
				return true
			}
		}
		return false
	})

	close(gate)
	time.Sleep(100 * time.Millisecond)

	if got := len(f.sink.EventsOfType(protocol.TypeCompleted)); got != 0 {
		t.Fatalf("superseded turn delivered %d completions, want 0", got)
	}

	// The next turn still completes normally.
	f.tr.TriggerFinal("three")
	f.tr.TriggerSpeechEnd(nil)
	waitFor(t, "turn three completion", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeCompleted)) == 1
	})
	completed := f.sink.EventsOfType(protocol.TypeCompleted)
	if got := eventData(t, completed[0])["responseText"]; got != "ok: three" {
		t.Fatalf("responseText = %v, want \"ok: three\"", got)
	}
}

func TestSupersededTurnDroppedEvenWhenLaterTurnCompletesFirst(t *testing.T) {
	turnOneGate := make(chan struct{})
	f := newFixture(t)
	f.ag.Handler = func(_ context.Context, req agent.Request) (*agent.Response, error) {
		if req.Transcript == "one" {
			<-turnOneGate
		}
		return &agent.Response{ResponseText: "ok: " + req.Transcript}, nil
	}
	f.start(t, `{"type":"start","speechEndDetection":{"mode":"auto"}}`)

	f.tr.TriggerFinal("one")
	f.tr.TriggerSpeechEnd(nil)
	waitFor(t, "turn one in flight", func() bool {
		return len(f.ag.Calls()) == 1
	})

	// Newer speech supersedes turn one while it is still pending.
	f.tr.TriggerPartial("two")
	waitFor(t, "partial for new speech", func() bool {
		for _, ev := range f.sink.EventsOfType(protocol.TypeTranscriptPartial) {
			if eventData(t, ev)["transcript"] == "two" {
				return true
			}
		}
		return false
	})

	// Turn three completes while turn one is still blocked.
	f.tr.TriggerFinal("three")
	f.tr.TriggerSpeechEnd(nil)
	waitFor(t, "turn three completion", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeCompleted)) == 1
	})
	completed := f.sink.EventsOfType(protocol.TypeCompleted)
	if got := eventData(t, completed[0])["responseText"]; got != "ok: three" {
		t.Fatalf("responseText = %v, want \"ok: three\"", got)
	}

	// Turn one finally resolves; its result must not be forwarded.
	close(turnOneGate)
	time.Sleep(100 * time.Millisecond)
	if got := len(f.sink.EventsOfType(protocol.TypeCompleted)); got != 1 {
		t.Fatalf("completed events = %d, want 1 (late superseded result leaked)", got)
	}
}

func TestBargeInInterruptsTTS(t *testing.T) {
	f := newFixture(t)
	f.ag.ResponseText = "alpha beta gamma"
	f.sp.ChunkHook = func(i int, _ []byte) {
		if i == 1 {
			f.tr.TriggerPartial("actually wait")
		}
	}
	f.start(t, `{"type":"start","speechEndDetection":{"mode":"auto"}}`)

	f.tr.TriggerFinal("hello")
	f.tr.TriggerSpeechEnd(nil)
	waitFor(t, "tts.end", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeTTSEnd)) > 0
	})

	ends := f.sink.EventsOfType(protocol.TypeTTSEnd)
	if len(ends) != 1 {
		t.Fatalf("tts.end events = %d, want exactly 1", len(ends))
	}
	if got := eventData(t, ends[0])["interrupted"]; got != true {
		t.Fatalf("interrupted = %v, want true", got)
	}

	// Only the chunk delivered before the barge-in reached the client.
	if got := f.sink.BinaryCount(); got != 1 {
		t.Fatalf("binary chunks = %d, want 1", got)
	}
}

func TestTTSFailureSendsErrorAndSingleEnd(t *testing.T) {
	f := newFixture(t)
	f.sp.Err = errors.New("synth backend down")
	f.tr.Transcript = "say something"
	f.start(t, `{"type":"start"}`)

	f.sess.HandleText([]byte(`{"type":"end"}`))
	waitFor(t, "tts.end", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeTTSEnd)) > 0
	})

	ends := f.sink.EventsOfType(protocol.TypeTTSEnd)
	if len(ends) != 1 {
		t.Fatalf("tts.end events = %d, want exactly 1", len(ends))
	}
	if got := eventData(t, ends[0])["errored"]; got != true {
		t.Fatalf("errored = %v, want true", got)
	}

	var ttsErrs int
	for _, ev := range f.sink.EventsOfType(protocol.TypeError) {
		if eventData(t, ev)["code"] == protocol.ErrTTSFailed {
			ttsErrs++
		}
	}
	if ttsErrs != 1 {
		t.Fatalf("TTS_FAILED errors = %d, want 1", ttsErrs)
	}
}

func TestAgentFailureReportsError(t *testing.T) {
	f := newFixture(t)
	f.ag.Err = errors.New("model unavailable")
	f.tr.Transcript = "hello"
	f.start(t, `{"type":"start"}`)

	f.sess.HandleText([]byte(`{"type":"end"}`))
	waitFor(t, "agent error", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeError)) > 0
	})

	errs := f.sink.EventsOfType(protocol.TypeError)
	if code := eventData(t, errs[0])["code"]; code != protocol.ErrAgentFailed {
		t.Fatalf("code = %v, want %v", code, protocol.ErrAgentFailed)
	}
	if got := len(f.sink.EventsOfType(protocol.TypeCompleted)); got != 0 {
		t.Fatalf("completed = %d, want 0", got)
	}
}

func TestFinishFailureTearsDown(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"type":"start"}`)
	f.tr.Stream().FinishErr = errors.New("upstream hiccup")

	f.sess.HandleText([]byte(`{"type":"end"}`))
	waitFor(t, "finalize error", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeError)) > 0
	})

	errs := f.sink.EventsOfType(protocol.TypeError)
	if code := eventData(t, errs[0])["code"]; code != protocol.ErrFinalizeFailed {
		t.Fatalf("code = %v, want %v", code, protocol.ErrFinalizeFailed)
	}
	if !f.tr.Stream().Aborted() {
		t.Fatal("stream not aborted on teardown")
	}
}

func TestTranscriptionErrorTearsDown(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"type":"start"}`)

	f.tr.TriggerError(errors.New("recognizer died"))

	errs := f.sink.EventsOfType(protocol.TypeError)
	if len(errs) == 0 || eventData(t, errs[0])["code"] != protocol.ErrTranscriptionFailed {
		t.Fatalf("expected TRANSCRIPTION_FAILED, got %v", errs)
	}
	if !f.tr.Stream().Aborted() {
		t.Fatal("stream not aborted")
	}
}

func TestCreateStreamFailure(t *testing.T) {
	f := newFixture(t)
	f.tr.CreateErr = errors.New("quota exceeded")

	f.sess.HandleText([]byte(`{"type":"start"}`))

	errs := f.sink.EventsOfType(protocol.TypeError)
	if len(errs) != 1 || eventData(t, errs[0])["code"] != protocol.ErrTranscriptionFailed {
		t.Fatalf("expected TRANSCRIPTION_FAILED, got %v", errs)
	}

	// The failed start leaves no residue; a retry works.
	f.tr.CreateErr = nil
	f.start(t, `{"type":"start"}`)
}

func TestIdleTimeoutClosesSocket(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.IdleTimeout = 30 * time.Millisecond
	})
	f.sess.HandleOpen()

	waitFor(t, "idle close", func() bool {
		return len(f.sink.Closes()) > 0
	})

	if got := len(f.sink.EventsOfType(protocol.TypeTimeout)); got != 1 {
		t.Fatalf("timeout events = %d, want 1", got)
	}
	closes := f.sink.Closes()
	if closes[0].code != protocol.CloseIdleTimeout {
		t.Fatalf("close code = %d, want %d", closes[0].code, protocol.CloseIdleTimeout)
	}
}

func TestActivityDefersIdleTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.IdleTimeout = 60 * time.Millisecond
	})
	f.sess.HandleOpen()

	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		f.sess.HandleText([]byte(`{"type":"ping"}`))
	}
	if got := len(f.sink.Closes()); got != 0 {
		t.Fatalf("socket closed during active traffic (%d closes)", got)
	}

	waitFor(t, "idle close after traffic stops", func() bool {
		return len(f.sink.Closes()) > 0
	})
}

func TestHandleCloseAbortsActiveCommand(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"type":"start"}`)
	stream := f.tr.Stream()

	f.sess.HandleClose(1001, "going away")

	if !stream.Aborted() {
		t.Fatal("stream not aborted on close")
	}

	// Nothing is sent after the transport is gone.
	before := len(f.sink.Events())
	f.sess.HandleText([]byte(`{"type":"ping"}`))
	if got := len(f.sink.Events()); got != before {
		t.Fatalf("events sent after close: %d -> %d", before, got)
	}
}

func TestDetectionModeNormalization(t *testing.T) {
	f := newFixture(t)
	f.start(t, `{"type":"start","speechEndDetection":{"mode":"vad-magic"}}`)

	// Unknown modes fall back to manual: a hint completes the command
	// instead of starting a per-hint turn loop.
	f.tr.TriggerSpeechEnd(nil)
	waitFor(t, "completion", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeCompleted)) == 1
	})

	f.sess.HandleText([]byte(`{"type":"end"}`))
	waitFor(t, "no-active-command error", func() bool {
		return len(f.sink.EventsOfType(protocol.TypeError)) > 0
	})
}
