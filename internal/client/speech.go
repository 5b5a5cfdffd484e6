package client

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/voicegate/voicegate/internal/protocol"
	"github.com/voicegate/voicegate/internal/stream"
)

// TTSCollector assembles the interleaved tts.start / binary / tts.end
// frames of a connection back into per-cycle audio streams. Each
// synthesis cycle yields one AudioStream handed to the OnStream callback;
// consumers pull chunks from it at their own pace.
type TTSCollector struct {
	mu       sync.Mutex
	current  *stream.AudioStream
	onStream func(*stream.AudioStream)

	cancelMsg func()
	cancelBin func()
}

// ErrSynthesisFailed terminates a cycle whose tts.end carried errored=true.
var ErrSynthesisFailed = errors.New("speech synthesis failed")

type ttsStartData struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	MimeType   string `json:"mimeType"`
}

type ttsEndData struct {
	Errored     bool `json:"errored"`
	Interrupted bool `json:"interrupted"`
}

// NewTTSCollector subscribes to c and reports each synthesis cycle via
// onStream. Call Stop to unsubscribe and release the in-flight cycle.
func NewTTSCollector(c *Client, onStream func(*stream.AudioStream)) *TTSCollector {
	t := &TTSCollector{onStream: onStream}
	t.cancelMsg = c.OnMessage(t.handleMessage)
	t.cancelBin = c.OnBinary(t.handleBinary)
	return t
}

// Stop unsubscribes from the connection and finishes any open cycle.
func (t *TTSCollector) Stop() {
	t.cancelMsg()
	t.cancelBin()
	t.mu.Lock()
	cur := t.current
	t.current = nil
	t.mu.Unlock()
	if cur != nil {
		cur.Close()
		cur.Release()
	}
}

// Current returns the stream of the in-flight cycle, or nil.
func (t *TTSCollector) Current() *stream.AudioStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *TTSCollector) handleMessage(ev protocol.RawServerEvent) {
	switch ev.Type {
	case protocol.TypeTTSStart:
		var d ttsStartData
		_ = json.Unmarshal(ev.Data, &d)
		t.startCycle(d)
	case protocol.TypeTTSEnd:
		var d ttsEndData
		_ = json.Unmarshal(ev.Data, &d)
		t.endCycle(d)
	case protocol.TypeClosed:
		// Connection gone mid-cycle: surface it on the stream.
		t.failCycle(errors.New("connection closed during synthesis"))
	}
}

func (t *TTSCollector) handleBinary(chunk []byte) {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	if cur != nil {
		cur.Push(chunk)
	}
}

func (t *TTSCollector) startCycle(d ttsStartData) {
	info := stream.AudioInfo{
		Encoding:   d.Encoding,
		SampleRate: d.SampleRate,
		Channels:   1,
		MimeType:   d.MimeType,
	}
	if info.Encoding == "" {
		info.Encoding = "linear16"
	}
	if info.SampleRate == 0 {
		info.SampleRate = 48000
	}
	if info.MimeType == "" {
		info.MimeType = "audio/raw"
	}

	next := stream.NewAudioStream(info, 0)

	t.mu.Lock()
	prev := t.current
	t.current = next
	t.mu.Unlock()

	// A new start while a cycle is open means the server abandoned the
	// previous one; finish it so pullers unblock.
	if prev != nil {
		prev.Close()
		prev.Release()
	}
	if t.onStream != nil {
		t.onStream(next)
	}
}

func (t *TTSCollector) endCycle(d ttsEndData) {
	t.mu.Lock()
	cur := t.current
	t.current = nil
	t.mu.Unlock()
	if cur == nil {
		return
	}
	if d.Errored {
		cur.Fail(ErrSynthesisFailed)
	} else {
		cur.Close()
	}
	cur.Release()
}

func (t *TTSCollector) failCycle(err error) {
	t.mu.Lock()
	cur := t.current
	t.current = nil
	t.mu.Unlock()
	if cur != nil {
		cur.Fail(err)
		cur.Release()
	}
}
