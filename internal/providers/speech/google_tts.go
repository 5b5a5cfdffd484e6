package speech

import (
	"bytes"
	"context"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"

	"github.com/voicegate/voicegate/internal/stream"
)

// Chunks are 50ms of 48kHz mono 16-bit PCM.
const googleChunkBytes = 4800

// GoogleTTS adapts Cloud Text-to-Speech to the Provider contract. The
// synthesized clip is delivered as fixed-size PCM chunks so the transport
// sees the same frame cadence a streaming synthesizer would produce.
type GoogleTTS struct {
	c *texttospeech.Client

	Language string
	Voice    string
}

func NewGoogleTTS(ctx context.Context) (*GoogleTTS, error) {
	c, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GoogleTTS{c: c, Language: "en-US"}, nil
}

func (g *GoogleTTS) Close() error { return g.c.Close() }

func (g *GoogleTTS) Send(ctx context.Context, text string, h Handlers) (*stream.AudioStream, error) {
	resp, err := g.c.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: g.Language,
			Name:         g.Voice,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: 48000,
		},
	})
	if err != nil {
		if h.OnError != nil {
			h.OnError(err)
		}
		return nil, err
	}

	out := stream.NewAudioStream(stream.AudioInfo{
		Encoding:   "linear16",
		SampleRate: 48000,
		Channels:   1,
		MimeType:   "audio/raw",
	}, 0)

	audio := stripWavHeader(resp.AudioContent)
	for off := 0; off < len(audio); off += googleChunkBytes {
		end := off + googleChunkBytes
		if end > len(audio) {
			end = len(audio)
		}
		chunk := audio[off:end]
		out.Push(chunk)
		if h.OnAudioChunk != nil {
			h.OnAudioChunk(chunk)
		}
	}
	out.Close()
	if h.OnClose != nil {
		h.OnClose()
	}
	return out, nil
}

// LINEAR16 responses come back as WAV; the session forwards raw PCM.
func stripWavHeader(b []byte) []byte {
	if len(b) > 44 && bytes.HasPrefix(b, []byte("RIFF")) {
		return b[44:]
	}
	return b
}
