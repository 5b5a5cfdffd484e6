package transcription

import (
	"context"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
)

// GoogleSpeech adapts Cloud Speech-to-Text streaming recognition to the
// Provider contract. Interim results feed partial transcripts; in manual
// mode the end-of-utterance event becomes the speech-end hint, in auto
// mode every final result does.
type GoogleSpeech struct {
	c *speech.Client

	Language string
}

func NewGoogleSpeech(ctx context.Context) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GoogleSpeech{c: c, Language: "en-US"}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

func (g *GoogleSpeech) CreateStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sr, err := g.c.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		return nil, err
	}

	language := cfg.Language
	if language == "" {
		language = g.Language
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	auto := cfg.SpeechEnd.Mode == "auto"

	init := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encodingFor(cfg.Encoding),
					SampleRateHertz:            int32(sampleRate),
					AudioChannelCount:          int32(channels),
					LanguageCode:               language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
				// One utterance per command in manual mode; auto mode keeps
				// the stream open across pauses.
				SingleUtterance: !auto,
			},
		},
	}
	if err := sr.Send(init); err != nil {
		cancel()
		return nil, err
	}

	gs := &googleStream{
		sr:     sr,
		cancel: cancel,
		cfg:    cfg,
		auto:   auto,
		done:   make(chan struct{}),
	}
	go gs.recvLoop()
	return gs, nil
}

type googleStream struct {
	sr     speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	cfg    StreamConfig
	auto   bool

	mu       sync.Mutex
	sendDone bool
	aborted  bool

	done chan struct{}
}

func (s *googleStream) recvLoop() {
	defer close(s.done)
	for {
		resp, err := s.sr.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.mu.Lock()
			aborted := s.aborted
			s.mu.Unlock()
			if !aborted && s.cfg.OnError != nil {
				s.cfg.OnError(err)
			}
			return
		}

		if resp.SpeechEventType == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			if s.cfg.OnSpeechEnd != nil {
				s.cfg.OnSpeechEnd(&EndHint{Reason: "end_of_utterance"})
			}
			continue
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			transcript := result.Alternatives[0].Transcript
			if strings.TrimSpace(transcript) == "" && !result.IsFinal {
				continue
			}
			if s.cfg.OnTranscript != nil {
				s.cfg.OnTranscript(Result{Transcript: transcript, IsFinal: result.IsFinal})
			}
			if result.IsFinal && s.auto && s.cfg.OnSpeechEnd != nil {
				s.cfg.OnSpeechEnd(&EndHint{
					Reason:     "final_result",
					Confidence: float64(result.Alternatives[0].Confidence),
				})
			}
		}
	}
}

func (s *googleStream) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return nil
	}
	return s.sr.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
}

func (s *googleStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	if !s.sendDone {
		s.sendDone = true
		if err := s.sr.CloseSend(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *googleStream) Abort(string) error {
	s.mu.Lock()
	s.aborted = true
	s.sendDone = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func encodingFor(name string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(name) {
	case "", "linear16", "pcm":
		return speechpb.RecognitionConfig_LINEAR16
	case "flac":
		return speechpb.RecognitionConfig_FLAC
	case "mulaw":
		return speechpb.RecognitionConfig_MULAW
	case "opus", "ogg-opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "webm-opus":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
