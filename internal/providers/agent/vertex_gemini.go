package agent

import (
	"context"
	"strings"

	vertexgenai "cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/iterator"
)

// VertexGemini adapts a Vertex AI Gemini model to the Processor contract.
// The model stream is aggregated into the single response the turn emits.
type VertexGemini struct {
	client *vertexgenai.Client
	model  *vertexgenai.GenerativeModel

	// SystemPrompt is prepended to every transcript.
	SystemPrompt string
}

func NewVertexGemini(ctx context.Context, projectID, location, modelName string) (*VertexGemini, error) {
	c, err := vertexgenai.NewClient(ctx, projectID, location)
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &VertexGemini{
		client:       c,
		model:        c.GenerativeModel(modelName),
		SystemPrompt: "You are a voice assistant. Reply concisely; the answer is spoken aloud.",
	}, nil
}

func (v *VertexGemini) Close() error { return v.client.Close() }

func (v *VertexGemini) Process(ctx context.Context, req Request) (*Response, error) {
	prompt := req.Transcript
	if v.SystemPrompt != "" {
		prompt = v.SystemPrompt + "\n\nUser said:\n" + req.Transcript
	}

	it := v.model.GenerateContentStream(ctx, vertexgenai.Text(prompt))
	var full strings.Builder
	for {
		resp, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if t, ok := part.(vertexgenai.Text); ok {
					full.WriteString(string(t))
				}
			}
		}
	}

	return &Response{ResponseText: full.String()}, nil
}
