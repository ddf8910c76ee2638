// Package ai holds the provider drivers for paid model calls: chat
// completion, embeddings and audio transcription. Drivers classify
// their failures so the fallback manager can route around them.
package ai

import (
	"context"
	"io"
)

// Completion is one chat response with its token accounting.
type Completion struct {
	Text         string
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
}

// ChatProvider produces a text completion for a prompt.
type ChatProvider interface {
	Name() string
	Complete(ctx context.Context, prompt string, maxTokens int64) (*Completion, error)
}

// Embedding is one embeddings response.
type Embedding struct {
	Vectors     [][]float32
	Model       string
	Provider    string
	InputTokens int64
}

// Embedder converts text batches to vectors of a fixed dimension.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, inputs []string) (*Embedding, error)
}

// Transcript is one audio transcription response.
type Transcript struct {
	Text        string
	Model       string
	Provider    string
	InputTokens int64
}

// Transcriber converts an audio stream to text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcript, error)
}
