// Package replygen defines the opaque ReplyGenerator contract:
// whatever produces an expert's answer to a prompt, kept
// behind an interface so the marketplace engine never depends on a
// specific model, pipeline, or prompt format.
package replygen

import (
	"context"

	"github.com/nostrmarket/askexperts/internal/expertsession"
	"github.com/nostrmarket/askexperts/internal/market"
)

// Generator is the contract expertsession.Engine consumes. It is the
// same shape as expertsession.ReplyGenerator, re-exported here as the
// canonical home for concrete implementations and their tests.
type Generator = expertsession.ReplyGenerator

// Fixed is a deterministic test double: it always returns the same
// content, as a single chunk or split into streamed pieces.
type Fixed struct {
	Content []byte
	Stream  bool
	ChunkSize int
}

var _ Generator = (*Fixed)(nil)

// Generate implements Generator.
func (f *Fixed) Generate(ctx context.Context, _ market.Prompt) (<-chan expertsession.Chunk, error) {
	out := make(chan expertsession.Chunk, 4)

	if !f.Stream || f.ChunkSize <= 0 {
		go func() {
			defer close(out)
			out <- expertsession.Chunk{Content: f.Content, Done: true}
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		for i := 0; i < len(f.Content); i += f.ChunkSize {
			end := i + f.ChunkSize
			if end > len(f.Content) {
				end = len(f.Content)
			}
			select {
			case out <- expertsession.Chunk{Content: f.Content[i:end], Done: end == len(f.Content)}:
			case <-ctx.Done():
				return
			}
		}
		if len(f.Content) == 0 {
			out <- expertsession.Chunk{Done: true}
		}
	}()
	return out, nil
}
