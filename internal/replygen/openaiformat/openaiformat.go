// Package openaiformat adapts an inner replygen.Generator to the
// OPENAI prompt/reply format: prompts arrive as a
// chat-completions-style message array, replies go out as
// chat-completion-chunk JSON the way an OpenAI-compatible HTTP client
// expects to stream them.
package openaiformat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nostrmarket/askexperts/internal/expertsession"
	"github.com/nostrmarket/askexperts/internal/market"
)

// Message mirrors an OpenAI chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []Message `json:"messages"`
}

type chunkDelta struct {
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
	Index        int        `json:"index"`
}

type chatChunk struct {
	Object  string        `json:"object"`
	Choices []chunkChoice `json:"choices"`
}

// Adapter wraps an inner generator, translating OPENAI-format prompts
// to plain text before delegating, and wrapping replies back into
// chat-completion-chunk JSON.
type Adapter struct {
	Inner expertsession.ReplyGenerator
}

var _ expertsession.ReplyGenerator = (*Adapter)(nil)

// Generate implements expertsession.ReplyGenerator.
func (a *Adapter) Generate(ctx context.Context, prompt market.Prompt) (<-chan expertsession.Chunk, error) {
	text, err := extractText(prompt)
	if err != nil {
		return nil, err
	}

	innerPrompt := prompt
	innerPrompt.Content = []byte(text)

	inner, err := a.Inner.Generate(ctx, innerPrompt)
	if err != nil {
		return nil, err
	}

	out := make(chan expertsession.Chunk, 4)
	go func() {
		defer close(out)
		for c := range inner {
			if c.Err != nil {
				out <- c
				return
			}
			wrapped, err := wrapChunk(c)
			if err != nil {
				out <- expertsession.Chunk{Err: err}
				return
			}
			out <- expertsession.Chunk{Content: wrapped, Done: c.Done, FollowupInvoice: c.FollowupInvoice}
			if c.Done {
				return
			}
		}
	}()
	return out, nil
}

// extractText flattens a chat-completions message array into a single
// prompt string — every message in order, one "role: content" line
// each — since the inner generator only understands plain text.
func extractText(prompt market.Prompt) (string, error) {
	if prompt.Format != market.FormatOpenAI {
		return string(prompt.Content), nil
	}

	var req chatRequest
	if err := json.Unmarshal(prompt.Content, &req); err != nil {
		return "", fmt.Errorf("openaiformat: parse chat request: %w", err)
	}

	var b strings.Builder
	for _, m := range req.Messages {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String(), nil
}

func wrapChunk(c expertsession.Chunk) ([]byte, error) {
	finish := (*string)(nil)
	if c.Done {
		reason := "stop"
		finish = &reason
	}

	chunk := chatChunk{
		Object: "chat.completion.chunk",
		Choices: []chunkChoice{{
			Delta:        chunkDelta{Content: string(c.Content)},
			FinishReason: finish,
		}},
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("openaiformat: marshal chunk: %w", err)
	}
	return b, nil
}
