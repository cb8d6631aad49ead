package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// ChatMiddleware is HTTP middleware for an application's own API
// surface: any POST whose body looks like an OpenAI chat-completion
// request is answered by routing the last user message through the
// marketplace instead of reaching next. Non-matching requests pass
// through untouched.
//
//	mux := http.NewServeMux()
//	mux.Handle("/v1/chat/completions", sdk.ChatMiddleware(client, opts, fallback))
func ChatMiddleware(client *Client, opts AskOptions, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if json.Unmarshal(body, &req) != nil || len(req.Messages) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		prompt := lastUserMessage(req.Messages)
		if prompt == "" {
			next.ServeHTTP(w, r)
			return
		}

		var content string
		summary, err := client.Ask(r.Context(), prompt, opts, func(reply Reply) {
			if reply.Err == nil {
				content = reply.Content
			}
		})
		if err != nil || !summary.Succeeded() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": "no expert answered the request",
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-AskExperts-Received", itoa(summary.Received))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object":  "chat.completion",
			"choices": []map[string]interface{}{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		})
	})
}

func lastUserMessage(messages []struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

// RoundTripper returns an http.RoundTripper that transparently answers
// chat-completion requests through the marketplace instead of passing
// them to wrapped — for embedding in an application's own outbound
// http.Client so existing OpenAI-client code needs no changes.
func RoundTripper(client *Client, opts AskOptions, wrapped http.RoundTripper) http.RoundTripper {
	if wrapped == nil {
		wrapped = http.DefaultTransport
	}
	return &marketplaceTransport{client: client, opts: opts, wrapped: wrapped}
}

type marketplaceTransport struct {
	client  *Client
	opts    AskOptions
	wrapped http.RoundTripper
}

func (t *marketplaceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil {
		return t.wrapped.RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return t.wrapped.RoundTrip(req)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	var parsed struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if json.Unmarshal(body, &parsed) != nil || len(parsed.Messages) == 0 {
		return t.wrapped.RoundTrip(req)
	}

	prompt := lastUserMessage(parsed.Messages)
	if prompt == "" {
		return t.wrapped.RoundTrip(req)
	}

	var content string
	summary, askErr := t.client.Ask(context.Background(), prompt, t.opts, func(reply Reply) {
		if reply.Err == nil {
			content = reply.Content
		}
	})

	status := http.StatusOK
	payload := map[string]interface{}{
		"object":  "chat.completion",
		"choices": []map[string]interface{}{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"}},
	}
	if askErr != nil || !summary.Succeeded() {
		status = http.StatusBadGateway
		payload = map[string]interface{}{"error": "no expert answered the request"}
		slog.Warn("askexperts round trip had no result", "error", askErr)
	}

	b, _ := json.Marshal(payload)
	resp := &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(b)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    req,
	}
	return resp, nil
}
