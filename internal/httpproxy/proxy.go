// Package httpproxy exposes the marketplace client as an
// OpenAI-compatible HTTP API: a POST to /v1/chat/completions runs a
// full ask against the marketplace, waits until every expert's session
// has concluded, and answers in chat-completion shape. The plain
// response carries the content of the last successful reply chunk
// received from any expert; with "stream" set, every successful chunk
// received is replayed as a server-sent event after the ask concludes. A gorilla/mux router, a permissive CORS
// middleware, and a thin Server wrapping the client it fronts.
package httpproxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nostrmarket/askexperts/internal/clientsession"
	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
)

// Server fronts a clientsession.Client with an OpenAI-compatible HTTP
// surface. DefaultHashtags scope discovery when a request doesn't
// carry its own `hashtags` field — an ask must target hashtags or
// specific experts, and chat-completion clients rarely know pubkeys.
type Server struct {
	Client          *clientsession.Client
	Relays          []string
	DefaultHashtags []string
	Log             *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Router builds the mux.Router this server answers on.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	return r
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.logger().Info("http proxy listening", "addr", addr)
	return http.ListenAndServe(addr, s.Router())
}

type chatCompletionRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream     bool     `json:"stream"`
	MaxBidSats *int64   `json:"max_bid_sats,omitempty"`
	Hashtags   []string `json:"hashtags,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "failed to re-encode prompt", http.StatusInternalServerError)
		return
	}

	hashtags := req.Hashtags
	if len(hashtags) == 0 {
		hashtags = s.DefaultHashtags
	}

	var lastContent string
	var streamed []string
	result, err := s.Client.Ask(r.Context(), clientsession.AskParams{
		Find: clientsession.FindExpertsParams{
			Summary:    summarize(req.Messages),
			Hashtags:   hashtags,
			Relays:     s.Relays,
			MaxBidSats: req.MaxBidSats,
		},
		Format:       market.FormatOpenAI,
		Compression:  nostrcrypto.CompressionGzip,
		Content:      body,
		QuoteTimeout: 30 * time.Second,
		ReplyTimeout: 2 * time.Minute,
		OnReply: func(_ string, reply market.Reply) {
			if reply.Error == "" {
				lastContent = string(reply.Content)
				streamed = append(streamed, lastContent)
			}
		},
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if !result.Succeeded() {
		http.Error(w, "no expert produced a reply", http.StatusGatewayTimeout)
		return
	}

	if req.Stream {
		s.streamChunks(w, streamed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "chat.completion",
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": lastContent},
			"finish_reason": "stop",
		}},
	})
}

func (s *Server) streamChunks(w http.ResponseWriter, chunks []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	bufw := bufio.NewWriter(w)
	defer bufw.Flush()

	for _, c := range chunks {
		fmt.Fprintf(bufw, "data: %s\n\n", c)
		if ok {
			bufw.Flush()
			flusher.Flush()
		}
	}
	fmt.Fprint(bufw, "data: [DONE]\n\n")
}

func summarize(messages []struct {
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
