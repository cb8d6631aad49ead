package httpproxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizePicksLastUserMessage(t *testing.T) {
	type msg = struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	got := summarize([]msg{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "an answer"},
		{Role: "user", Content: "second question"},
	})
	assert.Equal(t, "second question", got)
}

func TestSummarizeEmptyWithNoUserMessage(t *testing.T) {
	type msg = struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	assert.Equal(t, "", summarize([]msg{{Role: "system", Content: "hi"}}))
}

func TestRouterAppliesCORSAndRejectsWrongMethod(t *testing.T) {
	s := &Server{}
	r := s.Router()

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChatCompletionsRejectsMalformedBody(t *testing.T) {
	s := &Server{}
	r := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
