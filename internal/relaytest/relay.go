// Package relaytest implements a minimal in-process NIP-01 relay so
// internal/expertsession and internal/clientsession can drive their
// integration tests against a real *relaypool.Pool (and therefore a
// real nostr.SimplePool underneath) instead of faking the pool's
// interface away. It keeps every published event in memory and
// answers subscriptions by matching nostr.Filter the same way a real
// relay would, which is enough for the single-process scenarios the
// marketplace's tests need — it is not a conformant relay otherwise
// (no NIP-11, no persistence, no auth).
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Server is one in-process relay. Create with NewServer and pass URL
// to relaypool.Publish/Subscribe/Fetch; Close tears down the listener.
type Server struct {
	URL string

	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	events  []*nostr.Event
	clients map[*conn]bool
}

// conn is one connected websocket client (a relaypool.Pool dial).
type conn struct {
	ws     *websocket.Conn
	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]nostr.Filter
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewServer starts listening and returns a ready-to-use Server.
func NewServer() *Server {
	s := &Server{clients: make(map[*conn]bool)}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handleWS))
	s.URL = "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
	return s
}

// Close shuts the relay down. Safe to call once.
func (s *Server) Close() {
	s.httpServer.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, subs: make(map[string]nostr.Filter)}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(c, raw)
	}
}

func (s *Server) dispatch(c *conn, raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		s.handleEvent(c, frame)
	case "REQ":
		s.handleReq(c, frame)
	case "CLOSE":
		s.handleCloseMsg(c, frame)
	}
}

func (s *Server) handleEvent(c *conn, frame []json.RawMessage) {
	if len(frame) < 2 {
		return
	}
	var evt nostr.Event
	if err := json.Unmarshal(frame[1], &evt); err != nil {
		_ = c.writeJSON([]any{"OK", "", false, "error: invalid event"})
		return
	}

	s.mu.Lock()
	s.events = append(s.events, &evt)
	subscribers := make([]*conn, 0, len(s.clients))
	for other := range s.clients {
		subscribers = append(subscribers, other)
	}
	s.mu.Unlock()

	_ = c.writeJSON([]any{"OK", evt.ID, true, ""})

	for _, other := range subscribers {
		other.subMu.Lock()
		for subID, filter := range other.subs {
			if filter.Matches(&evt) {
				_ = other.writeJSON([]any{"EVENT", subID, &evt})
			}
		}
		other.subMu.Unlock()
	}
}

func (s *Server) handleReq(c *conn, frame []json.RawMessage) {
	if len(frame) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		return
	}

	var filter nostr.Filter
	for _, raw := range frame[2:] {
		if err := json.Unmarshal(raw, &filter); err == nil {
			break // the tests this harness serves only ever send one filter per REQ
		}
	}

	c.subMu.Lock()
	c.subs[subID] = filter
	c.subMu.Unlock()

	s.mu.Lock()
	stored := make([]*nostr.Event, len(s.events))
	copy(stored, s.events)
	s.mu.Unlock()

	for _, evt := range stored {
		if filter.Matches(evt) {
			_ = c.writeJSON([]any{"EVENT", subID, evt})
		}
	}
	_ = c.writeJSON([]any{"EOSE", subID})
}

func (s *Server) handleCloseMsg(c *conn, frame []json.RawMessage) {
	if len(frame) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		return
	}
	c.subMu.Lock()
	delete(c.subs, subID)
	c.subMu.Unlock()
}
