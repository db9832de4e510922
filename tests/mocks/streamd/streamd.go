// Package streamd is an in-process mock of the streaming backend, used by
// client and integration tests. It serves the multiplexed WebSocket event
// stream plus the small conversations REST surface, and lets tests script
// event delivery, snapshots and forced disconnects.
package streamd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Server is a scriptable mock streaming backend.
type Server struct {
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conns         []*websocket.Conn
	snapshot      json.RawMessage // sent in reply to active_tasks_request
	conversations map[string]map[string]string
	received      []map[string]any
	connected     chan struct{} // signaled on every accepted connection
	refusing      bool
}

// New starts the mock server. It is shut down with Close.
func New() *Server {
	s := &Server{
		conversations: make(map[string]map[string]string),
		connected:     make(chan struct{}, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversation)
	s.httpSrv = httptest.NewServer(mux)
	return s
}

// URL returns the server's HTTP base URL.
func (s *Server) URL() string {
	return s.httpSrv.URL
}

// Close shuts the server down and drops all connections.
func (s *Server) Close() {
	s.DropConnections()
	s.httpSrv.Close()
}

// SetSnapshot configures the active_tasks frame returned for every
// active_tasks_request. Pass nil to disable snapshot replies.
func (s *Server) SetSnapshot(frame any) {
	data, _ := json.Marshal(frame)
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame == nil {
		s.snapshot = nil
		return
	}
	s.snapshot = data
}

// AddConversation registers a stored conversation for the REST surface.
func (s *Server) AddConversation(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = map[string]string{"id": id, "title": title}
}

// Send delivers one event frame on every open connection.
func (s *Server) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw delivers raw bytes on every open connection, allowing tests to
// push malformed frames.
func (s *Server) SendRaw(data []byte) error {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections forcibly closes every open connection, simulating a
// network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Refuse makes the stream endpoint reject (or accept again) new WebSocket
// handshakes, simulating a backend outage without tearing the listener down.
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refusing = refuse
}

// Connected returns a channel that receives one signal per accepted
// WebSocket connection.
func (s *Server) Connected() <-chan struct{} {
	return s.connected
}

// Received returns a copy of all messages the server has read from clients.
func (s *Server) Received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.received...)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refusing := s.refusing
	s.mu.Unlock()
	if refusing {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	select {
	case s.connected <- struct{}{}:
	default:
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if json.Unmarshal(data, &msg) != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		snapshot := s.snapshot
		s.mu.Unlock()

		if msg["type"] == "active_tasks_request" && snapshot != nil {
			conn.WriteMessage(websocket.TextMessage, snapshot)
		}
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]map[string]string, 0, len(s.conversations))
	for _, c := range s.conversations {
		list = append(list, c)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/conversations/")

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodDelete:
		delete(s.conversations, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c)
	}
}
