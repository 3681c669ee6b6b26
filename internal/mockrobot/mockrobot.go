// Package mockrobot is a WebSocket test double standing in for a real
// robot controller, used only by the rpcrobot, commands, scan and
// taskengine tests. It
// mirrors the original project's mock_robot_controller.py: every
// call_service request is logged and answered with a configurable
// result/finish response instead of driving real hardware.
package mockrobot

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/websocket"
)

// Call records one call_service request the mock received.
type Call struct {
	Service string
	Action  string
	Args    map[string]interface{}
}

// Responder decides how the mock answers a given call. Returning a nil
// values map is fine; Result/Error drive rpcrobot's success classification.
type Responder func(Call) (result bool, values map[string]interface{}, errMsg string)

// Server is an in-process WebSocket peer a rpcrobot.Client can dial.
type Server struct {
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	calls     []Call
	responder Responder
	conns     []*websocket.Conn
}

// New starts a mock robot listening on an ephemeral local port. By
// default every call succeeds with finish=true; override with
// SetResponder to simulate failures, partial progress or hangs.
func New() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		responder: func(Call) (bool, map[string]interface{}, string) {
			return true, map[string]interface{}{"finish": true}, ""
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpServer = httptest.NewServer(mux)
	return s
}

// URL returns the ws:// URL a rpcrobot.Client should dial.
func (s *Server) URL() string {
	return "ws" + s.httpServer.URL[len("http"):] + "/"
}

// SetResponder replaces the call-answering function.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// Calls returns a snapshot of every call_service request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Close shuts the mock down: the listener stops accepting and every
// connection it already accepted is closed.
func (s *Server) Close() {
	s.httpServer.Close()
	s.DropConnections()
}

// DropConnections forcibly closes every connection currently accepted by
// the mock without shutting down the listener, simulating a link drop a
// client should recover from by reconnecting to the same address.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

type wireRequest struct {
	Op      string                 `json:"op"`
	Service string                 `json:"service"`
	Args    map[string]interface{} `json:"args"`
	ID      string                 `json:"id,omitempty"`
}

type wireResponse struct {
	ID     string                 `json:"id,omitempty"`
	Result bool                   `json:"result"`
	Values map[string]interface{} `json:"values"`
	Error  string                 `json:"error,omitempty"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var req wireRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		action, _ := req.Args["action"].(string)
		call := Call{Service: req.Service, Action: action, Args: req.Args}

		s.mu.Lock()
		s.calls = append(s.calls, call)
		responder := s.responder
		s.mu.Unlock()

		result, values, errMsg := responder(call)
		resp := wireResponse{ID: req.ID, Result: result, Values: values, Error: errMsg}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// EncodeValues is a convenience for tests building a values map inline.
func EncodeValues(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
