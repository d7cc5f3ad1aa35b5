package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIPrefix is the path the fake backend mounts the API under.
const APIPrefix = "/pushapp/api"

// RecordedRequest is one request received by the fake backend.
type RecordedRequest struct {
	Path    string
	Body    []byte
	TraceID string
}

// JSON decodes the recorded body into a generic map.
func (r RecordedRequest) JSON() map[string]any {
	var m map[string]any
	_ = json.Unmarshal(r.Body, &m)
	return m
}

type cannedResponse struct {
	status int
	body   string
	delay  time.Duration
}

// FakeBackend is an in-process PushApp backend: the four JSON endpoints plus
// the websocket channel.
type FakeBackend struct {
	Server *httptest.Server

	mu        sync.Mutex
	requests  []RecordedRequest
	responses map[string]cannedResponse
	polls     map[string]cannedResponse
	notify    chan struct{}

	upgrader websocket.Upgrader
	sockets  chan *SocketConn
	open     int
}

// NewFakeBackend starts a fake backend. Close it with Close.
func NewFakeBackend() *FakeBackend {
	f := &FakeBackend{
		responses: map[string]cannedResponse{
			"/register":      {status: http.StatusOK, body: `{"device":{"user_id":"guest-1"}}`},
			"/register/user": {status: http.StatusOK, body: `{"success":true}`},
			"/events":        {status: http.StatusOK, body: `{"success":true}`},
			"/poll/in-app":   {status: http.StatusOK, body: `{"success":false}`},
		},
		polls:   make(map[string]cannedResponse),
		notify:  make(chan struct{}, 256),
		sockets: make(chan *SocketConn, 16),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	api := r.PathPrefix(APIPrefix).Subrouter()
	api.HandleFunc("/register", f.handleJSON("/register")).Methods(http.MethodPost)
	api.HandleFunc("/register/user", f.handleJSON("/register/user")).Methods(http.MethodPost)
	api.HandleFunc("/events", f.handleJSON("/events")).Methods(http.MethodPost)
	api.HandleFunc("/poll/in-app", f.handlePoll).Methods(http.MethodPost)
	api.HandleFunc("/channel", f.handleSocket).Methods(http.MethodGet)

	f.Server = httptest.NewServer(r)
	return f
}

// Close shuts the server down.
func (f *FakeBackend) Close() {
	f.Server.CloseClientConnections()
	f.Server.Close()
}

// BaseURL is the http API root.
func (f *FakeBackend) BaseURL() string {
	return f.Server.URL + APIPrefix
}

// SocketURL is the websocket channel endpoint.
func (f *FakeBackend) SocketURL() string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http") + APIPrefix + "/channel"
}

// Respond sets the canned response for path ("/register", "/events", ...).
func (f *FakeBackend) Respond(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = cannedResponse{status: status, body: body}
}

// RespondPoll sets the poll response for ruleID, optionally delayed.
func (f *FakeBackend) RespondPoll(ruleID string, body string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[ruleID] = cannedResponse{status: http.StatusOK, body: body, delay: delay}
}

// Requests returns the requests received on path.
func (f *FakeBackend) Requests(path string) []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RecordedRequest
	for _, r := range f.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// RequestCount returns the number of requests across all endpoints.
func (f *FakeBackend) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// WaitForRequests waits until path received at least n requests.
func (f *FakeBackend) WaitForRequests(path string, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(f.Requests(path)) >= n {
			return true
		}
		select {
		case <-f.notify:
		case <-deadline:
			return len(f.Requests(path)) >= n
		}
	}
}

func (f *FakeBackend) record(path string, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, RecordedRequest{Path: path, Body: body, TraceID: r.Header.Get("X-Trace-ID")})
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *FakeBackend) handleJSON(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.record(path, r)
		f.mu.Lock()
		resp := f.responses[path]
		f.mu.Unlock()
		writeCanned(w, resp)
	}
}

func (f *FakeBackend) handlePoll(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, RecordedRequest{Path: "/poll/in-app", Body: body, TraceID: r.Header.Get("X-Trace-ID")})
	var req struct {
		RuleID string `json:"rule_id"`
	}
	_ = json.Unmarshal(body, &req)
	resp, ok := f.polls[req.RuleID]
	if !ok {
		resp = f.responses["/poll/in-app"]
	}
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}

	if resp.delay > 0 {
		time.Sleep(resp.delay)
	}
	writeCanned(w, resp)
}

func writeCanned(w http.ResponseWriter, resp cannedResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	io.WriteString(w, resp.body)
}

// =============================================================================
// Websocket channel
// =============================================================================

// SocketConn is the server side of one channel connection.
type SocketConn struct {
	conn   *websocket.Conn
	auth   map[string]any
	writeM sync.Mutex
	closed chan struct{}
	pings  atomic.Int64
}

func (f *FakeBackend) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sc := &SocketConn{conn: conn, closed: make(chan struct{})}
	conn.SetPingHandler(func(data string) error {
		sc.pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	_ = json.Unmarshal(msg, &sc.auth)

	f.mu.Lock()
	f.open++
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			f.open--
			f.mu.Unlock()
			close(sc.closed)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	f.sockets <- sc
}

// AcceptSocket returns the next authenticated connection.
func (f *FakeBackend) AcceptSocket(timeout time.Duration) (*SocketConn, error) {
	select {
	case sc := <-f.sockets:
		return sc, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("testutil: no socket connection within %s", timeout)
	}
}

// OpenSockets returns the number of connections the client still holds.
func (f *FakeBackend) OpenSockets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Auth returns the decoded first frame the client sent.
func (s *SocketConn) Auth() map[string]any {
	return s.auth
}

// SendJSON writes v as a text frame.
func (s *SocketConn) SendJSON(v any) error {
	s.writeM.Lock()
	defer s.writeM.Unlock()
	return s.conn.WriteJSON(v)
}

// SendRaw writes data with the given websocket message type.
func (s *SocketConn) SendRaw(messageType int, data []byte) error {
	s.writeM.Lock()
	defer s.writeM.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// CloseNormal sends a normal close frame.
func (s *SocketConn) CloseNormal() error {
	s.writeM.Lock()
	defer s.writeM.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Drop closes the TCP connection without a close frame.
func (s *SocketConn) Drop() error {
	return s.conn.UnderlyingConn().Close()
}

// Pings returns the number of keepalive pings received.
func (s *SocketConn) Pings() int64 {
	return s.pings.Load()
}

// Closed is closed once the client side went away.
func (s *SocketConn) Closed() <-chan struct{} {
	return s.closed
}
