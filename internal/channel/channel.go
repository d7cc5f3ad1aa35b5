// Package channel maintains the realtime websocket the backend pushes in-app
// messages over.
//
// A Channel holds at most one socket. Connect replaces the current socket,
// closing it before the new dial starts, and never reconnects on its own.
// Inbound frames are decoded at this boundary and delivered in order on
// Frames().
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/pushapp/internal/metrics"
	"github.com/R3E-Network/pushapp/pkg/inapp"
	"github.com/R3E-Network/pushapp/pkg/logger"
)

const (
	defaultPingInterval     = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultQueueSize        = 64
	writeTimeout            = 5 * time.Second

	// Path is appended to the websocket base URL.
	Path = "/channel"
)

var (
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("channel: closed")
	// ErrNoUser is returned by Connect without a user id.
	ErrNoUser = errors.New("channel: user id is required")
)

// State is the lifecycle state of the channel.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosedWithError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedWithError:
		return "closed_with_error"
	default:
		return "unknown"
	}
}

// URLFromBase derives the websocket endpoint from an http(s) API root.
func URLFromBase(base string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", fmt.Errorf("channel: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("channel: unsupported scheme %q", u.Scheme)
	}
	u.Path += Path
	return u.String(), nil
}

// Config configures a Channel.
type Config struct {
	// URL is the full websocket endpoint, e.g. "wss://acme.example.com/pushapp/api/channel".
	URL string
	// PingInterval is the keepalive period while Open. Default: 30s.
	PingInterval time.Duration
	// HandshakeTimeout bounds the dial. Default: 10s.
	HandshakeTimeout time.Duration
	// QueueSize is the buffer of the frame queue. Default: 64.
	QueueSize int
	// OnState is called on every state change of the current socket. It runs
	// under the channel lock and must not call back into the Channel.
	OnState func(State)
	Logger  *logger.Logger
	Metrics metrics.Recorder
}

// Channel is the realtime transport.
type Channel struct {
	url          string
	pingInterval time.Duration
	dialer       *websocket.Dialer
	onState      func(State)
	log          *logger.Logger
	metrics      metrics.Recorder

	mu     sync.Mutex
	gen    uint64
	sess   *session
	closed bool
	state  atomic.Int32

	frames   chan inapp.Frame
	sessions sync.WaitGroup
}

type authFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// New creates a closed channel.
func New(cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("channel: url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("channel: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("channel: url must be ws(s): %q", cfg.URL)
	}

	c := &Channel{
		url:          cfg.URL,
		pingInterval: cfg.PingInterval,
		onState:      cfg.OnState,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if c.pingInterval <= 0 {
		c.pingInterval = defaultPingInterval
	}
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	c.dialer = &websocket.Dialer{HandshakeTimeout: handshake}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	c.frames = make(chan inapp.Frame, queue)
	if c.log == nil {
		c.log = logger.NewDefault("channel")
	}
	if c.metrics == nil {
		c.metrics = metrics.NewNoOpCollector()
	}
	return c, nil
}

// URL returns the websocket endpoint.
func (c *Channel) URL() string {
	return c.url
}

// Frames is the ordered queue of decoded inbound frames. It is closed by Close.
func (c *Channel) Frames() <-chan inapp.Frame {
	return c.frames
}

// State returns the state of the current socket.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Connect replaces any current socket with a new one authenticated as
// userID. The previous socket is closed before Connect returns; the dial
// itself happens in the background.
func (c *Channel) Connect(userID string) error {
	if userID == "" {
		return ErrNoUser
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.sess
	c.gen++
	s := newSession(c.gen)
	c.sess = s
	c.sessions.Add(1)
	c.mu.Unlock()

	if prev != nil {
		prev.shutdown()
	}

	c.setState(s, StateConnecting)
	go c.run(s, userID)
	return nil
}

// Close releases the socket and closes the frame queue. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sess
	c.sess = nil
	c.gen++
	c.mu.Unlock()

	if s != nil {
		s.shutdown()
	}
	c.sessions.Wait()

	c.mu.Lock()
	c.storeStateLocked(StateClosed)
	c.mu.Unlock()

	close(c.frames)
	return nil
}

func (c *Channel) setState(s *session, st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.gen != c.gen {
		return
	}
	c.storeStateLocked(st)
}

func (c *Channel) storeStateLocked(st State) {
	if State(c.state.Swap(int32(st))) == st {
		return
	}
	c.metrics.SetChannelState(int(st))
	if c.onState != nil {
		c.onState(st)
	}
}

func (c *Channel) run(s *session, userID string) {
	defer c.sessions.Done()
	defer close(s.done)
	defer s.cancel()

	log := c.log.WithField("session", s.gen)

	conn, _, err := c.dialer.DialContext(s.ctx, c.url, nil)
	if err != nil {
		if s.stopping() {
			return
		}
		log.WithError(err).Warn("channel dial failed")
		c.setState(s, StateClosedWithError)
		return
	}
	if !s.attach(conn) {
		conn.Close()
		log.Debug("dial superseded, socket discarded")
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON(authFrame{Type: "auth", UserID: userID})
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		if !s.stopping() {
			log.WithError(err).Warn("channel auth failed")
			c.setState(s, StateClosedWithError)
		}
		conn.Close()
		return
	}

	c.setState(s, StateOpen)
	log.WithField("user_id", userID).Info("channel open")

	readDone := make(chan struct{})
	var pinger sync.WaitGroup
	pinger.Add(1)
	go func() {
		defer pinger.Done()
		c.keepalive(s, conn, readDone)
	}()

	err = c.receive(s, conn)
	close(readDone)
	pinger.Wait()
	conn.Close()

	if s.stopping() {
		log.Debug("channel closed locally")
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info("channel closed by server")
		c.setState(s, StateClosed)
		return
	}
	log.WithError(err).Warn("channel lost")
	c.setState(s, StateClosedWithError)
}

// receive reads until the socket fails. Frames that do not decode are
// logged and skipped.
func (c *Channel) receive(s *session, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame := inapp.Decode(msg)
		c.metrics.RecordFrame(frame.Kind.String())
		if frame.Kind == inapp.KindMalformed {
			c.log.WithField("reason", frame.Reason).WithField("bytes", len(msg)).Warn("unparseable frame skipped")
			continue
		}

		select {
		case c.frames <- frame:
		case <-s.stop:
			return nil
		}
	}
}

func (c *Channel) keepalive(s *session, conn *websocket.Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-readDone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.WithError(err).Debug("keepalive ping failed")
			}
		}
	}
}

// session is one socket lifetime.
type session struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool
}

func newSession(gen uint64) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		gen:    gen,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// attach records the dialed socket. It reports false when the session was
// shut down during the dial.
func (s *session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conn = conn
	return true
}

func (s *session) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// shutdown closes the socket and waits for the session goroutines to exit.
func (s *session) shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	close(s.stop)
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	<-s.done
}
