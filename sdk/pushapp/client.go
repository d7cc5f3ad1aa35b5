// Package pushapp is the PushApp client SDK: device registration, user
// identification, behavioral events and server-driven in-app messages.
//
// A host constructs one Client, calls Initialize with its "<tenant>$<channel>"
// identifier and forwards push tokens through HandleDeviceToken. In-app
// messages are handed to the host's inapp.Presenter.
//
//	client, err := pushapp.New(pushapp.Options{Config: cfg, Presenter: ui})
//	if err != nil { ... }
//	defer client.Close()
//	if err := client.Initialize(ctx, "acme$web", false); err != nil { ... }
//	client.Login(ctx, "user-42")
//	client.SendEvent("checkout", map[string]any{"total": 12.5})
package pushapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/R3E-Network/pushapp/internal/backend"
	"github.com/R3E-Network/pushapp/internal/channel"
	"github.com/R3E-Network/pushapp/internal/device"
	"github.com/R3E-Network/pushapp/internal/identity"
	"github.com/R3E-Network/pushapp/internal/metrics"
	"github.com/R3E-Network/pushapp/pkg/inapp"
	"github.com/R3E-Network/pushapp/pkg/logger"
	"github.com/R3E-Network/pushapp/pkg/storage"
)

// Event names sent by the SDK itself.
const (
	EventAppOpen    = "app_open"
	EventPageOpen   = "page_open"
	EventPageClosed = "page_closed"
)

var (
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("pushapp: already initialized")
	// ErrNotInitialized is returned by Login before Initialize.
	ErrNotInitialized = errors.New("pushapp: not initialized")
	// ErrEmptyUserID is returned by Login without a user id.
	ErrEmptyUserID = errors.New("pushapp: user id is required")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("pushapp: client closed")
)

// DeviceTokenSource is implemented by hosts that acquire push tokens
// asynchronously. RequestDeviceToken should eventually lead to a call to
// HandleDeviceToken or HandleRegistrationFailure.
type DeviceTokenSource interface {
	RequestDeviceToken()
}

// Options configures New.
type Options struct {
	Config Config
	// Presenter renders in-app messages. Messages are dropped without one.
	Presenter inapp.Presenter
	// TokenSource is asked for a push token when no user is known.
	TokenSource DeviceTokenSource
	// Store overrides the store selected by Config.StorageDriver.
	Store storage.Store
	// Logger overrides the logger built from Config.LogLevel/LogFormat.
	Logger     *logger.Logger
	HTTPClient *http.Client
}

// Client is a PushApp SDK instance. All methods are safe for concurrent use;
// state changes are serialised on one goroutine.
type Client struct {
	cfg         Config
	presenter   inapp.Presenter
	tokenSource DeviceTokenSource
	httpClient  *http.Client
	store       storage.Store
	log         *logger.Logger
	metrics     *metrics.Collector
	ids         *identity.Store

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once

	emitter      atomic.Pointer[backend.Emitter]
	channelState atomic.Int32

	// Owned by the actor goroutine.
	initialized  bool
	platform     device.Platform
	deviceID     string
	pendingToken string
	backend      *backend.Client
	channel      *channel.Channel
	router       *inapp.Router
	routerDone   chan struct{}
}

// New creates a Client. It performs no network calls.
func New(opts Options) (*Client, error) {
	cfg := opts.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	platform, err := device.ParsePlatform(cfg.Platform)
	if err != nil {
		return nil, fmt.Errorf("pushapp: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logger.New("pushapp", cfg.LogLevel, cfg.LogFormat)
	}

	store := opts.Store
	if store == nil {
		store, err = openStore(cfg)
		if err != nil {
			log.WithError(err).Warn("durable storage unavailable, identity kept in memory only")
			store = nil
		}
	}

	c := &Client{
		cfg:         cfg,
		presenter:   opts.Presenter,
		tokenSource: opts.TokenSource,
		httpClient:  opts.HTTPClient,
		store:       store,
		log:         log,
		metrics:     metrics.NewCollector("pushapp"),
		ids:         identity.NewStore(store, log.Named("identity")),
		platform:    platform,
		cmds:        make(chan func()),
		done:        make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

func (c *Client) loop() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (c *Client) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { defer close(finished); fn() }:
	case <-c.done:
		return ErrClosed
	}
	<-finished
	return nil
}

// post queues fn on the actor goroutine without waiting.
func (c *Client) post(fn func()) {
	go func() {
		select {
		case c.cmds <- fn:
		case <-c.done:
		}
	}()
}

// Initialize binds the client to the tenant and channel named by identifier
// ("<tenant>$<channel>"). A malformed identifier returns an error matching
// identity.ErrConfiguration and commits no state.
//
// With a persisted user the client sends app_open and opens the channel;
// otherwise it asks the TokenSource for a push token.
func (c *Client) Initialize(ctx context.Context, identifier string, sandbox bool) error {
	tenant, channelID, err := identity.ParseIdentifier(identifier)
	if err != nil {
		return err
	}
	endpoints, err := c.cfg.Endpoints(tenant, sandbox)
	if err != nil {
		return err
	}

	var result error
	if err := c.do(func() { result = c.initialize(ctx, tenant, channelID, endpoints) }); err != nil {
		return err
	}
	return result
}

func (c *Client) initialize(ctx context.Context, tenant, channelID string, ep Endpoints) error {
	if c.initialized {
		return ErrAlreadyInitialized
	}

	bc, err := backend.New(backend.Config{
		BaseURL:    ep.BaseURL,
		HTTPClient: c.httpClient,
		Timeout:    c.cfg.HTTPTimeout,
		Logger:     c.log.Named("backend"),
		Metrics:    c.metrics,
	})
	if err != nil {
		return fmt.Errorf("pushapp: %w", err)
	}
	ch, err := channel.New(channel.Config{
		URL:          ep.ChannelURL,
		PingInterval: c.cfg.PingInterval,
		OnState:      func(s channel.State) { c.channelState.Store(int32(s)) },
		Logger:       c.log.Named("channel"),
		Metrics:      c.metrics,
	})
	if err != nil {
		return fmt.Errorf("pushapp: %w", err)
	}

	deviceID, err := device.Resolver{Configured: c.cfg.DeviceID, Store: c.store}.Resolve(ctx)
	if err != nil {
		c.log.WithError(err).Warn("device id not persisted")
	}

	id := c.ids.Resolve(ctx, tenant, channelID)

	c.backend = bc
	c.channel = ch
	c.deviceID = deviceID
	c.emitter.Store(backend.NewEmitter(bc, c.ids, backend.EmitterConfig{
		EventsPerSecond: c.cfg.EventsPerSecond,
		Logger:          c.log.Named("events"),
		Metrics:         c.metrics,
	}))
	c.router = inapp.NewRouter(inapp.RouterConfig{
		Presenter: c.presenter,
		Poller:    bc,
		Logger:    c.log.Named("router"),
		Metrics:   c.metrics,
	})
	c.routerDone = make(chan struct{})
	go func(r *inapp.Router, frames <-chan inapp.Frame, done chan struct{}) {
		defer close(done)
		r.Run(context.Background(), frames)
	}(c.router, ch.Frames(), c.routerDone)
	c.initialized = true

	c.log.WithFields(map[string]any{
		"tenant":    tenant,
		"channel":   channelID,
		"base_url":  ep.BaseURL,
		"device_id": deviceID,
		"durable":   c.ids.Durable(),
	}).Info("pushapp initialized")

	c.checkPresenter()

	pending := c.pendingToken
	c.pendingToken = ""
	if pending != "" {
		c.register(pending)
	}

	if id.UserID != "" {
		c.emitter.Load().Send(EventAppOpen, map[string]any{"channel_id": channelID})
		if err := ch.Connect(id.UserID); err != nil {
			c.log.WithError(err).Warn("channel connect failed")
		}
		return nil
	}

	if pending != "" {
		return nil
	}
	if c.tokenSource != nil {
		go c.tokenSource.RequestDeviceToken()
	} else {
		c.log.Info("no persisted user, waiting for a device token")
	}
	return nil
}

func (c *Client) checkPresenter() {
	if c.presenter == nil {
		c.log.Warn("no presenter configured, in-app messages will be dropped")
		return
	}
	if cp, ok := c.presenter.(inapp.ContextProvider); ok && !cp.CurrentPresentationContext() {
		c.log.Warn("presenter reports no presentation context yet")
	}
}

// Login identifies the user, replacing any previous user or guest, opens a
// fresh channel for them and binds the device in the background.
func (c *Client) Login(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	var result error
	if err := c.do(func() {
		if !c.initialized {
			result = ErrNotInitialized
			return
		}
		id := c.ids.SetUser(ctx, userID)
		if err := c.channel.Connect(userID); err != nil {
			c.log.WithError(err).Warn("channel connect failed")
		}

		bc, deviceID := c.backend, c.deviceID
		go func() {
			if err := bc.BindUser(context.Background(), userID, deviceID, id.Channel); err != nil {
				c.log.WithError(err).WithField("user_id", userID).Warn("user binding failed")
			}
		}()
		c.log.WithField("user_id", userID).Info("user logged in")
	}); err != nil {
		return err
	}
	return result
}

// HandleDeviceToken registers the push token issued by the OS. Every token is
// posted, including reissues for a known user. Tokens that arrive before
// Initialize are held and posted by it.
func (c *Client) HandleDeviceToken(token []byte) {
	hexToken := device.TokenHex(token)
	_ = c.do(func() {
		if !c.initialized {
			c.pendingToken = hexToken
			c.log.Debug("device token received before initialize, deferred")
			return
		}
		c.register(hexToken)
	})
}

// register runs on the actor.
func (c *Client) register(hexToken string) {
	bc := c.backend
	reg := backend.DeviceRegistration{
		Platform:  c.platform,
		Token:     hexToken,
		DeviceID:  c.deviceID,
		ChannelID: c.ids.Snapshot().Channel,
	}
	go func() {
		guestID, err := bc.RegisterDevice(context.Background(), reg)
		if err != nil {
			c.metrics.RecordRegistrationFailure("register")
			if errors.Is(err, backend.ErrNoGuestID) {
				c.log.WithError(err).Warn("registration pending, no guest id issued")
				return
			}
			c.log.WithError(err).Warn("device registration failed")
			return
		}
		c.post(func() {
			if !c.ids.SetGuest(guestID) {
				c.log.WithField("guest_id", guestID).Debug("user already known, guest id not applied")
			}
			c.emitter.Load().Send(EventAppOpen, map[string]any{})
		})
	}()
}

// HandleRegistrationFailure records that the OS could not issue a token.
func (c *Client) HandleRegistrationFailure(err error) {
	c.metrics.RecordRegistrationFailure("token")
	c.log.WithError(err).Warn("push token registration failed")
}

// SendEvent sends a behavioral event for the current user or guest. It
// reports false when the event was dropped because no identity is known yet
// or the client is not initialized.
func (c *Client) SendEvent(name string, data map[string]any) bool {
	em := c.emitter.Load()
	if em == nil {
		c.metrics.RecordEvent("dropped")
		return false
	}
	return em.Send(name, data)
}

// TrackPage sends page_open for name and returns a func sending page_closed.
// The returned func is safe to call more than once.
func (c *Client) TrackPage(name string) (done func()) {
	c.SendEvent(EventPageOpen, map[string]any{"page": name})
	var once sync.Once
	return func() {
		once.Do(func() { c.SendEvent(EventPageClosed, map[string]any{"page": name}) })
	}
}

// Identity returns a snapshot of the current identity.
func (c *Client) Identity() identity.Identity {
	return c.ids.Snapshot()
}

// ChannelState returns the state of the realtime channel.
func (c *Client) ChannelState() channel.State {
	return channel.State(c.channelState.Load())
}

// MetricsHandler serves the SDK's Prometheus metrics.
func (c *Client) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

// Close releases the channel and stops the client. In-flight HTTP requests
// are not cancelled.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		var routerDone chan struct{}
		_ = c.do(func() {
			if c.channel != nil {
				if cerr := c.channel.Close(); cerr != nil {
					err = cerr
				}
			}
			routerDone = c.routerDone
		})
		close(c.done)
		if routerDone != nil {
			<-routerDone
		}
		if closer, ok := c.store.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
