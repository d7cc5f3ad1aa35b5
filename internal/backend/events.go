package backend

import (
	"context"
	"maps"
	"sync"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/pushapp/internal/identity"
	"github.com/R3E-Network/pushapp/internal/metrics"
	"github.com/R3E-Network/pushapp/pkg/logger"
)

// IdentitySource provides the identity snapshot an event is attributed to.
type IdentitySource interface {
	Snapshot() identity.Identity
}

// Event is the body of POST /events.
type Event struct {
	UserID    string         `json:"user_id"`
	ChannelID string         `json:"channel_id"`
	Name      string         `json:"event_name"`
	Data      map[string]any `json:"event_data"`
}

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	// EventsPerSecond paces dispatch when > 0. Events wait for a token and
	// are never dropped by the limiter.
	EventsPerSecond float64
	Logger          *logger.Logger
	Metrics         metrics.Recorder
}

// Emitter sends behavioral events fire-and-forget.
type Emitter struct {
	client   *Client
	identity IdentitySource
	limiter  *rate.Limiter
	log      *logger.Logger
	metrics  metrics.Recorder
	wg       sync.WaitGroup
}

// NewEmitter creates an emitter posting through client.
func NewEmitter(client *Client, ids IdentitySource, cfg EmitterConfig) *Emitter {
	e := &Emitter{
		client:   client,
		identity: ids,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if e.log == nil {
		e.log = logger.NewDefault("events")
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNoOpCollector()
	}
	if cfg.EventsPerSecond > 0 {
		burst := int(cfg.EventsPerSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
	}
	return e
}

// Send dispatches one event for the current identity. It reports false, and
// makes no network call, when neither a user nor a guest id is known.
func (e *Emitter) Send(name string, data map[string]any) bool {
	id := e.identity.Snapshot()
	if !id.Resolved() {
		e.metrics.RecordEvent("dropped")
		e.log.WithField("event", name).Debug("no identity yet, event dropped")
		return false
	}

	payload := map[string]any{}
	if data != nil {
		payload = maps.Clone(data)
	}
	ev := Event{
		UserID:    id.Effective(),
		ChannelID: id.Channel,
		Name:      name,
		Data:      payload,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(ev)
	}()
	return true
}

func (e *Emitter) dispatch(ev Event) {
	ctx := logger.WithTraceID(context.Background(), logger.NewTraceID())
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.log.WithContext(ctx).WithError(err).WithField("event", ev.Name).Warn("event pacing failed")
		}
	}
	if _, err := e.client.post(ctx, PathEvents, ev); err != nil {
		e.metrics.RecordEvent("failed")
		e.log.WithContext(ctx).WithError(err).WithField("event", ev.Name).Warn("event delivery failed")
		return
	}
	e.metrics.RecordEvent("sent")
}

// Wait blocks until every dispatched event has completed.
func (e *Emitter) Wait() {
	e.wg.Wait()
}
