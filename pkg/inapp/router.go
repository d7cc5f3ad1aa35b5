package inapp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/pushapp/internal/metrics"
	"github.com/R3E-Network/pushapp/pkg/logger"
)

// Presenter renders in-app messages. It is implemented by the host and must
// move onto its own UI context; the router calls it from background
// goroutines, one call at a time.
type Presenter interface {
	Present(layout Layout, template Template)
}

// ContextProvider is optionally implemented by a Presenter. When it reports
// false there is nowhere to present and the message is dropped.
type ContextProvider interface {
	CurrentPresentationContext() bool
}

// Poller fetches the payload for a triggered rule.
type Poller interface {
	PollInApp(ctx context.Context, ruleID string) (json.RawMessage, error)
}

// Drop reasons reported to metrics.
const (
	DropMalformed        = "malformed"
	DropUnknownLayout    = "unknown_layout"
	DropMissingTemplate  = "missing_template"
	DropMissingType      = "missing_type"
	DropPollFailed       = "poll_failed"
	DropDuplicateTrigger = "duplicate_trigger"
	DropNoContext        = "no_presentation_context"
	DropNoPresenter      = "no_presenter"
)

// RouterConfig configures a Router.
type RouterConfig struct {
	Presenter Presenter
	Poller    Poller
	Logger    *logger.Logger
	Metrics   metrics.Recorder
}

// Router dispatches decoded frames.
type Router struct {
	presenter Presenter
	poller    Poller
	log       *logger.Logger
	metrics   metrics.Recorder

	mu       sync.Mutex
	inFlight map[string]struct{}

	presentMu sync.Mutex
	wg        sync.WaitGroup
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		presenter: cfg.Presenter,
		poller:    cfg.Poller,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		inFlight:  make(map[string]struct{}),
	}
	if r.log == nil {
		r.log = logger.NewDefault("router")
	}
	if r.metrics == nil {
		r.metrics = metrics.NewNoOpCollector()
	}
	return r
}

// Run consumes frames in order until the channel closes or ctx is done.
func (r *Router) Run(ctx context.Context, frames <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			r.Route(ctx, f)
		}
	}
}

// Route handles one frame. Rule-triggered frames start an asynchronous poll
// and return immediately.
func (r *Router) Route(ctx context.Context, f Frame) {
	switch f.Kind {
	case KindRuleTriggered:
		r.poll(ctx, f.RuleID)
	case KindDirect:
		r.present(r.log.WithField("source", "channel"), f.Data)
	default:
		r.metrics.RecordDropped(DropMalformed)
		r.log.WithField("reason", f.Reason).Warn("malformed frame dropped")
	}
}

// Wait blocks until every in-flight poll has completed.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) poll(ctx context.Context, ruleID string) {
	if r.poller == nil {
		r.metrics.RecordDropped(DropPollFailed)
		r.log.WithField("rule_id", ruleID).Warn("no poller configured, rule trigger dropped")
		return
	}

	r.mu.Lock()
	if _, busy := r.inFlight[ruleID]; busy {
		r.mu.Unlock()
		r.metrics.RecordDropped(DropDuplicateTrigger)
		r.log.WithField("rule_id", ruleID).Debug("poll already in flight, trigger skipped")
		return
	}
	r.inFlight[ruleID] = struct{}{}
	r.mu.Unlock()

	pollCtx := logger.WithTraceID(context.WithoutCancel(ctx), logger.NewTraceID())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, ruleID)
			r.mu.Unlock()
		}()

		data, err := r.poller.PollInApp(pollCtx, ruleID)
		if err != nil {
			r.metrics.RecordDropped(DropPollFailed)
			r.log.WithContext(pollCtx).WithError(err).WithField("rule_id", ruleID).Warn("in-app poll failed")
			return
		}
		r.present(r.log.WithContext(pollCtx).WithField("rule_id", ruleID), data)
	}()
}

func (r *Router) present(log *logrus.Entry, payload []byte) {
	render, err := Classify(payload)
	if err != nil {
		reason := DropMissingType
		switch {
		case errors.Is(err, ErrUnknownLayout):
			reason = DropUnknownLayout
		case errors.Is(err, ErrMissingTemplate):
			reason = DropMissingTemplate
		}
		r.metrics.RecordDropped(reason)
		log.WithError(err).WithField("layout", string(render.Layout)).Warn("in-app message dropped")
		return
	}
	if r.presenter == nil {
		r.metrics.RecordDropped(DropNoPresenter)
		log.WithField("layout", string(render.Layout)).Warn("no presenter configured, in-app message dropped")
		return
	}
	if cp, ok := r.presenter.(ContextProvider); ok && !cp.CurrentPresentationContext() {
		r.metrics.RecordDropped(DropNoContext)
		log.WithField("layout", string(render.Layout)).Warn("no presentation context, in-app message dropped")
		return
	}

	r.presentMu.Lock()
	r.presenter.Present(render.Layout, render.Template)
	r.presentMu.Unlock()

	r.metrics.RecordPresentation(string(render.Layout))
	log.WithField("layout", string(render.Layout)).Info("in-app message presented")
}
