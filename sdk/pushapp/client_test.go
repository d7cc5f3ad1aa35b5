package pushapp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/pushapp/internal/backend"
	"github.com/R3E-Network/pushapp/internal/channel"
	"github.com/R3E-Network/pushapp/internal/identity"
	"github.com/R3E-Network/pushapp/pkg/inapp"
	"github.com/R3E-Network/pushapp/pkg/logger"
	"github.com/R3E-Network/pushapp/pkg/storage"
	"github.com/R3E-Network/pushapp/pkg/testutil"
)

const waitFor = 3 * time.Second

type fakeTokenSource struct {
	requested chan struct{}
}

func (f *fakeTokenSource) RequestDeviceToken() {
	f.requested <- struct{}{}
}

type fixture struct {
	fb        *testutil.FakeBackend
	store     *storage.Memory
	presenter *testutil.RecordingPresenter
	tokens    *fakeTokenSource
	client    *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fb:        testutil.NewFakeBackend(),
		store:     storage.NewMemory(),
		presenter: testutil.NewRecordingPresenter(),
		tokens:    &fakeTokenSource{requested: make(chan struct{}, 4)},
	}
	c, err := New(Options{
		Config: Config{
			BaseURL:  f.fb.BaseURL(),
			Platform: "ios",
			DeviceID: "dev-1",
		},
		Presenter:   f.presenter,
		TokenSource: f.tokens,
		Store:       f.store,
		Logger:      logger.NewDiscard("pushapp"),
	})
	require.NoError(t, err)
	f.client = c
	t.Cleanup(func() {
		c.Close()
		f.fb.Close()
	})
	return f
}

// waitIdle blocks until background event sends and polls have finished.
func waitIdle(c *Client) {
	if em := c.emitter.Load(); em != nil {
		em.Wait()
	}
	var r *inapp.Router
	_ = c.do(func() { r = c.router })
	if r != nil {
		r.Wait()
	}
}

func TestInitialize_MalformedIdentifierCommitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, bad := range []string{"acme", "a$b$c", "$web", "acme$"} {
		err := f.client.Initialize(ctx, bad, false)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, identity.ErrConfiguration), bad)
	}
	assert.Equal(t, identity.Identity{}, f.client.Identity())
	_, ok, _ := f.store.Get(ctx, identity.UserIDKey)
	assert.False(t, ok)
	assert.Equal(t, 0, f.fb.RequestCount())

	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))
	assert.ErrorIs(t, f.client.Initialize(ctx, "acme$web", false), ErrAlreadyInitialized)
}

func TestInitialize_PersistedUserOpensChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, identity.UserIDKey, "u1"))

	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))

	sock, err := f.fb.AcceptSocket(waitFor)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"type": "auth", "userId": "u1"}, sock.Auth())
	require.Eventually(t, func() bool { return f.client.ChannelState() == channel.StateOpen }, waitFor, 10*time.Millisecond)

	require.True(t, f.fb.WaitForRequests(backend.PathEvents, 1, waitFor))
	assert.Equal(t, map[string]any{
		"user_id":    "u1",
		"channel_id": "web",
		"event_name": "app_open",
		"event_data": map[string]any{"channel_id": "web"},
	}, f.fb.Requests(backend.PathEvents)[0].JSON())

	select {
	case <-f.tokens.requested:
		t.Fatal("token must not be requested when a user is persisted")
	default:
	}
}

func TestInitialize_NoUserRegistersDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))
	select {
	case <-f.tokens.requested:
	case <-time.After(waitFor):
		t.Fatal("device token was not requested")
	}

	assert.False(t, f.client.SendEvent("early", nil), "no identity yet")

	f.client.HandleDeviceToken([]byte{0x0a, 0xff, 0x00})
	require.True(t, f.fb.WaitForRequests(backend.PathRegister, 1, waitFor))
	assert.Equal(t, map[string]any{
		"platform":   "ios",
		"token":      "0aff00",
		"device_id":  "dev-1",
		"channel_id": "web",
	}, f.fb.Requests(backend.PathRegister)[0].JSON())

	require.Eventually(t, func() bool { return f.client.Identity().GuestID == "guest-1" }, waitFor, 10*time.Millisecond)
	require.True(t, f.fb.WaitForRequests(backend.PathEvents, 1, waitFor))
	ev := f.fb.Requests(backend.PathEvents)[0].JSON()
	assert.Equal(t, "guest-1", ev["user_id"])
	assert.Equal(t, "app_open", ev["event_name"])
	assert.Equal(t, map[string]any{}, ev["event_data"])
}

func TestHandleDeviceToken_MissingGuestIDLeavesIdentityUnresolved(t *testing.T) {
	f := newFixture(t)
	f.fb.Respond(backend.PathRegister, 200, `{"device":{}}`)
	require.NoError(t, f.client.Initialize(context.Background(), "acme$web", false))

	f.client.HandleDeviceToken([]byte{0x01})
	require.True(t, f.fb.WaitForRequests(backend.PathRegister, 1, waitFor))
	time.Sleep(50 * time.Millisecond)
	waitIdle(f.client)

	assert.False(t, f.client.Identity().Resolved())
	assert.Empty(t, f.fb.Requests(backend.PathEvents))
}

func TestHandleDeviceToken_BeforeInitializeIsDeferred(t *testing.T) {
	f := newFixture(t)

	f.client.HandleDeviceToken([]byte{0xab})
	assert.Equal(t, 0, f.fb.RequestCount())

	require.NoError(t, f.client.Initialize(context.Background(), "acme$web", false))
	require.True(t, f.fb.WaitForRequests(backend.PathRegister, 1, waitFor))
	assert.Equal(t, "ab", f.fb.Requests(backend.PathRegister)[0].JSON()["token"])
}

func TestHandleDeviceToken_BeforeInitializeWithPersistedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, identity.UserIDKey, "u1"))

	f.client.HandleDeviceToken([]byte{0x0a, 0xff})
	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))

	require.True(t, f.fb.WaitForRequests(backend.PathRegister, 1, waitFor))
	assert.Equal(t, "0aff", f.fb.Requests(backend.PathRegister)[0].JSON()["token"])

	var pending string
	require.NoError(t, f.client.do(func() { pending = f.client.pendingToken }))
	assert.Empty(t, pending)

	id := f.client.Identity()
	assert.Equal(t, "u1", id.UserID)
	assert.Empty(t, id.GuestID)
	select {
	case <-f.tokens.requested:
		t.Fatal("token must not be requested when a user is persisted")
	default:
	}
}

func TestHandleDeviceToken_ReissuedTokenIsPosted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, identity.UserIDKey, "u1"))
	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))

	f.client.HandleDeviceToken([]byte{0x01})
	f.client.HandleDeviceToken([]byte{0x02})
	require.True(t, f.fb.WaitForRequests(backend.PathRegister, 2, waitFor))
}

func TestSendEvent_DeliveredAfterBackendOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, identity.UserIDKey, "u1"))
	f.fb.Respond(backend.PathEvents, http.StatusServiceUnavailable, `{}`)

	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))
	for i := 0; i < 5; i++ {
		assert.True(t, f.client.SendEvent("during_outage", nil))
	}
	// app_open plus five events.
	require.True(t, f.fb.WaitForRequests(backend.PathEvents, 6, waitFor))
	waitIdle(f.client)

	scrape := httptest.NewRecorder()
	f.client.MetricsHandler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), "pushapp_http_backend_health 1")

	f.fb.Respond(backend.PathEvents, http.StatusOK, `{"success":true}`)
	assert.True(t, f.client.SendEvent("after_outage", nil))
	require.True(t, f.fb.WaitForRequests(backend.PathEvents, 7, waitFor))
	assert.Equal(t, "after_outage", f.fb.Requests(backend.PathEvents)[6].JSON()["event_name"])

	require.NoError(t, f.client.Login(ctx, "u2"))
	require.True(t, f.fb.WaitForRequests(backend.PathRegisterUser, 1, waitFor))
	assert.Equal(t, "u2", f.fb.Requests(backend.PathRegisterUser)[0].JSON()["user_id"])
}

func TestSendEvent_WithoutIdentityMakesNoCalls(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.client.SendEvent("before_init", map[string]any{"a": 1}))
	require.NoError(t, f.client.Initialize(context.Background(), "acme$web", false))
	assert.False(t, f.client.SendEvent("no_identity", map[string]any{"a": 1}))

	waitIdle(f.client)
	assert.Empty(t, f.fb.Requests(backend.PathEvents))
}

func TestLogin_OverwritesIdentityAndReplacesChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.client.Login(ctx, "u1"), ErrNotInitialized)
	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))
	assert.ErrorIs(t, f.client.Login(ctx, ""), ErrEmptyUserID)

	f.client.HandleDeviceToken([]byte{0x01})
	require.Eventually(t, func() bool { return f.client.Identity().GuestID != "" }, waitFor, 10*time.Millisecond)

	require.NoError(t, f.client.Login(ctx, "u1"))
	first, err := f.fb.AcceptSocket(waitFor)
	require.NoError(t, err)

	require.NoError(t, f.client.Login(ctx, "u2"))
	id := f.client.Identity()
	assert.Equal(t, "u2", id.UserID)
	assert.Empty(t, id.GuestID)
	assert.Equal(t, "u2", id.Effective())

	v, ok, err := f.store.Get(ctx, identity.UserIDKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u2", v)

	select {
	case <-first.Closed():
	case <-time.After(waitFor):
		t.Fatal("first channel socket still open")
	}
	second, err := f.fb.AcceptSocket(waitFor)
	require.NoError(t, err)
	assert.Equal(t, "u2", second.Auth()["userId"])
	require.Eventually(t, func() bool { return f.client.ChannelState() == channel.StateOpen }, waitFor, 10*time.Millisecond)

	require.True(t, f.fb.WaitForRequests(backend.PathRegisterUser, 2, waitFor))
	users := map[string]bool{}
	for _, r := range f.fb.Requests(backend.PathRegisterUser) {
		body := r.JSON()
		assert.Equal(t, "dev-1", body["device_id"])
		assert.Equal(t, "web", body["channel_id"])
		users[body["user_id"].(string)] = true
	}
	assert.Equal(t, map[string]bool{"u1": true, "u2": true}, users)
}

func TestInAppMessages_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fb.RespondPoll("r1", `{"success":true,"data":{"type":"banner","template":{"id":"t1"}}}`, 0)

	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))
	require.NoError(t, f.client.Login(ctx, "u1"))
	sock, err := f.fb.AcceptSocket(waitFor)
	require.NoError(t, err)

	require.NoError(t, sock.SendJSON(map[string]any{"message_type": "rule_triggered", "rule_id": "r1"}))
	require.True(t, f.presenter.WaitForCalls(1, waitFor))
	calls := f.presenter.Calls()
	assert.Equal(t, inapp.LayoutBanner, calls[0].Layout)
	assert.JSONEq(t, `{"id":"t1"}`, string(calls[0].Template))

	require.NoError(t, sock.SendJSON(map[string]any{"data": map[string]any{"type": "carousel", "template": map[string]any{}}}))
	require.NoError(t, sock.SendJSON(map[string]any{"data": map[string]any{
		"type":     "popup",
		"template": map[string]any{"data": map[string]any{"content": []string{"<h1>Hi</h1>"}}},
	}}))
	require.True(t, f.presenter.WaitForCalls(2, waitFor))
	waitIdle(f.client)

	calls = f.presenter.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, inapp.LayoutPopup, calls[1].Layout)
	html, ok := calls[1].Template.HTML()
	assert.True(t, ok)
	assert.Equal(t, "<h1>Hi</h1>", html)
	assert.Len(t, f.fb.Requests(backend.PathPollInApp), 1)
}

func TestTrackPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))
	require.NoError(t, f.client.Login(ctx, "u1"))

	done := f.client.TrackPage("ScreenOne")
	done()
	done()
	require.True(t, f.fb.WaitForRequests(backend.PathEvents, 2, waitFor))
	waitIdle(f.client)

	names := map[string]any{}
	for _, r := range f.fb.Requests(backend.PathEvents) {
		body := r.JSON()
		names[body["event_name"].(string)] = body["event_data"]
	}
	assert.Equal(t, map[string]any{
		"page_open":   map[string]any{"page": "ScreenOne"},
		"page_closed": map[string]any{"page": "ScreenOne"},
	}, names)
}

func TestHandleRegistrationFailure_IsCounted(t *testing.T) {
	f := newFixture(t)
	f.client.HandleRegistrationFailure(errors.New("no entitlement"))

	rec := httptest.NewRecorder()
	f.client.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `pushapp_registration_failures_total{stage="token"} 1`), string(body))
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.Initialize(ctx, "acme$web", false))
	require.NoError(t, f.client.Login(ctx, "u1"))
	sock, err := f.fb.AcceptSocket(waitFor)
	require.NoError(t, err)

	require.NoError(t, f.client.Close())
	require.NoError(t, f.client.Close())

	select {
	case <-sock.Closed():
	case <-time.After(waitFor):
		t.Fatal("socket not released on Close")
	}
	assert.Equal(t, channel.StateClosed, f.client.ChannelState())
	assert.ErrorIs(t, f.client.Login(ctx, "u2"), ErrClosed)
}
