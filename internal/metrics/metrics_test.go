package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollector_DefaultNamespace(t *testing.T) {
	c := NewCollector("")
	if c.Registry() == nil {
		t.Fatal("Registry() should not return nil")
	}
	c.RecordFrame("direct")

	if n := promtestutil.CollectAndCount(c.frames, "pushapp_channel_frames_total"); n != 1 {
		t.Errorf("CollectAndCount() = %d, want 1", n)
	}
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("test")

	c.RecordHTTPRequest("/events", 200, 5*time.Millisecond, nil)
	c.RecordHTTPRequest("/events", 0, time.Millisecond, errors.New("dial failed"))
	c.RecordPresentation("popup")
	c.RecordPresentation("popup")
	c.RecordDropped("unknown_layout")
	c.RecordEvent("dropped")
	c.RecordRegistrationFailure("token")
	c.SetChannelState(2)
	c.SetBackendHealth(1)

	if got := promtestutil.ToFloat64(c.httpRequests.WithLabelValues("/events", "200")); got != 1 {
		t.Errorf("requests{200} = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(c.httpRequests.WithLabelValues("/events", "error")); got != 1 {
		t.Errorf("requests{error} = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(c.presentations.WithLabelValues("popup")); got != 2 {
		t.Errorf("presentations{popup} = %v, want 2", got)
	}
	if got := promtestutil.ToFloat64(c.channelState); got != 2 {
		t.Errorf("channel state = %v, want 2", got)
	}
	if got := promtestutil.ToFloat64(c.backendHealth); got != 1 {
		t.Errorf("backend health = %v, want 1", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.RecordEvent("sent")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_events_total{result="sent"} 1`) {
		t.Errorf("metrics output missing events counter:\n%s", body)
	}
}

func TestRecorderInterface(t *testing.T) {
	var _ Recorder = (*Collector)(nil)
	var _ Recorder = (*NoOpCollector)(nil)

	n := NewNoOpCollector()
	n.RecordHTTPRequest("/register", 500, time.Second, nil)
	n.RecordFrame("malformed")
	n.SetChannelState(3)
}
