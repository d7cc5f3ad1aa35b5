package backend

import (
	"fmt"
	"net/http"
	"sync"
)

const defaultDegradedAfter = 5

// Health is the backend's observed availability. It is reported, never
// enforced: every call is sent regardless of Health.
type Health int

const (
	HealthUp Health = iota
	HealthDegraded
)

func (h Health) String() string {
	switch h {
	case HealthUp:
		return "up"
	case HealthDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// healthMonitor counts consecutive failed requests and flips to Degraded
// after degradedAfter of them. The first success flips it back.
type healthMonitor struct {
	degradedAfter int
	onChange      func(from, to Health, cause error)

	mu       sync.Mutex
	health   Health
	failures int
	lastErr  error
}

func newHealthMonitor(degradedAfter int, onChange func(from, to Health, cause error)) *healthMonitor {
	if degradedAfter <= 0 {
		degradedAfter = defaultDegradedAfter
	}
	return &healthMonitor{degradedAfter: degradedAfter, onChange: onChange}
}

// observe records the outcome of one request; err is nil on success.
func (m *healthMonitor) observe(err error) {
	m.mu.Lock()
	from := m.health
	if err == nil {
		m.failures = 0
		m.health = HealthUp
	} else {
		m.failures++
		m.lastErr = err
		if m.failures >= m.degradedAfter {
			m.health = HealthDegraded
		}
	}
	to := m.health
	m.mu.Unlock()

	if from != to && m.onChange != nil {
		m.onChange(from, to, err)
	}
}

func (m *healthMonitor) state() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *healthMonitor) lastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Path == "" {
		return http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: %d %s", e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}
