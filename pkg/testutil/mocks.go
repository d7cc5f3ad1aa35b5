// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/pushapp/pkg/inapp"
	"github.com/R3E-Network/pushapp/pkg/storage"
)

// FailingStore is a storage.Store whose operations fail with Err.
type FailingStore struct {
	Err error
	// FailWritesOnly serves reads from an empty in-memory map.
	FailWritesOnly bool

	mu     sync.Mutex
	mem    *storage.Memory
	writes int
}

func (s *FailingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if !s.FailWritesOnly {
		return "", false, s.Err
	}
	return s.memory().Get(ctx, key)
}

func (s *FailingStore) Set(_ context.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return s.Err
}

func (s *FailingStore) Delete(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return s.Err
}

// Writes returns the number of attempted writes.
func (s *FailingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *FailingStore) memory() *storage.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		s.mem = storage.NewMemory()
	}
	return s.mem
}

// Presentation is one recorded Present call.
type Presentation struct {
	Layout   inapp.Layout
	Template inapp.Template
}

// RecordingPresenter records every Present call. It implements
// inapp.ContextProvider; the context is available unless SetAvailable(false).
type RecordingPresenter struct {
	mu          sync.Mutex
	calls       []Presentation
	unavailable bool
	notify      chan struct{}
}

// NewRecordingPresenter creates a presenter with an available context.
func NewRecordingPresenter() *RecordingPresenter {
	return &RecordingPresenter{notify: make(chan struct{}, 64)}
}

func (p *RecordingPresenter) Present(layout inapp.Layout, template inapp.Template) {
	p.mu.Lock()
	p.calls = append(p.calls, Presentation{Layout: layout, Template: append(inapp.Template(nil), template...)})
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *RecordingPresenter) CurrentPresentationContext() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unavailable
}

// SetAvailable toggles the presentation context.
func (p *RecordingPresenter) SetAvailable(available bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable = !available
}

// Calls returns a copy of the recorded presentations.
func (p *RecordingPresenter) Calls() []Presentation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Presentation, len(p.calls))
	copy(out, p.calls)
	return out
}

// WaitForCalls waits until at least n presentations were recorded.
func (p *RecordingPresenter) WaitForCalls(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(p.Calls()) >= n {
			return true
		}
		select {
		case <-p.notify:
		case <-deadline:
			return len(p.Calls()) >= n
		}
	}
}
