// Package identity resolves and persists who the SDK is acting for: the
// tenant/channel pair from the SDK identifier plus a user or guest id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/R3E-Network/pushapp/pkg/logger"
	"github.com/R3E-Network/pushapp/pkg/storage"
)

// UserIDKey is the durable key holding the resolved user id.
const UserIDKey = "pushapp_user_id"

const identifierDelimiter = "$"

// ErrConfiguration is matched by every *ConfigError.
var ErrConfiguration = errors.New("identity: invalid configuration")

// ConfigError reports a malformed SDK identifier.
type ConfigError struct {
	Identifier string
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("identity: invalid identifier %q: %s", e.Identifier, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// ParseIdentifier splits "<tenant>$<channel>".
func ParseIdentifier(identifier string) (tenant, channel string, err error) {
	parts := strings.Split(identifier, identifierDelimiter)
	switch {
	case len(parts) == 1:
		return "", "", &ConfigError{Identifier: identifier, Reason: "missing '$' delimiter"}
	case len(parts) > 2:
		return "", "", &ConfigError{Identifier: identifier, Reason: "more than one '$' delimiter"}
	case parts[0] == "":
		return "", "", &ConfigError{Identifier: identifier, Reason: "empty tenant"}
	case parts[1] == "":
		return "", "", &ConfigError{Identifier: identifier, Reason: "empty channel"}
	}
	return parts[0], parts[1], nil
}

// Identity is a snapshot of who the SDK acts for.
type Identity struct {
	Tenant  string
	Channel string
	UserID  string
	GuestID string
}

// Effective returns the user id when set, else the guest id.
func (i Identity) Effective() string {
	if i.UserID != "" {
		return i.UserID
	}
	return i.GuestID
}

// Resolved reports whether any id is known.
func (i Identity) Resolved() bool {
	return i.Effective() != ""
}

// Store keeps the current Identity and persists the user id. It is safe for
// concurrent use; Snapshot may be called from any goroutine.
type Store struct {
	mu       sync.RWMutex
	backend  storage.Store
	durable  bool
	identity Identity
	log      *logger.Logger
}

// NewStore creates a store persisting through backend. A nil backend starts
// the store in memory-only mode.
func NewStore(backend storage.Store, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("identity")
	}
	if backend == nil {
		return &Store{backend: storage.NewMemory(), log: log}
	}
	return &Store{backend: backend, durable: true, log: log}
}

// Resolve loads the persisted user id for tenant/channel and returns the
// resulting snapshot. A read failure degrades the store to memory-only.
func (s *Store) Resolve(ctx context.Context, tenant, channel string) Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = Identity{Tenant: tenant, Channel: channel}
	userID, ok, err := s.backend.Get(ctx, UserIDKey)
	if err != nil {
		s.degradeLocked(err, "read")
		return s.identity
	}
	if ok {
		s.identity.UserID = userID
	}
	return s.identity
}

// SetUser records userID, persisting it before returning. Any guest id is
// cleared. The in-memory identity is updated even if persistence fails.
func (s *Store) SetUser(ctx context.Context, userID string) Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity.UserID = userID
	s.identity.GuestID = ""
	if err := s.backend.Set(ctx, UserIDKey, userID); err != nil {
		s.degradeLocked(err, "write")
	}
	return s.identity
}

// SetGuest records a server-issued guest id. It reports false and leaves the
// identity untouched when a user id is already known.
func (s *Store) SetGuest(guestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity.UserID != "" {
		return false
	}
	s.identity.GuestID = guestID
	return true
}

// Snapshot returns the current identity.
func (s *Store) Snapshot() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Durable reports whether writes still reach the durable backend.
func (s *Store) Durable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.durable
}

func (s *Store) degradeLocked(err error, op string) {
	s.log.WithError(err).WithField("op", op).Warn("identity persistence failed, continuing in memory only")
	mem := storage.NewMemory()
	if s.identity.UserID != "" {
		mem.Set(context.Background(), UserIDKey, s.identity.UserID)
	}
	s.backend = mem
	s.durable = false
}
