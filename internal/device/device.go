// Package device derives the identifiers the SDK registers a device with.
package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/R3E-Network/pushapp/pkg/storage"
)

// IDKey is the durable key holding a generated device id.
const IDKey = "pushapp_device_id"

// Platform is the push platform reported on registration.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
)

// ParsePlatform maps a config value to a Platform. Empty selects the
// platform of the running binary.
func ParsePlatform(v string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return CurrentPlatform(), nil
	case string(PlatformIOS):
		return PlatformIOS, nil
	case string(PlatformAndroid):
		return PlatformAndroid, nil
	case string(PlatformDesktop):
		return PlatformDesktop, nil
	default:
		return "", fmt.Errorf("device: unknown platform %q", v)
	}
}

// CurrentPlatform reports the platform for runtime.GOOS.
func CurrentPlatform() Platform {
	switch runtime.GOOS {
	case "ios":
		return PlatformIOS
	case "android":
		return PlatformAndroid
	default:
		return PlatformDesktop
	}
}

// TokenHex renders a push token as lowercase hex, two digits per byte.
func TokenHex(token []byte) string {
	return hex.EncodeToString(token)
}

// HostIDFunc returns a stable machine identifier.
type HostIDFunc func(ctx context.Context) (string, error)

// Resolver picks the device id reported to the backend.
type Resolver struct {
	// Configured wins when non-empty.
	Configured string
	// HostID defaults to gopsutil's host id.
	HostID HostIDFunc
	// Store persists a generated id when no host id is available.
	Store storage.Store
}

// Resolve returns the configured id, else the host id, else a uuid that is
// generated once and persisted under IDKey.
func (r Resolver) Resolve(ctx context.Context) (string, error) {
	if id := strings.TrimSpace(r.Configured); id != "" {
		return id, nil
	}

	hostID := r.HostID
	if hostID == nil {
		hostID = host.HostIDWithContext
	}
	if id, err := hostID(ctx); err == nil && strings.TrimSpace(id) != "" {
		return strings.ToLower(strings.TrimSpace(id)), nil
	}

	if r.Store == nil {
		return uuid.NewString(), nil
	}
	if id, ok, err := r.Store.Get(ctx, IDKey); err == nil && ok && id != "" {
		return id, nil
	}
	id := uuid.NewString()
	if err := r.Store.Set(ctx, IDKey, id); err != nil {
		return id, fmt.Errorf("device: persist generated id: %w", err)
	}
	return id, nil
}
