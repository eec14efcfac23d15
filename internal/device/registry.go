package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device state management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by the state-mutating operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*DeviceState // Cached device state by ID
	cacheMu sync.RWMutex            // Protects cache
	logger  Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*DeviceState),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild cache with copies
	r.cache = make(map[string]*DeviceState, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.Copy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Get retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned state is a copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, id string) (*DeviceState, error) {
	// Try cache first
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		// Return a copy to prevent external mutation of cache
		return cached.Copy(), nil
	}

	// Fall back to repository (might be a new device not yet cached)
	state, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = state.Copy()
	r.cacheMu.Unlock()

	return state, nil
}

// List retrieves all devices.
// The returned states are copies; callers can safely modify them.
func (r *Registry) List(ctx context.Context) ([]DeviceState, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	// Return from cache if populated
	if len(r.cache) > 0 {
		devices := make([]DeviceState, 0, len(r.cache))
		for _, d := range r.cache {
			devices = append(devices, *d.Copy())
		}
		return devices, nil
	}

	// Fall back to repository
	return r.repo.List(ctx)
}

// Upsert persists a device state and updates the cache.
// Used by telemetry ingest, where first contact creates the record.
func (r *Registry) Upsert(ctx context.Context, state *DeviceState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	if err := r.repo.Upsert(ctx, state); err != nil {
		return err
	}

	// Re-read so the cache picks up repository-managed timestamps
	fresh, err := r.repo.GetByID(ctx, state.ID)
	if err != nil {
		return fmt.Errorf("reloading device after upsert: %w", err)
	}

	r.cacheMu.Lock()
	r.cache[fresh.ID] = fresh
	r.cacheMu.Unlock()

	return nil
}

// ApplyAck records the confirmed state from a command acknowledgment.
// A nonzero speed also becomes the device's last known speed.
func (r *Registry) ApplyAck(ctx context.Context, id string, speed int, powerOn bool) error {
	if err := r.repo.UpdateFromAck(ctx, id, speed, powerOn); err != nil {
		return err
	}

	now := time.Now().UTC()

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		cached.Speed = speed
		cached.PowerOn = powerOn
		cached.Online = true
		cached.LastSeen = &now
		if speed > 0 {
			cached.LastKnownSpeed = speed
		}
		cached.UpdatedAt = now
	}
	r.cacheMu.Unlock()

	return nil
}

// MarkSeen refreshes a device's online flag and last_seen timestamp.
func (r *Registry) MarkSeen(ctx context.Context, id string, seenAt time.Time) error {
	if err := r.repo.MarkSeen(ctx, id, seenAt); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		seen := seenAt.UTC()
		cached.Online = true
		cached.LastSeen = &seen
		cached.UpdatedAt = time.Now().UTC()
	}
	r.cacheMu.Unlock()

	return nil
}

// SweepOffline marks devices silent since before cutoff as offline.
// Returns the IDs of devices whose state changed.
func (r *Registry) SweepOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.repo.MarkOffline(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		now := time.Now().UTC()
		r.cacheMu.Lock()
		for _, id := range ids {
			if cached, ok := r.cache[id]; ok {
				cached.Online = false
				cached.UpdatedAt = now
			}
		}
		r.cacheMu.Unlock()

		r.logger.Warn("devices marked offline", "count", len(ids), "devices", ids)
	}

	return ids, nil
}

// Delete removes a device and evicts it from the cache.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	return nil
}
