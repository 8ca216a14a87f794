package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
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

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device // Cached devices by ID
	loaded  bool               // cache holds every device
	cacheMu sync.RWMutex       // Protects cache and loaded
	logger  Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
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

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
	}
	r.loaded = true

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	if ok {
		cached = cached.DeepCopy()
	}
	r.cacheMu.RUnlock()

	if ok {
		return cached, nil
	}

	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// ListDevices retrieves all devices sorted by name.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	if !r.loaded {
		r.cacheMu.RUnlock()
		return r.repo.List(ctx)
	}
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name == devices[j].Name {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].Name < devices[j].Name
	})
	return devices, nil
}

// ListEnabled retrieves the devices that should be running.
func (r *Registry) ListEnabled(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	loaded := r.loaded
	r.cacheMu.RUnlock()
	if !loaded {
		return r.repo.ListEnabled(ctx)
	}

	all, err := r.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, d := range all {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}
	return enabled, nil
}

// CreateDevice creates a new device.
// It generates the ID from the name if needed, validates and persists it.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = GenerateID(device.Name)
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.store(device)
	r.logger.Info("device created", "id", device.ID, "name", device.Name)
	return nil
}

// UpdateDevice validates and persists changes to an existing device.
func (r *Registry) UpdateDevice(ctx context.Context, device *Device) error {
	if err := ValidateDevice(device); err != nil {
		return err
	}

	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	r.store(device)
	r.logger.Info("device updated", "id", device.ID)
	return nil
}

// PutDevice creates or replaces a device.
func (r *Registry) PutDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = GenerateID(device.Name)
	}
	if err := ValidateDevice(device); err != nil {
		return err
	}
	if err := r.repo.Upsert(ctx, device); err != nil {
		return err
	}
	r.store(device)
	return nil
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// SetEnabled enables or disables a device.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := r.repo.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if d, ok := r.cache[id]; ok {
		updated := d.DeepCopy()
		updated.Enabled = enabled
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()
	return nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices   int
	EnabledDevices int
	ByTransport    map[TransportKind]int
	ByDriver       map[string]int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.cache),
		ByTransport:  make(map[TransportKind]int),
		ByDriver:     make(map[string]int),
	}

	for _, d := range r.cache {
		if d.Enabled {
			stats.EnabledDevices++
		}
		stats.ByTransport[d.Transport.Kind]++
		name := d.Driver.Name
		if name == "" {
			name = "raw"
		}
		stats.ByDriver[name]++
	}

	return stats
}

func (r *Registry) store(device *Device) {
	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()
}
