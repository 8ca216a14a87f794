package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-comms/internal/device"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/mqtt"
)

// DeviceSource lists device definitions. *device.Registry satisfies it.
type DeviceSource interface {
	ListEnabled(ctx context.Context) ([]device.Device, error)
	GetDevice(ctx context.Context, id string) (*device.Device, error)
}

// Supervisor owns the managers for every running device.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Supervisor struct {
	source DeviceSource
	opts   Options
	logger Logger
	topics mqtt.Topics

	managers   map[string]*Manager
	mu         sync.RWMutex
	subscribed bool
}

// NewSupervisor creates a supervisor. opts is shared by every manager it starts.
func NewSupervisor(source DeviceSource, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{
		source:   source,
		opts:     opts,
		logger:   logger,
		managers: make(map[string]*Manager),
	}
}

// Start runs every enabled device and subscribes to device commands.
//
// A device that fails to start is logged and skipped.
//
// Returns:
//   - int: Number of devices started
//   - error: If devices cannot be listed or the command subscription fails
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	devices, err := s.source.ListEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing devices: %w", err)
	}

	started := 0
	for i := range devices {
		if err := s.start(ctx, devices[i]); err != nil {
			s.logger.Error("device failed to start", "device", devices[i].ID, "error", err)
			continue
		}
		started++
	}

	if s.opts.Publisher != nil {
		topic := s.topics.AllDeviceCommands()
		handler := mqtt.DeviceCommands(s.handleCommand, s.rejectCommand)
		if err := s.opts.Publisher.Subscribe(topic, 1, handler); err != nil {
			return started, fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		s.mu.Lock()
		s.subscribed = true
		s.mu.Unlock()
	}

	s.logger.Info("devices started", "started", started, "enabled", len(devices))
	return started, nil
}

// StartDevice loads id from the source and runs it.
func (s *Supervisor) StartDevice(ctx context.Context, id string) error {
	dev, err := s.source.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	return s.start(ctx, *dev)
}

func (s *Supervisor) start(ctx context.Context, dev device.Device) error {
	s.mu.Lock()
	if _, ok := s.managers[dev.ID]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	m, err := New(dev, s.opts)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.managers[dev.ID] = m
	s.mu.Unlock()

	if err := m.Start(ctx); err != nil {
		s.remove(dev.ID, m)
		_ = m.Stop(context.WithoutCancel(ctx)) //nolint:errcheck // start already failed
		return err
	}
	return nil
}

// StopDevice stops and forgets the manager for id.
func (s *Supervisor) StopDevice(ctx context.Context, id string) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	s.remove(id, m)
	return m.Stop(ctx)
}

// Restart stops id if it is running and starts it from its current definition.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	if err := s.StopDevice(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.StartDevice(ctx, id)
}

// Get returns the manager for id.
func (s *Supervisor) Get(id string) (*Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return m, nil
}

// Managers returns the running managers sorted by device ID.
func (s *Supervisor) Managers() []*Manager {
	s.mu.RLock()
	out := make([]*Manager, 0, len(s.managers))
	for _, m := range s.managers {
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stop unsubscribes from device commands and stops every manager concurrently.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	managers := s.managers
	s.managers = make(map[string]*Manager)
	subscribed := s.subscribed
	s.subscribed = false
	s.mu.Unlock()

	var errs []error
	if subscribed {
		if err := s.opts.Publisher.Unsubscribe(s.topics.AllDeviceCommands()); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribing: %w", err))
		}
	}

	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, m := range managers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.logger.Info("devices stopped", "count", len(managers))
	return errors.Join(errs...)
}

func (s *Supervisor) remove(id string, m *Manager) {
	s.mu.Lock()
	if s.managers[id] == m {
		delete(s.managers, id)
	}
	s.mu.Unlock()
}

// handleCommand routes a request from graylogic/command/device/{id} to its manager.
func (s *Supervisor) handleCommand(id string, req CommandRequest) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	return m.HandleMQTTCommand(req)
}

func (s *Supervisor) rejectCommand(id string, err error) {
	if m, getErr := s.Get(id); getErr == nil {
		_ = m.RejectMQTTCommand(err)
	}
}
