// File: internal/resources/manager.go

// Package resources tracks live resources (sessions, connections, files) and
// guarantees best-effort teardown: bounded cleanup retries with exponential
// backoff, forced teardown of stuck resources, recovery strategies for
// classified errors, and process signal hooks for global cleanup.
package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const cleanupTimeout = 30 * time.Second

// Type categorizes registered resources.
type Type string

const (
	TypeSession    Type = "session"
	TypeConnection Type = "connection"
	TypeFile       Type = "file"
	TypeCustom     Type = "custom"
)

// CleanupFunc releases one resource. It must be safe to call more than once.
type CleanupFunc func(ctx context.Context) error

// ForceCloser is the capability a payload exposes to be torn down after its
// regular cleanup attempts are exhausted.
type ForceCloser interface {
	ForceClose() error
}

// Resource is one tracked entry. Mutable fields are guarded by the manager.
type Resource struct {
	ID        string
	Type      Type
	Name      string
	Payload   any
	CreatedAt time.Time
	LastUsed  time.Time

	cleanup     CleanupFunc
	attempts    int
	maxAttempts int
	retry       *time.Timer
}

type registerConfig struct {
	maxAttempts int
}

// RegisterOption customizes a registration.
type RegisterOption func(*registerConfig)

// WithMaxAttempts overrides the manager-wide cleanup attempt cap for one
// resource.
func WithMaxAttempts(n int) RegisterOption {
	return func(c *registerConfig) { c.maxAttempts = n }
}

// Config tunes the manager.
type Config struct {
	MaxCleanupAttempts int
	CleanupBaseDelay   time.Duration
}

// Manager is the resource registry. One instance serves the whole process.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	resources map[string]*Resource

	strategies map[string]*Strategy

	hooksInstalled bool
	exit           func(int)
}

// NewManager creates an empty registry with the default recovery strategies
// installed.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxCleanupAttempts <= 0 {
		cfg.MaxCleanupAttempts = 3
	}
	if cfg.CleanupBaseDelay <= 0 {
		cfg.CleanupBaseDelay = time.Second
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logger.Named("resources"),
		resources:  make(map[string]*Resource),
		strategies: make(map[string]*Strategy),
		exit:       defaultExit,
	}
	m.registerDefaultStrategies()
	return m
}

// Register tracks a resource and returns its id.
func (m *Manager) Register(payload any, rtype Type, name string, cleanup CleanupFunc, opts ...RegisterOption) string {
	cfg := registerConfig{maxAttempts: m.cfg.MaxCleanupAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Resource{
		ID:          uuid.NewString(),
		Type:        rtype,
		Name:        name,
		Payload:     payload,
		CreatedAt:   time.Now(),
		LastUsed:    time.Now(),
		cleanup:     cleanup,
		maxAttempts: cfg.maxAttempts,
	}

	m.mu.Lock()
	m.resources[r.ID] = r
	m.mu.Unlock()

	m.logger.Debug("Registered resource.",
		zap.String("resource_id", r.ID),
		zap.String("type", string(rtype)),
		zap.String("name", name))
	return r.ID
}

// Unregister runs the resource's cleanup through the same guarded attempt
// path as Cleanup: success removes the entry, failure counts against the
// attempt cap and schedules a background retry. A resource whose cleanup
// keeps failing therefore stays tracked until the retries land or
// ForceCleanupStuck removes it.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.resources[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.attemptCleanup(ctx, r)
}

// Get returns a tracked resource.
func (m *Manager) Get(id string) (*Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	return r, ok
}

// UpdateUsage stamps the resource's last-used time.
func (m *Manager) UpdateUsage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.resources[id]; ok {
		r.LastUsed = time.Now()
	}
}

// Cleanup attempts the resource's cleanup. On failure it schedules a retry
// after 2^attempts x base delay, up to the attempt cap; a successful attempt
// removes the resource. Retries are fire-and-forget relative to the caller.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.resources[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.attemptCleanup(ctx, r)
}

func (m *Manager) attemptCleanup(ctx context.Context, r *Resource) error {
	m.mu.Lock()
	if _, live := m.resources[r.ID]; !live {
		// Removed by Unregister or CleanupAll since the retry was scheduled.
		m.mu.Unlock()
		return nil
	}
	if r.attempts >= r.maxAttempts {
		m.mu.Unlock()
		return fmt.Errorf("resource %s (%s): cleanup attempts exhausted", r.ID, r.Name)
	}
	r.attempts++
	attempt := r.attempts
	if r.retry != nil {
		// A direct attempt supersedes any retry already on the clock.
		r.retry.Stop()
		r.retry = nil
	}
	m.mu.Unlock()

	err := m.runCleanup(ctx, r)
	if err == nil {
		m.mu.Lock()
		delete(m.resources, r.ID)
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	if _, live := m.resources[r.ID]; live && r.attempts < r.maxAttempts {
		delay := m.cfg.CleanupBaseDelay << uint(attempt)
		r.retry = time.AfterFunc(delay, func() { m.retryCleanup(r) })
		m.logger.Warn("Cleanup failed; retry scheduled.",
			zap.String("resource_id", r.ID),
			zap.String("name", r.Name),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
	} else {
		m.logger.Error("Cleanup failed with attempts exhausted.",
			zap.String("resource_id", r.ID),
			zap.String("name", r.Name),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) retryCleanup(r *Resource) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = m.attemptCleanup(ctx, r)
}

// runCleanup invokes the cleanup function with panic containment.
func (m *Manager) runCleanup(ctx context.Context, r *Resource) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("cleanup of %s panicked: %v", r.Name, rec)
		}
	}()
	if r.cleanup == nil {
		return nil
	}
	return r.cleanup(ctx)
}

// CleanupAll runs every resource's cleanup concurrently, waits for all of
// them to settle, and then clears the registry unconditionally. Pending
// retry timers are cancelled by the clear.
func (m *Manager) CleanupAll(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		snapshot = append(snapshot, r)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, r := range snapshot {
		g.Go(func() error {
			if err := m.runCleanup(ctx, r); err != nil {
				m.logger.Warn("Cleanup error during global teardown.",
					zap.String("resource_id", r.ID),
					zap.String("name", r.Name),
					zap.Error(err))
				return fmt.Errorf("%s: %w", r.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	m.mu.Lock()
	for _, r := range m.resources {
		if r.retry != nil {
			r.retry.Stop()
			r.retry = nil
		}
	}
	m.resources = make(map[string]*Resource)
	m.mu.Unlock()

	m.logger.Info("Global resource cleanup finished.",
		zap.Int("resources", len(snapshot)), zap.Bool("clean", err == nil))
	return err
}

// ForceCleanupStuck tears down resources whose cleanup attempts are
// exhausted. Teardown goes through the ForceCloser capability when the
// payload provides it; errors are ignored and the entry is removed either
// way. Returns the number of resources removed.
func (m *Manager) ForceCleanupStuck() int {
	m.mu.Lock()
	var stuck []*Resource
	for _, r := range m.resources {
		if r.attempts >= r.maxAttempts {
			stuck = append(stuck, r)
			delete(m.resources, r.ID)
			if r.retry != nil {
				r.retry.Stop()
				r.retry = nil
			}
		}
	}
	m.mu.Unlock()

	for _, r := range stuck {
		if fc, ok := r.Payload.(ForceCloser); ok {
			if err := fc.ForceClose(); err != nil {
				m.logger.Warn("Force close reported an error.",
					zap.String("resource_id", r.ID),
					zap.String("name", r.Name),
					zap.Error(err))
			}
		}
		m.logger.Info("Force-removed stuck resource.",
			zap.String("resource_id", r.ID), zap.String("name", r.Name))
	}
	return len(stuck)
}

// Count returns the number of tracked resources.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// GetStats returns the tracked resource count per type.
func (m *Manager) GetStats() map[Type]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[Type]int)
	for _, r := range m.resources {
		stats[r.Type]++
	}
	return stats
}
