// File: internal/resources/hooks.go

package resources

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// defaultExit is indirected so tests can observe the exit instead of dying.
func defaultExit(code int) { os.Exit(code) }

// SetExitFunc replaces the process-exit function used by the signal hook.
// Test use only.
func (m *Manager) SetExitFunc(fn func(int)) {
	m.mu.Lock()
	m.exit = fn
	m.mu.Unlock()
}

// InstallProcessHooks routes SIGINT/SIGTERM through CleanupAll and then
// exits. It is installed at most once; a second call without an intervening
// undo is an error. The returned undo detaches the hook without running
// cleanup. Cancelling ctx detaches the hook the same way, so a reinstall is
// never refused while no handler is alive.
func (m *Manager) InstallProcessHooks(ctx context.Context) (func(), error) {
	m.mu.Lock()
	if m.hooksInstalled {
		m.mu.Unlock()
		return nil, fmt.Errorf("process hooks already installed")
	}
	m.hooksInstalled = true
	m.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	var detachOnce sync.Once
	detach := func() {
		signal.Stop(sigCh)
		close(done)
		m.mu.Lock()
		m.hooksInstalled = false
		m.mu.Unlock()
	}

	go func() {
		select {
		case sig := <-sigCh:
			m.logger.Info("Signal received; running global cleanup.",
				zap.String("signal", sig.String()))
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			err := m.CleanupAll(cleanupCtx)
			cancel()
			m.mu.Lock()
			exit := m.exit
			m.mu.Unlock()
			if err != nil {
				exit(1)
				return
			}
			exit(0)
		case <-done:
		case <-ctx.Done():
			detachOnce.Do(detach)
		}
	}()

	undo := func() { detachOnce.Do(detach) }
	return undo, nil
}

// HandlePanic converts a recovered goroutine panic into the error recovery
// path. Use it as `defer m.HandlePanic(ctx, "component")` at the top of
// goroutines that must not take the process down.
func (m *Manager) HandlePanic(ctx context.Context, component string) {
	rec := recover()
	if rec == nil {
		return
	}
	err := fmt.Errorf("panic in %s: %v", component, rec)
	m.logger.Error("Recovered goroutine panic.",
		zap.String("component", component),
		zap.Any("panic", rec),
		zap.Stack("stack"))
	m.HandleError(ctx, err, &RecoveryContext{Component: component})
}
