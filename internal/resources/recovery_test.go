// File: internal/resources/recovery_test.go
package resources

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func setupRecoveryManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{}, zaptest.NewLogger(t))
}

// Test Cases: Classification

func TestHandleError_NilErrorIsRecovered(t *testing.T) {
	m := setupRecoveryManager(t)
	assert.True(t, m.HandleError(context.Background(), nil, nil))
}

func TestHandleError_UnclassifiedErrorFails(t *testing.T) {
	m := setupRecoveryManager(t)
	assert.False(t, m.HandleError(context.Background(), errors.New("some novel failure"), nil))
}

func TestHandleError_SubstringClassification(t *testing.T) {
	m := setupRecoveryManager(t)
	m.RegisterRecoveryStrategy("wedge", &Strategy{Kind: KindIgnore})

	assert.True(t, m.HandleError(context.Background(), errors.New("browser wedge detected"), nil))
}

func TestHandleError_PatternBeatsSubstring(t *testing.T) {
	m := setupRecoveryManager(t)

	var usedPattern atomic.Bool
	m.RegisterRecoveryStrategy("zzz-pattern", &Strategy{
		Kind:    KindCustom,
		Pattern: regexp.MustCompile(`session .* lost`),
		Handler: func(ctx context.Context, err error, rc *RecoveryContext) error {
			usedPattern.Store(true)
			return nil
		},
	})
	// A substring key that also matches; patterns are checked first even
	// though this key sorts earlier.
	m.RegisterRecoveryStrategy("session", &Strategy{Kind: KindIgnore})

	recovered := m.HandleError(context.Background(), errors.New("session S1 lost"), nil)
	assert.True(t, recovered)
	assert.True(t, usedPattern.Load())
}

// Test Cases: Strategy Kinds

func TestHandleError_RetryDrivesOperation(t *testing.T) {
	m := setupRecoveryManager(t)
	m.RegisterRecoveryStrategy("flaky", &Strategy{Kind: KindRetry, MaxAttempts: 3, Delay: time.Millisecond})

	var calls atomic.Int32
	rc := &RecoveryContext{
		Component: "test",
		Operation: func(ctx context.Context) error {
			if calls.Add(1) < 2 {
				return errors.New("still flaky")
			}
			return nil
		},
	}

	assert.True(t, m.HandleError(context.Background(), errors.New("flaky read"), rc))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandleError_ReconnectDrivesCallback(t *testing.T) {
	m := setupRecoveryManager(t)

	var reconnects atomic.Int32
	rc := &RecoveryContext{
		OnReconnect: func(ctx context.Context) error {
			reconnects.Add(1)
			return nil
		},
	}

	// Uses the default "connection closed" strategy.
	assert.True(t, m.HandleError(context.Background(), errors.New("connection reset by peer"), rc))
	assert.Equal(t, int32(1), reconnects.Load())
}

func TestHandleError_RestartDrivesCallback(t *testing.T) {
	m := setupRecoveryManager(t)
	m.RegisterRecoveryStrategy("browser crashed", &Strategy{Kind: KindRestart, MaxAttempts: 1})

	restarted := false
	rc := &RecoveryContext{OnRestart: func(ctx context.Context) error {
		restarted = true
		return nil
	}}

	assert.True(t, m.HandleError(context.Background(), errors.New("browser crashed hard"), rc))
	assert.True(t, restarted)
}

func TestHandleError_IgnoreAlwaysRecovers(t *testing.T) {
	m := setupRecoveryManager(t)
	// Uses the default "not attached" strategy.
	assert.True(t, m.HandleError(context.Background(), fmt.Errorf("not attached to target: T1"), nil))
}

func TestHandleError_CustomHandler(t *testing.T) {
	m := setupRecoveryManager(t)

	var gotErr error
	m.RegisterRecoveryStrategy("special", &Strategy{
		Kind: KindCustom, MaxAttempts: 1,
		Handler: func(ctx context.Context, err error, rc *RecoveryContext) error {
			gotErr = err
			return nil
		},
	})

	original := errors.New("a special failure")
	assert.True(t, m.HandleError(context.Background(), original, nil))
	assert.Equal(t, original, gotErr)
}

// Test Cases: Failure Modes

func TestHandleError_ExhaustionReturnsFalse(t *testing.T) {
	m := setupRecoveryManager(t)
	m.RegisterRecoveryStrategy("hopeless", &Strategy{Kind: KindRetry, MaxAttempts: 2, Delay: time.Millisecond})

	var calls atomic.Int32
	rc := &RecoveryContext{Operation: func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("still hopeless")
	}}

	assert.False(t, m.HandleError(context.Background(), errors.New("hopeless state"), rc))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandleError_MissingCallbackFails(t *testing.T) {
	m := setupRecoveryManager(t)
	m.RegisterRecoveryStrategy("needs-retry", &Strategy{Kind: KindRetry, MaxAttempts: 1})

	// No Operation in the context; the strategy cannot run.
	assert.False(t, m.HandleError(context.Background(), errors.New("needs-retry now"), &RecoveryContext{}))
}

func TestHandleError_PanickingHandlerIsContained(t *testing.T) {
	m := setupRecoveryManager(t)
	m.RegisterRecoveryStrategy("explosive", &Strategy{
		Kind: KindCustom, MaxAttempts: 1,
		Handler: func(ctx context.Context, err error, rc *RecoveryContext) error {
			panic("handler bug")
		},
	})

	assert.NotPanics(t, func() {
		assert.False(t, m.HandleError(context.Background(), errors.New("explosive input"), nil))
	})
}

func TestHandleError_ContextCancelAbandonsRecovery(t *testing.T) {
	m := setupRecoveryManager(t)
	m.RegisterRecoveryStrategy("slow", &Strategy{Kind: KindRetry, MaxAttempts: 3, Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rc := &RecoveryContext{Operation: func(ctx context.Context) error {
		return errors.New("still failing")
	}}

	assert.False(t, m.HandleError(ctx, errors.New("slow failure"), rc))
}

// Test Cases: Panic Routing

func TestHandlePanic_RoutesThroughRecovery(t *testing.T) {
	m := setupRecoveryManager(t)

	var handled atomic.Bool
	m.RegisterRecoveryStrategy("panic in worker", &Strategy{
		Kind: KindCustom, MaxAttempts: 1,
		Handler: func(ctx context.Context, err error, rc *RecoveryContext) error {
			handled.Store(true)
			return nil
		},
	})

	func() {
		defer m.HandlePanic(context.Background(), "worker")
		panic("goroutine bug")
	}()

	assert.True(t, handled.Load())
}

func TestHandlePanic_NoopWithoutPanic(t *testing.T) {
	m := setupRecoveryManager(t)
	assert.NotPanics(t, func() {
		defer m.HandlePanic(context.Background(), "worker")
	})
}
